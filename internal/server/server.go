package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"fieldcrm/internal/app"
	"fieldcrm/internal/domain"
	"fieldcrm/internal/engine"
	"fieldcrm/internal/engine/auth"
	"fieldcrm/internal/events"
	"fieldcrm/internal/export"
	"fieldcrm/internal/repo"
	"fieldcrm/internal/store"
	"fieldcrm/internal/views"
)

// Config for the HTTP API handler.
type Config struct {
	App         *app.App
	BasePath    string
	Auth        AuthConfig
	CORSOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task transition from assigned to completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"redirect\":\"/sales/tasks\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CRM API.
func New(cfg Config) (http.Handler, error) {
	a := cfg.App
	if a == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = a.Config.Server.TokenTTL
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, a.Store, a.Now))
	title := a.Config.CRM.Name
	if title == "" {
		title = "Field CRM"
	}
	hcfg := huma.DefaultConfig(title+" API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath, title)
	registerMetrics(router, a)
	registerHealth(group)
	registerAuth(group, a, cfg.Auth)
	registerMe(group, a)
	registerDashboard(group, a)
	registerUsers(group, a)
	registerCompanies(group, a)
	registerTasks(group, a)
	registerEvents(group, a)
	registerReports(router, a, basePath)
	registerOpenAPI(router, api, basePath)

	origins := cfg.CORSOrigins
	if origins == nil {
		origins = a.Config.Server.CORSOrigins
	}
	if len(origins) == 0 {
		return router, nil
	}
	return newCORS(origins)(router), nil
}

func newCORS(origins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	return c.Handler
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"required_role": string(fe.Required),
			"redirect":      fe.Redirect,
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(te.From),
			"to":   string(te.To),
		})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrNotAssignee):
		return newAPIError(http.StatusForbidden, "not_assignee", msg, nil)
	case errors.Is(err, engine.ErrTaskLocked):
		return newAPIError(http.StatusConflict, "task_locked", msg, nil)
	case errors.Is(err, engine.ErrVisitExists):
		return newAPIError(http.StatusConflict, "visit_exists", msg, nil)
	case errors.Is(err, engine.ErrNoActiveVisit):
		return newAPIError(http.StatusConflict, "no_active_visit", msg, nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath, title string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath, title))
	})
}

func registerMetrics(r chi.Router, a *app.App) {
	if a.Metrics == nil {
		return
	}
	r.Handle("/metrics", a.Metrics.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		spec     []byte
		specOnce sync.Once
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		specOnce.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath, title string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>%s API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Sign in with POST %s and send Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, title, specURL, path.Join(basePath, "auth/login"))
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAuth(api huma.API, a *app.App, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange email and password for a bearer token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, err := a.Directory.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		if u == nil {
			return nil, unauthorized("invalid_credentials", "invalid email or password")
		}
		token, expires, err := signToken(authCfg.JWTSecret, *u, a.Now(), authCfg.ttl())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		if err := a.Events.Append(ctx, events.SessionLoggedIn, "user", u.ID, u.ID, events.EventPayload{"via": "api"}); err != nil {
			authCfg.logger().Printf("auth: record login for %s: %v", u.ID, err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{
			Token:     token,
			ExpiresAt: formatTime(expires),
			User:      *u,
			Home:      auth.Home(u.Role),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/auth/signup",
		Summary:       "Register a sales user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SignupRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := a.Directory.Register(ctx, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerMe(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/")
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			User:            *s.User,
			Role:            string(s.Role()),
			Home:            auth.Home(s.Role()),
			IsAuthenticated: s.IsAuthenticated,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/me/tasks",
		Summary:     "Tasks of the signed-in salesperson",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Tab      string `query:"tab" enum:"today,upcoming,overdue,completed,all" default:"today"`
		Status   string `query:"status"`
		Search   string `query:"search"`
		Sort     string `query:"sort"`
		Page     int    `query:"page" default:"1"`
		PageSize int    `query:"page_size"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/sales/tasks")
		if authErr != nil {
			return nil, authErr
		}
		q, err := views.TabQuery(s.User.ID, input.Tab)
		if err != nil {
			return nil, badQuery("tab", err)
		}
		q.Search = input.Search
		if input.Status != "" {
			st, err := domain.ParseTaskStatus(input.Status)
			if err != nil {
				return nil, badQuery("status", err)
			}
			q.Status = st
		}
		if input.Sort != "" {
			order, err := views.ParseSortOrder(input.Sort)
			if err != nil {
				return nil, badQuery("sort", err)
			}
			q.Sort = order
		}
		snap := a.Store.Snapshot()
		clk := a.Clock()
		mine := snap.TasksWhere(func(t domain.Task) bool { return t.SalespersonID == s.User.ID })
		matched := views.Filter(views.JoinAll(snap, mine), q, clk)
		resp := taskPage(views.Paginate(matched, input.Page, pageSize(input.PageSize, a.Config.Views.PageSize)), clk)
		tabs := views.Tabs(mine, clk)
		resp.Tabs = &tabs
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-history",
		Method:      http.MethodGet,
		Path:        "/me/history",
		Summary:     "Submitted visits of the signed-in salesperson",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Outcome  string `query:"outcome"`
		Page     int    `query:"page" default:"1"`
		PageSize int    `query:"page_size"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/sales/history")
		if authErr != nil {
			return nil, authErr
		}
		rows := views.History(a.Store.Snapshot(), s.User.ID)
		summary := views.Summarize(views.HistoryReports(rows))
		if input.Outcome != "" {
			outcome, err := domain.ParseOutcome(input.Outcome)
			if err != nil {
				return nil, badQuery("outcome", err)
			}
			kept := rows[:0:0]
			for _, r := range rows {
				if r.Report.Outcome != nil && *r.Report.Outcome == outcome {
					kept = append(kept, r)
				}
			}
			rows = kept
		}
		p := views.Paginate(rows, input.Page, pageSize(input.PageSize, a.Config.Views.HistoryPageSize))
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{
			Items:      nonNilSlice(p.Items),
			Summary:    summary,
			Page:       p.Page,
			PageSize:   p.PageSize,
			Total:      p.Total,
			TotalPages: p.TotalPages,
		}}, nil
	})
}

func registerDashboard(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Landing dashboard of the signed-in role",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DashboardResponse `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/")
		if authErr != nil {
			return nil, authErr
		}
		snap := a.Store.Snapshot()
		clk := a.Clock()
		resp := DashboardResponse{Role: string(s.Role())}
		switch s.Role() {
		case domain.RoleAdmin:
			d := views.Admin(snap, clk)
			resp.Admin = &d
		case domain.RoleSales:
			d := views.Sales(snap, s.User.ID, clk)
			resp.Sales = &d
		}
		return &struct {
			Body DashboardResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerUsers(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "Sales team with task statistics",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []views.UserStats `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := requireView(ctx, a.Gate, "/admin/users"); authErr != nil {
			return nil, authErr
		}
		out := &struct {
			Body struct {
				Items []views.UserStats `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(views.SalesTeam(a.Store.Snapshot(), a.Clock()))
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Add a user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/admin/users")
		if authErr != nil {
			return nil, authErr
		}
		u, err := a.Directory.Create(ctx, engine.UserInput{
			Name:  input.Body.Name,
			Email: input.Body.Email,
			Role:  domain.Role(strings.ToLower(strings.TrimSpace(input.Body.Role))),
			Phone: input.Body.Phone,
		}, input.Body.Password, s.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerCompanies(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-companies",
		Method:      http.MethodGet,
		Path:        "/companies",
		Summary:     "Companies with visit statistics",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Search string `query:"search"`
	}) (*struct {
		Body struct {
			Items []views.CompanyOverview `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := requireView(ctx, a.Gate, "/admin/companies"); authErr != nil {
			return nil, authErr
		}
		out := &struct {
			Body struct {
				Items []views.CompanyOverview `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(views.CompanyOverviews(a.Store.Snapshot(), input.Search, a.Clock()))
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-company",
		Method:        http.MethodPost,
		Path:          "/companies",
		Summary:       "Add a company",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCompanyRequest `json:"body"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/admin/companies")
		if authErr != nil {
			return nil, authErr
		}
		c, err := a.Engine.AddCompany(ctx, input.Body.input(), s.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-company",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}",
		Summary:     "Company detail with tasks, outcomes and map markers",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
	}) (*struct {
		Body views.CompanyDetail `json:"body"`
	}, error) {
		if _, authErr := requireView(ctx, a.Gate, "/admin/companies"); authErr != nil {
			return nil, authErr
		}
		d, ok := views.Company(a.Store.Snapshot(), input.CompanyID, a.Clock())
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "company not found", map[string]any{"company_id": input.CompanyID})
		}
		return &struct {
			Body views.CompanyDetail `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-company",
		Method:      http.MethodPatch,
		Path:        "/companies/{company_id}",
		Summary:     "Update a company",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CompanyID string               `path:"company_id"`
		Body      UpdateCompanyRequest `json:"body"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/admin/companies")
		if authErr != nil {
			return nil, authErr
		}
		c, err := a.Engine.UpdateCompany(ctx, input.CompanyID, input.Body.input(), s.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Filter, search and page all tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Window        string `query:"window"`
		Status        string `query:"status"`
		Outcome       string `query:"outcome"`
		SalespersonID string `query:"salesperson_id"`
		CompanyID     string `query:"company_id"`
		Search        string `query:"search"`
		Sort          string `query:"sort"`
		Page          int    `query:"page" default:"1"`
		PageSize      int    `query:"page_size"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, authErr := requireView(ctx, a.Gate, "/admin/tasks"); authErr != nil {
			return nil, authErr
		}
		q := views.TaskQuery{
			SalespersonID: input.SalespersonID,
			CompanyID:     input.CompanyID,
			Search:        input.Search,
		}
		var err error
		if q.Window, err = views.ParseWindow(input.Window); err != nil {
			return nil, badQuery("window", err)
		}
		if input.Status != "" {
			if q.Status, err = domain.ParseTaskStatus(input.Status); err != nil {
				return nil, badQuery("status", err)
			}
		}
		if input.Outcome != "" {
			if q.Outcome, err = domain.ParseOutcome(input.Outcome); err != nil {
				return nil, badQuery("outcome", err)
			}
		}
		if input.Sort != "" {
			if q.Sort, err = views.ParseSortOrder(input.Sort); err != nil {
				return nil, badQuery("sort", err)
			}
		}
		snap := a.Store.Snapshot()
		clk := a.Clock()
		matched := views.Filter(views.JoinAll(snap, snap.Tasks), q, clk)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: taskPage(views.Paginate(matched, input.Page, pageSize(input.PageSize, a.Config.Views.PageSize)), clk)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Assign a visit to a salesperson",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/admin/tasks")
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AssignTaskOptions{
			CompanyID:     input.Body.CompanyID,
			SalespersonID: input.Body.SalespersonID,
			ContactHint:   input.Body.ContactHint,
			Through:       input.Body.Through,
			Notes:         input.Body.Notes,
			ActorID:       s.User.ID,
		}
		if input.Body.DueAt != nil {
			opts.DueAt = *input.Body.DueAt
		}
		if input.Body.NewCompany != nil {
			nc := input.Body.NewCompany.input()
			opts.NewCompany = &nc
		}
		t, err := a.Engine.AssignTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(views.Join(a.Store.Snapshot(), t), a.Clock())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task with its references and report",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/")
		if authErr != nil {
			return nil, authErr
		}
		snap := a.Store.Snapshot()
		t, ok := snap.Task(input.TaskID)
		// Salespeople only see their own tasks.
		if !ok || (s.Role() != domain.RoleAdmin && t.SalespersonID != s.User.ID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found", map[string]any{"task_id": input.TaskID})
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(views.Join(snap, t), a.Clock())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Edit an assigned task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   EditTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/admin/tasks")
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.Engine.EditTask(ctx, input.TaskID, engine.EditTaskOptions{
			CompanyID:     input.Body.CompanyID,
			SalespersonID: input.Body.SalespersonID,
			DueAt:         input.Body.DueAt,
			ContactHint:   input.Body.ContactHint,
			Through:       input.Body.Through,
			Notes:         input.Body.Notes,
			ActorID:       s.User.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(views.Join(a.Store.Snapshot(), t), a.Clock())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-in",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/check-in",
		Summary:     "Start the visit of an assigned task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   CheckInRequest `json:"body"`
	}) (*struct {
		Body VisitResponse `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/sales/tasks")
		if authErr != nil {
			return nil, authErr
		}
		t, rep, err := a.Engine.CheckIn(ctx, engine.CheckInOptions{
			TaskID:  input.TaskID,
			ActorID: s.User.ID,
			GPS:     input.Body.GPS.input(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VisitResponse `json:"body"`
		}{Body: visitResponse(a, t, rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-out",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/check-out",
		Summary:     "Check out of a visit and submit its report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   CheckOutRequest `json:"body"`
	}) (*struct {
		Body VisitResponse `json:"body"`
	}, error) {
		s, authErr := requireView(ctx, a.Gate, "/sales/tasks")
		if authErr != nil {
			return nil, authErr
		}
		t, rep, err := a.Engine.CheckOut(ctx, engine.CheckOutOptions{
			TaskID:         input.TaskID,
			ActorID:        s.User.ID,
			GPS:            input.Body.GPS.input(),
			Outcome:        domain.Outcome(strings.ToLower(strings.TrimSpace(input.Body.Outcome))),
			OrderValue:     input.Body.OrderValue,
			Notes:          input.Body.Notes,
			NextFollowUpAt: input.Body.NextFollowUpAt,
			ActualContact:  input.Body.ActualContact,
			Force:          input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VisitResponse `json:"body"`
		}{Body: visitResponse(a, t, rep)}, nil
	})
}

func visitResponse(a *app.App, t domain.Task, rep domain.VisitReport) VisitResponse {
	return VisitResponse{
		Task:   taskResponse(views.Join(a.Store.Snapshot(), t), a.Clock()),
		Report: rep,
	}
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := requireView(ctx, a.Gate, "/admin/events"); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.Events.Latest(ctx, events.Filter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ActorID:    input.ActorID,
			Limit:      limit + 1,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// registerReports serves the visit history workbook. Admins export everyone
// (or one salesperson_id); salespeople export their own visits.
func registerReports(r chi.Router, a *app.App, basePath string) {
	r.Get(path.Join(basePath, "reports/visits.xlsx"), func(w http.ResponseWriter, req *http.Request) {
		s := sessionFromContext(req.Context())
		if d := a.Gate.Resolve(s); !d.Allowed {
			respondStatusError(w, unauthorized("unauthorized", "authentication required"))
			return
		}
		salesperson := req.URL.Query().Get("salesperson_id")
		if s.Role() != domain.RoleAdmin {
			salesperson = s.User.ID
		}
		var buf bytes.Buffer
		if err := export.VisitHistory(&buf, views.History(a.Store.Snapshot(), salesperson), a.Location); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="visits.xlsx"`)
		w.Write(buf.Bytes())
	})
}

func badQuery(field string, err error) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": field})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func pageSize(requested, fallback int) int {
	if requested > 0 {
		return normalizeLimit(requested)
	}
	return fallback
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
