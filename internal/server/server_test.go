package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"fieldcrm/internal/app"
	"fieldcrm/internal/config"
	"fieldcrm/internal/events"
	"fieldcrm/internal/export"
	"fieldcrm/internal/seed"
	fieldcrmsdk "fieldcrm/sdk/go"
)

var testNow = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) SDK() *fieldcrmsdk.Client {
	c := fieldcrmsdk.New(s.URL)
	c.HTTPClient = s.client
	return c
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.CRM.Timezone = "UTC"
	cfg.Directory.BcryptCost = 4
	cfg.Server.CORSOrigins = nil
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Logger:    log.New(io.Discard, "", 0),
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, Auth: AuthConfig{JWTSecret: "test-secret", Logger: log.New(io.Discard, "", 0)}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func login(t *testing.T, srv *testServer, email, password string) *fieldcrmsdk.Client {
	t.Helper()
	c := srv.SDK()
	if _, err := c.Login(context.Background(), email, password); err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return c
}

func bearer(c *fieldcrmsdk.Client) map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.BearerToken}
}

func statusOf(err error) int {
	var apiErr *fieldcrmsdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("unexpected health body %s", string(body))
	}
}

func TestMissingTokenRedirectsToLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/dashboard", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(body))
	}
	env := decodeError(t, body)
	if env.Error.Details["redirect"] != "/login" {
		t.Fatalf("expected login redirect, got %+v", env.Error)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/dashboard", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d: %s", res.StatusCode, string(body))
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "admin@crm.com",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %q", env.Error.Code)
	}
}

func TestSignupCreatesSalesUser(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/signup", map[string]any{
		"name":     "Kiran Rao",
		"email":    "kiran@crm.com",
		"password": "abc",
		"phone":    "+919800000001",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for short password, got %d: %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Details["field"] != "password" {
		t.Fatalf("expected password field error, got %+v", env.Error)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/signup", map[string]any{
		"name":     "Kiran Rao",
		"email":    "kiran@crm.com",
		"password": "kiran123",
		"phone":    "+919800000001",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, string(body))
	}

	c := login(t, srv, "kiran@crm.com", "kiran123")
	me, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.Role != "sales" || !me.IsActive {
		t.Fatalf("expected active sales user, got %+v", me)
	}
}

func TestAdminDashboardAndAssign(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	admin := login(t, srv, "admin@crm.com", "admin123")
	me, err := admin.Me(ctx)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.Role != "admin" {
		t.Fatalf("expected admin role, got %q", me.Role)
	}

	task, err := admin.AssignTask(ctx, fieldcrmsdk.AssignTask{
		CompanyID:     seed.ID("company", 3),
		SalespersonID: seed.ID("user", 3),
		DueAt:         testNow.Add(24 * time.Hour),
		Notes:         "Pricing walkthrough",
	})
	if err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if task.Status != "assigned" || task.SalespersonName != "Priya Sharma" {
		t.Fatalf("unexpected task %+v", task)
	}

	dash, err := admin.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.Role != "admin" || dash.Admin == nil || dash.Sales != nil {
		t.Fatalf("expected admin dashboard, got %+v", dash)
	}
	if dash.Admin.Overall.Total != 6 {
		t.Fatalf("expected 6 tasks overall, got %d", dash.Admin.Overall.Total)
	}

	page, err := admin.ListTasks(ctx, fieldcrmsdk.TaskFilter{SalespersonID: seed.ID("user", 3)})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 tasks for priya, got %d", page.Total)
	}

	_, err = admin.AssignTask(ctx, fieldcrmsdk.AssignTask{
		CompanyID:     seed.ID("company", 3),
		SalespersonID: seed.ID("user", 1),
		DueAt:         testNow.Add(24 * time.Hour),
	})
	if statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("assigning to an admin should fail validation, got %v", err)
	}
}

func TestSalesCannotOpenAdminViews(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	rajesh := login(t, srv, "rajesh@crm.com", "sales123")
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, bearer(rajesh))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}
	env := decodeError(t, body)
	if env.Error.Details["redirect"] != "/sales/tasks" {
		t.Fatalf("expected equivalent sales route, got %+v", env.Error.Details)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/users", nil, bearer(rajesh))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on users, got %d: %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Details["redirect"] != "/sales" {
		t.Fatalf("expected sales home redirect, got %+v", env.Error.Details)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+seed.ID("task", 3), nil, bearer(rajesh))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("another salesperson's task should be hidden, got %d: %s", res.StatusCode, string(body))
	}
}

func TestVisitLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	taskID := seed.ID("task", 3)

	amit := login(t, srv, "amit@crm.com", "sales123")
	mine, err := amit.MyTasks(ctx, "today", "")
	if err != nil {
		t.Fatalf("my tasks: %v", err)
	}
	if mine.Total != 1 || mine.Items[0].ID != taskID {
		t.Fatalf("expected today's task %s, got %+v", taskID, mine.Items)
	}
	if mine.Tabs == nil || mine.Tabs.Today != 1 || mine.Tabs.Completed != 0 {
		t.Fatalf("unexpected tabs %+v", mine.Tabs)
	}

	rajesh := login(t, srv, "rajesh@crm.com", "sales123")
	if _, err := rajesh.CheckIn(ctx, taskID, nil); statusOf(err) != http.StatusForbidden {
		t.Fatalf("non-assignee check-in should be forbidden, got %v", err)
	}

	if _, err := amit.CheckOut(ctx, taskID, fieldcrmsdk.CheckOut{Outcome: "met", GPS: &fieldcrmsdk.GPS{Lat: 19.07, Lng: 72.87}}); statusOf(err) != http.StatusConflict {
		t.Fatalf("check-out before check-in should conflict, got %v", err)
	}

	visit, err := amit.CheckIn(ctx, taskID, &fieldcrmsdk.GPS{Lat: 19.076, Lng: 72.8777, Accuracy: 12})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if visit.Task.Status != "in_progress" || visit.Report.CheckIn == nil || visit.Report.CheckIn.GPS == nil {
		t.Fatalf("unexpected visit after check-in %+v", visit)
	}
	if _, err := amit.CheckIn(ctx, taskID, nil); statusOf(err) != http.StatusConflict {
		t.Fatalf("second check-in should conflict, got %v", err)
	}

	if _, err := amit.CheckOut(ctx, taskID, fieldcrmsdk.CheckOut{GPS: &fieldcrmsdk.GPS{Lat: 19.07, Lng: 72.87}}); statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("check-out without outcome should fail validation, got %v", err)
	}
	if _, err := amit.CheckOut(ctx, taskID, fieldcrmsdk.CheckOut{Outcome: "met"}); statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("check-out without gps should fail validation, got %v", err)
	}

	value := 125000.0
	done, err := amit.CheckOut(ctx, taskID, fieldcrmsdk.CheckOut{
		GPS:        &fieldcrmsdk.GPS{Lat: 19.076, Lng: 72.8777},
		Outcome:    "closed_win",
		OrderValue: &value,
		Notes:      "Signed for 40 stores",
	})
	if err != nil {
		t.Fatalf("check out: %v", err)
	}
	if done.Task.Status != "completed" || done.Task.Outcome != "closed_win" {
		t.Fatalf("unexpected task after check-out %+v", done.Task)
	}
	if done.Report.VisitDuration == nil {
		t.Fatalf("expected visit duration on report %+v", done.Report)
	}

	if _, err := amit.CheckOut(ctx, taskID, fieldcrmsdk.CheckOut{GPS: &fieldcrmsdk.GPS{Lat: 1, Lng: 1}, Outcome: "met"}); statusOf(err) != http.StatusConflict {
		t.Fatalf("re-submitting without force should conflict, got %v", err)
	}

	hist, err := amit.History(ctx, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.Total != 1 || hist.Summary.WonDeals != 1 || hist.Summary.TotalValue != value {
		t.Fatalf("unexpected history %+v", hist)
	}

	dash, err := amit.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.Sales == nil || dash.Sales.Tabs.Completed != 1 || dash.Sales.Metrics.CompletionRate != 100 {
		t.Fatalf("unexpected sales dashboard %+v", dash.Sales)
	}
}

func TestEventsListing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	admin := login(t, srv, "admin@crm.com", "admin123")
	if _, err := admin.AssignTask(ctx, fieldcrmsdk.AssignTask{
		CompanyID:     seed.ID("company", 1),
		SalespersonID: seed.ID("user", 2),
		DueAt:         testNow.Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("assign task: %v", err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?limit=1", nil, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	var page paginatedEvents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != events.TaskAssigned {
		t.Fatalf("expected newest task.assigned event, got %+v", page.Items)
	}
	if page.NextCursor == "" {
		t.Fatalf("expected a next cursor")
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=session.login", nil, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered events status %d: %s", res.StatusCode, string(body))
	}
	page = paginatedEvents{}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ActorID != seed.ID("user", 1) {
		t.Fatalf("expected one admin login event, got %+v", page.Items)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, bearer(admin))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestExportVisitsScopedToSalesperson(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	rajesh := login(t, srv, "rajesh@crm.com", "sales123")
	data, err := rajesh.ExportVisits(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(export.SheetName)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header and one visit, got %d rows", len(rows))
	}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/reports/visits.xlsx", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous export should be 401, got %d", res.StatusCode)
	}
}

func TestOpenAPISecurity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("missing bearerAuth scheme")
	}
	if sec := doc.Paths["/v1/auth/login"]["post"].Security; len(sec) != 0 {
		t.Fatalf("login should be public, got %+v", sec)
	}
	if sec := doc.Paths["/v1/tasks"]["get"].Security; len(sec) != 1 {
		t.Fatalf("task listing should require a bearer token, got %+v", sec)
	}
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
		bodies   [][]byte
		sigs     []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get("X-Fieldcrm-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx := context.Background()
	a := srv.App
	taskID := seed.ID("task", 3)
	if err := a.Events.Append(ctx, events.TaskAssigned, "task", "before-start", "admin", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	a.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"visit.*"}, Secret: "s3cret"}}
	d := newWebhookDispatcher(a, log.New(io.Discard, "", 0))
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	d.dispatchAll(ctx)

	for _, typ := range []string{events.TaskAssigned, events.VisitCheckedIn, events.VisitSubmitted} {
		if err := a.Events.Append(ctx, typ, "task", taskID, seed.ID("user", 4), events.EventPayload{"n": 1}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0].Type != events.VisitCheckedIn || received[1].Type != events.VisitSubmitted {
		t.Fatalf("unexpected deliveries: %+v", received)
	}
	for i, evt := range received {
		if evt.Task == nil || evt.Task.ID != taskID || evt.Task.Salesperson != "Amit Singh" || evt.Task.Status != "assigned" {
			t.Fatalf("expected joined task, got %+v", evt.Task)
		}
		if sigs[i] != signature("s3cret", bodies[i]) {
			t.Fatalf("bad signature %q", sigs[i])
		}
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("anything.here") {
		t.Fatalf("empty filter should match everything")
	}
	f := newEventFilter([]string{"task.assigned", " visit.* "})
	cases := map[string]bool{
		"task.assigned":    true,
		"task.edited":      false,
		"visit.checked_in": true,
		"visit.submitted":  true,
		"session.login":    false,
	}
	for evt, want := range cases {
		if got := f.match(evt); got != want {
			t.Fatalf("match(%q) = %v, want %v", evt, got, want)
		}
	}
}
