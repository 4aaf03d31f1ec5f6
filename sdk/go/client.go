package fieldcrmsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Field CRM HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// User represents the API user model.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

// GPS is a position fix.
type GPS struct {
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Accuracy  float64    `json:"accuracy,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Checkpoint marks the start or end of a visit.
type Checkpoint struct {
	At  time.Time `json:"at"`
	GPS *GPS      `json:"gps,omitempty"`
}

// VisitReport represents the API report model (partial).
type VisitReport struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	CheckIn       *Checkpoint `json:"check_in,omitempty"`
	CheckOut      *Checkpoint `json:"check_out,omitempty"`
	Outcome       string      `json:"outcome,omitempty"`
	OrderValue    *float64    `json:"order_value,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	VisitDuration *int        `json:"visit_duration,omitempty"`
	SubmittedAt   time.Time   `json:"submitted_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID              string       `json:"id"`
	CompanyID       string       `json:"company_id"`
	CompanyName     string       `json:"company_name"`
	SalespersonID   string       `json:"salesperson_id"`
	SalespersonName string       `json:"salesperson_name"`
	DueAt           string       `json:"due_at"`
	Status          string       `json:"status"`
	DisplayStatus   string       `json:"display_status"`
	Outcome         string       `json:"outcome,omitempty"`
	Report          *VisitReport `json:"report,omitempty"`
}

// Tabs are the my-tasks tab counts.
type Tabs struct {
	Today     int `json:"today"`
	Upcoming  int `json:"upcoming"`
	Overdue   int `json:"overdue"`
	Completed int `json:"completed"`
}

// TaskPage wraps paged task listings.
type TaskPage struct {
	Items      []Task `json:"items"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	Total      int    `json:"total"`
	TotalPages int    `json:"total_pages"`
	Tabs       *Tabs  `json:"tabs,omitempty"`
}

// Visit is returned by check-in and check-out.
type Visit struct {
	Task   Task        `json:"task"`
	Report VisitReport `json:"report"`
}

// Summary aggregates submitted visits.
type Summary struct {
	TotalVisits  int     `json:"total_visits"`
	TotalValue   float64 `json:"total_value"`
	WonDeals     int     `json:"won_deals"`
	AverageValue float64 `json:"average_value"`
	WinRate      int     `json:"win_rate"`
}

// HistoryRow is one submitted visit.
type HistoryRow struct {
	Report VisitReport `json:"report"`
}

// History wraps the paged visit history.
type History struct {
	Items      []HistoryRow `json:"items"`
	Summary    Summary      `json:"summary"`
	Page       int          `json:"page"`
	Total      int          `json:"total"`
	TotalPages int          `json:"total_pages"`
}

// Metrics are task counts and the completion rate.
type Metrics struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	InProgress     int `json:"in_progress"`
	Pending        int `json:"pending"`
	Overdue        int `json:"overdue"`
	CompletionRate int `json:"completion_rate"`
}

// Dashboard holds whichever role dashboard the session landed on.
type Dashboard struct {
	Role  string `json:"role"`
	Admin *struct {
		Today   Metrics `json:"today"`
		Overall Metrics `json:"overall"`
		Summary Summary `json:"summary"`
	} `json:"admin,omitempty"`
	Sales *struct {
		Metrics Metrics `json:"metrics"`
		Tabs    Tabs    `json:"tabs"`
		Summary Summary `json:"summary"`
	} `json:"sales,omitempty"`
}

// AssignTask describes a visit to assign.
type AssignTask struct {
	CompanyID     string    `json:"company_id,omitempty"`
	SalespersonID string    `json:"salesperson_id"`
	DueAt         time.Time `json:"due_at"`
	Through       string    `json:"through,omitempty"`
	Notes         string    `json:"notes,omitempty"`
}

// CheckOut carries the visit report submitted with a check-out.
type CheckOut struct {
	GPS        *GPS     `json:"gps,omitempty"`
	Outcome    string   `json:"outcome"`
	OrderValue *float64 `json:"order_value,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

// TaskFilter narrows ListTasks. Zero fields are not sent.
type TaskFilter struct {
	Window        string
	Status        string
	Outcome       string
	SalespersonID string
	Search        string
	Sort          string
	Page          int
	PageSize      int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.User, err
}

// Dashboard returns the landing dashboard of the signed-in role.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "dashboard", nil, &resp)
	return resp, err
}

// AssignTask creates a task.
func (c *Client) AssignTask(ctx context.Context, in AssignTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// ListTasks returns one page of all tasks (admin).
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) (TaskPage, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("window", f.Window)
	set("status", f.Status)
	set("outcome", f.Outcome)
	set("salesperson_id", f.SalespersonID)
	set("search", f.Search)
	set("sort", f.Sort)
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(f.PageSize))
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// MyTasks returns the signed-in salesperson's tasks for a tab.
func (c *Client) MyTasks(ctx context.Context, tab, search string) (TaskPage, error) {
	q := url.Values{}
	if tab != "" {
		q.Set("tab", tab)
	}
	if search != "" {
		q.Set("search", search)
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, withQuery("me/tasks", q), nil, &resp)
	return resp, err
}

// CheckIn starts the visit of a task.
func (c *Client) CheckIn(ctx context.Context, taskID string, gps *GPS) (Visit, error) {
	var resp Visit
	endpoint := fmt.Sprintf("tasks/%s/check-in", url.PathEscape(taskID))
	body := map[string]any{}
	if gps != nil {
		body["gps"] = gps
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CheckOut finishes the visit of a task and submits its report.
func (c *Client) CheckOut(ctx context.Context, taskID string, in CheckOut) (Visit, error) {
	var resp Visit
	endpoint := fmt.Sprintf("tasks/%s/check-out", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// History returns the signed-in salesperson's submitted visits.
func (c *Client) History(ctx context.Context, page int) (History, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	var resp History
	err := c.do(ctx, http.MethodGet, withQuery("me/history", q), nil, &resp)
	return resp, err
}

// ExportVisits downloads the visit history workbook.
func (c *Client) ExportVisits(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "reports/visits.xlsx", nil, &buf)
	return buf.Bytes(), err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
