package server

import (
	"encoding/json"
	"time"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/engine"
	"fieldcrm/internal/engine/auth"
	"fieldcrm/internal/views"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Name            string `json:"name,omitempty"`
	Email           string `json:"email,omitempty"`
	Password        string `json:"password,omitempty"`
	ConfirmPassword string `json:"confirm_password,omitempty"`
	Phone           string `json:"phone,omitempty"`
}

type CreateUserRequest struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty" enum:"admin,sales"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password,omitempty"`
}

type ContactRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type CreateCompanyRequest struct {
	Name     string           `json:"name,omitempty"`
	Address  *domain.Address  `json:"address,omitempty"`
	Contacts []ContactRequest `json:"contacts,omitempty"`
	Notes    string           `json:"notes,omitempty"`
}

type UpdateCompanyRequest struct {
	Name     *string           `json:"name,omitempty"`
	Address  *domain.Address   `json:"address,omitempty"`
	Contacts *[]ContactRequest `json:"contacts,omitempty"`
	Notes    *string           `json:"notes,omitempty"`
}

type AssignTaskRequest struct {
	CompanyID     string                `json:"company_id,omitempty"`
	NewCompany    *CreateCompanyRequest `json:"new_company,omitempty"`
	SalespersonID string                `json:"salesperson_id,omitempty"`
	DueAt         *time.Time            `json:"due_at,omitempty"`
	ContactHint   *domain.ContactHint   `json:"contact_hint,omitempty"`
	Through       string                `json:"through,omitempty"`
	Notes         string                `json:"notes,omitempty"`
}

type EditTaskRequest struct {
	CompanyID     *string             `json:"company_id,omitempty"`
	SalespersonID *string             `json:"salesperson_id,omitempty"`
	DueAt         *time.Time          `json:"due_at,omitempty"`
	ContactHint   *domain.ContactHint `json:"contact_hint,omitempty"`
	Through       *string             `json:"through,omitempty"`
	Notes         *string             `json:"notes,omitempty"`
}

type GPSRequest struct {
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Accuracy  float64    `json:"accuracy,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type CheckInRequest struct {
	GPS *GPSRequest `json:"gps,omitempty"`
}

type CheckOutRequest struct {
	GPS            *GPSRequest           `json:"gps,omitempty"`
	Outcome        string                `json:"outcome,omitempty"`
	OrderValue     *float64              `json:"order_value,omitempty"`
	Notes          string                `json:"notes,omitempty"`
	NextFollowUpAt *time.Time            `json:"next_follow_up_at,omitempty"`
	ActualContact  *domain.ActualContact `json:"actual_contact,omitempty"`
	Force          bool                  `json:"force,omitempty"`
}

// Response payloads

type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at" format:"date-time"`
	User      domain.User `json:"user"`
	Home      string      `json:"home"`
}

type MeResponse struct {
	User            domain.User `json:"user"`
	Role            string      `json:"role" enum:"admin,sales"`
	Home            string      `json:"home"`
	IsAuthenticated bool        `json:"is_authenticated"`
}

type TaskResponse struct {
	ID                string              `json:"id"`
	CompanyID         string              `json:"company_id"`
	CompanyName       string              `json:"company_name"`
	City              string              `json:"city,omitempty"`
	SalespersonID     string              `json:"salesperson_id"`
	SalespersonName   string              `json:"salesperson_name"`
	AssignedByAdminID string              `json:"assigned_by_admin_id,omitempty"`
	AssignedByName    string              `json:"assigned_by_name"`
	DueAt             string              `json:"due_at" format:"date-time"`
	ContactName       string              `json:"contact_name,omitempty"`
	ContactHint       *domain.ContactHint `json:"contact_hint,omitempty"`
	Through           *string             `json:"through,omitempty"`
	Notes             *string             `json:"notes,omitempty"`
	Status            string              `json:"status" enum:"assigned,in_progress,completed"`
	DisplayStatus     string              `json:"display_status" enum:"assigned,in_progress,completed,missed"`
	Overdue           bool                `json:"overdue"`
	Outcome           string              `json:"outcome,omitempty"`
	Report            *domain.VisitReport `json:"report,omitempty"`
	CreatedAt         string              `json:"created_at" format:"date-time"`
	UpdatedAt         string              `json:"updated_at" format:"date-time"`
}

type VisitResponse struct {
	Task   TaskResponse       `json:"task"`
	Report domain.VisitReport `json:"report"`
}

type paginatedTasks struct {
	Items      []TaskResponse   `json:"items"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	Total      int              `json:"total"`
	TotalPages int              `json:"total_pages"`
	Tabs       *views.TabCounts `json:"tabs,omitempty"`
}

type HistoryResponse struct {
	Items      []views.HistoryRow   `json:"items"`
	Summary    views.HistorySummary `json:"summary"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	Total      int                  `json:"total"`
	TotalPages int                  `json:"total_pages"`
}

type DashboardResponse struct {
	Role  string                `json:"role" enum:"admin,sales"`
	Admin *views.AdminDashboard `json:"admin,omitempty"`
	Sales *views.SalesDashboard `json:"sales,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversions

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func taskResponse(d views.TaskDetail, clk views.Clock) TaskResponse {
	t := d.Task
	return TaskResponse{
		ID:                t.ID,
		CompanyID:         t.CompanyID,
		CompanyName:       d.CompanyName(),
		City:              d.City(),
		SalespersonID:     t.SalespersonID,
		SalespersonName:   d.SalespersonName(),
		AssignedByAdminID: t.AssignedByAdminID,
		AssignedByName:    d.AssignedByName(),
		DueAt:             formatTime(t.DueAt),
		ContactName:       d.ContactName(),
		ContactHint:       t.ContactHint,
		Through:           t.Through,
		Notes:             t.Notes,
		Status:            string(t.Status),
		DisplayStatus:     string(clk.DisplayStatus(t)),
		Overdue:           clk.IsOverdue(t),
		Outcome:           string(d.Outcome()),
		Report:            d.Report,
		CreatedAt:         formatTime(t.CreatedAt),
		UpdatedAt:         formatTime(t.UpdatedAt),
	}
}

func taskPage(p views.Page[views.TaskDetail], clk views.Clock) paginatedTasks {
	out := paginatedTasks{
		Items:      make([]TaskResponse, 0, len(p.Items)),
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      p.Total,
		TotalPages: p.TotalPages,
	}
	for _, d := range p.Items {
		out.Items = append(out.Items, taskResponse(d, clk))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func (r SignupRequest) input() auth.SignupInput {
	return auth.SignupInput{
		Name:            r.Name,
		Email:           r.Email,
		Password:        r.Password,
		ConfirmPassword: r.ConfirmPassword,
		Phone:           r.Phone,
	}
}

func contacts(in []ContactRequest) []domain.Contact {
	if in == nil {
		return nil
	}
	out := make([]domain.Contact, 0, len(in))
	for _, c := range in {
		out = append(out, domain.Contact{ID: c.ID, Name: c.Name, Role: c.Role, Phone: c.Phone, Email: c.Email})
	}
	return out
}

func (r CreateCompanyRequest) input() engine.CompanyInput {
	in := engine.CompanyInput{Name: r.Name, Contacts: contacts(r.Contacts), Notes: r.Notes}
	if r.Address != nil {
		in.Address = *r.Address
	}
	return in
}

func (r UpdateCompanyRequest) input() engine.CompanyUpdate {
	up := engine.CompanyUpdate{Name: r.Name, Address: r.Address, Notes: r.Notes}
	if r.Contacts != nil {
		cs := contacts(*r.Contacts)
		if cs == nil {
			cs = []domain.Contact{}
		}
		up.Contacts = &cs
	}
	return up
}

func (g *GPSRequest) input() *engine.GPSInput {
	if g == nil {
		return nil
	}
	in := &engine.GPSInput{Lat: g.Lat, Lng: g.Lng, Accuracy: g.Accuracy}
	if g.Timestamp != nil {
		in.Timestamp = *g.Timestamp
	}
	return in
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
