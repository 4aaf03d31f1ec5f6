package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the access role of a user.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleSales Role = "sales"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleSales
}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// TaskStatus is the stored lifecycle state of a task.
type TaskStatus string

const (
	StatusAssigned   TaskStatus = "assigned"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	// StatusMissed is only ever computed for display; it is never written.
	StatusMissed TaskStatus = "missed"
)

var taskStatuses = []TaskStatus{StatusAssigned, StatusInProgress, StatusCompleted, StatusMissed}

func (s TaskStatus) Valid() bool {
	for _, v := range taskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Label is the human form used in tables.
func (s TaskStatus) Label() string {
	switch s {
	case StatusAssigned:
		return "Assigned"
	case StatusInProgress:
		return "In Progress"
	case StatusCompleted:
		return "Completed"
	case StatusMissed:
		return "Missed"
	default:
		return string(s)
	}
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("invalid task status %q", s)
	}
	return st, nil
}

// Outcome is the categorical result of a visit.
type Outcome string

const (
	OutcomeMet          Outcome = "met"
	OutcomeNotAvailable Outcome = "not_available"
	OutcomeRescheduled  Outcome = "rescheduled"
	OutcomeClosedWin    Outcome = "closed_win"
	OutcomeClosedLost   Outcome = "closed_lost"
	OutcomeFollowUp     Outcome = "follow_up"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{OutcomeMet, OutcomeNotAvailable, OutcomeRescheduled, OutcomeClosedWin, OutcomeClosedLost, OutcomeFollowUp}

func (o Outcome) Valid() bool {
	for _, v := range Outcomes {
		if o == v {
			return true
		}
	}
	return false
}

func (o Outcome) Label() string {
	switch o {
	case OutcomeMet:
		return "Met"
	case OutcomeNotAvailable:
		return "Not Available"
	case OutcomeRescheduled:
		return "Rescheduled"
	case OutcomeClosedWin:
		return "Closed - Won"
	case OutcomeClosedLost:
		return "Closed - Lost"
	case OutcomeFollowUp:
		return "Follow Up"
	default:
		return string(o)
	}
}

func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("invalid outcome %q", s)
	}
	return o, nil
}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role" enum:"admin,sales"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Address struct {
	Line1   string `json:"line1,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Pincode string `json:"pincode,omitempty"`
}

type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   Address   `json:"address"`
	Contacts  []Contact `json:"contacts"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// ContactHint names who the salesperson should ask for on a visit.
type ContactHint struct {
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

func (c *ContactHint) IsZero() bool {
	return c == nil || (c.Name == "" && c.Role == "" && c.Phone == "" && c.Email == "")
}

type Task struct {
	ID                string       `json:"id"`
	CompanyID         string       `json:"company_id"`
	SalespersonID     string       `json:"salesperson_id"`
	DueAt             time.Time    `json:"due_at" format:"date-time"`
	AssignedByAdminID string       `json:"assigned_by_admin_id,omitempty"`
	ContactHint       *ContactHint `json:"contact_hint,omitempty"`
	Through           *string      `json:"through,omitempty"`
	Notes             *string      `json:"notes,omitempty"`
	Status            TaskStatus   `json:"status" enum:"assigned,in_progress,completed,missed"`
	CreatedAt         time.Time    `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time    `json:"updated_at" format:"date-time"`
}

// GPS is a position fix attached to a check-in or check-out.
type GPS struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
}

// Checkpoint marks the start or end of a visit.
type Checkpoint struct {
	At  time.Time `json:"at" format:"date-time"`
	GPS *GPS      `json:"gps,omitempty"`
}

type ActualContact struct {
	Name        string `json:"name,omitempty"`
	Designation string `json:"designation,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

type VisitReport struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	SalespersonID  string         `json:"salesperson_id"`
	CompanyID      string         `json:"company_id"`
	CheckIn        *Checkpoint    `json:"check_in,omitempty"`
	CheckOut       *Checkpoint    `json:"check_out,omitempty"`
	ActualContact  *ActualContact `json:"actual_contact,omitempty"`
	Outcome        *Outcome       `json:"outcome,omitempty"`
	OrderValue     *float64       `json:"order_value,omitempty"`
	Notes          *string        `json:"notes,omitempty"`
	NextFollowUpAt *time.Time     `json:"next_follow_up_at,omitempty" format:"date-time"`
	VisitDuration  *int           `json:"visit_duration,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at" format:"date-time"`
}

// Open reports whether the visit has been checked into but not out of.
func (r VisitReport) Open() bool {
	return r.CheckIn != nil && r.CheckOut == nil
}

// Finalized reports whether the visit carries both checkpoints and an outcome.
func (r VisitReport) Finalized() bool {
	return r.CheckIn != nil && r.CheckOut != nil && r.Outcome != nil && *r.Outcome != ""
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}
