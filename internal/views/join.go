package views

import (
	"fieldcrm/internal/domain"
	"fieldcrm/internal/store"
)

// Unknown is shown for any reference that does not resolve.
const Unknown = "Unknown"

// TaskDetail is a task with its references resolved. A nil reference means
// the id did not match anything.
type TaskDetail struct {
	Task        domain.Task         `json:"task"`
	Company     *domain.Company     `json:"company,omitempty"`
	Salesperson *domain.User        `json:"salesperson,omitempty"`
	AssignedBy  *domain.User        `json:"assigned_by,omitempty"`
	Report      *domain.VisitReport `json:"report,omitempty"`
}

func (d TaskDetail) CompanyName() string {
	if d.Company == nil {
		return Unknown
	}
	return d.Company.Name
}

func (d TaskDetail) SalespersonName() string {
	if d.Salesperson == nil {
		return Unknown
	}
	return d.Salesperson.Name
}

func (d TaskDetail) AssignedByName() string {
	if d.AssignedBy == nil {
		return Unknown
	}
	return d.AssignedBy.Name
}

func (d TaskDetail) City() string {
	if d.Company == nil {
		return ""
	}
	return d.Company.Address.City
}

func (d TaskDetail) State() string {
	if d.Company == nil {
		return ""
	}
	return d.Company.Address.State
}

// ContactName prefers the planned contact, then whoever was actually met.
func (d TaskDetail) ContactName() string {
	if d.Task.ContactHint != nil && d.Task.ContactHint.Name != "" {
		return d.Task.ContactHint.Name
	}
	if d.Report != nil && d.Report.ActualContact != nil {
		return d.Report.ActualContact.Name
	}
	return ""
}

// Outcome is the report outcome, or "" when there is none.
func (d TaskDetail) Outcome() domain.Outcome {
	if d.Report == nil || d.Report.Outcome == nil {
		return ""
	}
	return *d.Report.Outcome
}

// index resolves ids to the first entity carrying them.
type index struct {
	users     map[string]*domain.User
	companies map[string]*domain.Company
	reports   map[string]*domain.VisitReport
}

func newIndex(snap store.Snapshot) index {
	ix := index{
		users:     make(map[string]*domain.User, len(snap.Users)),
		companies: make(map[string]*domain.Company, len(snap.Companies)),
		reports:   make(map[string]*domain.VisitReport, len(snap.VisitReports)),
	}
	for i := range snap.Users {
		if _, ok := ix.users[snap.Users[i].ID]; !ok {
			ix.users[snap.Users[i].ID] = &snap.Users[i]
		}
	}
	for i := range snap.Companies {
		if _, ok := ix.companies[snap.Companies[i].ID]; !ok {
			ix.companies[snap.Companies[i].ID] = &snap.Companies[i]
		}
	}
	for i := range snap.VisitReports {
		if _, ok := ix.reports[snap.VisitReports[i].TaskID]; !ok {
			ix.reports[snap.VisitReports[i].TaskID] = &snap.VisitReports[i]
		}
	}
	return ix
}

func (ix index) join(t domain.Task) TaskDetail {
	return TaskDetail{
		Task:        t,
		Company:     copyOf(ix.companies[t.CompanyID]),
		Salesperson: copyOf(ix.users[t.SalespersonID]),
		AssignedBy:  copyOf(ix.users[t.AssignedByAdminID]),
		Report:      copyOf(ix.reports[t.ID]),
	}
}

func copyOf[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Join resolves the references of a single task.
func Join(snap store.Snapshot, t domain.Task) TaskDetail {
	return newIndex(snap).join(t)
}

// JoinAll resolves every task, keeping order.
func JoinAll(snap store.Snapshot, tasks []domain.Task) []TaskDetail {
	ix := newIndex(snap)
	out := make([]TaskDetail, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, ix.join(t))
	}
	return out
}
