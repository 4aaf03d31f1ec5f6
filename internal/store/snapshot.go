package store

import (
	"slices"
	"strings"

	"fieldcrm/internal/domain"
)

// Snapshot is the persisted shape of the entity collections.
type Snapshot struct {
	Users        []domain.User        `json:"users"`
	Companies    []domain.Company     `json:"companies"`
	Tasks        []domain.Task        `json:"tasks"`
	VisitReports []domain.VisitReport `json:"visit_reports"`
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Users:        slices.Clone(s.Users),
		Companies:    slices.Clone(s.Companies),
		Tasks:        slices.Clone(s.Tasks),
		VisitReports: slices.Clone(s.VisitReports),
	}
}

// normalized replaces nil collections with empty ones so JSON output is stable.
func (s Snapshot) normalized() Snapshot {
	if s.Users == nil {
		s.Users = []domain.User{}
	}
	if s.Companies == nil {
		s.Companies = []domain.Company{}
	}
	if s.Tasks == nil {
		s.Tasks = []domain.Task{}
	}
	if s.VisitReports == nil {
		s.VisitReports = []domain.VisitReport{}
	}
	return s
}

func (s Snapshot) User(id string) (domain.User, bool) {
	for _, u := range s.Users {
		if u.ID == id {
			return u, true
		}
	}
	return domain.User{}, false
}

func (s Snapshot) UserByEmail(email string) (domain.User, bool) {
	email = strings.TrimSpace(email)
	for _, u := range s.Users {
		if strings.EqualFold(u.Email, email) {
			return u, true
		}
	}
	return domain.User{}, false
}

func (s Snapshot) UsersWithRole(role domain.Role) []domain.User {
	var out []domain.User
	for _, u := range s.Users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out
}

func (s Snapshot) Company(id string) (domain.Company, bool) {
	for _, c := range s.Companies {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Company{}, false
}

func (s Snapshot) Task(id string) (domain.Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

func (s Snapshot) TasksWhere(pred func(domain.Task) bool) []domain.Task {
	var out []domain.Task
	for _, t := range s.Tasks {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s Snapshot) VisitReport(id string) (domain.VisitReport, bool) {
	for _, r := range s.VisitReports {
		if r.ID == id {
			return r, true
		}
	}
	return domain.VisitReport{}, false
}

// ReportForTask returns the first report recorded for the task.
func (s Snapshot) ReportForTask(taskID string) (domain.VisitReport, bool) {
	for _, r := range s.VisitReports {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return domain.VisitReport{}, false
}

func (s Snapshot) ReportsWhere(pred func(domain.VisitReport) bool) []domain.VisitReport {
	var out []domain.VisitReport
	for _, r := range s.VisitReports {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}
