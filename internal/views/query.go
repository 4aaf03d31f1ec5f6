package views

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"fieldcrm/internal/domain"
)

// SearchField names a string a search term is matched against.
type SearchField string

const (
	FieldCompany     SearchField = "company"
	FieldSalesperson SearchField = "salesperson"
	FieldCity        SearchField = "city"
	FieldState       SearchField = "state"
	FieldContact     SearchField = "contact"
)

// DefaultSearchFields is used when a query names none.
var DefaultSearchFields = []SearchField{FieldCompany, FieldSalesperson, FieldCity, FieldContact}

// SortOrder selects the ordering of a task list.
type SortOrder string

const (
	SortDueAsc        SortOrder = "due_asc"
	SortDueDesc       SortOrder = "due_desc"
	SortCreatedDesc   SortOrder = "created_desc"
	SortSubmittedDesc SortOrder = "submitted_desc"
)

func ParseSortOrder(s string) (SortOrder, error) {
	o := SortOrder(strings.ToLower(strings.TrimSpace(s)))
	switch o {
	case SortDueAsc, SortDueDesc, SortCreatedDesc, SortSubmittedDesc:
		return o, nil
	}
	return "", fmt.Errorf("invalid sort order %q", s)
}

// TaskQuery combines a window, exact-match filters and a search term.
// Zero fields do not filter.
type TaskQuery struct {
	Window        Window
	Status        domain.TaskStatus
	Outcome       domain.Outcome
	SalespersonID string
	CompanyID     string
	Search        string
	SearchFields  []SearchField
	Sort          SortOrder
}

// Key identifies the filter combination; a pager resets when it changes.
func (q TaskQuery) Key() string {
	fields := make([]string, len(q.SearchFields))
	for i, f := range q.SearchFields {
		fields[i] = string(f)
	}
	return strings.Join([]string{
		string(q.Window), string(q.Status), string(q.Outcome), q.SalespersonID, q.CompanyID,
		strings.ToLower(strings.TrimSpace(q.Search)), strings.Join(fields, ","), string(q.Sort),
	}, "|")
}

// Matches applies every filter of q to d.
func (q TaskQuery) Matches(d TaskDetail, clk Clock) bool {
	if !clk.InWindow(d.Task, q.Window) {
		return false
	}
	if q.Status != "" {
		if q.Status == domain.StatusMissed {
			if clk.DisplayStatus(d.Task) != domain.StatusMissed {
				return false
			}
		} else if d.Task.Status != q.Status {
			return false
		}
	}
	if q.Outcome != "" && d.Outcome() != q.Outcome {
		return false
	}
	if q.SalespersonID != "" && d.Task.SalespersonID != q.SalespersonID {
		return false
	}
	if q.CompanyID != "" && d.Task.CompanyID != q.CompanyID {
		return false
	}
	return MatchesSearch(d, q.Search, q.SearchFields)
}

// MatchesSearch is a case-insensitive substring match on any of fields.
// An empty term matches everything.
func MatchesSearch(d TaskDetail, term string, fields []SearchField) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	if len(fields) == 0 {
		fields = DefaultSearchFields
	}
	for _, f := range fields {
		var v string
		switch f {
		case FieldCompany:
			if d.Company != nil {
				v = d.Company.Name
			}
		case FieldSalesperson:
			if d.Salesperson != nil {
				v = d.Salesperson.Name
			}
		case FieldCity:
			v = d.City()
		case FieldState:
			v = d.State()
		case FieldContact:
			v = d.ContactName()
		}
		if v != "" && strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}

// Filter returns the matching details in q.Sort order as a new slice.
func Filter(details []TaskDetail, q TaskQuery, clk Clock) []TaskDetail {
	out := make([]TaskDetail, 0, len(details))
	for _, d := range details {
		if q.Matches(d, clk) {
			out = append(out, d)
		}
	}
	SortTasks(out, q.Sort)
	return out
}

// SortTasks orders details in place. Ties break on id so pages are stable.
func SortTasks(details []TaskDetail, order SortOrder) {
	if order == "" {
		order = SortDueAsc
	}
	sort.SliceStable(details, func(i, j int) bool {
		a, b := details[i], details[j]
		var ta, tb time.Time
		desc := true
		switch order {
		case SortDueAsc:
			ta, tb, desc = a.Task.DueAt, b.Task.DueAt, false
		case SortDueDesc:
			ta, tb = a.Task.DueAt, b.Task.DueAt
		case SortCreatedDesc:
			ta, tb = a.Task.CreatedAt, b.Task.CreatedAt
		case SortSubmittedDesc:
			// Tasks without a report sort after every submitted one.
			if (a.Report == nil) != (b.Report == nil) {
				return a.Report != nil
			}
			if a.Report != nil {
				ta, tb = a.Report.SubmittedAt, b.Report.SubmittedAt
			}
		}
		if !ta.Equal(tb) {
			if desc {
				return ta.After(tb)
			}
			return ta.Before(tb)
		}
		return a.Task.ID < b.Task.ID
	})
}

// Tabs of the my-tasks list.
const (
	TabToday     = "today"
	TabUpcoming  = "upcoming"
	TabOverdue   = "overdue"
	TabCompleted = "completed"
	TabAll       = "all"
)

// TabQuery is the query behind a my-tasks tab. Completed visits list most
// recently submitted first; every other tab lists soonest due first.
func TabQuery(salespersonID, tab string) (TaskQuery, error) {
	q := TaskQuery{
		SalespersonID: salespersonID,
		SearchFields:  []SearchField{FieldCompany, FieldCity, FieldContact},
		Sort:          SortDueAsc,
	}
	switch strings.ToLower(strings.TrimSpace(tab)) {
	case TabToday, "":
		q.Window = WindowToday
	case TabUpcoming:
		q.Window = WindowUpcoming
	case TabOverdue:
		q.Window = WindowOverdue
	case TabCompleted:
		q.Status = domain.StatusCompleted
		q.Sort = SortSubmittedDesc
	case TabAll:
	default:
		return TaskQuery{}, fmt.Errorf("invalid tab %q", tab)
	}
	return q, nil
}
