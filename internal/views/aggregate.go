package views

import (
	"math"
	"sort"
	"strings"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/gps"
	"fieldcrm/internal/store"
)

// Percent is num/den as a whole percentage rounded to nearest, 0 when den is 0.
func Percent(num, den int) int {
	if den <= 0 {
		return 0
	}
	return int(math.Floor(float64(num)*100/float64(den) + 0.5))
}

// TaskMetrics counts tasks per state.
type TaskMetrics struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	InProgress     int `json:"in_progress"`
	Pending        int `json:"pending"`
	Overdue        int `json:"overdue"`
	CompletionRate int `json:"completion_rate"`
}

func Metrics(tasks []domain.Task, clk Clock) TaskMetrics {
	var m TaskMetrics
	for _, t := range tasks {
		m.Total++
		switch t.Status {
		case domain.StatusCompleted:
			m.Completed++
		case domain.StatusInProgress:
			m.InProgress++
		case domain.StatusAssigned:
			m.Pending++
		}
		if clk.IsOverdue(t) {
			m.Overdue++
		}
	}
	m.CompletionRate = Percent(m.Completed, m.Total)
	return m
}

// HistorySummary aggregates submitted visit reports.
type HistorySummary struct {
	TotalVisits  int     `json:"total_visits"`
	TotalValue   float64 `json:"total_value"`
	WonDeals     int     `json:"won_deals"`
	AverageValue float64 `json:"average_value"`
	WinRate      int     `json:"win_rate"`
}

func Summarize(reports []domain.VisitReport) HistorySummary {
	var s HistorySummary
	for _, r := range reports {
		s.TotalVisits++
		if r.OrderValue != nil {
			s.TotalValue += *r.OrderValue
		}
		if r.Outcome != nil && *r.Outcome == domain.OutcomeClosedWin {
			s.WonDeals++
		}
	}
	if s.TotalVisits > 0 {
		s.AverageValue = s.TotalValue / float64(s.TotalVisits)
	}
	s.WinRate = Percent(s.WonDeals, s.TotalVisits)
	return s
}

// OutcomeCounts tallies reports per outcome; reports without one are skipped.
func OutcomeCounts(reports []domain.VisitReport) map[domain.Outcome]int {
	out := make(map[domain.Outcome]int, len(domain.Outcomes))
	for _, o := range domain.Outcomes {
		out[o] = 0
	}
	for _, r := range reports {
		if r.Outcome != nil {
			out[*r.Outcome]++
		}
	}
	return out
}

// HistoryRow is a finalized visit with its references.
type HistoryRow struct {
	Report      domain.VisitReport `json:"report"`
	Task        *domain.Task       `json:"task,omitempty"`
	Company     *domain.Company    `json:"company,omitempty"`
	Salesperson *domain.User       `json:"salesperson,omitempty"`
}

func (h HistoryRow) CompanyName() string {
	if h.Company == nil {
		return Unknown
	}
	return h.Company.Name
}

func (h HistoryRow) SalespersonName() string {
	if h.Salesperson == nil {
		return Unknown
	}
	return h.Salesperson.Name
}

// History lists reports of completed tasks, newest submission first.
// An empty salespersonID includes everyone.
func History(snap store.Snapshot, salespersonID string) []HistoryRow {
	ix := newIndex(snap)
	tasks := make(map[string]*domain.Task, len(snap.Tasks))
	for i := range snap.Tasks {
		if _, ok := tasks[snap.Tasks[i].ID]; !ok {
			tasks[snap.Tasks[i].ID] = &snap.Tasks[i]
		}
	}
	var rows []HistoryRow
	for _, r := range snap.VisitReports {
		if salespersonID != "" && r.SalespersonID != salespersonID {
			continue
		}
		t := tasks[r.TaskID]
		if t == nil || t.Status != domain.StatusCompleted {
			continue
		}
		rows = append(rows, HistoryRow{
			Report:      r,
			Task:        copyOf(t),
			Company:     copyOf(ix.companies[r.CompanyID]),
			Salesperson: copyOf(ix.users[r.SalespersonID]),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Report.SubmittedAt, rows[j].Report.SubmittedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return rows[i].Report.ID < rows[j].Report.ID
	})
	return rows
}

// HistoryReports unwraps the reports of history rows.
func HistoryReports(rows []HistoryRow) []domain.VisitReport {
	out := make([]domain.VisitReport, len(rows))
	for i, r := range rows {
		out[i] = r.Report
	}
	return out
}

// UserStats summarizes one salesperson's workload.
type UserStats struct {
	User           domain.User `json:"user"`
	TotalTasks     int         `json:"total_tasks"`
	TodayTasks     int         `json:"today_tasks"`
	CompletedTasks int         `json:"completed_tasks"`
	CompletionRate int         `json:"completion_rate"`
}

// SalesTeam returns stats for every sales user, ordered by name.
func SalesTeam(snap store.Snapshot, clk Clock) []UserStats {
	var out []UserStats
	for _, u := range snap.Users {
		if u.Role != domain.RoleSales {
			continue
		}
		st := UserStats{User: u}
		for _, t := range snap.Tasks {
			if t.SalespersonID != u.ID {
				continue
			}
			st.TotalTasks++
			if clk.SameDay(t.DueAt) {
				st.TodayTasks++
			}
			if t.Status == domain.StatusCompleted {
				st.CompletedTasks++
			}
		}
		st.CompletionRate = Percent(st.CompletedTasks, st.TotalTasks)
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].User.Name < out[j].User.Name })
	return out
}

// CompanyOverview is a row of the companies table.
type CompanyOverview struct {
	Company     domain.Company      `json:"company"`
	TotalTasks  int                 `json:"total_tasks"`
	TotalVisits int                 `json:"total_visits"`
	LastVisit   *domain.VisitReport `json:"last_visit,omitempty"`
	NextVisit   *domain.Task        `json:"next_visit,omitempty"`
}

// CompanyOverviews lists companies matching search (name, city or state),
// ordered by name.
func CompanyOverviews(snap store.Snapshot, search string, clk Clock) []CompanyOverview {
	term := strings.ToLower(strings.TrimSpace(search))
	var out []CompanyOverview
	for _, c := range snap.Companies {
		if term != "" &&
			!strings.Contains(strings.ToLower(c.Name), term) &&
			!strings.Contains(strings.ToLower(c.Address.City), term) &&
			!strings.Contains(strings.ToLower(c.Address.State), term) {
			continue
		}
		out = append(out, overview(snap, c, clk))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Company.Name < out[j].Company.Name })
	return out
}

func overview(snap store.Snapshot, c domain.Company, clk Clock) CompanyOverview {
	ov := CompanyOverview{Company: c}
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		if t.CompanyID != c.ID {
			continue
		}
		ov.TotalTasks++
		if t.Status != domain.StatusCompleted && t.DueAt.After(clk.Now) {
			if ov.NextVisit == nil || t.DueAt.Before(ov.NextVisit.DueAt) {
				ov.NextVisit = copyOf(&t)
			}
		}
	}
	for i := range snap.VisitReports {
		r := snap.VisitReports[i]
		if r.CompanyID != c.ID {
			continue
		}
		ov.TotalVisits++
		if ov.LastVisit == nil || r.SubmittedAt.After(ov.LastVisit.SubmittedAt) {
			ov.LastVisit = copyOf(&r)
		}
	}
	return ov
}

// CompanyDetail is the single-company page.
type CompanyDetail struct {
	CompanyOverview
	Tasks    []TaskDetail           `json:"tasks"`
	Outcomes map[domain.Outcome]int `json:"outcomes"`
	Markers  []gps.Marker           `json:"markers"`
}

// Company builds the detail page; ok is false when the id is unknown.
func Company(snap store.Snapshot, id string, clk Clock) (CompanyDetail, bool) {
	c, ok := snap.Company(id)
	if !ok {
		return CompanyDetail{}, false
	}
	tasks := JoinAll(snap, snap.TasksWhere(func(t domain.Task) bool { return t.CompanyID == id }))
	SortTasks(tasks, SortDueDesc)
	reports := snap.ReportsWhere(func(r domain.VisitReport) bool { return r.CompanyID == id })
	return CompanyDetail{
		CompanyOverview: overview(snap, c, clk),
		Tasks:           tasks,
		Outcomes:        OutcomeCounts(reports),
		Markers:         MapMarkers(snap, reports),
	}, true
}

// MapMarkers pins every report that recorded a check-in fix.
func MapMarkers(snap store.Snapshot, reports []domain.VisitReport) []gps.Marker {
	ix := newIndex(snap)
	markers := []gps.Marker{}
	for _, r := range reports {
		if r.CheckIn == nil || r.CheckIn.GPS == nil {
			continue
		}
		title := Unknown
		if u := ix.users[r.SalespersonID]; u != nil {
			title = u.Name
		}
		desc := "Visit on " + r.CheckIn.At.Format("Jan 02, 2006")
		if r.Outcome != nil {
			desc += " - " + r.Outcome.Label()
		}
		markers = append(markers, gps.Marker{
			Lat:         r.CheckIn.GPS.Lat,
			Lng:         r.CheckIn.GPS.Lng,
			Title:       title,
			Description: desc,
		})
	}
	return markers
}

// TabCounts are the badge numbers on the my-tasks tabs.
type TabCounts struct {
	Today     int `json:"today"`
	Upcoming  int `json:"upcoming"`
	Overdue   int `json:"overdue"`
	Completed int `json:"completed"`
}

func Tabs(tasks []domain.Task, clk Clock) TabCounts {
	var c TabCounts
	for _, t := range tasks {
		if clk.InWindow(t, WindowToday) {
			c.Today++
		}
		if clk.InWindow(t, WindowUpcoming) {
			c.Upcoming++
		}
		if clk.IsOverdue(t) {
			c.Overdue++
		}
		if t.Status == domain.StatusCompleted {
			c.Completed++
		}
	}
	return c
}

// AdminDashboard is the landing view for admins.
type AdminDashboard struct {
	Today    TaskMetrics            `json:"today"`
	Overall  TaskMetrics            `json:"overall"`
	Overdue  []TaskDetail           `json:"overdue"`
	Recent   []HistoryRow           `json:"recent"`
	Team     []UserStats            `json:"team"`
	Outcomes map[domain.Outcome]int `json:"outcomes"`
	Summary  HistorySummary         `json:"summary"`
}

const dashboardListSize = 5

func Admin(snap store.Snapshot, clk Clock) AdminDashboard {
	all := JoinAll(snap, snap.Tasks)
	today := Filter(all, TaskQuery{Window: WindowToday}, clk)
	overdue := Filter(all, TaskQuery{Window: WindowOverdue, Sort: SortDueAsc}, clk)
	history := History(snap, "")
	reports := HistoryReports(history)
	return AdminDashboard{
		Today:    Metrics(details(today), clk),
		Overall:  Metrics(snap.Tasks, clk),
		Overdue:  head(overdue, dashboardListSize),
		Recent:   head(history, dashboardListSize),
		Team:     SalesTeam(snap, clk),
		Outcomes: OutcomeCounts(reports),
		Summary:  Summarize(reports),
	}
}

// SalesDashboard is the landing view for a salesperson.
type SalesDashboard struct {
	User      *domain.User   `json:"user,omitempty"`
	Today     []TaskDetail   `json:"today"`
	Metrics   TaskMetrics    `json:"metrics"`
	Tabs      TabCounts      `json:"tabs"`
	Summary   HistorySummary `json:"summary"`
	NextVisit *TaskDetail    `json:"next_visit,omitempty"`
}

func Sales(snap store.Snapshot, userID string, clk Clock) SalesDashboard {
	mine := snap.TasksWhere(func(t domain.Task) bool { return t.SalespersonID == userID })
	joined := JoinAll(snap, mine)
	today := Filter(joined, TaskQuery{Window: WindowToday, Sort: SortDueAsc}, clk)
	d := SalesDashboard{
		Today:   today,
		Metrics: Metrics(mine, clk),
		Tabs:    Tabs(mine, clk),
		Summary: Summarize(HistoryReports(History(snap, userID))),
	}
	if u, ok := snap.User(userID); ok {
		d.User = &u
	}
	for _, t := range Filter(joined, TaskQuery{Status: domain.StatusAssigned, Sort: SortDueAsc}, clk) {
		if !t.Task.DueAt.Before(clk.Now) {
			next := t
			d.NextVisit = &next
			break
		}
	}
	return d
}

func details(ds []TaskDetail) []domain.Task {
	out := make([]domain.Task, len(ds))
	for i, d := range ds {
		out[i] = d.Task
	}
	return out
}

func head[T any](items []T, n int) []T {
	if len(items) > n {
		items = items[:n]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}
