package views_test

import (
	"testing"
	"time"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/store"
	"fieldcrm/internal/views"
)

// Wednesday 2024-01-10 10:00 UTC.
var now = time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)

func clock() views.Clock {
	return views.NewClock(now, time.UTC)
}

func outcome(o domain.Outcome) *domain.Outcome { return &o }
func money(v float64) *float64 { return &v }

func fixture() store.Snapshot {
	return store.Snapshot{
		Users: []domain.User{
			{ID: "admin", Name: "Admin User", Role: domain.RoleAdmin},
			{ID: "u1", Name: "Rajesh Kumar", Role: domain.RoleSales},
			{ID: "u2", Name: "Priya Sharma", Role: domain.RoleSales},
		},
		Companies: []domain.Company{
			{ID: "c1", Name: "Acme Corp", Address: domain.Address{City: "Mumbai", State: "Maharashtra"}},
			{ID: "c2", Name: "Globex", Address: domain.Address{City: "Pune", State: "Maharashtra"}},
		},
		Tasks: []domain.Task{
			{ID: "t1", CompanyID: "c1", SalespersonID: "u1", AssignedByAdminID: "admin", Status: domain.StatusCompleted, DueAt: now.Add(-48 * time.Hour), CreatedAt: now.Add(-72 * time.Hour)},
			{ID: "t2", CompanyID: "c2", SalespersonID: "u1", AssignedByAdminID: "admin", Status: domain.StatusAssigned, DueAt: now.Add(-24 * time.Hour), CreatedAt: now.Add(-71 * time.Hour)},
			{ID: "t3", CompanyID: "c1", SalespersonID: "u2", AssignedByAdminID: "admin", Status: domain.StatusAssigned, DueAt: time.Date(2024, 1, 10, 23, 30, 0, 0, time.UTC), CreatedAt: now.Add(-70 * time.Hour)},
			{ID: "t4", CompanyID: "c2", SalespersonID: "u2", AssignedByAdminID: "admin", Status: domain.StatusInProgress, DueAt: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), CreatedAt: now.Add(-69 * time.Hour)},
			{ID: "t5", CompanyID: "c1", SalespersonID: "u1", AssignedByAdminID: "admin", Status: domain.StatusAssigned, DueAt: now.Add(72 * time.Hour), CreatedAt: now.Add(-68 * time.Hour)},
		},
		VisitReports: []domain.VisitReport{
			{
				ID: "r1", TaskID: "t1", SalespersonID: "u1", CompanyID: "c1",
				CheckIn:     &domain.Checkpoint{At: now.Add(-48 * time.Hour), GPS: &domain.GPS{Lat: 19.07, Lng: 72.87}},
				CheckOut:    &domain.Checkpoint{At: now.Add(-47 * time.Hour)},
				Outcome:     outcome(domain.OutcomeClosedWin),
				OrderValue:  money(150000),
				SubmittedAt: now.Add(-47 * time.Hour),
			},
			{
				ID: "r4", TaskID: "t4", SalespersonID: "u2", CompanyID: "c2",
				CheckIn:     &domain.Checkpoint{At: now.Add(-time.Hour)},
				SubmittedAt: now.Add(-time.Hour),
			},
		},
	}
}

func ids(ds []views.TaskDetail) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Task.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPercent(t *testing.T) {
	cases := []struct{ n, d, want int }{
		{3, 4, 75},
		{0, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
	}
	for _, c := range cases {
		if got := views.Percent(c.n, c.d); got != c.want {
			t.Fatalf("Percent(%d,%d) = %d, want %d", c.n, c.d, got, c.want)
		}
	}
}

func TestMetricsCompletionRate(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", Status: domain.StatusCompleted, DueAt: now},
		{ID: "b", Status: domain.StatusCompleted, DueAt: now},
		{ID: "c", Status: domain.StatusCompleted, DueAt: now},
		{ID: "d", Status: domain.StatusAssigned, DueAt: now},
	}
	m := views.Metrics(tasks, clock())
	if m.Total != 4 || m.Completed != 3 || m.Pending != 1 || m.CompletionRate != 75 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if empty := views.Metrics(nil, clock()); empty.CompletionRate != 0 {
		t.Fatalf("expected 0 rate for no tasks, got %d", empty.CompletionRate)
	}
}

func TestTodayIgnoresTimeOfDay(t *testing.T) {
	snap := fixture()
	got := views.Filter(views.JoinAll(snap, snap.Tasks), views.TaskQuery{Window: views.WindowToday}, clock())
	if !equal(ids(got), []string{"t4", "t3"}) {
		t.Fatalf("today window = %v", ids(got))
	}
}

func TestOverdueAndDisplayStatus(t *testing.T) {
	snap := fixture()
	clk := clock()
	got := views.Filter(views.JoinAll(snap, snap.Tasks), views.TaskQuery{Window: views.WindowOverdue}, clk)
	if !equal(ids(got), []string{"t2"}) {
		t.Fatalf("overdue = %v", ids(got))
	}
	t2, _ := snap.Task("t2")
	if clk.DisplayStatus(t2) != domain.StatusMissed {
		t.Fatalf("expected missed display status")
	}
	if t2.Status != domain.StatusAssigned {
		t.Fatalf("stored status changed")
	}
	t4, _ := snap.Task("t4")
	if clk.DisplayStatus(t4) != domain.StatusInProgress {
		t.Fatalf("in-progress task due today must not be missed")
	}
	missed := views.Filter(views.JoinAll(snap, snap.Tasks), views.TaskQuery{Status: domain.StatusMissed}, clk)
	if !equal(ids(missed), []string{"t2"}) {
		t.Fatalf("missed filter = %v", ids(missed))
	}
}

func TestUpcomingStartsTomorrow(t *testing.T) {
	snap := fixture()
	got := views.Filter(views.JoinAll(snap, snap.Tasks), views.TaskQuery{Window: views.WindowUpcoming}, clock())
	if !equal(ids(got), []string{"t5"}) {
		t.Fatalf("upcoming = %v", ids(got))
	}
}

func TestWeekWindowRespectsWeekStart(t *testing.T) {
	clk := clock()
	start, end, ok := clk.Period(views.WindowWeek)
	if !ok || !start.Equal(time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("sunday week = %v..%v", start, end)
	}
	clk.WeekStart = time.Monday
	start, _, _ = clk.Period(views.WindowWeek)
	if !start.Equal(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("monday week start = %v", start)
	}
	start, end, _ = clk.Period(views.WindowQuarter)
	if start.Month() != time.January || end.Month() != time.April {
		t.Fatalf("quarter = %v..%v", start, end)
	}
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	snap := fixture()
	got := views.Filter(views.JoinAll(snap, snap.Tasks), views.TaskQuery{Search: "acme"}, clock())
	if !equal(ids(got), []string{"t1", "t3", "t5"}) {
		t.Fatalf("search acme = %v", ids(got))
	}
	got = views.Filter(views.JoinAll(snap, snap.Tasks), views.TaskQuery{Search: "PRIYA"}, clock())
	if !equal(ids(got), []string{"t4", "t3"}) {
		t.Fatalf("search priya = %v", ids(got))
	}
	got = views.Filter(views.JoinAll(snap, snap.Tasks), views.TaskQuery{Search: "pune", SearchFields: []views.SearchField{views.FieldCompany}}, clock())
	if len(got) != 0 {
		t.Fatalf("search restricted to company should not match city, got %v", ids(got))
	}
}

func TestSortOrders(t *testing.T) {
	snap := fixture()
	all := views.JoinAll(snap, snap.Tasks)
	asc := views.Filter(all, views.TaskQuery{Sort: views.SortDueAsc}, clock())
	if !equal(ids(asc), []string{"t1", "t2", "t4", "t3", "t5"}) {
		t.Fatalf("due asc = %v", ids(asc))
	}
	desc := views.Filter(all, views.TaskQuery{Sort: views.SortDueDesc}, clock())
	if !equal(ids(desc), []string{"t5", "t3", "t4", "t2", "t1"}) {
		t.Fatalf("due desc = %v", ids(desc))
	}
	created := views.Filter(all, views.TaskQuery{Sort: views.SortCreatedDesc}, clock())
	if created[0].Task.ID != "t5" {
		t.Fatalf("created desc = %v", ids(created))
	}
	submitted := views.Filter(all, views.TaskQuery{Sort: views.SortSubmittedDesc}, clock())
	if !equal(ids(submitted)[:2], []string{"t4", "t1"}) {
		t.Fatalf("submitted desc = %v", ids(submitted))
	}
	if !equal(ids(all), []string{"t1", "t2", "t3", "t4", "t5"}) {
		t.Fatalf("filter reordered its input: %v", ids(all))
	}
}

func TestUnknownReferences(t *testing.T) {
	snap := fixture()
	d := views.Join(snap, domain.Task{ID: "x", CompanyID: "nope", SalespersonID: "ghost"})
	if d.CompanyName() != views.Unknown || d.SalespersonName() != views.Unknown || d.AssignedByName() != views.Unknown {
		t.Fatalf("expected unknown names, got %q %q %q", d.CompanyName(), d.SalespersonName(), d.AssignedByName())
	}
	if d.Report != nil {
		t.Fatalf("expected no report")
	}
}

func TestJoinedContactFallsBackToActualContact(t *testing.T) {
	snap := fixture()
	snap.VisitReports[0].ActualContact = &domain.ActualContact{Name: "Vikram"}
	t1, _ := snap.Task("t1")
	if got := views.Join(snap, t1).ContactName(); got != "Vikram" {
		t.Fatalf("contact = %q", got)
	}
	t1.ContactHint = &domain.ContactHint{Name: "Meera"}
	if got := views.Join(snap, t1).ContactName(); got != "Meera" {
		t.Fatalf("contact = %q", got)
	}
}

func TestPaginateClampsAndResets(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	pg := views.Paginate(items, 2, 5)
	if pg.TotalPages != 3 || len(pg.Items) != 5 || pg.Items[0] != 6 {
		t.Fatalf("page 2 = %+v", pg)
	}
	pg = views.Paginate(items, 9, 5)
	if pg.Page != 3 || len(pg.Items) != 2 {
		t.Fatalf("clamped page = %+v", pg)
	}
	if empty := views.Paginate([]int{}, 1, 5); empty.Page != 1 || len(empty.Items) != 0 {
		t.Fatalf("empty page = %+v", empty)
	}

	p := &views.Pager{Size: 5}
	views.PageOf(p, "a", items)
	p.SetPage(3)
	if got := views.PageOf(p, "a", items); got.Page != 3 {
		t.Fatalf("same filters should keep page, got %d", got.Page)
	}
	if got := views.PageOf(p, "b", items); got.Page != 1 {
		t.Fatalf("changed filters should reset page, got %d", got.Page)
	}
}

func TestHistoryAndSummary(t *testing.T) {
	snap := fixture()
	rows := views.History(snap, "")
	if len(rows) != 1 || rows[0].Report.ID != "r1" {
		t.Fatalf("history should only contain completed visits, got %d rows", len(rows))
	}
	s := views.Summarize(views.HistoryReports(rows))
	if s.TotalVisits != 1 || s.WonDeals != 1 || s.WinRate != 100 || s.TotalValue != 150000 {
		t.Fatalf("summary = %+v", s)
	}
	if got := views.History(snap, "u2"); len(got) != 0 {
		t.Fatalf("u2 has no completed visits, got %d", len(got))
	}
}

func TestCompanyDetail(t *testing.T) {
	snap := fixture()
	d, ok := views.Company(snap, "c1", clock())
	if !ok {
		t.Fatalf("company not found")
	}
	if d.TotalTasks != 3 || d.TotalVisits != 1 || len(d.Markers) != 1 {
		t.Fatalf("detail = %+v", d.CompanyOverview)
	}
	if d.NextVisit == nil || d.NextVisit.ID != "t3" {
		t.Fatalf("next visit = %+v", d.NextVisit)
	}
	if d.Outcomes[domain.OutcomeClosedWin] != 1 {
		t.Fatalf("outcomes = %v", d.Outcomes)
	}
	if _, ok := views.Company(snap, "missing", clock()); ok {
		t.Fatalf("expected missing company")
	}
	list := views.CompanyOverviews(snap, "maha", clock())
	if len(list) != 2 || list[0].Company.Name != "Acme Corp" {
		t.Fatalf("overviews = %+v", list)
	}
}

func TestTabsAndDashboards(t *testing.T) {
	snap := fixture()
	clk := clock()
	tabs := views.Tabs(snap.TasksWhere(func(t domain.Task) bool { return t.SalespersonID == "u1" }), clk)
	if tabs.Today != 0 || tabs.Upcoming != 1 || tabs.Overdue != 1 || tabs.Completed != 1 {
		t.Fatalf("tabs = %+v", tabs)
	}
	admin := views.Admin(snap, clk)
	if admin.Today.Total != 2 || len(admin.Overdue) != 1 || len(admin.Team) != 2 {
		t.Fatalf("admin dashboard = %+v", admin)
	}
	sales := views.Sales(snap, "u2", clk)
	if len(sales.Today) != 2 || sales.NextVisit == nil || sales.NextVisit.Task.ID != "t3" {
		t.Fatalf("sales dashboard = %+v", sales)
	}
}

func TestFormatCurrency(t *testing.T) {
	cases := map[float64]string{
		0:        "₹0",
		999:      "₹999",
		1000:     "₹1,000",
		150000:   "₹1,50,000",
		12345678: "₹1,23,45,678",
		-2500:    "-₹2,500",
	}
	for in, want := range cases {
		if got := views.FormatCurrency(in); got != want {
			t.Fatalf("FormatCurrency(%v) = %q, want %q", in, got, want)
		}
	}
	if got := views.DurationLabel(65); got != "1h 5m" {
		t.Fatalf("duration = %q", got)
	}
}

func TestTabQueriesAgreeWithTabCounts(t *testing.T) {
	snap := fixture()
	clk := clock()
	mine := snap.TasksWhere(func(t domain.Task) bool { return t.SalespersonID == "u1" })
	joined := views.JoinAll(snap, mine)
	tabs := views.Tabs(mine, clk)
	want := map[string]int{
		views.TabToday:     tabs.Today,
		views.TabUpcoming:  tabs.Upcoming,
		views.TabOverdue:   tabs.Overdue,
		views.TabCompleted: tabs.Completed,
		views.TabAll:       len(mine),
	}
	for tab, n := range want {
		q, err := views.TabQuery("u1", tab)
		if err != nil {
			t.Fatalf("tab %s: %v", tab, err)
		}
		if got := len(views.Filter(joined, q, clk)); got != n {
			t.Fatalf("tab %s matched %d tasks, want %d", tab, got, n)
		}
	}
	if _, err := views.TabQuery("u1", "later"); err == nil {
		t.Fatalf("expected unknown tab to be rejected")
	}
}
