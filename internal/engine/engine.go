package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fieldcrm/internal/config"
	"fieldcrm/internal/domain"
	"fieldcrm/internal/events"
	"fieldcrm/internal/store"
)

var (
	// ErrTaskLocked is returned when editing a task that already left assigned.
	ErrTaskLocked = errors.New("task can only be edited while assigned")
	// ErrNotAssignee is returned when someone else acts on a salesperson's task.
	ErrNotAssignee = errors.New("task is assigned to another salesperson")
	// ErrNoActiveVisit is returned by CheckOut without a prior check-in.
	ErrNoActiveVisit = errors.New("no active check-in for task")
	// ErrVisitExists is returned by CheckIn when the task already has a report.
	ErrVisitExists = errors.New("task already has a visit report")
)

// TransitionError rejects a status change the lifecycle does not allow.
type TransitionError struct {
	From domain.TaskStatus
	To   domain.TaskStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition from %s to %s", e.From, e.To)
}

// Observer is told about every stored status change.
type Observer interface {
	TaskTransition(from, to domain.TaskStatus)
}

type Engine struct {
	Store    *store.Store
	Events   events.Log
	Config   *config.Config
	Now      func() time.Time
	Observer Observer
	Logger   *log.Logger
}

func New(st *store.Store, evs events.Log, cfg *config.Config) Engine {
	return Engine{
		Store:  st,
		Events: evs,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// record appends an audit event. The state change is already stored, so a
// failure is logged rather than returned.
func (e Engine) record(ctx context.Context, evtType, kind, id, actorID string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Append(ctx, evtType, kind, id, actorID, payload); err != nil {
		e.logger().Printf("engine: append %s event for %s %s: %v", evtType, kind, id, err)
	}
}

func (e Engine) observe(from, to domain.TaskStatus) {
	if e.Observer != nil && from != to {
		e.Observer.TaskTransition(from, to)
	}
}

func (e Engine) requireGPS(checkout bool) bool {
	if e.Config == nil {
		return checkout
	}
	if checkout {
		return e.Config.Lifecycle.RequireCheckOutGPS
	}
	return e.Config.Lifecycle.RequireCheckInGPS
}

// ensureTaskTransition holds the lifecycle edges. Missed is only ever
// derived for display and cannot be stored.
func ensureTaskTransition(oldStatus, newStatus domain.TaskStatus, force bool) error {
	if newStatus == domain.StatusMissed || !newStatus.Valid() {
		return TransitionError{From: oldStatus, To: newStatus}
	}
	if force {
		return nil
	}
	allowed := map[domain.TaskStatus][]domain.TaskStatus{
		domain.StatusAssigned:   {domain.StatusInProgress},
		domain.StatusInProgress: {domain.StatusCompleted},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return TransitionError{From: oldStatus, To: newStatus}
}

// GPSInput is a position fix supplied with a check-in or check-out.
type GPSInput struct {
	Lat       float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lng       float64   `json:"lng" validate:"gte=-180,lte=180"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}

func (g *GPSInput) fix(fallback time.Time) *domain.GPS {
	if g == nil {
		return nil
	}
	ts := g.Timestamp
	if ts.IsZero() {
		ts = fallback
	}
	return &domain.GPS{Lat: g.Lat, Lng: g.Lng, Accuracy: g.Accuracy, Timestamp: ts.UTC()}
}

// CompanyInput describes a company to create.
type CompanyInput struct {
	Name     string           `json:"name" validate:"required,min=2"`
	Address  domain.Address   `json:"address"`
	Contacts []domain.Contact `json:"contacts"`
	Notes    string           `json:"notes"`
}

func (c CompanyInput) company() domain.Company {
	return domain.Company{
		Name:     strings.TrimSpace(c.Name),
		Address:  c.Address,
		Contacts: c.Contacts,
		Notes:    c.Notes,
	}
}

// AssignTaskOptions are parameters for assigning a visit.
type AssignTaskOptions struct {
	CompanyID     string              `json:"company_id" validate:"required_without=NewCompany"`
	NewCompany    *CompanyInput       `json:"new_company"`
	SalespersonID string              `json:"salesperson_id" validate:"required"`
	DueAt         time.Time           `json:"due_at" validate:"required"`
	ContactHint   *domain.ContactHint `json:"contact_hint"`
	Through       string              `json:"through"`
	Notes         string              `json:"notes"`
	ActorID       string              `json:"assigned_by_admin_id" validate:"required"`
}

// AssignTask creates a task in assigned, optionally creating its company in
// the same batch.
func (e Engine) AssignTask(ctx context.Context, opts AssignTaskOptions) (domain.Task, error) {
	if err := Validate(opts); err != nil {
		return domain.Task{}, err
	}
	var (
		task    domain.Task
		created *domain.Company
	)
	err := e.Store.Apply(ctx, func(b *store.Batch) error {
		snap := b.Snapshot()
		if err := checkAdmin(snap, opts.ActorID); err != nil {
			return err
		}
		if err := checkSalesperson(snap, opts.SalespersonID); err != nil {
			return err
		}
		companyID := opts.CompanyID
		if opts.NewCompany != nil && companyID == "" {
			c := b.AddCompany(opts.NewCompany.company())
			created = &c
			companyID = c.ID
		} else if _, ok := snap.Company(companyID); !ok {
			return fmt.Errorf("company %s: %w", companyID, store.ErrNotFound)
		}
		var hint *domain.ContactHint
		if !opts.ContactHint.IsZero() {
			hint = opts.ContactHint
		}
		task = b.AddTask(domain.Task{
			CompanyID:         companyID,
			SalespersonID:     opts.SalespersonID,
			DueAt:             opts.DueAt,
			AssignedByAdminID: opts.ActorID,
			ContactHint:       hint,
			Through:           optionalString(opts.Through),
			Notes:             optionalString(opts.Notes),
			Status:            domain.StatusAssigned,
		})
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if created != nil {
		e.record(ctx, events.CompanyAdded, "company", created.ID, opts.ActorID, events.EventPayload{"name": created.Name})
	}
	e.record(ctx, events.TaskAssigned, "task", task.ID, opts.ActorID, events.EventPayload{
		"company_id":     task.CompanyID,
		"salesperson_id": task.SalespersonID,
		"due_at":         task.DueAt.Format(time.RFC3339),
	})
	e.observe("", task.Status)
	return task, nil
}

// EditTaskOptions carry the fields an admin may change; nil keeps the value.
type EditTaskOptions struct {
	CompanyID     *string
	SalespersonID *string
	DueAt         *time.Time
	ContactHint   *domain.ContactHint
	Through       *string
	Notes         *string
	ActorID       string
}

func (o EditTaskOptions) changes() []string {
	var out []string
	if o.CompanyID != nil {
		out = append(out, "company_id")
	}
	if o.SalespersonID != nil {
		out = append(out, "salesperson_id")
	}
	if o.DueAt != nil {
		out = append(out, "due_at")
	}
	if o.ContactHint != nil {
		out = append(out, "contact_hint")
	}
	if o.Through != nil {
		out = append(out, "through")
	}
	if o.Notes != nil {
		out = append(out, "notes")
	}
	return out
}

// EditTask changes a task that has not been started yet.
func (e Engine) EditTask(ctx context.Context, id string, opts EditTaskOptions) (domain.Task, error) {
	var task domain.Task
	err := e.Store.Apply(ctx, func(b *store.Batch) error {
		snap := b.Snapshot()
		t, ok := snap.Task(id)
		if !ok {
			return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		if t.Status != domain.StatusAssigned {
			return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrTaskLocked)
		}
		if opts.ActorID != "" {
			if err := checkAdmin(snap, opts.ActorID); err != nil {
				return err
			}
		}
		if opts.CompanyID != nil {
			if _, ok := snap.Company(*opts.CompanyID); !ok {
				return fmt.Errorf("company %s: %w", *opts.CompanyID, store.ErrNotFound)
			}
		}
		if opts.SalespersonID != nil {
			if err := checkSalesperson(snap, *opts.SalespersonID); err != nil {
				return err
			}
		}
		var err error
		task, err = b.UpdateTask(id, store.TaskPatch{
			CompanyID:     opts.CompanyID,
			SalespersonID: opts.SalespersonID,
			DueAt:         opts.DueAt,
			ContactHint:   opts.ContactHint,
			Through:       opts.Through,
			Notes:         opts.Notes,
		})
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.record(ctx, events.TaskEdited, "task", task.ID, opts.ActorID, events.EventPayload{"fields": opts.changes()})
	return task, nil
}

// CheckInOptions start a visit.
type CheckInOptions struct {
	TaskID  string    `json:"task_id" validate:"required"`
	ActorID string    `json:"actor_id"`
	At      time.Time `json:"at"`
	GPS     *GPSInput `json:"gps"`
}

// CheckIn moves an assigned task to in_progress and opens its visit report.
func (e Engine) CheckIn(ctx context.Context, opts CheckInOptions) (domain.Task, domain.VisitReport, error) {
	if err := Validate(opts); err != nil {
		return domain.Task{}, domain.VisitReport{}, err
	}
	if opts.GPS == nil && e.requireGPS(false) {
		return domain.Task{}, domain.VisitReport{}, ValidationError{Field: "gps", Reason: "is required"}
	}
	at := opts.At
	if at.IsZero() {
		at = e.now()
	}
	at = at.UTC()
	var (
		task   domain.Task
		report domain.VisitReport
		from   domain.TaskStatus
	)
	err := e.Store.Apply(ctx, func(b *store.Batch) error {
		snap := b.Snapshot()
		t, ok := snap.Task(opts.TaskID)
		if !ok {
			return fmt.Errorf("task %s: %w", opts.TaskID, store.ErrNotFound)
		}
		if opts.ActorID != "" && opts.ActorID != t.SalespersonID {
			return ErrNotAssignee
		}
		if err := ensureTaskTransition(t.Status, domain.StatusInProgress, false); err != nil {
			return err
		}
		if _, ok := snap.ReportForTask(t.ID); ok {
			return fmt.Errorf("task %s: %w", t.ID, ErrVisitExists)
		}
		from = t.Status
		report = b.AddVisitReport(domain.VisitReport{
			TaskID:        t.ID,
			SalespersonID: t.SalespersonID,
			CompanyID:     t.CompanyID,
			CheckIn:       &domain.Checkpoint{At: at, GPS: opts.GPS.fix(at)},
			SubmittedAt:   at,
		})
		status := domain.StatusInProgress
		var err error
		task, err = b.UpdateTask(t.ID, store.TaskPatch{Status: &status})
		return err
	})
	if err != nil {
		return domain.Task{}, domain.VisitReport{}, err
	}
	payload := events.EventPayload{"report_id": report.ID, "at": at.Format(time.RFC3339)}
	if g := report.CheckIn.GPS; g != nil {
		payload["lat"], payload["lng"] = g.Lat, g.Lng
	}
	e.record(ctx, events.VisitCheckedIn, "task", task.ID, actorOr(opts.ActorID, task.SalespersonID), payload)
	e.observe(from, task.Status)
	return task, report, nil
}

// CheckOutOptions close a visit and submit its report.
type CheckOutOptions struct {
	TaskID         string                `json:"task_id" validate:"required"`
	ActorID        string                `json:"actor_id"`
	At             time.Time             `json:"at"`
	GPS            *GPSInput             `json:"gps"`
	Outcome        domain.Outcome        `json:"outcome" validate:"required,oneof=met not_available rescheduled closed_win closed_lost follow_up"`
	OrderValue     *float64              `json:"order_value" validate:"omitempty,gte=0"`
	Notes          string                `json:"notes"`
	NextFollowUpAt *time.Time            `json:"next_follow_up_at"`
	ActualContact  *domain.ActualContact `json:"actual_contact"`
	// Force overwrites the report of an already completed task.
	Force bool `json:"force"`
}

// CheckOut finalizes the open visit report and completes the task.
func (e Engine) CheckOut(ctx context.Context, opts CheckOutOptions) (domain.Task, domain.VisitReport, error) {
	if err := Validate(opts); err != nil {
		return domain.Task{}, domain.VisitReport{}, err
	}
	if opts.GPS == nil && e.requireGPS(true) {
		return domain.Task{}, domain.VisitReport{}, ValidationError{Field: "gps", Reason: "is required"}
	}
	at := opts.At
	if at.IsZero() {
		at = e.now()
	}
	at = at.UTC()
	var (
		task        domain.Task
		report      domain.VisitReport
		from        domain.TaskStatus
		resubmitted bool
	)
	err := e.Store.Apply(ctx, func(b *store.Batch) error {
		snap := b.Snapshot()
		t, ok := snap.Task(opts.TaskID)
		if !ok {
			return fmt.Errorf("task %s: %w", opts.TaskID, store.ErrNotFound)
		}
		if opts.ActorID != "" && opts.ActorID != t.SalespersonID {
			return ErrNotAssignee
		}
		existing, hasReport := snap.ReportForTask(t.ID)
		if t.Status == domain.StatusCompleted {
			if !opts.Force {
				return TransitionError{From: t.Status, To: domain.StatusCompleted}
			}
			if !hasReport || existing.CheckIn == nil {
				return fmt.Errorf("task %s: %w", t.ID, ErrNoActiveVisit)
			}
			resubmitted = true
		} else {
			if err := ensureTaskTransition(t.Status, domain.StatusCompleted, false); err != nil {
				return err
			}
			if !hasReport || !existing.Open() {
				return fmt.Errorf("task %s: %w", t.ID, ErrNoActiveVisit)
			}
		}
		from = t.Status
		duration := visitDuration(existing.CheckIn.At, at)
		outcome := opts.Outcome
		patch := store.ReportPatch{
			CheckOut:       &domain.Checkpoint{At: at, GPS: opts.GPS.fix(at)},
			ActualContact:  opts.ActualContact,
			Outcome:        &outcome,
			OrderValue:     opts.OrderValue,
			Notes:          &opts.Notes,
			NextFollowUpAt: opts.NextFollowUpAt,
			VisitDuration:  &duration,
			SubmittedAt:    &at,
		}
		var err error
		if report, err = b.UpdateVisitReport(existing.ID, patch); err != nil {
			return err
		}
		status := domain.StatusCompleted
		task, err = b.UpdateTask(t.ID, store.TaskPatch{Status: &status})
		return err
	})
	if err != nil {
		return domain.Task{}, domain.VisitReport{}, err
	}
	payload := events.EventPayload{
		"report_id":      report.ID,
		"outcome":        string(opts.Outcome),
		"visit_duration": *report.VisitDuration,
	}
	if report.OrderValue != nil {
		payload["order_value"] = *report.OrderValue
	}
	actor := actorOr(opts.ActorID, task.SalespersonID)
	if resubmitted {
		e.record(ctx, events.VisitResubmitted, "task", task.ID, actor, payload)
		return task, report, nil
	}
	e.record(ctx, events.VisitSubmitted, "task", task.ID, actor, payload)
	e.observe(from, task.Status)
	return task, report, nil
}

// visitDuration is whole minutes between check-in and check-out, floored.
func visitDuration(checkIn, checkOut time.Time) int {
	d := checkOut.Sub(checkIn)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// AddCompany validates and stores a company.
func (e Engine) AddCompany(ctx context.Context, in CompanyInput, actorID string) (domain.Company, error) {
	if err := Validate(in); err != nil {
		return domain.Company{}, err
	}
	c, err := e.Store.AddCompany(ctx, in.company())
	if err != nil {
		return domain.Company{}, err
	}
	e.record(ctx, events.CompanyAdded, "company", c.ID, actorID, events.EventPayload{"name": c.Name})
	return c, nil
}

// CompanyUpdate carries the company fields to change; nil keeps the value.
type CompanyUpdate struct {
	Name     *string           `json:"name" validate:"omitempty,min=2"`
	Address  *domain.Address   `json:"address"`
	Contacts *[]domain.Contact `json:"contacts"`
	Notes    *string           `json:"notes"`
}

func (e Engine) UpdateCompany(ctx context.Context, id string, in CompanyUpdate, actorID string) (domain.Company, error) {
	if err := Validate(in); err != nil {
		return domain.Company{}, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		in.Name = &name
	}
	c, err := e.Store.UpdateCompany(ctx, id, store.CompanyPatch{
		Name:     in.Name,
		Address:  in.Address,
		Contacts: in.Contacts,
		Notes:    in.Notes,
	})
	if err != nil {
		return domain.Company{}, err
	}
	e.record(ctx, events.CompanyUpdated, "company", c.ID, actorID, events.EventPayload{"name": c.Name})
	return c, nil
}

// UserInput describes a directory user.
type UserInput struct {
	Name  string      `json:"name" validate:"required,min=2"`
	Email string      `json:"email" validate:"required,email"`
	Role  domain.Role `json:"role" validate:"required,oneof=admin sales"`
	Phone string      `json:"phone" validate:"omitempty,phone"`
}

// AddUser stores a user after checking the email is not taken.
func (e Engine) AddUser(ctx context.Context, in UserInput, actorID string) (domain.User, error) {
	if err := Validate(in); err != nil {
		return domain.User{}, err
	}
	var u domain.User
	err := e.Store.Apply(ctx, func(b *store.Batch) error {
		var err error
		u, err = AddUserTo(b, in)
		return err
	})
	if err != nil {
		return domain.User{}, err
	}
	e.record(ctx, events.UserAdded, "user", u.ID, actorID, events.EventPayload{"role": string(u.Role), "email": u.Email})
	return u, nil
}

// AddUserTo adds an already validated user inside a batch.
func AddUserTo(b *store.Batch, in UserInput) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, taken := b.Snapshot().UserByEmail(email); taken {
		return domain.User{}, ValidationError{Field: "email", Reason: "is already registered"}
	}
	return b.AddUser(domain.User{
		Name:  strings.TrimSpace(in.Name),
		Email: email,
		Role:  in.Role,
		Phone: strings.TrimSpace(in.Phone),
	}), nil
}

func checkAdmin(snap store.Snapshot, id string) error {
	u, ok := snap.User(id)
	if !ok {
		return fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	if u.Role != domain.RoleAdmin {
		return ValidationError{Field: "assigned_by_admin_id", Reason: "must reference an admin"}
	}
	return nil
}

func checkSalesperson(snap store.Snapshot, id string) error {
	u, ok := snap.User(id)
	if !ok {
		return fmt.Errorf("salesperson %s: %w", id, store.ErrNotFound)
	}
	if u.Role != domain.RoleSales {
		return ValidationError{Field: "salesperson_id", Reason: "must reference a sales user"}
	}
	return nil
}

// --- helpers ---

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func actorOr(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	return fallback
}
