package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldcrm/internal/domain"
)

const (
	// DataKey is the backend key holding the four entity collections.
	DataKey = "crm-data"
	// SchemaVersion tags every persisted record written by this build.
	SchemaVersion = 1
)

var ErrNotFound = errors.New("not found")

// Backend is the opaque key-value storage behind the store and the session.
type Backend interface {
	Load(ctx context.Context, key string, dst any) (version int, found bool, err error)
	Save(ctx context.Context, key string, version int, v any) error
}

// Options configure a Store.
type Options struct {
	Backend Backend
	Now     func() time.Time
	Logger  *log.Logger
}

// Store holds the users, companies, tasks and visit reports. Every mutation
// publishes a new Snapshot; snapshots handed out earlier are never modified.
type Store struct {
	mu      sync.RWMutex
	snap    Snapshot
	backend Backend
	now     func() time.Time
	logger  *log.Logger
}

func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Store{backend: opts.Backend, now: now, logger: logger}
}

// Load replaces the in-memory state with the persisted one, if any.
// Records written under another schema version are adopted as stored.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	var snap Snapshot
	version, found, err := s.backend.Load(ctx, DataKey, &snap)
	if err != nil {
		return fmt.Errorf("load %s: %w", DataKey, err)
	}
	if !found {
		return nil
	}
	if version != SchemaVersion {
		s.logger.Printf("store: %s has schema version %d, expected %d; using it unchanged", DataKey, version, SchemaVersion)
	}
	s.mu.Lock()
	s.snap = snap.normalized()
	s.mu.Unlock()
	return nil
}

// Reset replaces every collection with the given snapshot and persists it.
func (s *Store) Reset(ctx context.Context, snap Snapshot) error {
	return s.Apply(ctx, func(b *Batch) error {
		b.snap = snap.normalized().clone()
		b.changed = true
		return nil
	})
}

// Snapshot returns the current collections. Callers must not modify them.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Apply runs fn against a working copy and publishes it only after the
// backend accepted it, so a failed write leaves the previous state in place.
func (s *Store) Apply(ctx context.Context, fn func(b *Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &Batch{snap: s.snap.clone(), now: s.now().UTC()}
	if err := fn(b); err != nil {
		return err
	}
	if !b.changed {
		return nil
	}
	if s.backend != nil {
		if err := s.backend.Save(ctx, DataKey, SchemaVersion, b.snap); err != nil {
			return fmt.Errorf("persist %s: %w", DataKey, err)
		}
	}
	s.snap = b.snap
	return nil
}

func (s *Store) AddUser(ctx context.Context, u domain.User) (domain.User, error) {
	var out domain.User
	err := s.Apply(ctx, func(b *Batch) error {
		out = b.AddUser(u)
		return nil
	})
	return out, err
}

func (s *Store) AddCompany(ctx context.Context, c domain.Company) (domain.Company, error) {
	var out domain.Company
	err := s.Apply(ctx, func(b *Batch) error {
		out = b.AddCompany(c)
		return nil
	})
	return out, err
}

func (s *Store) UpdateCompany(ctx context.Context, id string, patch CompanyPatch) (domain.Company, error) {
	var out domain.Company
	err := s.Apply(ctx, func(b *Batch) error {
		var err error
		out, err = b.UpdateCompany(id, patch)
		return err
	})
	return out, err
}

func (s *Store) AddTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	var out domain.Task
	err := s.Apply(ctx, func(b *Batch) error {
		out = b.AddTask(t)
		return nil
	})
	return out, err
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) (domain.Task, error) {
	var out domain.Task
	err := s.Apply(ctx, func(b *Batch) error {
		var err error
		out, err = b.UpdateTask(id, patch)
		return err
	})
	return out, err
}

func (s *Store) AddVisitReport(ctx context.Context, r domain.VisitReport) (domain.VisitReport, error) {
	var out domain.VisitReport
	err := s.Apply(ctx, func(b *Batch) error {
		out = b.AddVisitReport(r)
		return nil
	})
	return out, err
}

func (s *Store) UpdateVisitReport(ctx context.Context, id string, patch ReportPatch) (domain.VisitReport, error) {
	var out domain.VisitReport
	err := s.Apply(ctx, func(b *Batch) error {
		var err error
		out, err = b.UpdateVisitReport(id, patch)
		return err
	})
	return out, err
}

func (s *Store) User(id string) (domain.User, error) {
	if u, ok := s.Snapshot().User(id); ok {
		return u, nil
	}
	return domain.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
}

func (s *Store) UserByEmail(email string) (domain.User, error) {
	if u, ok := s.Snapshot().UserByEmail(email); ok {
		return u, nil
	}
	return domain.User{}, fmt.Errorf("user %s: %w", email, ErrNotFound)
}

func (s *Store) Users() []domain.User { return s.Snapshot().Users }

func (s *Store) Company(id string) (domain.Company, error) {
	if c, ok := s.Snapshot().Company(id); ok {
		return c, nil
	}
	return domain.Company{}, fmt.Errorf("company %s: %w", id, ErrNotFound)
}

func (s *Store) Companies() []domain.Company { return s.Snapshot().Companies }

func (s *Store) Task(id string) (domain.Task, error) {
	if t, ok := s.Snapshot().Task(id); ok {
		return t, nil
	}
	return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

func (s *Store) Tasks() []domain.Task { return s.Snapshot().Tasks }

func (s *Store) TasksByUser(userID string) []domain.Task {
	return s.Snapshot().TasksWhere(func(t domain.Task) bool { return t.SalespersonID == userID })
}

func (s *Store) TasksByCompany(companyID string) []domain.Task {
	return s.Snapshot().TasksWhere(func(t domain.Task) bool { return t.CompanyID == companyID })
}

func (s *Store) VisitReport(id string) (domain.VisitReport, error) {
	if r, ok := s.Snapshot().VisitReport(id); ok {
		return r, nil
	}
	return domain.VisitReport{}, fmt.Errorf("visit report %s: %w", id, ErrNotFound)
}

func (s *Store) ReportForTask(taskID string) (domain.VisitReport, error) {
	if r, ok := s.Snapshot().ReportForTask(taskID); ok {
		return r, nil
	}
	return domain.VisitReport{}, fmt.Errorf("visit report for task %s: %w", taskID, ErrNotFound)
}

func (s *Store) ReportsByUser(userID string) []domain.VisitReport {
	return s.Snapshot().ReportsWhere(func(r domain.VisitReport) bool { return r.SalespersonID == userID })
}

func (s *Store) ReportsByCompany(companyID string) []domain.VisitReport {
	return s.Snapshot().ReportsWhere(func(r domain.VisitReport) bool { return r.CompanyID == companyID })
}

// Batch is a working copy of the collections inside Apply.
type Batch struct {
	snap    Snapshot
	now     time.Time
	changed bool
}

// Snapshot returns the working copy including changes made so far.
func (b *Batch) Snapshot() Snapshot { return b.snap }

// Now is the timestamp used for every change in the batch.
func (b *Batch) Now() time.Time { return b.now }

// touch returns a timestamp strictly after prev.
func (b *Batch) touch(prev time.Time) time.Time {
	if b.now.After(prev) {
		return b.now
	}
	return prev.Add(time.Millisecond)
}

func newID(id string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return uuid.NewString()
}

func (b *Batch) AddUser(u domain.User) domain.User {
	u.ID = newID(u.ID)
	u.CreatedAt = b.now
	u.IsActive = true
	b.snap.Users = append(b.snap.Users, u)
	b.changed = true
	return u
}

func (b *Batch) AddCompany(c domain.Company) domain.Company {
	c.ID = newID(c.ID)
	c.Contacts = withContactIDs(c.Contacts)
	c.CreatedAt = b.now
	c.UpdatedAt = b.now
	b.snap.Companies = append(b.snap.Companies, c)
	b.changed = true
	return c
}

// CompanyPatch carries the fields to change; nil leaves a field as is.
type CompanyPatch struct {
	Name     *string
	Address  *domain.Address
	Contacts *[]domain.Contact
	Notes    *string
}

func (b *Batch) UpdateCompany(id string, p CompanyPatch) (domain.Company, error) {
	idx := slices.IndexFunc(b.snap.Companies, func(c domain.Company) bool { return c.ID == id })
	if idx < 0 {
		return domain.Company{}, fmt.Errorf("company %s: %w", id, ErrNotFound)
	}
	c := b.snap.Companies[idx]
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Address != nil {
		c.Address = *p.Address
	}
	if p.Contacts != nil {
		c.Contacts = withContactIDs(*p.Contacts)
	}
	if p.Notes != nil {
		c.Notes = *p.Notes
	}
	c.UpdatedAt = b.touch(c.UpdatedAt)
	b.snap.Companies[idx] = c
	b.changed = true
	return c, nil
}

func withContactIDs(in []domain.Contact) []domain.Contact {
	out := make([]domain.Contact, len(in))
	for i, c := range in {
		c.ID = newID(c.ID)
		out[i] = c
	}
	return out
}

func (b *Batch) AddTask(t domain.Task) domain.Task {
	t.ID = newID(t.ID)
	if t.Status == "" {
		t.Status = domain.StatusAssigned
	}
	t.DueAt = t.DueAt.UTC()
	if t.ContactHint != nil {
		hint := *t.ContactHint
		t.ContactHint = &hint
	}
	t.CreatedAt = b.now
	t.UpdatedAt = b.now
	b.snap.Tasks = append(b.snap.Tasks, t)
	b.changed = true
	return t
}

// TaskPatch carries the fields to change; nil leaves a field as is.
type TaskPatch struct {
	CompanyID         *string
	SalespersonID     *string
	DueAt             *time.Time
	AssignedByAdminID *string
	ContactHint       *domain.ContactHint
	Through           *string
	Notes             *string
	Status            *domain.TaskStatus
}

func (b *Batch) UpdateTask(id string, p TaskPatch) (domain.Task, error) {
	idx := slices.IndexFunc(b.snap.Tasks, func(t domain.Task) bool { return t.ID == id })
	if idx < 0 {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t := b.snap.Tasks[idx]
	if p.CompanyID != nil {
		t.CompanyID = *p.CompanyID
	}
	if p.SalespersonID != nil {
		t.SalespersonID = *p.SalespersonID
	}
	if p.DueAt != nil {
		t.DueAt = p.DueAt.UTC()
	}
	if p.AssignedByAdminID != nil {
		t.AssignedByAdminID = *p.AssignedByAdminID
	}
	if p.ContactHint != nil {
		if p.ContactHint.IsZero() {
			t.ContactHint = nil
		} else {
			hint := *p.ContactHint
			t.ContactHint = &hint
		}
	}
	if p.Through != nil {
		t.Through = optional(*p.Through)
	}
	if p.Notes != nil {
		t.Notes = optional(*p.Notes)
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	t.UpdatedAt = b.touch(t.UpdatedAt)
	b.snap.Tasks[idx] = t
	b.changed = true
	return t, nil
}

func (b *Batch) AddVisitReport(r domain.VisitReport) domain.VisitReport {
	r.ID = newID(r.ID)
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = b.now
	}
	b.snap.VisitReports = append(b.snap.VisitReports, r)
	b.changed = true
	return r
}

// ReportPatch carries the fields to change; nil leaves a field as is.
type ReportPatch struct {
	CheckIn        *domain.Checkpoint
	CheckOut       *domain.Checkpoint
	ActualContact  *domain.ActualContact
	Outcome        *domain.Outcome
	OrderValue     *float64
	Notes          *string
	NextFollowUpAt *time.Time
	VisitDuration  *int
	SubmittedAt    *time.Time
}

func (b *Batch) UpdateVisitReport(id string, p ReportPatch) (domain.VisitReport, error) {
	idx := slices.IndexFunc(b.snap.VisitReports, func(r domain.VisitReport) bool { return r.ID == id })
	if idx < 0 {
		return domain.VisitReport{}, fmt.Errorf("visit report %s: %w", id, ErrNotFound)
	}
	r := b.snap.VisitReports[idx]
	if p.CheckIn != nil {
		cp := *p.CheckIn
		r.CheckIn = &cp
	}
	if p.CheckOut != nil {
		cp := *p.CheckOut
		r.CheckOut = &cp
	}
	if p.ActualContact != nil {
		ac := *p.ActualContact
		r.ActualContact = &ac
	}
	if p.Outcome != nil {
		o := *p.Outcome
		r.Outcome = &o
	}
	if p.OrderValue != nil {
		v := *p.OrderValue
		r.OrderValue = &v
	}
	if p.Notes != nil {
		r.Notes = optional(*p.Notes)
	}
	if p.NextFollowUpAt != nil {
		at := p.NextFollowUpAt.UTC()
		r.NextFollowUpAt = &at
	}
	if p.VisitDuration != nil {
		d := *p.VisitDuration
		r.VisitDuration = &d
	}
	if p.SubmittedAt != nil {
		r.SubmittedAt = p.SubmittedAt.UTC()
	}
	b.snap.VisitReports[idx] = r
	b.changed = true
	return r, nil
}

func optional(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}
