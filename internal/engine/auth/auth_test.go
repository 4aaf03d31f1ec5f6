package auth_test

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/engine"
	"fieldcrm/internal/engine/auth"
	"fieldcrm/internal/events"
	"fieldcrm/internal/store"
)

func session(role domain.Role) auth.Session {
	var s auth.Session
	s.Login(domain.User{ID: "u1", Name: "Someone", Role: role, IsActive: true})
	return s
}

func TestGateRedirects(t *testing.T) {
	var g auth.Gate
	cases := []struct {
		name    string
		session auth.Session
		view    string
		allowed bool
		to      string
	}{
		{"anonymous to admin", auth.Session{}, "/admin", false, auth.LoginView},
		{"anonymous to sales tasks", auth.Session{}, "/sales/tasks", false, auth.LoginView},
		{"admin home", session(domain.RoleAdmin), "/admin", true, ""},
		{"sales on admin tasks", session(domain.RoleSales), "/admin/tasks", false, "/sales/tasks"},
		{"sales on admin users", session(domain.RoleSales), "/admin/users", false, auth.SalesHome},
		{"admin on sales tasks", session(domain.RoleAdmin), "/sales/tasks/", false, "/admin/tasks"},
		{"admin on sales history", session(domain.RoleAdmin), "/sales/history", false, auth.AdminHome},
		{"signed in on shared view", session(domain.RoleSales), "/profile", true, ""},
	}
	for _, c := range cases {
		d := g.ResolveView(c.session, c.view)
		if d.Allowed != c.allowed || d.Redirect != c.to {
			t.Fatalf("%s: got %+v", c.name, d)
		}
	}
}

func TestResolveByRole(t *testing.T) {
	var g auth.Gate
	if d := g.Resolve(session(domain.RoleSales), domain.RoleAdmin); d.Allowed || d.Redirect != auth.SalesHome {
		t.Fatalf("sales resolving admin = %+v", d)
	}
	if d := g.Resolve(session(domain.RoleSales), domain.RoleAdmin, domain.RoleSales); !d.Allowed {
		t.Fatalf("any listed role should pass")
	}
	err := g.Require(session(domain.RoleSales), domain.RoleAdmin)
	var ferr auth.ForbiddenError
	if !errors.As(err, &ferr) || ferr.Redirect != auth.SalesHome || ferr.Required != domain.RoleAdmin {
		t.Fatalf("require = %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	var s auth.Session
	if s.HasRole(domain.RoleAdmin) || s.Role() != "" {
		t.Fatalf("anonymous session has a role")
	}
	s.Login(domain.User{ID: "a", Role: domain.RoleAdmin})
	if !s.IsAuthenticated || !s.HasRole(domain.RoleAdmin) || s.HasRole(domain.RoleSales) {
		t.Fatalf("login state = %+v", s)
	}
	s.Logout()
	if s.IsAuthenticated || s.User != nil {
		t.Fatalf("logout left %+v", s)
	}
}

func TestSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	ss := auth.SessionStore{Backend: backend}
	got, err := ss.Load(ctx)
	if err != nil || got.IsAuthenticated {
		t.Fatalf("empty load = %+v, %v", got, err)
	}
	if err := ss.Save(ctx, session(domain.RoleSales)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = ss.Load(ctx)
	if err != nil || !got.HasRole(domain.RoleSales) || got.User.ID != "u1" {
		t.Fatalf("load = %+v, %v", got, err)
	}
	if err := ss.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ = ss.Load(ctx); got.IsAuthenticated {
		t.Fatalf("cleared session still authenticated")
	}

	if err := backend.Save(ctx, auth.SessionKey, 7, session(domain.RoleAdmin)); err != nil {
		t.Fatal(err)
	}
	if got, err = ss.Load(ctx); err != nil || !got.HasRole(domain.RoleAdmin) {
		t.Fatalf("other version should be adopted, got %+v, %v", got, err)
	}
	var data store.Snapshot
	if _, found, _ := backend.Load(ctx, store.DataKey, &data); found {
		t.Fatalf("session must not touch the data key")
	}
}

type dirEnv struct {
	ctx     context.Context
	store   *store.Store
	dir     *auth.Directory
	backend *store.MemoryBackend
}

func newDirEnv(t *testing.T) dirEnv {
	t.Helper()
	backend := store.NewMemoryBackend()
	st := store.New(store.Options{Backend: backend})
	dir := auth.NewDirectory(st, backend, bcrypt.MinCost)
	dir.Events = &events.Memory{}
	return dirEnv{ctx: context.Background(), store: st, dir: dir, backend: backend}
}

func TestAuthenticate(t *testing.T) {
	env := newDirEnv(t)
	u, err := env.store.AddUser(env.ctx, domain.User{Name: "Admin User", Email: "admin@crm.com", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.dir.SetPassword(env.ctx, u.ID, "admin123"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	got, err := env.dir.Authenticate(env.ctx, "ADMIN@crm.com", "admin123")
	if err != nil || got == nil || got.ID != u.ID {
		t.Fatalf("authenticate = %+v, %v", got, err)
	}
	if got, err := env.dir.Authenticate(env.ctx, "admin@crm.com", "wrong"); got != nil || err != nil {
		t.Fatalf("wrong password = %+v, %v", got, err)
	}
	if got, err := env.dir.Authenticate(env.ctx, "nobody@crm.com", "admin123"); got != nil || err != nil {
		t.Fatalf("unknown email = %+v, %v", got, err)
	}

	reloaded := auth.NewDirectory(env.store, env.backend, bcrypt.MinCost)
	if got, err := reloaded.Authenticate(env.ctx, "admin@crm.com", "admin123"); err != nil || got == nil {
		t.Fatalf("credentials not persisted: %+v, %v", got, err)
	}
}

func TestAuthenticateRejectsInactiveUsers(t *testing.T) {
	env := newDirEnv(t)
	err := env.store.Reset(env.ctx, store.Snapshot{Users: []domain.User{
		{ID: "gone", Name: "Former", Email: "former@crm.com", Role: domain.RoleSales, IsActive: false},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.dir.SetPassword(env.ctx, "gone", "sales123"); err != nil {
		t.Fatal(err)
	}
	if got, err := env.dir.Authenticate(env.ctx, "former@crm.com", "sales123"); got != nil || err != nil {
		t.Fatalf("inactive user = %+v, %v", got, err)
	}
}

func TestRegister(t *testing.T) {
	env := newDirEnv(t)
	u, err := env.dir.Register(env.ctx, auth.SignupInput{
		Name:            "Sneha Patel",
		Email:           "Sneha@crm.com",
		Password:        "sales123",
		ConfirmPassword: "sales123",
		Phone:           "+91 98765-43214",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Role != domain.RoleSales || !u.IsActive || u.Email != "sneha@crm.com" {
		t.Fatalf("registered user = %+v", u)
	}
	if got, _ := env.dir.Authenticate(env.ctx, "sneha@crm.com", "sales123"); got == nil {
		t.Fatalf("registered user cannot sign in")
	}

	cases := []struct {
		in    auth.SignupInput
		field string
	}{
		{auth.SignupInput{Name: "S", Email: "s@crm.com", Password: "secret1", Phone: "9876543210"}, "name"},
		{auth.SignupInput{Name: "Sam", Email: "not-an-email", Password: "secret1", Phone: "9876543210"}, "email"},
		{auth.SignupInput{Name: "Sam", Email: "sam@crm.com", Password: "12345", Phone: "9876543210"}, "password"},
		{auth.SignupInput{Name: "Sam", Email: "sam@crm.com", Password: "secret1", ConfirmPassword: "secret2", Phone: "9876543210"}, "confirm_password"},
		{auth.SignupInput{Name: "Sam", Email: "sam@crm.com", Password: "secret1", Phone: "0987"}, "phone"},
		{auth.SignupInput{Name: "Sam", Email: "sneha@crm.com", Password: "secret1", Phone: "9876543210"}, "email"},
	}
	for _, c := range cases {
		_, err := env.dir.Register(env.ctx, c.in)
		var verr engine.ValidationError
		if !errors.As(err, &verr) || verr.Field != c.field {
			t.Fatalf("register %+v: expected %s error, got %v", c.in, c.field, err)
		}
	}
	if n := len(env.store.Users()); n != 1 {
		t.Fatalf("rejected signups stored users: %d", n)
	}
}

// flakyBackend fails saves of one key while broken is set.
type flakyBackend struct {
	*store.MemoryBackend
	key    string
	broken bool
}

func (f *flakyBackend) Save(ctx context.Context, key string, version int, v any) error {
	if f.broken && key == f.key {
		return errors.New("disk full")
	}
	return f.MemoryBackend.Save(ctx, key, version, v)
}

// offlineLog rejects every append.
type offlineLog struct{ events.Memory }

func (l *offlineLog) Append(context.Context, string, string, string, string, events.EventPayload) error {
	return errors.New("log offline")
}

func TestRegisterIsRetryableAfterCredentialWriteFails(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: store.NewMemoryBackend(), key: auth.CredentialsKey, broken: true}
	st := store.New(store.Options{Backend: backend})
	dir := auth.NewDirectory(st, backend, bcrypt.MinCost)
	in := auth.SignupInput{Name: "Kiran Rao", Email: "kiran@crm.com", Password: "kiran123", Phone: "9876543210"}

	if _, err := dir.Register(ctx, in); err == nil {
		t.Fatalf("expected credential write to fail")
	}
	if n := len(st.Users()); n != 0 {
		t.Fatalf("failed signup left %d users", n)
	}
	var stored store.Snapshot
	if _, found, _ := backend.Load(ctx, store.DataKey, &stored); found && len(stored.Users) != 0 {
		t.Fatalf("failed signup persisted users: %+v", stored.Users)
	}

	backend.broken = false
	u, err := dir.Register(ctx, in)
	if err != nil {
		t.Fatalf("retry register: %v", err)
	}
	got, err := dir.Authenticate(ctx, "kiran@crm.com", "kiran123")
	if err != nil || got == nil || got.ID != u.ID {
		t.Fatalf("cannot sign in after retry: %+v, %v", got, err)
	}
}

func TestCreateAddsUserAndCredentialTogether(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: store.NewMemoryBackend(), key: auth.CredentialsKey, broken: true}
	st := store.New(store.Options{Backend: backend})
	dir := auth.NewDirectory(st, backend, bcrypt.MinCost)
	mem := &events.Memory{}
	dir.Events = mem
	in := engine.UserInput{Name: "Priya Sharma", Email: "priya@crm.com", Role: domain.RoleSales}

	if _, err := dir.Create(ctx, in, "sales123", "admin"); err == nil {
		t.Fatalf("expected credential write to fail")
	}
	if n := len(st.Users()); n != 0 {
		t.Fatalf("failed create left %d users", n)
	}
	if id, _ := mem.LatestID(ctx); id != 0 {
		t.Fatalf("failed create logged %d events", id)
	}

	backend.broken = false
	u, err := dir.Create(ctx, in, "sales123", "admin")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := dir.Authenticate(ctx, "priya@crm.com", "sales123"); got == nil || got.ID != u.ID {
		t.Fatalf("created user cannot sign in: %+v", got)
	}
	evts, _ := mem.Latest(ctx, events.Filter{Type: events.UserAdded})
	if len(evts) != 1 || evts[0].EntityID != u.ID || evts[0].ActorID != "admin" {
		t.Fatalf("expected one user.added event, got %+v", evts)
	}

	noPassword, err := dir.Create(ctx, engine.UserInput{Name: "Amit Singh", Email: "amit@crm.com", Role: domain.RoleSales}, "", "admin")
	if err != nil {
		t.Fatalf("create without password: %v", err)
	}
	if got, _ := dir.Authenticate(ctx, "amit@crm.com", ""); got != nil {
		t.Fatalf("user without password signed in: %+v", noPassword)
	}
}

func TestRegisterSucceedsWhenEventLogFails(t *testing.T) {
	env := newDirEnv(t)
	env.dir.Events = &offlineLog{}
	u, err := env.dir.Register(env.ctx, auth.SignupInput{Name: "Sneha Patel", Email: "sneha@crm.com", Password: "sales123", Phone: "9876543214"})
	if err != nil {
		t.Fatalf("register should not fail on the audit log: %v", err)
	}
	if got, _ := env.dir.Authenticate(env.ctx, "sneha@crm.com", "sales123"); got == nil || got.ID != u.ID {
		t.Fatalf("registered user cannot sign in")
	}
}
