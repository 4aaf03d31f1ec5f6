package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/engine"
	"fieldcrm/internal/events"
	"fieldcrm/internal/store"
)

// CredentialsKey is the backend key of the password directory.
const CredentialsKey = "crm-credentials"

// Credential is a stored password hash for one user.
type Credential struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Hash   string `json:"password_hash"`
}

// Directory checks email and password pairs against bcrypt hashes and
// resolves them to users of the entity store.
type Directory struct {
	Store   *store.Store
	Backend store.Backend
	Events  events.Log
	Cost    int
	Logger  *log.Logger

	mu     sync.Mutex
	creds  map[string]Credential
	loaded bool
}

func NewDirectory(st *store.Store, backend store.Backend, cost int) *Directory {
	return &Directory{Store: st, Backend: backend, Cost: cost}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (d *Directory) logger() *log.Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

func (d *Directory) record(ctx context.Context, evtType, userID, actorID string, payload events.EventPayload) {
	if d.Events == nil {
		return
	}
	if err := d.Events.Append(ctx, evtType, "user", userID, actorID, payload); err != nil {
		d.logger().Printf("directory: append %s event for user %s: %v", evtType, userID, err)
	}
}

func (d *Directory) cost() int {
	if d.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return d.Cost
}

// load reads the directory once. Callers hold d.mu.
func (d *Directory) load(ctx context.Context) error {
	if d.loaded {
		return nil
	}
	d.creds = map[string]Credential{}
	if d.Backend != nil {
		var list []Credential
		if _, _, err := d.Backend.Load(ctx, CredentialsKey, &list); err != nil {
			return fmt.Errorf("load %s: %w", CredentialsKey, err)
		}
		for _, c := range list {
			d.creds[emailKey(c.Email)] = c
		}
	}
	d.loaded = true
	return nil
}

func (d *Directory) save(ctx context.Context, creds map[string]Credential) error {
	list := make([]Credential, 0, len(creds))
	for _, c := range creds {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Email < list[j].Email })
	if d.Backend != nil {
		if err := d.Backend.Save(ctx, CredentialsKey, store.SchemaVersion, list); err != nil {
			return fmt.Errorf("save %s: %w", CredentialsKey, err)
		}
	}
	d.creds = creds
	return nil
}

func (d *Directory) hash(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost())
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// putCredential replaces the credential of u and persists the directory.
func (d *Directory) putCredential(ctx context.Context, u domain.User, hash []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.load(ctx); err != nil {
		return err
	}
	next := make(map[string]Credential, len(d.creds)+1)
	for k, c := range d.creds {
		if c.UserID != u.ID {
			next[k] = c
		}
	}
	next[emailKey(u.Email)] = Credential{UserID: u.ID, Email: emailKey(u.Email), Hash: string(hash)}
	return d.save(ctx, next)
}

// SetPassword stores a new password for an existing user.
func (d *Directory) SetPassword(ctx context.Context, userID, password string) error {
	u, err := d.Store.User(userID)
	if err != nil {
		return err
	}
	hash, err := d.hash(password)
	if err != nil {
		return err
	}
	return d.putCredential(ctx, u, hash)
}

// Create adds a user together with its password. The credential is persisted
// inside the store batch, so the user is only published once it can sign in;
// a failed write leaves neither behind. An empty password adds the user only.
func (d *Directory) Create(ctx context.Context, in engine.UserInput, password, actorID string) (domain.User, error) {
	u, err := d.create(ctx, in, password)
	if err != nil {
		return domain.User{}, err
	}
	d.record(ctx, events.UserAdded, u.ID, actorID, events.EventPayload{"role": string(u.Role), "email": u.Email})
	return u, nil
}

func (d *Directory) create(ctx context.Context, in engine.UserInput, password string) (domain.User, error) {
	if err := engine.Validate(in); err != nil {
		return domain.User{}, err
	}
	var hash []byte
	if password != "" {
		var err error
		if hash, err = d.hash(password); err != nil {
			return domain.User{}, err
		}
	}
	var u domain.User
	err := d.Store.Apply(ctx, func(b *store.Batch) error {
		var err error
		if u, err = engine.AddUserTo(b, in); err != nil {
			return err
		}
		if hash == nil {
			return nil
		}
		return d.putCredential(ctx, u, hash)
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Authenticate returns the user for a matching pair. Unknown emails, wrong
// passwords and inactive users all yield nil without an error.
func (d *Directory) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	d.mu.Lock()
	if err := d.load(ctx); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	cred, ok := d.creds[emailKey(email)]
	d.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.Hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, nil
		}
		return nil, fmt.Errorf("compare password: %w", err)
	}
	u, err := d.Store.User(cred.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, nil
	}
	return &u, nil
}

// SignupInput is the self-service registration form.
type SignupInput struct {
	Name            string `json:"name" validate:"required,min=2"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=6"`
	ConfirmPassword string `json:"confirm_password" validate:"omitempty,eqfield=Password"`
	Phone           string `json:"phone" validate:"required,phone"`
}

// Register creates an active sales user with a password.
func (d *Directory) Register(ctx context.Context, in SignupInput) (domain.User, error) {
	if err := engine.Validate(in); err != nil {
		return domain.User{}, err
	}
	u, err := d.create(ctx, engine.UserInput{
		Name:  in.Name,
		Email: in.Email,
		Role:  domain.RoleSales,
		Phone: in.Phone,
	}, in.Password)
	if err != nil {
		return domain.User{}, err
	}
	d.record(ctx, events.DirectorySignedUp, u.ID, u.ID, events.EventPayload{"email": u.Email})
	return u, nil
}
