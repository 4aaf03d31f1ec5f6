package auth

import (
	"fmt"
	"strings"

	"fieldcrm/internal/domain"
)

// Views the gate redirects between.
const (
	LoginView = "/login"
	AdminHome = "/admin"
	SalesHome = "/sales"
)

// ForbiddenError indicates the session lacks the role a view requires.
type ForbiddenError struct {
	Required domain.Role
	Redirect string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Required)
}

// Session is the signed-in user, if any.
type Session struct {
	User            *domain.User `json:"user"`
	IsAuthenticated bool         `json:"is_authenticated"`
}

// Login replaces the session user.
func (s *Session) Login(u domain.User) {
	s.User = &u
	s.IsAuthenticated = true
}

func (s *Session) Logout() {
	s.User = nil
	s.IsAuthenticated = false
}

// HasRole is false for an anonymous session.
func (s Session) HasRole(role domain.Role) bool {
	return s.IsAuthenticated && s.User != nil && s.User.Role == role
}

// Role returns the session role or "" when signed out.
func (s Session) Role() domain.Role {
	if !s.IsAuthenticated || s.User == nil {
		return ""
	}
	return s.User.Role
}

// Home is the landing view of a role.
func Home(role domain.Role) string {
	switch role {
	case domain.RoleAdmin:
		return AdminHome
	case domain.RoleSales:
		return SalesHome
	}
	return LoginView
}

// scoped views with a counterpart under the other role.
var equivalents = map[string]map[domain.Role]string{
	"/admin/tasks": {domain.RoleSales: "/sales/tasks"},
	"/sales/tasks": {domain.RoleAdmin: "/admin/tasks"},
}

// Equivalent maps a view of one role onto the closest view for role.
func Equivalent(view string, role domain.Role) string {
	view = normalize(view)
	if RequiredRole(view) == role {
		return view
	}
	if alt, ok := equivalents[view][role]; ok {
		return alt
	}
	return Home(role)
}

// RequiredRole is the role that owns a view, or "" for public views.
func RequiredRole(view string) domain.Role {
	view = normalize(view)
	switch {
	case view == AdminHome || strings.HasPrefix(view, AdminHome+"/"):
		return domain.RoleAdmin
	case view == SalesHome || strings.HasPrefix(view, SalesHome+"/"):
		return domain.RoleSales
	}
	return ""
}

func normalize(view string) string {
	view = strings.TrimSpace(view)
	if view == "" {
		return "/"
	}
	if !strings.HasPrefix(view, "/") {
		view = "/" + view
	}
	if len(view) > 1 {
		view = strings.TrimRight(view, "/")
	}
	return view
}

// Decision is the outcome of a gate check. Redirect is set when not allowed.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Redirect string `json:"redirect,omitempty"`
}

// Gate admits sessions into role-scoped views.
type Gate struct{}

// Resolve admits an authenticated session holding one of required. With no
// roles listed any signed-in user is admitted.
func (Gate) Resolve(s Session, required ...domain.Role) Decision {
	if !s.IsAuthenticated || s.User == nil {
		return Decision{Redirect: LoginView}
	}
	if len(required) == 0 {
		return Decision{Allowed: true}
	}
	for _, r := range required {
		if s.User.Role == r {
			return Decision{Allowed: true}
		}
	}
	return Decision{Redirect: Home(s.User.Role)}
}

// ResolveView checks a concrete view and sends a wrong-role session to the
// equivalent view of its own role.
func (g Gate) ResolveView(s Session, view string) Decision {
	required := RequiredRole(view)
	if required == "" {
		return g.Resolve(s)
	}
	d := g.Resolve(s, required)
	if !d.Allowed && d.Redirect != LoginView {
		d.Redirect = Equivalent(view, s.User.Role)
	}
	return d
}

// Require converts a denied decision into a ForbiddenError.
func (g Gate) Require(s Session, role domain.Role) error {
	d := g.Resolve(s, role)
	if d.Allowed {
		return nil
	}
	return ForbiddenError{Required: role, Redirect: d.Redirect}
}
