package auth

import (
	"context"
	"fmt"
	"log"

	"fieldcrm/internal/store"
)

// SessionKey is the backend key of the persisted session.
const SessionKey = "crm-auth"

// SessionStore keeps the current session apart from the entity data.
type SessionStore struct {
	Backend store.Backend
	Logger  *log.Logger
}

func (s SessionStore) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Load returns the persisted session, or an anonymous one when none is stored.
func (s SessionStore) Load(ctx context.Context) (Session, error) {
	var sess Session
	if s.Backend == nil {
		return sess, nil
	}
	version, found, err := s.Backend.Load(ctx, SessionKey, &sess)
	if err != nil {
		return Session{}, fmt.Errorf("load %s: %w", SessionKey, err)
	}
	if !found {
		return Session{}, nil
	}
	if version != store.SchemaVersion {
		s.logger().Printf("auth: %s has schema version %d, expected %d; using it unchanged", SessionKey, version, store.SchemaVersion)
	}
	if sess.User == nil {
		sess.IsAuthenticated = false
	}
	return sess, nil
}

func (s SessionStore) Save(ctx context.Context, sess Session) error {
	if s.Backend == nil {
		return nil
	}
	if err := s.Backend.Save(ctx, SessionKey, store.SchemaVersion, sess); err != nil {
		return fmt.Errorf("save %s: %w", SessionKey, err)
	}
	return nil
}

// Clear stores a signed-out session.
func (s SessionStore) Clear(ctx context.Context) error {
	var sess Session
	sess.Logout()
	return s.Save(ctx, sess)
}
