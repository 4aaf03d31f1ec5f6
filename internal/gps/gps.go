// Package gps defines the position-fix collaborator used at check-in and
// check-out, plus the helpers that turn fixes into map markers and links.
package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldcrm/internal/domain"
)

// Reason classifies why a fix could not be obtained.
type Reason string

const (
	PermissionDenied    Reason = "permission_denied"
	PositionUnavailable Reason = "position_unavailable"
	Timeout             Reason = "timeout"
	Unsupported         Reason = "unsupported"
)

// Error is returned for every failed fix.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gps: %s", e.Reason)
	}
	return fmt.Sprintf("gps: %s: %s", e.Reason, e.Message)
}

// Is matches another *Error with the same reason, so callers can write
// errors.Is(err, &gps.Error{Reason: gps.Timeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

// ReasonOf extracts the failure reason, or "" for other errors.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// ErrStale is returned when a fix arrives after its dialog was closed.
var ErrStale = errors.New("gps: fix arrived after the request was abandoned")

// Position is a single fix.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// GPS converts the fix to the form stored on a visit report.
func (p Position) GPS() *domain.GPS {
	return &domain.GPS{Lat: p.Lat, Lng: p.Lng, Accuracy: p.Accuracy, Timestamp: p.Timestamp.UTC()}
}

// Options mirror the knobs a positioning provider accepts.
type Options struct {
	EnableHighAccuracy bool
	Timeout            time.Duration
	MaximumAge         time.Duration
}

// DefaultOptions are used when a caller passes zero Options.
var DefaultOptions = Options{
	EnableHighAccuracy: true,
	Timeout:            10 * time.Second,
	MaximumAge:         60 * time.Second,
}

// Locator produces position fixes.
type Locator interface {
	CurrentPosition(ctx context.Context, opts Options) (Position, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, opts Options) (Position, error)

func (f LocatorFunc) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	return f(ctx, opts)
}

// Static always returns the same fix.
type Static struct {
	Position Position
	Now      func() time.Time
}

func (s Static) CurrentPosition(ctx context.Context, _ Options) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	p := s.Position
	if p.Timestamp.IsZero() {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		p.Timestamp = now()
	}
	return p, nil
}

// Capture asks loc for a fix bounded by opts.Timeout. A nil locator is
// reported as unsupported and an expired deadline as timeout; other context
// errors are returned unchanged.
func Capture(ctx context.Context, loc Locator, opts Options) (Position, error) {
	if loc == nil {
		return Position{}, &Error{Reason: Unsupported, Message: "no position provider available"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type result struct {
		pos Position
		err error
	}
	done := make(chan result, 1)
	go func() {
		pos, err := loc.CurrentPosition(ctx, opts)
		done <- result{pos, err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			if err := validate(res.pos); err != nil {
				return Position{}, err
			}
			return res.pos, nil
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return Position{}, &Error{Reason: Timeout, Message: fmt.Sprintf("no fix within %s", opts.Timeout)}
		}
		return Position{}, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Position{}, &Error{Reason: Timeout, Message: fmt.Sprintf("no fix within %s", opts.Timeout)}
		}
		return Position{}, ctx.Err()
	}
}

func validate(p Position) error {
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return &Error{Reason: PositionUnavailable, Message: fmt.Sprintf("fix out of range (%f, %f)", p.Lat, p.Lng)}
	}
	if p.Accuracy < 0 {
		return &Error{Reason: PositionUnavailable, Message: "negative accuracy"}
	}
	return nil
}

// Dialog ties fixes to the lifetime of one check-in or check-out prompt.
// Close bumps the generation, and any capture started before that resolves
// with ErrStale instead of its fix.
type Dialog struct {
	Locator Locator
	Options Options

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
}

// Open starts a new generation and returns it.
func (d *Dialog) Open() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
	return d.generation
}

// Close abandons the current generation and cancels its pending capture.
func (d *Dialog) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// Current reports whether gen is still the live generation.
func (d *Dialog) Current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation == gen
}

// Capture obtains a fix for generation gen.
func (d *Dialog) Capture(ctx context.Context, gen uint64) (Position, error) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.generation != gen {
		d.mu.Unlock()
		cancel()
		return Position{}, ErrStale
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	opts := d.Options
	if opts == (Options{}) {
		opts = DefaultOptions
	}
	pos, err := Capture(ctx, d.Locator, opts)
	if !d.Current(gen) {
		return Position{}, ErrStale
	}
	return pos, err
}
