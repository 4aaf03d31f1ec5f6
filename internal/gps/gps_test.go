package gps

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"fieldcrm/internal/domain"
)

func TestCaptureTimeoutIsDistinct(t *testing.T) {
	slow := LocatorFunc(func(ctx context.Context, _ Options) (Position, error) {
		<-ctx.Done()
		return Position{}, ctx.Err()
	})
	_, err := Capture(context.Background(), slow, Options{Timeout: 20 * time.Millisecond})
	if ReasonOf(err) != Timeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !errors.Is(err, &Error{Reason: Timeout}) {
		t.Fatalf("errors.Is should match by reason")
	}
	if errors.Is(err, &Error{Reason: PermissionDenied}) {
		t.Fatalf("timeout must not match permission_denied")
	}
}

func TestCaptureIgnoringLocatorStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := LocatorFunc(func(context.Context, Options) (Position, error) {
		<-release
		return Position{}, nil
	})
	start := time.Now()
	_, err := Capture(context.Background(), stuck, Options{Timeout: 20 * time.Millisecond})
	if ReasonOf(err) != Timeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("capture did not honour its timeout")
	}
}

func TestCapturePassesThroughTypedErrors(t *testing.T) {
	for _, reason := range []Reason{PermissionDenied, PositionUnavailable} {
		loc := LocatorFunc(func(context.Context, Options) (Position, error) {
			return Position{}, &Error{Reason: reason}
		})
		_, err := Capture(context.Background(), loc, DefaultOptions)
		if ReasonOf(err) != reason {
			t.Fatalf("expected %s, got %v", reason, err)
		}
	}
	if _, err := Capture(context.Background(), nil, DefaultOptions); ReasonOf(err) != Unsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestCaptureRejectsImpossibleFix(t *testing.T) {
	loc := Static{Position: Position{Lat: 120, Lng: 0}}
	if _, err := Capture(context.Background(), loc, DefaultOptions); ReasonOf(err) != PositionUnavailable {
		t.Fatalf("expected position_unavailable, got %v", err)
	}
}

func TestDialogDiscardsLateFix(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	loc := LocatorFunc(func(context.Context, Options) (Position, error) {
		close(started)
		<-release
		return Position{Lat: 28.6, Lng: 77.2, Timestamp: time.Now()}, nil
	})
	d := &Dialog{Locator: loc, Options: Options{Timeout: 5 * time.Second}}
	gen := d.Open()

	errc := make(chan error, 1)
	go func() {
		_, err := d.Capture(context.Background(), gen)
		errc <- err
	}()
	<-started
	d.Close()
	close(release)

	if err := <-errc; !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale fix to be discarded, got %v", err)
	}
	if d.Current(gen) {
		t.Fatalf("closed generation still current")
	}

	next := d.Open()
	d.Locator = Static{Position: Position{Lat: 28.6, Lng: 77.2}}
	pos, err := d.Capture(context.Background(), next)
	if err != nil {
		t.Fatalf("fresh capture: %v", err)
	}
	if pos.Timestamp.IsZero() {
		t.Fatalf("expected timestamp on fix")
	}
	if _, err := d.Capture(context.Background(), gen); !errors.Is(err, ErrStale) {
		t.Fatalf("old generation must be stale, got %v", err)
	}
}

func TestDistance(t *testing.T) {
	delhi := Point{Lat: 28.6139, Lng: 77.2090}
	gurgaon := Point{Lat: 28.4595, Lng: 77.0266}
	d := Distance(delhi, gurgaon)
	if d < 24000 || d > 26000 {
		t.Fatalf("unexpected distance %.0fm", d)
	}
	if Distance(delhi, delhi) != 0 {
		t.Fatalf("distance to self must be 0")
	}
}

func TestDirectionsURL(t *testing.T) {
	dest := Point{Lat: 28.4595, Lng: 77.0266}
	if got := DirectionsURL(dest, nil); got != "https://www.google.com/maps/dir/28.4595,77.0266" {
		t.Fatalf("unexpected url %s", got)
	}
	origin := Point{Lat: 28.6139, Lng: 77.209}
	if got := DirectionsURL(dest, &origin); got != "https://www.google.com/maps/dir/28.6139,77.209/28.4595,77.0266" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestFormatCoordinates(t *testing.T) {
	if got := FormatCoordinates(nil); got != "N/A" {
		t.Fatalf("got %q", got)
	}
	got := FormatCoordinates(&domain.GPS{Lat: 28.4595, Lng: 77.0266, Accuracy: 12.4})
	if got != "28.459500, 77.026600 (±12m)" {
		t.Fatalf("got %q", got)
	}
	if math.IsNaN(Distance(Point{}, Point{Lat: 90})) {
		t.Fatalf("distance produced NaN")
	}
}
