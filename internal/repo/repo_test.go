package repo_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"fieldcrm/internal/db"
	"fieldcrm/internal/events"
	"fieldcrm/internal/migrate"
	"fieldcrm/internal/repo"
)

type record struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestStateRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	var out record
	if _, found, err := r.Load(ctx, "crm-data", &out); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}
	if err := r.Save(ctx, "crm-data", 1, record{Name: "first", Items: []string{"a"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.Save(ctx, "crm-data", 2, record{Name: "second", Items: []string{"b", "c"}}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	version, found, err := r.Load(ctx, "crm-data", &out)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if version != 2 || out.Name != "second" || len(out.Items) != 2 {
		t.Fatalf("unexpected record v%d %+v", version, out)
	}

	if err := r.Save(ctx, "crm-auth", 1, map[string]any{"is_authenticated": false}); err != nil {
		t.Fatalf("save auth: %v", err)
	}
	states, err := r.States(ctx)
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if len(states) != 2 || states[0].Key != "crm-auth" || states[1].Key != "crm-data" {
		t.Fatalf("unexpected states %+v", states)
	}
	if err := r.Delete(ctx, "crm-auth"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.Delete(ctx, "crm-auth"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	if err := migrate.Migrate(r.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Version(r.DB)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	all, err := migrate.All()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if want := all[len(all)-1].Version; v != want {
		t.Fatalf("expected version %d, got %d", want, v)
	}
	var applied int
	if err := r.DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != len(all) {
		t.Fatalf("expected %d ledger rows, got %d", len(all), applied)
	}
}

func TestEventWriterFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for _, evt := range []struct{ typ, id string }{
		{events.TaskAssigned, "t1"},
		{events.VisitCheckedIn, "t1"},
		{events.TaskAssigned, "t2"},
	} {
		if err := w.Append(ctx, evt.typ, "task", evt.id, "u-admin", events.EventPayload{"task_id": evt.id}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := w.Latest(ctx, events.Filter{Type: events.TaskAssigned})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(got) != 2 || got[0].EntityID != "t2" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	after, err := w.After(ctx, got[1].ID, 10)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(after) != 2 || after[0].Type != events.VisitCheckedIn {
		t.Fatalf("unexpected events after cursor: %+v", after)
	}
	last, err := w.LatestID(ctx)
	if err != nil || last != got[0].ID {
		t.Fatalf("latest id %d err %v", last, err)
	}
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("FIELDCRM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FIELDCRM_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "fieldcrm-test:" + time.Now().Format("150405.000000") + ":"
	r, err := repo.NewRedis(ctx, repo.RedisOptions{Addr: addr, Prefix: prefix})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()
	defer r.Client.Del(ctx, prefix+"crm-data", prefix+"events", prefix+"events:seq")

	if err := r.Save(ctx, "crm-data", 1, record{Name: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out record
	v, found, err := r.Load(ctx, "crm-data", &out)
	if err != nil || !found || v != 1 || out.Name != "x" {
		t.Fatalf("load v=%d found=%v err=%v out=%+v", v, found, err, out)
	}
	if err := r.Append(ctx, events.TaskAssigned, "task", "t1", "u1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := r.Latest(ctx, events.Filter{})
	if err != nil || len(got) != 1 {
		t.Fatalf("latest %+v err %v", got, err)
	}
}
