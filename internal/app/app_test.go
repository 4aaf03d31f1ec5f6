package app_test

import (
	"context"
	"testing"
	"time"

	"fieldcrm/internal/app"
	"fieldcrm/internal/config"
	"fieldcrm/internal/domain"
	"fieldcrm/internal/engine"
)

func testConfig(driver string) *config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = driver
	cfg.CRM.Timezone = "UTC"
	cfg.Directory.BcryptCost = 4
	return cfg
}

func engineCompany() engine.CompanyInput {
	return engine.CompanyInput{Name: "Northwind Traders", Address: domain.Address{City: "Chennai", State: "Tamil Nadu"}}
}

func TestOpenSeedsEmptyWorkspace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	a, err := app.Open(ctx, app.Options{Workspace: dir, Config: testConfig(config.DriverSQLite), Now: now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if n := len(a.Store.Users()); n != 5 {
		t.Fatalf("expected demo users, got %d", n)
	}
	u, err := a.Directory.Authenticate(ctx, "admin@crm.com", "admin123")
	if err != nil || u == nil || u.Role != domain.RoleAdmin {
		t.Fatalf("demo admin login = %+v, %v", u, err)
	}
	if _, err := a.Engine.AddCompany(ctx, engineCompany(), u.ID); err != nil {
		t.Fatalf("add company: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := app.Open(ctx, app.Options{Workspace: dir, Config: testConfig(config.DriverSQLite), Now: now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if n := len(again.Store.Companies()); n != 6 {
		t.Fatalf("reopened workspace should keep data, got %d companies", n)
	}
	if clk := again.Clock(); clk.Location != time.UTC || !clk.Now.Equal(now()) {
		t.Fatalf("clock = %+v", clk)
	}
}

func TestOpenMemoryWithoutSeed(t *testing.T) {
	cfg := testConfig(config.DriverMemory)
	cfg.Directory.SeedDemoUsers = false
	a, err := app.Open(context.Background(), app.Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if n := len(a.Store.Users()); n != 0 {
		t.Fatalf("expected empty store, got %d users", n)
	}
	if wrote, err := a.Seed(context.Background(), false); err != nil || !wrote {
		t.Fatalf("seed = %v, %v", wrote, err)
	}
}
