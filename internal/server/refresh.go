package server

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"fieldcrm/internal/app"
)

// Refresher recomputes the task gauges on a cron schedule so overdue counts
// move as days pass without any request arriving.
type Refresher struct {
	cron  *cron.Cron
	app   *app.App
	log   *log.Logger
	jobID cron.EntryID
}

// StartRefresher refreshes once immediately, then on schedule
// (standard cron syntax or descriptors such as "@every 1m").
func StartRefresher(a *app.App, schedule string, logger *log.Logger) (*Refresher, error) {
	if logger == nil {
		logger = log.Default()
	}
	r := &Refresher{cron: cron.New(), app: a, log: logger}
	if schedule == "" {
		schedule = "@every 1m"
	}
	id, err := r.cron.AddFunc(schedule, r.refresh)
	if err != nil {
		return nil, fmt.Errorf("schedule metrics refresh %q: %w", schedule, err)
	}
	r.jobID = id
	r.refresh()
	r.cron.Start()
	return r, nil
}

func (r *Refresher) refresh() {
	if r.app == nil || r.app.Metrics == nil {
		return
	}
	r.app.Metrics.Refresh(r.app.Store.Snapshot(), r.app.Clock())
}

// Stop halts the schedule and waits for a running refresh.
func (r *Refresher) Stop() {
	if r == nil {
		return
	}
	r.cron.Remove(r.jobID)
	<-r.cron.Stop().Done()
	r.log.Printf("metrics refresher stopped")
}
