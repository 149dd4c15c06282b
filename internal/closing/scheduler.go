package closing

import (
	"context"
	"errors"
	"log"
	"time"

	"rksv-fiscal-service/internal/dep"
	"rksv-fiscal-service/internal/tenants"
)

// Scheduler fires the daily closing run for every active tenant at a
// configured local time. One tenant's failure is logged and never blocks the
// remaining tenants.
type Scheduler struct {
	orchestrator *Orchestrator
	exporter     *dep.Exporter
	delivery     *dep.DeliveryClient
	registry     *tenants.Registry
	hour         int
	minute       int
	verbose      bool
}

// NewScheduler creates the daily closing scheduler. delivery may be nil when
// FinanzOnline submission is disabled.
func NewScheduler(orchestrator *Orchestrator, exporter *dep.Exporter, delivery *dep.DeliveryClient, registry *tenants.Registry, hour, minute int, verbose bool) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		exporter:     exporter,
		delivery:     delivery,
		registry:     registry,
		hour:         hour,
		minute:       minute,
		verbose:      verbose,
	}
}

// Start launches the scheduling loop in a background goroutine. It returns
// immediately; the loop ends when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		for {
			wait := s.untilNextRun(time.Now())
			if s.verbose {
				log.Printf("[SCHEDULER] Next closing run in %v", wait.Round(time.Second))
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// untilNextRun computes the wait until the next configured run time. The run
// time is evaluated per server clock; day bounds are still tenant-local.
func (s *Scheduler) untilNextRun(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next.Sub(now)
}

// RunOnce executes one closing batch across all active tenants, isolating
// per-tenant failures.
func (s *Scheduler) RunOnce(ctx context.Context) {
	log.Printf("[SCHEDULER] Starting daily closing run")

	for _, tenant := range s.registry.Active() {
		date := time.Now().In(s.registry.Location(tenant.ID)).Format("2006-01-02")

		if err := s.closeTenant(ctx, tenant.ID, date); err != nil {
			log.Printf("[SCHEDULER] Tenant %s: closing run failed: %v", tenant.ID, err)
		}
	}

	log.Printf("[SCHEDULER] Daily closing run finished")
}

// closeTenant runs close -> export -> submit for one tenant.
func (s *Scheduler) closeTenant(ctx context.Context, tenantID, date string) error {
	_, err := s.orchestrator.CloseDay(ctx, tenantID, date)
	if errors.Is(err, ErrNoTransactions) {
		// An empty day produces no report and nothing to export.
		return nil
	}
	if err != nil && !errors.Is(err, ErrAlreadyClosed) {
		return err
	}

	export, err := s.exporter.Export(ctx, tenantID, date)
	if err != nil {
		return err
	}

	if s.delivery == nil {
		return nil
	}

	result, err := s.delivery.Submit(ctx, tenantID, date, export.Document)
	if err != nil {
		return err
	}

	if s.verbose {
		log.Printf("[SCHEDULER] Tenant %s: closed, exported and submitted (%s)", tenantID, result.Status)
	}

	return nil
}
