package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"bizflow/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RuleSource supplies decoded active rules; an empty kind means all kinds.
type RuleSource interface {
	ActiveRules(ctx context.Context, kind string) ([]AutomationRule, error)
}

// ScanReport summarises one scan cycle.
type ScanReport struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Rules         int       `json:"rules"`
	Candidates    int       `json:"candidates"`
	Fired         int       `json:"fired"`
	Deduplicated  int       `json:"deduplicated"`
	FailedActions int       `json:"failed_actions"`
	Errors        int       `json:"errors"`
}

// IdleScanner fires time-driven rules (IdleFor, DateReached). Each fire is
// claimed in the ledger before its actions run, so a (rule, entity, bucket)
// fires at most once even if two cycles overlap.
type IdleScanner struct {
	rules    RuleSource
	repo     EntityRepository
	executor *ActionExecutor
	ledger   FireLedger
	terminal map[string][]string
	logger   *logrus.Logger
	tracer   trace.Tracer
	now      func() time.Time
	running  atomic.Bool
}

func NewIdleScanner(rules RuleSource, repo EntityRepository, executor *ActionExecutor, ledger FireLedger, terminal map[string][]string, logger *logrus.Logger) *IdleScanner {
	if logger == nil {
		logger = logrus.New()
	}
	if ledger == nil {
		ledger = NewMemoryFireLedger()
	}
	return &IdleScanner{
		rules:    rules,
		repo:     repo,
		executor: executor,
		ledger:   ledger,
		terminal: terminal,
		logger:   logger,
		tracer:   otel.Tracer("bizflow.scanner"),
		now:      time.Now,
	}
}

// Start 启动定时扫描，直到 ctx 结束。
// 上一轮尚未结束时到达的 tick 直接跳过，不排队。
func (s *IdleScanner) Start(ctx context.Context, interval time.Duration) {
	s.logger.Infof("Starting idle scanner, interval %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Idle scanner stopped")
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.RunIdleScanCycle(ctx); err != nil {
					if errors.Is(err, ErrScanInProgress) {
						s.logger.Warn("idle scan tick skipped, previous cycle still running")
						return
					}
					s.logger.Errorf("idle scan cycle failed: %v", err)
				}
			}()
		}
	}
}

// RunIdleScanCycle runs one full scan. Per-entity failures are counted and
// skipped; only a failure to load rules aborts the cycle.
func (s *IdleScanner) RunIdleScanCycle(ctx context.Context) (*ScanReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.IncScanSkipped()
		return nil, ErrScanInProgress
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "scanner.cycle")
	defer span.End()

	report := &ScanReport{StartedAt: s.now()}
	defer func() {
		report.FinishedAt = s.now()
		metrics.ObserveScanDuration(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}()

	rules, err := s.rules.ActiveRules(ctx, "")
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	now := report.StartedAt
	for _, rule := range rules {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		switch t := rule.Trigger.(type) {
		case IdleForTrigger:
			report.Rules++
			s.scanIdle(ctx, rule, t, now, report)
		case DateReachedTrigger:
			report.Rules++
			s.scanDates(ctx, rule, t, now, report)
		}
	}

	span.SetAttributes(
		attribute.Int("fired", report.Fired),
		attribute.Int("errors", report.Errors),
	)
	s.logger.WithFields(logrus.Fields{
		"rules":        report.Rules,
		"candidates":   report.Candidates,
		"fired":        report.Fired,
		"deduplicated": report.Deduplicated,
		"errors":       report.Errors,
	}).Info("idle scan cycle completed")
	return report, nil
}

func (s *IdleScanner) scanIdle(ctx context.Context, rule AutomationRule, t IdleForTrigger, now time.Time, report *ScanReport) {
	cutoff := now.Add(-time.Duration(t.Days) * 24 * time.Hour)
	entities, err := s.repo.Query(ctx, rule.EntityKind, EntityFilter{
		StatusNotIn:        s.terminal[rule.EntityKind],
		TransitionedBefore: cutoff,
	})
	if err != nil {
		report.Errors++
		s.logger.WithField("rule_id", rule.ID).Errorf("idle scan: query failed: %v", err)
		return
	}
	bucket := DayBucket(now)
	for _, entity := range entities {
		report.Candidates++
		s.fire(ctx, rule, entity, bucket, OriginIdleScan, report)
	}
}

func (s *IdleScanner) scanDates(ctx context.Context, rule AutomationRule, t DateReachedTrigger, now time.Time, report *ScanReport) {
	entities, err := s.repo.Query(ctx, rule.EntityKind, EntityFilter{
		StatusNotIn: s.terminal[rule.EntityKind],
	})
	if err != nil {
		report.Errors++
		s.logger.WithField("rule_id", rule.ID).Errorf("date scan: query failed: %v", err)
		return
	}
	for _, entity := range entities {
		due, ok := entity.Time(t.Field)
		if !ok || due.After(now) {
			continue
		}
		report.Candidates++
		// one fire per stored date value, a rescheduled date fires again
		bucket := DateBucketPrefix + due.UTC().Format(time.RFC3339)
		s.fire(ctx, rule, entity, bucket, OriginDateScan, report)
	}
}

func (s *IdleScanner) fire(ctx context.Context, rule AutomationRule, entity EntityState, bucket string, origin Origin, report *ScanReport) {
	log := s.logger.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"entity_id": entity.ID,
		"bucket":    bucket,
	})
	first, err := s.ledger.CheckAndMark(ctx, rule.ID, entity.ID, bucket)
	if err != nil {
		report.Errors++
		log.Errorf("idle scan: fire ledger: %v", err)
		return
	}
	if !first {
		report.Deduplicated++
		return
	}

	// old == new: the synthetic transition carries the current state only
	tctx := withTransition(ctx, transitionMeta{ID: uuid.NewString(), Origin: origin})
	metrics.ObserveRuleFired(string(rule.Trigger.Type()), string(origin))
	results := s.executor.Execute(tctx, rule, entity)
	report.Fired++
	for _, r := range results {
		if !r.Success {
			report.FailedActions++
		}
	}
	log.Infof("rule %q fired by %s", rule.Name, origin)
}
