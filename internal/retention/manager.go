package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/store"
)

// ErrRunning is returned by RunOnce when another run is in progress.
var ErrRunning = errors.New("retention run already in progress")

// Repository is the slice of the durable store retention needs.
type Repository interface {
	ExpiredDates(ctx context.Context, table store.Table, cutoff time.Time) ([]time.Time, error)
	LoadPartition(ctx context.Context, table store.Table, date time.Time) (store.Partition, error)
	DeleteBatch(ctx context.Context, table store.Table, date time.Time, limit int) (int64, error)
	Count(ctx context.Context, table store.Table) (int64, error)
}

// Gate restricts scheduled runs to the maintenance window.
type Gate interface {
	IsActive(now time.Time) bool
}

// Recorder receives retention metrics. Optional.
type Recorder interface {
	ObserveRetention(table string, archived int, deleted int64, d time.Duration, err error)
}

// Config holds manager configuration.
type Config struct {
	Policy   model.RetentionPolicy
	Location *time.Location
	Schedule string // 6-field cron spec, with seconds
}

// TableReport summarizes one table of a run.
type TableReport struct {
	Table    store.Table `json:"table"`
	Dates    int         `json:"dates"`
	Archived int         `json:"archived"`
	Deleted  int64       `json:"deleted"`
}

// Report summarizes one run.
type Report struct {
	RunID    string        `json:"run_id"`
	Cutoff   time.Time     `json:"cutoff"`
	Tables   []TableReport `json:"tables"`
	Duration time.Duration `json:"duration"`
}

// Deleted returns the total rows deleted across tables.
func (r Report) Deleted() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Deleted
	}
	return n
}

// Archived returns the total rows archived across tables.
func (r Report) Archived() int {
	var n int
	for _, t := range r.Tables {
		n += t.Archived
	}
	return n
}

// TableCount is the row count of one table.
type TableCount struct {
	Table store.Table `json:"table"`
	Rows  int64       `json:"rows"`
}

// Manager runs retention passes, on demand or on a cron schedule.
type Manager struct {
	cfg      Config
	repo     Repository
	sink     Sink
	gate     Gate
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	running sync.Mutex

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithGate restricts scheduled runs to the gate's active window.
func WithGate(g Gate) Option {
	return func(m *Manager) {
		m.gate = g
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager. sink may be nil when the policy does not archive.
func New(cfg Config, repo Repository, sink Sink, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Policy.BatchSize < 1 {
		cfg.Policy.BatchSize = 500
	}
	m := &Manager{
		cfg:    cfg,
		repo:   repo,
		sink:   sink,
		logger: logger.With("component", "retention"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce performs one retention pass over every table. An archive failure
// for a date skips that date's delete; the remaining dates still run and the
// first error is returned.
func (m *Manager) RunOnce(ctx context.Context) (Report, error) {
	if !m.running.TryLock() {
		return Report{}, ErrRunning
	}
	defer m.running.Unlock()

	if m.cfg.Policy.ArchiveBeforeDelete && m.sink == nil {
		return Report{}, errors.New("archive before delete requires a sink")
	}

	start := m.now()
	report := Report{
		RunID:  uuid.NewString(),
		Cutoff: m.cfg.Policy.Cutoff(start, m.cfg.Location),
	}
	logger := m.logger.With("run_id", report.RunID)
	logger.Info("retention run started",
		"cutoff", model.FormatDate(report.Cutoff),
		"days_to_keep", m.cfg.Policy.DaysToKeep,
		"archive", m.cfg.Policy.ArchiveBeforeDelete,
	)

	var firstErr error
	for _, table := range store.Tables() {
		tableStart := time.Now()
		tr, err := m.runTable(ctx, logger, table, report.Cutoff)
		report.Tables = append(report.Tables, tr)
		if m.recorder != nil {
			m.recorder.ObserveRetention(string(table), tr.Archived, tr.Deleted, time.Since(tableStart), err)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	report.Duration = m.now().Sub(start)

	if firstErr != nil {
		logger.Error("retention run failed",
			"archived", report.Archived(),
			"deleted", report.Deleted(),
			"err", firstErr,
		)
		return report, firstErr
	}
	logger.Info("retention run complete",
		"archived", report.Archived(),
		"deleted", report.Deleted(),
		"duration", report.Duration,
	)
	return report, nil
}

func (m *Manager) runTable(ctx context.Context, logger *slog.Logger, table store.Table, cutoff time.Time) (TableReport, error) {
	tr := TableReport{Table: table}

	dates, err := m.repo.ExpiredDates(ctx, table, cutoff)
	if err != nil {
		return tr, fmt.Errorf("%s: %w", table, err)
	}
	tr.Dates = len(dates)

	var firstErr error
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return tr, err
		}

		if m.cfg.Policy.ArchiveBeforeDelete {
			n, err := m.archive(ctx, table, date)
			if err != nil {
				logger.Warn("archive failed, keeping rows",
					"table", table,
					"date", model.FormatDate(date),
					"err", err,
				)
				if firstErr == nil {
					firstErr = fmt.Errorf("%s %s: %w", table, model.FormatDate(date), err)
				}
				continue
			}
			tr.Archived += n
		}

		deleted, err := m.deleteDate(ctx, table, date)
		tr.Deleted += deleted
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s %s: %w", table, model.FormatDate(date), err)
			}
			continue
		}
		logger.Debug("date purged",
			"table", table,
			"date", model.FormatDate(date),
			"deleted", deleted,
		)
	}

	logger.Info("table retention done",
		"table", table,
		"dates", tr.Dates,
		"archived", tr.Archived,
		"deleted", tr.Deleted,
	)
	return tr, firstErr
}

// archive makes sure every current row of the date is in the archive. Rows
// already present in an earlier object for the date are not written again;
// the rest go to the next numbered object.
func (m *Manager) archive(ctx context.Context, table store.Table, date time.Time) (int, error) {
	part, err := m.repo.LoadPartition(ctx, table, date)
	if err != nil {
		return 0, err
	}
	if part.Len() == 0 {
		return 0, nil
	}

	archived := make(map[string]bool)
	seq := 0
	for ; ; seq++ {
		key := archiveKey(table, date, seq)
		exists, err := m.sink.Exists(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("check archive: %w", err)
		}
		if !exists {
			break
		}
		lines, err := m.sink.Lines(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read archive %s: %w", key, err)
		}
		for _, line := range lines {
			archived[line] = true
		}
	}

	pending, err := unarchived(part, archived)
	if err != nil {
		return 0, err
	}
	if pending.Len() == 0 {
		return 0, nil
	}
	if err := m.sink.Write(ctx, archiveKey(table, date, seq), pending); err != nil {
		return 0, fmt.Errorf("write archive: %w", err)
	}
	return pending.Len(), nil
}

func (m *Manager) deleteDate(ctx context.Context, table store.Table, date time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := m.repo.DeleteBatch(ctx, table, date, m.cfg.Policy.BatchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(m.cfg.Policy.BatchSize) {
			return total, nil
		}
	}
}

// Stats returns row counts per table.
func (m *Manager) Stats(ctx context.Context) ([]TableCount, error) {
	out := make([]TableCount, 0, len(store.Tables()))
	for _, table := range store.Tables() {
		n, err := m.repo.Count(ctx, table)
		if err != nil {
			return nil, err
		}
		out = append(out, TableCount{Table: table, Rows: n})
	}
	return out, nil
}

// Start schedules RunOnce on the configured cron spec.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return errors.New("retention scheduler already started")
	}

	c := cron.New(cron.WithSeconds(), cron.WithLocation(m.cfg.Location))
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(m.cfg.Schedule, func() { m.tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", m.cfg.Schedule, err)
	}

	m.cron = c
	m.cancel = cancel
	c.Start()

	m.logger.Info("retention scheduler started", "schedule", m.cfg.Schedule)
	return nil
}

// Stop cancels any in-flight run and waits for it to finish, or for ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	c, cancel := m.cron, m.cancel
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	cancel()

	select {
	case <-c.Stop().Done():
		m.logger.Info("retention scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) tick(ctx context.Context) {
	now := m.now()
	if m.gate != nil && !m.gate.IsActive(now) {
		m.logger.Debug("outside maintenance window, skipping run", "now", now)
		return
	}
	if _, err := m.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunning) {
		m.logger.Warn("scheduled retention run failed", "err", err)
	}
}
