// Package scheduler runs branchclaw's periodic maintenance: pruning finished
// sub-agent runs from the database and evicting them from memory. It uses
// robfig/cron for schedule parsing and execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

// Job names.
const (
	JobPruneRuns   = "prune-runs"
	JobCleanupRuns = "cleanup-runs"
)

// RunMaintainer is the part of the sub-agent executor the jobs drive.
type RunMaintainer interface {
	PruneOldRuns(ctx context.Context, days int) (int, error)
	Cleanup(maxAge time.Duration) int
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Next      time.Time  `json:"next"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	RunCount  int        `json:"run_count"`
}

type job struct {
	info    JobInfo
	entryID cron.EntryID
	run     func(ctx context.Context) error
	running bool
}

// Maintenance schedules the maintenance jobs.
type Maintenance struct {
	cfg    copilot.SchedulerConfig
	target RunMaintainer
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the maintenance scheduler. Empty schedules and non-positive
// retention values fall back to the defaults of copilot.DefaultConfig.
func New(cfg copilot.SchedulerConfig, target RunMaintainer, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := copilot.DefaultConfig().Scheduler
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = defaults.PruneSchedule
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = defaults.CleanupSchedule
	}
	if cfg.RunRetentionDays <= 0 {
		cfg.RunRetentionDays = defaults.RunRetentionDays
	}
	if cfg.RunMemoryMinutes <= 0 {
		cfg.RunMemoryMinutes = defaults.RunMemoryMinutes
	}
	return &Maintenance{
		cfg:    cfg,
		target: target,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		logger: logger.With("component", "scheduler"),
		jobs:   make(map[string]*job),
	}
}

// Start registers the jobs and starts the cron loop. It fails if a schedule
// cannot be parsed.
func (m *Maintenance) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	prune := func(ctx context.Context) error {
		n, err := m.target.PruneOldRuns(ctx, m.cfg.RunRetentionDays)
		if err != nil {
			return err
		}
		m.logger.Debug("run prune finished", "deleted", n)
		return nil
	}
	cleanup := func(context.Context) error {
		n := m.target.Cleanup(time.Duration(m.cfg.RunMemoryMinutes) * time.Minute)
		m.logger.Debug("run cleanup finished", "evicted", n)
		return nil
	}

	if err := m.add(JobPruneRuns, m.cfg.PruneSchedule, prune); err != nil {
		return err
	}
	if err := m.add(JobCleanupRuns, m.cfg.CleanupSchedule, cleanup); err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("scheduler started", "cron_entries", len(m.cron.Entries()))
	return nil
}

// Stop halts the cron loop and waits briefly for running jobs.
func (m *Maintenance) Stop() {
	stopped := m.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(10 * time.Second):
		m.logger.Warn("scheduler stop timed out")
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.logger.Info("scheduler stopped")
}

// Jobs lists the registered jobs sorted by name.
func (m *Maintenance) Jobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobInfo, 0, len(m.jobs))
	for _, j := range m.jobs {
		info := j.info
		info.Next = m.cron.Entry(j.entryID).Next
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow executes a job immediately on the calling goroutine.
func (m *Maintenance) RunNow(name string) error {
	m.mu.Lock()
	j, ok := m.jobs[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return m.execute(j)
}

func (m *Maintenance) add(name, schedule string, run func(context.Context) error) error {
	j := &job{info: JobInfo{Name: name, Schedule: schedule}, run: run}
	id, err := m.cron.AddFunc(schedule, func() {
		if err := m.execute(j); err != nil {
			m.logger.Error("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	j.entryID = id

	m.mu.Lock()
	m.jobs[name] = j
	m.mu.Unlock()
	return nil
}

// execute runs j unless it is already running. Panics are recovered and
// recorded as the job's last error.
func (m *Maintenance) execute(j *job) (err error) {
	m.mu.Lock()
	if j.running {
		m.mu.Unlock()
		m.logger.Warn("skipping job (already running)", "job", j.info.Name)
		return nil
	}
	j.running = true
	now := time.Now()
	j.info.LastRunAt = &now
	j.info.RunCount++
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		m.mu.Lock()
		j.running = false
		j.info.LastError = ""
		if err != nil {
			j.info.LastError = err.Error()
		}
		m.mu.Unlock()
	}()

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.logger.Debug("executing scheduled job", "job", j.info.Name)
	return j.run(ctx)
}
