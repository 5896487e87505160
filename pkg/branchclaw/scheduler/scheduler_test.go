package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

type fakeMaintainer struct {
	mu        sync.Mutex
	pruneDays []int
	maxAges   []time.Duration
	pruneErr  error
	panicOn   bool
}

func (f *fakeMaintainer) PruneOldRuns(_ context.Context, days int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn {
		panic("store exploded")
	}
	f.pruneDays = append(f.pruneDays, days)
	return 2, f.pruneErr
}

func (f *fakeMaintainer) Cleanup(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAges = append(f.maxAges, maxAge)
	return 1
}

func TestMaintenance_RunNow(t *testing.T) {
	target := &fakeMaintainer{}
	m := New(copilot.SchedulerConfig{RunRetentionDays: 7, RunMemoryMinutes: 15}, target, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, m.RunNow(JobPruneRuns))
	require.NoError(t, m.RunNow(JobCleanupRuns))
	assert.Equal(t, []int{7}, target.pruneDays)
	assert.Equal(t, []time.Duration{15 * time.Minute}, target.maxAges)

	assert.Error(t, m.RunNow("nope"))

	jobs := m.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobCleanupRuns, jobs[0].Name)
	assert.Equal(t, "@every 10m", jobs[0].Schedule)
	assert.Equal(t, JobPruneRuns, jobs[1].Name)
	assert.Equal(t, "@daily", jobs[1].Schedule)
	for _, j := range jobs {
		assert.Equal(t, 1, j.RunCount)
		assert.NotNil(t, j.LastRunAt)
		assert.False(t, j.Next.IsZero(), "next run for %s", j.Name)
	}
}

func TestMaintenance_Errors(t *testing.T) {
	t.Run("job error is recorded", func(t *testing.T) {
		target := &fakeMaintainer{pruneErr: errors.New("database is locked")}
		m := New(copilot.SchedulerConfig{}, target, nil)
		require.NoError(t, m.Start(context.Background()))
		defer m.Stop()

		assert.EqualError(t, m.RunNow(JobPruneRuns), "database is locked")
		assert.Equal(t, []int{30}, target.pruneDays)
		assert.Equal(t, "database is locked", m.Jobs()[1].LastError)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		m := New(copilot.SchedulerConfig{}, &fakeMaintainer{panicOn: true}, nil)
		require.NoError(t, m.Start(context.Background()))
		defer m.Stop()

		err := m.RunNow(JobPruneRuns)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store exploded")
		// The job is released after the panic.
		assert.Error(t, m.RunNow(JobPruneRuns))
	})

	t.Run("invalid schedule", func(t *testing.T) {
		m := New(copilot.SchedulerConfig{PruneSchedule: "every tuesday"}, &fakeMaintainer{}, nil)
		err := m.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prune-runs")
	})
}

func TestMaintenance_Fires(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	target := &fakeMaintainer{}
	m := New(copilot.SchedulerConfig{CleanupSchedule: "@every 1s"}, target, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.maxAges) > 0
	}, 3*time.Second, 50*time.Millisecond)
}
