package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatdesk/internal/metrics"
	"chatdesk/internal/services"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
	runs int32
}

func (j *funcJob) Name() string { return j.name }

func (j *funcJob) Run(ctx context.Context) error {
	atomic.AddInt32(&j.runs, 1)
	return j.fn(ctx)
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler(nil, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestScheduler_RunNowRecordsStatus(t *testing.T) {
	s := newTestScheduler(t)
	fail := true
	job := &funcJob{name: "status-job", fn: func(context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}}
	s.Register(job)

	before := testutil.ToFloat64(metrics.JobRuns.WithLabelValues("status-job", "failure"))
	err := s.RunNow(context.Background(), "status-job")
	require.EqualError(t, err, "boom")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.JobRuns.WithLabelValues("status-job", "failure")))

	st, ok := s.Status("status-job")
	require.True(t, ok)
	assert.Equal(t, int64(1), st.Runs)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, "boom", st.LastError)
	assert.NotNil(t, st.LastRun)
	assert.Nil(t, st.LastSuccess)
	assert.Equal(t, "manual", st.Schedule)

	fail = false
	require.NoError(t, s.RunNow(context.Background(), "status-job"))
	st, _ = s.Status("status-job")
	assert.Equal(t, int64(2), st.Runs)
	assert.Equal(t, int64(1), st.Failures)
	assert.Empty(t, st.LastError)
	assert.NotNil(t, st.LastSuccess)
}

func TestScheduler_UnknownAndPanic(t *testing.T) {
	s := newTestScheduler(t)
	assert.True(t, errors.Is(s.RunNow(context.Background(), "missing"), ErrUnknownJob))

	s.Register(&funcJob{name: "panicky", fn: func(context.Context) error { panic("kaboom") }})
	err := s.RunNow(context.Background(), "panicky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestScheduler_RejectsOverlap(t *testing.T) {
	s := newTestScheduler(t)
	started := make(chan struct{})
	release := make(chan struct{})
	s.Register(&funcJob{name: "slow", fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.RunNow(context.Background(), "slow")
	}()
	<-started
	assert.True(t, errors.Is(s.RunNow(context.Background(), "slow"), ErrJobRunning))
	st, _ := s.Status("slow")
	assert.True(t, st.Running)
	close(release)
	wg.Wait()
}

func TestScheduler_IntervalJobFires(t *testing.T) {
	s := newTestScheduler(t)
	job := &funcJob{name: "ticker", fn: func(context.Context) error { return nil }}
	require.NoError(t, s.AddInterval(job, 50*time.Millisecond))
	require.Error(t, s.AddInterval(job, 50*time.Millisecond))
	s.Start()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&job.runs) >= 1 }, 2*time.Second, 20*time.Millisecond)
	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "every 50ms", statuses[0].Schedule)
}

func TestScheduler_InvalidCron(t *testing.T) {
	s := newTestScheduler(t)
	err := s.AddCron(&funcJob{name: "bad", fn: func(context.Context) error { return nil }}, "not a cron")
	require.Error(t, err)
	_, ok := s.Status("bad")
	assert.False(t, ok)

	require.NoError(t, s.AddCron(&funcJob{name: "nightly", fn: func(context.Context) error { return nil }}, "0 3 * * *"))
	st, ok := s.Status("nightly")
	require.True(t, ok)
	assert.Equal(t, "0 3 * * *", st.Schedule)
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string) (func(), error) {
	return nil, services.ErrSessionBusy
}

func TestScheduler_SkipsWhenLockHeld(t *testing.T) {
	s, err := NewScheduler(busyLocker{}, quietLogger())
	require.NoError(t, err)
	defer s.Shutdown()

	job := &funcJob{name: "locked", fn: func(context.Context) error { return nil }}
	s.Register(job)
	assert.True(t, errors.Is(s.RunNow(context.Background(), "locked"), ErrJobRunning))
	assert.Equal(t, int32(0), atomic.LoadInt32(&job.runs))
}

type fakeReindexer struct {
	since  []time.Time
	report *services.ReindexReport
	err    error
}

func (f *fakeReindexer) Reindex(_ context.Context, since time.Time) (*services.ReindexReport, error) {
	f.since = append(f.since, since)
	return f.report, f.err
}

func TestContentReindexJob_Watermark(t *testing.T) {
	idx := &fakeReindexer{report: &services.ReindexReport{Indexed: 2}}
	job := NewContentReindexJob(idx, quietLogger())
	t1 := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return t1 }

	require.NoError(t, job.Run(context.Background()))
	assert.True(t, idx.since[0].IsZero())
	assert.Equal(t, 2, job.LastReport().Indexed)

	t2 := t1.Add(24 * time.Hour)
	job.now = func() time.Time { return t2 }
	idx.report = &services.ReindexReport{Errors: []string{"post 4: timeout"}}
	require.Error(t, job.Run(context.Background()))
	assert.Equal(t, t1, idx.since[1])

	// 失败不推进增量起点
	idx.report = &services.ReindexReport{}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, t1, idx.since[2])

	job.ResetWatermark()
	require.NoError(t, job.Run(context.Background()))
	assert.True(t, idx.since[3].IsZero())

	idx.err = errors.New("wordpress down")
	idx.report = nil
	require.EqualError(t, job.Run(context.Background()), "wordpress down")
}

type fakeExtractor struct {
	since []time.Time
	batch *services.BatchResult
	err   error
}

func (f *fakeExtractor) ProcessRecent(_ context.Context, since time.Time) (*services.BatchResult, error) {
	f.since = append(f.since, since)
	return f.batch, f.err
}

func TestKnowledgeExtractionJob_Since(t *testing.T) {
	ex := &fakeExtractor{batch: &services.BatchResult{Processed: 1, Added: 2}}
	job := NewKnowledgeExtractionJob(ex, 6*time.Hour, quietLogger())
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return t1 }

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, t1.Add(-6*time.Hour), ex.since[0])

	job.now = func() time.Time { return t1.Add(6 * time.Hour) }
	ex.batch = &services.BatchResult{Errors: []string{"sess_x: broken"}}
	require.Error(t, job.Run(context.Background()))
	assert.Equal(t, t1, ex.since[1])

	ex.err = errors.New("db gone")
	require.Error(t, job.Run(context.Background()))
}
