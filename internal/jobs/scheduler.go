package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatdesk/internal/metrics"
	"chatdesk/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// 获取跨实例任务锁的最长等待时间
const jobLockWait = 2 * time.Second

// ErrUnknownJob 未注册的任务名
var ErrUnknownJob = errors.New("unknown job")

// ErrJobRunning 同名任务正在执行
var ErrJobRunning = errors.New("job already running")

// Job 可调度的任务
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobStatus 任务运行状态
type JobStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Runs        int64      `json:"runs"`
	Failures    int64      `json:"failures"`
}

type entry struct {
	job    Job
	status JobStatus
}

// Scheduler 包装 gocron，记录每个任务的运行状态
type Scheduler struct {
	cron   gocron.Scheduler
	locker services.SessionLocker
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// NewScheduler 创建调度器；locker 非空时同名任务跨实例互斥
func NewScheduler(locker services.SessionLocker, logger *logrus.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if locker == nil {
		locker = services.NoopSessionLocker{}
	}
	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron,
		locker:  locker,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}, nil
}

// AddCron 按 cron 表达式注册任务
func (s *Scheduler) AddCron(job Job, expr string) error {
	return s.add(job, expr, gocron.CronJob(expr, false))
}

// AddInterval 按固定间隔注册任务
func (s *Scheduler) AddInterval(job Job, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name())
	}
	return s.add(job, "every "+every.String(), gocron.DurationJob(every))
}

// Register 只登记任务，供手动触发
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name()]; !ok {
		s.entries[job.Name()] = &entry{job: job, status: JobStatus{Name: job.Name(), Schedule: "manual"}}
	}
}

func (s *Scheduler) add(job Job, schedule string, def gocron.JobDefinition) error {
	name := job.Name()
	s.mu.Lock()
	if _, ok := s.entries[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s already registered", name)
	}
	s.entries[name] = &entry{job: job, status: JobStatus{Name: name, Schedule: schedule}}
	s.mu.Unlock()

	_, err := s.cron.NewJob(
		def,
		gocron.NewTask(func() {
			if err := s.execute(s.ctx, name); err != nil && !errors.Is(err, ErrJobRunning) {
				s.logger.WithError(err).WithField("job", name).Warn("scheduled job failed")
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		s.mu.Lock()
		delete(s.entries, name)
		s.mu.Unlock()
		return fmt.Errorf("failed to create job %s: %w", name, err)
	}
	s.logger.WithFields(logrus.Fields{"job": name, "schedule": schedule}).Info("job registered")
	return nil
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Shutdown 取消运行中的任务并停止调度
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.cron.Shutdown()
}

// RunNow 立即同步执行任务
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	return s.execute(ctx, name)
}

func (s *Scheduler) execute(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.status.Running {
		s.mu.Unlock()
		return ErrJobRunning
	}
	e.status.Running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		e.status.Running = false
		s.mu.Unlock()
	}()

	lockCtx, cancel := context.WithTimeout(ctx, jobLockWait)
	unlock, err := s.locker.Lock(lockCtx, "job:"+name)
	cancel()
	if err != nil {
		if errors.Is(err, services.ErrSessionBusy) {
			s.logger.WithField("job", name).Info("job held by another instance, skipped")
			return ErrJobRunning
		}
		return fmt.Errorf("lock job %s: %w", name, err)
	}
	defer unlock()

	start := time.Now().UTC()
	err = s.runSafely(ctx, e.job)
	elapsed := time.Since(start)

	s.mu.Lock()
	e.status.Runs++
	e.status.LastRun = &start
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
	} else {
		e.status.LastSuccess = &start
		e.status.LastError = ""
	}
	s.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.JobRuns.WithLabelValues(name, outcome).Inc()
	metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	s.logger.WithFields(logrus.Fields{
		"job":      name,
		"status":   outcome,
		"duration": elapsed.String(),
	}).Info("job finished")
	return err
}

func (s *Scheduler) runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx)
}

// Status 返回单个任务状态
func (s *Scheduler) Status(name string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return JobStatus{}, false
	}
	return e.status, true
}

// Statuses 按名称排序返回全部任务状态
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
