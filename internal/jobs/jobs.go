package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatdesk/internal/services"

	"github.com/sirupsen/logrus"
)

// 任务名称
const (
	ContentReindexJobName      = "content-reindex"
	KnowledgeExtractionJobName = "knowledge-extraction"
)

// Reindexer 拉取站点内容写入知识库
type Reindexer interface {
	Reindex(ctx context.Context, since time.Time) (*services.ReindexReport, error)
}

// Extractor 从近期会话提取知识
type Extractor interface {
	ProcessRecent(ctx context.Context, since time.Time) (*services.BatchResult, error)
}

// ContentReindexJob 增量索引：每次只拉取上次成功之后修改过的内容，首次全量
type ContentReindexJob struct {
	indexer Reindexer
	logger  *logrus.Logger
	now     func() time.Time

	mu          sync.Mutex
	lastSuccess time.Time
	lastReport  *services.ReindexReport
}

// NewContentReindexJob 创建内容索引任务
func NewContentReindexJob(indexer Reindexer, logger *logrus.Logger) *ContentReindexJob {
	if logger == nil {
		logger = logrus.New()
	}
	return &ContentReindexJob{indexer: indexer, logger: logger, now: time.Now}
}

func (j *ContentReindexJob) Name() string { return ContentReindexJobName }

func (j *ContentReindexJob) Run(ctx context.Context) error {
	j.mu.Lock()
	since := j.lastSuccess
	j.mu.Unlock()

	start := j.now().UTC()
	report, err := j.indexer.Reindex(ctx, since)

	j.mu.Lock()
	defer j.mu.Unlock()
	if report != nil {
		j.lastReport = report
	}
	if err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("reindex finished with %d errors: %s", len(report.Errors), strings.Join(report.Errors, "; "))
	}
	j.lastSuccess = start
	return nil
}

// ResetWatermark 清除增量起点，下次执行为全量
func (j *ContentReindexJob) ResetWatermark() {
	j.mu.Lock()
	j.lastSuccess = time.Time{}
	j.mu.Unlock()
}

// LastReport 最近一次执行结果
func (j *ContentReindexJob) LastReport() *services.ReindexReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastReport
}

// KnowledgeExtractionJob 处理上次执行之后更新过的会话
type KnowledgeExtractionJob struct {
	extractor Extractor
	lookback  time.Duration
	logger    *logrus.Logger
	now       func() time.Time

	mu      sync.Mutex
	lastRun time.Time
}

// NewKnowledgeExtractionJob 创建知识提取任务，首次执行回看 lookback
func NewKnowledgeExtractionJob(extractor Extractor, lookback time.Duration, logger *logrus.Logger) *KnowledgeExtractionJob {
	if logger == nil {
		logger = logrus.New()
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &KnowledgeExtractionJob{extractor: extractor, lookback: lookback, logger: logger, now: time.Now}
}

func (j *KnowledgeExtractionJob) Name() string { return KnowledgeExtractionJobName }

func (j *KnowledgeExtractionJob) Run(ctx context.Context) error {
	start := j.now().UTC()
	j.mu.Lock()
	since := j.lastRun
	j.mu.Unlock()
	if since.IsZero() {
		since = start.Add(-j.lookback)
	}

	batch, err := j.extractor.ProcessRecent(ctx, since)
	if err != nil {
		return err
	}
	j.logger.WithFields(logrus.Fields{
		"processed": batch.Processed,
		"skipped":   batch.Skipped,
		"found":     batch.Found,
		"added":     batch.Added,
		"errors":    len(batch.Errors),
	}).Info("knowledge extraction finished")

	j.mu.Lock()
	j.lastRun = start
	j.mu.Unlock()
	if len(batch.Errors) > 0 {
		return fmt.Errorf("extraction finished with %d errors", len(batch.Errors))
	}
	return nil
}
