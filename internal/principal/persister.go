package principal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicelgueta/cdktr/internal/metrics"
	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/repository"
)

const (
	// DefaultFlushInterval is the bulk-insert cadence.
	DefaultFlushInterval = 30 * time.Second
	// DefaultBufferCeiling bounds retained frames across failed flushes.
	DefaultBufferCeiling = 100_000
)

// Persister buffers log frames and status rows in memory and bulk-inserts
// them on a fixed cadence. A failed write retains the buffer for the next
// tick; past the ceiling the oldest frames are dropped and a synthesized
// ERROR frame records the loss.
type Persister struct {
	repo     *repository.Registry
	interval time.Duration
	ceiling  int
	logger   *slog.Logger
	m        *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	logBuf   []repository.LogEntry
	wfBuf    []repository.WorkflowRunStatus
	taskBuf  []repository.TaskRunStatus
	dropped  int
}

// NewPersister builds a persister over the repository registry. interval
// and ceiling fall back to the defaults when <= 0. m may be nil.
func NewPersister(repo *repository.Registry, interval time.Duration, ceiling int, logger *slog.Logger, m *metrics.Metrics) *Persister {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultBufferCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		repo:     repo,
		interval: interval,
		ceiling:  ceiling,
		logger:   logger,
		m:        m,
		now:      time.Now,
	}
}

// OfferFrame buffers one log frame for the next flush.
func (p *Persister) OfferFrame(f protocol.LogFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.logBuf) >= p.ceiling {
		p.logBuf = p.logBuf[1:]
		p.dropped++
		if p.m != nil {
			p.m.FramesDropped.Inc()
		}
	}
	p.logBuf = append(p.logBuf, repository.EntryFromFrame(f))
}

// OfferStatus buffers one status transition for the next flush, routing it
// to the workflow or task table.
func (p *Persister) OfferStatus(rep protocol.ReportStatusRequest) {
	ts := rep.TimestampMS
	if ts == 0 {
		ts = p.now().UnixMilli()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if rep.TaskInstanceID == "" {
		p.wfBuf = append(p.wfBuf, repository.WorkflowRunStatus{
			WorkflowID:         rep.WorkflowID,
			WorkflowInstanceID: rep.WorkflowInstanceID,
			Status:             rep.Status,
			TimestampMS:        ts,
		})
		return
	}
	p.taskBuf = append(p.taskBuf, repository.TaskRunStatus{
		TaskID:             rep.TaskID,
		TaskInstanceID:     rep.TaskInstanceID,
		WorkflowInstanceID: rep.WorkflowInstanceID,
		Status:             rep.Status,
		TimestampMS:        ts,
	})
}

// Flush bulk-inserts everything buffered. On failure the affected buffer is
// retained for the next tick.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	logs := p.logBuf
	wfRows := p.wfBuf
	taskRows := p.taskBuf
	dropped := p.dropped
	p.logBuf = nil
	p.wfBuf = nil
	p.taskBuf = nil
	p.dropped = 0
	p.mu.Unlock()

	if dropped > 0 {
		logs = append(logs, repository.LogEntry{
			WorkflowID:  "cdktr",
			TimestampMS: p.now().UnixMilli(),
			Level:       string(protocol.LevelError),
			Payload:     fmt.Sprintf("persister buffer overflow: dropped %d frame(s)", dropped),
		})
	}

	var firstErr error
	if err := p.repo.Logs.InsertBatch(ctx, logs); err != nil {
		p.retainLogs(logs)
		firstErr = err
	} else if p.m != nil && len(logs) > 0 {
		p.m.PersistedRows.WithLabelValues("logstore").Add(float64(len(logs)))
	}

	if err := p.repo.Statuses.InsertWorkflowBatch(ctx, wfRows); err != nil {
		p.retainWorkflowRows(wfRows)
		if firstErr == nil {
			firstErr = err
		}
	} else if p.m != nil && len(wfRows) > 0 {
		p.m.PersistedRows.WithLabelValues("workflow_run_status").Add(float64(len(wfRows)))
	}

	if err := p.repo.Statuses.InsertTaskBatch(ctx, taskRows); err != nil {
		p.retainTaskRows(taskRows)
		if firstErr == nil {
			firstErr = err
		}
	} else if p.m != nil && len(taskRows) > 0 {
		p.m.PersistedRows.WithLabelValues("task_run_status").Add(float64(len(taskRows)))
	}

	if firstErr != nil && p.m != nil {
		p.m.PersistFailures.Inc()
	}
	return firstErr
}

// Start flushes on the cadence until ctx is done, then makes a final
// best-effort flush so shutdown loses nothing buffered.
func (p *Persister) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Flush(flushCtx); err != nil {
				p.logger.Error("final persister flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.logger.Warn("persist flush failed, buffers retained", "error", err)
			}
		}
	}
}

// Pending returns the buffered row counts (logs, workflow rows, task rows).
func (p *Persister) Pending() (int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.logBuf), len(p.wfBuf), len(p.taskBuf)
}

func (p *Persister) retainLogs(rows []repository.LogEntry) {
	p.mu.Lock()
	p.logBuf = append(rows, p.logBuf...)
	if excess := len(p.logBuf) - p.ceiling; excess > 0 {
		p.logBuf = p.logBuf[excess:]
		p.dropped += excess
	}
	p.mu.Unlock()
}

func (p *Persister) retainWorkflowRows(rows []repository.WorkflowRunStatus) {
	p.mu.Lock()
	p.wfBuf = append(rows, p.wfBuf...)
	p.mu.Unlock()
}

func (p *Persister) retainTaskRows(rows []repository.TaskRunStatus) {
	p.mu.Lock()
	p.taskBuf = append(rows, p.taskBuf...)
	p.mu.Unlock()
}
