package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/common"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/metrics"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/persistence"
)

// ErrChunksFailed is returned by Run when at least one chunk failed
var ErrChunksFailed = errors.New("chunks failed")

// AnalyzeFunc produces the rows of [start, end). Each call must build its
// own analysis state; the supervisor invokes it from several goroutines.
type AnalyzeFunc func(ctx context.Context, start, end uint64) ([]focil.Row, error)

// ChunkStore persists chunk output. *persistence.ChunkWriter implements it.
type ChunkStore interface {
	Exists(filename string) bool
	Write(ctx context.Context, meta persistence.ChunkMetadata, filename string, rows []focil.Row) (persistence.ChunkMetadata, error)
}

// Config controls a batch run
type Config struct {
	Workers int
	Resume  bool
	RunID   string // generated when empty
}

// Supervisor runs planned chunks on a bounded worker pool. A failing chunk
// is recorded and never cancels its siblings.
type Supervisor struct {
	cfg      Config
	analyze  AnalyzeFunc
	store    ChunkStore
	reporter Reporter
	log      logrus.FieldLogger

	mu     sync.Mutex
	chunks []common.ChunkRecord
}

// NewSupervisor creates a Supervisor; reporter may be nil
func NewSupervisor(cfg Config, analyze AnalyzeFunc, store ChunkStore, reporter Reporter, log logrus.FieldLogger) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reporter == nil {
		reporter = NewLogReporter(log)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Supervisor{
		cfg:      cfg,
		analyze:  analyze,
		store:    store,
		reporter: reporter,
		log:      log.WithField("run_id", cfg.RunID),
	}
}

// RunID identifies this run in events and KV keys
func (s *Supervisor) RunID() string {
	return s.cfg.RunID
}

// Chunks returns a snapshot of the chunk records with their current status
func (s *Supervisor) Chunks() []common.ChunkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.ChunkRecord, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Run processes every chunk and returns the run summary. The error wraps
// ErrChunksFailed when any chunk failed, or is the context error when the
// run was cancelled before all chunks started.
func (s *Supervisor) Run(ctx context.Context, chunks []common.ChunkRecord) (RunSummary, error) {
	s.mu.Lock()
	s.chunks = make([]common.ChunkRecord, len(chunks))
	for i, c := range chunks {
		c.Status = common.ChunkStatusPending
		c.RunID = s.cfg.RunID
		c.LastError = ""
		if c.OutputFile == "" {
			c.OutputFile = common.ChunkFilename(c.ID, c.StartBlock, c.EndBlock)
		}
		s.chunks[i] = c
	}
	s.mu.Unlock()

	s.log.Infof("🚀 Starting %d chunks with %d workers", len(chunks), s.cfg.Workers)

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	skipped := make([]bool, len(chunks))
	for i := range chunks {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			skipped[i] = s.runChunk(ctx, i)
			return nil
		})
	}
	_ = g.Wait()

	summary := RunSummary{RunID: s.cfg.RunID, Total: len(chunks)}
	for i, c := range s.Chunks() {
		switch {
		case c.Status == common.ChunkStatusFailed:
			summary.Failed++
		case c.Status == common.ChunkStatusDone && skipped[i]:
			summary.Skipped++
		case c.Status == common.ChunkStatusDone:
			summary.Completed++
			summary.Rows += c.Rows
		}
	}
	summary.Timestamp = time.Now().UTC().Format(time.RFC3339)

	if err := s.reporter.RunFinished(ctx, summary); err != nil {
		s.log.WithError(err).Warn("⚠️ Failed to report run summary")
	}

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d %w", summary.Failed, summary.Total, ErrChunksFailed)
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// runChunk processes chunk i and reports whether it was skipped on resume
func (s *Supervisor) runChunk(ctx context.Context, i int) bool {
	c := s.chunk(i)
	log := s.log.WithFields(logrus.Fields{"chunk": c.ID, "start": c.StartBlock, "end": c.EndBlock})

	if s.cfg.Resume && s.store.Exists(c.OutputFile) {
		c.Status = common.ChunkStatusDone
		s.update(ctx, i, c, EventSkipped, 0, "")
		metrics.Chunks.WithLabelValues("skipped").Inc()
		log.Infof("⏭️ Skipping chunk, %s exists", c.OutputFile)
		return true
	}

	c.Status = common.ChunkStatusRunning
	s.update(ctx, i, c, EventStarted, 0, "")
	metrics.ChunksInFlight.Inc()
	defer metrics.ChunksInFlight.Dec()

	started := time.Now()
	meta, err := s.process(ctx, c)
	elapsed := time.Since(started)
	metrics.ChunkDuration.Observe(elapsed.Seconds())

	if err != nil {
		c.Status = common.ChunkStatusFailed
		c.LastError = err.Error()
		s.update(ctx, i, c, EventFailed, elapsed, "")
		metrics.Chunks.WithLabelValues(common.ChunkStatusFailed).Inc()
		log.WithError(err).Error("❌ Chunk failed")
		return false
	}

	c.Status = common.ChunkStatusDone
	c.Rows = meta.Rows
	c.LastError = ""
	s.update(ctx, i, c, EventCompleted, elapsed, meta.ObjectPath)
	metrics.Chunks.WithLabelValues(common.ChunkStatusDone).Inc()
	metrics.BlocksAnalyzed.Add(float64(meta.Rows))
	log.WithField("rows", meta.Rows).Infof("✅ Chunk done in %s", elapsed.Round(time.Millisecond))
	return false
}

func (s *Supervisor) process(ctx context.Context, c common.ChunkRecord) (persistence.ChunkMetadata, error) {
	rows, err := s.analyze(ctx, c.StartBlock, c.EndBlock)
	if err != nil {
		return persistence.ChunkMetadata{}, fmt.Errorf("failed to analyze blocks %d-%d: %w", c.StartBlock, c.EndBlock, err)
	}
	meta := persistence.ChunkMetadata{
		RunID:      s.cfg.RunID,
		ChunkID:    c.ID,
		StartBlock: c.StartBlock,
		EndBlock:   c.EndBlock,
	}
	return s.store.Write(ctx, meta, c.OutputFile, rows)
}

func (s *Supervisor) chunk(i int) common.ChunkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[i]
}

// update stores the new chunk state and reports it. Reporter failures are
// logged and never fail the chunk.
func (s *Supervisor) update(ctx context.Context, i int, c common.ChunkRecord, event string, elapsed time.Duration, objectPath string) {
	now := time.Now().UTC().Format(time.RFC3339)
	c.LastStatusUpdate = now

	s.mu.Lock()
	s.chunks[i] = c
	s.mu.Unlock()

	ev := ChunkEvent{
		RunID:           s.cfg.RunID,
		Event:           event,
		Chunk:           c,
		DurationSeconds: elapsed.Seconds(),
		ObjectPath:      objectPath,
		Timestamp:       now,
	}
	if err := s.reporter.ChunkEvent(ctx, ev); err != nil {
		s.log.WithError(err).WithField("chunk", c.ID).Warn("⚠️ Failed to report chunk event")
	}
}
