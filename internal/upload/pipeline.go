package upload

import (
	"context"
	"errors"
	"time"

	"github.com/mimuc/sense-agent/internal/api"
	"github.com/mimuc/sense-agent/internal/readings"
	"github.com/mimuc/sense-agent/internal/retry"
	"go.uber.org/zap"
)

// Outcome classifies the result of one upload cycle for the invoking job
// runner.
type Outcome string

const (
	// OutcomeSuccess means the queue was fully drained.
	OutcomeSuccess Outcome = "success"
	// OutcomeRetry means a connectivity/timeout failure interrupted the
	// drain; partial progress is preserved and the cycle should be retried.
	OutcomeRetry Outcome = "retry"
	// OutcomePermanentFailure means the cycle was abandoned until the next
	// scheduled invocation.
	OutcomePermanentFailure Outcome = "permanent_failure"
)

const (
	defaultBatchSize = 200
	// Caps the drain loop so a misbehaving store cannot spin the cycle
	// forever. At the default batch size this bounds one cycle at 200k rows.
	defaultMaxBatchesPerCycle = 1000
)

var (
	errMissingSource = errors.New("upload: reading source is required")
	errMissingPoster = errors.New("upload: batch poster is required")
)

// ReadingSource is the slice of the reading store the pipeline consumes: it
// is the only writer of the synced flag.
type ReadingSource interface {
	NextUnsynced(ctx context.Context, n int) ([]readings.SensorReading, error)
	MarkSynced(ctx context.Context, ids []int64) error
}

// BatchPoster ships one serialized batch to the remote ingestion endpoint.
type BatchPoster interface {
	PostReadingBatch(ctx context.Context, token string, batch []api.ReadingPayload) error
}

// PipelineConfig bundles the pipeline's collaborators.
type PipelineConfig struct {
	Source             ReadingSource
	Poster             BatchPoster
	BatchSize          int
	MaxBatchesPerCycle int
	Logger             *zap.Logger
}

// Pipeline drains the local reading queue against the remote endpoint in
// bounded batches.
type Pipeline struct {
	source             ReadingSource
	poster             BatchPoster
	batchSize          int
	maxBatchesPerCycle int
	logger             *zap.Logger
}

// NewPipeline constructs the pipeline with validated configuration.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Poster == nil {
		return nil, errMissingPoster
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxBatches := cfg.MaxBatchesPerCycle
	if maxBatches <= 0 {
		maxBatches = defaultMaxBatchesPerCycle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		source:             cfg.Source,
		poster:             cfg.Poster,
		batchSize:          batchSize,
		maxBatchesPerCycle: maxBatches,
		logger:             logger,
	}, nil
}

// RunCycle drains unsynced readings batch by batch until the queue is empty
// or a failure interrupts it. Batches are shipped strictly in capture order
// and each batch is marked synced before the next is fetched, so a failing
// cycle keeps the progress of its earlier batches. A batch is all-synced or
// not-synced; the local flag flips only after full-batch acknowledgment.
func (p *Pipeline) RunCycle(ctx context.Context, token string) Outcome {
	if token == "" {
		p.logger.Warn("upload cycle skipped", zap.String("reason", "missing_token"))
		return OutcomePermanentFailure
	}

	start := time.Now()
	synced := 0
	for iteration := 0; iteration < p.maxBatchesPerCycle; iteration++ {
		batch, err := p.source.NextUnsynced(ctx, p.batchSize)
		if err != nil {
			p.logger.Error("upload cycle aborted",
				zap.String("reason", "fetch_failed"),
				zap.Error(err))
			return OutcomePermanentFailure
		}
		if len(batch) == 0 {
			p.logger.Info("upload cycle drained queue",
				zap.Int("readings_synced", synced),
				zap.Duration("elapsed", time.Since(start)))
			return OutcomeSuccess
		}

		payload := make([]api.ReadingPayload, 0, len(batch))
		ids := make([]int64, 0, len(batch))
		for _, reading := range batch {
			payload = append(payload, api.ReadingPayload{
				SensorType: reading.SensorName,
				Timestamp:  reading.TimestampMillis,
				Data:       reading.Data,
			})
			ids = append(ids, reading.ID)
		}

		if err := p.poster.PostReadingBatch(ctx, token, payload); err != nil {
			if retry.IsTransient(err) {
				p.logger.Warn("upload cycle interrupted",
					zap.Int("readings_synced", synced),
					zap.Error(err))
				return OutcomeRetry
			}
			p.logger.Error("upload cycle rejected",
				zap.Int("readings_synced", synced),
				zap.Error(err))
			return OutcomePermanentFailure
		}

		if err := p.source.MarkSynced(ctx, ids); err != nil {
			p.logger.Error("upload cycle aborted",
				zap.String("reason", "mark_synced_failed"),
				zap.Error(err))
			return OutcomePermanentFailure
		}
		synced += len(batch)
	}

	p.logger.Warn("upload cycle hit batch cap",
		zap.Int("readings_synced", synced),
		zap.Int("max_batches", p.maxBatchesPerCycle))
	return OutcomeRetry
}
