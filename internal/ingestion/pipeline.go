package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medstore-io/medstore/internal/dicom"
)

// DefaultMaxParallelism is the number of entries processed concurrently per batch.
const DefaultMaxParallelism = 4

var (
	// ErrBatchNotStarted is returned when the context is done before any entry is accepted.
	ErrBatchNotStarted = errors.New("batch not started")

	// ErrBatchCancelled is returned when the context is done while the batch is in flight.
	// No partial response is produced.
	ErrBatchCancelled = errors.New("batch cancelled")

	// ErrBuildResponse wraps a failure of ResponseBuilder.BuildResponse.
	ErrBuildResponse = errors.New("failed to build store response")

	// ErrNilEntry is the failure recorded for a nil entry in a batch.
	ErrNilEntry = errors.New("instance entry cannot be nil")

	// ErrStagePanic is the failure recorded when a collaborator panics.
	ErrStagePanic = errors.New("panic while processing instance")
)

type stage string

const (
	stageRetrieve stage = "retrieve"
	stageValidate stage = "validate"
	stageStore    stage = "store"
)

// Pipeline runs each entry of a batch through retrieve, validate and store.
//
// Per-entry failures are recorded as outcomes and never fail the batch. Entries run
// on a bounded worker pool; outcomes flow over a channel to a single aggregator that
// owns the ResponseBuilder, records each outcome and then releases its entry.
type Pipeline struct {
	validator      DatasetValidator
	storer         InstanceStorer
	newBuilder     ResponseBuilderFactory
	maxParallelism int
	logger         *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithMaxParallelism bounds the number of entries processed concurrently.
// Values below one are ignored.
func WithMaxParallelism(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxParallelism = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a Pipeline. newBuilder is called once per batch.
func NewPipeline(
	validator DatasetValidator,
	storer InstanceStorer,
	newBuilder ResponseBuilderFactory,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		validator:      validator,
		storer:         storer,
		newBuilder:     newBuilder,
		maxParallelism: DefaultMaxParallelism,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

type outcome struct {
	lease   *lease
	dataset *dicom.Dataset
	failure *Failure
	stage   stage
}

// lease guarantees a single Release per entry whichever goroutine gets there first.
type lease struct {
	entry InstanceEntry
	index int
	once  sync.Once
}

// Process runs the batch and returns the built response.
//
// Every entry is released exactly once before Process returns. An entry's release
// happens after its outcome is recorded. If ctx is done before the batch starts,
// Process returns ErrBatchNotStarted; if it is done mid-batch, ErrBatchCancelled.
func (p *Pipeline) Process(
	ctx context.Context,
	entries []InstanceEntry,
	requiredStudyInstanceUID string,
) (*StoreResponse, error) {
	builder := p.newBuilder()

	if len(entries) == 0 {
		return p.build(builder, requiredStudyInstanceUID)
	}

	if err := ctx.Err(); err != nil {
		for i, entry := range entries {
			p.release(&lease{entry: entry, index: i})
		}

		return nil, fmt.Errorf("%w: %w", ErrBatchNotStarted, err)
	}

	start := time.Now()
	outcomes := make(chan outcome)
	aggregated := make(chan struct{})

	go func() {
		defer close(aggregated)

		for o := range outcomes {
			p.record(builder, o)
			p.release(o.lease)
		}
	}()

	var g errgroup.Group

	g.SetLimit(p.maxParallelism)

	for i, entry := range entries {
		l := &lease{entry: entry, index: i}

		if ctx.Err() != nil {
			p.release(l)

			continue
		}

		g.Go(func() error {
			p.processEntry(ctx, l, requiredStudyInstanceUID, outcomes)

			return nil
		})
	}

	_ = g.Wait()

	close(outcomes)
	<-aggregated

	if err := ctx.Err(); err != nil {
		p.logger.Warn("Store batch cancelled",
			slog.Int("entries", len(entries)),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))

		return nil, fmt.Errorf("%w: %w", ErrBatchCancelled, err)
	}

	p.logger.Debug("Store batch processed",
		slog.Int("entries", len(entries)),
		slog.Duration("duration", time.Since(start)))

	return p.build(builder, requiredStudyInstanceUID)
}

func (p *Pipeline) build(builder ResponseBuilder, requiredStudyInstanceUID string) (*StoreResponse, error) {
	resp, err := builder.BuildResponse(requiredStudyInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildResponse, err)
	}

	return resp, nil
}

// processEntry hands the outcome to the aggregator, which then owns the release.
// If the handoff is abandoned because ctx is done, the worker releases the entry.
func (p *Pipeline) processEntry(
	ctx context.Context,
	l *lease,
	requiredStudyInstanceUID string,
	outcomes chan<- outcome,
) {
	handedOff := false

	defer func() {
		if !handedOff {
			p.release(l)
		}
	}()

	o := p.runStages(ctx, l, requiredStudyInstanceUID)

	select {
	case outcomes <- o:
		handedOff = true
	case <-ctx.Done():
	}
}

func (p *Pipeline) runStages(ctx context.Context, l *lease, requiredStudyInstanceUID string) (o outcome) {
	o = outcome{lease: l, stage: stageRetrieve}

	defer func() {
		if r := recover(); r != nil {
			o.failure = &Failure{Kind: FailureGeneric, Err: fmt.Errorf("%w: %v", ErrStagePanic, r)}
		}
	}()

	if l.entry == nil {
		o.failure = &Failure{Kind: FailureGeneric, Err: ErrNilEntry}

		return o
	}

	ds, err := l.entry.GetDataset(ctx)
	if err == nil && ds == nil {
		err = ErrNilDataset
	}

	if err != nil {
		o.failure = ClassifyRetrieveError(err)

		return o
	}

	o.dataset = ds
	o.stage = stageValidate

	if err := p.validator.Validate(ds, requiredStudyInstanceUID); err != nil {
		o.failure = ClassifyValidateError(err)

		return o
	}

	o.stage = stageStore

	if err := p.storer.StoreDicomInstanceEntry(ctx, l.entry); err != nil {
		o.failure = ClassifyStoreError(err)
	}

	return o
}

// record runs on the aggregator goroutine only. A panicking builder loses the
// outcome but not the batch.
func (p *Pipeline) record(builder ResponseBuilder, o outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Failed to record instance outcome",
				slog.Int("entry", o.lease.index),
				slog.String("error", fmt.Sprintf("%v: %v", ErrStagePanic, r)))
		}
	}()

	if o.failure == nil {
		builder.AddSuccess(o.dataset)

		return
	}

	code := o.failure.ReasonCode()

	p.logger.Warn("Instance not stored",
		slog.Int("entry", o.lease.index),
		slog.String("sop_instance_uid", o.dataset.String(dicom.SOPInstanceUID)),
		slog.String("stage", string(o.stage)),
		slog.String("failure_kind", o.failure.Kind.String()),
		slog.Int("failure_reason", int(code)),
		slog.String("error", o.failure.Error()))

	builder.AddFailure(o.dataset, code)
}

func (p *Pipeline) release(l *lease) {
	if l.entry == nil {
		return
	}

	l.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Failed to release instance entry",
					slog.Int("entry", l.index),
					slog.String("error", fmt.Sprintf("%v: %v", ErrStagePanic, r)))
			}
		}()

		if err := l.entry.Release(); err != nil {
			p.logger.Warn("Failed to release instance entry",
				slog.Int("entry", l.index),
				slog.String("error", err.Error()))
		}
	})
}
