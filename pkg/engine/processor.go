package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultProgressBuffer is the default capacity of the progress channel
// between the worker and the dispatcher.
const DefaultProgressBuffer = 64

// ProgressHandler receives progress events in order on the dispatcher goroutine.
type ProgressHandler func(event ProgressEvent)

type options struct {
	logger     zerolog.Logger
	observer   Observer
	recorder   Recorder
	gate       Gate
	groupMode  GroupResultMode
	bufferSize int
	handlers   []ProgressHandler
}

// Option configures a Processor or a single call.
type Option func(*options)

// WithLogger sets the logger used for run diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver registers timing hooks for metrics and tracing.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithRecorder persists run history.
func WithRecorder(recorder Recorder) Option {
	return func(o *options) {
		o.recorder = recorder
	}
}

// WithGate sets the admission check evaluated before processing starts.
func WithGate(gate Gate) Option {
	return func(o *options) {
		o.gate = gate
	}
}

// WithGroupResultMode selects how failing children surface on their group.
func WithGroupResultMode(mode GroupResultMode) Option {
	return func(o *options) {
		o.groupMode = mode
	}
}

// WithProgressBuffer sets the progress channel capacity. The worker blocks
// when the buffer is full.
func WithProgressBuffer(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithProgressHandler adds a progress handler. Handlers run in registration order.
func WithProgressHandler(handler ProgressHandler) Option {
	return func(o *options) {
		if handler != nil {
			o.handlers = append(o.handlers, handler)
		}
	}
}

// Processor applies and tests configuration sets.
type Processor struct {
	factory SetProcessorFactory
	opts    options
}

// NewProcessor creates a processor that obtains set processors from factory.
func NewProcessor(factory SetProcessorFactory, opts ...Option) *Processor {
	o := options{
		logger:     zerolog.Nop(),
		observer:   nopObserver{},
		bufferSize: DefaultProgressBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "engine").Logger()
	return &Processor{factory: factory, opts: o}
}

// ApplySet applies a configuration set and waits for the result.
func (p *Processor) ApplySet(ctx context.Context, set *ConfigurationSet, opts ...Option) (*ApplySetResult, error) {
	op := p.start(ctx, set, RunModeApply, opts)
	<-op.Done()
	return op.Result()
}

// ApplySetAsync starts applying a configuration set in the background.
func (p *Processor) ApplySetAsync(ctx context.Context, set *ConfigurationSet, opts ...Option) *Operation {
	return p.start(ctx, set, RunModeApply, opts)
}

// TestSet tests every unit of a configuration set without applying anything.
func (p *Processor) TestSet(ctx context.Context, set *ConfigurationSet, opts ...Option) (*ApplySetResult, error) {
	op := p.start(ctx, set, RunModeTest, opts)
	<-op.Done()
	return op.Result()
}

// TestSetAsync starts testing a configuration set in the background.
func (p *Processor) TestSetAsync(ctx context.Context, set *ConfigurationSet, opts ...Option) *Operation {
	return p.start(ctx, set, RunModeTest, opts)
}

func (p *Processor) start(ctx context.Context, set *ConfigurationSet, mode RunMode, extra []Option) *Operation {
	cfg := p.opts
	cfg.handlers = append([]ProgressHandler(nil), p.opts.handlers...)
	for _, opt := range extra {
		opt(&cfg)
	}

	runCtx, cancel := context.WithCancel(ctx)
	op := newOperation(uuid.New().String(), mode, cancel)
	logger := cfg.logger.With().Str("run_id", op.id).Str("mode", string(mode)).Logger()
	recCtx := context.WithoutCancel(ctx)

	events := make(chan ProgressEvent, cfg.bufferSize)
	go op.dispatch(recCtx, events, cfg.handlers, cfg.recorder, logger)

	go func() {
		defer cancel()

		result, err := p.execute(runCtx, op.id, set, mode, cfg, events, logger)
		close(events)
		<-op.dispatched

		if cfg.recorder != nil && set != nil {
			if rerr := cfg.recorder.RecordRunCompleted(recCtx, op.id, result, err); rerr != nil {
				logger.Warn().Err(rerr).Msg("Failed to record run completion")
			}
		}
		op.complete(result, err)
	}()

	return op
}

// execute performs setup and then drives the run on the calling goroutine.
// Setup failures return an error and no result.
func (p *Processor) execute(ctx context.Context, runID string, set *ConfigurationSet, mode RunMode,
	cfg options, events chan<- ProgressEvent, logger zerolog.Logger) (*ApplySetResult, error) {
	if set == nil {
		return nil, ErrNilSet
	}

	logger = logger.With().Str("set", set.Name).Logger()
	startedAt := time.Now()

	info := RunInfo{ID: runID, Mode: mode, Set: set, StartedAt: startedAt}

	if cfg.recorder != nil {
		if err := cfg.recorder.RecordRunStarted(context.WithoutCancel(ctx), info); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		}
	}

	if cfg.gate != nil {
		if err := cfg.gate.Evaluate(ctx, set); err != nil {
			logger.Warn().Err(err).Msg("Configuration set rejected by policy")
			return nil, NewPermanentError("configuration set rejected by policy", err).
				WithCode(ErrCodePolicyDenied).
				WithResource(set.Name).
				WithOperation(string(mode))
		}
	}

	if p.factory == nil {
		return nil, ErrNoSetProcessor
	}

	setProcessor, err := p.factory.CreateSetProcessor(ctx, set)
	if err == nil && setProcessor == nil {
		err = ErrNoSetProcessor
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create set processor")
		return nil, NewPermanentError("failed to create set processor", err).
			WithCode(ErrCodeSetProcessor).
			WithResource(set.Name).
			WithOperation(string(mode))
	}

	idx := buildIndex(set)
	setCtx := cfg.observer.SetStarted(ctx, info)

	logger.Info().Int("units", len(idx.nodes)).Msg("Processing configuration set")

	r := &run{
		id:           runID,
		mode:         mode,
		idx:          idx,
		agg:          newAggregator(idx, events, logger),
		setProcessor: setProcessor,
		groupMode:    cfg.groupMode,
		observer:     cfg.observer,
		logger:       logger,
	}
	result := r.execute(setCtx)
	result.StartedAt = startedAt
	result.CompletedAt = time.Now()

	duration := result.CompletedAt.Sub(startedAt)
	cfg.observer.SetCompleted(setCtx, info, result, duration)

	logger.Info().
		Str("result_code", result.ResultCode.String()).
		Int("units", len(result.UnitResults)).
		Bool("cancelled", result.Cancelled).
		Dur("duration", duration).
		Msg("Configuration set processed")

	if result.Cancelled {
		return result, fmt.Errorf("%w: %v", ErrOperationCancelled, context.Cause(ctx))
	}
	return result, nil
}

type nopObserver struct{}

func (nopObserver) SetStarted(ctx context.Context, _ RunInfo) context.Context {
	return ctx
}

func (nopObserver) SetCompleted(context.Context, RunInfo, *ApplySetResult, time.Duration) {}

func (nopObserver) UnitStarted(ctx context.Context, _ string, _ *ConfigurationUnit) context.Context {
	return ctx
}

func (nopObserver) UnitCompleted(context.Context, string, *ApplyUnitResult, time.Duration) {}
