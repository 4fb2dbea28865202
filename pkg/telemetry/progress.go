package telemetry

import (
	"sync"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/rs/zerolog"
)

// ProgressLogger writes engine progress events to a logger.
type ProgressLogger struct {
	logger *Logger
	config ProgressConfig

	mu     sync.Mutex
	counts map[engine.UnitState]int
}

// NewProgressLogger creates a progress logger.
func NewProgressLogger(logger *Logger, cfg ProgressConfig) *ProgressLogger {
	return &ProgressLogger{
		logger: logger.NewComponentLogger("progress"),
		config: cfg,
		counts: make(map[engine.UnitState]int),
	}
}

// Handle logs one event. It is used as an engine.ProgressHandler.
func (p *ProgressLogger) Handle(ev engine.ProgressEvent) {
	zlog := p.logger.Zerolog()

	if ev.Kind == engine.EventSetStateChanged {
		zlog.Info().
			Int("sequence", ev.Sequence).
			Str("set_state", string(ev.SetState)).
			Msg("Configuration set state changed")
		return
	}

	p.mu.Lock()
	if ev.UnitState.IsTerminal() {
		p.counts[ev.UnitState]++
	}
	p.mu.Unlock()

	failed := !ev.ResultInformation.Succeeded()
	if p.config.FailuresOnly && !failed {
		return
	}

	var e *zerolog.Event
	switch {
	case failed && ev.UnitState == engine.UnitStateSkipped:
		e = zlog.Warn()
	case failed:
		e = zlog.Error()
	case ev.UnitState == engine.UnitStateInProgress:
		e = zlog.Debug()
	default:
		e = zlog.Info()
	}

	e = e.Int("sequence", ev.Sequence).
		Str("unit", ev.Unit.DisplayName()).
		Str("unit_type", ev.Unit.Type).
		Str("unit_state", string(ev.UnitState))
	if failed {
		e = e.Str("result_code", ev.ResultInformation.Code.String()).
			Str("result_source", string(ev.ResultInformation.Source)).
			Str("details", ev.ResultInformation.Details)
		if ev.ResultInformation.Description != "" {
			e = e.Str("description", ev.ResultInformation.Description)
		}
	}
	e.Msg("Unit state changed")
}

// Counts returns how many units reached each terminal state so far.
func (p *ProgressLogger) Counts() map[engine.UnitState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[engine.UnitState]int, len(p.counts))
	for k, v := range p.counts {
		out[k] = v
	}
	return out
}
