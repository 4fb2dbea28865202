package engine

import (
	"time"

	"github.com/rs/zerolog"
)

// aggregator owns the ordered result list and the progress stream of a run.
// It is used only by the worker goroutine driving that run.
type aggregator struct {
	idx    *unitIndex
	events chan<- ProgressEvent
	logger zerolog.Logger

	// order holds unit indices in the order processing started.
	order []int
	begun map[int]bool
	seq   int
}

func newAggregator(idx *unitIndex, events chan<- ProgressEvent, logger zerolog.Logger) *aggregator {
	return &aggregator{
		idx:    idx,
		events: events,
		logger: logger,
		begun:  make(map[int]bool),
	}
}

// begin appends a unit to the processing order.
func (a *aggregator) begin(n *unitNode) {
	if a.begun[n.index] {
		return
	}
	a.begun[n.index] = true
	a.order = append(a.order, n.index)
}

// publish sends an event to the dispatcher. The send blocks while the
// bounded channel is full so that no event is ever dropped.
func (a *aggregator) publish(ev ProgressEvent) {
	ev.Sequence = a.seq
	ev.Timestamp = time.Now()
	a.seq++
	a.events <- ev
}

func (a *aggregator) setStateChanged(state SetState) {
	a.logger.Debug().Str("set_state", string(state)).Msg("Set state changed")
	a.publish(ProgressEvent{Kind: EventSetStateChanged, SetState: state})
}

func (a *aggregator) unitStateChanged(n *unitNode) {
	st := n.status
	a.logger.Debug().
		Str("unit", n.unit.DisplayName()).
		Str("unit_state", string(st.state)).
		Str("result_code", st.result.ResultInformation.Code.String()).
		Msg("Unit state changed")
	a.publish(ProgressEvent{
		Kind:              EventUnitStateChanged,
		Unit:              n.unit,
		UnitState:         st.state,
		ResultInformation: st.result.ResultInformation,
	})
}

// processed returns results for every begun unit in processing order.
func (a *aggregator) processed() []*ApplyUnitResult {
	out := make([]*ApplyUnitResult, 0, len(a.order))
	for _, i := range a.order {
		st := a.idx.nodes[i].status
		if !st.state.IsTerminal() {
			continue
		}
		out = append(out, st.snapshot())
	}
	return out
}

// declared returns results for every unit in flattened declaration order.
func (a *aggregator) declared() []*ApplyUnitResult {
	out := make([]*ApplyUnitResult, 0, len(a.idx.nodes))
	for _, n := range a.idx.nodes {
		out = append(out, n.status.snapshot())
	}
	return out
}

// overallResultCode returns the first failing code in result order. Manual
// skips only count when nothing else failed.
func overallResultCode(results []*ApplyUnitResult) ResultCode {
	manual := false
	for _, r := range results {
		code := r.ResultInformation.Code
		switch {
		case code.Succeeded():
			continue
		case code == CodeManuallySkipped:
			manual = true
		default:
			return code
		}
	}
	if manual {
		return CodeManuallySkipped
	}
	return CodeSuccess
}

// overallTestResult folds unit test results: any failure wins over any
// negative, which wins over positive.
func overallTestResult(results []*ApplyUnitResult) TestResult {
	out := TestResultUnknown
	for _, r := range results {
		out = foldTestResult(out, r.TestResult)
	}
	return out
}

func foldTestResult(acc, next TestResult) TestResult {
	rank := map[TestResult]int{
		TestResultUnknown:  0,
		TestResultPositive: 1,
		TestResultNegative: 2,
		TestResultFailed:   3,
	}
	if rank[next] > rank[acc] {
		return next
	}
	return acc
}
