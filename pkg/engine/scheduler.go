package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RunMode selects whether a run applies units or only tests them.
type RunMode string

const (
	// RunModeApply tests each unit and applies it when needed.
	RunModeApply RunMode = "apply"

	// RunModeTest tests each unit and never applies.
	RunModeTest RunMode = "test"
)

// GroupResultMode controls the result information of a group whose
// children did not all succeed.
type GroupResultMode int

const (
	// GroupResultFirstChild copies the first failing child's result.
	GroupResultFirstChild GroupResultMode = iota

	// GroupResultGeneric reports CodeSetApplyFailed from the unit processing source.
	GroupResultGeneric
)

// AssertionsGroupType is the built-in group type whose children are all
// processed with IntentAssert.
const AssertionsGroupType = "configset/AssertionsGroup"

// IsAssertionsGroup reports whether a unit type names the built-in assertions group.
func IsAssertionsGroup(unitType string) bool {
	return strings.EqualFold(unitType, AssertionsGroupType)
}

// run holds the mutable state of one set-apply call. It is owned by a
// single worker goroutine.
type run struct {
	id           string
	mode         RunMode
	idx          *unitIndex
	agg          *aggregator
	setProcessor SetProcessor
	groupMode    GroupResultMode
	observer     Observer
	logger       zerolog.Logger
}

// execute validates the set and, if it is sound, processes every scope.
func (r *run) execute(ctx context.Context) *ApplySetResult {
	result := &ApplySetResult{RunID: r.id}

	if verr := validate(r.idx); verr != nil {
		r.logger.Error().
			Str("result_code", verr.Code.String()).
			Strs("cycle", verr.Cycle).
			Int("defects", len(verr.Defects)).
			Msg("Configuration set failed validation")

		r.markDefects(verr)
		r.agg.setStateChanged(SetStateCompleted)

		result.ResultCode = verr.Code
		result.UnitResults = r.agg.declared()
		return result
	}

	r.agg.setStateChanged(SetStateInProgress)
	finished := r.processScope(ctx, r.idx.top, "")
	r.agg.setStateChanged(SetStateCompleted)

	result.UnitResults = r.agg.processed()
	result.ResultCode = overallResultCode(result.UnitResults)
	if r.mode == RunModeTest {
		result.TestResult = overallTestResult(result.UnitResults)
	}
	if !finished {
		result.Cancelled = true
		if result.ResultCode.Succeeded() {
			result.ResultCode = CodeOperationCancelled
		}
	}
	return result
}

// markDefects records validation failures on the affected units. Duplicate
// and missing-dependency units complete with their defect; a cycle skips
// every unit in the set.
func (r *run) markDefects(verr *ValidationError) {
	if verr.Code == CodeSetDependencyCycle {
		info := ResultInformation{
			Code:        CodeDependencyUnsatisfied,
			Description: verr.Error(),
			Source:      ResultSourcePrecondition,
		}
		for _, n := range r.idx.nodes {
			r.finishUnit(n, UnitStateSkipped, info)
		}
		return
	}

	for _, d := range verr.Defects {
		n := r.idx.nodes[r.idx.byPtr[d.Unit]]
		r.finishUnit(n, UnitStateCompleted, d.Result)
	}
}

// processScope processes the units of one scope in stable topological
// order: each step takes the first remaining unit, in declaration order,
// whose dependencies are all terminal. It returns false if cancellation
// stopped it before every unit was processed.
func (r *run) processScope(ctx context.Context, scope []int, forced Intent) bool {
	remaining := append([]int(nil), scope...)

	for len(remaining) > 0 {
		if ctx.Err() != nil {
			r.logger.Info().Int("remaining", len(remaining)).Msg("Run cancelled, not starting further units")
			return false
		}

		pick := -1
		for i, n := range remaining {
			if r.ready(r.idx.nodes[n]) {
				pick = i
				break
			}
		}

		if pick < 0 {
			// Validation rules this out; never leave units unaccounted for.
			for _, n := range remaining {
				r.skipUnit(ctx, r.idx.nodes[n], ResultInformation{
					Code:        CodeDependencyUnsatisfied,
					Description: "dependencies could not be scheduled",
					Source:      ResultSourcePrecondition,
				})
			}
			return true
		}

		n := r.idx.nodes[remaining[pick]]
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		r.processUnit(ctx, n, forced)
	}

	return true
}

// ready reports whether every lifted dependency of n is terminal.
func (r *run) ready(n *unitNode) bool {
	for _, d := range n.lifted {
		if !r.idx.nodes[d].status.state.IsTerminal() {
			return false
		}
	}
	return true
}

// unsatisfied returns the first declared dependency that did not complete
// successfully, or nil.
func (r *run) unsatisfied(n *unitNode) *unitNode {
	for _, d := range n.deps {
		st := r.idx.nodes[d].status
		if st.state != UnitStateCompleted || !st.result.ResultInformation.Succeeded() {
			return r.idx.nodes[d]
		}
	}
	return nil
}

func (r *run) processUnit(ctx context.Context, n *unitNode, forced Intent) {
	r.agg.begin(n)

	if dep := r.unsatisfied(n); dep != nil {
		r.skipUnit(ctx, n, ResultInformation{
			Code:        CodeDependencyUnsatisfied,
			Description: fmt.Sprintf("dependency %s was not satisfied", dep.unit.DisplayName()),
			Details:     dep.unit.Identifier,
			Source:      ResultSourcePrecondition,
		})
		return
	}

	if !n.unit.IsActive() {
		r.skipUnit(ctx, n, ResultInformation{
			Code:        CodeManuallySkipped,
			Description: "unit is not active",
			Source:      ResultSourcePrecondition,
		})
		return
	}

	start := time.Now()
	unitCtx := r.observer.UnitStarted(ctx, r.id, n.unit)

	if err := n.status.transition(UnitStateInProgress); err != nil {
		r.logger.Error().Err(err).Str("unit", n.unit.DisplayName()).Msg("Failed to start unit")
		return
	}
	r.agg.unitStateChanged(n)

	var info ResultInformation
	if n.unit.IsGroup {
		info = r.processGroup(unitCtx, n, forced)
	} else {
		// The in-flight unit always runs to completion.
		info = r.processLeaf(context.WithoutCancel(unitCtx), n, intentFor(n.unit, forced))
	}

	r.finishUnit(n, UnitStateCompleted, info)
	r.observer.UnitCompleted(unitCtx, r.id, n.status.snapshot(), time.Since(start))
}

// skipUnit moves a unit straight to Skipped. The children of a skipped group
// are skipped with it.
func (r *run) skipUnit(ctx context.Context, n *unitNode, info ResultInformation) {
	r.agg.begin(n)
	r.finishUnit(n, UnitStateSkipped, info)
	r.observer.UnitCompleted(ctx, r.id, n.status.snapshot(), 0)

	for _, d := range r.idx.descendants(n.index) {
		child := r.idx.nodes[d]
		if child.status.state.IsTerminal() {
			continue
		}
		r.agg.begin(child)
		r.finishUnit(child, UnitStateSkipped, ResultInformation{
			Code:        CodeDependencyUnsatisfied,
			Description: fmt.Sprintf("group %s was skipped", n.unit.DisplayName()),
			Details:     n.unit.Identifier,
			Source:      ResultSourcePrecondition,
		})
		r.observer.UnitCompleted(ctx, r.id, child.status.snapshot(), 0)
	}
}

// finishUnit records a terminal state and publishes it.
func (r *run) finishUnit(n *unitNode, state UnitState, info ResultInformation) {
	if err := n.status.finish(state, info); err != nil {
		r.logger.Error().Err(err).Str("unit", n.unit.DisplayName()).Msg("Failed to finish unit")
		return
	}
	r.agg.unitStateChanged(n)
}

func intentFor(u *ConfigurationUnit, forced Intent) Intent {
	if forced != "" {
		return forced
	}
	return u.EffectiveIntent()
}

// processLeaf invokes the unit processor for a single non-group unit.
func (r *run) processLeaf(ctx context.Context, n *unitNode, intent Intent) ResultInformation {
	res := &n.status.result

	up, err := r.setProcessor.CreateUnitProcessor(ctx, n.unit)
	if err != nil {
		return resultFromError(err)
	}
	if up == nil {
		return ResultInformation{
			Code:        CodeUnitNotFound,
			Description: fmt.Sprintf("no processor for unit type %s", n.unit.Type),
			Source:      ResultSourceInternal,
		}
	}

	if intent == IntentInform {
		settings, err := up.GetSettings(ctx)
		if err != nil {
			return resultFromError(err)
		}
		res.Settings = settings
		return newResult(CodeSuccess, ResultSourceNone)
	}

	test, info := r.testSettings(ctx, up, intent)
	if !info.Succeeded() {
		res.TestResult = TestResultFailed
		return info
	}
	res.TestResult = test.Result

	switch test.Result {
	case TestResultPositive:
		res.PreviouslyInDesiredState = true
		return newResult(CodeSuccess, ResultSourceNone)

	case TestResultNegative:
		if r.mode == RunModeTest {
			return newResult(CodeSuccess, ResultSourceNone)
		}
		if intent == IntentAssert {
			return assertionFailed(n.unit)
		}

		applied, err := up.ApplySettings(ctx)
		if err != nil {
			return resultFromError(err)
		}
		info := normalizeResult(applied.ResultInformation, ResultSourceUnitProcessing)
		if info.Succeeded() {
			res.RebootRequired = applied.RebootRequired
		}
		return info

	case TestResultFailed:
		return failedTest(test.ResultInformation)

	default:
		res.TestResult = TestResultFailed
		return unexpectedTestResult(test.Result)
	}
}

// testSettings calls TestSettings unless the intent forbids it.
func (r *run) testSettings(ctx context.Context, up UnitProcessor, intent Intent) (TestSettingsResult, ResultInformation) {
	if intent == IntentInform {
		r.logger.Error().Err(ErrInformIntentTest).Msg("Refusing to test a unit with inform intent")
		return TestSettingsResult{}, ResultInformation{
			Code:        CodeNotSupported,
			Description: ErrInformIntentTest.Error(),
			Source:      ResultSourceInternal,
		}
	}

	test, err := up.TestSettings(ctx)
	if err != nil {
		return test, resultFromError(err)
	}
	return test, newResult(CodeSuccess, ResultSourceNone)
}

func assertionFailed(u *ConfigurationUnit) ResultInformation {
	return ResultInformation{
		Code:        CodeAssertionFailed,
		Description: fmt.Sprintf("assertion %s is not in the desired state", u.DisplayName()),
		Source:      ResultSourcePrecondition,
	}
}

func failedTest(info ResultInformation) ResultInformation {
	if info.Code.Succeeded() {
		info.Code = CodeUnexpected
	}
	return normalizeResult(info, ResultSourceUnitProcessing)
}

func unexpectedTestResult(result TestResult) ResultInformation {
	return ResultInformation{
		Code:        CodeUnexpected,
		Description: fmt.Sprintf("unexpected test result %q", result),
		Source:      ResultSourceInternal,
	}
}

// processGroup processes a group either through a GroupProcessor or by
// scheduling its children as a nested scope.
func (r *run) processGroup(ctx context.Context, n *unitNode, forced Intent) ResultInformation {
	workCtx := context.WithoutCancel(ctx)
	childIntent := forced

	if IsAssertionsGroup(n.unit.Type) {
		childIntent = IntentAssert
	} else if src, ok := r.setProcessor.(GroupProcessorSource); ok {
		gp, handled, err := src.CreateGroupProcessor(workCtx, n.unit)
		if err != nil {
			info := resultFromError(err)
			r.skipUnreported(ctx, n)
			return info
		}
		if handled && gp != nil {
			return r.runGroupProcessor(workCtx, n, gp, intentFor(n.unit, forced))
		}
	}

	if !r.processScope(ctx, n.children, childIntent) {
		return ResultInformation{
			Code:        CodeOperationCancelled,
			Description: fmt.Sprintf("processing of group %s was cancelled", n.unit.DisplayName()),
			Source:      ResultSourceInternal,
		}
	}
	return r.groupResult(n)
}

// groupResult folds the results of a group's children.
func (r *run) groupResult(n *unitNode) ResultInformation {
	res := &n.status.result
	allPrevious := len(n.children) > 0
	test := TestResultUnknown
	var failed *ResultInformation

	for _, i := range r.agg.order {
		child := r.idx.nodes[i]
		if child.parent != n.index {
			continue
		}
		cr := child.status.result
		if cr.RebootRequired {
			res.RebootRequired = true
		}
		if !cr.PreviouslyInDesiredState {
			allPrevious = false
		}
		test = foldTestResult(test, cr.TestResult)
		if failed == nil && !cr.ResultInformation.Succeeded() {
			info := cr.ResultInformation
			failed = &info
		}
	}

	res.PreviouslyInDesiredState = allPrevious && failed == nil
	res.TestResult = test

	if failed == nil {
		return newResult(CodeSuccess, ResultSourceNone)
	}
	if r.groupMode == GroupResultGeneric {
		return ResultInformation{
			Code:        CodeSetApplyFailed,
			Description: fmt.Sprintf("one or more units in group %s failed", n.unit.DisplayName()),
			Source:      ResultSourceUnitProcessing,
		}
	}
	return *failed
}

// runGroupProcessor drives a GroupProcessor and records the child results
// it reports.
func (r *run) runGroupProcessor(ctx context.Context, n *unitNode, gp GroupProcessor, intent Intent) ResultInformation {
	res := &n.status.result
	finalize := func(units []GroupUnitResult, info ResultInformation) ResultInformation {
		r.recordGroupUnits(ctx, n, units)
		r.skipUnreported(ctx, n)
		return info
	}

	if intent == IntentInform {
		got, err := gp.GetGroup(ctx)
		if err != nil {
			return finalize(nil, resultFromError(err))
		}
		return finalize(got.UnitResults, normalizeResult(got.ResultInformation, ResultSourceUnitProcessing))
	}

	test, err := gp.TestGroup(ctx)
	if err != nil {
		res.TestResult = TestResultFailed
		return finalize(nil, resultFromError(err))
	}
	res.TestResult = test.TestResult

	switch test.TestResult {
	case TestResultPositive:
		res.PreviouslyInDesiredState = true
		return finalize(test.UnitResults, newResult(CodeSuccess, ResultSourceNone))

	case TestResultNegative:
		if r.mode == RunModeTest {
			return finalize(test.UnitResults, newResult(CodeSuccess, ResultSourceNone))
		}
		if intent == IntentAssert {
			return finalize(test.UnitResults, assertionFailed(n.unit))
		}

		applied, err := gp.ApplyGroup(ctx)
		if err != nil {
			return finalize(nil, resultFromError(err))
		}
		info := normalizeResult(applied.ResultInformation, ResultSourceUnitProcessing)
		if info.Succeeded() {
			res.RebootRequired = applied.RebootRequired
		}
		return finalize(applied.UnitResults, info)

	case TestResultFailed:
		return finalize(test.UnitResults, failedTest(test.ResultInformation))

	default:
		res.TestResult = TestResultFailed
		return finalize(test.UnitResults, unexpectedTestResult(test.TestResult))
	}
}

// recordGroupUnits completes the children reported by a GroupProcessor. The
// first report for a unit wins.
func (r *run) recordGroupUnits(ctx context.Context, n *unitNode, units []GroupUnitResult) {
	for _, ur := range units {
		i, ok := r.idx.byPtr[ur.Unit]
		if !ok || !r.idx.isAncestor(n.index, i) {
			r.logger.Warn().
				Str("group", n.unit.DisplayName()).
				Msg("Group processor reported a unit outside the group")
			continue
		}
		child := r.idx.nodes[i]
		if child.status.state.IsTerminal() {
			continue
		}

		r.agg.begin(child)
		child.status.result.PreviouslyInDesiredState = ur.PreviouslyInDesiredState
		child.status.result.TestResult = ur.TestResult
		child.status.result.Settings = ur.Settings
		info := normalizeResult(ur.ResultInformation, ResultSourceUnitProcessing)
		if info.Succeeded() {
			child.status.result.RebootRequired = ur.RebootRequired
		}
		r.finishUnit(child, UnitStateCompleted, info)
		r.observer.UnitCompleted(ctx, r.id, child.status.snapshot(), 0)
	}
}

// skipUnreported marks every descendant the group processor did not report.
func (r *run) skipUnreported(ctx context.Context, n *unitNode) {
	for _, d := range r.idx.descendants(n.index) {
		child := r.idx.nodes[d]
		if child.status.state.IsTerminal() {
			continue
		}

		info := ResultInformation{
			Code:        CodeDependencyUnsatisfied,
			Description: fmt.Sprintf("unit was not processed by group %s", n.unit.DisplayName()),
			Details:     n.unit.Identifier,
			Source:      ResultSourcePrecondition,
		}
		if !child.unit.IsActive() {
			info = ResultInformation{
				Code:        CodeManuallySkipped,
				Description: "unit is not active",
				Source:      ResultSourcePrecondition,
			}
		}

		r.agg.begin(child)
		r.finishUnit(child, UnitStateSkipped, info)
		r.observer.UnitCompleted(ctx, r.id, child.status.snapshot(), 0)
	}
}
