package engine

import (
	"context"
	"sync"
	"time"
)

// fakeBehavior scripts the responses of one unit processor.
type fakeBehavior struct {
	test      TestResult
	testInfo  ResultInformation
	testErr   error
	applyInfo ResultInformation
	applyErr  error
	reboot    bool
	settings  map[string]interface{}
	createErr error
}

// fakeSetProcessor hands out scripted unit processors keyed by identifier.
// Units without a behavior test negative and apply successfully.
type fakeSetProcessor struct {
	mu        sync.Mutex
	behaviors map[string]fakeBehavior
	calls     []string
	onCall    func(call string)
}

func newFakeSetProcessor() *fakeSetProcessor {
	return &fakeSetProcessor{behaviors: make(map[string]fakeBehavior)}
}

func (f *fakeSetProcessor) set(id string, b fakeBehavior) *fakeSetProcessor {
	f.behaviors[id] = b
	return f
}

func (f *fakeSetProcessor) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
}

func (f *fakeSetProcessor) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSetProcessor) CreateUnitProcessor(_ context.Context, unit *ConfigurationUnit) (UnitProcessor, error) {
	b, ok := f.behaviors[unit.Identifier]
	if !ok {
		b = fakeBehavior{test: TestResultNegative}
	}
	if b.createErr != nil {
		return nil, b.createErr
	}
	return &fakeUnitProcessor{owner: f, id: unit.Identifier, b: b}, nil
}

func (f *fakeSetProcessor) factory() SetProcessorFactory {
	return SetProcessorFactoryFunc(func(context.Context, *ConfigurationSet) (SetProcessor, error) {
		return f, nil
	})
}

type fakeUnitProcessor struct {
	owner *fakeSetProcessor
	id    string
	b     fakeBehavior
}

func (p *fakeUnitProcessor) GetSettings(context.Context) (map[string]interface{}, error) {
	p.owner.record("get:" + p.id)
	return p.b.settings, nil
}

func (p *fakeUnitProcessor) TestSettings(context.Context) (TestSettingsResult, error) {
	p.owner.record("test:" + p.id)
	if p.b.testErr != nil {
		return TestSettingsResult{}, p.b.testErr
	}
	return TestSettingsResult{Result: p.b.test, ResultInformation: p.b.testInfo}, nil
}

func (p *fakeUnitProcessor) ApplySettings(context.Context) (ApplySettingsResult, error) {
	p.owner.record("apply:" + p.id)
	if p.b.applyErr != nil {
		return ApplySettingsResult{}, p.b.applyErr
	}
	return ApplySettingsResult{RebootRequired: p.b.reboot, ResultInformation: p.b.applyInfo}, nil
}

// fakeGroupSource adds group processors for units of type "test/managed".
type fakeGroupSource struct {
	*fakeSetProcessor
	groups map[string]*fakeGroupProcessor
}

func (f *fakeGroupSource) CreateGroupProcessor(_ context.Context, unit *ConfigurationUnit) (GroupProcessor, bool, error) {
	gp, ok := f.groups[unit.Identifier]
	if !ok {
		return nil, false, nil
	}
	gp.owner = f.fakeSetProcessor
	gp.id = unit.Identifier
	return gp, true, nil
}

type fakeGroupProcessor struct {
	owner *fakeSetProcessor
	id    string
	test  GroupSettingsResult
	apply GroupSettingsResult
	get   GroupSettingsResult
}

func (g *fakeGroupProcessor) TestGroup(context.Context) (GroupSettingsResult, error) {
	g.owner.record("testGroup:" + g.id)
	return g.test, nil
}

func (g *fakeGroupProcessor) ApplyGroup(context.Context) (GroupSettingsResult, error) {
	g.owner.record("applyGroup:" + g.id)
	return g.apply, nil
}

func (g *fakeGroupProcessor) GetGroup(context.Context) (GroupSettingsResult, error) {
	g.owner.record("getGroup:" + g.id)
	return g.get, nil
}

type gateFunc func(ctx context.Context, set *ConfigurationSet) error

func (f gateFunc) Evaluate(ctx context.Context, set *ConfigurationSet) error {
	return f(ctx, set)
}

type fakeRecorder struct {
	mu        sync.Mutex
	started   []RunInfo
	progress  map[string][]ProgressEvent
	completed map[string]*ApplySetResult
	errs      map[string]error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		progress:  make(map[string][]ProgressEvent),
		completed: make(map[string]*ApplySetResult),
		errs:      make(map[string]error),
	}
}

func (r *fakeRecorder) RecordRunStarted(_ context.Context, run RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, run)
	return nil
}

func (r *fakeRecorder) RecordProgress(_ context.Context, runID string, event ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[runID] = append(r.progress[runID], event)
	return nil
}

func (r *fakeRecorder) RecordRunCompleted(_ context.Context, runID string, result *ApplySetResult, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[runID] = result
	r.errs[runID] = runErr
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	sets     int
	units    int
	finished []string
}

func (o *countingObserver) SetStarted(ctx context.Context, _ RunInfo) context.Context {
	o.mu.Lock()
	o.sets++
	o.mu.Unlock()
	return ctx
}

func (o *countingObserver) SetCompleted(context.Context, RunInfo, *ApplySetResult, time.Duration) {}

func (o *countingObserver) UnitStarted(ctx context.Context, _ string, _ *ConfigurationUnit) context.Context {
	o.mu.Lock()
	o.units++
	o.mu.Unlock()
	return ctx
}

func (o *countingObserver) UnitCompleted(_ context.Context, _ string, result *ApplyUnitResult, _ time.Duration) {
	o.mu.Lock()
	o.finished = append(o.finished, result.Unit.Identifier+":"+string(result.State))
	o.mu.Unlock()
}

func leaf(id string, deps ...string) *ConfigurationUnit {
	return &ConfigurationUnit{Identifier: id, Type: "test/unit", Dependencies: deps}
}

func group(id string, children ...*ConfigurationUnit) *ConfigurationUnit {
	return &ConfigurationUnit{Identifier: id, Type: "test/group", IsGroup: true, Units: children}
}

func dependsOn(u *ConfigurationUnit, deps ...string) *ConfigurationUnit {
	u.Dependencies = append(u.Dependencies, deps...)
	return u
}

func inactive(u *ConfigurationUnit) *ConfigurationUnit {
	u.Inactive = true
	return u
}

func withIntent(u *ConfigurationUnit, intent Intent) *ConfigurationUnit {
	u.Intent = intent
	return u
}

func newSet(units ...*ConfigurationUnit) *ConfigurationSet {
	return &ConfigurationSet{Name: "test", Units: units}
}

// trace renders events as "id:state" and "set:state" strings.
func trace(events []ProgressEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		if ev.Kind == EventSetStateChanged {
			out[i] = "set:" + string(ev.SetState)
			continue
		}
		out[i] = ev.Unit.Identifier + ":" + string(ev.UnitState)
	}
	return out
}

func resultIDs(results []*ApplyUnitResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Unit.Identifier
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
