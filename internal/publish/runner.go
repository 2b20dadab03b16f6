package publish

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTarget is requested when a runner is built without explicit targets.
const DefaultTarget = "default"

// Gate is a stopping policy applied between order bands.
type Gate string

const (
	// GateNone runs every band regardless of earlier failures.
	GateNone Gate = "none"
	// GateValidation skips extract and integrate when a validate-band plugin failed.
	GateValidation Gate = "validation"
	// GateAny skips every later band once any band recorded a failure.
	GateAny Gate = "any"
)

// ParseGate maps a config or flag value onto a Gate.
func ParseGate(value string) (Gate, error) {
	switch Gate(strings.ToLower(strings.TrimSpace(value))) {
	case "", GateNone:
		return GateNone, nil
	case GateValidation:
		return GateValidation, nil
	case GateAny:
		return GateAny, nil
	default:
		return "", fmt.Errorf("publish: unknown gate %q", value)
	}
}

// Runner executes discovered plugins against a context.
type Runner struct {
	host    Host
	logger  Logger
	targets TagSet
	gate    Gate
	clock   func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithHost sets the host the plugins run in.
func WithHost(host Host) Option {
	return func(r *Runner) {
		r.host = host
	}
}

// WithLogger mirrors captured plugin logs to a process logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithTargets selects which targeted plugins run.
func WithTargets(targets ...string) Option {
	return func(r *Runner) {
		if normalized := TagSet(targets).Normalized(); len(normalized) > 0 {
			r.targets = normalized
		}
	}
}

// WithGate installs a band stopping policy.
func WithGate(gate Gate) Option {
	return func(r *Runner) {
		if gate != "" {
			r.gate = gate
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRunner builds a runner. Without options it is permissive: every band runs.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		targets: TagSet{DefaultTarget},
		gate:    GateNone,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes plugins in ascending order against pctx. Failures never abort
// the run unless the gate policy says so; they are recorded as results on both
// the context and the returned report.
func (r *Runner) Run(pctx *Context, plugins []Plugin) Report {
	report := Report{}
	if pctx == nil {
		return report
	}
	for _, plugin := range Sort(plugins) {
		spec := plugin.Spec().Normalized()
		if reason, skip := r.filter(spec); skip {
			report.Skipped = append(report.Skipped, Skip{Plugin: spec.Name, Reason: reason})
			continue
		}
		if stopped, at := r.gated(report, spec.Stage()); stopped {
			if !report.Stopped {
				report.Stopped = true
				report.StoppedAt = at
				r.logf("publish: gate %s stopped the run after %s failures", r.gate, at)
			}
			report.Skipped = append(report.Skipped, Skip{Plugin: spec.Name, Reason: SkipGated})
			continue
		}
		if spec.Scope == ScopeContext {
			result := r.invoke(pctx, plugin, spec, nil)
			report.Results = append(report.Results, result)
			continue
		}
		matched := 0
		for _, inst := range pctx.Instances() {
			if !inst.Publish || !spec.Families.Matches(inst.AllFamilies()...) {
				continue
			}
			matched++
			result := r.invoke(pctx, plugin, spec, inst)
			report.Results = append(report.Results, result)
		}
		if matched == 0 {
			report.Skipped = append(report.Skipped, Skip{Plugin: spec.Name, Reason: SkipNoMatch})
		}
	}
	return report
}

func (r *Runner) filter(spec Spec) (SkipReason, bool) {
	hostName := ""
	if r.host != nil {
		hostName = r.host.Name()
	}
	if !spec.Hosts.Any() && !spec.Hosts.Contains(hostName) {
		return SkipHost, true
	}
	if !spec.Targets.Any() && !spec.Targets.Matches(r.targets...) {
		return SkipTarget, true
	}
	if !spec.IsActive() {
		return SkipInactive, true
	}
	return "", false
}

func (r *Runner) gated(report Report, stage Stage) (bool, Stage) {
	if report.Stopped {
		return true, report.StoppedAt
	}
	switch r.gate {
	case GateValidation:
		if stage.Index() > StageValidate.Index() && report.FailedIn(StageValidate) {
			return true, StageValidate
		}
	case GateAny:
		for _, earlier := range stageBands {
			if earlier.Index() >= stage.Index() {
				break
			}
			if report.FailedIn(earlier) {
				return true, earlier
			}
		}
	}
	return false, ""
}

func (r *Runner) invoke(pctx *Context, plugin Plugin, spec Spec, inst *Instance) Result {
	prefix := spec.Name
	if inst != nil {
		prefix = fmt.Sprintf("%s[%s]", spec.Name, inst.Name)
	}
	inv := &Invocation{
		Context:  pctx,
		Instance: inst,
		Host:     r.host,
		Log:      newLog(prefix, r.logger, r.clock),
	}
	started := r.clock()
	err := safeProcess(func() error { return plugin.Process(inv) })
	result := Result{
		Plugin:   spec.Name,
		Label:    spec.Label,
		Order:    spec.Order,
		Stage:    spec.Stage(),
		Success:  err == nil,
		Records:  inv.Log.Records(),
		Duration: r.clock().Sub(started),
	}
	if inst != nil {
		result.Instance = inst.Name
		result.InstanceID = inst.ID
	}
	if err != nil {
		result.Error = err
		result.Kind = ClassifyError(err)
		result.Message = err.Error()
		result.Nodes = InvalidNodes(err)
		r.logf("publish: %s failed: %v", prefix, err)
	}
	pctx.record(result)
	return result
}

// RunAction invokes action once for plugin. The action sees the instances
// whose recorded results for plugin failed, in creation order.
func (r *Runner) RunAction(pctx *Context, plugin Plugin, action Action) Result {
	spec := plugin.Spec().Normalized()
	ai := &ActionInvocation{
		Context: pctx,
		Plugin:  plugin,
		Failed:  FailedInstances(pctx, spec.Name),
		Host:    r.host,
		Log:     newLog(spec.Name+"/"+action.Label(), r.logger, r.clock),
	}
	started := r.clock()
	err := safeProcess(func() error { return action.Process(ai) })
	result := Result{
		Plugin:   spec.Name,
		Label:    spec.Label,
		Order:    spec.Order,
		Stage:    spec.Stage(),
		Action:   action.Label(),
		Success:  err == nil,
		Records:  ai.Log.Records(),
		Duration: r.clock().Sub(started),
	}
	if err != nil {
		result.Error = err
		result.Kind = ClassifyError(err)
		result.Message = err.Error()
		result.Nodes = InvalidNodes(err)
	}
	if pctx != nil {
		pctx.record(result)
	}
	return result
}

// FailedInstances returns the instances with a failed result for the named
// plugin, in creation order and without duplicates.
func FailedInstances(pctx *Context, plugin string) []*Instance {
	if pctx == nil {
		return nil
	}
	failed := map[string]bool{}
	for _, result := range pctx.results {
		if result.Plugin == plugin && result.Action == "" && !result.Success && result.InstanceID != "" {
			failed[result.InstanceID] = true
		}
	}
	var out []*Instance
	for _, inst := range pctx.instances {
		if failed[inst.ID] {
			out = append(out, inst)
		}
	}
	return out
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func safeProcess(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered}
		}
	}()
	return fn()
}
