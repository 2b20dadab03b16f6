package publish

// ActionTrigger controls when an action is offered to the operator.
type ActionTrigger string

const (
	OnAll       ActionTrigger = "all"
	OnFailed    ActionTrigger = "failed"
	OnSucceeded ActionTrigger = "succeeded"
)

// Action is an operator-invoked follow-up exposed by a plugin, such as a
// repair. Actions are never run automatically.
type Action interface {
	Label() string
	On() ActionTrigger
	Process(ai *ActionInvocation) error
}

// ActionInvocation carries the state an action works on.
type ActionInvocation struct {
	Context *Context
	Plugin  Plugin
	// Failed lists the instances whose results for Plugin errored, in
	// creation order. It is empty for context-scoped plugins.
	Failed []*Instance
	Host   Host
	Log    *Log
}

// ActionFunc adapts a function into an Action.
type ActionFunc struct {
	Name    string
	Trigger ActionTrigger
	Fn      func(ai *ActionInvocation) error
}

// Label implements Action.
func (a *ActionFunc) Label() string { return a.Name }

// On implements Action.
func (a *ActionFunc) On() ActionTrigger {
	if a.Trigger == "" {
		return OnAll
	}
	return a.Trigger
}

// Process implements Action.
func (a *ActionFunc) Process(ai *ActionInvocation) error {
	if a.Fn == nil {
		return nil
	}
	return a.Fn(ai)
}

// NewRepair builds an action offered only after failures.
func NewRepair(fn func(ai *ActionInvocation) error) *ActionFunc {
	return &ActionFunc{Name: "Repair", Trigger: OnFailed, Fn: fn}
}

// AvailableActions returns the plugin actions whose trigger matches the
// plugin's recorded outcome in results.
func AvailableActions(results []Result, plugin Plugin) []Action {
	spec := plugin.Spec()
	if len(spec.Actions) == 0 {
		return nil
	}
	ran := false
	failed := false
	for _, r := range results {
		if r.Plugin != spec.Name || r.Action != "" {
			continue
		}
		ran = true
		if !r.Success {
			failed = true
		}
	}
	var out []Action
	for _, action := range spec.Actions {
		switch action.On() {
		case OnFailed:
			if failed {
				out = append(out, action)
			}
		case OnSucceeded:
			if ran && !failed {
				out = append(out, action)
			}
		default:
			out = append(out, action)
		}
	}
	return out
}
