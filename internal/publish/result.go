package publish

import (
	"fmt"
	"time"
)

// Result records one plugin invocation (one per instance for instance scope).
type Result struct {
	Plugin   string  `json:"plugin"`
	Label    string  `json:"label"`
	Order    float64 `json:"order"`
	Stage    Stage   `json:"stage"`
	Instance string  `json:"instance,omitempty"`
	// InstanceID is empty for context-scoped invocations.
	InstanceID string        `json:"instance_id,omitempty"`
	Action     string        `json:"action,omitempty"`
	Success    bool          `json:"success"`
	Kind       ErrorKind     `json:"kind,omitempty"`
	Error      error         `json:"-"`
	Message    string        `json:"error,omitempty"`
	Nodes      []string      `json:"nodes,omitempty"`
	Records    []Record      `json:"records,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// String renders a single summary line.
func (r Result) String() string {
	target := "context"
	if r.Instance != "" {
		target = r.Instance
	}
	status := "ok"
	if !r.Success {
		status = fmt.Sprintf("failed: %s", r.Message)
	}
	if r.Action != "" {
		return fmt.Sprintf("%s [%s] action %s: %s", r.Label, target, r.Action, status)
	}
	return fmt.Sprintf("%s [%s]: %s", r.Label, target, status)
}

// SkipReason explains why a plugin was not invoked.
type SkipReason string

const (
	SkipHost     SkipReason = "host"
	SkipTarget   SkipReason = "target"
	SkipInactive SkipReason = "inactive"
	SkipNoMatch  SkipReason = "no-matching-instances"
	SkipGated    SkipReason = "gated"
)

// Skip records a plugin the runner did not invoke.
type Skip struct {
	Plugin string     `json:"plugin"`
	Reason SkipReason `json:"reason"`
}

// Report summarizes a runner pass.
type Report struct {
	Results []Result `json:"results"`
	Skipped []Skip   `json:"skipped,omitempty"`
	// Stopped is set when the gate policy halted the run before later bands.
	Stopped bool `json:"stopped,omitempty"`
	// StoppedAt names the band whose failure triggered the gate.
	StoppedAt Stage `json:"stopped_at,omitempty"`
}

// Success reports whether every result succeeded and the run was not gated.
func (r Report) Success() bool {
	if r.Stopped {
		return false
	}
	for _, result := range r.Results {
		if !result.Success {
			return false
		}
	}
	return true
}

// Failed returns the failed results in invocation order.
func (r Report) Failed() []Result {
	var failed []Result
	for _, result := range r.Results {
		if !result.Success {
			failed = append(failed, result)
		}
	}
	return failed
}

// FailedIn reports whether any result of the given band failed.
func (r Report) FailedIn(stage Stage) bool {
	for _, result := range r.Results {
		if !result.Success && result.Stage == stage {
			return true
		}
	}
	return false
}

// FailedStage returns the earliest band with a failure, or "" when none failed.
func (r Report) FailedStage() Stage {
	for _, stage := range stageBands {
		if r.FailedIn(stage) {
			return stage
		}
	}
	return ""
}

// ForPlugin returns the results recorded for the named plugin.
func (r Report) ForPlugin(name string) []Result {
	var out []Result
	for _, result := range r.Results {
		if result.Plugin == name {
			out = append(out, result)
		}
	}
	return out
}
