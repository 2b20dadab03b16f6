package publish

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type stubHost struct{ name string }

func (h stubHost) Name() string        { return h.name }
func (h stubHost) CurrentFile() string { return "/work/shot.ma" }

func recorder(trace *[]string, spec Spec) Plugin {
	return NewPlugin(spec, func(inv *Invocation) error {
		entry := spec.Name
		if inv.Instance != nil {
			entry += ":" + inv.Instance.Name
		}
		*trace = append(*trace, entry)
		return nil
	})
}

func TestRunnerOrdersByOrderThenDiscovery(t *testing.T) {
	var trace []string
	plugins := []Plugin{
		recorder(&trace, Spec{Name: "extract", Order: ExtractorOrder}),
		recorder(&trace, Spec{Name: "validate-b", Order: ValidatorOrder}),
		recorder(&trace, Spec{Name: "collect", Order: CollectorOrder}),
		recorder(&trace, Spec{Name: "validate-a", Order: ValidatorOrder}),
		recorder(&trace, Spec{Name: "pre", Order: PreCollectorOrder}),
	}
	NewRunner().Run(NewContext(), plugins)
	want := "pre,collect,validate-b,validate-a,extract"
	if got := strings.Join(trace, ","); got != want {
		t.Fatalf("expected order %s, got %s", want, got)
	}
}

func TestRunnerContextPluginRunsOnceInstancePluginPerMatch(t *testing.T) {
	var trace []string
	pctx := NewContext()
	pctx.CreateInstance("modelMain", "model")
	pctx.CreateInstance("renderMain", "render")
	second := pctx.CreateInstance("modelProxy", "model")
	second.Families = []string{"proxy"}

	plugins := []Plugin{
		recorder(&trace, Spec{Name: "ctx", Order: CollectorOrder}),
		recorder(&trace, Spec{Name: "models", Order: ValidatorOrder, Families: Tags("model")}),
		recorder(&trace, Spec{Name: "proxies", Order: ValidatorOrder, Families: Tags("proxy")}),
		recorder(&trace, Spec{Name: "all", Order: ExtractorOrder, Scope: ScopeInstance}),
	}
	report := NewRunner().Run(pctx, plugins)
	want := "ctx,models:modelMain,models:modelProxy,proxies:modelProxy,all:modelMain,all:renderMain,all:modelProxy"
	if got := strings.Join(trace, ","); got != want {
		t.Fatalf("unexpected invocations\nwant %s\ngot  %s", want, got)
	}
	if len(report.Results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(report.Results))
	}
	if len(pctx.Results()) != 7 {
		t.Fatalf("expected results recorded on context, got %d", len(pctx.Results()))
	}
}

func TestRunnerSkipsInstancesNotMarkedForPublish(t *testing.T) {
	var trace []string
	pctx := NewContext()
	pctx.CreateInstance("a", "model")
	off := pctx.CreateInstance("b", "model")
	off.Publish = false
	report := NewRunner().Run(pctx, []Plugin{recorder(&trace, Spec{Name: "p", Families: Tags("model")})})
	if strings.Join(trace, ",") != "p:a" {
		t.Fatalf("expected only active instance, got %v", trace)
	}
	if !report.Success() {
		t.Fatalf("expected success")
	}
}

func TestRunnerHostAndTargetFilters(t *testing.T) {
	var trace []string
	plugins := []Plugin{
		recorder(&trace, Spec{Name: "maya-only", Hosts: Tags("maya")}),
		recorder(&trace, Spec{Name: "nuke-only", Hosts: Tags("nuke")}),
		recorder(&trace, Spec{Name: "any-host", Hosts: Tags(Wildcard)}),
		recorder(&trace, Spec{Name: "farm", Targets: Tags("farm")}),
		recorder(&trace, Spec{Name: "local", Targets: Tags("local", "default")}),
	}
	report := NewRunner(WithHost(stubHost{name: "maya"})).Run(NewContext(), plugins)
	if got := strings.Join(trace, ","); got != "maya-only,any-host,local" {
		t.Fatalf("unexpected plugins ran: %s", got)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("expected 2 skipped plugins, got %+v", report.Skipped)
	}

	trace = nil
	NewRunner(WithHost(stubHost{name: "maya"}), WithTargets("farm")).Run(NewContext(), plugins)
	if got := strings.Join(trace, ","); got != "maya-only,any-host,farm" {
		t.Fatalf("unexpected plugins for farm target: %s", got)
	}
}

func TestRunnerSkipsInactiveOptionalPlugin(t *testing.T) {
	var trace []string
	off := false
	plugins := []Plugin{recorder(&trace, Spec{Name: "opt", Optional: true, Active: &off})}
	report := NewRunner().Run(NewContext(), plugins)
	if len(trace) != 0 {
		t.Fatalf("expected inactive plugin to be skipped")
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Reason != SkipInactive {
		t.Fatalf("expected inactive skip, got %+v", report.Skipped)
	}
}

func TestRunnerCapturesFailuresAndContinues(t *testing.T) {
	pctx := NewContext()
	pctx.CreateInstance("bad", "model")
	pctx.CreateInstance("good", "model")
	var extracted []string
	plugins := []Plugin{
		NewPlugin(Spec{Name: "validate", Order: ValidatorOrder, Families: Tags("model")}, func(inv *Invocation) error {
			inv.Log.Infof("checking %s", inv.Instance.Name)
			if inv.Instance.Name == "bad" {
				return Invalid([]string{"|bad|mesh"}, "mesh has no uvs")
			}
			return nil
		}),
		NewPlugin(Spec{Name: "boom", Order: ValidatorOrder + 0.1}, func(inv *Invocation) error {
			panic("kaboom")
		}),
		NewPlugin(Spec{Name: "extract", Order: ExtractorOrder, Families: Tags("model")}, func(inv *Invocation) error {
			extracted = append(extracted, inv.Instance.Name)
			return nil
		}),
	}
	report := NewRunner().Run(pctx, plugins)
	if report.Success() {
		t.Fatalf("expected failed report")
	}
	if len(extracted) != 2 {
		t.Fatalf("permissive runner should still extract both instances, got %v", extracted)
	}
	failed := report.Failed()
	if len(failed) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failed))
	}
	if failed[0].Instance != "bad" || failed[0].Kind != KindValidation {
		t.Fatalf("unexpected validation failure: %+v", failed[0])
	}
	if len(failed[0].Nodes) != 1 || failed[0].Nodes[0] != "|bad|mesh" {
		t.Fatalf("expected offending node, got %v", failed[0].Nodes)
	}
	if len(failed[0].Records) != 1 || failed[0].Records[0].Message != "checking bad" {
		t.Fatalf("expected captured log record, got %+v", failed[0].Records)
	}
	var perr *PanicError
	if failed[1].Kind != KindError || !errors.As(failed[1].Error, &perr) {
		t.Fatalf("expected recovered panic, got %+v", failed[1])
	}
	if report.FailedStage() != StageValidate {
		t.Fatalf("expected validate stage failure, got %s", report.FailedStage())
	}
}

func TestRunnerValidationGateStopsLaterBands(t *testing.T) {
	var trace []string
	plugins := []Plugin{
		recorder(&trace, Spec{Name: "collect", Order: CollectorOrder}),
		NewPlugin(Spec{Name: "validate", Order: ValidatorOrder}, func(*Invocation) error {
			return Assertf(false, "frame range mismatch")
		}),
		recorder(&trace, Spec{Name: "validate-more", Order: ValidateSceneOrder}),
		recorder(&trace, Spec{Name: "extract", Order: ExtractorOrder}),
		recorder(&trace, Spec{Name: "integrate", Order: IntegratorOrder}),
	}
	report := NewRunner(WithGate(GateValidation)).Run(NewContext(), plugins)
	if got := strings.Join(trace, ","); got != "collect,validate-more" {
		t.Fatalf("expected gate to stop after validate band, got %s", got)
	}
	if !report.Stopped || report.StoppedAt != StageValidate {
		t.Fatalf("expected stopped report, got %+v", report)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("expected extract and integrate skipped, got %+v", report.Skipped)
	}
}

func TestRunnerAnyGateStopsAfterCollectFailure(t *testing.T) {
	var trace []string
	plugins := []Plugin{
		NewPlugin(Spec{Name: "collect", Order: CollectorOrder}, func(*Invocation) error {
			return fmt.Errorf("no scene")
		}),
		recorder(&trace, Spec{Name: "collect-2", Order: CollectorOrder + 0.1}),
		recorder(&trace, Spec{Name: "validate", Order: ValidatorOrder}),
	}
	report := NewRunner(WithGate(GateAny)).Run(NewContext(), plugins)
	if got := strings.Join(trace, ","); got != "collect-2" {
		t.Fatalf("expected only same-band plugin to run, got %s", got)
	}
	if report.StoppedAt != StageCollect {
		t.Fatalf("expected stop at collect, got %s", report.StoppedAt)
	}
}

func TestRunnerModelRenderScenario(t *testing.T) {
	pctx := NewContext()
	plugins := []Plugin{
		NewPlugin(Spec{Name: "CollectScene", Order: CollectorOrder}, func(inv *Invocation) error {
			inv.Context.CreateInstance("modelMain", "model")
			inv.Context.CreateInstance("renderMain", "render")
			return nil
		}),
		NewPlugin(Spec{Name: "ExtractModel", Order: ExtractorOrder, Families: Tags("model")}, func(inv *Invocation) error {
			inv.Instance.AddRepresentation(Representation{Name: "abc", Ext: "abc", Files: SingleFile("model.abc"), StagingDir: "/tmp/model"})
			return nil
		}),
		NewPlugin(Spec{Name: "ExtractRender", Order: ExtractorOrder, Families: Tags("render")}, func(inv *Invocation) error {
			inv.Instance.AddRepresentation(Representation{Name: "exr", Ext: "exr", Files: Sequence("r.1001.exr", "r.1002.exr"), StagingDir: "/tmp/render"})
			return nil
		}),
		NewPlugin(Spec{Name: "ExtractReview", Order: ExtractorOrder + 0.1, Families: Tags("render")}, func(inv *Invocation) error {
			inv.Instance.AddRepresentation(Representation{Name: "mp4", Ext: "mp4", Files: SingleFile("review.mp4"), StagingDir: "/tmp/render"})
			return nil
		}),
	}
	report := NewRunner().Run(pctx, plugins)
	if !report.Success() {
		t.Fatalf("expected success, failures: %+v", report.Failed())
	}
	model, _ := pctx.Instance("modelMain")
	render, _ := pctx.Instance("renderMain")
	if len(model.Representations) != 1 || model.Representations[0].Name != "abc" {
		t.Fatalf("model representations wrong: %+v", model.Representations)
	}
	if len(render.Representations) != 2 || render.Representations[0].Name != "exr" || render.Representations[1].Name != "mp4" {
		t.Fatalf("render representations wrong: %+v", render.Representations)
	}
}

func TestRunnerRecordsDurationsWithClock(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	report := NewRunner(WithClock(clock)).Run(NewContext(), []Plugin{
		NewPlugin(Spec{Name: "p"}, func(*Invocation) error { return nil }),
	})
	if report.Results[0].Duration != time.Second {
		t.Fatalf("expected 1s duration, got %s", report.Results[0].Duration)
	}
}

func TestRunActionSeesFailedInstances(t *testing.T) {
	pctx := NewContext()
	pctx.CreateInstance("ok", "image")
	pctx.CreateInstance("Bad Name", "image")
	var repaired []string
	repair := NewRepair(func(ai *ActionInvocation) error {
		for _, inst := range ai.Failed {
			repaired = append(repaired, inst.Name)
			inst.Name = strings.ReplaceAll(inst.Name, " ", "_")
		}
		return nil
	})
	validate := NewPlugin(Spec{Name: "ValidateNaming", Order: ValidatorOrder, Families: Tags("image"), Actions: []Action{repair}}, func(inv *Invocation) error {
		if strings.Contains(inv.Instance.Name, " ") {
			return Invalid(nil, "name contains spaces")
		}
		return nil
	})
	runner := NewRunner()
	report := runner.Run(pctx, []Plugin{validate})
	if len(report.Results) != 2 || report.Success() {
		t.Fatalf("expected one failure out of two results")
	}
	if len(repaired) != 0 {
		t.Fatalf("actions must not run automatically")
	}
	available := AvailableActions(report.Results, validate)
	if len(available) != 1 {
		t.Fatalf("expected repair to be available, got %d", len(available))
	}
	result := runner.RunAction(pctx, validate, available[0])
	if !result.Success || result.Action != "Repair" {
		t.Fatalf("unexpected action result: %+v", result)
	}
	if len(repaired) != 1 || repaired[0] != "Bad Name" {
		t.Fatalf("expected only failed instance repaired, got %v", repaired)
	}
	rerun := runner.Run(NewContext(), nil)
	if !rerun.Success() {
		t.Fatalf("empty run should succeed")
	}
}

func TestAvailableActionsTriggers(t *testing.T) {
	onFailed := NewRepair(nil)
	onSuccess := &ActionFunc{Name: "Open", Trigger: OnSucceeded}
	always := &ActionFunc{Name: "Select"}
	plugin := NewPlugin(Spec{Name: "p", Actions: []Action{onFailed, onSuccess, always}}, nil)

	passed := []Result{{Plugin: "p", Success: true}}
	if got := AvailableActions(passed, plugin); len(got) != 2 || got[0].Label() != "Open" {
		t.Fatalf("unexpected actions after success: %v", got)
	}
	failed := []Result{{Plugin: "p", Success: false}}
	if got := AvailableActions(failed, plugin); len(got) != 2 || got[0].Label() != "Repair" {
		t.Fatalf("unexpected actions after failure: %v", got)
	}
	if got := AvailableActions(nil, plugin); len(got) != 1 || got[0].Label() != "Select" {
		t.Fatalf("unexpected actions before run: %v", got)
	}
}

func TestParseGate(t *testing.T) {
	for input, want := range map[string]Gate{"": GateNone, "Validation": GateValidation, "any": GateAny} {
		got, err := ParseGate(input)
		if err != nil || got != want {
			t.Fatalf("ParseGate(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseGate("sometimes"); err == nil {
		t.Fatalf("expected error for unknown gate")
	}
}
