package publish

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestStageOf(t *testing.T) {
	cases := map[float64]Stage{
		PreCollectorOrder:     StageCollect,
		-3:                    StageCollect,
		CollectorOrder + 0.49: StageCollect,
		ValidatorOrder - 0.5:  StageValidate,
		ValidateMeshOrder:     StageValidate,
		ExtractorOrder + 0.2:  StageExtract,
		IntegratorOrder:       StageIntegrate,
		IntegratorOrder + 4:   StageIntegrate,
	}
	for order, want := range cases {
		if got := StageOf(order); got != want {
			t.Fatalf("StageOf(%v) = %s, want %s", order, got, want)
		}
	}
}

func TestTagSetMatching(t *testing.T) {
	if !TagSet(nil).Matches("anything") {
		t.Fatalf("empty set should match")
	}
	if !Tags("*").Matches() {
		t.Fatalf("wildcard should match without candidates")
	}
	if Tags("model").Matches("render", "review") {
		t.Fatalf("disjoint set should not match")
	}
	if !Tags(" model ", "model", "").Matches("model") {
		t.Fatalf("normalized set should match")
	}
	if len(Tags("a", " a", "")) != 1 {
		t.Fatalf("expected duplicates and blanks dropped")
	}
}

func TestSpecValidate(t *testing.T) {
	off := false
	cases := []struct {
		name string
		spec Spec
		want string
	}{
		{"missing name", Spec{}, "name is required"},
		{"nan order", Spec{Name: "x", Order: math.NaN()}, "finite"},
		{"context families", Spec{Name: "x", Scope: ScopeContext, Families: Tags("model")}, "cannot declare families"},
		{"bad scope", Spec{Name: "x", Scope: "world"}, "unknown scope"},
		{"inactive required", Spec{Name: "x", Active: &off}, "only optional"},
	}
	for _, tc := range cases {
		err := tc.spec.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.want, err)
		}
	}
	if err := (Spec{Name: "ok", Families: Tags("model")}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope := (Spec{Name: "ok", Families: Tags("model")}).Normalized().Scope; scope != ScopeInstance {
		t.Fatalf("families should imply instance scope, got %s", scope)
	}
}

func TestFilesWireShapes(t *testing.T) {
	var single Representation
	if err := json.Unmarshal([]byte(`{"name":"abc","ext":"abc","files":"model.abc","stagingDir":"/tmp"}`), &single); err != nil {
		t.Fatal(err)
	}
	if single.Files.IsSequence() || single.Files.First() != "model.abc" {
		t.Fatalf("expected single file, got %+v", single.Files)
	}
	out, err := json.Marshal(single)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"files":"model.abc"`) {
		t.Fatalf("single file should encode as a string: %s", out)
	}

	var seq Representation
	if err := json.Unmarshal([]byte(`{"name":"exr","ext":"exr","files":["a.1001.exr","a.1002.exr"],"stagingDir":"/tmp","frameStart":1001,"frameEnd":1002}`), &seq); err != nil {
		t.Fatal(err)
	}
	if !seq.Files.IsSequence() || seq.Files.Len() != 2 {
		t.Fatalf("expected sequence, got %+v", seq.Files)
	}
	out, err = json.Marshal(seq)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"files":["a.1001.exr","a.1002.exr"]`) {
		t.Fatalf("sequence should encode as an array: %s", out)
	}
	if err := seq.Validate(); err != nil {
		t.Fatalf("expected valid sequence: %v", err)
	}
	var reread Representation
	if err := json.Unmarshal(out, &reread); err != nil {
		t.Fatal(err)
	}
	if !reread.Files.IsSequence() || !reflect.DeepEqual(reread.Files.Names(), seq.Files.Names()) {
		t.Fatalf("files changed across the round trip: %v", reread.Files.Names())
	}
	if reread.FrameStart == nil || *reread.FrameStart != 1001 || reread.FrameEnd == nil || *reread.FrameEnd != 1002 {
		t.Fatalf("frame bounds changed across the round trip: %+v", reread)
	}

	var fromYAML Representation
	if err := yaml.Unmarshal([]byte("name: exr\next: exr\nfiles: [a.exr, b.exr]\n"), &fromYAML); err != nil {
		t.Fatal(err)
	}
	if !fromYAML.Files.IsSequence() || fromYAML.Files.Len() != 2 {
		t.Fatalf("yaml list should decode as sequence")
	}
}

func TestRepresentationValidate(t *testing.T) {
	r := Representation{Name: "exr", Ext: "exr", Files: Sequence("a.exr")}
	r.FrameRange(1010, 1001)
	if err := r.Validate(); err == nil {
		t.Fatalf("expected reversed frame range to fail")
	}
	if err := (Representation{Name: "abc", Ext: "abc"}).Validate(); err == nil {
		t.Fatalf("expected missing files to fail")
	}
	paths := Representation{Files: Sequence("a", "b"), StagingDir: "/stage"}.Paths()
	if len(paths) != 2 || paths[1] != "/stage/b" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestInstanceRepresentationsAreIndependent(t *testing.T) {
	pctx := NewContext()
	a := pctx.CreateInstance("a", "model")
	b := pctx.CreateInstance("b", "model")
	a.AddRepresentation(Representation{Name: "abc"})
	if len(b.Representations) != 0 {
		t.Fatalf("representation leaked into another instance")
	}
	if a.Context() != pctx {
		t.Fatalf("instance should reference its context")
	}
	instances := pctx.Instances()
	instances[0] = nil
	if pctx.Instances()[0] == nil {
		t.Fatalf("Instances must return a copy")
	}
}

func TestInstanceDocumentRoundTrip(t *testing.T) {
	inst := NewContext().CreateInstance("modelMain", "model")
	inst.Families = []string{"review"}
	inst.Set("frameStart", 1001)
	doc := inst.Document()
	if doc["family"] != "model" || doc["frameStart"] != 1001 {
		t.Fatalf("unexpected document: %v", doc)
	}
	doc["subset"] = "modelHero"
	doc["families"] = []any{"review", "proxy"}
	doc["id"] = "ignored"
	inst.ApplyDocument(doc)
	if inst.Subset != "modelHero" || !inst.HasFamily("proxy") {
		t.Fatalf("document changes not applied: %+v", inst)
	}
	if inst.ID == "ignored" {
		t.Fatalf("id must not be overwritten")
	}
	if got := inst.AllFamilies(); len(got) != 3 || got[0] != "model" {
		t.Fatalf("unexpected families: %v", got)
	}
}

func TestDocumentWithPartialFrameRange(t *testing.T) {
	inst := NewContext().CreateInstance("renderMain", "render")
	start := 1001
	inst.AddRepresentation(Representation{Name: "exr", Ext: "exr", Files: SingleFile("a.exr"), FrameStart: &start})

	reprs := inst.Document()["representations"].([]any)
	entry := reprs[0].(map[string]any)
	if entry["frameStart"] != 1001 {
		t.Fatalf("expected frameStart, got %v", entry)
	}
	if _, ok := entry["frameEnd"]; ok {
		t.Fatalf("frameEnd must be absent when unset, got %v", entry)
	}
}

func TestAppendRepresentationsFromDocument(t *testing.T) {
	inst := NewContext().CreateInstance("renderMain", "render")
	err := inst.AppendRepresentations([]any{
		map[string]any{"name": "exr", "ext": "exr", "files": []any{"a.1001.exr", "a.1002.exr"}, "frameStart": int64(1001), "frameEnd": int64(1002)},
		map[string]any{"name": "mov", "ext": "mov", "files": "review.mov", "tags": []any{"review"}},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(inst.Representations) != 2 {
		t.Fatalf("expected two representations, got %d", len(inst.Representations))
	}
	if exr := inst.Representations[0]; !exr.Files.IsSequence() || *exr.FrameEnd != 1002 {
		t.Fatalf("unexpected exr %+v", exr)
	}
	if mov := inst.Representations[1]; mov.Files.IsSequence() || !mov.HasTag("review") {
		t.Fatalf("unexpected mov %+v", mov)
	}

	err = inst.AppendRepresentations([]any{
		map[string]any{"name": "abc", "ext": "abc", "files": "a.abc"},
		map[string]any{"name": "broken"},
	})
	if err == nil {
		t.Fatalf("expected invalid entry to fail")
	}
	if len(inst.Representations) != 2 {
		t.Fatalf("a failed append must not add anything, got %d", len(inst.Representations))
	}
}
