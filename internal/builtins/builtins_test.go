package builtins

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kingrea/pype/internal/docstore"
	"github.com/kingrea/pype/internal/host"
	"github.com/kingrea/pype/internal/publish"
	"github.com/kingrea/pype/internal/storage"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

type fixture struct {
	host   *host.Headless
	store  *docstore.MemoryStore
	bucket *storage.Local
	deps   Deps
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	store := docstore.NewMemoryStore()
	_, asset, err := docstore.EnsureHierarchy(ctx, store, "demo", "sh010")
	require.NoError(t, err)
	asset.Data["fps"] = 25
	asset.Data["resolutionWidth"] = 1920
	asset.Data["resolutionHeight"] = 1080
	asset.Data["pixelAspect"] = 1.0
	require.NoError(t, store.Update(ctx, asset))

	bucket, err := storage.NewLocal(filepath.Join(dir, "published"))
	require.NoError(t, err)

	h := host.NewHeadless("tvpaint", false)
	h.SetFPS(25)
	require.NoError(t, h.ApplyResolution(host.Resolution{Width: 1920, Height: 1080, PixelAspect: 1}))
	require.NoError(t, h.SaveFile(filepath.Join(dir, "work", "sh010_compositing_v003.json")))

	return &fixture{
		host:   h,
		store:  store,
		bucket: bucket,
		dir:    dir,
		deps: Deps{
			Store:  store,
			Bucket: bucket,
			Getenv: fakeEnv(map[string]string{
				"AVALON_PROJECT":    "demo",
				"AVALON_ASSET":      "sh010",
				"AVALON_TASK":       "compositing",
				"OPENPYPE_USERNAME": "artist",
			}),
			Now: func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		},
	}
}

func (f *fixture) run(opts ...publish.Option) (*publish.Context, publish.Report) {
	pctx := publish.NewContext()
	runner := publish.NewRunner(append([]publish.Option{publish.WithHost(f.host)}, opts...)...)
	return pctx, runner.Run(pctx, All(f.deps))
}

func TestWorkfilePublishEndToEnd(t *testing.T) {
	f := newFixture(t)
	pctx, report := f.run()
	require.True(t, report.Success(), "failures: %v", report.Failed())

	assert.Equal(t, "demo", pctx.String(publish.KeyProject))
	assert.Equal(t, "artist", pctx.String(publish.KeyUser))
	inst, ok := pctx.Instance("sh010_compositing_v003")
	require.True(t, ok)
	assert.Equal(t, "workfile", inst.Family)
	assert.Equal(t, "workfileCompositing", inst.Subset)
	assert.Equal(t, 1, inst.Data[KeyPublishedVersion])

	exists, err := f.bucket.Exists(context.Background(), "demo/sh010/workfileCompositing/v001/sh010_compositing_v003.json")
	require.NoError(t, err)
	assert.True(t, exists)

	next := filepath.Join(f.dir, "work", "sh010_compositing_v004.json")
	assert.Equal(t, next, pctx.String(KeyWorkfileVersion))
	assert.FileExists(t, next)
	assert.Equal(t, next, f.host.CurrentFile())

	pctx, report = f.run()
	require.True(t, report.Success(), "failures: %v", report.Failed())
	inst, ok = pctx.Instance("sh010_compositing_v004")
	require.True(t, ok)
	assert.Equal(t, 2, inst.Data[KeyPublishedVersion])

	versions, err := f.store.Find(context.Background(), docstore.Query{Type: docstore.TypeVersion})
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	reprs, err := f.store.Find(context.Background(), docstore.Query{Type: docstore.TypeRepresentation, Name: "json"})
	require.NoError(t, err)
	require.Len(t, reprs, 2)
	assert.Equal(t, "json", reprs[0].Data["ext"])
}

func TestProjectSettingsMismatchStopsAtValidation(t *testing.T) {
	f := newFixture(t)
	f.host.SetFPS(24)
	pctx, report := f.run(publish.WithGate(publish.GateValidation))

	require.False(t, report.Success())
	assert.Equal(t, publish.StageValidate, report.FailedStage())
	results := report.ForPlugin("ValidateProjectSettings")
	require.Len(t, results, 1)
	assert.Equal(t, publish.KindValidation, results[0].Kind)
	assert.Contains(t, results[0].Message, `"fps"`)
	assert.Equal(t, []string{"fps"}, results[0].Nodes)

	assert.Empty(t, report.ForPlugin("Integrate"))
	assert.Empty(t, pctx.String(KeyWorkfileVersion))
}

func TestStartFrameRepairAppliesAssetRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assets, err := f.store.Find(ctx, docstore.Query{Type: docstore.TypeAsset, Name: "sh010"})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	asset := assets[0]
	asset.Data["frameStart"] = 1001
	asset.Data["frameEnd"] = 1050
	asset.Data["handleStart"] = 8
	asset.Data["handleEnd"] = 8
	require.NoError(t, f.store.Update(ctx, asset))

	pctx, report := f.run(publish.WithGate(publish.GateValidation))
	require.False(t, report.Success())
	results := report.ForPlugin("ValidateStartFrame")
	require.Len(t, results, 1)
	assert.Equal(t, publish.KindValidation, results[0].Kind)
	assert.Contains(t, results[0].Message, "frame 993")
	assert.Equal(t, []string{"frameStart"}, results[0].Nodes)

	plugin := ValidateStartFrame()
	actions := publish.AvailableActions(pctx.Results(), plugin)
	require.Len(t, actions, 1)
	runner := publish.NewRunner(publish.WithHost(f.host))
	repaired := runner.RunAction(pctx, plugin, actions[0])
	require.True(t, repaired.Success, "repair failed: %v", repaired.Error)

	scene, err := f.host.SceneSettings()
	require.NoError(t, err)
	assert.Equal(t, 993, scene.FrameRange.Start)
	assert.Equal(t, 1058, scene.FrameRange.End)

	_, report = f.run()
	require.True(t, report.Success(), "failures: %v", report.Failed())
}

func TestStartFrameSkippedWithoutAssetRange(t *testing.T) {
	f := newFixture(t)
	_, report := f.run()
	results := report.ForPlugin("ValidateStartFrame")
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestIncrementSkippedAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.host.SetFPS(24)
	pctx, report := f.run()
	results := report.ForPlugin("IncrementWorkfileVersion")
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Empty(t, pctx.String(KeyWorkfileVersion))
	assert.NoFileExists(t, filepath.Join(f.dir, "work", "sh010_compositing_v004.json"))
}

func TestVersionUp(t *testing.T) {
	cases := map[string]string{
		"/p/shot_v001.ma":         "/p/shot_v002.ma",
		"/p/shot.v009_comment.ma": "/p/shot.v010.ma",
		"/p/shot_V12.ma":          "/p/shot_V13.ma",
		"/p/scene.tvpp":           "/p/scene_v001.tvpp",
		"/p/a_v001_b_v0099.ma":    "/p/a_v001_b_v0100.ma",
	}
	for in, want := range cases {
		got, err := VersionUp(filepath.FromSlash(in))
		require.NoError(t, err, in)
		assert.Equal(t, filepath.FromSlash(want), got, in)
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shot_v002.ma"), nil, 0o644))
	got, err := VersionUp(filepath.Join(dir, "shot_v001.ma"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shot_v003.ma"), got)
}

func TestValidateNamingRepair(t *testing.T) {
	pctx := publish.NewContext()
	inst := pctx.CreateInstance("bad name", "model")
	inst.Subset = "model Main"
	plugin := ValidateNaming()
	runner := publish.NewRunner()

	report := runner.Run(pctx, []publish.Plugin{plugin})
	require.False(t, report.Success())
	actions := publish.AvailableActions(pctx.Results(), plugin)
	require.Len(t, actions, 1)
	assert.Equal(t, "Repair", actions[0].Label())

	result := runner.RunAction(pctx, plugin, actions[0])
	require.True(t, result.Success)
	assert.Equal(t, "bad_name", inst.Name)
	assert.Equal(t, "model_Main", inst.Subset)
	assert.True(t, runner.Run(pctx, []publish.Plugin{plugin}).Success())
}

func TestValidateFileExtension(t *testing.T) {
	pctx := publish.NewContext()
	bad := pctx.CreateInstance("cacheMain", "pointcache")
	bad.AddRepresentation(publish.Representation{Name: "fbx", Ext: "fbx", Files: publish.SingleFile("cache.fbx")})
	cam := pctx.CreateInstance("camMain", "camera")
	cam.AddRepresentation(publish.Representation{Name: "abc", Ext: "abc", Files: publish.SingleFile("cam.ABC")})
	vdb := pctx.CreateInstance("smoke", "vdbcache")
	vdb.AddRepresentation(publish.Representation{Name: "vdb", Ext: "vdb", Files: publish.Sequence("smoke.1001.vdb", "smoke.1002.vdb")})
	pctx.CreateInstance("modelMain", "model")

	report := publish.NewRunner().Run(pctx, []publish.Plugin{ValidateFileExtension()})
	require.Len(t, report.Results, 3)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "cacheMain", failed[0].Instance)
	assert.Contains(t, failed[0].Message, "should be .abc")
}

func TestValidateRepresentationsMissingFiles(t *testing.T) {
	pctx := publish.NewContext()
	inst := pctx.CreateInstance("renderMain", "render")
	inst.AddRepresentation(publish.Representation{Name: "exr", Ext: "exr", Files: publish.SingleFile("beauty.exr"), StagingDir: t.TempDir()})

	report := publish.NewRunner().Run(pctx, []publish.Plugin{ValidateRepresentations()})
	require.False(t, report.Success())
	assert.Contains(t, report.Failed()[0].Message, "missing")
}

func TestExtractMetadata(t *testing.T) {
	pctx := publish.NewContext()
	pctx.Set(publish.KeyProject, "demo")
	pctx.Set(publish.KeyUser, "artist")
	inst := pctx.CreateInstance("shotInfo", "metadata")
	inst.Subset = "metadataMain"
	staging := t.TempDir()
	inst.Set("stagingDir", staging)

	report := publish.NewRunner(publish.WithHost(host.NewHeadless("nuke", true))).Run(pctx, []publish.Plugin{ExtractMetadata(Deps{})})
	require.True(t, report.Success(), "failures: %v", report.Failed())
	require.Len(t, inst.Representations, 1)
	repr := inst.Representations[0]
	assert.Equal(t, "json", repr.Ext)

	data, err := os.ReadFile(repr.Paths()[0])
	require.NoError(t, err)
	assert.Equal(t, "demo", gjson.GetBytes(data, "context.project").String())
	assert.Equal(t, "nuke", gjson.GetBytes(data, "context.host").String())
	assert.Equal(t, "metadataMain", gjson.GetBytes(data, "subset").String())
}

func TestCollectDumpsAndAssetEntity(t *testing.T) {
	dir := t.TempDir()
	dumpPath := filepath.Join(dir, "render.json")
	require.NoError(t, os.WriteFile(dumpPath, []byte(`{"context": {"fps": 25}, "instances": [{"name": "renderMain", "family": "render"}]}`), 0o644))

	pctx := publish.NewContext()
	pctx.Set(publish.KeyProject, "demo")
	pctx.Set(publish.KeyAsset, "sh999")
	pctx.Set(KeyDumpPaths, []any{dumpPath})
	deps := Deps{Store: docstore.NewMemoryStore()}

	report := publish.NewRunner().Run(pctx, []publish.Plugin{CollectDumps(), CollectAssetEntity(deps)})
	_, ok := pctx.Instance("renderMain")
	assert.True(t, ok)
	assert.Equal(t, 25.0, pctx.Data["fps"])

	results := report.ForPlugin("CollectAssetEntity")
	require.Len(t, results, 1)
	assert.Equal(t, publish.KindError, results[0].Kind)
	assert.Contains(t, results[0].Message, "sh999")
}

func TestIntegrateRequiresServices(t *testing.T) {
	pctx := publish.NewContext()
	inst := pctx.CreateInstance("modelMain", "model")
	inst.AddRepresentation(publish.Representation{Name: "abc", Ext: "abc", Files: publish.SingleFile("model.abc")})
	report := publish.NewRunner().Run(pctx, []publish.Plugin{Integrate(Deps{})})
	require.False(t, report.Success())
	assert.Contains(t, report.Failed()[0].Message, "required")
}
