package dump

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/pype/internal/publish"
)

const renderDump = `{
  "context": {"project": "demo", "asset": "sh010", "fps": 25},
  "instances": [
    {
      "name": "renderMain",
      "family": "render",
      "families": ["review"],
      "subset": "renderMain",
      "data": {"frameStart": 1001},
      "representations": [
        {"name": "exr", "ext": "exr", "files": ["beauty.1001.exr", "beauty.1002.exr"], "stagingDir": "staging", "frameStart": 1001, "frameEnd": 1002}
      ]
    },
    {"name": "skipped", "family": "model", "publish": false}
  ]
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAndApply(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), renderDump)
	writeFile(t, filepath.Join(dir, "b.json"), `{"context": {"fps": 24}, "instances": [{"name": "camMain", "family": "camera"}]}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	d, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, d.Instances, 3)
	assert.Equal(t, 24.0, d.Context["fps"], "later files win")
	assert.Equal(t, filepath.Join(dir, "staging"), d.Instances[0].Representations[0].StagingDir)

	pctx := publish.NewContext()
	pctx.Set("user", "artist")
	instances := Apply(pctx, d)
	require.Len(t, instances, 3)
	assert.Equal(t, "demo", pctx.String("project"))
	assert.Equal(t, "artist", pctx.String("user"))

	render := instances[0]
	assert.Equal(t, []string{"render", "review"}, render.AllFamilies())
	assert.True(t, render.Publish)
	assert.NotEmpty(t, render.ID)
	assert.Same(t, pctx, render.Context())
	assert.True(t, render.Representations[0].Files.IsSequence())
	assert.False(t, instances[1].Publish)
}

func TestParseRejectsInvalidDumps(t *testing.T) {
	_, err := Parse([]byte(`{"instances": [{"name": "", "family": "model"}]}`), "")
	assert.ErrorContains(t, err, "name is required")
	_, err = Parse([]byte(`{"instances": [{"name": "x", "family": "model", "representations": [{"name": "abc", "ext": "abc"}]}]}`), "")
	assert.Error(t, err, "representation without files")
	_, err = Parse([]byte(`{`), "")
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestRoundTripThroughContext(t *testing.T) {
	pctx := publish.NewContext()
	pctx.Set("project", "demo")
	inst := pctx.CreateInstance("modelMain", "model")
	inst.Subset = "modelMain"
	inst.AddRepresentation(publish.Representation{Name: "abc", Ext: "abc", Files: publish.SingleFile("model.abc"), StagingDir: "/tmp/staging"})

	path := filepath.Join(t.TempDir(), "out", "dump.json")
	require.NoError(t, Write(path, FromContext(pctx)))
	d, err := Load(path)
	require.NoError(t, err)
	require.Len(t, d.Instances, 1)
	assert.Equal(t, "modelMain", d.Instances[0].Subset)
	assert.Equal(t, "model.abc", d.Instances[0].Representations[0].Files.First())
	assert.Equal(t, "/tmp/staging", d.Instances[0].Representations[0].StagingDir)
}

func TestSchemaDescribesFilesShape(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, "pype instance dump", schema["title"])
	assert.Contains(t, string(data), `"oneOf"`)
	assert.Contains(t, string(data), `"instances"`)
}
