package environ

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnvAndValidate(t *testing.T) {
	session := FromEnv(fakeEnv(map[string]string{
		EnvProject: "demo",
		EnvAsset:   " sh010 ",
		EnvApp:     "maya",
	}))
	if session.Asset != "sh010" {
		t.Fatalf("asset = %q", session.Asset)
	}
	err := session.Validate()
	if !errors.Is(err, ErrMissingContext) {
		t.Fatalf("expected missing context, got %v", err)
	}
	if !strings.Contains(err.Error(), EnvTask) {
		t.Fatalf("error should name %s: %v", EnvTask, err)
	}
	session = session.Merge(Session{Task: "modeling"})
	if err := session.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestEnvironOverridesBase(t *testing.T) {
	session := Session{Project: "demo", Asset: "sh010", Task: "lighting"}
	env := session.Environ([]string{"PATH=/bin", "AVALON_TASK=modeling", "broken"})
	want := []string{"AVALON_ASSET=sh010", "AVALON_PROJECT=demo", "AVALON_TASK=lighting", "PATH=/bin"}
	if strings.Join(env, ",") != strings.Join(want, ",") {
		t.Fatalf("environ = %v, want %v", env, want)
	}
}

func TestWithTaskSwapsWorkdirFolder(t *testing.T) {
	session := Session{Project: "demo", Asset: "sh010", Task: "modeling", Workdir: filepath.Join("work", "sh010", "modeling")}
	next := session.WithTask("rigging", "")
	if next.Workdir != filepath.Join("work", "sh010", "rigging") {
		t.Fatalf("workdir = %q", next.Workdir)
	}
	explicit := session.WithTask("fx", "/tmp/fx")
	if explicit.Workdir != "/tmp/fx" || explicit.Task != "fx" {
		t.Fatalf("explicit = %+v", explicit)
	}
}

func TestApplyUsesSetenv(t *testing.T) {
	got := map[string]string{}
	err := Session{Project: "demo", Task: "fx"}.Apply(func(key, value string) error {
		got[key] = value
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(got) != 2 || got[EnvProject] != "demo" || got[EnvTask] != "fx" {
		t.Fatalf("setenv calls = %v", got)
	}
}

func TestExtractEnvironmentsWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "env.json")
	session := Session{Project: "demo", Asset: "sh010", Task: "comp"}
	if err := ExtractEnvironments(path, session, []string{"HOME=/home/artist"}); err != nil {
		t.Fatalf("extract: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env["AVALON_TASK"] != "comp" || env["HOME"] != "/home/artist" {
		t.Fatalf("env = %v", env)
	}
	if err := ExtractEnvironments(path, Session{}, nil); !errors.Is(err, ErrMissingContext) {
		t.Fatalf("expected missing context, got %v", err)
	}
}
