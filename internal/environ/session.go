// Package environ builds the AVALON_* session environment a publish runs in
// and launches applications and scripts inside it.
package environ

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Session environment keys.
const (
	EnvProject  = "AVALON_PROJECT"
	EnvAsset    = "AVALON_ASSET"
	EnvTask     = "AVALON_TASK"
	EnvApp      = "AVALON_APP"
	EnvWorkdir  = "AVALON_WORKDIR"
	EnvUsername = "OPENPYPE_USERNAME"
)

// ErrMissingContext is returned by Validate when project, asset or task is unset.
var ErrMissingContext = errors.New("environ: missing required arguments")

// Session is the working context: which project, asset and task the user is
// in, inside which application.
type Session struct {
	Project string `json:"AVALON_PROJECT"`
	Asset   string `json:"AVALON_ASSET"`
	Task    string `json:"AVALON_TASK"`
	App     string `json:"AVALON_APP,omitempty"`
	Workdir string `json:"AVALON_WORKDIR,omitempty"`
	User    string `json:"OPENPYPE_USERNAME,omitempty"`
}

// FromEnv reads a Session through getenv (os.Getenv when nil).
func FromEnv(getenv func(string) string) Session {
	if getenv == nil {
		getenv = os.Getenv
	}
	return Session{
		Project: strings.TrimSpace(getenv(EnvProject)),
		Asset:   strings.TrimSpace(getenv(EnvAsset)),
		Task:    strings.TrimSpace(getenv(EnvTask)),
		App:     strings.TrimSpace(getenv(EnvApp)),
		Workdir: strings.TrimSpace(getenv(EnvWorkdir)),
		User:    strings.TrimSpace(getenv(EnvUsername)),
	}
}

// Merge returns s with every non-empty field of override applied.
func (s Session) Merge(override Session) Session {
	pick := func(current, next string) string {
		if strings.TrimSpace(next) != "" {
			return strings.TrimSpace(next)
		}
		return current
	}
	s.Project = pick(s.Project, override.Project)
	s.Asset = pick(s.Asset, override.Asset)
	s.Task = pick(s.Task, override.Task)
	s.App = pick(s.App, override.App)
	s.Workdir = pick(s.Workdir, override.Workdir)
	s.User = pick(s.User, override.User)
	return s
}

// Missing lists the unset required variables.
func (s Session) Missing() []string {
	var missing []string
	if s.Project == "" {
		missing = append(missing, EnvProject)
	}
	if s.Asset == "" {
		missing = append(missing, EnvAsset)
	}
	if s.Task == "" {
		missing = append(missing, EnvTask)
	}
	return missing
}

// Validate requires project, asset and task.
func (s Session) Validate() error {
	if missing := s.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingContext, strings.Join(missing, ", "))
	}
	return nil
}

// Vars returns the session as environment variables, skipping empty values.
func (s Session) Vars() map[string]string {
	vars := map[string]string{}
	set := func(key, value string) {
		if value != "" {
			vars[key] = value
		}
	}
	set(EnvProject, s.Project)
	set(EnvAsset, s.Asset)
	set(EnvTask, s.Task)
	set(EnvApp, s.App)
	set(EnvWorkdir, s.Workdir)
	set(EnvUsername, s.User)
	return vars
}

// Environ returns base (KEY=VALUE pairs) with the session variables replacing
// any existing entries. The result is sorted by key.
func (s Session) Environ(base []string) []string {
	merged := map[string]string{}
	for _, entry := range base {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		merged[key] = value
	}
	for key, value := range s.Vars() {
		merged[key] = value
	}
	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+merged[key])
	}
	return out
}

// Apply exports the session through setenv (os.Setenv when nil).
func (s Session) Apply(setenv func(string, string) error) error {
	if setenv == nil {
		setenv = os.Setenv
	}
	for key, value := range s.Vars() {
		if err := setenv(key, value); err != nil {
			return fmt.Errorf("environ: set %s: %w", key, err)
		}
	}
	return nil
}

// WithTask switches the task. A workdir of "" keeps the current one unless
// it ends in the old task's folder, in which case the folder is swapped.
func (s Session) WithTask(task, workdir string) Session {
	old := s.Task
	s.Task = strings.TrimSpace(task)
	switch {
	case strings.TrimSpace(workdir) != "":
		s.Workdir = strings.TrimSpace(workdir)
	case s.Workdir != "" && old != "" && filepath.Base(s.Workdir) == old:
		s.Workdir = filepath.Join(filepath.Dir(s.Workdir), s.Task)
	}
	return s
}
