package environ

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Launch starts exe with args in the session environment and returns the
// running command. The caller waits on it.
func Launch(ctx context.Context, exe string, args []string, session Session) (*exec.Cmd, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return nil, fmt.Errorf("environ: find %s: %w", exe, err)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = session.Environ(os.Environ())
	if session.Workdir != "" {
		if err := os.MkdirAll(session.Workdir, 0o755); err != nil {
			return nil, fmt.Errorf("environ: create workdir: %w", err)
		}
		cmd.Dir = session.Workdir
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("environ: start %s: %w", exe, err)
	}
	return cmd, nil
}

// ExtractEnvironments writes the session environment layered over base as a
// JSON object to path.
func ExtractEnvironments(path string, session Session, base []string) error {
	if err := session.Validate(); err != nil {
		return err
	}
	env := map[string]string{}
	for _, entry := range session.Environ(base) {
		key, value, _ := strings.Cut(entry, "=")
		env[key] = value
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("environ: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("environ: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("environ: write %s: %w", path, err)
	}
	return nil
}

// RunScript interprets a Go main package at path with the session
// environment. The script's main runs during evaluation.
func RunScript(path string, session Session, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	i := interp.New(interp.Options{
		Env:    session.Environ(os.Environ()),
		Stdout: stdout,
		Stderr: stderr,
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("environ: load stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return fmt.Errorf("environ: run %s: %w", path, err)
	}
	return nil
}
