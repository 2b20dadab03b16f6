// cmd/pype/main.go
//
// This is the entry point for the pype CLI.
//
// Flow:
// 1. Load .env and the project config from the working directory
// 2. Pick the subcommand (tray when none is given)
// 3. Build the host adapter, registry and services it needs and run it

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kingrea/pype/internal/config"
	"github.com/kingrea/pype/internal/environ"
	"github.com/kingrea/pype/internal/logging"
)

const usage = `Usage: pype <command> [flags]

Commands:
  tray                      interactive publish for the current session (default)
  publish [flags] dumps...  headless publish of instance dumps
  eventserver               receive host events over HTTP
  webpublisher              queue and run publish jobs submitted over HTTP
  launch [flags] -- args    start an application inside a session
  extractenvironments FILE  write the session environment as JSON
  run SCRIPT                run a Go script inside the session environment
  schema                    print the instance dump JSON schema`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		die("load .env: %v", err)
	}
	command := "tray"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "tray":
		err = runTray(ctx, args)
	case "publish":
		err = runPublish(ctx, args)
	case "eventserver":
		err = runEventServer(ctx, args)
	case "webpublisher":
		err = runWebPublisher(ctx, args)
	case "launch":
		err = runLaunch(ctx, args)
	case "extractenvironments":
		err = runExtractEnvironments(args)
	case "run":
		err = runScript(args)
	case "schema":
		err = runSchema()
	case "help", "-h", "--help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if errors.Is(err, environ.ErrMissingContext) {
		os.Exit(1)
	}
	if err != nil {
		die("%s: %v", command, err)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// project loads the config for the working directory, creating .pype/ when
// missing, and opens the process log mirrored to stderr.
func project() (*config.Config, *logging.Logger, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("determine working directory: %w", err)
	}
	if err := config.InitPypeDir(cwd); err != nil {
		return nil, nil, fmt.Errorf("init .pype: %w", err)
	}
	cfg, err := config.NewConfig(cwd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.ProjectDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// requireSession reports the unset session variables the way hosts expect.
func requireSession(session environ.Session) error {
	missing := session.Missing()
	if len(missing) == 0 {
		return nil
	}
	fmt.Fprintln(os.Stderr, "!!! Missing required arguments")
	for _, key := range missing {
		fmt.Fprintf(os.Stderr, "  %s\n", key)
	}
	return environ.ErrMissingContext
}

// dumpFiles lists the *.json files directly inside dir.
func dumpFiles(dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil
	}
	return matches
}
