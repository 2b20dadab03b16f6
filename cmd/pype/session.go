package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kingrea/pype/internal/dump"
	"github.com/kingrea/pype/internal/environ"
)

// runLaunch starts an application inside the session given by flags layered
// over the AVALON_* environment, and waits for it to exit.
func runLaunch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	var override environ.Session
	fs.StringVar(&override.App, "app", "", "application executable")
	fs.StringVar(&override.Project, "project", "", "project name")
	fs.StringVar(&override.Asset, "asset", "", "asset name")
	fs.StringVar(&override.Task, "task", "", "task name")
	fs.StringVar(&override.Workdir, "workdir", "", "working directory for the application")
	fs.Parse(args)

	session := environ.FromEnv(nil).Merge(override)
	if err := requireSession(session); err != nil {
		return err
	}
	if session.App == "" {
		return fmt.Errorf("--app is required")
	}
	cmd, err := environ.Launch(ctx, session.App, fs.Args(), session)
	if err != nil {
		return err
	}
	return cmd.Wait()
}

func runExtractEnvironments(args []string) error {
	fs := flag.NewFlagSet("extractenvironments", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: pype extractenvironments out.json")
	}
	session := environ.FromEnv(nil)
	if err := requireSession(session); err != nil {
		return err
	}
	if err := environ.ExtractEnvironments(fs.Arg(0), session, os.Environ()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", fs.Arg(0))
	return nil
}

func runScript(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: pype run script.go")
	}
	return environ.RunScript(fs.Arg(0), environ.FromEnv(nil), os.Stdout, os.Stderr)
}

func runSchema() error {
	data, err := dump.Schema()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
