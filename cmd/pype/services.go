package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/kingrea/pype/internal/environ"
	"github.com/kingrea/pype/internal/eventbridge"
	"github.com/kingrea/pype/internal/host"
	"github.com/kingrea/pype/internal/logging"
	"github.com/kingrea/pype/internal/webpublish"
)

// runEventServer accepts host events over HTTP and forwards them to a
// headless adapter for the session's host.
func runEventServer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eventserver", flag.ExitOnError)
	var flags publishFlags
	flags.register(fs)
	fs.Parse(args)

	session := environ.FromEnv(nil)
	p, err := openPipeline(ctx, session)
	if err != nil {
		return err
	}
	defer p.Close()
	p.logger.Mirror(os.Stderr)

	mt := host.NewMainThread(p.logger)
	adapter, err := p.adapter(ctx, flags.headless(session, false), host.WithMainThread(mt))
	if err != nil {
		return err
	}
	defer adapter.Uninstall()

	router := eventbridge.NewRouter(eventbridge.RouterWithLogger(p.logger))
	detach := eventbridge.Attach(ctx, router, adapter, p.logger)
	defer detach()

	server := eventbridge.NewServer(eventbridge.SettingsFromConfig(p.cfg),
		eventbridge.WithProcessor(router),
		eventbridge.WithLogger(p.logger),
		eventbridge.WithHosts(adapter.Name()),
	)
	if err := server.Start(ctx); err != nil {
		return err
	}
	// Forwarded events are posted to mt; this goroutine owns the session.
	if err := mt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runWebPublisher serves the publish job API and runs queued jobs against
// headless hosts.
func runWebPublisher(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("webpublisher", flag.ExitOnError)
	jsonLogs := fs.Bool("json", false, "log as JSON")
	verbose := fs.Bool("v", false, "debug logging")
	addr := fs.String("addr", "", "listen address (defaults to webpublisher.addr)")
	fs.Parse(args)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := logging.Slog(*jsonLogs, level)

	p, err := openPipeline(ctx, environ.FromEnv(nil))
	if err != nil {
		return err
	}
	defer p.Close()

	queue, err := webpublish.OpenQueue(ctx, p.cfg.Project.Queue, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	listen := p.cfg.Project.WebPublisher.Addr
	if *addr != "" {
		listen = *addr
	}
	jobs := webpublish.NewJobs()
	publisher := webpublish.HeadlessPublisher(p.cfg, p.reg, p.deps(ctx), log)
	worker := webpublish.NewWorker(queue, jobs, publisher, log, p.journal)
	server := webpublish.NewServer(listen, queue, jobs, log)
	log.Info("webpublisher starting", "addr", listen, "queue", p.cfg.Project.Queue.Backend)
	return webpublish.Serve(ctx, server, worker)
}
