package webpublish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kingrea/pype/internal/builtins"
	"github.com/kingrea/pype/internal/config"
	"github.com/kingrea/pype/internal/dump"
	"github.com/kingrea/pype/internal/environ"
	"github.com/kingrea/pype/internal/host"
	"github.com/kingrea/pype/internal/logbook"
	"github.com/kingrea/pype/internal/logging"
	"github.com/kingrea/pype/internal/publish"
	"github.com/kingrea/pype/internal/registry"
)

// Publisher runs one request to completion.
type Publisher func(ctx context.Context, req Request) (publish.Report, error)

// Worker drains the queue, one job at a time.
type Worker struct {
	queue   Queue
	jobs    *Jobs
	publish Publisher
	logger  *slog.Logger
	journal *logbook.Logbook
}

// NewWorker builds a worker. journal may be nil.
func NewWorker(queue Queue, jobs *Jobs, publisher Publisher, logger *slog.Logger, journal *logbook.Logbook) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, jobs: jobs, publish: publisher, logger: logger, journal: journal}
}

// Run consumes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	err := w.queue.Consume(ctx, w.Handle)
	w.logger.Info("worker stopped")
	return err
}

// Handle runs job and records its outcome. Jobs enqueued by another
// process are added to the table on first sight.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	if _, err := w.jobs.Get(job.ID); err != nil {
		w.jobs.Put(job)
	}
	w.jobs.Update(job.ID, func(j *Job) { j.Status = StatusRunning })
	log := w.logger.With(slog.String("job", job.ID), slog.String("project", job.Request.Project), slog.String("asset", job.Request.Asset))
	log.Info("publish started", slog.Int("instances", len(job.Request.Dump.Instances)))

	report, err := w.publish(ctx, job.Request)
	if w.journal != nil {
		w.journal.RecordReport("job "+job.ID, report)
	}
	w.jobs.Update(job.ID, func(j *Job) {
		j.Results = resultsOf(report)
		switch {
		case err != nil:
			j.Status = StatusFailed
			j.Error = err.Error()
		case !report.Success():
			j.Status = StatusFailed
			j.Error = fmt.Sprintf("%d plugin results failed", len(report.Failed()))
		default:
			j.Status = StatusSucceeded
		}
	})
	if err != nil {
		log.Error("publish errored", slog.String("error", err.Error()))
		return nil
	}
	log.Info("publish finished", slog.Bool("success", report.Success()), slog.Int("results", len(report.Results)))
	return nil
}

// HeadlessPublisher publishes requests through a batch headless host with
// the built-in plugins installed next to the configured plugin folders.
func HeadlessPublisher(cfg *config.Config, reg *registry.Registry, deps builtins.Deps, logger *slog.Logger) Publisher {
	return func(ctx context.Context, req Request) (publish.Report, error) {
		hostName := req.Host
		if hostName == "" {
			hostName = "webpublisher"
		}
		caps := host.NewHeadless(hostName, true)
		opts := []host.Option{
			host.WithSession(environ.Session{Project: req.Project, Asset: req.Asset, Task: req.Task, User: req.User}),
			host.WithLogger(logging.Printer{Log: logger}),
			host.WithPlugins(registry.Publish, builtins.All(withContext(deps, ctx))...),
		}
		if deps.Store != nil {
			opts = append(opts, host.WithStore(deps.Store))
		}
		var runOpts []publish.Option
		if len(req.Targets) > 0 {
			runOpts = append(runOpts, publish.WithTargets(req.Targets...))
		}
		if req.Gate != "" {
			gate, err := publish.ParseGate(req.Gate)
			if err != nil {
				return publish.Report{}, err
			}
			runOpts = append(runOpts, publish.WithGate(gate))
		}
		opts = append(opts, host.WithRunnerOptions(runOpts...))

		adapter, err := host.New(caps, reg, cfg, opts...)
		if err != nil {
			return publish.Report{}, err
		}
		if err := adapter.Install(); err != nil {
			return publish.Report{}, err
		}
		defer adapter.Uninstall()

		pctx := adapter.NewContext()
		dump.Apply(pctx, req.Dump)
		return adapter.Publish(pctx)
	}
}

func withContext(deps builtins.Deps, ctx context.Context) builtins.Deps {
	deps.Ctx = ctx
	return deps
}
