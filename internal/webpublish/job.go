// Package webpublish accepts publish requests over HTTP, queues them and
// runs them as headless publishes in a background worker.
package webpublish

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kingrea/pype/internal/dump"
	"github.com/kingrea/pype/internal/publish"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("webpublish: job not found")

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Request is the body of POST /api/publish.
type Request struct {
	Project string    `json:"project" validate:"required"`
	Asset   string    `json:"asset" validate:"required"`
	Task    string    `json:"task" validate:"required"`
	User    string    `json:"user,omitempty"`
	Host    string    `json:"host,omitempty"`
	Targets []string  `json:"targets,omitempty"`
	Gate    string    `json:"gate,omitempty" validate:"omitempty,oneof=none validation any"`
	Dump    dump.Dump `json:"dump"`
}

// Validate reports missing session fields and malformed dumps.
func (r *Request) Validate() error {
	r.Project = strings.TrimSpace(r.Project)
	r.Asset = strings.TrimSpace(r.Asset)
	r.Task = strings.TrimSpace(r.Task)
	if err := validate.Struct(r); err != nil {
		return err
	}
	return r.Dump.Validate()
}

// JobResult is one plugin result of a finished job.
type JobResult struct {
	Plugin   string            `json:"plugin"`
	Instance string            `json:"instance,omitempty"`
	Stage    publish.Stage     `json:"stage"`
	Success  bool              `json:"success"`
	Kind     publish.ErrorKind `json:"kind,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// Job tracks one queued publish.
type Job struct {
	ID       string      `json:"id"`
	Status   Status      `json:"status"`
	Request  Request     `json:"request"`
	Error    string      `json:"error,omitempty"`
	Results  []JobResult `json:"results,omitempty"`
	Created  time.Time   `json:"created"`
	Updated  time.Time   `json:"updated"`
	Finished *time.Time  `json:"finished,omitempty"`
}

// NewJob returns a queued job for req.
func NewJob(req Request, now time.Time) Job {
	return Job{ID: uuid.NewString(), Status: StatusQueued, Request: req, Created: now, Updated: now}
}

func resultsOf(report publish.Report) []JobResult {
	out := make([]JobResult, 0, len(report.Results))
	for _, r := range report.Results {
		out = append(out, JobResult{
			Plugin:   r.Plugin,
			Instance: r.Instance,
			Stage:    r.Stage,
			Success:  r.Success,
			Kind:     r.Kind,
			Message:  r.Message,
		})
	}
	return out
}

// Jobs is the in-process job status table.
type Jobs struct {
	mu    sync.RWMutex
	jobs  map[string]Job
	clock func() time.Time
}

// NewJobs returns an empty table.
func NewJobs() *Jobs {
	return &Jobs{jobs: map[string]Job{}, clock: time.Now}
}

// Put stores job as is.
func (j *Jobs) Put(job Job) {
	j.mu.Lock()
	j.jobs[job.ID] = job
	j.mu.Unlock()
}

// Get returns the job with id.
func (j *Jobs) Get(id string) (Job, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	job, ok := j.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

// Update applies fn to the stored job and stamps the update time.
func (j *Jobs) Update(id string, fn func(*Job)) (Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	fn(&job)
	job.Updated = j.clock()
	if job.Status == StatusSucceeded || job.Status == StatusFailed {
		finished := job.Updated
		job.Finished = &finished
	}
	j.jobs[id] = job
	return job, nil
}

// List returns every job, newest first.
func (j *Jobs) List() []Job {
	j.mu.RLock()
	out := make([]Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		out = append(out, job)
	}
	j.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Created.After(out[b].Created) })
	return out
}

// Counts returns the number of jobs per status.
func (j *Jobs) Counts() map[Status]int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	counts := map[Status]int{}
	for _, job := range j.jobs {
		counts[job.Status]++
	}
	return counts
}
