package webpublish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/pype/internal/builtins"
	"github.com/kingrea/pype/internal/docstore"
	"github.com/kingrea/pype/internal/dump"
	"github.com/kingrea/pype/internal/publish"
	"github.com/kingrea/pype/internal/registry"
	"github.com/kingrea/pype/internal/storage"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func startService(t *testing.T, publisher Publisher) (*httptest.Server, *Jobs) {
	t.Helper()
	queue := NewMemoryQueue(8)
	jobs := NewJobs()
	srv := httptest.NewServer(NewServer("", queue, jobs, nil).Handler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewWorker(queue, jobs, publisher, nil, nil).Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
		queue.Close()
	})
	return srv, jobs
}

func waitForJob(t *testing.T, base, id string) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/jobs/" + id)
		if err != nil {
			return false
		}
		job = decode[Job](t, resp)
		return job.Status == StatusSucceeded || job.Status == StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitRequiresSession(t *testing.T) {
	srv, _ := startService(t, func(context.Context, Request) (publish.Report, error) {
		t.Fatal("publisher must not run")
		return publish.Report{}, nil
	})
	resp := postJSON(t, srv.URL+"/api/publish", map[string]any{"project": "demo", "asset": "sh010"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Contains(t, body["error"], "missing required arguments")
	assert.Contains(t, body["error"], "task")

	resp, err := http.Post(srv.URL+"/api/publish", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmittedJobRuns(t *testing.T) {
	var got Request
	srv, _ := startService(t, func(_ context.Context, req Request) (publish.Report, error) {
		got = req
		return publish.Report{Results: []publish.Result{{Plugin: "CollectDumps", Stage: publish.StageCollect, Success: true}}}, nil
	})
	resp := postJSON(t, srv.URL+"/api/publish", Request{Project: "demo", Asset: "sh010", Task: "comp", Targets: []string{"farm"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	queued := decode[Job](t, resp)
	assert.Equal(t, StatusQueued, queued.Status)

	job := waitForJob(t, srv.URL, queued.ID)
	assert.Equal(t, StatusSucceeded, job.Status)
	require.Len(t, job.Results, 1)
	assert.Equal(t, "CollectDumps", job.Results[0].Plugin)
	assert.NotNil(t, job.Finished)
	assert.Equal(t, []string{"farm"}, got.Targets)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, "ok", decode[map[string]any](t, health)["status"])
}

func TestFailedPublishMarksJobFailed(t *testing.T) {
	srv, _ := startService(t, func(context.Context, Request) (publish.Report, error) {
		return publish.Report{}, errors.New("host crashed")
	})
	resp := postJSON(t, srv.URL+"/api/publish", Request{Project: "demo", Asset: "sh010", Task: "comp"})
	queued := decode[Job](t, resp)
	job := waitForJob(t, srv.URL, queued.ID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "host crashed", job.Error)
}

func TestUnknownJob(t *testing.T) {
	srv, _ := startService(t, nil)
	resp, err := http.Get(srv.URL + "/api/jobs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeadlessPublisherIntegratesDump(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	staging := filepath.Join(dir, "staging")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "model.abc"), []byte("alembic"), 0o644))

	store := docstore.NewMemoryStore()
	_, _, err := docstore.EnsureHierarchy(ctx, store, "demo", "sh010")
	require.NoError(t, err)
	bucket, err := storage.NewLocal(filepath.Join(dir, "published"))
	require.NoError(t, err)

	publisher := HeadlessPublisher(nil, registry.New(), builtins.Deps{Store: store, Bucket: bucket}, nil)
	req := Request{
		Project: "demo", Asset: "sh010", Task: "modeling", User: "artist",
		Dump: dump.Dump{Instances: []dump.Instance{{
			Name: "modelMain", Family: "model", Subset: "modelMain",
			Representations: []publish.Representation{{Name: "abc", Ext: "abc", Files: publish.SingleFile("model.abc"), StagingDir: staging}},
		}}},
	}
	report, err := publisher(ctx, req)
	require.NoError(t, err)
	require.True(t, report.Success(), "failures: %v", report.Failed())

	exists, err := bucket.Exists(ctx, "demo/sh010/modelMain/v001/model.abc")
	require.NoError(t, err)
	assert.True(t, exists)

	report, err = publisher(ctx, req)
	require.NoError(t, err)
	require.True(t, report.Success())
	exists, err = bucket.Exists(ctx, "demo/sh010/modelMain/v002/model.abc")
	require.NoError(t, err)
	assert.True(t, exists, "second publish gets the next version")
}
