package eventbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kingrea/pype/internal/config"
)

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("OPENPYPE_EVENTSERVER_PORT", "9001")
	t.Setenv("OPENPYPE_EVENTSERVER_HOST", "0.0.0.0")
	t.Setenv("OPENPYPE_EVENTSERVER_ENABLED", "false")
	cfg := &config.Config{}
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.Enabled {
		t.Fatalf("expected enabled=false from env override")
	}
}

func TestSettingsFromConfigReadsAddr(t *testing.T) {
	cfg := &config.Config{}
	cfg.Project.EventServer.Addr = "localhost:9100"
	settings := SettingsFromConfig(cfg)
	if settings.Address() != "localhost:9100" {
		t.Fatalf("address = %s", settings.Address())
	}
}

func TestEventValidate(t *testing.T) {
	evt := Event{
		Version:   EventSchemaVersion,
		EventID:   "abc",
		Type:      "save",
		SessionID: "session",
		Host:      "maya",
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	evt.Version = 99
	if err := evt.Validate(); err == nil {
		t.Fatalf("expected version error")
	}
	evt.Version = EventSchemaVersion
	evt.Type = "render"
	if err := evt.Validate(); err == nil {
		t.Fatalf("expected unknown type error")
	}
	evt.Type = "taskChanged"
	if err := evt.Validate(); err == nil {
		t.Fatalf("expected missing task error")
	}
}

func TestNormalizeCanonicalizesType(t *testing.T) {
	evt := Event{Type: " task_changed ", Host: " maya "}
	evt.Normalize()
	if evt.Type != "taskChanged" || evt.Host != "maya" || evt.Version != EventSchemaVersion {
		t.Fatalf("normalized = %+v", evt)
	}
}

func TestServerAcceptsEvents(t *testing.T) {
	t.Parallel()
	fixed := time.Unix(1730000000, 0).UTC()
	recorded := make(chan Event, 1)
	settings := Settings{Enabled: true, Host: "127.0.0.1", Port: 0, MaxBodyBytes: 1024, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	srv := NewServer(settings,
		WithClock(func() time.Time { return fixed }),
		WithProcessor(EventProcessorFunc(func(e Event) error {
			recorded <- e
			return nil
		})))
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	base := srv.BaseURL()
	payload := Event{
		Version:   EventSchemaVersion,
		EventID:   "evt-1",
		Type:      "save",
		SessionID: "sess",
		Host:      "maya",
		File:      "/work/sh010/scene_v001.ma",
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	resp, err := http.Post(base+"/events", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	select {
	case evt := <-recorded:
		if !evt.ServerTime.Equal(fixed) {
			t.Fatalf("expected server time %s, got %s", fixed, evt.ServerTime)
		}
		if evt.File != payload.File {
			t.Fatalf("file = %q", evt.File)
		}
	default:
		t.Fatalf("event not forwarded to processor")
	}

	resp, err = http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Accepted != 1 || health.Status != string(StatusReady) {
		t.Fatalf("health = %+v", health)
	}
}

func TestServerRejectsInvalidEvents(t *testing.T) {
	t.Parallel()
	settings := Settings{Enabled: true, Host: "127.0.0.1", Port: 0, MaxBodyBytes: 1024, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	srv := NewServer(settings)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	resp, err := http.Post(srv.BaseURL()+"/events", "application/json", bytes.NewReader([]byte(`{"event_id":"x","type":"save","session_id":"s"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing host, got %d", resp.StatusCode)
	}
}

func TestServerEnforcesPayloadLimit(t *testing.T) {
	t.Parallel()
	settings := Settings{Enabled: true, Host: "127.0.0.1", Port: 0, MaxBodyBytes: 64, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	srv := NewServer(settings)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	base := srv.BaseURL()
	tooLarge := bytes.Repeat([]byte("a"), 512)
	payload := map[string]any{
		"version":    EventSchemaVersion,
		"event_id":   "evt",
		"type":       "save",
		"session_id": "sess",
		"host":       "maya",
		"payload":    string(tooLarge),
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(base+"/events", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func postEvent(t *testing.T, url string, evt Event) int {
	t.Helper()
	buf, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func getHealth(t *testing.T, base string) healthResponse {
	t.Helper()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return health
}

func TestServerRefusesUnattachedHost(t *testing.T) {
	t.Parallel()
	router := NewRouter()
	srv := NewServer(Settings{MaxBodyBytes: 1024}, WithProcessor(router), WithHosts("Maya"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	evt := Event{EventID: "evt-1", Type: "save", SessionID: "s1", Host: "nuke"}
	if code := postEvent(t, ts.URL+"/events", evt); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unattached host, got %d", code)
	}
	evt.EventID, evt.Host = "evt-2", "maya"
	if code := postEvent(t, ts.URL+"/events", evt); code != http.StatusAccepted {
		t.Fatalf("expected 202 for attached host, got %d", code)
	}
	if len(router.Hosts()) != 1 {
		t.Fatalf("refused event reached the router: %+v", router.Hosts())
	}

	health := getHealth(t, ts.URL)
	if health.Accepted != 1 || health.Rejected != 1 {
		t.Fatalf("health totals = %+v", health)
	}
	maya, ok := health.Hosts["maya"]
	if !ok || !maya.Attached || maya.Accepted != 1 || maya.Backlog != 1 {
		t.Fatalf("maya = %+v", maya)
	}
	if _, ok := health.Hosts["nuke"]; ok {
		t.Fatalf("refused host listed in health: %+v", health.Hosts)
	}
	if srv.Accepted("MAYA") != 1 {
		t.Fatalf("accepted(maya) = %d", srv.Accepted("maya"))
	}
}

func TestServerTakesHostFromPath(t *testing.T) {
	t.Parallel()
	recorded := make(chan Event, 2)
	srv := NewServer(Settings{MaxBodyBytes: 1024}, WithHosts("houdini"),
		WithProcessor(EventProcessorFunc(func(e Event) error {
			recorded <- e
			return nil
		})))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	evt := Event{EventID: "evt-1", Type: "open", SessionID: "s1", File: "fx.hip"}
	if code := postEvent(t, ts.URL+"/hosts/houdini/events", evt); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if got := <-recorded; got.Host != "houdini" {
		t.Fatalf("host = %q", got.Host)
	}
	evt.EventID, evt.Host = "evt-2", "maya"
	if code := postEvent(t, ts.URL+"/hosts/houdini/events", evt); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for mismatched host, got %d", code)
	}
	evt.Host = ""
	if code := postEvent(t, ts.URL+"/hosts/maya/events", evt); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unattached path host, got %d", code)
	}
	if len(recorded) != 0 {
		t.Fatalf("refused events reached the processor")
	}
}

func TestServerListsRoutedHosts(t *testing.T) {
	t.Parallel()
	router := NewRouter()
	sub := router.Subscribe("maya")
	defer sub.Close()
	srv := NewServer(Settings{MaxBodyBytes: 1024}, WithProcessor(router))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	evt := Event{EventID: "evt-1", Type: "taskChanged", SessionID: "s1", Host: "maya", Asset: "sh020", Task: "lighting"}
	if code := postEvent(t, ts.URL+"/events", evt); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	resp, err := http.Get(ts.URL + "/hosts")
	if err != nil {
		t.Fatalf("hosts request failed: %v", err)
	}
	defer resp.Body.Close()
	var hosts []HostStatus
	if err := json.NewDecoder(resp.Body).Decode(&hosts); err != nil {
		t.Fatalf("decode hosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Task != "lighting" || hosts[0].Subscribers != 1 || hosts[0].Routed != 1 {
		t.Fatalf("hosts = %+v", hosts)
	}
	if health := getHealth(t, ts.URL); !health.Hosts["maya"].Attached {
		t.Fatalf("subscribed host not reported attached: %+v", health.Hosts)
	}
}
