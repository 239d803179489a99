package ackclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var testQueueKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("CONDITIONWATCH_ACK_QUEUE_KEY", testQueueKey)
	t.Setenv("CONDITIONWATCH_ACK_GROUP", "group-1")

	fs := flag.NewFlagSet("ackclient", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"list"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Endpoint != "http://localhost:8095" {
		t.Fatalf("expected default endpoint, got %q", cfg.Endpoint)
	}
	if cfg.DataDir != "data/ackclient" {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
	if cfg.Timeout != 3*time.Second {
		t.Fatalf("expected default timeout, got %v", cfg.Timeout)
	}
	if len(cfg.Args) != 1 || cfg.Args[0] != "list" {
		t.Fatalf("expected list command, got %v", cfg.Args)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("CONDITIONWATCH_ACK_QUEUE_KEY", testQueueKey)
	t.Setenv("CONDITIONWATCH_ACK_ENDPOINT", "http://env:1")
	t.Setenv("CONDITIONWATCH_ACK_GROUP", "env-group")

	fs := flag.NewFlagSet("ackclient", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-endpoint", "http://flag:2", "-group", "flag-group", "-timeout", "1s", "flush"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Endpoint != "http://flag:2" {
		t.Fatalf("expected flag endpoint, got %q", cfg.Endpoint)
	}
	if cfg.GroupID != "flag-group" {
		t.Fatalf("expected flag group, got %q", cfg.GroupID)
	}
	if cfg.Timeout != time.Second {
		t.Fatalf("expected flag timeout, got %v", cfg.Timeout)
	}
}

func TestParseConfigRequiresKeyGroupAndCommand(t *testing.T) {
	t.Setenv("CONDITIONWATCH_ACK_QUEUE_KEY", "")
	t.Setenv("CONDITIONWATCH_ACK_GROUP", "group-1")
	if _, err := ParseConfig(flag.NewFlagSet("ackclient", flag.ContinueOnError), []string{"list"}); err == nil {
		t.Fatal("expected queue key error")
	}

	t.Setenv("CONDITIONWATCH_ACK_QUEUE_KEY", testQueueKey)
	if _, err := ParseConfig(flag.NewFlagSet("ackclient", flag.ContinueOnError), nil); err == nil {
		t.Fatal("expected missing command error")
	}
}

func TestRunEnqueueFlushList(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Source   string     `json:"source"`
			QueuedAt *time.Time `json:"queued_at"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Source != "offline-queue" || body.QueuedAt == nil {
			t.Errorf("replay body = %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"acknowledgement":{"id":"ack-1"},"summary_generated_at":"2026-10-16T20:00:00Z"}`))
	}))
	defer srv.Close()

	base := Config{
		Endpoint: srv.URL,
		DataDir:  t.TempDir(),
		QueueKey: testQueueKey,
		GroupID:  "group-1",
		Timeout:  time.Second,
	}
	run := func(args ...string) []byte {
		t.Helper()
		cfg := base
		cfg.Args = args
		var out bytes.Buffer
		if err := Run(context.Background(), cfg, &out, nil); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		return out.Bytes()
	}

	run("enqueue", "tok-1", "poisoned", "2026-10-16T20:00:00Z")

	var listed listResult
	if err := json.Unmarshal(run("list"), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Items) != 1 || listed.Items[0].TokenID != "tok-1" {
		t.Fatalf("listed = %+v", listed)
	}

	var flushed struct {
		Flushed   int `json:"flushed"`
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal(run("flush"), &flushed); err != nil {
		t.Fatalf("decode flush: %v", err)
	}
	if flushed.Flushed != 1 || flushed.Remaining != 0 {
		t.Fatalf("flush = %+v", flushed)
	}
	if calls.Load() != 1 {
		t.Fatalf("server calls = %d, want 1", calls.Load())
	}

	if err := json.Unmarshal(run("list"), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Items) != 0 {
		t.Fatalf("queue after flush = %+v", listed.Items)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	cfg := Config{
		Endpoint: "http://localhost:1",
		DataDir:  t.TempDir(),
		QueueKey: testQueueKey,
		GroupID:  "group-1",
		Args:     []string{"explode"},
	}
	if err := Run(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected unknown command error")
	}
}
