package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assess/internal/bus"
	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/loqalabs/loqa-assess/internal/pronunciation"
	"github.com/loqalabs/loqa-assess/internal/protocol"
	"github.com/nats-io/nats.go"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP = config.HTTPConfig{Bind: "127.0.0.1", Port: 0}
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.Path = filepath.Join(dir, "assess.db")
	cfg.EventStore.RetentionMode = "persistent"
	cfg.STT.Enabled = true
	cfg.STT.Mode = "mock"
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, logger, WithTraceWriter(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	select {
	case <-rt.Started():
	case err := <-errCh:
		t.Fatalf("runtime failed to start: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not start")
	}
	return rt
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRuntimeServesHealthAndReadiness(t *testing.T) {
	rt := startRuntime(t, testConfig(t))
	base := "http://" + rt.Addr()

	if code, body := get(t, base+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, body := get(t, base+"/readyz"); code != http.StatusOK || body != "ready" {
		t.Fatalf("readyz = %d %q", code, body)
	}

	code, body := get(t, base+"/capabilities")
	if code != http.StatusOK {
		t.Fatalf("capabilities = %d %q", code, body)
	}
	var caps capabilitiesResponse
	if err := json.Unmarshal([]byte(body), &caps); err != nil {
		t.Fatalf("decode capabilities: %v\n%s", err, body)
	}
	if len(caps.Local) == 0 || caps.Local[0].Attributes["recognizer"] != "mock" {
		t.Fatalf("unexpected advertised capabilities: %+v", caps.Local)
	}
	if len(caps.Assessors) != 1 || caps.Assessors[0].ID != rt.cfg.Node.ID {
		t.Fatalf("expected this node as the only assessor: %+v", caps.Assessors)
	}
}

func TestRuntimeAssessesAudioEndToEnd(t *testing.T) {
	rt := startRuntime(t, testConfig(t))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(context.Background(), "runtime-test", config.BusConfig{
		Servers:        []string{rt.BusURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	reports := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectReport, reports)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var started protocol.SessionStarted
	err = client.RequestJSON(ctx, protocol.SubjectAssessStart, protocol.AssessmentRequest{
		SessionID:     "kitchen",
		ReferenceText: "Good morning, world!",
	}, &started)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	if started.RequestID == "" || started.Granularity != "phoneme" || !started.EnableMiscue {
		t.Fatalf("unexpected start reply: %+v", started)
	}
	// the recognizer learns the reference from the start notice
	time.Sleep(100 * time.Millisecond)

	frame := protocol.AudioFrame{
		SessionID:  "kitchen",
		RequestID:  started.RequestID,
		SampleRate: 16000,
		Channels:   1,
		PCM:        make([]byte, 32000),
		Final:      true,
	}
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".kitchen", frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}

	var report pronunciation.Report
	select {
	case msg := <-reports:
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			t.Fatalf("decode report: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no report published")
	}
	if report.SessionID != "kitchen" || report.RequestID != started.RequestID {
		t.Fatalf("report for wrong request: %+v", report)
	}
	if report.CompletenessScore != 100 || len(report.Words) != 3 {
		t.Fatalf("mock echo should read the reference perfectly: %+v", report)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, ok, err := rt.store.LatestReport(context.Background(), "kitchen")
		if err != nil {
			t.Fatalf("latest report: %v", err)
		}
		if ok && rec.RequestID == started.RequestID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("report was not persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}

	_, body := get(t, "http://"+rt.Addr()+"/metrics")
	if !strings.Contains(body, "loqa_assess_reports") {
		t.Fatal("assessment metrics missing from /metrics")
	}
}
