package stt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assess/internal/bus"
	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/loqalabs/loqa-assess/internal/natsserver"
	"github.com/loqalabs/loqa-assess/internal/pronunciation"
	"github.com/loqalabs/loqa-assess/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "stt-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestMockRecognizerEchoesReference(t *testing.T) {
	rec := NewMockRecognizer()
	pcm := make([]byte, 16000*2) // one second of mono audio
	res, err := rec.Recognize(context.Background(), pcm, 16000, 1, Options{ReferenceText: "Hello, brave world!"}, true)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	u, err := pronunciation.Extract(res.Payload)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var got []string
	for _, w := range u.Words {
		got = append(got, w.Text)
	}
	if !reflect.DeepEqual(got, []string{"hello", "brave", "world"}) {
		t.Fatalf("words = %v", got)
	}
	if u.Scores.DurationMs != 999 && u.Scores.DurationMs != 1000 {
		t.Fatalf("expected about one second of speech, got %d ms", u.Scores.DurationMs)
	}
}

func TestMockRecognizerWithoutReference(t *testing.T) {
	res, err := NewMockRecognizer().Recognize(context.Background(), nil, 16000, 1, Options{}, true)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	u, err := pronunciation.Extract(res.Payload)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if u.Recognized() {
		t.Fatal("expected no match without a reference")
	}
}

func TestCommandArgs(t *testing.T) {
	opts := Options{
		ReferenceText:     "the fox",
		Granularity:       "word",
		EnableMiscue:      true,
		Topic:             "animals",
		NBestPhonemeCount: 3,
	}
	got := commandArgs("/tmp/a.wav", "en-US", opts, true)
	want := []string{
		"--audio", "/tmp/a.wav",
		"--language", "en-US",
		"--reference", "the fox",
		"--granularity", "word",
		"--miscue",
		"--topic", "animals",
		"--nbest-phonemes", "3",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %q\nwant %q", got, want)
	}

	got = commandArgs("/tmp/a.wav", "", Options{TranscribeOnly: true, Language: "de-DE"}, false)
	want = []string{"--audio", "/tmp/a.wav", "--language", "de-DE", "--transcribe-only", "--partial"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %q\nwant %q", got, want)
	}
}

func TestNewRecognizerModes(t *testing.T) {
	if _, err := NewRecognizer(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "exec", Command: `assess-cli --key "a b"`}); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestServicePublishesFinalForCurrentRequest(t *testing.T) {
	client := startBus(t)
	cfg := config.STTConfig{Enabled: true, Mode: "mock", SampleRate: 16000, Channels: 1, TimeoutMS: 2000}
	svc := NewService(context.Background(), cfg, client, NewMockRecognizer())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	finals := make(chan protocol.RecognitionEvent, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectRecognitionFinal, func(msg *nats.Msg) {
		var ev protocol.RecognitionEvent
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			finals <- ev
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := client.PublishJSON(protocol.SubjectSessionStarted, protocol.SessionStarted{
		SessionID:     "kitchen",
		RequestID:     "req-2",
		ReferenceText: "good morning",
	}); err != nil {
		t.Fatalf("publish start: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// give the subscription time to register the request
	time.Sleep(50 * time.Millisecond)

	frames := []protocol.AudioFrame{
		{SessionID: "kitchen", RequestID: "req-1", PCM: make([]byte, 3200), Final: true},
		{SessionID: "kitchen", RequestID: "req-2", PCM: make([]byte, 3200)},
		{SessionID: "kitchen", PCM: make([]byte, 3200), Final: true},
	}
	for _, f := range frames {
		if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".kitchen", f); err != nil {
			t.Fatalf("publish frame: %v", err)
		}
	}

	select {
	case ev := <-finals:
		if ev.RequestID != "req-2" || ev.Text != "good morning" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if len(ev.Result) == 0 {
			t.Fatal("expected raw recognizer result")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final recognition")
	}

	select {
	case ev := <-finals:
		t.Fatalf("stale request produced a result: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServiceAdoptsAudioSentBeforeStart(t *testing.T) {
	client := startBus(t)
	cfg := config.STTConfig{Enabled: true, Mode: "mock", SampleRate: 16000, Channels: 1, TimeoutMS: 2000}
	svc := NewService(context.Background(), cfg, client, NewMockRecognizer())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	finals := make(chan protocol.RecognitionEvent, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectRecognitionFinal, func(msg *nats.Msg) {
		var ev protocol.RecognitionEvent
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			finals <- ev
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	publish := func(subject string, v any) {
		t.Helper()
		if err := client.PublishJSON(subject, v); err != nil {
			t.Fatalf("publish %s: %v", subject, err)
		}
		if err := client.Conn().Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	publish(protocol.SubjectSessionStarted, protocol.SessionStarted{SessionID: "kitchen", RequestID: "req-1", ReferenceText: "good morning"})
	time.Sleep(50 * time.Millisecond)

	// the client moved on to req-2 before its start notice went out
	publish(protocol.SubjectAudioFramePrefix+".kitchen", protocol.AudioFrame{SessionID: "kitchen", RequestID: "req-2", PCM: make([]byte, 3200)})
	publish(protocol.SubjectAudioFramePrefix+".kitchen", protocol.AudioFrame{SessionID: "kitchen", RequestID: "req-2", PCM: make([]byte, 3200), Final: true})

	select {
	case ev := <-finals:
		t.Fatalf("recognized before the start notice: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	publish(protocol.SubjectSessionStarted, protocol.SessionStarted{SessionID: "kitchen", RequestID: "req-2", ReferenceText: "good night"})

	select {
	case ev := <-finals:
		if ev.RequestID != "req-2" || ev.Text != "good night" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("early audio for req-2 was never recognized")
	}
}
