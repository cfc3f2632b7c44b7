package eventstore

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assess/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "assess.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if es.Enabled() {
		t.Fatal("ephemeral store must not keep records")
	}
	ctx := context.Background()
	if err := es.OpenSession(ctx, Session{SessionID: "s", RequestID: "r"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, ok, err := es.LatestReport(ctx, "s"); ok || err != nil {
		t.Fatalf("expected nothing stored, got %v %v", ok, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	if err := es.OpenSession(ctx, Session{SessionID: "session-123", RequestID: "r1", Mode: "continuous", ReferenceText: "hello"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	records := []Record{
		{SessionID: "session-123", RequestID: "r1", Kind: KindStarted},
		{SessionID: "session-123", RequestID: "r1", Kind: KindReport, Payload: []byte(`{"PronunciationScore":70}`), Score: sql.NullFloat64{Float64: 70, Valid: true}},
		{SessionID: "session-123", RequestID: "r1", Kind: KindReport, Payload: []byte(`{"PronunciationScore":85}`), Score: sql.NullFloat64{Float64: 85, Valid: true}},
		{SessionID: "session-123", RequestID: "r1", Kind: KindStopped},
	}
	for _, rec := range records {
		if err := es.AppendRecord(ctx, rec); err != nil {
			t.Fatalf("append record: %v", err)
		}
	}

	got, err := es.ListSessionRecords(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(got) != 4 || got[0].Kind != KindStarted || got[3].Kind != KindStopped {
		t.Fatalf("unexpected records: %+v", got)
	}
	if got[0].Score.Valid {
		t.Fatal("lifecycle records carry no score")
	}

	latest, ok, err := es.LatestReport(ctx, "session-123")
	if err != nil || !ok {
		t.Fatalf("latest report: %v %v", ok, err)
	}
	if latest.Score.Float64 != 85 || string(latest.Payload) != `{"PronunciationScore":85}` {
		t.Fatalf("unexpected latest report: %+v", latest)
	}

	sessions, err := es.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Mode != "continuous" || sessions[0].ReferenceText != "hello" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestLatestReportMissing(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if _, ok, err := es.LatestReport(context.Background(), "nobody"); ok || err != nil {
		t.Fatalf("expected no report, got %v %v", ok, err)
	}
}

func TestOpenSessionTracksLatestRequest(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		if err := es.OpenSession(ctx, Session{SessionID: "s", RequestID: id}); err != nil {
			t.Fatalf("open session: %v", err)
		}
	}
	sessions, err := es.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].RequestID != "r2" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	if err := es.AppendRecord(ctx, Record{SessionID: "s", RequestID: "r2", Kind: KindStarted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.DeleteSession(ctx, "s"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	recs, err := es.ListSessionRecords(ctx, "s", 0)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected records to cascade, got %d", len(recs))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, Session{SessionID: "old-session", RequestID: "r1"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.AppendRecord(ctx, Record{SessionID: "old-session", RequestID: "r1", Kind: KindReport}); err != nil {
		t.Fatalf("append record: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, Session{SessionID: "new-session", RequestID: "r2"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := es.ListSessionRecords(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("unexpected sessions after prune: %+v", sessions)
	}
}
