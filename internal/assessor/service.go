// Package assessor exposes the pronunciation engine on the bus. It owns the
// session manager, turns recognizer events into reports, and records the
// history of every session in the event store.
package assessor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assess/internal/bus"
	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/loqalabs/loqa-assess/internal/eventstore"
	"github.com/loqalabs/loqa-assess/internal/pronunciation"
	"github.com/loqalabs/loqa-assess/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-assess/internal/assessor"

const storeTimeout = 2 * time.Second

// Recorder persists session history. *eventstore.Store satisfies it.
type Recorder interface {
	OpenSession(ctx context.Context, sess eventstore.Session) error
	AppendRecord(ctx context.Context, rec eventstore.Record) error
	DeleteSession(ctx context.Context, sessionID string) error
	RetentionMode() string
}

// Option customizes a Service.
type Option func(*Service)

// WithMeterProvider replaces the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithLanguage sets the recognition language announced for requests that
// name none.
func WithLanguage(language string) Option {
	return func(s *Service) { s.language = language }
}

type Service struct {
	cfg     config.AssessmentConfig
	bus     *bus.Client
	store   Recorder
	logger  *slog.Logger
	manager *pronunciation.Manager

	language       string
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        *metrics

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	subs   []*nats.Subscription
}

func NewService(parent context.Context, cfg config.AssessmentConfig, busClient *bus.Client, store Recorder, logger *slog.Logger, opts ...Option) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:     cfg,
		bus:     busClient,
		store:   store,
		logger:  logger.With(slog.String("component", "assessor")),
		manager: pronunciation.NewManager(EngineDefaults(cfg)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.meterProvider == nil {
		s.meterProvider = otel.GetMeterProvider()
	}
	if s.tracerProvider == nil {
		s.tracerProvider = otel.GetTracerProvider()
	}
	s.tracer = s.tracerProvider.Tracer(instrumentation)

	m, err := newMetrics(s.meterProvider.Meter(instrumentation), func() int64 { return int64(s.manager.Active()) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init assessor metrics: %w", err)
	}
	s.metrics = m
	return s, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectAssessStart, s.handleStart},
		{protocol.SubjectAssessStop, s.handleStop},
		{protocol.SubjectAssessStatus, s.handleStatus},
		{protocol.SubjectRecognitionPartial, s.handlePartial},
		{protocol.SubjectRecognitionFinal, s.handleFinal},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			for _, prev := range s.subs {
				_ = prev.Drain()
			}
			s.subs = nil
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("assessor started",
		slog.String("default_granularity", s.cfg.DefaultGranularity),
		slog.Bool("default_miscue", s.cfg.DefaultMiscue))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.mu.Unlock()
	s.manager.StopAll()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0 && s.bus.Healthy()
}

// ActiveSessions returns the number of sessions with a request in flight.
func (s *Service) ActiveSessions() int {
	return s.manager.Active()
}

// Begin validates and starts a request. It is what assess.request.start
// does, exposed for in-process callers.
func (s *Service) Begin(req protocol.AssessmentRequest) (protocol.SessionStarted, error) {
	preq, err := s.toRequest(req)
	if err != nil {
		return protocol.SessionStarted{}, err
	}
	preq, replaced, err := s.manager.Begin(preq)
	if err != nil {
		return protocol.SessionStarted{}, err
	}

	started := protocol.SessionStarted{
		SessionID:         preq.SessionID,
		RequestID:         preq.RequestID,
		ReplacedRequestID: replaced,
		Mode:              string(preq.Mode),
		ReferenceText:     preq.ReferenceText,
		Granularity:       string(preq.Granularity),
		EnableMiscue:      preq.EnableMiscue,
		Topic:             preq.Topic,
		Language:          firstNonEmpty(req.Language, s.language),
		PhonemeAlphabet:   firstNonEmpty(req.PhonemeAlphabet, s.cfg.PhonemeAlphabet),
		NBestPhonemeCount: req.NBestPhonemeCount,
		TranscribeOnly:    preq.TranscribeOnly,
		Timestamp:         time.Now().UTC(),
	}
	if started.NBestPhonemeCount == 0 {
		started.NBestPhonemeCount = s.cfg.NBestPhonemeCount
	}

	if replaced != "" {
		s.publish(protocol.SubjectSessionStopped, protocol.SessionStopped{
			SessionID: preq.SessionID,
			RequestID: replaced,
			Reason:    "replaced",
			Timestamp: started.Timestamp,
		})
	}
	s.recordStart(started)
	s.publish(protocol.SubjectSessionStarted, started)
	s.logger.Info("assessment started",
		slog.String("session_id", started.SessionID),
		slog.String("request_id", started.RequestID),
		slog.String("mode", started.Mode),
		slog.String("replaced_request_id", replaced))
	return started, nil
}

func (s *Service) toRequest(req protocol.AssessmentRequest) (pronunciation.Request, error) {
	return EngineRequest(s.cfg, req)
}

// Stop ends a session's request. It reports false when nothing matched.
func (s *Service) Stop(sessionID, requestID string) (protocol.SessionStatus, bool) {
	status, ok := s.manager.Stop(sessionID, requestID)
	if ok {
		s.finish(status, "stopped")
	}
	return toStatus(status), ok
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.AssessmentRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode assessment request", slogError(err))
		s.publishError("", "", protocol.ErrorInvalidRequest, err)
		s.reply(msg, protocol.Error{Code: protocol.ErrorInvalidRequest, Message: err.Error(), Timestamp: time.Now().UTC()})
		return
	}
	started, err := s.Begin(req)
	if err != nil {
		s.logger.Warn("rejected assessment request",
			slog.String("session_id", req.SessionID),
			slogError(err))
		s.publishError(req.SessionID, req.RequestID, protocol.ErrorInvalidRequest, err)
		s.reply(msg, protocol.Error{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Code:      protocol.ErrorInvalidRequest,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}
	s.reply(msg, started)
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.StopRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode stop request", slogError(err))
		return
	}
	status, _ := s.Stop(req.SessionID, req.RequestID)
	s.reply(msg, status)
}

func (s *Service) handleStatus(msg *nats.Msg) {
	var req protocol.StatusRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode status request", slogError(err))
		return
	}
	s.reply(msg, toStatus(s.manager.Status(req.SessionID)))
}

func (s *Service) handlePartial(msg *nats.Msg) {
	var ev protocol.RecognitionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to decode partial recognition", slogError(err))
		return
	}
	res := s.manager.Dispatch(pronunciation.Event{
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Kind:      pronunciation.EventPartial,
		Text:      ev.Text,
	})
	if res.Outcome == pronunciation.Discarded {
		s.metrics.discarded.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", "partial")))
		return
	}
	if s.cfg.ForwardPartials {
		s.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
			SessionID: ev.SessionID,
			RequestID: ev.RequestID,
			Text:      res.Transcript,
			Partial:   true,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (s *Service) handleFinal(msg *nats.Msg) {
	var ev protocol.RecognitionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to decode final recognition", slogError(err))
		return
	}
	s.Assess(ev)
}

// Assess runs one final recognizer event through the engine and publishes
// whatever it produced.
func (s *Service) Assess(ev protocol.RecognitionEvent) pronunciation.Result {
	start := time.Now()
	ctx, span := s.tracer.Start(s.ctx, "assess.final", trace.WithAttributes(
		attribute.String("session_id", ev.SessionID),
		attribute.String("request_id", ev.RequestID),
	))
	defer span.End()

	res := s.manager.Dispatch(pronunciation.Event{
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Kind:      pronunciation.EventFinal,
		Text:      ev.Text,
		Payload:   rawPayload(ev.Result),
	})
	outcome := res.Outcome.String()
	span.SetAttributes(attribute.String("outcome", outcome))
	log := s.logger.With(
		slog.String("session_id", ev.SessionID),
		slog.String("request_id", ev.RequestID))

	if len(res.Missing) > 0 {
		log.Debug("recognizer result missing optional fields", slog.Any("fields", res.Missing))
	}

	switch res.Outcome {
	case pronunciation.Discarded:
		s.metrics.discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "final")))
		log.Debug("discarded final recognition for inactive request")
		return res
	case pronunciation.Transcribed:
		s.publishTranscript(ev, res.Transcript)
	case pronunciation.NoMatch:
		s.publishTranscript(ev, "")
	case pronunciation.Fallback:
		s.metrics.malformed.Add(ctx, 1)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "malformed recognizer result")
		log.Warn("malformed recognizer result", slogError(res.Err))
		s.publishError(ev.SessionID, ev.RequestID, protocol.ErrorMalformedResult, res.Err)
		s.publishTranscript(ev, res.Transcript)
		s.publishReport(ctx, res.Report, eventstore.KindFallback)
	case pronunciation.Reported:
		if res.Err != nil {
			s.metrics.alignFailures.Add(ctx, 1)
			span.RecordError(res.Err)
			log.Warn("miscue detection skipped", slogError(res.Err))
			s.publishError(ev.SessionID, ev.RequestID, protocol.ErrorAlignmentFailure, res.Err)
		}
		span.SetAttributes(
			attribute.Int("words", len(res.Report.Words)),
			attribute.Int("omissions", res.Stats.Omissions),
			attribute.Int("insertions", res.Stats.Insertions),
			attribute.Float64("pronunciation_score", res.Report.PronunciationScore))
		s.publishTranscript(ev, res.Transcript)
		s.publishReport(ctx, res.Report, eventstore.KindReport)
		s.metrics.scores.Record(ctx, res.Report.PronunciationScore)
		log.Info("assessment report published",
			slog.Int("utterances", res.Report.Utterances),
			slog.Float64("pronunciation_score", res.Report.PronunciationScore))
	}

	isReport := res.Outcome == pronunciation.Reported || res.Outcome == pronunciation.Fallback
	s.metrics.recordFinal(ctx, outcome, isReport, float64(time.Since(start).Microseconds())/1000)

	if res.Done {
		s.finish(pronunciation.SessionStatus{
			SessionID:  ev.SessionID,
			RequestID:  ev.RequestID,
			Utterances: res.Report.Utterances,
		}, "completed")
	}
	return res
}

// rawPayload unwraps recognizer output that was forwarded as a JSON string
// because it was not a JSON document itself.
func rawPayload(result json.RawMessage) []byte {
	if len(result) > 0 && result[0] == '"' {
		var s string
		if err := json.Unmarshal(result, &s); err == nil {
			return []byte(s)
		}
	}
	return result
}

func (s *Service) finish(status pronunciation.SessionStatus, reason string) {
	stopped := protocol.SessionStopped{
		SessionID:  status.SessionID,
		RequestID:  status.RequestID,
		Reason:     reason,
		Utterances: status.Utterances,
		Timestamp:  time.Now().UTC(),
	}
	s.publish(protocol.SubjectSessionStopped, stopped)
	s.record(eventstore.Record{
		SessionID: status.SessionID,
		RequestID: status.RequestID,
		Kind:      eventstore.KindStopped,
		Payload:   mustJSON(stopped),
	})
	s.logger.Info("assessment stopped",
		slog.String("session_id", status.SessionID),
		slog.String("request_id", status.RequestID),
		slog.String("reason", reason))
}

func (s *Service) recordStart(started protocol.SessionStarted) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if s.store.RetentionMode() == "session" {
		if err := s.store.DeleteSession(ctx, started.SessionID); err != nil {
			s.logger.Warn("failed to drop previous session history", slogError(err))
		}
	}
	err := s.store.OpenSession(ctx, eventstore.Session{
		SessionID:     started.SessionID,
		RequestID:     started.RequestID,
		Mode:          started.Mode,
		ReferenceText: started.ReferenceText,
	})
	if err != nil {
		s.logger.Warn("failed to record session", slogError(err))
		return
	}
	s.record(eventstore.Record{
		SessionID: started.SessionID,
		RequestID: started.RequestID,
		Kind:      eventstore.KindStarted,
		Payload:   mustJSON(started),
	})
}

func (s *Service) publishReport(ctx context.Context, report pronunciation.Report, kind string) {
	data, err := json.Marshal(report)
	if err != nil {
		s.logger.Warn("failed to marshal report", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectReport, data); err != nil {
		s.logger.Warn("failed to publish report", slogError(err))
	}
	if !s.cfg.PersistReports {
		return
	}
	rec := eventstore.Record{
		SessionID: report.SessionID,
		RequestID: report.RequestID,
		Kind:      kind,
		Payload:   data,
	}
	if kind == eventstore.KindReport {
		rec.Score = sql.NullFloat64{Float64: report.PronunciationScore, Valid: true}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		rec.TraceID = sc.TraceID().String()
	}
	s.record(rec)
}

func (s *Service) record(rec eventstore.Record) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.store.AppendRecord(ctx, rec); err != nil {
		s.logger.Warn("failed to record assessment event",
			slog.String("kind", rec.Kind),
			slogError(err))
	}
}

func (s *Service) publishTranscript(ev protocol.RecognitionEvent, text string) {
	s.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Text:      text,
		Partial:   false,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publishError(sessionID, requestID, code string, err error) {
	s.publish(protocol.SubjectError, protocol.Error{
		SessionID: sessionID,
		RequestID: requestID,
		Code:      code,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func toStatus(st pronunciation.SessionStatus) protocol.SessionStatus {
	return protocol.SessionStatus{
		SessionID:  st.SessionID,
		RequestID:  st.RequestID,
		Mode:       string(st.Mode),
		Active:     st.Active,
		Utterances: st.Utterances,
		Words:      st.Words,
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
