package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assess/internal/bus"
	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/loqalabs/loqa-assess/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service buffers audio per session and runs the recognizer for the
// session's current assessment request. Frames tagged with a request id
// other than the current one are dropped.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	log        *slog.Logger
	recognizer Recognizer
	sessions   map[string]*sessionState
	early      map[string]*earlyAudio
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	RequestID    string
	Options      Options
	Buffer       []byte
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

// earlyAudio holds frames for a request whose start notice has not been
// seen yet. Only the latest request id per session is kept.
type earlyAudio struct {
	RequestID string
	Buffer    []byte
	Final     bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		recognizer: recognizer,
		sessions:   make(map[string]*sessionState),
		early:      make(map[string]*earlyAudio),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NewRecognizer builds the recognizer selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	}
	return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectAudioFramePrefix + ".>": s.handleFrame,
		protocol.SubjectSessionStarted:          s.handleStarted,
		protocol.SubjectSessionStopped:          s.handleStopped,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	s.log.Info("stt service started", slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleStarted(msg *nats.Msg) {
	var started protocol.SessionStarted
	if err := json.Unmarshal(msg.Data, &started); err != nil {
		s.log.Warn("failed to decode session start", slogError(err))
		return
	}
	s.mu.Lock()
	state := s.sessions[started.SessionID]
	var final bool
	if state == nil || state.RequestID != started.RequestID {
		state = &sessionState{RequestID: started.RequestID}
		s.sessions[started.SessionID] = state
		if early := s.early[started.SessionID]; early != nil {
			delete(s.early, started.SessionID)
			if early.RequestID == started.RequestID {
				state.Buffer = early.Buffer
				final = early.Final
			}
		}
	}
	state.Options = Options{
		ReferenceText:     started.ReferenceText,
		Language:          started.Language,
		Granularity:       started.Granularity,
		EnableMiscue:      started.EnableMiscue,
		Topic:             started.Topic,
		PhonemeAlphabet:   started.PhonemeAlphabet,
		NBestPhonemeCount: started.NBestPhonemeCount,
		TranscribeOnly:    started.TranscribeOnly,
	}
	s.mu.Unlock()

	if final {
		s.scheduleRecognition(started.SessionID, true)
	}
}

func (s *Service) handleStopped(msg *nats.Msg) {
	var stopped protocol.SessionStopped
	if err := json.Unmarshal(msg.Data, &stopped); err != nil {
		s.log.Warn("failed to decode session stop", slogError(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.sessions[stopped.SessionID]; state != nil && state.RequestID == stopped.RequestID {
		delete(s.sessions, stopped.SessionID)
	}
	if early := s.early[stopped.SessionID]; early != nil && early.RequestID == stopped.RequestID {
		delete(s.early, stopped.SessionID)
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil || (frame.RequestID != "" && state.RequestID != frame.RequestID) {
		held := s.holdEarly(frame)
		s.mu.Unlock()
		if !held {
			s.log.Debug("dropping audio without a started request",
				slog.String("session_id", frame.SessionID))
		}
		return
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final {
		if s.shouldSchedulePartial(frame.SessionID) {
			s.scheduleRecognition(frame.SessionID, false)
		}
	}
	if frame.Final {
		s.scheduleRecognition(frame.SessionID, true)
	}
}

// holdEarly buffers a frame until its request's start notice arrives. A
// frame for a newer request replaces whatever was held. Frames without a
// request id join the held request, or are dropped when nothing is held.
// Callers hold s.mu.
func (s *Service) holdEarly(frame protocol.AudioFrame) bool {
	early := s.early[frame.SessionID]
	if frame.RequestID == "" {
		if early == nil {
			return false
		}
	} else if early == nil || early.RequestID != frame.RequestID {
		early = &earlyAudio{RequestID: frame.RequestID}
		s.early[frame.SessionID] = early
	}
	early.Buffer = append(early.Buffer, frame.PCM...)
	early.Final = early.Final || frame.Final
	return true
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleRecognition(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	requestID := state.RequestID
	opts := state.Options
	state.Inflight = true
	if final {
		state.PendingFinal = false
		// continuous requests keep listening; the next utterance starts
		// from an empty buffer
		state.Buffer = nil
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout())
		defer cancel()

		result, err := s.recognizer.Recognize(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, opts, final)
		if err != nil {
			s.log.Warn("recognition failed",
				slog.String("session_id", sessionID),
				slog.String("request_id", requestID),
				slogError(err))
			s.publishError(sessionID, requestID, err)
		} else {
			s.publishResult(sessionID, requestID, result, final)
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil && state.RequestID == requestID {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			if !final {
				state.LastPartial = time.Now()
			}
		}
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleRecognition(sessionID, true)
		}
	}()
}

func (s *Service) timeout() time.Duration {
	if s.cfg.TimeoutMS > 0 {
		return time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	}
	return 45 * time.Second
}

func (s *Service) publishResult(sessionID, requestID string, result RecognitionResult, final bool) {
	if !final && result.Text == "" {
		return
	}
	subject := protocol.SubjectRecognitionPartial
	if final {
		subject = protocol.SubjectRecognitionFinal
	}
	msg := protocol.RecognitionEvent{
		SessionID: sessionID,
		RequestID: requestID,
		Text:      result.Text,
		Partial:   !final,
		Timestamp: time.Now().UTC(),
	}
	if final {
		msg.Result = result.Payload
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish recognition event", slogError(err))
	}
}

func (s *Service) publishError(sessionID, requestID string, err error) {
	msg := protocol.Error{
		SessionID: sessionID,
		RequestID: requestID,
		Code:      protocol.ErrorRecognizerFailure,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectError, msg); err != nil {
		s.log.Warn("failed to publish recognizer error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
