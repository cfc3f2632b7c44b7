package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame represents PCM audio data streamed from edge devices.
// RequestID may be empty, in which case the frame belongs to the session's
// current request.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// AssessmentRequest starts a single-shot or continuous assessment. Starting
// a request for a session that already has one in flight replaces it.
type AssessmentRequest struct {
	SessionID     string `json:"session_id"`
	RequestID     string `json:"request_id,omitempty"`
	Mode          string `json:"mode,omitempty"` // single, continuous
	ReferenceText string `json:"reference_text"`
	Granularity   string `json:"granularity,omitempty"`
	// EnableMiscue is optional so that an absent field picks up the
	// configured default.
	EnableMiscue      *bool  `json:"enable_miscue,omitempty"`
	Topic             string `json:"topic,omitempty"`
	Language          string `json:"language,omitempty"`
	PhonemeAlphabet   string `json:"phoneme_alphabet,omitempty"`
	NBestPhonemeCount int    `json:"nbest_phoneme_count,omitempty"`
	TranscribeOnly    bool   `json:"transcribe_only,omitempty"`
	Exercise          string `json:"exercise,omitempty"`
}

// StopRequest ends a session. An empty RequestID stops whatever request is
// current.
type StopRequest struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
}

// SessionStarted is published once a request has been accepted. It carries
// the normalized request so the recognizer can be configured for it.
type SessionStarted struct {
	SessionID         string    `json:"session_id"`
	RequestID         string    `json:"request_id"`
	ReplacedRequestID string    `json:"replaced_request_id,omitempty"`
	Mode              string    `json:"mode"`
	ReferenceText     string    `json:"reference_text"`
	Granularity       string    `json:"granularity"`
	EnableMiscue      bool      `json:"enable_miscue"`
	Topic             string    `json:"topic,omitempty"`
	Language          string    `json:"language,omitempty"`
	PhonemeAlphabet   string    `json:"phoneme_alphabet,omitempty"`
	NBestPhonemeCount int       `json:"nbest_phoneme_count,omitempty"`
	TranscribeOnly    bool      `json:"transcribe_only,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// SessionStopped is published when a request ends, either explicitly or
// because a single-shot request produced its report.
type SessionStopped struct {
	SessionID  string    `json:"session_id"`
	RequestID  string    `json:"request_id"`
	Reason     string    `json:"reason"` // stopped, completed, replaced
	Utterances int       `json:"utterances"`
	Timestamp  time.Time `json:"timestamp"`
}

// RecognitionEvent carries one recognizer result. Result holds the
// recognizer's raw JSON document and is only set on final events.
type RecognitionEvent struct {
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Text      string          `json:"text"`
	Partial   bool            `json:"partial"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Transcript represents recognized text forwarded to the caller.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// StatusRequest asks for a session's state; the reply is a SessionStatus.
type StatusRequest struct {
	SessionID string `json:"session_id"`
}

// SessionStatus reports whether a session is listening.
type SessionStatus struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Active     bool   `json:"active"`
	Utterances int    `json:"utterances"`
	Words      int    `json:"words"`
}

// Error reports a problem with a request without ending the session.
type Error struct {
	SessionID string    `json:"session_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes.
const (
	ErrorInvalidRequest    = "invalid_request"
	ErrorMalformedResult   = "malformed_result"
	ErrorAlignmentFailure  = "alignment_failure"
	ErrorRecognizerFailure = "recognizer_failure"
)

const (
	SubjectAudioFramePrefix = "audio.frame"

	SubjectAssessStart  = "assess.request.start"
	SubjectAssessStop   = "assess.request.stop"
	SubjectAssessStatus = "assess.session.status"

	SubjectRecognitionPartial = "stt.assess.partial"
	SubjectRecognitionFinal   = "stt.assess.final"

	SubjectSessionStarted    = "assess.session.started"
	SubjectSessionStopped    = "assess.session.stopped"
	SubjectTranscriptPartial = "assess.transcript.partial"
	SubjectTranscriptFinal   = "assess.transcript.final"
	SubjectReport            = "assess.report"
	SubjectError             = "assess.error"
)
