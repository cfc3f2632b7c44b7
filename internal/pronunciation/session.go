package pronunciation

import (
	"errors"
	"strings"
)

// Mode selects single-shot or streaming assessment.
type Mode string

const (
	// ModeSingle assesses exactly one final recognizer result.
	ModeSingle Mode = "single"
	// ModeContinuous accumulates every final result until the session is
	// stopped.
	ModeContinuous Mode = "continuous"
)

// ParseMode accepts single or continuous; empty means single.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSingle:
		return ModeSingle, nil
	case ModeContinuous:
		return ModeContinuous, nil
	}
	return "", errors.New("mode must be one of single|continuous")
}

// Request describes one assessment request.
type Request struct {
	SessionID     string
	RequestID     string
	Mode          Mode
	ReferenceText string
	Granularity   Granularity
	EnableMiscue  bool
	Topic         string
	// TranscribeOnly forwards final transcripts without scoring.
	TranscribeOnly bool
	// CompletenessFallback is reported as completeness when the reference is
	// empty and the recognizer supplied none.
	CompletenessFallback float64
	MaxAlignmentCells    int
}

// EventKind distinguishes partial from final recognizer events.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
)

// Event is one recognizer event tagged with the request it belongs to.
type Event struct {
	SessionID string
	RequestID string
	Kind      EventKind
	Text      string
	Payload   []byte
}

// Outcome says what a session did with an event.
type Outcome int

const (
	// Discarded events belonged to a stale request or a closed session.
	Discarded Outcome = iota
	// Preview events are partial transcripts forwarded without scoring.
	Preview
	// Reported events produced a scored report.
	Reported
	// Fallback events carried an unparseable payload; the report is the
	// all-zero fallback.
	Fallback
	// NoMatch events were final but carried no recognized speech.
	NoMatch
	// Transcribed events were final events of a transcribe-only request.
	Transcribed
)

func (o Outcome) String() string {
	switch o {
	case Discarded:
		return "discarded"
	case Preview:
		return "preview"
	case Reported:
		return "reported"
	case Fallback:
		return "fallback"
	case NoMatch:
		return "no_match"
	case Transcribed:
		return "transcribed"
	}
	return "unknown"
}

// Result is returned by Session.Accept.
type Result struct {
	Outcome    Outcome
	Transcript string
	Report     Report
	Stats      AlignStats
	// Missing lists optional payload fields that were replaced by 0.
	Missing []string
	// Err is ErrMalformedResult or ErrAlignmentFailure (wrapped) when the
	// pipeline degraded.
	Err error
	// Done is set when the event closed the session.
	Done bool
}

// SessionStatus is a snapshot of a session.
type SessionStatus struct {
	SessionID  string
	RequestID  string
	Mode       Mode
	Active     bool
	Utterances int
	Words      int
}

// Session holds the cumulative state of one request. It is not safe for
// concurrent use.
type Session struct {
	req         Request
	reference   []string
	words       []RecognizedWord
	utterances  []UtteranceScores
	transcripts []string
	latest      RecognizerScores
	content     ContentScores
	lastRaw     string
	closed      bool
}

// NewSession starts a session for req. The reference text is tokenized
// once here and never changes afterwards.
func NewSession(req Request) *Session {
	if req.Mode == "" {
		req.Mode = ModeSingle
	}
	if !req.Granularity.Valid() {
		req.Granularity = GranularityPhoneme
	}
	return &Session{
		req:       req,
		reference: Tokenize(req.ReferenceText),
	}
}

// Request returns the request the session was started with.
func (s *Session) Request() Request { return s.req }

// Reference returns a copy of the reference tokens.
func (s *Session) Reference() []string { return append([]string(nil), s.reference...) }

// Closed reports whether the session accepts no more events.
func (s *Session) Closed() bool { return s.closed }

// Status returns a snapshot of the session.
func (s *Session) Status() SessionStatus {
	return SessionStatus{
		SessionID:  s.req.SessionID,
		RequestID:  s.req.RequestID,
		Mode:       s.req.Mode,
		Active:     !s.closed,
		Utterances: len(s.utterances),
		Words:      len(s.words),
	}
}

// Stop closes the session and discards everything it accumulated.
func (s *Session) Stop() {
	s.closed = true
	s.words = nil
	s.utterances = nil
	s.transcripts = nil
	s.latest = RecognizerScores{}
	s.content = ContentScores{}
	s.lastRaw = ""
}

// Current rebuilds the report for the state accumulated so far. It reports
// false before the first scored utterance.
func (s *Session) Current() (Report, bool) {
	if len(s.utterances) == 0 {
		return Report{}, false
	}
	report, _, _ := s.build(s.lastRaw)
	return report, true
}

// Accept processes one event. Partial events are never scored; final
// events run the whole pipeline over the cumulative state.
func (s *Session) Accept(ev Event) Result {
	if s.closed || ev.RequestID != s.req.RequestID {
		return Result{Outcome: Discarded}
	}
	if ev.Kind == EventPartial {
		return Result{Outcome: Preview, Transcript: ev.Text}
	}
	res := s.acceptFinal(ev)
	if s.req.Mode == ModeSingle {
		s.closed = true
		res.Done = true
	}
	return res
}

func (s *Session) acceptFinal(ev Event) Result {
	if s.req.TranscribeOnly {
		return Result{Outcome: Transcribed, Transcript: ev.Text}
	}

	u, err := Extract(ev.Payload)
	if err != nil {
		return Result{
			Outcome:    Fallback,
			Transcript: ev.Text,
			Report:     FallbackReport(s.req.SessionID, s.req.RequestID, s.req.Mode, ev.Text, string(ev.Payload)),
			Err:        err,
		}
	}
	if !u.Recognized() {
		return Result{Outcome: NoMatch, Missing: u.Missing}
	}

	transcript := ev.Text
	if transcript == "" {
		transcript = u.Transcript
	}
	if transcript != "" {
		s.transcripts = append(s.transcripts, transcript)
	}
	s.words = append(s.words, u.Words...)
	s.utterances = append(s.utterances, u.Scores)
	s.latest = u.Recognizer
	if u.Content.Any() {
		s.content = u.Content
	}
	s.lastRaw = string(ev.Payload)

	res := Result{Outcome: Reported, Transcript: transcript, Missing: u.Missing}
	res.Report, res.Stats, res.Err = s.build(s.lastRaw)
	return res
}

// build runs alignment, aggregation and report assembly over the current
// cumulative state. It does not modify the state, so calling it twice
// yields identical reports.
func (s *Session) build(raw string) (Report, AlignStats, error) {
	words := cloneWords(s.words)
	aligned := false
	var stats AlignStats
	var alignErr error
	if s.req.EnableMiscue {
		al, err := Align(s.reference, s.words, AlignOptions{MaxCells: s.req.MaxAlignmentCells})
		if err != nil {
			alignErr = err
		} else {
			words = al.Words
			stats = al.Stats
			aligned = true
		}
	}

	scores := Aggregate(AggregateInput{
		Words:                words,
		Utterances:           s.utterances,
		ReferenceTokens:      len(s.reference),
		Latest:               s.latest,
		CompletenessFallback: s.req.CompletenessFallback,
	})

	report := BuildReport(ReportInput{
		SessionID:      s.req.SessionID,
		RequestID:      s.req.RequestID,
		Mode:           s.req.Mode,
		Transcript:     strings.Join(s.transcripts, " "),
		Utterances:     len(s.utterances),
		Scores:         scores,
		Words:          words,
		Aligned:        aligned,
		Granularity:    s.req.Granularity,
		TopicRequested: strings.TrimSpace(s.req.Topic) != "",
		Content:        s.content,
		Raw:            raw,
	})
	return report, stats, alignErr
}
