// Package pronunciation scores a spoken utterance against a known reference
// text.
//
// The engine is synchronous and performs no I/O. A final recognizer result
// flows through five stages:
//
//  1. Tokenize normalizes the reference text into comparable tokens.
//  2. Extract parses the recognizer payload into words and utterance scores.
//  3. Align reconciles reference tokens against recognized words, marking
//     omissions and insertions (miscue detection).
//  4. Aggregate recomputes the five top-level scores from the word list and
//     every utterance seen so far.
//  5. BuildReport assembles the immutable [Report] handed to the caller.
//
// [Session] and [Manager] hold the per-request state that makes streaming
// (continuous) assessment cumulative across utterance boundaries.
package pronunciation

import (
	"encoding/json"
	"strings"
)

// ErrorType classifies a recognized word.
type ErrorType int

const (
	ErrorNone ErrorType = iota
	ErrorOmission
	ErrorInsertion
	ErrorMispronunciation
	ErrorUnknown
)

var errorTypeNames = map[ErrorType]string{
	ErrorNone:             "None",
	ErrorOmission:         "Omission",
	ErrorInsertion:        "Insertion",
	ErrorMispronunciation: "Mispronunciation",
	ErrorUnknown:          "Unknown",
}

// String returns the recognizer-compatible label.
func (e ErrorType) String() string {
	if name, ok := errorTypeNames[e]; ok {
		return name
	}
	return "Unknown"
}

// ParseErrorType maps a recognizer label to an ErrorType. Labels outside the
// known set (break and monotone verdicts, future additions) map to
// ErrorUnknown.
func ParseErrorType(label string) ErrorType {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "none":
		return ErrorNone
	case "omission":
		return ErrorOmission
	case "insertion":
		return ErrorInsertion
	case "mispronunciation":
		return ErrorMispronunciation
	default:
		return ErrorUnknown
	}
}

func (e ErrorType) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *ErrorType) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	*e = ParseErrorType(label)
	return nil
}

// Granularity selects how much score detail is kept in a report.
type Granularity string

const (
	GranularityPhoneme Granularity = "phoneme"
	GranularityWord    Granularity = "word"
	GranularityText    Granularity = "text"
)

// ParseGranularity accepts phoneme, word or text. Anything else falls back
// to phoneme, the recognizer default.
func ParseGranularity(s string) Granularity {
	switch Granularity(strings.ToLower(strings.TrimSpace(s))) {
	case GranularityWord:
		return GranularityWord
	case GranularityText:
		return GranularityText
	default:
		return GranularityPhoneme
	}
}

// Valid reports whether g is one of the known granularities.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityPhoneme, GranularityWord, GranularityText:
		return true
	}
	return false
}

// OptionalScore is a score the recognizer may or may not supply.
type OptionalScore struct {
	Value float64
	Valid bool
}

// Some returns a present score.
func Some(v float64) OptionalScore { return OptionalScore{Value: v, Valid: true} }

// Or returns the score when present and fallback otherwise.
func (o OptionalScore) Or(fallback float64) float64 {
	if o.Valid {
		return o.Value
	}
	return fallback
}

// NBestPhoneme is an alternative phoneme the recognizer considered.
type NBestPhoneme struct {
	Phoneme string  `json:"Phoneme"`
	Score   float64 `json:"Score"`
}

// Phoneme is phoneme-level detail kept only at phoneme granularity.
type Phoneme struct {
	Phoneme       string         `json:"Phoneme"`
	AccuracyScore float64        `json:"AccuracyScore"`
	NBest         []NBestPhoneme `json:"NBestPhonemes,omitempty"`
}

// RecognizedWord is one word of a recognized utterance.
//
// Reference and Similarity are filled by the aligner; Label keeps the raw
// recognizer error label when it did not map to a known ErrorType.
type RecognizedWord struct {
	Text          string
	ErrorType     ErrorType
	Label         string
	AccuracyScore float64
	DurationMs    int64
	OffsetMs      int64
	Phonemes      []Phoneme
	Reference     string
	Similarity    OptionalScore
	Synthetic     bool
}

// UtteranceScores are the utterance-level values one recognized segment
// contributes to the cumulative fluency and prosody scores.
type UtteranceScores struct {
	FluencyScore float64
	ProsodyScore float64
	DurationMs   int64
}

// RecognizerScores are the recognizer's own utterance-level verdicts. They
// only serve as fallbacks when a locally recomputed value is undefined.
type RecognizerScores struct {
	Accuracy      OptionalScore
	Fluency       OptionalScore
	Completeness  OptionalScore
	Prosody       OptionalScore
	Pronunciation OptionalScore
}

// ContentScores are present when a topic was supplied and the recognizer
// ran content assessment.
type ContentScores struct {
	Grammar    OptionalScore
	Vocabulary OptionalScore
	Topic      OptionalScore
}

// Any reports whether at least one content score is present.
func (c ContentScores) Any() bool {
	return c.Grammar.Valid || c.Vocabulary.Valid || c.Topic.Valid
}

func cloneWords(words []RecognizedWord) []RecognizedWord {
	if words == nil {
		return nil
	}
	out := make([]RecognizedWord, len(words))
	copy(out, words)
	return out
}
