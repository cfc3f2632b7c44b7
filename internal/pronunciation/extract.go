package pronunciation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ticksPerMillisecond converts recognizer offsets and durations, expressed
// in 100-nanosecond ticks, to milliseconds.
const ticksPerMillisecond = 10_000

const statusNoMatch = "NoMatch"

// Utterance is everything the engine keeps from one final recognizer
// result.
type Utterance struct {
	Status     string
	Transcript string
	Words      []RecognizedWord
	Scores     UtteranceScores
	Recognizer RecognizerScores
	Content    ContentScores
	// Missing lists the optional fields that were absent and replaced by 0.
	Missing []string
}

// Recognized reports whether the result carries recognized speech.
// Payloads without a status are treated as recognized; Extract marks a
// status-less result without hypotheses as NoMatch.
func (u Utterance) Recognized() bool {
	switch strings.ToLower(u.Status) {
	case "", "success", "recognizedspeech", "recognized":
		return true
	}
	return false
}

type rawResult struct {
	RecognitionStatus string     `json:"RecognitionStatus"`
	DisplayText       string     `json:"DisplayText"`
	Text              string     `json:"Text"`
	Offset            int64      `json:"Offset"`
	Duration          int64      `json:"Duration"`
	NBest             []rawNBest `json:"NBest"`
}

type rawNBest struct {
	Confidence              float64            `json:"Confidence"`
	Lexical                 string             `json:"Lexical"`
	Display                 string             `json:"Display"`
	PronunciationAssessment *rawUtteranceScore `json:"PronunciationAssessment"`
	ContentAssessment       *rawContentScore   `json:"ContentAssessment"`
	Words                   []rawWord          `json:"Words"`
}

type rawUtteranceScore struct {
	AccuracyScore     *float64 `json:"AccuracyScore"`
	FluencyScore      *float64 `json:"FluencyScore"`
	CompletenessScore *float64 `json:"CompletenessScore"`
	ProsodyScore      *float64 `json:"ProsodyScore"`
	PronScore         *float64 `json:"PronScore"`
}

type rawContentScore struct {
	GrammarScore    *float64 `json:"GrammarScore"`
	VocabularyScore *float64 `json:"VocabularyScore"`
	TopicScore      *float64 `json:"TopicScore"`
}

type rawWord struct {
	Word                    string        `json:"Word"`
	Offset                  int64         `json:"Offset"`
	Duration                int64         `json:"Duration"`
	PronunciationAssessment *rawWordScore `json:"PronunciationAssessment"`
	Phonemes                []rawPhoneme  `json:"Phonemes"`
}

type rawWordScore struct {
	AccuracyScore *float64 `json:"AccuracyScore"`
	ErrorType     string   `json:"ErrorType"`
}

type rawPhoneme struct {
	Phoneme                 string `json:"Phoneme"`
	PronunciationAssessment *struct {
		AccuracyScore *float64       `json:"AccuracyScore"`
		NBestPhonemes []NBestPhoneme `json:"NBestPhonemes"`
	} `json:"PronunciationAssessment"`
}

// Extract parses one recognizer result. Absent optional fields become 0 and
// are listed in Utterance.Missing; only an unparseable or null payload is an
// error, wrapping ErrMalformedResult.
func Extract(payload []byte) (Utterance, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Utterance{}, fmt.Errorf("%w: empty payload", ErrMalformedResult)
	}
	var raw *rawResult
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Utterance{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if raw == nil {
		return Utterance{}, fmt.Errorf("%w: null result", ErrMalformedResult)
	}

	u := Utterance{
		Status:     raw.RecognitionStatus,
		Transcript: raw.DisplayText,
	}
	if u.Transcript == "" {
		u.Transcript = raw.Text
	}
	if len(raw.NBest) == 0 {
		if u.Status == "" {
			u.Status = statusNoMatch
		}
		u.Missing = append(u.Missing, "NBest")
		return u, nil
	}

	// only the top hypothesis is scored; alternates are ignored
	best := raw.NBest[0]
	if u.Transcript == "" {
		u.Transcript = best.Display
	}

	if pa := best.PronunciationAssessment; pa != nil {
		u.Recognizer = RecognizerScores{
			Accuracy:      optional(pa.AccuracyScore),
			Fluency:       optional(pa.FluencyScore),
			Completeness:  optional(pa.CompletenessScore),
			Prosody:       optional(pa.ProsodyScore),
			Pronunciation: optional(pa.PronScore),
		}
		u.Missing = appendMissing(u.Missing, "PronunciationAssessment.FluencyScore", pa.FluencyScore)
		u.Missing = appendMissing(u.Missing, "PronunciationAssessment.ProsodyScore", pa.ProsodyScore)
	} else {
		u.Missing = append(u.Missing, "PronunciationAssessment")
	}
	if ca := best.ContentAssessment; ca != nil {
		u.Content = ContentScores{
			Grammar:    optional(ca.GrammarScore),
			Vocabulary: optional(ca.VocabularyScore),
			Topic:      optional(ca.TopicScore),
		}
	}

	u.Words = make([]RecognizedWord, 0, len(best.Words))
	var total int64
	for i, w := range best.Words {
		word := RecognizedWord{
			Text:       w.Word,
			DurationMs: ticksToMs(w.Duration),
			OffsetMs:   ticksToMs(w.Offset),
		}
		if ws := w.PronunciationAssessment; ws != nil {
			word.ErrorType = ParseErrorType(ws.ErrorType)
			if word.ErrorType == ErrorUnknown {
				word.Label = ws.ErrorType
			}
			if ws.AccuracyScore != nil {
				word.AccuracyScore = clamp(*ws.AccuracyScore)
			} else {
				u.Missing = append(u.Missing, fmt.Sprintf("Words[%d].AccuracyScore", i))
			}
		} else {
			u.Missing = append(u.Missing, fmt.Sprintf("Words[%d].PronunciationAssessment", i))
		}
		word.Phonemes = extractPhonemes(w.Phonemes)
		total += word.DurationMs
		u.Words = append(u.Words, word)
	}

	u.Scores = UtteranceScores{
		FluencyScore: clamp(u.Recognizer.Fluency.Or(0)),
		ProsodyScore: clamp(u.Recognizer.Prosody.Or(0)),
		DurationMs:   total,
	}
	return u, nil
}

func extractPhonemes(raw []rawPhoneme) []Phoneme {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Phoneme, 0, len(raw))
	for _, p := range raw {
		ph := Phoneme{Phoneme: p.Phoneme}
		if pa := p.PronunciationAssessment; pa != nil {
			if pa.AccuracyScore != nil {
				ph.AccuracyScore = clamp(*pa.AccuracyScore)
			}
			ph.NBest = pa.NBestPhonemes
		}
		out = append(out, ph)
	}
	return out
}

func optional(v *float64) OptionalScore {
	if v == nil {
		return OptionalScore{}
	}
	return Some(clamp(*v))
}

func appendMissing(missing []string, field string, v *float64) []string {
	if v == nil {
		return append(missing, field)
	}
	return missing
}

func ticksToMs(ticks int64) int64 {
	if ticks <= 0 {
		return 0
	}
	return ticks / ticksPerMillisecond
}
