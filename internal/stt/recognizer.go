package stt

import (
	"context"
	"encoding/json"
)

// Options are the per-request assessment parameters handed to the
// recognizer along with the audio.
type Options struct {
	ReferenceText     string
	Language          string
	Granularity       string
	EnableMiscue      bool
	Topic             string
	PhonemeAlphabet   string
	NBestPhonemeCount int
	TranscribeOnly    bool
}

// RecognitionResult captures recognizer output. Payload is the raw
// assessment document; it may be empty for partial results.
type RecognitionResult struct {
	Text       string
	Confidence float64
	Payload    json.RawMessage
}

// Recognizer abstracts speech assessment backends.
type Recognizer interface {
	Recognize(ctx context.Context, pcm []byte, sampleRate int, channels int, opts Options, final bool) (RecognitionResult, error)
}

// displayText pulls the display transcript out of a raw result.
func displayText(payload []byte) string {
	var doc struct {
		DisplayText string `json:"DisplayText"`
		Text        string `json:"Text"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	if doc.DisplayText != "" {
		return doc.DisplayText
	}
	return doc.Text
}
