package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-assess/internal/pronunciation"
)

// mockRecognizer pretends every request was read back perfectly: each
// reference token is recognized once with full marks, spread evenly over
// the buffered audio.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

type mockWord struct {
	Word                    string `json:"Word"`
	Offset                  int64  `json:"Offset"`
	Duration                int64  `json:"Duration"`
	PronunciationAssessment struct {
		AccuracyScore float64 `json:"AccuracyScore"`
		ErrorType     string  `json:"ErrorType"`
	} `json:"PronunciationAssessment"`
}

func (m *mockRecognizer) Recognize(_ context.Context, pcm []byte, sampleRate int, channels int, opts Options, final bool) (RecognitionResult, error) {
	tokens := pronunciation.Tokenize(opts.ReferenceText)
	if !final {
		return RecognitionResult{
			Text: fmt.Sprintf("[partial transcript length=%d]", len(pcm)),
		}, nil
	}
	if len(tokens) == 0 {
		return RecognitionResult{Payload: json.RawMessage(`{"RecognitionStatus":"NoMatch"}`)}, nil
	}

	var ticks int64
	if sampleRate > 0 && channels > 0 {
		// 16-bit samples; one second is 10^7 ticks
		ticks = int64(len(pcm)/2/channels) * 10_000_000 / int64(sampleRate)
	}
	per := ticks / int64(len(tokens))

	words := make([]mockWord, len(tokens))
	for i, tok := range tokens {
		words[i].Word = tok
		words[i].Offset = int64(i) * per
		words[i].Duration = per
		words[i].PronunciationAssessment.AccuracyScore = 100
		words[i].PronunciationAssessment.ErrorType = "None"
	}
	text := strings.Join(tokens, " ")
	doc := map[string]any{
		"RecognitionStatus": "Success",
		"DisplayText":       text,
		"Duration":          ticks,
		"NBest": []map[string]any{{
			"Confidence": 1.0,
			"Lexical":    text,
			"Display":    text,
			"PronunciationAssessment": map[string]float64{
				"AccuracyScore":     100,
				"FluencyScore":      100,
				"CompletenessScore": 100,
				"ProsodyScore":      100,
				"PronScore":         100,
			},
			"Words": words,
		}},
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return RecognitionResult{}, fmt.Errorf("encode mock result: %w", err)
	}
	return RecognitionResult{Text: text, Confidence: 1, Payload: payload}, nil
}
