package pronunciation

import (
	"encoding/json"
	"strings"
	"testing"
)

type testWord struct {
	text     string
	errType  string
	accuracy float64
	ms       int64
}

// payload renders a recognizer result the way the speech service emits it.
func payload(t *testing.T, fluency, prosody float64, words ...testWord) []byte {
	t.Helper()
	type wordScore struct {
		AccuracyScore float64 `json:"AccuracyScore"`
		ErrorType     string  `json:"ErrorType"`
	}
	type word struct {
		Word                    string    `json:"Word"`
		Offset                  int64     `json:"Offset"`
		Duration                int64     `json:"Duration"`
		PronunciationAssessment wordScore `json:"PronunciationAssessment"`
	}
	var (
		ws    []word
		texts []string
		off   int64
		acc   float64
	)
	for _, w := range words {
		et := w.errType
		if et == "" {
			et = "None"
		}
		ws = append(ws, word{
			Word:                    w.text,
			Offset:                  off * 10_000,
			Duration:                w.ms * 10_000,
			PronunciationAssessment: wordScore{AccuracyScore: w.accuracy, ErrorType: et},
		})
		off += w.ms
		texts = append(texts, w.text)
		acc += w.accuracy
	}
	if len(words) > 0 {
		acc /= float64(len(words))
	}
	doc := map[string]any{
		"RecognitionStatus": "Success",
		"DisplayText":       strings.Join(texts, " "),
		"NBest": []map[string]any{{
			"Display": strings.Join(texts, " "),
			"PronunciationAssessment": map[string]any{
				"AccuracyScore":     acc,
				"FluencyScore":      fluency,
				"CompletenessScore": 100.0,
				"ProsodyScore":      prosody,
				"PronScore":         acc,
			},
			"Words": ws,
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func words(texts ...string) []testWord {
	out := make([]testWord, 0, len(texts))
	for _, s := range texts {
		out = append(out, testWord{text: s, accuracy: 90, ms: 300})
	}
	return out
}

func errorTypes(ws []ReportWord) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Word + ":" + w.ErrorType.String()
	}
	return out
}
