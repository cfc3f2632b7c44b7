package pronunciation

import (
	"bytes"
	"encoding/json"
	"testing"
)

func phonemeWord() RecognizedWord {
	return RecognizedWord{
		Text:          "fox",
		AccuracyScore: 80,
		Phonemes:      []Phoneme{{Phoneme: "f", AccuracyScore: 90}, {Phoneme: "ɒ", AccuracyScore: 70}},
	}
}

func TestBuildReportGranularity(t *testing.T) {
	for _, tt := range []struct {
		g    Granularity
		keep bool
	}{
		{GranularityPhoneme, true},
		{GranularityWord, false},
		{GranularityText, false},
	} {
		r := BuildReport(ReportInput{Words: []RecognizedWord{phonemeWord()}, Granularity: tt.g})
		if got := len(r.Words[0].Phonemes) > 0; got != tt.keep {
			t.Fatalf("granularity %s: phonemes kept = %v, want %v", tt.g, got, tt.keep)
		}
	}
}

func TestBuildReportContentScoresOnlyWithTopic(t *testing.T) {
	content := ContentScores{Grammar: Some(70), Topic: Some(90)}

	r := BuildReport(ReportInput{Content: content})
	if r.GrammarScore != nil || r.TopicScore != nil {
		t.Fatal("content scores must be absent without a topic")
	}

	r = BuildReport(ReportInput{Content: content, TopicRequested: true})
	if r.GrammarScore == nil || *r.GrammarScore != 70 || r.TopicScore == nil || *r.TopicScore != 90 {
		t.Fatalf("unexpected content scores: %+v", r)
	}
	if r.VocabularyScore != nil {
		t.Fatal("vocabulary was not supplied and must stay absent")
	}
}

func TestBuildReportReferenceWord(t *testing.T) {
	r := BuildReport(ReportInput{Words: []RecognizedWord{
		{Text: "Fox.", Reference: "fox"},
		{Text: "quack", Reference: "quick", Similarity: Some(0.8)},
	}})
	if r.Words[0].ReferenceWord != "" {
		t.Fatalf("matching word should not repeat its reference, got %q", r.Words[0].ReferenceWord)
	}
	if r.Words[1].ReferenceWord != "quick" || r.Words[1].Similarity == nil {
		t.Fatalf("substitution should carry reference and similarity, got %+v", r.Words[1])
	}
}

func TestBuildReportIsolatedFromInput(t *testing.T) {
	w := phonemeWord()
	in := ReportInput{Words: []RecognizedWord{w}, Granularity: GranularityPhoneme}
	r := BuildReport(in)
	in.Words[0].Phonemes[0].Phoneme = "x"
	if r.Words[0].Phonemes[0].Phoneme != "f" {
		t.Fatal("report shares phoneme storage with its input")
	}
}

func TestBuildReportIdempotent(t *testing.T) {
	in := ReportInput{
		SessionID:  "s1",
		RequestID:  "r1",
		Mode:       ModeContinuous,
		Transcript: "the fox",
		Utterances: 2,
		Scores:     Scores{Accuracy: 80, Fluency: 70, Prosody: 60, Completeness: 50, Pronunciation: 68},
		Words:      []RecognizedWord{{Text: "the", AccuracyScore: 90}, phonemeWord()},
		Aligned:    true,
		Raw:        `{"raw":true}`,
	}
	a, err := json.Marshal(BuildReport(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(BuildReport(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("reports differ:\n%s\n%s", a, b)
	}
}

func TestFallbackReport(t *testing.T) {
	r := FallbackReport("s1", "r1", ModeSingle, "hello", "{garbage")
	if !r.Fallback || r.Transcript != "hello" || r.OriginalResponseText != "{garbage" {
		t.Fatalf("unexpected fallback report: %+v", r)
	}
	if r.PronunciationScore != 0 || r.AccuracyScore != 0 || len(r.Words) != 0 {
		t.Fatalf("fallback scores must be zero: %+v", r)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"Words":[]`)) {
		t.Fatalf("expected empty word list in %s", data)
	}
}
