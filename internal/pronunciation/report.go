package pronunciation

// ReportWord is the per-word entry of a report.
type ReportWord struct {
	Word          string    `json:"Word"`
	ErrorType     ErrorType `json:"ErrorType"`
	AccuracyScore float64   `json:"AccuracyScore"`
	Phonemes      []Phoneme `json:"Phonemes,omitempty"`
	ReferenceWord string    `json:"ReferenceWord,omitempty"`
	Similarity    *float64  `json:"Similarity,omitempty"`
	// RecognizerErrorType keeps a recognizer label that has no ErrorType
	// equivalent.
	RecognizerErrorType string `json:"RecognizerErrorType,omitempty"`
}

// Report is the assessment result handed to the caller at every final
// recognizer event. Content scores are nil unless a topic was requested and
// the recognizer returned them.
type Report struct {
	SessionID  string `json:"SessionID,omitempty"`
	RequestID  string `json:"RequestID,omitempty"`
	Mode       Mode   `json:"Mode,omitempty"`
	Transcript string `json:"Transcript"`
	Utterances int    `json:"Utterances"`
	Aligned    bool   `json:"Aligned"`
	Fallback   bool   `json:"Fallback,omitempty"`

	AccuracyScore      float64 `json:"AccuracyScore"`
	ProsodyScore       float64 `json:"ProsodyScore"`
	FluencyScore       float64 `json:"FluencyScore"`
	CompletenessScore  float64 `json:"CompletenessScore"`
	PronunciationScore float64 `json:"PronunciationScore"`

	GrammarScore    *float64 `json:"GrammarScore,omitempty"`
	VocabularyScore *float64 `json:"VocabularyScore,omitempty"`
	TopicScore      *float64 `json:"TopicScore,omitempty"`

	Words                []ReportWord `json:"Words"`
	OriginalResponseText string       `json:"OriginalResponseText"`
}

// ReportInput carries everything BuildReport needs.
type ReportInput struct {
	SessionID      string
	RequestID      string
	Mode           Mode
	Transcript     string
	Utterances     int
	Scores         Scores
	Words          []RecognizedWord
	Aligned        bool
	Granularity    Granularity
	TopicRequested bool
	Content        ContentScores
	Raw            string
}

// BuildReport assembles a report. It copies everything it keeps, so later
// changes to the input do not leak into the report.
func BuildReport(in ReportInput) Report {
	r := Report{
		SessionID:            in.SessionID,
		RequestID:            in.RequestID,
		Mode:                 in.Mode,
		Transcript:           in.Transcript,
		Utterances:           in.Utterances,
		Aligned:              in.Aligned,
		AccuracyScore:        clamp(in.Scores.Accuracy),
		ProsodyScore:         clamp(in.Scores.Prosody),
		FluencyScore:         clamp(in.Scores.Fluency),
		CompletenessScore:    clamp(in.Scores.Completeness),
		PronunciationScore:   clamp(in.Scores.Pronunciation),
		Words:                make([]ReportWord, 0, len(in.Words)),
		OriginalResponseText: in.Raw,
	}
	if in.TopicRequested {
		r.GrammarScore = scorePtr(in.Content.Grammar)
		r.VocabularyScore = scorePtr(in.Content.Vocabulary)
		r.TopicScore = scorePtr(in.Content.Topic)
	}
	keepPhonemes := in.Granularity == GranularityPhoneme || in.Granularity == ""
	for _, w := range in.Words {
		rw := ReportWord{
			Word:                w.Text,
			ErrorType:           w.ErrorType,
			AccuracyScore:       clamp(w.AccuracyScore),
			RecognizerErrorType: w.Label,
			Similarity:          scorePtr(w.Similarity),
		}
		if w.Reference != "" && w.Reference != Normalize(w.Text) {
			rw.ReferenceWord = w.Reference
		}
		if keepPhonemes && len(w.Phonemes) > 0 {
			rw.Phonemes = append([]Phoneme(nil), w.Phonemes...)
		}
		r.Words = append(r.Words, rw)
	}
	return r
}

// FallbackReport is the all-zero report used when a recognizer payload
// cannot be parsed. The raw payload and the plain transcript pass through.
func FallbackReport(sessionID, requestID string, mode Mode, transcript, raw string) Report {
	return Report{
		SessionID:            sessionID,
		RequestID:            requestID,
		Mode:                 mode,
		Transcript:           transcript,
		Fallback:             true,
		Words:                []ReportWord{},
		OriginalResponseText: raw,
	}
}

func scorePtr(o OptionalScore) *float64 {
	if !o.Valid {
		return nil
	}
	v := clamp(o.Value)
	return &v
}
