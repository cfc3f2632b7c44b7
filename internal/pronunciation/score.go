package pronunciation

import "math"

// Weights of the overall pronunciation score.
const (
	accuracyWeight     = 0.4
	prosodyWeight      = 0.2
	fluencyWeight      = 0.2
	completenessWeight = 0.2
)

// Scores are the five top-level assessment scores, each in [0, 100].
type Scores struct {
	Accuracy      float64
	Fluency       float64
	Prosody       float64
	Completeness  float64
	Pronunciation float64
}

// AggregateInput is the cumulative state the scores are computed from.
type AggregateInput struct {
	Words           []RecognizedWord
	Utterances      []UtteranceScores
	ReferenceTokens int
	// Latest holds the most recent utterance's recognizer verdicts, used as
	// fallbacks when a recomputed value is undefined.
	Latest RecognizerScores
	// CompletenessFallback applies when the reference is empty and the
	// recognizer supplied no completeness score.
	CompletenessFallback float64
}

// Aggregate recomputes all five scores from scratch.
func Aggregate(in AggregateInput) Scores {
	var s Scores

	var accSum float64
	var accN, valid int
	for _, w := range in.Words {
		if w.ErrorType != ErrorInsertion {
			accSum += w.AccuracyScore
			accN++
		}
		if w.ErrorType == ErrorNone {
			valid++
		}
	}
	if accN > 0 {
		s.Accuracy = accSum / float64(accN)
	} else {
		s.Accuracy = in.Latest.Accuracy.Or(0)
	}

	var fluSum, proSum float64
	var totalMs int64
	for _, u := range in.Utterances {
		fluSum += u.FluencyScore * float64(u.DurationMs)
		totalMs += u.DurationMs
		proSum += u.ProsodyScore
	}
	switch {
	case totalMs > 0:
		s.Fluency = fluSum / float64(totalMs)
	case len(in.Utterances) > 0:
		s.Fluency = in.Utterances[len(in.Utterances)-1].FluencyScore
	default:
		s.Fluency = in.Latest.Fluency.Or(0)
	}
	if len(in.Utterances) > 0 {
		s.Prosody = proSum / float64(len(in.Utterances))
	} else {
		s.Prosody = in.Latest.Prosody.Or(0)
	}

	if in.ReferenceTokens > 0 {
		s.Completeness = math.Min(100, 100*float64(valid)/float64(in.ReferenceTokens))
	} else {
		s.Completeness = in.Latest.Completeness.Or(in.CompletenessFallback)
	}

	s.Accuracy = clamp(s.Accuracy)
	s.Fluency = clamp(s.Fluency)
	s.Prosody = clamp(s.Prosody)
	s.Completeness = clamp(s.Completeness)
	s.Pronunciation = clamp(accuracyWeight*s.Accuracy +
		prosodyWeight*s.Prosody +
		fluencyWeight*s.Fluency +
		completenessWeight*s.Completeness)
	return s
}

// clamp bounds a score to [0, 100]; NaN becomes 0.
func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
