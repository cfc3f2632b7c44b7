package pronunciation

import (
	"fmt"

	"github.com/antzucaro/matchr"
)

// DefaultMaxAlignmentCells bounds the DP table: a session of a few minutes
// of speech against a page of reference text stays far below it.
const DefaultMaxAlignmentCells = 4_000_000

// EditOp is one step of the edit script.
type EditOp int

const (
	OpEqual EditOp = iota
	OpSubstitute
	OpDelete
	OpInsert
)

func (o EditOp) String() string {
	switch o {
	case OpEqual:
		return "equal"
	case OpSubstitute:
		return "substitute"
	case OpDelete:
		return "delete"
	case OpInsert:
		return "insert"
	}
	return "unknown"
}

// Edit pairs a reference position with a recognized position. RefIndex is
// -1 for insertions and HypIndex is -1 for deletions.
type Edit struct {
	Op       EditOp
	RefIndex int
	HypIndex int
}

// AlignStats counts the edit operations of an alignment.
type AlignStats struct {
	Matches       int
	Substitutions int
	Omissions     int
	Insertions    int
}

// Alignment is the outcome of reconciling reference tokens with recognized
// words. Words is in reference order, with insertions kept at the point
// they were spoken.
type Alignment struct {
	Script []Edit
	Words  []RecognizedWord
	Stats  AlignStats
}

// AlignOptions tunes Align.
type AlignOptions struct {
	// MaxCells caps (len(reference)+1)*(len(words)+1). Zero means
	// DefaultMaxAlignmentCells.
	MaxCells int
}

// Align computes a minimum edit-distance alignment between reference and
// the recognized words and classifies every recognized word:
//
//   - matched and substituted words keep the recognizer's error type;
//   - unmatched reference tokens become synthetic Omission words;
//   - unmatched recognized words are reclassified as Insertion.
//
// Among equal-cost alignments a substitution is preferred over a
// delete+insert pair, then a deletion over an insertion. The input slice is
// not modified.
func Align(reference []string, words []RecognizedWord, opts AlignOptions) (Alignment, error) {
	script, err := editScript(reference, words, opts.MaxCells)
	if err != nil {
		return Alignment{}, err
	}

	out := Alignment{
		Script: script,
		Words:  make([]RecognizedWord, 0, len(script)),
	}
	for _, e := range script {
		switch e.Op {
		case OpEqual:
			w := words[e.HypIndex]
			w.Reference = reference[e.RefIndex]
			out.Words = append(out.Words, w)
			out.Stats.Matches++
		case OpSubstitute:
			w := words[e.HypIndex]
			w.Reference = reference[e.RefIndex]
			w.Similarity = Some(similarity(w.Reference, Normalize(w.Text)))
			out.Words = append(out.Words, w)
			out.Stats.Substitutions++
		case OpDelete:
			out.Words = append(out.Words, RecognizedWord{
				Text:      reference[e.RefIndex],
				ErrorType: ErrorOmission,
				Reference: reference[e.RefIndex],
				Synthetic: true,
			})
			out.Stats.Omissions++
		case OpInsert:
			w := words[e.HypIndex]
			w.ErrorType = ErrorInsertion
			w.Label = ""
			out.Words = append(out.Words, w)
			out.Stats.Insertions++
		}
	}
	return out, nil
}

func editScript(reference []string, words []RecognizedWord, maxCells int) ([]Edit, error) {
	if maxCells <= 0 {
		maxCells = DefaultMaxAlignmentCells
	}
	n, m := len(reference), len(words)
	if (n + 1) > maxCells/(m+1) {
		return nil, fmt.Errorf("%w: %dx%d table exceeds %d cells", ErrAlignmentFailure, n+1, m+1, maxCells)
	}

	hyp := make([]string, m)
	for j, w := range words {
		hyp[j] = Normalize(w.Text)
	}

	// cost rows are rolled; the backtrace table keeps one byte per cell.
	const (
		fromDiag byte = iota
		fromUp
		fromLeft
	)
	back := make([][]byte, n+1)
	for i := range back {
		back[i] = make([]byte, m+1)
	}
	prev := make([]int, m+1)
	cur := make([]int, m+1)
	for j := 1; j <= m; j++ {
		prev[j] = j
		back[0][j] = fromLeft
	}
	for i := 1; i <= n; i++ {
		cur[0] = i
		back[i][0] = fromUp
		for j := 1; j <= m; j++ {
			sub := prev[j-1]
			if reference[i-1] != hyp[j-1] {
				sub++
			}
			best, from := sub, fromDiag
			if del := prev[j] + 1; del < best {
				best, from = del, fromUp
			}
			if ins := cur[j-1] + 1; ins < best {
				best, from = ins, fromLeft
			}
			cur[j] = best
			back[i][j] = from
		}
		prev, cur = cur, prev
	}

	script := make([]Edit, 0, n+m)
	i, j := n, m
	for i > 0 || j > 0 {
		switch back[i][j] {
		case fromDiag:
			op := OpEqual
			if reference[i-1] != hyp[j-1] {
				op = OpSubstitute
			}
			script = append(script, Edit{Op: op, RefIndex: i - 1, HypIndex: j - 1})
			i--
			j--
		case fromUp:
			script = append(script, Edit{Op: OpDelete, RefIndex: i - 1, HypIndex: -1})
			i--
		case fromLeft:
			script = append(script, Edit{Op: OpInsert, RefIndex: -1, HypIndex: j - 1})
			j--
		}
	}
	for l, r := 0, len(script)-1; l < r; l, r = l+1, r-1 {
		script[l], script[r] = script[r], script[l]
	}
	return script, nil
}

func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return matchr.JaroWinkler(a, b, false)
}
