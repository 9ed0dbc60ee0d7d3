package output

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff compares the captured output of two targets.
type Diff struct {
	Left       string  `json:"left"`
	Right      string  `json:"right"`
	LeftLines  int     `json:"left_lines"`
	RightLines int     `json:"right_lines"`
	Similarity float64 `json:"similarity"`
	Patch      string  `json:"patch,omitempty"`
}

// Identical reports whether both captures had the same text.
func (d *Diff) Identical() bool { return d.Patch == "" }

// ComputeDiff diffs left against right line by line. Similarity is 1 minus
// the Levenshtein distance over the longer text, so 1 means identical.
func ComputeDiff(leftName, left, rightName, right string) *Diff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(left, right)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	similarity := 1.0
	if longest := max(len(left), len(right)); longest > 0 {
		similarity = 1 - float64(dmp.DiffLevenshtein(diffs))/float64(longest)
	}

	return &Diff{
		Left:       leftName,
		Right:      rightName,
		LeftLines:  countLines(left),
		RightLines: countLines(right),
		Similarity: similarity,
		Patch:      dmp.PatchToText(dmp.PatchMake(left, diffs)),
	}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}
