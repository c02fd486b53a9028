// Package consensus reconciles the outputs of independent, non-deterministic
// executions into one agreed value.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"raffle/internal/apperr"
)

// ErrInvalidThreshold is returned for a threshold below one.
var ErrInvalidThreshold = errors.New("consensus: threshold must be at least 1")

// Reconcile applies the strict-equality agreement rule: the most common
// output is agreed if at least threshold outputs are byte-identical to it.
// A tie between two qualifying values is a disagreement.
func Reconcile(outputs []string, threshold int) (string, error) {
	if threshold < 1 {
		return "", ErrInvalidThreshold
	}

	counts := make(map[string]int, len(outputs))
	for _, out := range outputs {
		counts[out]++
	}

	var (
		best      string
		bestCount int
		tied      bool
	)
	for out, n := range counts {
		switch {
		case n > bestCount:
			best, bestCount, tied = out, n, false
		case n == bestCount:
			tied = true
		}
	}

	if bestCount >= threshold && !tied {
		return best, nil
	}
	return "", apperr.Newf(apperr.CodeConsensus,
		"no agreement: %d of %d outputs needed to match, tally %s", threshold, len(outputs), tally(counts))
}

// tally renders the vote counts in a stable order for error messages.
func tally(counts map[string]int) string {
	if len(counts) == 0 {
		return "[]"
	}
	n := make([]int, 0, len(counts))
	for _, c := range counts {
		n = append(n, c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(n)))

	parts := make([]string, len(n))
	for i, c := range n {
		parts[i] = fmt.Sprint(c)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
