// Package selector asks the oracle to judge a raffle and decodes the agreed
// answer into winner usernames.
package selector

import (
	"context"

	"github.com/tidwall/gjson"

	"raffle/internal/apperr"
	"raffle/internal/consensus"
	"raffle/internal/models"
	"raffle/internal/oracle"
)

// Resolver agrees on the output of a replicated operation.
type Resolver interface {
	Resolve(ctx context.Context, op consensus.Operation) (string, error)
}

// Selector picks raffle winners through a consensus-gated oracle call.
type Selector struct {
	oracle   oracle.Invoker
	resolver Resolver
}

// New creates a Selector.
func New(invoker oracle.Invoker, resolver Resolver) *Selector {
	return &Selector{oracle: invoker, resolver: resolver}
}

// TargetCount is how many winners a raffle with n participants gets.
func TargetCount(r *models.Raffle, n int) int {
	return min(r.NumWinners, n)
}

// SelectWinners returns the agreed winner usernames in the order the oracle
// listed them. The list is not filtered against participants.
func (s *Selector) SelectWinners(ctx context.Context, r *models.Raffle, participants []*models.Participant) ([]string, error) {
	candidates := make([]Candidate, 0, len(participants))
	for _, p := range participants {
		candidates = append(candidates, Candidate{Username: p.Username, Reason: p.Reason})
	}

	prompt, err := BuildPrompt(r.Reason, candidates, TargetCount(r, len(participants)))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "build prompt", err)
	}

	agreed, err := s.resolver.Resolve(ctx, func(ctx context.Context) (string, error) {
		raw, err := s.oracle.Invoke(ctx, prompt, oracle.FormatJSON)
		if err != nil {
			return "", err
		}
		return oracle.Canonicalize(raw)
	})
	if err != nil {
		return nil, err
	}
	return DecodeWinners(agreed)
}

// DecodeWinners reads the "winners" array from an agreed answer.
func DecodeWinners(answer string) ([]string, error) {
	field := gjson.Get(answer, "winners")
	if !field.Exists() {
		return nil, apperr.New(apperr.CodeOracle, `oracle answer has no "winners" field`)
	}
	if !field.IsArray() {
		return nil, apperr.Newf(apperr.CodeOracle, `oracle "winners" is %s, not an array`, field.Type)
	}

	var (
		winners []string
		bad     bool
	)
	field.ForEach(func(_, v gjson.Result) bool {
		if v.Type != gjson.String {
			bad = true
			return false
		}
		winners = append(winners, v.Str)
		return true
	})
	if bad {
		return nil, apperr.New(apperr.CodeOracle, `oracle "winners" must contain only usernames`)
	}
	if winners == nil {
		winners = []string{}
	}
	return winners, nil
}
