package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/logger"
	"golang.org/x/sync/errgroup"

	"raffle/internal/apperr"
)

// Operation performs one non-deterministic call and returns its canonical
// string form.
type Operation func(ctx context.Context) (string, error)

// Options configures a Resolver.
type Options struct {
	// Replicas is how many independent executions run per round.
	Replicas int
	// Threshold is how many identical outputs are required. Zero means a
	// strict majority of Replicas.
	Threshold int
	// Rounds is how many times the full set of replicas may run before the
	// resolver gives up. Zero means one.
	Rounds     int
	RoundDelay time.Duration
	// Timeout bounds each round. Replicas that have not reported by then
	// contribute no vote.
	Timeout time.Duration
	// MaxParallel limits concurrently running replicas. Zero means all.
	MaxParallel int
}

// Resolver runs an Operation across independent replicas and reconciles
// the results.
type Resolver struct {
	replicas    int
	threshold   int
	rounds      int
	roundDelay  time.Duration
	timeout     time.Duration
	maxParallel int
}

// NewResolver validates opts. A threshold of half the replicas or fewer is
// rejected so that two different values can never both be agreed.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Replicas < 1 {
		return nil, fmt.Errorf("consensus: replicas must be at least 1, got %d", opts.Replicas)
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = opts.Replicas/2 + 1
	}
	if threshold <= opts.Replicas/2 || threshold > opts.Replicas {
		return nil, fmt.Errorf("consensus: threshold %d invalid for %d replicas", threshold, opts.Replicas)
	}
	rounds := opts.Rounds
	if rounds < 1 {
		rounds = 1
	}
	maxParallel := opts.MaxParallel
	if maxParallel < 1 || maxParallel > opts.Replicas {
		maxParallel = opts.Replicas
	}
	return &Resolver{
		replicas:    opts.Replicas,
		threshold:   threshold,
		rounds:      rounds,
		roundDelay:  opts.RoundDelay,
		timeout:     opts.Timeout,
		maxParallel: maxParallel,
	}, nil
}

// Replicas returns the number of executions per round.
func (r *Resolver) Replicas() int { return r.replicas }

// Threshold returns the number of identical outputs required.
func (r *Resolver) Threshold() int { return r.threshold }

// Resolve returns the agreed output of op. It fails with an oracle error when
// every replica of the last round failed, and with a consensus error when
// replicas answered but did not agree.
func (r *Resolver) Resolve(ctx context.Context, op Operation) (string, error) {
	var lastErr error
	for round := 1; round <= r.rounds; round++ {
		agreed, err := r.runRound(ctx, op)
		if err == nil {
			if round > 1 {
				logger.Infof("consensus: agreement reached in round %d", round)
			}
			return agreed, nil
		}
		lastErr = err
		logger.Warningf("consensus: round %d/%d failed: %v", round, r.rounds, err)

		if round == r.rounds || !sleepWithContext(ctx, r.roundDelay) {
			break
		}
	}
	return "", lastErr
}

type vote struct {
	out      string
	err      error
	reported bool
}

func (r *Resolver) runRound(ctx context.Context, op Operation) (string, error) {
	roundCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var (
		mu    sync.Mutex
		votes = make([]vote, r.replicas)
		done  = make(chan struct{})
	)
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(r.maxParallel)
		for i := 0; i < r.replicas; i++ {
			g.Go(func() error {
				out, err := op(roundCtx)
				mu.Lock()
				votes[i] = vote{out: out, err: err, reported: true}
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
	}()

	select {
	case <-done:
	case <-roundCtx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	var (
		outputs  []string
		firstErr error
	)
	for i, v := range votes {
		switch {
		case !v.reported:
			logger.Warningf("consensus: replica %d did not report before timeout", i)
		case v.err != nil:
			logger.Warningf("consensus: replica %d failed: %v", i, v.err)
			if firstErr == nil {
				firstErr = v.err
			}
		default:
			outputs = append(outputs, v.out)
		}
	}

	if len(outputs) == 0 {
		if firstErr == nil {
			firstErr = roundCtx.Err()
		}
		if apperr.CodeOf(firstErr) == apperr.CodeOracle {
			return "", firstErr
		}
		return "", apperr.Wrap(apperr.CodeOracle, "all replicas failed", firstErr)
	}
	return Reconcile(outputs, r.threshold)
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
