// Package gateway provides in-process stand-ins for the payment gateway and
// the shipping carrier. Their behaviour is scripted or randomized so the
// engine can be exercised against failures, declines and hung calls.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/orderflow/pkg/api"
)

var (
	// ErrUnavailable is the transient failure returned by Fail outcomes.
	ErrUnavailable = errors.New("service unavailable")
	// ErrDeclined is the permanent failure returned by Decline outcomes.
	ErrDeclined = errors.New("declined")
)

// Outcome is what a fake collaborator does on one call.
type Outcome int

const (
	Succeed Outcome = iota
	// Fail returns a transient error.
	Fail
	// Decline returns a permanent error.
	Decline
	// Hang blocks until the call's context is done.
	Hang
)

func (o Outcome) String() string {
	switch o {
	case Succeed:
		return "succeed"
	case Fail:
		return "fail"
	case Decline:
		return "decline"
	case Hang:
		return "hang"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Behavior picks the outcome of the next call.
type Behavior interface {
	Next() Outcome
}

type always Outcome

func (a always) Next() Outcome { return Outcome(a) }

// Always returns the same outcome on every call.
func Always(o Outcome) Behavior { return always(o) }

type script struct {
	mu       sync.Mutex
	outcomes []Outcome
}

// Scripted plays outcomes in order, then succeeds forever.
func Scripted(outcomes ...Outcome) Behavior {
	return &script{outcomes: append([]Outcome(nil), outcomes...)}
}

func (s *script) Next() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return Succeed
	}
	o := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return o
}

type random struct {
	mu       sync.Mutex
	rng      *rand.Rand
	failRate float64
	hangRate float64
}

// Random fails with probability failRate and hangs with probability
// hangRate. The same seed gives the same sequence.
func Random(failRate, hangRate float64, seed uint64) Behavior {
	return &random{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		failRate: failRate,
		hangRate: hangRate,
	}
}

func (r *random) Next() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.rng.Float64()
	switch {
	case p < r.hangRate:
		return Hang
	case p < r.hangRate+r.failRate:
		return Fail
	}
	return Succeed
}

// ParseBehavior reads a comma separated outcome list ("fail,fail,succeed")
// into a Scripted behaviour. An empty string always succeeds.
func ParseBehavior(s string) (Behavior, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Always(Succeed), nil
	}
	var outcomes []Outcome
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "succeed", "ok":
			outcomes = append(outcomes, Succeed)
		case "fail":
			outcomes = append(outcomes, Fail)
		case "decline":
			outcomes = append(outcomes, Decline)
		case "hang":
			outcomes = append(outcomes, Hang)
		default:
			return nil, fmt.Errorf("unknown outcome %q", part)
		}
	}
	return Scripted(outcomes...), nil
}

// play applies o. A nil return means the call succeeds.
func play(ctx context.Context, o Outcome, latency time.Duration, what string) error {
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	switch o {
	case Fail:
		return fmt.Errorf("%s: %w", what, ErrUnavailable)
	case Decline:
		return api.Permanent(fmt.Errorf("%s: %w", what, ErrDeclined))
	case Hang:
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func newReference(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
