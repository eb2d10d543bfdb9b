package race

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrAbstain is returned by a branch that exits without competing, for
	// example because its watch could not be installed.
	ErrAbstain = errors.New("race: branch abstained")

	// ErrNoWinner is returned when every branch abstained.
	ErrNoWinner = errors.New("race: no branch settled")
)

// Branch is one competitor. Run must return promptly once ctx is cancelled
// and release everything it registered before returning.
type Branch[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Outcome is the settled result of a race.
type Outcome[T any] struct {
	Winner  string
	Value   T
	Elapsed time.Duration
}

// Run starts every branch and returns the first settlement. The first branch
// to return a value or an error other than ErrAbstain wins; the others are
// cancelled. Run returns only after every branch has exited.
func Run[T any](ctx context.Context, branches ...Branch[T]) (Outcome[T], error) {
	start := time.Now()
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cell := NewCell[T]()
	var g errgroup.Group
	for _, b := range branches {
		g.Go(func() error {
			v, err := b.Run(raceCtx)
			if errors.Is(err, ErrAbstain) {
				return nil
			}
			if cell.Settle(b.Name, v, err) {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	if !cell.Settled() {
		out := Outcome[T]{Elapsed: time.Since(start)}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		return out, ErrNoWinner
	}

	name, v, err := cell.Result()
	return Outcome[T]{Winner: name, Value: v, Elapsed: cell.SettledAt().Sub(start)}, err
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
