// Package loadgen drives concurrent producers and consumers through a
// [hashqueue.Map], and reports whether every produced item came out the other
// side.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go.alexhamlin.co/hashqueue"
	"go.alexhamlin.co/hashqueue/internal/log"
)

// Mode selects how consumers retrieve items.
type Mode string

const (
	// ModeKeyed runs a set of consumers for each key, each popping batches from
	// that key's queue through a handle.
	ModeKeyed Mode = "keyed"
	// ModeAggregate runs consumers that pop across every key at once.
	ModeAggregate Mode = "aggregate"
)

// Item is the payload that producers enqueue.
type Item struct {
	Key int
	Seq int
}

// Config describes a load run.
type Config struct {
	Keys      int
	Producers int
	// Consumers is the number of consumers per key in ModeKeyed, or in total in
	// ModeAggregate.
	Consumers int
	Items     int
	Batch     int
	// Rate limits production to this many items per second across all
	// producers. Non-positive rates are unlimited.
	Rate float64
	// Lock makes consumers pop with lock credits and release them once they
	// finish with each batch.
	Lock         bool
	Mode         Mode
	PollInterval time.Duration
}

// Report summarizes a completed load run.
type Report struct {
	Produced int
	Consumed int
	KeysSeen int
	// Remaining counts items left in the map after consumers finish, and is
	// nonzero only when Run also returns an error.
	Remaining int
	Cleaned   int
	Elapsed   time.Duration
}

func (c Config) validate() error {
	switch {
	case c.Keys <= 0:
		return errors.New("keys must be positive")
	case c.Producers <= 0:
		return errors.New("producers must be positive")
	case c.Consumers <= 0:
		return errors.New("consumers must be positive")
	case c.Items < 0:
		return errors.New("items must not be negative")
	case c.Batch <= 0:
		return errors.New("batch must be positive")
	case c.Mode != ModeKeyed && c.Mode != ModeAggregate:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

type run struct {
	cfg Config
	m   *hashqueue.Map[int, Item]

	// produced is closed once every producer has finished. Consumers then stop
	// blocking and drain whatever remains.
	produced chan struct{}
	seen     mapset.Set[int]
	consumed chan int
}

// Run produces cfg.Items items and consumes them all, returning once every
// consumer has exited or ctx is done.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if err := cfg.validate(); err != nil {
		return Report{}, fmt.Errorf("invalid config: %w", err)
	}

	r := &run{
		cfg:      cfg,
		m:        hashqueue.NewMap[int, Item](hashqueue.WithPollInterval(cfg.PollInterval)),
		produced: make(chan struct{}),
		seen:     mapset.NewSet[int](),
		consumed: make(chan int),
	}

	var (
		start    = time.Now()
		report   Report
		tally    = make(chan int)
		consumed int
	)
	go func() {
		defer close(tally)
		for n := range r.consumed {
			consumed += n
		}
		tally <- consumed
	}()

	g, gctx := errgroup.WithContext(ctx)
	r.startConsumers(gctx, g)
	err := r.produce(gctx)
	close(r.produced)
	if werr := g.Wait(); err == nil {
		err = werr
	}
	close(r.consumed)

	report.Produced = cfg.Items
	report.Consumed = <-tally
	report.KeysSeen = r.seen.Cardinality()
	report.Elapsed = time.Since(start)
	if err != nil {
		return report, err
	}

	snap, err := r.m.Snapshot()
	if err != nil {
		return report, fmt.Errorf("inspecting leftovers: %w", err)
	}
	report.Remaining = lo.SumBy(lo.Values(snap), func(items []Item) int { return len(items) })
	report.Cleaned = r.m.Clean()

	if report.Consumed != report.Produced || report.Remaining > 0 {
		return report, fmt.Errorf("consumed %d of %d items with %d remaining",
			report.Consumed, report.Produced, report.Remaining)
	}
	return report, nil
}

func (r *run) produce(ctx context.Context) error {
	limit := rate.Inf
	if r.cfg.Rate > 0 {
		limit = rate.Limit(r.cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, max(1, r.cfg.Producers))

	g, ctx := errgroup.WithContext(ctx)
	for p := range r.cfg.Producers {
		g.Go(func() error {
			for seq := p; seq < r.cfg.Items; seq += r.cfg.Producers {
				if err := limiter.Wait(ctx); err != nil {
					return fmt.Errorf("producer %d: %w", p, err)
				}
				key := seq % r.cfg.Keys
				r.m.Handle(key).Enqueue(Item{Key: key, Seq: seq})
			}
			log.Verbosef("loadgen: producer %d finished", p)
			return nil
		})
	}
	return g.Wait()
}

func (r *run) startConsumers(ctx context.Context, g *errgroup.Group) {
	switch r.cfg.Mode {
	case ModeKeyed:
		for key := range r.cfg.Keys {
			h := r.m.Handle(key)
			for range r.cfg.Consumers {
				g.Go(func() error {
					return r.consume(ctx, func(ctx context.Context, req hashqueue.PopRequest[Item]) ([]Item, error) {
						items, _, err := h.Pop(ctx, req)
						return items, err
					})
				})
			}
		}

	case ModeAggregate:
		for range r.cfg.Consumers {
			g.Go(func() error { return r.consume(ctx, r.m.Pop) })
		}
	}
}

type popFunc func(context.Context, hashqueue.PopRequest[Item]) ([]Item, error)

// consume pops batches with blocking until production finishes, then drains
// without blocking until a pop comes back empty.
func (r *run) consume(ctx context.Context, pop popFunc) error {
	blockCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.produced:
			cancel()
		case <-blockCtx.Done():
		}
	}()

	req := hashqueue.PopRequest[Item]{Size: r.cfg.Batch, Lock: r.cfg.Lock, Block: true}
	for {
		items, err := pop(blockCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			req.Block = false
			continue
		}
		if len(items) == 0 && !req.Block {
			return nil
		}
		r.finish(items)
	}
}

// finish records a consumed batch, and releases its lock credits if the run
// pops with locks.
func (r *run) finish(items []Item) {
	counts := lo.CountValuesBy(items, func(it Item) int { return it.Key })
	for key, n := range counts {
		r.seen.Add(key)
		if r.cfg.Lock {
			r.m.Handle(key).Unlock(n)
		}
	}
	r.consumed <- len(items)
}
