// Command hashqueue-load pushes items through a hashqueue map with concurrent
// producers and consumers, and reports whether they all arrived.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"go.alexhamlin.co/hashqueue"
	"go.alexhamlin.co/hashqueue/internal/loadgen"
	"go.alexhamlin.co/hashqueue/internal/log"
)

var (
	flagKeys         = pflag.IntP("keys", "k", 8, "Number of distinct keys to produce into")
	flagProducers    = pflag.IntP("producers", "p", 4, "Number of concurrent producers")
	flagConsumers    = pflag.IntP("consumers", "c", 2, "Number of consumers (per key in keyed mode)")
	flagItems        = pflag.IntP("items", "n", 10000, "Total number of items to produce")
	flagBatch        = pflag.IntP("batch", "b", 16, "Number of items requested by each pop")
	flagRate         = pflag.Float64("rate", 0, "Maximum items produced per second (0 for unlimited)")
	flagLock         = pflag.Bool("lock", false, "Pop with lock credits and unlock after each batch")
	flagMode         = pflag.String("mode", string(loadgen.ModeKeyed), `Consumer mode: "keyed" or "aggregate"`)
	flagPollInterval = pflag.Duration("poll", hashqueue.DefaultPollInterval, "Poll interval for aggregate blocking pops")
	flagTimeout      = pflag.Duration("timeout", 0, "Give up after this long (0 for no limit)")
	flagVerbose      = pflag.BoolP("verbose", "v", false, "Enable verbose logging")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *flagVerbose {
		log.EnableVerbose()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *flagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *flagTimeout)
		defer cancel()
	}

	report, err := loadgen.Run(ctx, loadgen.Config{
		Keys:         *flagKeys,
		Producers:    *flagProducers,
		Consumers:    *flagConsumers,
		Items:        *flagItems,
		Batch:        *flagBatch,
		Rate:         *flagRate,
		Lock:         *flagLock,
		Mode:         loadgen.Mode(*flagMode),
		PollInterval: *flagPollInterval,
	})
	log.Printf("produced=%d consumed=%d keys=%d remaining=%d cleaned=%d elapsed=%v",
		report.Produced, report.Consumed, report.KeysSeen,
		report.Remaining, report.Cleaned, report.Elapsed.Round(time.Millisecond))
	if err != nil {
		log.Fatalf("load run failed: %v", err)
	}
}
