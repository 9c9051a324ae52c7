package kjournal

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/fanout"
	"github.com/actorkit/kjournal/pkg/journal"
	"github.com/actorkit/kjournal/pkg/metrics"
)

var (
	prometheusEnabled bool
	prometheusAddr    string
)

var appendCmd = &cobra.Command{
	Use:   "append <entity-id> [payload...]",
	Short: "Append events to an entity's journal",
	Long: `Append writes one event per payload argument, or one event per stdin line
when no payloads are given, and prints the sequence number assigned to each.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAppend,
}

func runAppend(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received termination signal, shutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	if prometheusEnabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: prometheusAddr})
	}

	opts := cfg.Journal
	var pub *fanout.Publisher
	if cfg.Fanout.Mapper != fanout.MapperNone {
		var err error
		pub, err = fanout.NewPublisher(&cfg.Broker, cfg.Fanout, logger)
		if err != nil {
			return fmt.Errorf("failed to start fan-out publisher: %w", err)
		}
		opts.Publisher = pub
	}

	j, err := journal.New(&cfg.Broker, opts, logger)
	if err != nil {
		if pub != nil {
			pub.Close()
		}
		return fmt.Errorf("failed to open journal: %w", err)
	}

	appendErr := appendPayloads(ctx, j, args[0], args[1:])

	if err := j.Close(); err != nil {
		logger.Warn("journal close", zap.Error(err))
	}
	if pub != nil {
		// Close drains the fan-out queues before returning.
		if err := pub.Close(); err != nil {
			logger.Warn("fan-out close", zap.Error(err))
		}
	}
	cancel()

	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()
	select {
	case <-doneChan:
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10 seconds")
	}

	return appendErr
}

// appendPayloads prints one "<entity>#<seq>" line per confirmed append, so a
// partially written batch still reports what landed.
func appendPayloads(ctx context.Context, j *journal.Journal, entityID string, payloads []string) error {
	if len(payloads) > 0 {
		batch := make([][]byte, len(payloads))
		for i, p := range payloads {
			batch[i] = []byte(p)
		}
		seqs, err := j.AppendBatch(ctx, entityID, batch)
		for _, seq := range seqs {
			fmt.Printf("%s#%d\n", entityID, seq)
		}
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		seq, err := j.Append(ctx, entityID, payload)
		if err != nil {
			return err
		}
		fmt.Printf("%s#%d\n", entityID, seq)
	}
	return scanner.Err()
}

func init() {
	appendCmd.Flags().BoolVar(&prometheusEnabled, "metrics", false, "Enable Prometheus metrics server")
	appendCmd.Flags().StringVar(&prometheusAddr, "metrics-addr", ":9100", "Prometheus metrics server address")

	err := viper.BindPFlag("metrics.enabled", appendCmd.Flags().Lookup("metrics"))
	if err != nil {
		log.Fatalf("Error binding flag 'metrics.enabled': %v", err)
	}

	err = viper.BindPFlag("metrics.addr", appendCmd.Flags().Lookup("metrics-addr"))
	if err != nil {
		log.Fatalf("Error binding flag 'metrics.addr': %v", err)
	}
}
