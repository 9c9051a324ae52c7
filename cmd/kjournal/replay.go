package kjournal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/journal"
)

var (
	replayFrom uint64
	replayTo   uint64
	replayRaw  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <entity-id>",
	Short: "Replay an entity's events in sequence order",
	Long: `Replay prints the entity's events between --from and --to inclusive, one
JSON object per line. --to 0 means up to the highest stored sequence.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	j, err := journal.New(&cfg.Broker, cfg.Journal, logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Warn("journal close", zap.Error(err))
		}
	}()

	to := replayTo
	if to == 0 {
		to = journal.Unbounded
	}

	out := json.NewEncoder(os.Stdout)
	var count uint64
	err = j.Replay(ctx, args[0], replayFrom, to, func(e journal.Entry) error {
		count++
		if replayRaw {
			_, werr := fmt.Printf("%s\n", e.Payload)
			return werr
		}
		return out.Encode(e)
	})
	if err != nil {
		return err
	}
	logger.Info("replay complete", zap.String("entity", args[0]), zap.Uint64("entries", count))
	return nil
}

func init() {
	replayCmd.Flags().Uint64Var(&replayFrom, "from", 1, "First sequence number to replay")
	replayCmd.Flags().Uint64Var(&replayTo, "to", 0, "Last sequence number to replay (0 = highest)")
	replayCmd.Flags().BoolVar(&replayRaw, "raw", false, "Print raw payload bytes instead of JSON entries")
}
