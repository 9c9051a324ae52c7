package kjournal

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/journal"
)

var highestCmd = &cobra.Command{
	Use:   "highest <entity-id>",
	Short: "Print an entity's highest stored sequence number",
	Long:  `Highest prints the entity's highest stored sequence number, or 0 when the entity has never been written.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runHighest,
}

func runHighest(cmd *cobra.Command, args []string) error {
	j, err := journal.New(&cfg.Broker, cfg.Journal, logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Warn("journal close", zap.Error(err))
		}
	}()

	seq, err := j.HighestSequenceNr(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(seq)
	return nil
}
