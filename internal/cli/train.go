package cli

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/deepel"
)

// streamFlags are the flags shared by train, evaluate and predict, keyed by
// the config key they override.
var streamFlags = map[string]string{
	"train.batch_size":           "batch-size",
	"train.limit":                "limit",
	"train.min_mentions":         "min-mentions",
	"train.placeholder_sampling": "placeholder",
	"model.num_candidates":       "candidates",
	"model.seed":                 "seed",
}

func addStreamFlags(cmd *cobra.Command) {
	cmd.Flags().Int("batch-size", 0, "Mentions per batch (overrides train.batch_size)")
	cmd.Flags().Int("limit", 0, "Stop after this many mentions, 0 for no limit")
	cmd.Flags().Int("min-mentions", 0, "Minimum corpus mentions for an entity to be eligible")
	cmd.Flags().Bool("placeholder", false, "Sample with count queries only and fill batches in buffer order")
	cmd.Flags().Int("candidates", 0, "Candidates per mention (overrides model.num_candidates)")
	cmd.Flags().Uint64("seed", 0, "Random seed (overrides model.seed)")
}

func (c *CLI) newTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train [modelfile]",
		Short: "Train a model on the training split of the page order",
		Args:  cobra.MaximumNArgs(1),
		Example: `  deepel train model.json
  deepel train --epochs 5 --batch-size 256 -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := map[string]string{
				"train.epochs":        "epochs",
				"train.learning_rate": "lr",
			}
			for k, v := range streamFlags {
				keys[k] = v
			}
			cfg, err := c.loadConfig(cmd.Flags(), keys)
			if err != nil {
				return err
			}
			modelPath := cfg.Paths.Model
			if len(args) == 1 {
				modelPath = args[0]
			}

			e, err := openEnv(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			ctx, stop := signalContext()
			defer stop()

			tc := trainConfig(cfg, e.deps.Table.NumLabels())
			slog.Info("Training model", "pages", len(e.train), "labels", e.deps.Table.NumLabels(),
				"epochs", tc.Epochs, "batch_size", tc.BatchSize, "output", modelPath)
			start := time.Now()
			model, err := deepel.Train(ctx, e.on(e.train), &tc)
			if err != nil {
				return err
			}
			slog.Debug("Training completed", "duration", time.Since(start))
			if err := model.Save(modelPath); err != nil {
				return err
			}
			slog.Info("Model saved", "path", modelPath)
			return nil
		},
	}

	addStreamFlags(cmd)
	cmd.Flags().Int("epochs", 0, "Passes over the training split (overrides train.epochs)")
	cmd.Flags().Float64("lr", 0, "Learning rate (overrides train.learning_rate)")
	return cmd
}
