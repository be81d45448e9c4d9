package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/deepel"
)

func (c *CLI) newEvaluateCommand() *cobra.Command {
	var split string

	cmd := &cobra.Command{
		Use:   "evaluate [modelfile]",
		Short: "Measure candidate-restricted accuracy on the validation split",
		Args:  cobra.MaximumNArgs(1),
		Example: `  deepel evaluate model.json
  deepel evaluate --split train --limit 10000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd.Flags(), streamFlags)
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
			pages, err := e.split(split)
			if err != nil {
				return err
			}
			model, err := e.loadModel(modelPath)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			slog.Info("Evaluating", "model", modelPath, "split", split, "pages", len(pages))
			start := time.Now()
			ec := evalConfig(cfg, e.deps.Table.NumLabels())
			result, err := deepel.Evaluate(ctx, model, e.on(pages), &ec)
			if err != nil {
				return err
			}
			slog.Debug("Evaluation completed", "duration", time.Since(start))
			printEvalResult(result)
			return nil
		},
	}

	addStreamFlags(cmd)
	cmd.Flags().StringVar(&split, "split", "valid", "Pages to evaluate: train, valid or all")
	return cmd
}

func printEvalResult(r *deepel.EvalResult) {
	if r.Total == 0 {
		fmt.Println("No eligible mentions")
		return
	}
	fmt.Printf("Candidate coverage: %.1f%% (%d/%d)\n", r.Coverage*100, r.Covered, r.Total)
	fmt.Printf("Text accuracy: %.1f%% (%d/%d)\n", r.TextAccuracy*100, r.TextCorrect, r.Total)
	fmt.Printf("Prior accuracy: %.1f%% (%d/%d)\n", r.PriorAccuracy*100, r.PriorCorrect, r.Total)
	fmt.Printf("Posterior accuracy: %.1f%% (%d/%d)\n", r.PosteriorAccuracy*100, r.PosteriorCorrect, r.Total)
}
