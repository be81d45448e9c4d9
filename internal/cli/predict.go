package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/deepel"
)

func (c *CLI) newPredictCommand() *cobra.Command {
	var split, output string

	cmd := &cobra.Command{
		Use:   "predict [modelfile]",
		Short: "Link mentions and write predictions as JSON lines",
		Args:  cobra.MaximumNArgs(1),
		Example: `  deepel predict model.json
  deepel predict --split all -o predictions.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
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

			ec := evalConfig(cfg, e.deps.Table.NumLabels())
			preds, err := deepel.PredictPages(ctx, model, e.on(pages), &ec)
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if output != "" {
				f, cerr := os.Create(output)
				if cerr != nil {
					return cerr
				}
				defer func() {
					if cerr := f.Close(); cerr != nil && err == nil {
						err = cerr
					}
				}()
				w = f
			}
			if err := writePredictions(w, preds); err != nil {
				return err
			}
			slog.Info("Predicted", "mentions", len(preds), "split", split)
			return nil
		},
	}

	addStreamFlags(cmd)
	cmd.Flags().StringVar(&split, "split", "valid", "Pages to link: train, valid or all")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func writePredictions(w io.Writer, preds []deepel.Prediction) error {
	enc := json.NewEncoder(w)
	for _, p := range preds {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("write prediction: %w", err)
		}
	}
	return nil
}
