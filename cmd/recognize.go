package cmd

import (
	"log/slog"

	"github.com/andresmejia3/facequeue/internal/pipeline"
	"github.com/andresmejia3/facequeue/internal/utils"
	"github.com/spf13/cobra"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "Consume recognition requests and publish predictions",
	Long: `Polls the request queue for {"fileName","imageData"} messages. Each image is
stored, embedded, matched against the reference index, and the prediction is
written to the output bucket and published to the response queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		res := &resources{}
		defer res.Close()

		rec, err := res.recognizer(ctx, Cfg.Storage.OutputBucket)
		if err != nil {
			utils.ShowError("Failed to start recognition stage", err, nil)
			return err
		}

		slog.Info("recognition worker starting", "queue", Cfg.Queue.Request, "handlers", Cfg.Worker.Handlers)
		return res.runDriver(ctx, Cfg.Queue.Request, &pipeline.RequestHandler{Recognizer: rec})
	},
}

func init() {
	rootCmd.AddCommand(recognizeCmd)
}
