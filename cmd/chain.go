package cmd

import (
	"log/slog"

	"github.com/andresmejia3/facequeue/internal/pipeline"
	"github.com/andresmejia3/facequeue/internal/utils"
	"github.com/spf13/cobra"
)

var chainOutputBucket string

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Recognize frames handed over by the extract stage",
	Long: `Consumes chained invocations ({"bucket_name","image_file_name"}) from the
chain queue. The named frame is fetched and recognized; the request id is the
frame's base name.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		res := &resources{}
		defer res.Close()

		out := Cfg.Storage.OutputBucket
		if chainOutputBucket != "" {
			out = chainOutputBucket
		}
		rec, err := res.recognizer(ctx, out)
		if err != nil {
			utils.ShowError("Failed to start chained recognition stage", err, nil)
			return err
		}
		blobs, err := res.blobStore(ctx)
		if err != nil {
			return err
		}

		slog.Info("chain worker starting", "queue", Cfg.Queue.Chain, "output_bucket", out)
		return res.runDriver(ctx, Cfg.Queue.Chain, &pipeline.ChainHandler{
			Recognizer: rec,
			Blobs:      blobs,
			Retry:      retryConfig(),
		})
	},
}

func init() {
	chainCmd.Flags().StringVarP(&chainOutputBucket, "output-bucket", "o", "", "Bucket for results (default: storage.output_bucket)")
	rootCmd.AddCommand(chainCmd)
}
