package cmd

import (
	"errors"
	"log/slog"

	"github.com/andresmejia3/facequeue/internal/pipeline"
	"github.com/andresmejia3/facequeue/internal/utils"
	"github.com/spf13/cobra"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract a frame from each uploaded video and chain it to recognition",
	Long: `Consumes object-created notifications from the events queue. The first frame
of each video is stored as <base>.jpg in storage.stage_bucket and handed to the
chain stage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		if Cfg.Storage.StageBucket == "" {
			err := errors.New("storage.stage_bucket is required")
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}

		res := &resources{}
		defer res.Close()

		blobs, err := res.blobStore(ctx)
		if err != nil {
			return err
		}
		inv, err := res.invoker(ctx)
		if err != nil {
			utils.ShowError("Failed to set up chained invocation", err, nil)
			return err
		}

		fx := pipeline.NewFrameExtractor(pipeline.FrameExtractorConfig{
			StageBucket: Cfg.Storage.StageBucket,
			Retry:       retryConfig(),
		}, blobs, pipeline.FFmpegFrames(Cfg.Transcode.FFmpeg), inv, slog.Default())

		slog.Info("frame extraction worker starting", "queue", Cfg.Queue.Events, "stage_bucket", Cfg.Storage.StageBucket)
		return res.runDriver(ctx, Cfg.Queue.Events, &pipeline.EventHandler{Frames: fx})
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)
}
