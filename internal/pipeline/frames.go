package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/andresmejia3/facequeue/internal/blob"
	"github.com/andresmejia3/facequeue/internal/invoke"
	"github.com/andresmejia3/facequeue/internal/observability"
	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/andresmejia3/facequeue/internal/utils"
)

// FrameFunc pulls one still frame out of a video.
type FrameFunc func(ctx context.Context, video []byte) ([]byte, error)

// FFmpegFrames extracts frames with the ffmpeg binary at path.
func FFmpegFrames(path string) FrameFunc {
	return func(ctx context.Context, video []byte) ([]byte, error) {
		return utils.ExtractFrame(ctx, path, video)
	}
}

// FrameExtractorConfig names the bucket frames are written to.
type FrameExtractorConfig struct {
	StageBucket string
	Retry       RetryConfig
}

// FrameExtractor is the frame extraction stage: video in, one frame stored,
// recognition triggered.
type FrameExtractor struct {
	cfg     FrameExtractorConfig
	blobs   blob.Store
	frames  FrameFunc
	invoker invoke.Invoker
	logger  *slog.Logger
}

func NewFrameExtractor(cfg FrameExtractorConfig, blobs blob.Store, frames FrameFunc, invoker invoke.Invoker, logger *slog.Logger) *FrameExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameExtractor{cfg: cfg, blobs: blobs, frames: frames, invoker: invoker, logger: logger}
}

// Process stores the first frame of task's video and dispatches the chained
// invocation. Nothing is dispatched if the frame cannot be produced. The
// returned payload is what was dispatched.
func (f *FrameExtractor) Process(ctx context.Context, task types.VideoFrameTask) (types.ChainPayload, error) {
	ctx, span := observability.StartStageSpan(ctx, "stage_one", task.VideoKey)
	defer span.End()

	var video []byte
	err := retry(ctx, f.cfg.Retry, func() error {
		var err error
		video, err = f.blobs.Get(ctx, task.Bucket, task.VideoKey)
		return err
	})
	if errors.Is(err, blob.ErrNotFound) {
		return types.ChainPayload{}, malformed("video %s/%s does not exist", task.Bucket, task.VideoKey)
	}
	if err != nil {
		observability.RecordError(span, err)
		return types.ChainPayload{}, fmt.Errorf("fetch video %s/%s: %w", task.Bucket, task.VideoKey, err)
	}

	frame, err := f.frames(ctx, video)
	if err != nil {
		observability.RecordError(span, err)
		var exitErr *exec.ExitError
		if errors.Is(err, utils.ErrNoFrame) || errors.As(err, &exitErr) {
			// the transcoder ran and rejected this video
			return types.ChainPayload{}, fmt.Errorf("%w: extract frame from %s: %w", ErrMalformed, task.VideoKey, err)
		}
		return types.ChainPayload{}, fmt.Errorf("extract frame from %s: %w", task.VideoKey, err)
	}

	key := utils.FrameKey(task.VideoKey)
	err = retry(ctx, f.cfg.Retry, func() error {
		return f.blobs.Put(ctx, f.cfg.StageBucket, key, frame)
	})
	if err != nil {
		observability.RecordError(span, err)
		return types.ChainPayload{}, fmt.Errorf("store frame %s/%s: %w", f.cfg.StageBucket, key, err)
	}

	payload := types.ChainPayload{BucketName: f.cfg.StageBucket, ImageFileName: key}
	err = retry(ctx, f.cfg.Retry, func() error {
		return f.invoker.Invoke(ctx, payload)
	})
	if err != nil {
		observability.RecordError(span, err)
		return types.ChainPayload{}, fmt.Errorf("dispatch recognition for %s: %w", key, err)
	}

	f.logger.Info("frame extracted", "video", task.VideoKey, "frame", key, "bytes", len(frame))
	return payload, nil
}
