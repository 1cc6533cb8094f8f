package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facequeue/internal/blob"
	"github.com/andresmejia3/facequeue/internal/queue"
	"github.com/andresmejia3/facequeue/internal/types"
)

// Handler processes one delivered message. A nil error means every side
// effect is done and the message may be acked.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }

// RequestHandler feeds request-queue messages into the recognizer.
type RequestHandler struct {
	Recognizer *Recognizer
}

// DecodeRequest parses a request-queue body. The request id is the fileName
// exactly as submitted, so distinct names never share a result key.
func DecodeRequest(body []byte, receivedAt time.Time) (types.RecognitionRequest, error) {
	var msg types.RequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return types.RecognitionRequest{}, malformed("request body: %v", err)
	}
	if msg.FileName == "" {
		return types.RecognitionRequest{}, malformed("request has no fileName")
	}
	img, err := base64.StdEncoding.DecodeString(msg.ImageData)
	if err != nil {
		return types.RecognitionRequest{}, malformed("imageData of %s: %v", msg.FileName, err)
	}
	if len(img) == 0 {
		return types.RecognitionRequest{}, malformed("request %s has no image data", msg.FileName)
	}
	return types.RecognitionRequest{
		RequestID:  msg.FileName,
		FileName:   msg.FileName,
		ImageBytes: img,
		ReceivedAt: receivedAt,
	}, nil
}

func (h *RequestHandler) Handle(ctx context.Context, msg queue.Message) error {
	req, err := DecodeRequest(msg.Body, time.Now())
	if err != nil {
		return err
	}
	_, err = h.Recognizer.Process(ctx, req)
	return err
}

// ChainHandler is the recognition entry point for chained invocations: the
// payload names a stored frame rather than carrying the image.
type ChainHandler struct {
	Recognizer *Recognizer
	Blobs      blob.Store
	Retry      RetryConfig
}

func (h *ChainHandler) Handle(ctx context.Context, msg queue.Message) error {
	var p types.ChainPayload
	if err := json.Unmarshal(msg.Body, &p); err != nil {
		return malformed("chain payload: %v", err)
	}
	_, err := h.Run(ctx, p)
	return err
}

// Run fetches the frame named by p and recognizes it.
func (h *ChainHandler) Run(ctx context.Context, p types.ChainPayload) (Outcome, error) {
	if p.BucketName == "" || p.ImageFileName == "" {
		return Outcome{}, malformed("chain payload needs bucket_name and image_file_name")
	}

	var img []byte
	err := retry(ctx, h.Retry, func() error {
		var err error
		img, err = h.Blobs.Get(ctx, p.BucketName, p.ImageFileName)
		return err
	})
	if errors.Is(err, blob.ErrNotFound) {
		return Outcome{}, malformed("frame %s/%s does not exist", p.BucketName, p.ImageFileName)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch frame %s/%s: %w", p.BucketName, p.ImageFileName, err)
	}

	return h.Recognizer.Process(ctx, types.RecognitionRequest{
		RequestID:  types.BaseName(p.ImageFileName),
		FileName:   p.ImageFileName,
		ImageBytes: img,
		ReceivedAt: time.Now(),
	})
}

// EventHandler feeds storage-event notifications into frame extraction.
type EventHandler struct {
	Frames *FrameExtractor
}

func (h *EventHandler) Handle(ctx context.Context, msg queue.Message) error {
	var ev types.StorageEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return malformed("storage event: %v", err)
	}
	tasks := ev.Tasks()
	if len(tasks) == 0 {
		return malformed("storage event has no object records")
	}
	// Every task is redone on redelivery; frame writes and chain dispatch
	// are keyed by the video name.
	for _, task := range tasks {
		if _, err := h.Frames.Process(ctx, task); err != nil {
			return err
		}
	}
	return nil
}
