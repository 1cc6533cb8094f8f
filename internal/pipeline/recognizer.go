// Package pipeline implements the two worker stages and the driver loop that
// binds them to their queues.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/facequeue/internal/blob"
	"github.com/andresmejia3/facequeue/internal/match"
	"github.com/andresmejia3/facequeue/internal/observability"
	"github.com/andresmejia3/facequeue/internal/queue"
	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/andresmejia3/facequeue/internal/worker"
)

// ResultFormat selects how a result is written to the output bucket.
type ResultFormat string

const (
	// FormatJSON stores the full RecognitionResult.
	FormatJSON ResultFormat = "json"
	// FormatText stores only the predicted label.
	FormatText ResultFormat = "text"
)

// Ledger records completed results, e.g. in Postgres. Optional.
type Ledger interface {
	RecordResult(ctx context.Context, fileName string, r types.RecognitionResult) error
}

// Notifier fans a completed response out to subscribers. Optional.
type Notifier interface {
	Publish(ctx context.Context, resp types.ResponseMessage) error
}

// RecognizerConfig names the buckets and queue the recognition stage writes to.
type RecognizerConfig struct {
	InputBucket  string
	OutputBucket string
	ResultFormat ResultFormat
	ResultSuffix string
	Retry        RetryConfig
}

// Recognizer is the recognition stage. It is safe for concurrent use as long
// as its collaborators are.
type Recognizer struct {
	cfg       RecognizerConfig
	blobs     blob.Store
	extractor worker.Extractor
	matcher   match.Matcher
	responses queue.Queue

	ledger   Ledger
	notifier Notifier
	logger   *slog.Logger
}

func NewRecognizer(cfg RecognizerConfig, blobs blob.Store, extractor worker.Extractor, matcher match.Matcher, responses queue.Queue, logger *slog.Logger) *Recognizer {
	if cfg.ResultFormat == "" {
		cfg.ResultFormat = FormatJSON
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		cfg:       cfg,
		blobs:     blobs,
		extractor: extractor,
		matcher:   matcher,
		responses: responses,
		logger:    logger,
	}
}

// WithLedger attaches a results ledger.
func (r *Recognizer) WithLedger(l Ledger) *Recognizer {
	r.ledger = l
	return r
}

// WithNotifier attaches a response notifier.
func (r *Recognizer) WithNotifier(n Notifier) *Recognizer {
	r.notifier = n
	return r
}

// InputKey is where the raw image copy for requestID is stored.
func InputKey(requestID string) string { return requestID + ".jpg" }

// ResultKey is where the result for requestID is stored.
func (r *Recognizer) ResultKey(requestID string) string { return requestID + r.cfg.ResultSuffix }

// Process runs one request through copy, extract, match, store and respond.
// Every write is keyed by the request id, so a redelivered request rewrites
// the same objects. A returned error means the request must not be acked.
func (r *Recognizer) Process(ctx context.Context, req types.RecognitionRequest) (Outcome, error) {
	ctx, span := observability.StartStageSpan(ctx, "stage_two", req.RequestID)
	defer span.End()

	log := r.logger.With("request_id", req.RequestID)
	var out Outcome

	// 1. Raw input copy. Failure is reported, never fatal.
	inKey := InputKey(req.RequestID)
	err := retry(ctx, r.cfg.Retry, func() error {
		return r.blobs.Put(ctx, r.cfg.InputBucket, inKey, req.ImageBytes)
	})
	if err != nil {
		w := &StorageWriteWarning{Bucket: r.cfg.InputBucket, Key: inKey, Err: err}
		log.Warn("input copy failed", "error", w)
		out.Warnings = append(out.Warnings, w)
	}

	// 2-3. Extract, then match unless there is no face.
	result := types.RecognitionResult{RequestID: req.RequestID}
	vec, err := r.extractor.Extract(ctx, req.ImageBytes)
	switch {
	case errors.Is(err, worker.ErrNoFace):
		result.Label = types.NoFaceLabel
	case errors.Is(err, worker.ErrBadImage):
		observability.RecordError(span, err)
		return out, fmt.Errorf("%w: extract embedding for %s: %w", ErrMalformed, req.RequestID, err)
	case err != nil:
		observability.RecordError(span, err)
		return out, fmt.Errorf("extract embedding for %s: %w", req.RequestID, err)
	default:
		m, err := r.matcher.Match(ctx, vec)
		if errors.Is(err, match.ErrInvalidQuery) {
			observability.RecordError(span, err)
			return out, fmt.Errorf("%w: match %s: %w", ErrMalformed, req.RequestID, err)
		}
		if err != nil {
			observability.RecordError(span, err)
			return out, fmt.Errorf("match %s: %w", req.RequestID, err)
		}
		result.Label = m.Label
		dist := m.Distance
		result.Distance = &dist
	}
	out.Result = result

	// 4. Result object.
	body, err := r.encodeResult(result)
	if err != nil {
		return out, err
	}
	outKey := r.ResultKey(req.RequestID)
	err = retry(ctx, r.cfg.Retry, func() error {
		return r.blobs.Put(ctx, r.cfg.OutputBucket, outKey, body)
	})
	if err != nil {
		observability.RecordError(span, err)
		return out, fmt.Errorf("store result %s/%s: %w", r.cfg.OutputBucket, outKey, err)
	}

	// 5. Response message.
	resp := types.ResponseMessage{FileName: req.FileName, Prediction: result.Label}
	if resp.FileName == "" {
		resp.FileName = req.RequestID
	}
	respBody, err := json.Marshal(resp)
	if err != nil {
		return out, err
	}
	attrs := map[string]string{types.TitleAttribute: resp.FileName}
	err = retry(ctx, r.cfg.Retry, func() error {
		return r.responses.Send(ctx, respBody, attrs, resp.FileName)
	})
	if err != nil {
		observability.RecordError(span, err)
		return out, fmt.Errorf("send response for %s: %w", req.RequestID, err)
	}

	// Optional fan-out. The response is already out, so these only warn.
	if r.ledger != nil {
		if err := r.ledger.RecordResult(ctx, resp.FileName, result); err != nil {
			log.Warn("ledger write failed", "error", err)
			out.Warnings = append(out.Warnings, fmt.Errorf("ledger: %w", err))
		}
	}
	if r.notifier != nil {
		if err := r.notifier.Publish(ctx, resp); err != nil {
			log.Warn("notify failed", "error", err)
			out.Warnings = append(out.Warnings, fmt.Errorf("notify: %w", err))
		}
	}

	observability.RecordResult(span, result.Label, result.Distance, len(out.Warnings))
	log.Info("recognized", "file", resp.FileName, "label", result.Label, "warnings", len(out.Warnings))
	return out, nil
}

func (r *Recognizer) encodeResult(result types.RecognitionResult) ([]byte, error) {
	switch r.cfg.ResultFormat {
	case FormatText:
		return []byte(result.Label), nil
	case FormatJSON:
		return json.Marshal(result)
	default:
		return nil, fmt.Errorf("unknown result format %q", r.cfg.ResultFormat)
	}
}
