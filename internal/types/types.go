package types

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// NoFaceLabel is the terminal prediction when the extractor finds no face.
const NoFaceLabel = "no-face"

// TitleAttribute carries a human readable identifier on request messages.
const TitleAttribute = "Title"

// Embedding is a fixed-length face descriptor produced by the extractor.
type Embedding []float32

// RecognitionRequest is one unit of work for the recognition stage.
// RequestID doubles as the dedup key and the blob key for its side effects.
type RecognitionRequest struct {
	RequestID  string
	FileName   string
	ImageBytes []byte
	ReceivedAt time.Time
}

// RecognitionResult is what the recognition stage produced for one request.
// Distance is nil when no face was detected.
type RecognitionResult struct {
	RequestID string   `json:"requestId"`
	Label     string   `json:"label"`
	Distance  *float32 `json:"distance,omitempty"`
}

// NoFace reports whether the result is the no-face sentinel.
func (r RecognitionResult) NoFace() bool {
	return r.Label == NoFaceLabel
}

// VideoFrameTask asks the frame extraction stage to process one video object.
type VideoFrameTask struct {
	Bucket   string
	VideoKey string
}

// RequestMessage is the body published to the request queue.
type RequestMessage struct {
	FileName  string `json:"fileName"`
	ImageData string `json:"imageData"` // base64
}

// ResponseMessage is the body published to the response queue.
type ResponseMessage struct {
	FileName   string `json:"fileName"`
	Prediction string `json:"prediction"`
}

// ChainPayload is carried by the chained invocation from frame extraction to recognition.
type ChainPayload struct {
	BucketName    string `json:"bucket_name"`
	ImageFileName string `json:"image_file_name"`
}

// StorageEvent matches the object-created notification emitted by the blob store.
type StorageEvent struct {
	Records []StorageEventRecord `json:"Records"`
}

type StorageEventRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// Tasks converts the notification into frame tasks. Object keys arrive
// URL-encoded (spaces as '+').
func (e StorageEvent) Tasks() []VideoFrameTask {
	tasks := make([]VideoFrameTask, 0, len(e.Records))
	for _, r := range e.Records {
		key := r.S3.Object.Key
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if r.S3.Bucket.Name == "" || key == "" {
			continue
		}
		tasks = append(tasks, VideoFrameTask{Bucket: r.S3.Bucket.Name, VideoKey: key})
	}
	return tasks
}

// BaseName strips any directory and the final extension from an object key:
// "videos/test_00.mp4" -> "test_00", "clips/a.b.mp4" -> "a.b".
func BaseName(key string) string {
	base := path.Base(key)
	if ext := path.Ext(base); ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
