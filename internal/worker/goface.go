//go:build goface

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/andresmejia3/facequeue/internal/types"
)

// Native runs dlib's ResNet model in-process through go-face. The recognizer
// is not safe for concurrent use, so calls are serialized.
type Native struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// NativeAvailable reports whether this binary was built with the goface tag.
const NativeAvailable = true

// NewNative loads the dlib models from modelDir.
func NewNative(modelDir string) (*Native, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load face models from %s: %w", modelDir, err)
	}
	return &Native{rec: rec}, nil
}

func (n *Native) Extract(ctx context.Context, img []byte) (types.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := n.rec.RecognizeSingle(img)
	var loadErr face.ImageLoadError
	if errors.As(err, &loadErr) {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if err != nil {
		return nil, fmt.Errorf("go-face recognize: %w", err)
	}
	if f == nil {
		return nil, ErrNoFace
	}
	vec := make(types.Embedding, len(f.Descriptor))
	copy(vec, f.Descriptor[:])
	return vec, nil
}

func (n *Native) Close() {
	n.rec.Close()
}
