//go:build !goface

package worker

import (
	"context"
	"errors"

	"github.com/andresmejia3/facequeue/internal/types"
)

// NativeAvailable reports whether this binary was built with the goface tag.
const NativeAvailable = false

var errNativeDisabled = errors.New("native extractor not compiled in; rebuild with -tags goface")

// Native is a placeholder when the binary is built without dlib.
type Native struct{}

func NewNative(modelDir string) (*Native, error) {
	return nil, errNativeDisabled
}

func (n *Native) Extract(ctx context.Context, img []byte) (types.Embedding, error) {
	return nil, errNativeDisabled
}

func (n *Native) Close() {}
