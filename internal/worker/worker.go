package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/andresmejia3/facequeue/internal/utils" // Using the SafeCommand wrapper
)

// Response status bytes written by the python engine.
const (
	statusOK     byte = 0
	statusError  byte = 1
	statusNoFace byte = 2
)

// maxDim guards against a corrupted length header allocating gigabytes.
const maxDim = 1 << 16

var (
	// ErrNoFace is returned when the image contains no detectable face.
	ErrNoFace = errors.New("no face detected")
	// ErrProtocol is returned when the engine's reply cannot be decoded.
	ErrProtocol = errors.New("malformed engine response")
	// ErrBadImage is returned when the engine rejects the image itself, e.g.
	// bytes that do not decode as a picture. Resubmitting it cannot succeed.
	ErrBadImage = errors.New("engine rejected image")
)

// Extractor turns image bytes into a single face embedding.
type Extractor interface {
	Extract(ctx context.Context, img []byte) (types.Embedding, error)
}

// EngineConfig locates the python embedding engine.
type EngineConfig struct {
	Python   string // interpreter, default python3
	Script   string // default python/worker.py
	ModelDir string
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func NewPythonWorker(ctx context.Context, id int, cfg EngineConfig) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}
	args := []string{"-u", cfg.Script}
	if cfg.ModelDir != "" {
		args = append(args, "--models", cfg.ModelDir)
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed reply.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed engine surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessImage runs img through the engine and decodes the reply.
//
// Reply: [Status:1]
//
//	0 OK      -> [Dim:uint32][Dim x float32]
//	1 ERROR   -> [MsgLen:uint32][Msg]
//	2 NO_FACE -> nothing
func (w *PythonWorker) ProcessImage(img []byte) (types.Embedding, error) {
	resp, err := w.Communicate(img)
	if err != nil {
		return nil, &CrashError{ID: w.ID, Err: err}
	}
	return decodeResponse(resp)
}

func decodeResponse(resp []byte) (types.Embedding, error) {
	if len(resp) == 0 {
		return nil, ErrProtocol
	}
	buf := bytes.NewReader(resp[1:])

	switch resp[0] {
	case statusOK:
		var dim uint32
		if err := binary.Read(buf, binary.BigEndian, &dim); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if dim == 0 || dim > maxDim {
			return nil, fmt.Errorf("%w: dimension %d", ErrProtocol, dim)
		}
		vec := make([]float32, dim)
		if err := binary.Read(buf, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		for _, v := range vec {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("%w: non-finite component", ErrProtocol)
			}
		}
		return types.Embedding(vec), nil
	case statusError:
		var n uint32
		if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(buf, msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: python worker error: %s", ErrBadImage, msg)
	case statusNoFace:
		return nil, ErrNoFace
	default:
		return nil, fmt.Errorf("%w: status %d", ErrProtocol, resp[0])
	}
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// CrashError means the engine process is gone and must be replaced.
type CrashError struct {
	ID  int
	Err error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("engine %d crashed: %v", e.ID, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }
