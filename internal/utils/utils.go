package utils

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/andresmejia3/facequeue/internal/types"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr.
// This ensures we don't lose crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps child logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEQUEUE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Frame Extraction ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// ErrNoFrame is returned when the transcoder produced no decodable frame.
var ErrNoFrame = errors.New("transcoder produced no frame")

// SplitJpeg is the custom splitter for bufio.Scanner.
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFrameCmd creates an ffmpeg command that decodes only the first frame of
// inputPath and writes it to Stdout as a single MJPEG image.
func NewFrameCmd(ctx context.Context, ffmpeg, inputPath string) *SafeCommand {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return NewSafeCommand(ctx, ffmpeg, "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-vframes", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// ExtractFrame returns the first frame of video as JPEG bytes. The video is
// spooled to a temp file because most containers cannot be probed from a pipe.
func ExtractFrame(ctx context.Context, ffmpeg string, video []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "facequeue-frame")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input")
	if err := os.WriteFile(input, video, 0600); err != nil {
		return nil, fmt.Errorf("failed to spool video: %w", err)
	}

	cmd := NewFrameCmd(ctx, ffmpeg, input)
	out, err := cmd.Output()
	if err != nil {
		if cmd.Stderr.Len() > 0 {
			return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, bytes.TrimSpace(cmd.Stderr.Bytes()))
		}
		return nil, fmt.Errorf("ffmpeg failed: %w", err)
	}
	return FirstJpeg(out)
}

// FirstJpeg returns the first complete JPEG image in data.
func FirstJpeg(data []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	scanner.Split(SplitJpeg)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoFrame
	}
	frame := make([]byte, len(scanner.Bytes()))
	copy(frame, scanner.Bytes())
	return frame, nil
}

// FrameKey derives the deterministic stage-bucket key for a video's frame:
// "clips/test_00.mp4" -> "test_00.jpg".
func FrameKey(videoKey string) string {
	return types.BaseName(videoKey) + ".jpg"
}
