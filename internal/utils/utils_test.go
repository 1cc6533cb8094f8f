package utils

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestFirstJpeg(t *testing.T) {
	first := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	second := []byte{0xFF, 0xD8, 0xBB, 0xFF, 0xD9}

	stream := append([]byte{0x01}, first...)
	stream = append(stream, second...)

	got, err := FirstJpeg(stream)
	if err != nil {
		t.Fatalf("FirstJpeg failed: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("Expected %X, got %X", first, got)
	}

	// The returned frame must not alias the input
	stream[3] = 0x00
	if got[2] != 0xAA {
		t.Error("FirstJpeg returned a slice aliasing its input")
	}
}

func TestFirstJpeg_NoFrame(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not an image")},
		{"truncated", []byte{0xFF, 0xD8, 0x01, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FirstJpeg(tt.data); err != ErrNoFrame {
				t.Errorf("Expected ErrNoFrame, got %v", err)
			}
		})
	}
}

func TestFrameKey(t *testing.T) {
	tests := map[string]string{
		"test_00.mp4":           "test_00.jpg",
		"clips/test_01.mp4":     "test_01.jpg",
		"a/b/c/archive.tar.mp4": "archive.tar.jpg",
		"clips/.hidden":         ".hidden.jpg",
		"noext":                 "noext.jpg",
	}
	for in, want := range tests {
		if got := FrameKey(in); got != want {
			t.Errorf("FrameKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractFrame_BadInput(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	_, err := ExtractFrame(context.Background(), "ffmpeg", []byte("definitely not a video"))
	if err == nil {
		t.Fatal("Expected error for undecodable input, got nil")
	}
}

func TestNewSafeCommand_CapturesStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if got := cmd.Stderr.String(); got != "boom\n" {
		t.Errorf("Expected captured stderr %q, got %q", "boom\n", got)
	}
}
