package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/facequeue/internal/queue"
	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/andresmejia3/facequeue/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDBURL(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}
	tests := []struct {
		name       string
		flag       string
		configured string
		env        map[string]string
		want       string
	}{
		{
			name: "Flag wins",
			flag: "postgres://flag/db",
			env:  map[string]string{"POSTGRES_HOST": "envhost"},
			want: "postgres://flag/db",
		},
		{
			name: "Environment with default port",
			env:  map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p", "POSTGRES_DB": "faces"},
			want: "postgres://u:p@db:5432/faces",
		},
		{
			name: "Environment with explicit port",
			env:  map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p", "POSTGRES_DB": "faces", "POSTGRES_PORT": "6543"},
			want: "postgres://u:p@db:6543/faces",
		},
		{
			name:       "Config fallback",
			configured: "postgres://cfg/db",
			want:       "postgres://cfg/db",
		},
		{
			name: "Nothing configured disables the ledger",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveDBURL(tt.flag, tt.configured, env(tt.env))
			if got != tt.want {
				t.Errorf("resolveDBURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamName(t *testing.T) {
	tests := map[string]string{
		"requests":          "FACEQUEUE_REQUESTS",
		"face-responses":    "FACEQUEUE_FACE-RESPONSES",
		"stage.two/chained": "FACEQUEUE_STAGE_TWO_CHAINED",
	}
	for in, want := range tests {
		if got := streamName(in); got != want {
			t.Errorf("streamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCollectImages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.jpg"), "b")
	writeFile(t, filepath.Join(dir, "a.JPEG"), "a")
	writeFile(t, filepath.Join(dir, "notes.txt"), "skip")
	writeFile(t, filepath.Join(dir, "nested", "c.jpg"), "not recursive")
	single := filepath.Join(t.TempDir(), "single.png")
	writeFile(t, single, "s")

	files, err := collectImages([]string{single, dir})
	require.NoError(t, err)
	assert.Equal(t, []string{single, filepath.Join(dir, "a.JPEG"), filepath.Join(dir, "b.jpg")}, files)

	_, err = collectImages([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestRequestName(t *testing.T) {
	seen := map[string]bool{}
	first := requestName("/a/test_00.jpg", seen)
	second := requestName("/b/test_00.jpg", seen)

	assert.Equal(t, "test_00", first)
	assert.True(t, strings.HasPrefix(second, "test_00-"))
	assert.NotEqual(t, first, second)
}

func TestLabelledImages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bob", "2.jpg"), "x")
	writeFile(t, filepath.Join(dir, "bob", "1.jpg"), "x")
	writeFile(t, filepath.Join(dir, "alice", "1.png"), "x")
	writeFile(t, filepath.Join(dir, "alice", "readme.md"), "x")
	writeFile(t, filepath.Join(dir, ".cache", "1.jpg"), "x")
	writeFile(t, filepath.Join(dir, "loose.jpg"), "x")

	got, err := labelledImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []labelledImage{
		{Label: "alice", Path: filepath.Join(dir, "alice", "1.png")},
		{Label: "bob", Path: filepath.Join(dir, "bob", "1.jpg")},
		{Label: "bob", Path: filepath.Join(dir, "bob", "2.jpg")},
	}, got)
}

func TestReadJSONEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.json")
	writeFile(t, path, `[{"label":"alice","embedding":[1,0]},{"label":"bob","embedding":[0,1]}]`)

	entries, err := readJSONEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bob", entries[1].Label)
	assert.Equal(t, types.Embedding{0, 1}, entries[1].Embedding)

	writeFile(t, path, `{"label":"alice"}`)
	_, err = readJSONEntries(path)
	assert.Error(t, err)
}

// contentExtractor returns ErrNoFace for images whose bytes are "blank".
type contentExtractor struct{}

func (contentExtractor) Extract(ctx context.Context, img []byte) (types.Embedding, error) {
	if string(img) == "blank" {
		return nil, worker.ErrNoFace
	}
	return types.Embedding{float32(len(img)), 0}, nil
}

func TestEmbedImagesSkipsNoFace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "alice", "1.jpg"), "a")
	writeFile(t, filepath.Join(dir, "alice", "2.jpg"), "blank")
	writeFile(t, filepath.Join(dir, "bob", "1.jpg"), "bb")

	images, err := labelledImages(dir)
	require.NoError(t, err)

	entries, skipped, err := embedImages(context.Background(), contentExtractor{}, images, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Label)
	assert.Equal(t, "bob", entries[1].Label)
	assert.Equal(t, types.Embedding{2, 0}, entries[1].Embedding)
}

func sendResponse(t *testing.T, q queue.Queue, fileName, prediction string) {
	t.Helper()
	body, err := json.Marshal(types.ResponseMessage{FileName: fileName, Prediction: prediction})
	require.NoError(t, err)
	require.NoError(t, q.Send(context.Background(), body, nil, fileName))
}

func TestAwaitResponses(t *testing.T) {
	q := queue.NewMemory(queue.MemoryConfig{})
	sendResponse(t, q, "test_00", "bob")
	sendResponse(t, q, "someone_else", "alice")

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := awaitResponses(ctx, q, map[string]bool{"test_00": true}, 10*time.Millisecond, &out)
	require.NoError(t, err)
	assert.Equal(t, "test_00:bob\n", out.String())
	assert.Equal(t, 1, q.Len(), "other clients' responses stay queued")
}

func TestAwaitResponsesTimeout(t *testing.T) {
	q := queue.NewMemory(queue.MemoryConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := awaitResponses(ctx, q, map[string]bool{"never": true}, 10*time.Millisecond, &bytes.Buffer{})
	assert.ErrorContains(t, err, "1 prediction(s) outstanding")
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var prompt bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &prompt, "Proceed?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if prompt.String() != "Proceed? [y/N]: " {
			t.Errorf("unexpected prompt %q", prompt.String())
		}
	}
}
