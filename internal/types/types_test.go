package types

import "testing"

func TestBaseName(t *testing.T) {
	tests := map[string]string{
		"test_00.mp4":        "test_00",
		"videos/test_00.mp4": "test_00",
		"clips/img.1.mp4":    "img.1",
		"clips/img.2.mp4":    "img.2",
		"noext":              "noext",
		"dir/.hidden":        ".hidden",
	}
	for in, want := range tests {
		if got := BaseName(in); got != want {
			t.Errorf("BaseName(%q) = %q, want %q", in, got, want)
		}
	}
}
