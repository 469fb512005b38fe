package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_WritesToFileWhenPathGiven(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wdhwd.log")
	log, err := New(path, "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info().Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !bytes.Contains(data, []byte("hello")) {
		t.Fatalf("log file = %q, want it to contain \"hello\"", data)
	}
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wdhwd.log")
	log, err := New(path, "not-a-real-level")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("level = %v, want InfoLevel fallback", log.GetLevel())
	}
}

func TestComponent_TagsLoggerWithComponentField(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	Component(base, "thermal").Info().Msg("tick")

	if !bytes.Contains(buf.Bytes(), []byte(`"component":"thermal"`)) {
		t.Fatalf("log output = %s, want a component=thermal field", buf.String())
	}
}
