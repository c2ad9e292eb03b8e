package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "match.log")
	if err := Init(Options{Level: "debug", Format: "json", File: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	L().Info("match_create", zap.String("match_id", "m1"))
	Sync()
	Set(nil)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"match_id":"m1"`) {
		t.Fatalf("unexpected log contents: %s", raw)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("WARN") != zapcore.WarnLevel || parseLevel("nonsense") != zapcore.InfoLevel {
		t.Fatalf("unexpected level parsing")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LOG_TO_FILE", "true")
	t.Setenv("LOG_FILE", "")
	t.Setenv("LOG_FORMAT", "JSON")
	opts := FromEnv()
	if opts.File != filepath.Join("logs", "matchd.log") || opts.Format != "json" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestSetObserver(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core))
	defer Set(nil)
	L().Info("match_pair")
	if logs.FilterMessage("match_pair").Len() != 1 {
		t.Fatalf("observer did not capture entry")
	}
}
