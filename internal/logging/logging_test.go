package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"+1234567890": "+******7890",
		"0987654321":  "******4321",
		"123":         "***",
		"+1234":       "+1234",
	}
	for in, want := range cases {
		if got := MaskPhone(in); got != want {
			t.Fatalf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remitrails.log")
	logger, closeFn, err := New(Options{Service: "remitrails", Env: "test", Level: "debug", File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hello", Phone("phone", "+1234567890"))
	closeFn()

	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(blob)
	if !strings.Contains(out, `"service":"remitrails"`) || !strings.Contains(out, "+******7890") {
		t.Fatalf("unexpected log output: %s", out)
	}
	if strings.Contains(out, "+1234567890") {
		t.Fatalf("phone leaked into log: %s", out)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
