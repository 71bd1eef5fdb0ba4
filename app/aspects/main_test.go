package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunPrintsTable(t *testing.T) {
	var out bytes.Buffer
	if err := run(&out, []string{"-start", "512", "-end", "640"}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "512: [") || !strings.Contains(lines[0], "[512, 512]") {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestRunWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aspects.txt")
	if err := run(&bytes.Buffer{}, []string{"-out", path}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "1024: [") {
		t.Errorf("table lacks the 1024 row")
	}
}

func TestRunRejectsBadRange(t *testing.T) {
	if err := run(&bytes.Buffer{}, []string{"-start", "1024", "-end", "512"}); err == nil {
		t.Error("expected an error")
	}
}
