package watchcore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalizeRejectsRelativePaths(t *testing.T) {
	_, err := canonicalize("relative/path")
	if !errors.Is(err, ErrNotAbsolute) {
		t.Fatalf("expected ErrNotAbsolute, got %v", err)
	}
}

func TestCanonicalizeRejectsNonDirectories(t *testing.T) {
	directory := t.TempDir()
	file := filepath.Join(directory, "file")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatalf("unable to create test file: %v", err)
	}

	_, err := canonicalize(file)
	if !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("expected ErrNotDirectory, got %v", err)
	}
}

func TestCanonicalizeAcceptsDirectory(t *testing.T) {
	directory := t.TempDir()
	canonical, err := canonicalize(directory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(canonical) {
		t.Fatalf("expected canonical path to remain absolute, got %q", canonical)
	}
}

func TestRebasePath(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "watch", "root")
	if got := rebasePath(root, ""); got != root {
		t.Errorf("expected root-only rebase to return root unchanged, got %q", got)
	}
	expected := filepath.Join(root, "child")
	if got := rebasePath(root, "child"); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}
