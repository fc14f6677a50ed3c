package soma

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveExperimentURI(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/data/soma", "/data/soma/experiment.soma"},
		{"/data/soma/", "/data/soma/experiment.soma"},
		{"/data/soma/experiment.soma", "/data/soma/experiment.soma"},
		{"  /data/atlas.soma  ", "/data/atlas.soma"},
	}
	for _, tc := range cases {
		got, err := ResolveExperimentURI(tc.in)
		if err != nil {
			t.Fatalf("ResolveExperimentURI(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ResolveExperimentURI(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := ResolveExperimentURI("   "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestNewReader_MissingExperiment(t *testing.T) {
	_, err := NewReader(t.TempDir())
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
}

func TestNewReader_ExistingExperiment(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "experiment.soma"), 0755); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	if r.ExperimentURI() != filepath.Join(dir, "experiment.soma") {
		t.Errorf("unexpected experiment uri %q", r.ExperimentURI())
	}
}
