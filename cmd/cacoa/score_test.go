package main

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cnk113/cacoa/internal/clusterfree"
	"github.com/cnk113/cacoa/internal/config"
	"github.com/cnk113/cacoa/internal/dataset"
	"github.com/cnk113/cacoa/internal/jobstore"
	"github.com/cnk113/cacoa/internal/service"
	"github.com/cnk113/cacoa/internal/sparse"
)

func TestWriteZScoreTSV(t *testing.T) {
	m, err := sparse.FromTriplets(2, 2, []sparse.Triplet{
		{Row: 0, Col: 0, Val: 1.5},
		{Row: 1, Col: 1, Val: math.NaN()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetLabels([]string{"g1", "g2"}, nil); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := writeZScoreTSV(&buf, m); err != nil {
		t.Fatal(err)
	}
	want := "gene\tcell\tz\ng1\t0\t1.5\ng2\t1\tNaN\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestWriteShiftTSV(t *testing.T) {
	var buf bytes.Buffer
	res := &clusterfree.ShiftResult{Names: []string{"a", "b"}, Scores: []float64{1.25, math.NaN()}}
	if err := writeShiftTSV(&buf, res); err != nil {
		t.Fatal(err)
	}
	want := "neighborhood\tshift\na\t1.25\nb\tNaN\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestParamsOnlyChangedFlags(t *testing.T) {
	var f scoreFlags
	fs := pflag.NewFlagSet("shift", pflag.ContinueOnError)
	registerShiftFlags(fs, &f)

	if err := fs.Parse([]string{"--min-between=3", "--metric", "js"}); err != nil {
		t.Fatal(err)
	}
	p := f.params(fs, "cli", jobstore.KindShift)
	if p.MinBetween == nil || *p.MinBetween != 3 {
		t.Errorf("MinBetween = %v, want 3", p.MinBetween)
	}
	if p.MinWithin != nil || p.NormAll != nil || p.LogVecs != nil {
		t.Errorf("unset flags must not override defaults: %+v", p)
	}
	if p.Metric != "js" || p.Kind != jobstore.KindShift || p.DatasetID != "cli" {
		t.Errorf("unexpected params %+v", p)
	}
}

func TestOpenOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")
	w, closeOut, err := openOutput(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("x\n")); err != nil {
		t.Fatal(err)
	}
	if err := closeOut(); err != nil {
		t.Fatal(err)
	}
	if err := closeOut(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "x\n" {
		t.Errorf("got %q", data)
	}
}

func TestScoreRejectsInvalidOptions(t *testing.T) {
	counts, err := sparse.FromTriplets(2, 4, []sparse.Triplet{
		{Row: 0, Col: 0, Val: 1}, {Row: 0, Col: 2, Val: 3},
		{Row: 1, Col: 1, Val: 2}, {Row: 1, Col: 3, Val: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	nb := clusterfree.Neighborhoods{Cells: [][]int{{0, 1, 2, 3}}}
	ds, err := dataset.New("cli", counts, []string{"a", "a", "b", "b"}, []string{"a"}, nb)
	if err != nil {
		t.Fatal(err)
	}
	svc := service.NewScoreService(singleDataset{dataset.StaticSource(ds)}, config.ScoringConfig{}, nil)

	neg := -1
	var buf bytes.Buffer
	bad := jobstore.JobParams{DatasetID: "cli", Kind: jobstore.KindZScore, MinObsPerSample: &neg}
	if err := score(context.Background(), &buf, svc, ds, bad, "tsv", zap.NewNop()); !errors.Is(err, service.ErrBadParams) {
		t.Fatalf("expected ErrBadParams, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written on error, got %q", buf.String())
	}

	ok := jobstore.JobParams{DatasetID: "cli", Kind: jobstore.KindShift}
	if err := score(context.Background(), &buf, svc, ds, ok, "tsv", zap.NewNop()); err != nil {
		t.Fatalf("shift failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[0] != "neighborhood\tshift" || !strings.HasPrefix(lines[1], "0\t") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
