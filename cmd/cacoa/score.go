package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cnk113/cacoa/internal/clusterfree"
	"github.com/cnk113/cacoa/internal/config"
	"github.com/cnk113/cacoa/internal/data/mtx"
	"github.com/cnk113/cacoa/internal/dataset"
	"github.com/cnk113/cacoa/internal/jobstore"
	"github.com/cnk113/cacoa/internal/service"
	"github.com/cnk113/cacoa/internal/sparse"
)

// inputFlags select the dataset of a one-shot run: a configured dataset id
// or explicit input files.
type inputFlags struct {
	datasetID     string
	counts        string
	genes         string
	cells         string
	samples       string
	neighborhoods string
	somaPath      string
	sampleColumn  string
	reference     []string
	workers       int
	out           string
}

func (f *inputFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.datasetID, "dataset", "", "Configured dataset id (ignores the file flags)")
	fs.StringVar(&f.counts, "counts", "", "MatrixMarket counts, genes x cells (.gz/.zst accepted)")
	fs.StringVar(&f.genes, "genes", "", "Gene labels, one per line")
	fs.StringVar(&f.cells, "cells", "", "Cell labels, one per line")
	fs.StringVar(&f.samples, "samples", "", "Sample of each cell (cell<TAB>sample)")
	fs.StringVar(&f.neighborhoods, "neighborhoods", "", "Neighborhoods JSON")
	fs.StringVar(&f.somaPath, "soma", "", "SOMA experiment instead of counts/samples files")
	fs.StringVar(&f.sampleColumn, "sample-column", "sample", "obs column holding sample names (SOMA)")
	fs.StringSliceVar(&f.reference, "reference", nil, "Reference sample names")
	fs.IntVar(&f.workers, "workers", 0, "Parallel workers (default scoring.workers)")
	fs.StringVarP(&f.out, "out", "o", "", "Output file (default stdout)")
}

func (f *inputFlags) datasetConfig(cfg *config.Config) (string, config.DatasetConfig, error) {
	if f.datasetID != "" {
		ds, ok := cfg.Data.Datasets[f.datasetID]
		if !ok {
			return "", ds, fmt.Errorf("dataset %q is not configured", f.datasetID)
		}
		if len(f.reference) > 0 {
			ds.Reference = f.reference
		}
		return f.datasetID, ds, nil
	}
	return "cli", config.DatasetConfig{
		Counts:        f.counts,
		Genes:         f.genes,
		Cells:         f.cells,
		Samples:       f.samples,
		Neighborhoods: f.neighborhoods,
		SomaPath:      f.somaPath,
		SampleColumn:  f.sampleColumn,
		Reference:     f.reference,
	}, nil
}

type scoreFlags struct {
	input inputFlags

	minSamplesPerCondition int
	minObsPerSample        int
	robust                 bool
	minZ                   float64
	format                 string

	minBetween int
	minWithin  int
	normAll    bool
	metric     string
	logVecs    bool
}

// params turns explicitly set flags into job overrides so unset flags keep
// the configured defaults.
func (f *scoreFlags) params(fs *pflag.FlagSet, id string, kind jobstore.JobKind) jobstore.JobParams {
	p := jobstore.JobParams{DatasetID: id, Kind: kind}
	if fs.Changed("min-samples-per-condition") {
		p.MinSamplesPerCondition = &f.minSamplesPerCondition
	}
	if fs.Changed("min-obs-per-sample") {
		p.MinObsPerSample = &f.minObsPerSample
	}
	if fs.Changed("robust") {
		p.Robust = &f.robust
	}
	if fs.Changed("min-z") {
		p.MinZ = &f.minZ
	}
	if fs.Changed("min-between") {
		p.MinBetween = &f.minBetween
	}
	if fs.Changed("min-within") {
		p.MinWithin = &f.minWithin
	}
	if fs.Changed("norm-all") {
		p.NormAll = &f.normAll
	}
	if fs.Changed("log-vecs") {
		p.LogVecs = &f.logVecs
	}
	p.Metric = f.metric
	return p
}

var (
	zscoreFlags scoreFlags
	shiftFlags  scoreFlags

	zscoreCmd = &cobra.Command{
		Use:   "zscore",
		Short: "Compute per-gene z-scores for every neighborhood",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd, &zscoreFlags, jobstore.KindZScore)
		},
	}

	shiftCmd = &cobra.Command{
		Use:   "shift",
		Short: "Compute the expression shift of every neighborhood",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd, &shiftFlags, jobstore.KindShift)
		},
	}
)

func init() {
	registerZScoreFlags(zscoreCmd.Flags(), &zscoreFlags)
	registerShiftFlags(shiftCmd.Flags(), &shiftFlags)
}

func registerZScoreFlags(fs *pflag.FlagSet, f *scoreFlags) {
	f.input.register(fs)
	fs.IntVar(&f.minSamplesPerCondition, "min-samples-per-condition", 2, "Minimum samples per condition")
	fs.IntVar(&f.minObsPerSample, "min-obs-per-sample", 1, "Minimum neighborhood cells for a sample to count")
	fs.BoolVar(&f.robust, "robust", true, "Use median/MAD instead of mean/sd")
	fs.Float64Var(&f.minZ, "min-z", 0.01, "Drop finite |z| below this value")
	fs.StringVar(&f.format, "format", "mtx", "Output format: mtx or tsv")
}

func registerShiftFlags(fs *pflag.FlagSet, f *scoreFlags) {
	f.input.register(fs)
	fs.IntVar(&f.minBetween, "min-between", 1, "Minimum between-condition pairs")
	fs.IntVar(&f.minWithin, "min-within", 1, "Minimum within-condition pairs")
	fs.IntVar(&f.minObsPerSample, "min-obs-per-sample", 1, "Minimum neighborhood cells for a sample to count")
	fs.BoolVar(&f.normAll, "norm-all", false, "Count target/target pairs as within-condition")
	fs.StringVar(&f.metric, "metric", "", "Distance: cosine, cor or js (default scoring.metric)")
	fs.BoolVar(&f.logVecs, "log-vecs", false, "Apply log10(1000x+1) before distances")
}

func runScore(cmd *cobra.Command, f *scoreFlags, kind jobstore.JobKind) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if kind == jobstore.KindZScore && f.format != "mtx" && f.format != "tsv" {
		return fmt.Errorf("unknown format %q (expected mtx or tsv)", f.format)
	}
	if f.input.workers > 0 {
		cfg.Scoring.Workers = f.input.workers
	}

	id, dcfg, err := f.input.datasetConfig(cfg)
	if err != nil {
		return err
	}
	src := dataset.NewSource(id, dcfg, logger)
	ds, err := src.Get()
	if err != nil {
		return err
	}

	svc := service.NewScoreService(singleDataset{src}, cfg.Scoring, logger)
	params := f.params(cmd.Flags(), id, kind)
	if err := svc.ValidateParams(params); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, closeOut, err := openOutput(f.input.out)
	if err != nil {
		return err
	}
	defer closeOut()

	if err := score(ctx, w, svc, ds, params, f.format, logger); err != nil {
		return err
	}
	return closeOut()
}

// score runs one job kind over ds and writes the result to w.
func score(ctx context.Context, w io.Writer, svc *service.ScoreService, ds *dataset.Dataset, params jobstore.JobParams, format string, logger *zap.Logger) error {
	progress := progressLogger(logger, string(params.Kind))
	start := time.Now()

	switch params.Kind {
	case jobstore.KindZScore:
		opts, err := svc.ZScoreOptions(params)
		if err != nil {
			return err
		}
		opts.Progress = progress
		m, err := clusterfree.ZScoreMatrix(ctx, ds.Counts, ds.SamplePerCell, ds.Neighborhoods, ds.IsRef, opts)
		if err != nil {
			return err
		}
		logger.Info("z-scores computed", zap.Int("entries", m.NNZ()), zap.Duration("elapsed", time.Since(start)))
		if format == "tsv" {
			return writeZScoreTSV(w, m)
		}
		return mtx.WriteMatrixMarket(w, m)
	case jobstore.KindShift:
		opts, err := svc.ShiftOptions(params)
		if err != nil {
			return err
		}
		opts.Progress = progress
		res, err := clusterfree.ExpressionShifts(ctx, ds.Counts, ds.SamplePerCell, ds.Neighborhoods, ds.IsRef, opts)
		if err != nil {
			return err
		}
		logger.Info("shifts computed", zap.Int("neighborhoods", len(res.Scores)), zap.Duration("elapsed", time.Since(start)))
		return writeShiftTSV(w, res)
	default:
		return fmt.Errorf("unknown kind %q", params.Kind)
	}
}

type singleDataset struct{ src *dataset.Source }

func (s singleDataset) Get(id string) *dataset.Source {
	if id == s.src.ID() {
		return s.src
	}
	return nil
}

// progressLogger logs at most every tenth of the run.
func progressLogger(logger *zap.Logger, kind string) clusterfree.Progress {
	var mu sync.Mutex
	next := 0
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if done < next && done != total {
			return
		}
		next = done + max(1, total/10)
		logger.Debug("scoring progress", zap.String("kind", kind), zap.Int("done", done), zap.Int("total", total))
	}
}

// openOutput returns stdout for an empty path. The close function is safe to
// call more than once.
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		bw := bufio.NewWriter(os.Stdout)
		return bw, bw.Flush, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	bw := bufio.NewWriter(f)
	closed := false
	return bw, func() error {
		if closed {
			return nil
		}
		closed = true
		if err := bw.Flush(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func writeZScoreTSV(w io.Writer, m *sparse.CSC) error {
	if _, err := io.WriteString(w, "gene\tcell\tz\n"); err != nil {
		return err
	}
	_, cols := m.Dims()
	for j := 0; j < cols; j++ {
		cell := label(m.ColNames, j)
		it := m.Col(j)
		for it.Next() {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", label(m.RowNames, it.Row()), cell, formatFloat(it.Value())); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeShiftTSV(w io.Writer, res *clusterfree.ShiftResult) error {
	if _, err := io.WriteString(w, "neighborhood\tshift\n"); err != nil {
		return err
	}
	for i, v := range res.Scores {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", label(res.Names, i), formatFloat(v)); err != nil {
			return err
		}
	}
	return nil
}

func label(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return strconv.Itoa(i)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
