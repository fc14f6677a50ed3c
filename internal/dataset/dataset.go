// Package dataset assembles scoring inputs (counts, sample factor, reference
// flags, neighborhoods) from the files or SOMA experiment of a configured
// dataset.
package dataset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cnk113/cacoa/internal/clusterfree"
	"github.com/cnk113/cacoa/internal/config"
	"github.com/cnk113/cacoa/internal/data/mtx"
	"github.com/cnk113/cacoa/internal/data/soma"
	"github.com/cnk113/cacoa/internal/sparse"
)

// ErrInvalid reports a dataset whose parts do not fit together.
var ErrInvalid = errors.New("invalid dataset")

// Dataset is a fully loaded scoring input.
type Dataset struct {
	ID            string
	Counts        *sparse.CSC
	SampleLevels  []string
	SamplePerCell []int // one-based codes into SampleLevels
	IsRef         []bool
	Neighborhoods clusterfree.Neighborhoods
}

// Info summarizes a dataset for listings.
type Info struct {
	ID            string   `json:"id"`
	Genes         int      `json:"n_genes"`
	Cells         int      `json:"n_cells"`
	NNZ           int      `json:"nnz"`
	Samples       []string `json:"samples"`
	Reference     []string `json:"reference"`
	Neighborhoods int      `json:"n_neighborhoods"`
}

// Info returns the dataset summary.
func (d *Dataset) Info() Info {
	genes, cells := d.Counts.Dims()
	var ref []string
	for s, r := range d.IsRef {
		if r {
			ref = append(ref, d.SampleLevels[s])
		}
	}
	return Info{
		ID:            d.ID,
		Genes:         genes,
		Cells:         cells,
		NNZ:           d.Counts.NNZ(),
		Samples:       d.SampleLevels,
		Reference:     ref,
		Neighborhoods: d.Neighborhoods.Len(),
	}
}

// Factorize maps labels to one-based codes over their sorted distinct values.
func Factorize(labels []string) (levels []string, codes []int) {
	seen := make(map[string]struct{}, 16)
	for _, l := range labels {
		seen[l] = struct{}{}
	}
	levels = make([]string, 0, len(seen))
	for l := range seen {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	index := make(map[string]int, len(levels))
	for i, l := range levels {
		index[l] = i + 1
	}
	codes = make([]int, len(labels))
	for i, l := range labels {
		codes[i] = index[l]
	}
	return levels, codes
}

// ReferenceFlags marks the levels named in reference. Every reference name
// must be a level and at least one level must remain as target.
func ReferenceFlags(levels, reference []string) ([]bool, error) {
	if len(reference) == 0 {
		return nil, fmt.Errorf("%w: no reference samples configured", ErrInvalid)
	}
	index := make(map[string]int, len(levels))
	for i, l := range levels {
		index[l] = i
	}
	flags := make([]bool, len(levels))
	for _, name := range reference {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: reference sample %q not found", ErrInvalid, name)
		}
		flags[i] = true
	}
	for _, f := range flags {
		if !f {
			return flags, nil
		}
	}
	return nil, fmt.Errorf("%w: every sample is a reference sample", ErrInvalid)
}

// New builds a dataset from in-memory parts, deriving the sample factor and
// reference flags from per-cell sample labels.
func New(id string, counts *sparse.CSC, sampleLabels []string, reference []string, nbhds clusterfree.Neighborhoods) (*Dataset, error) {
	_, cells := counts.Dims()
	if len(sampleLabels) != cells {
		return nil, fmt.Errorf("%w: %d sample labels for %d cells", ErrInvalid, len(sampleLabels), cells)
	}
	levels, codes := Factorize(sampleLabels)
	isRef, err := ReferenceFlags(levels, reference)
	if err != nil {
		return nil, err
	}
	for i, ids := range nbhds.Cells {
		for _, c := range ids {
			if c < 0 || c >= cells {
				return nil, fmt.Errorf("%w: neighborhood %d references cell %d of %d", ErrInvalid, i, c, cells)
			}
		}
	}
	return &Dataset{
		ID:            id,
		Counts:        counts,
		SampleLevels:  levels,
		SamplePerCell: codes,
		IsRef:         isRef,
		Neighborhoods: nbhds,
	}, nil
}

// Load reads a dataset from its configuration: a SOMA experiment when
// soma_path is set, plain files otherwise.
func Load(id string, cfg config.DatasetConfig) (*Dataset, error) {
	if cfg.Neighborhoods == "" {
		return nil, fmt.Errorf("%w: dataset %s has no neighborhoods file", ErrInvalid, id)
	}
	nbhds, err := mtx.ReadNeighborhoods(cfg.Neighborhoods)
	if err != nil {
		return nil, fmt.Errorf("neighborhoods: %w", err)
	}

	var counts *sparse.CSC
	var labels []string
	if cfg.SomaPath != "" {
		counts, labels, err = loadSOMA(cfg)
	} else {
		counts, labels, err = loadFiles(cfg)
	}
	if err != nil {
		return nil, err
	}
	return New(id, counts, labels, cfg.Reference, nbhds)
}

func loadFiles(cfg config.DatasetConfig) (*sparse.CSC, []string, error) {
	if cfg.Counts == "" || cfg.Samples == "" {
		return nil, nil, fmt.Errorf("%w: counts and samples files are required", ErrInvalid)
	}
	counts, err := mtx.ReadCounts(cfg.Counts)
	if err != nil {
		return nil, nil, fmt.Errorf("counts: %w", err)
	}

	var genes, cells []string
	if cfg.Genes != "" {
		if genes, err = mtx.ReadLines(cfg.Genes); err != nil {
			return nil, nil, fmt.Errorf("genes: %w", err)
		}
	}
	if cfg.Cells != "" {
		if cells, err = mtx.ReadLines(cfg.Cells); err != nil {
			return nil, nil, fmt.Errorf("cells: %w", err)
		}
	}
	if err := counts.SetLabels(genes, cells); err != nil {
		return nil, nil, fmt.Errorf("labels: %w", err)
	}

	labels, err := mtx.ReadSampleTable(cfg.Samples, cells)
	if err != nil {
		return nil, nil, fmt.Errorf("samples: %w", err)
	}
	return counts, labels, nil
}

func loadSOMA(cfg config.DatasetConfig) (*sparse.CSC, []string, error) {
	r, err := soma.NewReader(cfg.SomaPath)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	m, err := r.CountMatrix()
	if err != nil {
		return nil, nil, fmt.Errorf("soma counts: %w", err)
	}
	column := cfg.SampleColumn
	if column == "" {
		column = "sample"
	}
	labels, err := r.ObsLabels(column, m.CellJoinIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("soma obs %s: %w", column, err)
	}
	return m.Counts, labels, nil
}

// Source loads a configured dataset on first use and keeps it.
type Source struct {
	id     string
	cfg    config.DatasetConfig
	logger *zap.Logger
	load   func(string, config.DatasetConfig) (*Dataset, error)

	once   sync.Once
	ds     *Dataset
	err    error
	loaded atomic.Bool
}

// NewSource returns a lazily loading source for dataset id.
func NewSource(id string, cfg config.DatasetConfig, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{id: id, cfg: cfg, logger: logger, load: Load}
}

// ID returns the dataset id.
func (s *Source) ID() string { return s.id }

// Get returns the dataset, loading it on the first call.
func (s *Source) Get() (*Dataset, error) {
	s.once.Do(func() {
		start := time.Now()
		s.ds, s.err = s.load(s.id, s.cfg)
		if s.err != nil {
			s.logger.Error("dataset load failed", zap.String("dataset", s.id), zap.Error(s.err))
			return
		}
		s.loaded.Store(true)
		info := s.ds.Info()
		s.logger.Info("dataset loaded",
			zap.String("dataset", s.id),
			zap.Int("genes", info.Genes),
			zap.Int("cells", info.Cells),
			zap.Int("samples", len(info.Samples)),
			zap.Int("neighborhoods", info.Neighborhoods),
			zap.Duration("elapsed", time.Since(start)))
	})
	return s.ds, s.err
}

// Loaded reports whether the dataset has been loaded successfully.
func (s *Source) Loaded() bool { return s.loaded.Load() }

// StaticSource returns a source serving an already loaded dataset.
func StaticSource(ds *Dataset) *Source {
	s := &Source{id: ds.ID, logger: zap.NewNop()}
	s.once.Do(func() {
		s.ds = ds
		s.loaded.Store(true)
	})
	return s
}
