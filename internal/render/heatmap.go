// Package render draws z-score heatmaps using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sort"
	"sync"

	"github.com/fogleman/gg"

	"github.com/cnk113/cacoa/internal/sparse"
	"github.com/cnk113/cacoa/pkg/colormap"
)

// ErrEmpty is returned when there is nothing to draw.
var ErrEmpty = errors.New("render: empty heatmap")

// Config contains renderer configuration.
type Config struct {
	CellSize        int
	MaxGenes        int
	MaxCells        int
	ZLimit          float64
	DefaultColormap string
}

// Options select what a single heatmap shows. Zero values use the renderer
// configuration.
type Options struct {
	Genes    []int // explicit rows; top-scoring rows when empty
	MaxGenes int
	MaxCells int
	Colormap string
	ZLimit   float64
	Seed     int64 // cell subsampling seed when there are more than MaxCells cells
}

// HeatmapRenderer renders genes × cells score matrices to PNG.
type HeatmapRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewHeatmapRenderer creates a new heatmap renderer.
func NewHeatmapRenderer(cfg Config) *HeatmapRenderer {
	if cfg.CellSize <= 0 {
		cfg.CellSize = 4
	}
	if cfg.MaxGenes <= 0 {
		cfg.MaxGenes = 200
	}
	if cfg.MaxCells <= 0 {
		cfg.MaxCells = 2000
	}
	if cfg.ZLimit <= 0 {
		cfg.ZLimit = 3
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "rdbu"
	}
	return &HeatmapRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// SelectRows returns up to k rows ordered by decreasing sum of finite |z|,
// ties broken by row index. Rows without finite entries are skipped.
func SelectRows(m *sparse.CSC, k int) []int {
	rows, cols := m.Dims()
	weight := make([]float64, rows)
	for j := 0; j < cols; j++ {
		it := m.Col(j)
		for it.Next() {
			if v := it.Value(); !math.IsNaN(v) {
				weight[it.Row()] += math.Abs(v)
			}
		}
	}

	idx := make([]int, 0, rows)
	for i, w := range weight {
		if w > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return weight[idx[a]] > weight[idx[b]] })
	if len(idx) > k {
		idx = idx[:k]
	}
	return idx
}

// RenderZScores draws the selected rows of m, one column per cell, and
// returns the PNG bytes. Missing entries are drawn as 0 and NaN in the
// colormap's NaN color.
func (r *HeatmapRenderer) RenderZScores(m *sparse.CSC, opts Options) ([]byte, error) {
	maxGenes := opts.MaxGenes
	if maxGenes <= 0 || maxGenes > r.config.MaxGenes {
		maxGenes = r.config.MaxGenes
	}
	maxCells := opts.MaxCells
	if maxCells <= 0 || maxCells > r.config.MaxCells {
		maxCells = r.config.MaxCells
	}
	limit := opts.ZLimit
	if limit <= 0 {
		limit = r.config.ZLimit
	}
	name := opts.Colormap
	if name == "" {
		name = r.config.DefaultColormap
	}
	cmap, ok := colormap.ByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", name)
	}

	rows, cols := m.Dims()
	genes := opts.Genes
	if len(genes) == 0 {
		genes = SelectRows(m, maxGenes)
	} else if len(genes) > maxGenes {
		genes = genes[:maxGenes]
	}
	for _, g := range genes {
		if g < 0 || g >= rows {
			return nil, fmt.Errorf("gene row %d out of range [0,%d)", g, rows)
		}
	}
	cells := SampleColumns(cols, maxCells, opts.Seed)
	nCells := len(cells)
	if len(genes) == 0 || nCells == 0 {
		return nil, ErrEmpty
	}

	rowOf := make(map[int]int, len(genes))
	for y, g := range genes {
		rowOf[g] = y
	}

	size := r.config.CellSize
	dc := gg.NewContext(nCells*size, len(genes)*size)
	dc.SetColor(cmap.At(scale(0, limit, name)))
	dc.Clear()

	cs := float64(size)
	for x, j := range cells {
		it := m.Col(j)
		for it.Next() {
			y, ok := rowOf[it.Row()]
			if !ok {
				continue
			}
			dc.SetColor(colorFor(cmap, it.Value(), limit, name))
			dc.DrawRectangle(float64(x)*cs, float64(y)*cs, cs, cs)
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

func scale(v, limit float64, name string) float64 {
	if colormap.Diverging(name) {
		return colormap.Symmetric(v, limit)
	}
	if math.IsNaN(v) {
		return v
	}
	return math.Min(1, math.Abs(v)/limit)
}

func colorFor(cmap colormap.Colormap, v, limit float64, name string) color.Color {
	if math.IsNaN(v) {
		return colormap.NaNColor
	}
	return cmap.At(scale(v, limit, name))
}

func (r *HeatmapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
