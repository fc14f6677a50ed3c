// Package colormap provides color schemes for score heatmaps.
package colormap

import (
	"image/color"
	"math"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// NaNColor is drawn for missing scores.
var NaNColor = color.RGBA{R: 200, G: 200, B: 200, A: 255}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if math.IsNaN(t) {
		return NaNColor
	}
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := min(lower+1, len(c.colors)-1)

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Symmetric rescales v from [-limit, limit] to [0, 1], clamping outside
// values. NaN stays NaN.
func Symmetric(v, limit float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	if limit <= 0 {
		limit = 1
	}
	return math.Min(1, math.Max(0, (v/limit+1)/2))
}

// RdBu is a diverging blue-white-red map (reversed ColorBrewer RdBu) with
// white at 0.5.
var RdBu = LinearColormap{
	colors: []color.RGBA{
		{5, 48, 97, 255},
		{33, 102, 172, 255},
		{67, 147, 195, 255},
		{146, 197, 222, 255},
		{209, 229, 240, 255},
		{247, 247, 247, 255},
		{253, 219, 199, 255},
		{244, 165, 130, 255},
		{214, 96, 77, 255},
		{178, 24, 43, 255},
		{103, 0, 31, 255},
	},
}

// Seurat is the grey-to-red map of Seurat's FeaturePlot.
var Seurat = LinearColormap{
	colors: []color.RGBA{
		{211, 211, 211, 255},
		{255, 0, 0, 255},
	},
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

var byName = map[string]Colormap{
	"rdbu":    RdBu,
	"seurat":  Seurat,
	"viridis": Viridis,
	"magma":   Magma,
}

// ByName returns a colormap by case-insensitive name.
func ByName(name string) (Colormap, bool) {
	c, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Diverging reports whether a named colormap is centered on zero.
func Diverging(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), "rdbu")
}
