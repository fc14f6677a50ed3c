// Package soma provides read-only access to the counts and cell metadata of a
// TileDB-SOMA experiment.
//
// Only what scoring needs is supported:
//   - ms/RNA/X/data as a genes × cells count matrix
//   - gene_id from ms/RNA/var as gene labels
//   - string columns of obs (sample labels, obs_id)
//
// TileDB support requires building with -tags soma; without it every read
// returns ErrUnsupported.
package soma

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/cnk113/cacoa/internal/sparse"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")

	// ErrInvalidCount reports a negative or non-finite value in the X layer.
	ErrInvalidCount = errors.New("soma: count is not a finite non-negative number")
)

// Matrix is the X layer of an experiment. Row i of Counts is the gene with
// soma_joinid GeneJoinIDs[i]; column j is the cell with CellJoinIDs[j].
type Matrix struct {
	Counts      *sparse.CSC
	GeneJoinIDs []int64
	CellJoinIDs []int64
}

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

func statExperiment(somaPath string) (string, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(uri); err != nil {
		return "", &NotFoundError{URI: uri, Err: err}
	}
	return uri, nil
}

// NotFoundError reports a missing experiment directory.
type NotFoundError struct {
	URI string
	Err error
}

func (e *NotFoundError) Error() string { return "soma experiment not found at " + e.URI + ": " + e.Err.Error() }

func (e *NotFoundError) Unwrap() error { return e.Err }
