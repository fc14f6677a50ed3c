//go:build !soma

package soma

// Reader is a stub when built without "-tags soma".
type Reader struct {
	experimentURI string
}

// NewReader resolves and validates the experiment path so configuration
// errors surface early; all reads return ErrUnsupported.
func NewReader(somaPath string) (*Reader, error) {
	uri, err := statExperiment(somaPath)
	if err != nil {
		return nil, err
	}
	return &Reader{experimentURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

func (r *Reader) Close() {}

func (r *Reader) CountMatrix() (*Matrix, error) { return nil, ErrUnsupported }

func (r *Reader) ObsLabels(column string, cellJoinIDs []int64) ([]string, error) {
	return nil, ErrUnsupported
}

func (r *Reader) ObsColumns() ([]string, error) { return nil, ErrUnsupported }
