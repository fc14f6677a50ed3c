package mtx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/cnk113/cacoa/internal/sparse"
)

// ErrFormat reports a malformed input file.
var ErrFormat = errors.New("mtx: malformed input")

const maxLine = 1 << 20

// ReadMatrixMarket reads a coordinate MatrixMarket file (real, integer or
// pattern; general) as a genes × cells matrix.
func ReadMatrixMarket(path string) (*sparse.CSC, error) {
	return readFile(path, ParseMatrixMarket)
}

// ReadCounts reads a MatrixMarket counts matrix. Negative, NaN and infinite
// entries are rejected with ErrFormat.
func ReadCounts(path string) (*sparse.CSC, error) {
	return readFile(path, ParseCounts)
}

// ParseMatrixMarket parses a coordinate MatrixMarket stream. Indices are
// one-based in the stream. Repeated coordinates are summed.
func ParseMatrixMarket(r io.Reader) (*sparse.CSC, error) {
	return parseMatrixMarket(r, false)
}

// ParseCounts is ParseMatrixMarket restricted to finite non-negative values.
func ParseCounts(r io.Reader) (*sparse.CSC, error) {
	return parseMatrixMarket(r, true)
}

func parseMatrixMarket(r io.Reader, counts bool) (*sparse.CSC, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty file", ErrFormat)
	}
	header := strings.Fields(strings.ToLower(sc.Text()))
	if len(header) < 5 || header[0] != "%%matrixmarket" || header[1] != "matrix" || header[2] != "coordinate" {
		return nil, fmt.Errorf("%w: unsupported header %q", ErrFormat, sc.Text())
	}
	pattern := false
	switch header[3] {
	case "real", "integer":
	case "pattern":
		pattern = true
	default:
		return nil, fmt.Errorf("%w: unsupported field %q", ErrFormat, header[3])
	}
	if header[4] != "general" {
		return nil, fmt.Errorf("%w: unsupported symmetry %q", ErrFormat, header[4])
	}

	rows, cols, nnz := -1, -1, -1
	var ts []sparse.Triplet
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '%' {
			continue
		}
		fields := strings.Fields(text)

		if rows < 0 {
			if len(fields) != 3 {
				return nil, fmt.Errorf("%w: line %d: size line needs 3 fields", ErrFormat, line)
			}
			var err error
			if rows, err = strconv.Atoi(fields[0]); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
			}
			if cols, err = strconv.Atoi(fields[1]); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
			}
			if nnz, err = strconv.Atoi(fields[2]); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
			}
			ts = make([]sparse.Triplet, 0, nnz)
			continue
		}

		want := 3
		if pattern {
			want = 2
		}
		if len(fields) < want {
			return nil, fmt.Errorf("%w: line %d: expected %d fields", ErrFormat, line, want)
		}
		i, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		j, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		v := 1.0
		if !pattern {
			if v, err = strconv.ParseFloat(fields[2], 64); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
			}
		}
		if counts && (v < 0 || math.IsNaN(v) || math.IsInf(v, 0)) {
			return nil, fmt.Errorf("%w: line %d: count %s is not a finite non-negative number", ErrFormat, line, fields[2])
		}
		if i < 1 || i > rows || j < 1 || j > cols {
			return nil, fmt.Errorf("%w: line %d: entry (%d,%d) outside %dx%d", ErrFormat, line, i, j, rows, cols)
		}
		ts = append(ts, sparse.Triplet{Row: i - 1, Col: j - 1, Val: v})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if rows < 0 {
		return nil, fmt.Errorf("%w: missing size line", ErrFormat)
	}
	if len(ts) != nnz {
		return nil, fmt.Errorf("%w: expected %d entries, found %d", ErrFormat, nnz, len(ts))
	}
	return sparse.FromTriplets(rows, cols, ts)
}

// WriteMatrixMarket writes m as a real general coordinate MatrixMarket stream.
// NaN entries are written as "NaN".
func WriteMatrixMarket(w io.Writer, m *sparse.CSC) error {
	bw := bufio.NewWriter(w)
	rows, cols := m.Dims()
	bw.WriteString("%%MatrixMarket matrix coordinate real general\n")
	fmt.Fprintf(bw, "%d %d %d\n", rows, cols, m.NNZ())

	buf := make([]byte, 0, 64)
	for j := 0; j < cols; j++ {
		it := m.Col(j)
		for it.Next() {
			buf = buf[:0]
			buf = strconv.AppendInt(buf, int64(it.Row()+1), 10)
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, int64(j+1), 10)
			buf = append(buf, ' ')
			v := it.Value()
			if math.IsNaN(v) {
				buf = append(buf, "NaN"...)
			} else {
				buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
			}
			buf = append(buf, '\n')
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
