//go:build soma

package soma

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/cnk113/cacoa/internal/sparse"
)

// Reader reads a SOMA experiment through TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	colMu    sync.Mutex
	colCache map[string]map[int64]string // "array|column" -> joinid -> value
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := statExperiment(somaPath)
	if err != nil {
		return nil, err
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
		colCache:      make(map[string]map[int64]string),
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Close releases the TileDB context.
func (r *Reader) Close() { r.ctx.Free() }

func (r *Reader) varURI() string { return r.experimentURI + "/ms/RNA/var" }
func (r *Reader) obsURI() string { return r.experimentURI + "/obs" }
func (r *Reader) xURI() string   { return r.experimentURI + "/ms/RNA/X/data" }

func (r *Reader) openArray(uri string) (*tiledb.Array, error) {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, fmt.Errorf("failed to open array for read (%s): %w", uri, err)
	}
	return arr, nil
}

func closeArray(arr *tiledb.Array) {
	arr.Close()
	arr.Free()
}

// joinIDRange returns the non-empty soma_joinid domain of a dataframe.
func joinIDRange(arr *tiledb.Array) (minID, maxID int64, empty bool, err error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return 0, 0, true, nil
	}
	minID, maxID, err = boundsMinMaxInt64(ned.Bounds)
	return minID, maxID, false, err
}

// CountMatrix reads the whole X layer. Genes are ordered by soma_joinid and
// labelled with var gene_id; cells cover the obs soma_joinid domain and are
// labelled with obs_id when present.
func (r *Reader) CountMatrix() (*Matrix, error) {
	genes, err := r.stringColumn(r.varURI(), "gene_id")
	if err != nil {
		return nil, err
	}
	geneIDs := sortedKeys(genes)

	cellIDs, err := r.cellJoinIDs()
	if err != nil {
		return nil, err
	}
	var cellNames map[int64]string
	if cols, err := r.ObsColumns(); err == nil && contains(cols, "obs_id") {
		if cellNames, err = r.stringColumn(r.obsURI(), "obs_id"); err != nil {
			return nil, err
		}
	}

	rowOf := make(map[int64]int, len(geneIDs))
	rowNames := make([]string, len(geneIDs))
	for i, id := range geneIDs {
		rowOf[id] = i
		rowNames[i] = genes[id]
	}
	colOf := make(map[int64]int, len(cellIDs))
	colNames := make([]string, len(cellIDs))
	for j, id := range cellIDs {
		colOf[id] = j
		if name, ok := cellNames[id]; ok && name != "" {
			colNames[j] = name
		} else {
			colNames[j] = strconv.FormatInt(id, 10)
		}
	}

	var ts []sparse.Triplet
	var badCount error
	if len(geneIDs) > 0 && len(cellIDs) > 0 {
		err = r.scanX(cellIDs[0], cellIDs[len(cellIDs)-1], geneIDs[0], geneIDs[len(geneIDs)-1], func(cell, gene int64, val float32) {
			i, okRow := rowOf[gene]
			j, okCol := colOf[cell]
			if !okRow || !okCol || val == 0 {
				return
			}
			v := float64(val)
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				if badCount == nil {
					badCount = fmt.Errorf("%w: %v at gene %d, cell %d", ErrInvalidCount, v, gene, cell)
				}
				return
			}
			ts = append(ts, sparse.Triplet{Row: i, Col: j, Val: v})
		})
		if err != nil {
			return nil, err
		}
		if badCount != nil {
			return nil, badCount
		}
	}

	counts, err := sparse.FromTriplets(len(geneIDs), len(cellIDs), ts)
	if err != nil {
		return nil, err
	}
	if err := counts.SetLabels(rowNames, colNames); err != nil {
		return nil, err
	}
	return &Matrix{Counts: counts, GeneJoinIDs: geneIDs, CellJoinIDs: cellIDs}, nil
}

func (r *Reader) cellJoinIDs() ([]int64, error) {
	arr, err := r.openArray(r.obsURI())
	if err != nil {
		return nil, err
	}
	defer closeArray(arr)

	minID, maxID, empty, err := joinIDRange(arr)
	if err != nil || empty {
		return nil, err
	}
	ids := make([]int64, 0, maxID-minID+1)
	for id := minID; id <= maxID; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// ObsLabels returns the value of a string obs column for each cell joinid.
func (r *Reader) ObsLabels(column string, cellJoinIDs []int64) ([]string, error) {
	values, err := r.stringColumn(r.obsURI(), column)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(cellJoinIDs))
	for i, id := range cellJoinIDs {
		v, ok := values[id]
		if !ok || v == "" {
			return nil, fmt.Errorf("obs column %s has no value for soma_joinid %d", column, id)
		}
		out[i] = v
	}
	return out, nil
}

// ObsColumns returns the attribute names of the obs DataFrame.
func (r *Reader) ObsColumns() ([]string, error) {
	arr, err := r.openArray(r.obsURI())
	if err != nil {
		return nil, err
	}
	defer closeArray(arr)

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get obs schema: %w", err)
	}
	defer schema.Free()

	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute count: %w", err)
	}

	var columns []string
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			continue
		}
		name, err := attr.Name()
		attr.Free()
		if err != nil || name == "soma_joinid" {
			continue
		}
		columns = append(columns, name)
	}
	return columns, nil
}

// stringColumn reads a var-length string attribute of a dataframe keyed by
// soma_joinid. Null values are skipped. Results are cached per column.
func (r *Reader) stringColumn(uri, column string) (map[int64]string, error) {
	key := uri + "|" + column
	r.colMu.Lock()
	defer r.colMu.Unlock()
	if cached, ok := r.colCache[key]; ok {
		return cached, nil
	}

	values, err := r.loadStringColumn(uri, column)
	if err != nil {
		return nil, err
	}
	r.colCache[key] = values
	return values, nil
}

func (r *Reader) loadStringColumn(uri, column string) (map[int64]string, error) {
	arr, err := r.openArray(uri)
	if err != nil {
		return nil, err
	}
	defer closeArray(arr)

	minID, maxID, empty, err := joinIDRange(arr)
	if err != nil {
		return nil, err
	}
	if empty {
		return map[int64]string{}, nil
	}
	nullable, err := attributeNullable(arr, column)
	if err != nil {
		return nil, fmt.Errorf("column %s not found in %s: %w", column, uri, err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set soma_joinid range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	// Buffer sizes are in/out parameters, so they are reset before each submit.
	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	result := make(map[int64]string, int(maxID-minID+1))
	for {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed (%s): %w", column, err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed (%s): %w", column, err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed (%s): %w", column, err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[column][0]), len(offsets))
		usedBytes := min(int(elems[column][1]), len(dataBytes))
		usedValid := 0
		if nullable {
			usedValid = min(int(elems[column][2]), len(validity))
		}

		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return nil, fmt.Errorf("query buffers too small for column %s", column)
		}

		data := dataBytes[:usedBytes]
		lim := min(usedJoin, usedOffsets)
		if nullable && usedValid > 0 {
			lim = min(lim, usedValid)
		}
		for i := 0; i < lim; i++ {
			if nullable && usedValid > 0 && validity[i] == 0 {
				continue
			}
			start := int(offsets[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			result[joinIDs[i]] = string(data[start:end])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return result, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status for %s: %v", column, status)
		}
	}
}

// scanX streams the nonzero entries of X inside the given cell and gene
// joinid boxes.
func (r *Reader) scanX(cellMin, cellMax, geneMin, geneMax int64, onEntry func(cell, gene int64, val float32)) error {
	arr, err := r.openArray(r.xURI())
	if err != nil {
		return err
	}
	defer closeArray(arr)

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](cellMin, cellMax)); err != nil {
		return fmt.Errorf("failed to add cell range: %w", err)
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](geneMin, geneMax)); err != nil {
		return fmt.Errorf("failed to add gene range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set X subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const bufSize = 1024 * 1024
	outCell := make([]int64, bufSize)
	outGene := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	nullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValid []uint8
	if nullable {
		outValid = make([]uint8, bufSize)
	}

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("soma_data", outValid); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("X query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("X query ResultBufferElements failed: %w", err)
		}

		got := min(int(elems["soma_data"][1]), len(outVal))
		gotValid := 0
		if nullable {
			gotValid = min(int(elems["soma_data"][2]), len(outValid))
		}
		for i := 0; i < got; i++ {
			if nullable && i < gotValid && outValid[i] == 0 {
				continue
			}
			onEntry(outCell[i], outGene[i], outVal[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected X query status: %v", status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type %T for non-empty domain", bounds)
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}

func sortedKeys(m map[int64]string) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
