// Package carray stores float32 row arrays on disk in fixed-size chunks.
// An array is a directory holding a JSON header and raw little-endian
// chunk files, so feature rows can be appended incrementally and read
// back without loading the whole array.
package carray

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const headerFile = "meta.json"

// DefaultChunkRows is the chunk size used when none is given.
const DefaultChunkRows = 512

type header struct {
	Dim       int `json:"dim"`
	Rows      int `json:"rows"`
	ChunkRows int `json:"chunk_rows"`
}

// Array is an on-disk chunked float32 row array. All rows share one
// width. Appended rows are buffered until a chunk fills or Flush is
// called.
type Array struct {
	path      string
	dim       int
	chunkRows int

	fullChunks int       // chunks persisted at full size
	pending    []float32 // rows not yet persisted as a full chunk

	cacheIdx  int // chunk index held in cache, -1 when empty
	cacheData []float32
}

// Create makes a new array directory at path, replacing any existing
// array there. chunkRows <= 0 selects DefaultChunkRows.
func Create(path string, dim, chunkRows int) (*Array, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid row width %d", dim)
	}
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear array directory: %v", err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create array directory: %v", err)
	}

	a := &Array{
		path:      path,
		dim:       dim,
		chunkRows: chunkRows,
		cacheIdx:  -1,
	}
	if err := a.writeHeader(); err != nil {
		return nil, err
	}
	return a, nil
}

// Open loads an existing array directory. A trailing partial chunk is
// read back into the append buffer so the array can keep growing.
func Open(path string) (*Array, error) {
	data, err := os.ReadFile(filepath.Join(path, headerFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read array header: %v", err)
	}

	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse array header: %v", err)
	}
	if h.Dim <= 0 || h.ChunkRows <= 0 || h.Rows < 0 {
		return nil, fmt.Errorf("invalid array header in %s", path)
	}

	a := &Array{
		path:       path,
		dim:        h.Dim,
		chunkRows:  h.ChunkRows,
		fullChunks: h.Rows / h.ChunkRows,
		cacheIdx:   -1,
	}

	if tail := h.Rows % h.ChunkRows; tail > 0 {
		rows, err := a.readChunk(a.fullChunks)
		if err != nil {
			return nil, err
		}
		if len(rows) != tail*h.Dim {
			return nil, fmt.Errorf("trailing chunk holds %d values, header expects %d",
				len(rows), tail*h.Dim)
		}
		a.pending = rows
	}
	return a, nil
}

// Exists reports whether an array directory with a header is present
// at path.
func Exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, headerFile))
	return err == nil
}

// Path returns the array's directory.
func (a *Array) Path() string { return a.path }

// Dim returns the row width.
func (a *Array) Dim() int { return a.dim }

// Rows returns the number of rows, including buffered ones.
func (a *Array) Rows() int {
	return a.fullChunks*a.chunkRows + len(a.pending)/a.dim
}

// AppendRows appends flat row data. len(data) must be a multiple of the
// row width. Full chunks are persisted immediately.
func (a *Array) AppendRows(data []float32) error {
	if len(data)%a.dim != 0 {
		return fmt.Errorf("append of %d values is not a multiple of row width %d", len(data), a.dim)
	}

	a.pending = append(a.pending, data...)
	chunkVals := a.chunkRows * a.dim
	for len(a.pending) >= chunkVals {
		if err := a.writeChunk(a.fullChunks, a.pending[:chunkVals]); err != nil {
			return err
		}
		a.pending = a.pending[chunkVals:]
		a.fullChunks++
	}
	return nil
}

// RowAt returns a copy of row i.
func (a *Array) RowAt(i int) ([]float32, error) {
	rows, err := a.ReadRows(i, 1)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadRows returns a copy of count rows starting at start.
func (a *Array) ReadRows(start, count int) ([]float32, error) {
	if start < 0 || count < 0 || start+count > a.Rows() {
		return nil, fmt.Errorf("row range [%d, %d) out of bounds for %d rows", start, start+count, a.Rows())
	}

	out := make([]float32, 0, count*a.dim)
	for row := start; row < start+count; row++ {
		chunk := row / a.chunkRows
		offset := (row % a.chunkRows) * a.dim

		if chunk >= a.fullChunks {
			offset = (row - a.fullChunks*a.chunkRows) * a.dim
			out = append(out, a.pending[offset:offset+a.dim]...)
			continue
		}

		if a.cacheIdx != chunk {
			data, err := a.readChunk(chunk)
			if err != nil {
				return nil, err
			}
			a.cacheIdx = chunk
			a.cacheData = data
		}
		out = append(out, a.cacheData[offset:offset+a.dim]...)
	}
	return out, nil
}

// ReadAll returns a copy of every row.
func (a *Array) ReadAll() ([]float32, error) {
	return a.ReadRows(0, a.Rows())
}

// Flush persists the buffered partial chunk and the header. The buffer
// stays appendable; the partial chunk is rewritten on the next Flush.
func (a *Array) Flush() error {
	if len(a.pending) > 0 {
		if err := a.writeChunk(a.fullChunks, a.pending); err != nil {
			return err
		}
	}
	return a.writeHeader()
}

func (a *Array) chunkPath(idx int) string {
	return filepath.Join(a.path, fmt.Sprintf("chunk_%06d.dat", idx))
}

func (a *Array) writeChunk(idx int, data []float32) error {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if err := os.WriteFile(a.chunkPath(idx), buf, 0644); err != nil {
		return fmt.Errorf("failed to write chunk %d: %v", idx, err)
	}
	return nil
}

func (a *Array) readChunk(idx int) ([]float32, error) {
	buf, err := os.ReadFile(a.chunkPath(idx))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %v", idx, err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("chunk %d is truncated (%d bytes)", idx, len(buf))
	}
	data := make([]float32, len(buf)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return data, nil
}

func (a *Array) writeHeader() error {
	h := header{Dim: a.dim, Rows: a.Rows(), ChunkRows: a.chunkRows}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode array header: %v", err)
	}
	if err := os.WriteFile(filepath.Join(a.path, headerFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write array header: %v", err)
	}
	return nil
}
