package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// Writer accumulates F32 tensors and serialises them into a safetensors buffer.
type Writer struct {
	headers map[string]tensorHeader
	data    []byte
	meta    map[string]string
}

func NewWriter() *Writer {
	return &Writer{headers: make(map[string]tensorHeader)}
}

// SetMetadata records a __metadata__ entry.
func (w *Writer) SetMetadata(key, value string) {
	if w.meta == nil {
		w.meta = make(map[string]string)
	}
	w.meta[key] = value
}

// AddF32 appends a tensor. len(values) must match the product of shape.
func (w *Writer) AddF32(name string, shape []int, values []float32) error {
	if _, dup := w.headers[name]; dup {
		return fmt.Errorf("tensor %s: duplicate name", name)
	}
	n, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if n != len(values) {
		return fmt.Errorf("tensor %s: shape %v wants %d values, got %d", name, shape, n, len(values))
	}
	start := int64(len(w.data))
	for _, v := range values {
		w.data = binary.LittleEndian.AppendUint32(w.data, math.Float32bits(v))
	}
	w.headers[name] = tensorHeader{
		DType:       "F32",
		Shape:       append([]int(nil), shape...),
		DataOffsets: []int64{start, int64(len(w.data))},
	}
	return nil
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() ([]byte, error) {
	header := make(map[string]any, len(w.headers)+1)
	for name, h := range w.headers {
		header[name] = h
	}
	if len(w.meta) > 0 {
		header["__metadata__"] = w.meta
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}
	out := make([]byte, 8, 8+len(headerBytes)+len(w.data))
	binary.LittleEndian.PutUint64(out, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	return append(out, w.data...), nil
}
