// Package safetensors parses the safetensors container from an in-memory
// buffer, the form in which weights come out of the asset cache.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// ErrTensorNotFound is returned when a named tensor is absent from the header.
var ErrTensorNotFound = errors.New("tensor not found")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is a parsed safetensors buffer. Tensor payloads alias the input bytes.
type File struct {
	Tensors  map[string]TensorInfo
	Metadata map[string]string
	data     []byte
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Parse validates the header of a safetensors buffer and indexes its tensors.
func Parse(buf []byte) (*File, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("safetensors: buffer too small (%d bytes)", len(buf))
	}
	headerLen := binary.LittleEndian.Uint64(buf[:8])
	if headerLen > uint64(len(buf)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds buffer", headerLen)
	}
	headerBytes := buf[8 : 8+headerLen]
	data := buf[8+headerLen:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	var meta map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		_ = json.Unmarshal(msg, &meta)
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return nil, fmt.Errorf("tensor %s: offsets [%d,%d) outside data section of %d bytes", name, start, end, len(data))
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: start,
			End:   end,
		}
	}
	return &File{Tensors: tensors, Metadata: meta, data: data}, nil
}

// Open reads a safetensors file from disk and parses it.
func Open(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Raw returns the payload bytes of a tensor without copying.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.data[t.Start:t.End], t, nil
}

// Float32 decodes a F32, F16 or BF16 tensor into a new float32 slice.
func (f *File) Float32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f32 data size", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid bf16 data size", name)
		}
		return bfloat16.DecodeFloat32(raw), info, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f16 data size", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
}

func numElements(shape []int) (int, error) {
	// A zero-rank tensor is a scalar.
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
