package tensor

import (
	"encoding/binary"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the storage precision of a weight matrix. Activations are always
// float32; half-precision weights are widened on the fly inside MatVec.
type DType uint8

const (
	F16 DType = iota
	BF16
	F32
)

// DefaultDType is used when no precision is requested or the label is unknown.
const DefaultDType = F16

func (d DType) String() string {
	switch d {
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case F32:
		return "f32"
	default:
		return "unknown"
	}
}

// ParseDType maps a label such as "bf16" to a DType. The boolean is false for
// labels that are not recognised; the returned DType is then DefaultDType.
func ParseDType(label string) (DType, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "f16", "fp16", "float16":
		return F16, true
	case "bf16", "bfloat16":
		return BF16, true
	case "f32", "fp32", "float32":
		return F32, true
	default:
		return DefaultDType, false
	}
}

// EncodeHalf converts float32 values into 16-bit storage for dtype.
func EncodeHalf(dtype DType, src []float32) []uint16 {
	out := make([]uint16, len(src))
	switch dtype {
	case F16:
		for i, v := range src {
			out[i] = float16.Fromfloat32(v).Bits()
		}
	case BF16:
		raw := bfloat16.EncodeFloat32(src)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
	default:
		panic("EncodeHalf: not a half precision dtype")
	}
	return out
}

func f16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

// bf16 is the upper half of an IEEE float32.
func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
