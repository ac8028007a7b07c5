package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization. dst may alias src.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Silu computes the Sigmoid Linear Unit activation.
func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// RopeInvFreq returns the inverse frequencies for a rotary embedding of
// headDim dimensions with the given base.
func RopeInvFreq(headDim int, base float64) []float64 {
	if base <= 0 {
		base = 10_000
	}
	inv := make([]float64, headDim/2)
	for i := range inv {
		inv[i] = 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
	}
	return inv
}

// ApplyRoPE rotates each head of x in place for position pos. Dimension i is
// paired with i+headDim/2 (the Hugging Face Llama layout).
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	half := headDim / 2
	for h := range nHead {
		base := h * headDim
		for i := range half {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + i
			i1 := i0 + half
			x0, x1 := x[i0], x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x1*c + x0*s
		}
	}
}
