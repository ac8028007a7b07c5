package model

import (
	"math"
	"strings"
)

// RopeScaling is the rope_scaling block of config.json. Only the linear and
// llama3 schemes change the frequencies; anything else is ignored.
type RopeScaling struct {
	Type                          string  `json:"type"`
	RopeType                      string  `json:"rope_type"`
	Factor                        float64 `json:"factor"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings"`
	LowFreqFactor                 float64 `json:"low_freq_factor"`
	HighFreqFactor                float64 `json:"high_freq_factor"`
}

func (rs *RopeScaling) kind() string {
	if rs == nil {
		return ""
	}
	kind := strings.ToLower(strings.TrimSpace(rs.RopeType))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(rs.Type))
	}
	if (kind == "" || kind == "default") && rs.Factor > 0 {
		kind = "linear"
	}
	return kind
}

// scaleInvFreq rewrites invFreq in place for the configured scheme.
func scaleInvFreq(invFreq []float64, maxPosition int, rs *RopeScaling) {
	factor := 1.0
	if rs != nil && rs.Factor > 0 {
		factor = rs.Factor
	}
	switch rs.kind() {
	case "linear":
		if factor == 1 {
			return
		}
		for i := range invFreq {
			invFreq[i] /= factor
		}
	case "llama3":
		origCtx := float64(rs.OriginalMaxPositionEmbeddings)
		if origCtx <= 0 {
			origCtx = float64(maxPosition)
		}
		llama3Scale(invFreq, factor, origCtx, rs.LowFreqFactor, rs.HighFreqFactor)
	}
}

// llama3Scale divides low frequencies by factor, keeps high frequencies and
// interpolates between the two bands.
func llama3Scale(invFreq []float64, factor, origCtx, low, high float64) {
	if factor == 1 || origCtx <= 0 {
		return
	}
	if low <= 0 {
		low = 1
	}
	if high <= low {
		for i := range invFreq {
			invFreq[i] /= factor
		}
		return
	}
	lowWavelen := origCtx / low
	highWavelen := origCtx / high
	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		wavelen := 2 * math.Pi / f
		switch {
		case wavelen > lowWavelen:
			invFreq[i] = f / factor
		case wavelen < highWavelen:
		default:
			smooth := (origCtx/wavelen - low) / (high - low)
			invFreq[i] = (1-smooth)*f/factor + smooth*f
		}
	}
}
