package model

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"hidden_size": 64, "intermediate_size": 128, "vocab_size": 100,
		"num_hidden_layers": 2, "num_attention_heads": 4,
		"eos_token_id": 2
	}`)
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.NumKeyValueHeads != 4 || cfg.HeadDim != 16 {
		t.Fatalf("kv heads %d head dim %d", cfg.NumKeyValueHeads, cfg.HeadDim)
	}
	if cfg.RopeTheta != defaultRopeTheta || cfg.MaxPositionEmbeddings != defaultMaxPosition || cfg.RMSNormEps != defaultRMSEps {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if diff := cmp.Diff(TokenIDs{2}, cfg.EOS); diff != "" {
		t.Fatalf("eos (-want +got):\n%s", diff)
	}
	if cfg.KVStride() != 64 {
		t.Fatalf("KVStride = %d", cfg.KVStride())
	}
}

func TestParseConfigEOSForms(t *testing.T) {
	t.Parallel()

	base := `"hidden_size": 8, "intermediate_size": 8, "vocab_size": 8, "num_hidden_layers": 1, "num_attention_heads": 2`
	cases := map[string]TokenIDs{
		`{` + base + `, "eos_token_id": [128001, 128009]}`: {128001, 128009},
		`{` + base + `, "eos_token_id": null}`:             nil,
		`{` + base + `}`:                                   nil,
	}
	for raw, want := range cases {
		cfg, err := ParseConfig([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if diff := cmp.Diff(want, cfg.EOS); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", raw, diff)
		}
	}
	if !(TokenIDs{1, 5}).Contains(5) || (TokenIDs{1}).Contains(2) {
		t.Fatal("Contains is wrong")
	}
}

func TestParseConfigNestedTextConfig(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"eos_token_id": 7,
		"text_config": {"hidden_size": 8, "intermediate_size": 8, "vocab_size": 8, "num_hidden_layers": 1, "num_attention_heads": 2}
	}`)
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.HiddenSize != 8 || !cfg.EOS.Contains(7) {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{`,
		`{"hidden_size": 0}`,
		`{"hidden_size": 8, "intermediate_size": 8, "vocab_size": 8, "num_hidden_layers": 1, "num_attention_heads": 0}`,
		`{"hidden_size": 8, "intermediate_size": 8, "vocab_size": 8, "num_hidden_layers": 1, "num_attention_heads": 2, "num_key_value_heads": 3}`,
		`{"hidden_size": 8, "intermediate_size": 8, "vocab_size": 8, "num_hidden_layers": 1, "num_attention_heads": 2, "eos_token_id": "x"}`,
	}
	for _, raw := range cases {
		if _, err := ParseConfig([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", raw)
		}
	}
}

func TestRopeScalingLinear(t *testing.T) {
	t.Parallel()

	inv := []float64{1, 0.5, 0.25}
	scaleInvFreq(inv, 4096, &RopeScaling{Type: "linear", Factor: 2})
	want := []float64{0.5, 0.25, 0.125}
	for i := range inv {
		if math.Abs(inv[i]-want[i]) > 1e-12 {
			t.Fatalf("inv[%d]=%g want %g", i, inv[i], want[i])
		}
	}
}

func TestRopeScalingLlama3Bands(t *testing.T) {
	t.Parallel()

	long := 2 * math.Pi / 9000
	short := 2 * math.Pi / 1024
	inv := []float64{long, short}
	scaleInvFreq(inv, 131072, &RopeScaling{
		RopeType:                      "llama3",
		Factor:                        4,
		OriginalMaxPositionEmbeddings: 8192,
		LowFreqFactor:                 1,
		HighFreqFactor:                4,
	})
	if math.Abs(inv[0]-long/4) > 1e-12 {
		t.Fatalf("long wavelength should be divided by the factor: %g", inv[0])
	}
	if inv[1] != short {
		t.Fatalf("short wavelength should be untouched: %g", inv[1])
	}
}

func TestRopeScalingUnknownIsIgnored(t *testing.T) {
	t.Parallel()

	inv := []float64{1, 0.5}
	scaleInvFreq(inv, 4096, nil)
	scaleInvFreq(inv, 4096, &RopeScaling{RopeType: "dynamic", Factor: 2})
	if inv[0] != 1 || inv[1] != 0.5 {
		t.Fatalf("frequencies changed: %v", inv)
	}
}
