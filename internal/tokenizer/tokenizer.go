package tokenizer

// Tokenizer defines the minimal interface used by the generation engine.
//
// Decode returns the raw bytes of the tokens as a string. A single token may
// carry part of a multi-byte character, so the result is not guaranteed to be
// valid UTF-8.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}
