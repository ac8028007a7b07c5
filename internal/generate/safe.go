package generate

import (
	"fmt"

	"github.com/samcharles93/ember/internal/detok"
	"github.com/samcharles93/ember/internal/model"
	"github.com/samcharles93/ember/internal/tokenizer"
)

// The helpers below turn panics from the tokenizer or the forward pass into
// errors so a bad call leaves the engine usable.

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}

func safeForward(m model.Model, tokens []int, pos int, cache *model.KVCache) (out []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	return m.Forward(tokens, pos, cache)
}

func safeNext(s *detok.Stream, id int) (frag string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return s.Next(id)
}
