package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hash is a deterministic bag-of-words embedder using feature hashing. It
// needs no network and keeps texts that share words close together.
type Hash struct {
	dims int
}

// NewHash returns a hash embedder producing vectors of the given size.
func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = 256
	}
	return &Hash{dims: dims}
}

// Dimensions returns the vector size.
func (h *Hash) Dimensions() int { return h.dims }

func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dims)
	for _, tok := range Tokens(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[int(sum%uint32(h.dims))] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// empty input still needs a valid unit vector
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "i": {}, "me": {}, "my": {}, "is": {}, "are": {},
	"am": {}, "to": {}, "of": {}, "and": {}, "or": {}, "in": {}, "on": {}, "do": {},
	"does": {}, "did": {}, "what": {}, "you": {}, "your": {}, "it": {}, "that": {},
	"this": {}, "for": {}, "with": {}, "about": {}, "was": {}, "be": {}, "at": {},
	"can": {}, "please": {}, "tell": {}, "remind": {},
}

// Tokens lower-cases text, drops stopwords and strips a plural "s" so that
// "likes" and "like" share a feature.
func Tokens(text string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() == 0 {
			return
		}
		tok := sb.String()
		sb.Reset()
		if _, stop := stopwords[tok]; stop {
			return
		}
		if len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
			tok = tok[:len(tok)-1]
		}
		out = append(out, tok)
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return out
}
