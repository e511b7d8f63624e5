// Package embed derives fixed-dimension text embeddings by feature
// hashing. The function is pure and versioned by construction: every node
// running the same release maps the same description or intent to the same
// vector, which is what makes capability similarity comparable mesh-wide
// without shipping a model.
package embed

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// Dim is the embedding dimensionality shared with capability records.
const Dim = common.EmbeddingDim

// Text hashes the lowercase word tokens of s into a Dim-wide vector and
// L2-normalizes it. Empty or token-free input yields the zero vector.
func Text(s string) []float32 {
	vec := make([]float32, Dim)
	for _, tok := range tokenize(s) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(Dim))
		// Top bit picks the sign, spreading collision bias around zero.
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return vec
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// zero or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
