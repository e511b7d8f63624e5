package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextDeterministic(t *testing.T) {
	a := Text("run llm chat inference on local gpu")
	b := Text("run llm chat inference on local gpu")
	assert.Equal(t, a, b)
	require.Len(t, a, Dim)
}

func TestTextNormalized(t *testing.T) {
	v := Text("sensor temperature reading")
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestTextCaseAndPunctuationInsensitive(t *testing.T) {
	assert.Equal(t, Text("Echo THIS, please!"), Text("echo this please"))
}

func TestEmptyInput(t *testing.T) {
	v := Text("")
	require.Len(t, v, Dim)
	for _, x := range v {
		assert.Zero(t, x)
	}
	assert.Zero(t, Cosine(v, Text("anything")))
}

func TestCosineRelatedness(t *testing.T) {
	chat := Text("chat with a large language model")
	chatAlt := Text("chat using a large language model")
	vision := Text("classify images with a vision model")
	unrelated := Text("water the garden tomatoes")

	self := Cosine(chat, chat)
	assert.InDelta(t, 1.0, self, 1e-6)

	near := Cosine(chat, chatAlt)
	far := Cosine(chat, unrelated)
	assert.Greater(t, near, far, "shared words must score higher")
	assert.Greater(t, near, 0.5)

	// "model" overlaps but the rest differs.
	mid := Cosine(chat, vision)
	assert.Greater(t, near, mid)
}

func TestCosineMismatchedDims(t *testing.T) {
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{1}))
	assert.Zero(t, Cosine(nil, nil))
}
