package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airweave.ai/core/common"
)

func TestSparseEncoder(t *testing.T) {
	enc := NewSparseEncoder()

	t.Run("is deterministic", func(t *testing.T) {
		a := enc.EncodeOne("quarterly budget review for the platform team")
		b := enc.EncodeOne("quarterly budget review for the platform team")
		require.NotNil(t, a)
		assert.Equal(t, a.Indices, b.Indices)
		assert.Equal(t, a.Values, b.Values)
	})

	t.Run("indices are sorted and unique", func(t *testing.T) {
		v := enc.EncodeOne("alpha beta gamma alpha beta alpha")
		require.NotNil(t, v)
		for i := 1; i < len(v.Indices); i++ {
			assert.Greater(t, v.Indices[i], v.Indices[i-1])
		}
		assert.Len(t, v.Values, len(v.Indices))
	})

	t.Run("repeated terms weigh more but saturate", func(t *testing.T) {
		once := enc.EncodeOne("budget")
		many := enc.EncodeOne("budget budget budget budget budget budget")
		require.Len(t, once.Values, 1)
		require.Len(t, many.Values, 1)
		assert.Greater(t, many.Values[0], once.Values[0])
		// BM25 tf saturation keeps the weight bounded.
		assert.Less(t, many.Values[0], float32(bm25K1+1))
	})

	t.Run("stopwords and noise drop out", func(t *testing.T) {
		assert.Nil(t, enc.EncodeOne("the and of a to"))
		assert.Nil(t, enc.EncodeOne("   "))
		assert.Nil(t, enc.EncodeOne(""))
	})

	t.Run("batch preserves order and nils", func(t *testing.T) {
		out := enc.Encode([]string{"alpha report", "", "beta report"})
		require.Len(t, out, 3)
		assert.NotNil(t, out[0])
		assert.Nil(t, out[1])
		assert.NotNil(t, out[2])
	})
}

func TestClassifyProviderError(t *testing.T) {
	t.Run("auth and quota are permanent", func(t *testing.T) {
		for _, msg := range []string{
			"API returned unexpected status code: 401",
			"error: Incorrect API key provided",
			"insufficient_quota: you exceeded your current quota",
			"this model's maximum context length is 8192 tokens",
		} {
			err := classifyProviderError("embedding batch", errString(msg))
			assert.True(t, common.IsKind(err, common.KindProviderPermanent), msg)
		}
	})

	t.Run("everything else is transient", func(t *testing.T) {
		for _, msg := range []string{
			"API returned unexpected status code: 500",
			"connection reset by peer",
			"context deadline exceeded",
		} {
			err := classifyProviderError("embedding batch", errString(msg))
			assert.True(t, common.IsKind(err, common.KindProviderTransient), msg)
		}
	})
}

type errString string

func (e errString) Error() string { return string(e) }

func TestOpenAIConfigValidation(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
}
