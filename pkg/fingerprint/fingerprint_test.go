package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRawDeterministic(t *testing.T) {
	a, err := FromRaw([]byte("hello world"))
	require.NoError(t, err)
	b, err := FromRaw([]byte("hello world"))
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.String(), b.String())

	c, err := FromRaw([]byte("hello worlds"))
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
}

func TestParseRoundTrip(t *testing.T) {
	fp, err := FromRaw([]byte("round trip"))
	require.NoError(t, err)

	parsed, err := Parse(fp.String())
	require.NoError(t, err)
	assert.True(t, fp.Equal(parsed))
	assert.Equal(t, fp.Key(), parsed.Key())
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not a fingerprint")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestZeroValue(t *testing.T) {
	var fp Fingerprint
	assert.False(t, fp.Defined())
	assert.Equal(t, "", fp.String())
}

func TestSelfDescribing(t *testing.T) {
	fp, err := FromRaw([]byte("described"))
	require.NoError(t, err)

	assert.Equal(t, "raw", fp.CodecName())
	assert.Equal(t, "sha2-256", fp.HashAlgorithm())

	digest, err := fp.Digest()
	require.NoError(t, err)
	assert.Len(t, digest, 32)
}

func TestVerify(t *testing.T) {
	body := []byte("verified content")
	fp, err := FromRaw(body)
	require.NoError(t, err)

	ok, err := fp.Verify(body)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fp.Verify([]byte("tampered content"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyContent(t *testing.T) {
	fp, err := FromRaw(nil)
	require.NoError(t, err)
	assert.True(t, fp.Defined())

	ok, err := fp.Verify(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShardStable(t *testing.T) {
	fp, err := FromRaw([]byte("sharded"))
	require.NoError(t, err)

	s := fp.Shard(32)
	assert.GreaterOrEqual(t, s, 0)
	assert.Less(t, s, 32)
	assert.Equal(t, s, fp.Shard(32))
	assert.Equal(t, 0, fp.Shard(1))
}

func TestJSONEmbedding(t *testing.T) {
	fp, err := FromRaw([]byte("json"))
	require.NoError(t, err)

	type wrapper struct {
		FP Fingerprint `json:"fp"`
	}
	raw, err := json.Marshal(wrapper{FP: fp})
	require.NoError(t, err)

	var out wrapper
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, fp.Equal(out.FP))
}
