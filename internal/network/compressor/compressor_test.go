package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdCompressor(t *testing.T) {
	c, err := NewZstdCompressorWithConcurrency(1)
	require.NoError(t, err)
	defer c.Close()

	large := bytes.Repeat([]byte("room description "), 100)
	block, err := c.Compress(nil, large)
	require.NoError(t, err)
	assert.Equal(t, FormatZstd, block[0])
	assert.Less(t, len(block), len(large))

	plain, err := c.Decompress(nil, block)
	require.NoError(t, err)
	assert.Equal(t, large, plain)

	small := []byte("hp=10")
	block, err = c.Compress(nil, small)
	require.NoError(t, err)
	assert.Equal(t, FormatRaw, block[0])
	plain, err = c.Decompress(nil, block)
	require.NoError(t, err)
	assert.Equal(t, small, plain)
}

func TestZstdCompressorCorrupted(t *testing.T) {
	c, err := NewZstdCompressor()
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decompress(nil, nil)
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = c.Decompress(nil, []byte{9, 1, 2})
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = c.Decompress(nil, []byte{FormatZstd, 1, 2, 3})
	assert.Error(t, err)
}

func TestZstdCompressorClosed(t *testing.T) {
	c, err := NewZstdCompressor()
	require.NoError(t, err)
	c.Close()
	_, err = c.Compress(nil, []byte("x"))
	assert.Error(t, err)
	_, err = c.Decompress(nil, []byte{FormatRaw})
	assert.Error(t, err)
}

func TestNopCompressor(t *testing.T) {
	var c NopCompressor
	block, err := c.Compress(nil, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte{FormatRaw, 'a', 'b', 'c'}, block)

	plain, err := c.Decompress(nil, block)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), plain)

	_, err = c.Decompress(nil, []byte{FormatZstd, 1})
	assert.ErrorIs(t, err, ErrCorrupted)
}
