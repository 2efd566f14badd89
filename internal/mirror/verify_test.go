package mirror

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlebay/blkmirror/internal/blockdev"
)

func TestVerifyMatch(t *testing.T) {
	t.Parallel()

	const size = 256 * 1024
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	src := blockdev.NewMem(size)
	dst := blockdev.NewMem(size)
	_, err = src.WriteAt(data, 0)
	require.NoError(t, err)
	_, err = dst.WriteAt(data, 0)
	require.NoError(t, err)

	for _, quick := range []bool{false, true} {
		result, err := Verify(context.Background(), src, dst, 64*1024, quick)
		require.NoError(t, err)
		assert.True(t, result.Matched())
		assert.Equal(t, int64(4), result.ChunksChecked)
		assert.Equal(t, int64(size), result.BytesCompared)
		assert.Equal(t, int64(-1), result.FirstMismatch)
	}
}

func TestVerifyMismatch(t *testing.T) {
	t.Parallel()

	const size = 256 * 1024
	src := blockdev.NewMem(size)
	dst := blockdev.NewMem(size)

	_, err := src.WriteAt(bytes.Repeat([]byte{0xaa}, 1024), 130*1024)
	require.NoError(t, err)

	result, err := Verify(context.Background(), src, dst, 64*1024, false)
	require.NoError(t, err)
	assert.False(t, result.Matched())
	assert.Equal(t, int64(1), result.Mismatched)
	assert.Equal(t, int64(128*1024), result.FirstMismatch)
	assert.Contains(t, result.String(), "mismatched")
}

func TestVerifyUnalignedTail(t *testing.T) {
	t.Parallel()

	// Length not a multiple of the chunk size: the final partial chunk is
	// still compared.
	const size = 64*1024 + 512
	src := blockdev.NewMem(size)
	dst := blockdev.NewMem(size)
	_, err := src.WriteAt([]byte{1}, size-1)
	require.NoError(t, err)

	result, err := Verify(context.Background(), src, dst, 64*1024, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.ChunksChecked)
	assert.Equal(t, int64(size), result.BytesCompared)
	assert.Equal(t, int64(1), result.Mismatched)
	assert.Equal(t, int64(64*1024), result.FirstMismatch)
}

func TestVerifyTargetTooSmall(t *testing.T) {
	t.Parallel()

	src := blockdev.NewMem(128 * 1024)
	dst := blockdev.NewMem(64 * 1024)
	_, err := Verify(context.Background(), src, dst, 64*1024, false)
	assert.Error(t, err)
}

func TestVerifyCancelled(t *testing.T) {
	t.Parallel()

	src := blockdev.NewMem(1 << 20)
	dst := blockdev.NewMem(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Verify(ctx, src, dst, 64*1024, false)
	assert.ErrorIs(t, err, context.Canceled)
}
