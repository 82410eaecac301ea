package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesLUAndDataPages(t *testing.T) {
	g, err := New(256, 4096, 64, 32, 16, 12)
	require.NoError(t, err)

	pagesPerBlock := uint32(4096 / 256)
	assert.Equal(t, pagesPerBlock-g.LUPages, g.DataPages)
	assert.Greater(t, g.LUPages, uint32(0))
	assert.Equal(t, uint32(47), g.ObjHdrIxLen)
	assert.Equal(t, uint32(61), g.ObjIxLen)
}

func TestNewRejectsNonPowerOfTwoPageSize(t *testing.T) {
	_, err := New(300, 4096, 64, 32, 16, 12)
	assert.Error(t, err)
}

func TestNewRejectsBlockSizeNotMultipleOfPageSize(t *testing.T) {
	_, err := New(256, 4100, 64, 32, 16, 12)
	assert.Error(t, err)
}

func TestNewRejectsTooFewBlocks(t *testing.T) {
	_, err := New(256, 4096, 2, 32, 16, 12)
	assert.Error(t, err)
}

func TestNewRejectsPageTooSmallForHeaderFields(t *testing.T) {
	_, err := New(64, 4096, 8, 32, 16, 12)
	assert.Error(t, err)
}

func TestDataSpanLocationWithinHeader(t *testing.T) {
	g, err := New(256, 4096, 64, 32, 16, 12)
	require.NoError(t, err)

	inHeader, indexSpan, offset := g.DataSpanLocation(0)
	assert.True(t, inHeader)
	assert.Zero(t, indexSpan)
	assert.Zero(t, offset)

	inHeader, _, offset = g.DataSpanLocation(g.ObjHdrIxLen - 1)
	assert.True(t, inHeader)
	assert.Equal(t, g.ObjHdrIxLen-1, offset)
}

func TestDataSpanLocationInChainedPage(t *testing.T) {
	g, err := New(256, 4096, 64, 32, 16, 12)
	require.NoError(t, err)

	inHeader, indexSpan, offset := g.DataSpanLocation(g.ObjHdrIxLen)
	assert.False(t, inHeader)
	assert.EqualValues(t, 1, indexSpan)
	assert.Zero(t, offset)

	inHeader, indexSpan, offset = g.DataSpanLocation(g.ObjHdrIxLen + g.ObjIxLen)
	assert.False(t, inHeader)
	assert.EqualValues(t, 2, indexSpan)
	assert.Zero(t, offset)
}

func TestDataPageSizeAndTotalDataPages(t *testing.T) {
	g, err := New(256, 4096, 10, 32, 16, 12)
	require.NoError(t, err)

	assert.Equal(t, g.PageSize-g.PageHeaderSize, g.DataPageSize())
	assert.Equal(t, g.DataPages*(g.BlockCount-2), g.TotalDataPages())
}

func TestTotalDataPagesZeroBelowTwoBlocks(t *testing.T) {
	g := Geometry{DataPages: 10, BlockCount: 1}
	assert.Zero(t, g.TotalDataPages())
}
