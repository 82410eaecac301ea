package mount

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/memhal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
)

func testGeo(t *testing.T, blockCount uint32) geometry.Geometry {
	t.Helper()
	geo, err := geometry.New(256, 4096, blockCount, 32, 16, page.HeaderSize)
	require.NoError(t, err)
	return geo
}

func TestFormatErasesAndStampsEveryBlock(t *testing.T) {
	ctx := context.Background()
	geo := testGeo(t, 8)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)

	require.NoError(t, Format(ctx, dev, geo, Options{UseMagic: true}))
	assert.Equal(t, int(geo.BlockCount), dev.Erases)
}

func TestMountOnFreshlyFormattedVolumeSucceeds(t *testing.T) {
	ctx := context.Background()
	geo := testGeo(t, 8)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)
	require.NoError(t, Format(ctx, dev, geo, Options{UseMagic: true}))

	vol, err := Mount(ctx, dev, geo, Options{UseMagic: true})
	require.NoError(t, err)
	assert.Equal(t, geo.BlockCount, vol.OLU.FreeBlocks)
	assert.NotNil(t, vol.Idx)
	assert.NotNil(t, vol.GC)
}

func TestMountWithMagicMismatchIsRejected(t *testing.T) {
	ctx := context.Background()
	geo := testGeo(t, 8)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)
	require.NoError(t, Format(ctx, dev, geo, Options{UseMagic: true}))

	// Corrupt more than one block's magic: Mount tolerates at most one
	// unerased block left by a prior power loss.
	geo2 := testGeo(t, 8)
	require.NoError(t, Format(ctx, dev, geo2, Options{UseMagic: false}))

	_, err := Mount(ctx, dev, geo, Options{UseMagic: true})
	assert.Error(t, err)
}

func TestProbeRecoversBlockCount(t *testing.T) {
	ctx := context.Background()
	geo := testGeo(t, 16)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)
	require.NoError(t, Format(ctx, dev, geo, Options{UseMagic: true}))

	total, err := Probe(ctx, dev, geo.PageSize, geo.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, geo.BlockSize*geo.BlockCount, total)
}

func TestCheckOnCleanlyWrittenVolumeFindsNothing(t *testing.T) {
	ctx := context.Background()
	geo := testGeo(t, 8)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)
	require.NoError(t, Format(ctx, dev, geo, Options{UseMagic: true}))
	vol, err := Mount(ctx, dev, geo, Options{UseMagic: true})
	require.NoError(t, err)

	pix, err := vol.Idx.Create(ctx, common.ObjID(1), "a.bin", nil, common.ObjTypeFile)
	require.NoError(t, err)
	st, err := vol.Idx.Load(ctx, common.ObjID(1), pix)
	require.NoError(t, err)
	_, err = vol.Idx.Append(ctx, st, 0, []byte("payload"))
	require.NoError(t, err)

	var findings []CheckKind
	err = Check(ctx, vol, func(kind CheckKind, id common.ObjID, cerr error) {
		findings = append(findings, kind)
	})
	assert.NoError(t, err)
	assert.Empty(t, findings)
}

func TestCheckRepairsOrphanDataPage(t *testing.T) {
	ctx := context.Background()
	geo := testGeo(t, 8)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)
	require.NoError(t, Format(ctx, dev, geo, Options{UseMagic: true}))
	vol, err := Mount(ctx, dev, geo, Options{UseMagic: true})
	require.NoError(t, err)

	pix, err := vol.Idx.Create(ctx, common.ObjID(1), "orphan.bin", nil, common.ObjTypeFile)
	require.NoError(t, err)
	st, err := vol.Idx.Load(ctx, common.ObjID(1), pix)
	require.NoError(t, err)
	_, err = vol.Idx.Append(ctx, st, 0, []byte("payload"))
	require.NoError(t, err)

	// Delete the header directly through Prim, bypassing Idx, so the data
	// page it owned becomes an orphan with no reachable header.
	require.NoError(t, vol.Prim.Delete(ctx, st.HeaderPix))

	var kinds []CheckKind
	var repaired bool
	err = Check(ctx, vol, func(kind CheckKind, id common.ObjID, cerr error) {
		kinds = append(kinds, kind)
		if cerr == common.ErrIndexRefInvalid {
			repaired = true
		}
	})
	assert.NoError(t, err, "an orphan page is repairable in place, so Check should report no unresolved error")
	assert.Contains(t, kinds, CheckPage)
	assert.True(t, repaired)
}

func TestCheckKindString(t *testing.T) {
	assert.Equal(t, "lookup", CheckLookup.String())
	assert.Equal(t, "index", CheckIndex.String())
	assert.Equal(t, "page", CheckPage.String())
}
