package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	d, err := New("/data", "", []Dataset{
		{Name: "scene", Bands: []string{"red", "green", "blue"}},
		{Name: "dem", PathTemplate: "elevation/{name}-{band}.tif"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"scene", "dem"}, d.Names())

	p, err := d.Path("scene", "red")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "scene_red.tif"), p)

	p, err = d.Path("dem", "b1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "elevation", "dem-b1.tif"), p)

	_, err = d.Path("scene", "nir")
	assert.ErrorIs(t, err, ErrUnknownBand)
	_, err = d.Path("other", "red")
	assert.ErrorIs(t, err, ErrUnknownDataset)
	for _, bad := range []string{"../etc", "a/b", "", ".hidden", "x..y"} {
		_, err = d.Path("dem", bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestOpenCatalog(t *testing.T) {
	d, err := New("/srv/tiles", "{name}/{band}.tif", nil)
	require.NoError(t, err)
	p, err := d.Path("anything", "b4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/tiles", "anything", "b4.tif"), p)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New("/data", "{name}.tif", nil)
	assert.Error(t, err)
	_, err = New("/data", "", []Dataset{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
	_, err = New("/data", "", []Dataset{{Name: "a", DefaultRGB: []string{"r", "g"}}})
	assert.Error(t, err)
	_, err = New("/data", "", []Dataset{{Name: "../a"}})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestBandsDiscovered(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"scene_red.tif", "scene_green.tif", "scene_blue.tif", "other_red.tif", "scene_notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), nil, 0o644))
	}
	d, err := New(root, "", nil)
	require.NoError(t, err)

	bands, err := d.Bands("scene")
	require.NoError(t, err)
	assert.Equal(t, []string{"blue", "green", "red"}, bands)

	d, err = New(root, "", []Dataset{{Name: "scene", Bands: []string{"red"}}})
	require.NoError(t, err)
	bands, err = d.Bands("scene")
	require.NoError(t, err)
	assert.Equal(t, []string{"red"}, bands)
}
