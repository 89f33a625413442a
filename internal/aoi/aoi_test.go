package aoi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const featureCollection = `{
	"type": "FeatureCollection",
	"features": [{
		"type": "Feature",
		"properties": {"name": "test area"},
		"geometry": {
			"type": "Polygon",
			"coordinates": [[[7, 47], [8, 47], [8, 48], [7, 48], [7, 47]]]
		}
	}]
}`

const bareGeometry = `{
	"type": "Polygon",
	"coordinates": [[[7, 47], [8, 47], [8, 48], [7, 48], [7, 47]]]
}`

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aoi.geojson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFeatureCollection(t *testing.T) {
	a, err := Load(writeFixture(t, featureCollection))
	require.NoError(t, err)

	lat, lon, err := a.Centroid()
	require.NoError(t, err)
	assert.InDelta(t, 47.5, lat, 1e-9)
	assert.InDelta(t, 7.5, lon, 1e-9)
}

func TestLoadBareGeometry(t *testing.T) {
	a, err := Load(writeFixture(t, bareGeometry))
	require.NoError(t, err)
	assert.NotNil(t, a.GeoJSON())
}

func TestLoadMissingFileIsConfigurationError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.geojson"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsInvalidGeoJSON(t *testing.T) {
	_, err := Load(writeFixture(t, `{"not": "geojson"}`))
	assert.Error(t, err)
}

func TestLoadRejectsDegenerateGeometry(t *testing.T) {
	_, err := Load(writeFixture(t, `{
		"type": "Polygon",
		"coordinates": [[[7, 47], [7, 47], [7, 47], [7, 47]]]
	}`))
	assert.Error(t, err)
}
