package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarmonizeUpsamplesCoarserBand(t *testing.T) {
	sc := New(Properties{})
	sc.AddBand(BandRed, bandFromGrid([][]float64{{0.1, 0.2, 0.3, 0.4}}))
	scl := &Band{
		Values: [][]float64{{4, 9}},
		Geo:    GeoInfo{EPSG: 32632, Transform: [6]float64{500000, 20, 0, 5200000, 0, -20}},
		DType:  Byte,
	}
	sc.AddBand(BandSCL, scl)

	require.NoError(t, Harmonize(sc))

	assert.Equal(t, [][]float64{{4, 4, 9, 9}}, scl.Values,
		"nearest neighbor keeps classification codes intact")
	assert.Equal(t, 10.0, scl.Geo.Transform[1], "pixel width halved")
	assert.Equal(t, 500000.0, scl.Geo.Transform[0], "origin unchanged")
}

func TestHarmonizeScalesBothAxes(t *testing.T) {
	sc := New(Properties{})
	sc.AddBand(BandRed, bandFromGrid([][]float64{
		{0.1, 0.2, 0.3, 0.4},
		{0.1, 0.2, 0.3, 0.4},
		{0.5, 0.6, 0.7, 0.8},
		{0.5, 0.6, 0.7, 0.8},
	}))
	scl := &Band{
		Values: [][]float64{{4, 9}, {3, 4}},
		Geo:    GeoInfo{EPSG: 32632, Transform: [6]float64{0, 20, 0, 0, 0, -20}},
	}
	sc.AddBand(BandSCL, scl)

	require.NoError(t, Harmonize(sc))

	assert.Equal(t, [][]float64{
		{4, 4, 9, 9},
		{4, 4, 9, 9},
		{3, 3, 4, 4},
		{3, 3, 4, 4},
	}, scl.Values)
	assert.Equal(t, 10.0, scl.Geo.Transform[1])
	assert.Equal(t, -10.0, scl.Geo.Transform[5])
}

func TestHarmonizeNoopOnUniformGrids(t *testing.T) {
	sc := New(Properties{})
	red := bandFromGrid([][]float64{{0.1, 0.2}})
	nir := bandFromGrid([][]float64{{0.8, 0.7}})
	sc.AddBand(BandRed, red)
	sc.AddBand(BandNIRS2, nir)

	require.NoError(t, Harmonize(sc))

	assert.Equal(t, [][]float64{{0.1, 0.2}}, red.Values)
	assert.Equal(t, testGeo, red.Geo, "geo-transform untouched when nothing resamples")
}

func TestHarmonizeRejectsEmptyBand(t *testing.T) {
	sc := New(Properties{ProductURI: "S2A_TEST"})
	sc.AddBand(BandRed, &Band{})

	err := Harmonize(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}
