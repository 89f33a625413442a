// Package aoi loads the area-of-interest geometry constraining the
// spatial catalog query.
package aoi

import (
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// AOI is the query geometry in WGS84.
type AOI struct {
	Name     string
	Geometry orb.Geometry
}

// Load reads the first feature geometry from a GeoJSON file. A missing
// file is a configuration error and must surface before any output
// folder I/O.
func Load(path string) (*AOI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("AOI file %s: %w", path, err)
	}

	var geom orb.Geometry
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err == nil && len(fc.Features) > 0 {
		geom = fc.Features[0].Geometry
	} else {
		g, gerr := geojson.UnmarshalGeometry(raw)
		if gerr != nil {
			return nil, fmt.Errorf("AOI file %s is not valid GeoJSON: %w", path, gerr)
		}
		geom = g.Geometry()
	}
	if geom == nil {
		return nil, fmt.Errorf("AOI file %s contains no geometry", path)
	}

	a := &AOI{Name: path, Geometry: geom}
	if _, _, err := a.Centroid(); err != nil {
		return nil, fmt.Errorf("AOI file %s: %w", path, err)
	}
	return a, nil
}

// Centroid returns the (lat, lon) centroid of the AOI. A non-positive
// area means the geometry is degenerate.
func (a *AOI) Centroid() (float64, float64, error) {
	centroid, area := planar.CentroidArea(a.Geometry)
	if area <= 0 {
		return 0, 0, errors.New("error getting centroid")
	}
	return centroid.Y(), centroid.X(), nil
}

// GeoJSON returns the geometry in the form the STAC search body embeds.
func (a *AOI) GeoJSON() *geojson.Geometry {
	return geojson.NewGeometry(a.Geometry)
}
