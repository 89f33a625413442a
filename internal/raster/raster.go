// Package raster is the godal-backed engine behind band reprojection
// and georeferenced file I/O. Everything geospatial that needs GDAL
// lives here; the rest of the pipeline works on plain pixel grids.
package raster

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
	"github.com/terensis/basetiffs/internal/scene"
)

type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// warningSilencer drops GDAL warnings and keeps errors, as godal
// surfaces driver chatter as CE_Warning.
func warningSilencer(ec godal.ErrorCategory, code int, msg string) error {
	if ec == godal.CE_Warning {
		return nil
	}
	return fmt.Errorf("gdal error %d: %s", code, msg)
}

func dataType(dt scene.DType) godal.DataType {
	switch dt {
	case scene.Byte:
		return godal.Byte
	case scene.UInt16:
		return godal.UInt16
	case scene.Float32:
		return godal.Float32
	default:
		return godal.Float64
	}
}

// OpenBand reads the first band of a georeferenced raster file into a
// pixel grid with its geo-reference.
func (e *Engine) OpenBand(path string) (*scene.Band, error) {
	ds, err := godal.Open(path, godal.ErrLogger(warningSilencer))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer ds.Close()

	width := ds.Structure().SizeX
	height := ds.Structure().SizeY
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("failed to get GeoTransform of %s: %w", path, err)
	}

	geo := scene.GeoInfo{Transform: gt}
	if sr := ds.SpatialRef(); sr != nil {
		wkt, err := sr.WKT()
		if err == nil {
			geo.WKT = wkt
		}
	}

	bnd := ds.Bands()[0]
	b := scene.NewBand(width, height, scene.Float32, geo)
	for y := 0; y < height; y++ {
		if err := bnd.Read(0, y, b.Values[y], width, 1); err != nil {
			return nil, fmt.Errorf("failed to read data from %s: %w", path, err)
		}
	}
	if nodata, ok := bnd.NoData(); ok {
		b.NoData = nodata
		b.HasNoData = true
	}
	return b, nil
}

// Reproject warps a band in place to the target CRS. The band must
// carry a source reference (EPSG code or WKT).
func (e *Engine) Reproject(b *scene.Band, targetEPSG int) error {
	src, err := e.toDataset([]*scene.Band{b})
	if err != nil {
		return err
	}
	defer src.Close()

	warped, err := godal.Warp("", []*godal.Dataset{src}, []string{
		"-of", "MEM",
		"-t_srs", fmt.Sprintf("EPSG:%d", targetEPSG),
		"-r", "near",
	}, godal.ErrLogger(warningSilencer))
	if err != nil {
		return fmt.Errorf("warp to EPSG:%d failed: %w", targetEPSG, err)
	}
	defer warped.Close()

	width := warped.Structure().SizeX
	height := warped.Structure().SizeY
	gt, err := warped.GeoTransform()
	if err != nil {
		return fmt.Errorf("failed to get warped GeoTransform: %w", err)
	}

	values := make([][]float64, height)
	bnd := warped.Bands()[0]
	for y := 0; y < height; y++ {
		values[y] = make([]float64, width)
		if err := bnd.Read(0, y, values[y], width, 1); err != nil {
			return fmt.Errorf("failed to read warped band: %w", err)
		}
	}

	b.Values = values
	b.Geo = scene.GeoInfo{EPSG: targetEPSG, Transform: gt}
	return nil
}

// WriteCOG persists bands as a single cloud-optimized GeoTIFF with
// tiling and overviews. All bands must share dimensions and CRS; the
// first band supplies the geo-reference and numeric encoding.
func (e *Engine) WriteCOG(path string, bands []*scene.Band) error {
	if len(bands) == 0 {
		return fmt.Errorf("no bands to write to %s", path)
	}
	src, err := e.toDataset(bands)
	if err != nil {
		return err
	}
	defer src.Close()

	cog, err := src.Translate(path, cogTranslateSwitches(bands[0]), godal.ErrLogger(warningSilencer))
	if err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return cog.Close()
}

// cogTranslateSwitches builds the gdal_translate switch list for a COG
// write. Scale/offset ride on -a_scale/-a_offset so readers see them as
// the band's scale and offset rather than free-form metadata items.
func cogTranslateSwitches(first *scene.Band) []string {
	switches := []string{
		"-of", "COG",
		"-co", "COMPRESS=DEFLATE",
	}
	if first.Scale != 1 || first.Offset != 0 {
		switches = append(switches,
			"-a_scale", fmt.Sprintf("%g", first.Scale),
			"-a_offset", fmt.Sprintf("%g", first.Offset),
		)
	}
	return switches
}

// toDataset copies bands into an in-memory GDAL dataset.
func (e *Engine) toDataset(bands []*scene.Band) (*godal.Dataset, error) {
	first := bands[0]
	width, height := first.Width(), first.Height()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty band")
	}

	ds, err := godal.Create(godal.Memory, "", len(bands), dataType(first.DType), width, height)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory dataset: %v", err)
	}
	if err := ds.SetGeoTransform(first.Geo.Transform); err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to set GeoTransform: %w", err)
	}

	sr, err := spatialRef(first.Geo)
	if err != nil {
		ds.Close()
		return nil, err
	}
	defer sr.Close()
	if err := ds.SetSpatialRef(sr); err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to set spatial reference: %w", err)
	}

	for i, b := range bands {
		bnd := ds.Bands()[i]
		if b.HasNoData {
			if err := bnd.SetNoData(b.NoData); err != nil {
				ds.Close()
				return nil, fmt.Errorf("failed to set nodata: %w", err)
			}
		}
		for y := 0; y < height; y++ {
			row := b.Values[y]
			if b.HasNoData {
				row = replaceNaN(row, b.NoData)
			}
			if err := bnd.Write(0, y, row, width, 1); err != nil {
				ds.Close()
				return nil, fmt.Errorf("failed to write band %d: %w", i, err)
			}
		}
	}
	return ds, nil
}

func spatialRef(geo scene.GeoInfo) (*godal.SpatialRef, error) {
	if geo.EPSG != 0 {
		sr, err := godal.NewSpatialRefFromEPSG(geo.EPSG)
		if err != nil {
			return nil, fmt.Errorf("invalid EPSG:%d: %w", geo.EPSG, err)
		}
		return sr, nil
	}
	if geo.WKT != "" {
		sr, err := godal.NewSpatialRefFromWKT(geo.WKT)
		if err != nil {
			return nil, fmt.Errorf("invalid spatial reference: %w", err)
		}
		return sr, nil
	}
	return nil, fmt.Errorf("band carries no spatial reference")
}

func replaceNaN(row []float64, nodata float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		if math.IsNaN(v) {
			out[i] = nodata
			continue
		}
		out[i] = v
	}
	return out
}
