package scene

import (
	"fmt"
	"math"
)

// Canonical band names. Raw bands are stored under their platform alias;
// derived bands use the fixed names below.
const (
	BandBlue      = "blue"
	BandGreen     = "green"
	BandRed       = "red"
	BandNIRS2     = "nir_1"
	BandNIRLs     = "nir08"
	BandSCL       = "scl"
	BandQAPixel   = "qa_pixel"
	BandNDVI      = "ndvi"
	BandCloudMask = "cloud_mask"
)

// Sentinel-2 Scene Classification Layer classes treated as cloud:
// 3 = cloud shadow, 8 = cloud medium probability, 9 = cloud high
// probability. Cirrus (class 10) is left out: it can be corrected by
// the Sen2Cor processor downstream. SCL class 0 marks pixels outside
// the acquisition footprint.
var CloudClassesS2 = []float64{3, 8, 9}

const sclNoData = 0

// qaPixelCloudBit is the cloud flag bit in the Landsat qa_pixel band,
// valid across Landsat 1-9.
const qaPixelCloudBit = 3

// CloudPctNotComputed is written for platforms whose cloud percentage
// aggregation is not implemented (currently Landsat).
const CloudPctNotComputed = -9999.0

// NDVI stored-value encoding: stored = round(physical*10000 + 10000),
// mapping [-1, 1] to [0, 20000]. 21000 is reserved for nodata.
const (
	NDVIScale  = 0.0001
	NDVIOffset = -1.0
	NDVINoData = 21000
)

// ReprojectionError marks a failed band reprojection. The controller
// skips the affected scene and keeps running.
type ReprojectionError struct {
	Band string
	Err  error
}

func (e *ReprojectionError) Error() string {
	return fmt.Sprintf("reprojecting band %q: %v", e.Band, e.Err)
}

func (e *ReprojectionError) Unwrap() error { return e.Err }

// Warper reprojects a single band in place to the target CRS. It is
// implemented by the raster engine.
type Warper interface {
	Reproject(b *Band, targetEPSG int) error
}

// CloudMaskFunc derives the binary cloud mask for one platform.
type CloudMaskFunc func(s *Scene) (*Band, error)

// CloudPercentFunc computes the cloudy-pixel percentage for one
// platform, or CloudPctNotComputed when unimplemented.
type CloudPercentFunc func(s *Scene) float64

// Deriver turns a fetched, platform-transformed scene into the set of
// derived bands the writer persists: all raw bands reprojected, a
// physical-scale NDVI band and a binary cloud mask.
type Deriver struct {
	Warper     Warper
	TargetEPSG int
	NIRBand    string
	CloudMask  CloudMaskFunc
}

// Run executes the derivation steps in order. Any error leaves the
// scene in an undefined state; callers must discard it.
func (d *Deriver) Run(s *Scene) error {
	for name, b := range s.Bands {
		if !b.Geo.HasRef() {
			return &ReprojectionError{Band: name, Err: fmt.Errorf("band carries no source CRS")}
		}
		if err := d.Warper.Reproject(b, d.TargetEPSG); err != nil {
			return &ReprojectionError{Band: name, Err: err}
		}
	}

	nir, err := s.Band(d.NIRBand)
	if err != nil {
		return err
	}
	red, err := s.Band(BandRed)
	if err != nil {
		return err
	}
	ndvi, err := NDVI(nir, red)
	if err != nil {
		return err
	}
	s.AddBand(BandNDVI, ndvi)

	mask, err := d.CloudMask(s)
	if err != nil {
		return fmt.Errorf("deriving cloud mask: %w", err)
	}
	s.AddBand(BandCloudMask, mask)
	return nil
}

// NDVI computes (nir-red)/(nir+red) per pixel as a physical-scale
// float band. Zero-denominator pixels and pixels where either input is
// nodata become NaN.
func NDVI(nir, red *Band) (*Band, error) {
	if nir.Width() != red.Width() || nir.Height() != red.Height() {
		return nil, fmt.Errorf("nir (%dx%d) and red (%dx%d) band shapes differ",
			nir.Width(), nir.Height(), red.Width(), red.Height())
	}
	out := NewBand(nir.Width(), nir.Height(), Float32, nir.Geo)
	for y := range nir.Values {
		for x := range nir.Values[y] {
			n, r := nir.Values[y][x], red.Values[y][x]
			if nir.IsNoData(n) || red.IsNoData(r) || n+r == 0 {
				out.Values[y][x] = math.NaN()
				continue
			}
			out.Values[y][x] = (n - r) / (n + r)
		}
	}
	return out, nil
}

// ScaleNDVI replaces the physical NDVI band with its uint16 storage
// encoding. NaN pixels become the 21000 nodata sentinel; valid physical
// values land in [0, 20000] by construction.
func ScaleNDVI(s *Scene) error {
	ndvi, err := s.Band(BandNDVI)
	if err != nil {
		return err
	}
	scaled := NewBand(ndvi.Width(), ndvi.Height(), UInt16, ndvi.Geo)
	scaled.Scale = NDVIScale
	scaled.Offset = NDVIOffset
	scaled.NoData = NDVINoData
	scaled.HasNoData = true
	for y := range ndvi.Values {
		for x, v := range ndvi.Values[y] {
			if math.IsNaN(v) {
				scaled.Values[y][x] = NDVINoData
				continue
			}
			scaled.Values[y][x] = math.Round(v*10000 + 10000)
		}
	}
	s.AddBand(BandNDVI, scaled)
	return nil
}

// CloudMaskS2 builds the Sentinel-2 cloud mask from the Scene
// Classification Layer. The cloud predicate is intersected with the
// footprint validity mask (SCL != 0) so nodata-area pixels never
// register as cloud.
func CloudMaskS2(s *Scene) (*Band, error) {
	scl, err := s.Band(BandSCL)
	if err != nil {
		return nil, err
	}
	geo, err := s.FirstGeo()
	if err != nil {
		return nil, err
	}
	mask := NewBand(scl.Width(), scl.Height(), Byte, geo)
	for y := range scl.Values {
		for x, class := range scl.Values[y] {
			if class == sclNoData {
				continue
			}
			for _, c := range CloudClassesS2 {
				if class == c {
					mask.Values[y][x] = 1
					break
				}
			}
		}
	}
	return mask, nil
}

// CloudMaskLandsat builds the Landsat cloud mask from the qa_pixel
// quality band: a pixel is cloud when the cloud bit is set.
func CloudMaskLandsat(s *Scene) (*Band, error) {
	qa, err := s.Band(BandQAPixel)
	if err != nil {
		return nil, err
	}
	geo, err := s.FirstGeo()
	if err != nil {
		return nil, err
	}
	mask := NewBand(qa.Width(), qa.Height(), Byte, geo)
	for y := range qa.Values {
		for x, v := range qa.Values[y] {
			if qa.IsNoData(v) {
				continue
			}
			if int(v)>>qaPixelCloudBit&1 == 1 {
				mask.Values[y][x] = 1
			}
		}
	}
	return mask, nil
}

// CloudPercentS2 is the fraction of valid pixels classified as cloud,
// in percent. Validity comes from the SCL footprint (class 0 = outside
// the acquisition).
func CloudPercentS2(s *Scene) float64 {
	scl, err := s.Band(BandSCL)
	if err != nil {
		return CloudPctNotComputed
	}
	valid, cloudy := 0, 0
	for y := range scl.Values {
		for _, class := range scl.Values[y] {
			if class == sclNoData {
				continue
			}
			valid++
			for _, c := range CloudClassesS2 {
				if class == c {
					cloudy++
					break
				}
			}
		}
	}
	if valid == 0 {
		return 0
	}
	return 100 * float64(cloudy) / float64(valid)
}

// CloudPercentLandsat is not implemented; the sentinel value marks the
// percentage file as "not computed" rather than silently writing zero.
// TODO: aggregate the qa_pixel cloud bit once the Landsat validity
// convention (fill bit 0) is wired through the fetcher.
func CloudPercentLandsat(*Scene) float64 {
	return CloudPctNotComputed
}
