package scene

import (
	"fmt"
	"math"
	"time"
)

// DType is the pixel data type a band is persisted with. Band values are
// held as float64 in memory regardless of DType; the raster engine casts
// on write.
type DType string

const (
	Byte    DType = "uint8"
	UInt16  DType = "uint16"
	Float32 DType = "float32"
)

// GeoInfo is the geospatial reference of a single band: the CRS (as an
// EPSG code, or WKT when the source file carries no authority code)
// plus a GDAL-style affine transform (origin, pixel size, rotation
// terms).
type GeoInfo struct {
	EPSG      int
	WKT       string
	Transform [6]float64
}

// HasRef reports whether the band carries any source CRS at all.
func (g GeoInfo) HasRef() bool {
	return g.EPSG != 0 || g.WKT != ""
}

// Band is a single 2-D pixel grid with its geo-reference and numeric
// encoding. The encoding contract is
//
//	physical = stored*Scale + Offset
//
// except where stored == NoData (undefined). Invalid pixels are carried
// as NaN in Values until a storage encoding maps them to NoData.
type Band struct {
	Values    [][]float64
	Geo       GeoInfo
	DType     DType
	Scale     float64
	Offset    float64
	NoData    float64
	HasNoData bool
}

// NewBand allocates a zeroed band of the given dimensions.
func NewBand(width, height int, dtype DType, geo GeoInfo) *Band {
	values := make([][]float64, height)
	for y := range values {
		values[y] = make([]float64, width)
	}
	return &Band{Values: values, Geo: geo, DType: dtype, Scale: 1, Offset: 0}
}

func (b *Band) Width() int {
	if len(b.Values) == 0 {
		return 0
	}
	return len(b.Values[0])
}

func (b *Band) Height() int {
	return len(b.Values)
}

// Properties are the scene-level attributes persisted into the metadata
// file next to the rasters.
type Properties struct {
	ProductURI      string
	SensingTime     time.Time
	ProcessingLevel string
	Platform        string
}

// Scene is one satellite acquisition: named bands plus scene properties.
// It is owned by a single processing iteration and mutated in place as
// derived bands are added.
type Scene struct {
	Bands map[string]*Band
	Props Properties
}

func New(props Properties) *Scene {
	return &Scene{Bands: make(map[string]*Band), Props: props}
}

// Band returns the named band or an error naming what is missing.
func (s *Scene) Band(name string) (*Band, error) {
	b, ok := s.Bands[name]
	if !ok {
		return nil, fmt.Errorf("scene %s has no band %q", s.Props.ProductURI, name)
	}
	return b, nil
}

// HasBand reports whether the scene carries the named band.
func (s *Scene) HasBand(name string) bool {
	_, ok := s.Bands[name]
	return ok
}

// AddBand attaches a band under the given name, replacing any previous
// band of that name.
func (s *Scene) AddBand(name string, b *Band) {
	s.Bands[name] = b
}

// FirstGeo returns the geo-reference of an arbitrary existing band.
// Derived bands that cover the full scene extent (e.g. the cloud mask)
// inherit it.
func (s *Scene) FirstGeo() (GeoInfo, error) {
	for _, b := range s.Bands {
		return b.Geo, nil
	}
	return GeoInfo{}, fmt.Errorf("scene %s has no bands", s.Props.ProductURI)
}

// IsNoData reports whether a stored value is the band's nodata sentinel.
func (b *Band) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return b.HasNoData && v == b.NoData
}
