// Package platform holds the static per-sensor profiles: which catalog
// collection to query, which metadata filters and bands apply, and the
// platform-specific cloud handling strategies.
package platform

import (
	"fmt"
	"math"
	"time"

	"github.com/terensis/basetiffs/internal/scene"
)

const (
	Sentinel2   = "sentinel-2"
	LandsatC2L1 = "landsat-c2-l1"
	LandsatC2L2 = "landsat-c2-l2"
)

// Filter is one metadata predicate applied server-side when querying
// the catalog. All filters of a profile must hold (logical AND).
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// BandSpec maps the canonical band name used throughout the pipeline
// to the asset key the catalog publishes it under.
type BandSpec struct {
	Name     string
	AssetKey string
}

// Profile describes one sensor/product family. Profiles are selected
// once at configuration time; everything downstream dispatches through
// the strategy fields instead of type switches.
type Profile struct {
	Name             string
	Collection       string
	Filters          []Filter
	Bands            []BandSpec
	NIRBand          string
	DefaultStartDate time.Time
	// Transform is applied to every scene right after fetch, before
	// derivation (resampling and cloud/shadow/snow masking).
	Transform    func(*scene.Scene) error
	CloudMask    scene.CloudMaskFunc
	CloudPercent scene.CloudPercentFunc
}

// HasBlue reports whether the profile fetches a blue band. Landsat 1-4
// (collection 2 level 1) has none, which makes the RGB product
// conditional.
func (p *Profile) HasBlue() bool {
	for _, b := range p.Bands {
		if b.Name == scene.BandBlue {
			return true
		}
	}
	return false
}

// Validate checks the profile invariants.
func (p *Profile) Validate() error {
	if p.Collection == "" {
		return fmt.Errorf("platform %s: empty collection id", p.Name)
	}
	if len(p.Bands) == 0 {
		return fmt.Errorf("platform %s: empty band selection", p.Name)
	}
	return nil
}

// ByName returns the profile for a platform selector, or an error for
// unsupported selectors. This runs before any I/O against the output
// folder.
func ByName(name string) (*Profile, error) {
	switch name {
	case Sentinel2:
		return sentinel2Profile(), nil
	case LandsatC2L1:
		return landsatProfile(LandsatC2L1, false), nil
	case LandsatC2L2:
		return landsatProfile(LandsatC2L2, true), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q (expected one of %s, %s, %s)",
			name, Sentinel2, LandsatC2L1, LandsatC2L2)
	}
}

func sentinel2Profile() *Profile {
	return &Profile{
		Name:       Sentinel2,
		Collection: "sentinel2-msi",
		Filters: []Filter{
			{Field: "cloudy_pixel_percentage", Op: "<", Value: 80},
			{Field: "processing_level", Op: "==", Value: "Level-2A"},
		},
		Bands: []BandSpec{
			{Name: scene.BandBlue, AssetKey: "B02"},
			{Name: scene.BandGreen, AssetKey: "B03"},
			{Name: scene.BandRed, AssetKey: "B04"},
			{Name: scene.BandNIRS2, AssetKey: "B08"},
			{Name: scene.BandSCL, AssetKey: "SCL"},
		},
		NIRBand:          scene.BandNIRS2,
		DefaultStartDate: time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC),
		Transform:        transformSentinel2,
		CloudMask:        scene.CloudMaskS2,
		CloudPercent:     scene.CloudPercentS2,
	}
}

func landsatProfile(name string, hasBlue bool) *Profile {
	bands := []BandSpec{}
	if hasBlue {
		bands = append(bands, BandSpec{Name: scene.BandBlue, AssetKey: "blue"})
	}
	bands = append(bands,
		BandSpec{Name: scene.BandGreen, AssetKey: "green"},
		BandSpec{Name: scene.BandRed, AssetKey: "red"},
		BandSpec{Name: scene.BandNIRLs, AssetKey: "nir08"},
		BandSpec{Name: scene.BandQAPixel, AssetKey: "qa_pixel"},
	)
	return &Profile{
		Name:       name,
		Collection: name,
		Filters: []Filter{
			{Field: "eo:cloud_cover", Op: "<", Value: 80},
		},
		Bands:            bands,
		NIRBand:          scene.BandNIRLs,
		DefaultStartDate: time.Date(1972, 9, 1, 0, 0, 0, 0, time.UTC),
		Transform:        transformLandsat,
		CloudMask:        scene.CloudMaskLandsat,
		CloudPercent:     scene.CloudPercentLandsat,
	}
}

// SCL classes masked out of the reflectance bands before derivation:
// cloud shadow, both cloud probabilities, cirrus and snow.
var s2MaskedClasses = []float64{3, 8, 9, 10, 11}

func transformSentinel2(s *scene.Scene) error {
	// The SCL comes at 20 m while the reflectance bands come at 10 m;
	// bring everything onto one grid before any cross-band indexing.
	if err := scene.Harmonize(s); err != nil {
		return err
	}
	scl, err := s.Band(scene.BandSCL)
	if err != nil {
		return err
	}
	return maskReflectance(s, scl, func(y, x int) bool {
		class := scl.Values[y][x]
		for _, c := range s2MaskedClasses {
			if class == c {
				return true
			}
		}
		return false
	})
}

func transformLandsat(s *scene.Scene) error {
	if err := scene.Harmonize(s); err != nil {
		return err
	}
	qa, err := s.Band(scene.BandQAPixel)
	if err != nil {
		return err
	}
	// qa_pixel bit 3 = cloud, bit 4 = cloud shadow.
	return maskReflectance(s, qa, func(y, x int) bool {
		v := int(qa.Values[y][x])
		return v>>3&1 == 1 || v>>4&1 == 1
	})
}

// maskReflectance sets occluded pixels to NaN in every reflectance
// band, leaving the classification/quality bands untouched. The
// occlusion closure indexes the ref grid, so every masked band must
// share its shape.
func maskReflectance(s *scene.Scene, ref *scene.Band, occluded func(y, x int) bool) error {
	for name, b := range s.Bands {
		if name == scene.BandSCL || name == scene.BandQAPixel {
			continue
		}
		if b.Width() != ref.Width() || b.Height() != ref.Height() {
			return fmt.Errorf("band %q (%dx%d) does not match the classification grid (%dx%d)",
				name, b.Width(), b.Height(), ref.Width(), ref.Height())
		}
		for y := range b.Values {
			for x := range b.Values[y] {
				if occluded(y, x) {
					b.Values[y][x] = math.NaN()
				}
			}
		}
	}
	return nil
}
