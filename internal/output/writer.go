// Package output persists the derived products of one scene into its
// dated directory and maintains the folder-level scene inventory.
package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terensis/basetiffs/internal/platform"
	"github.com/terensis/basetiffs/internal/properties"
	"github.com/terensis/basetiffs/internal/scene"
)

// CompleteMarker is the file whose presence makes a scene directory
// terminal. Writing it is always the last per-scene operation.
const CompleteMarker = "complete.txt"

const dateLayout = "2006-01-02"

// ErrAlreadyProcessed signals that a scene directory carries the
// completion marker. It is not a failure: the controller still advances
// the watermark past the scene.
var ErrAlreadyProcessed = errors.New("scene already processed")

// RasterWriter persists bands as one georeferenced raster file.
// Implemented by the raster engine.
type RasterWriter interface {
	WriteCOG(path string, bands []*scene.Band) error
}

// MakeSceneDir creates (or reuses) the per-scene output directory named
// by the sensing date. A directory bearing the completion marker
// returns ErrAlreadyProcessed; a directory without one is reused so a
// crashed run retries the scene from scratch.
func MakeSceneDir(outputDir string, t time.Time) (string, error) {
	dir := filepath.Join(outputDir, t.Format(dateLayout))
	if _, err := os.Stat(filepath.Join(dir, CompleteMarker)); err == nil {
		return dir, fmt.Errorf("%w: %s", ErrAlreadyProcessed, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scene directory %s: %v", dir, err)
	}
	return dir, nil
}

type Writer struct {
	Raster  RasterWriter
	Profile *platform.Profile
}

func NewWriter(raster RasterWriter, profile *platform.Profile) *Writer {
	return &Writer{Raster: raster, Profile: profile}
}

// WriteAll persists every product of a derived scene into dir and
// finishes with the completion marker. The RGB raster is only written
// when the scene carries a blue band (Landsat 1-4 does not).
func (w *Writer) WriteAll(sc *scene.Scene, dir string, cloudPct float64) error {
	date := sc.Props.SensingTime.Format(dateLayout)

	if sc.HasBand(scene.BandBlue) {
		rgb, err := bandSet(sc, scene.BandRed, scene.BandGreen, scene.BandBlue)
		if err != nil {
			return err
		}
		if err := w.Raster.WriteCOG(filepath.Join(dir, date+"_rgb.tif"), rgb); err != nil {
			return fmt.Errorf("writing rgb: %w", err)
		}
	}

	mask, err := bandSet(sc, scene.BandCloudMask)
	if err != nil {
		return err
	}
	if err := w.Raster.WriteCOG(filepath.Join(dir, date+"_cloud_mask.tif"), mask); err != nil {
		return fmt.Errorf("writing cloud mask: %w", err)
	}

	fcir, err := bandSet(sc, w.Profile.NIRBand, scene.BandRed, scene.BandGreen)
	if err != nil {
		return err
	}
	if err := w.Raster.WriteCOG(filepath.Join(dir, date+"_fcir.tif"), fcir); err != nil {
		return fmt.Errorf("writing fcir: %w", err)
	}

	if err := w.writeQuicklook(sc, filepath.Join(dir, date+"_quicklook.png")); err != nil {
		return fmt.Errorf("writing quicklook: %w", err)
	}

	if err := scene.ScaleNDVI(sc); err != nil {
		return err
	}
	ndvi, err := bandSet(sc, scene.BandNDVI)
	if err != nil {
		return err
	}
	if err := w.Raster.WriteCOG(filepath.Join(dir, date+"_ndvi.tif"), ndvi); err != nil {
		return fmt.Errorf("writing ndvi: %w", err)
	}

	pct := fmt.Sprintf("%.1f", cloudPct)
	if err := os.WriteFile(filepath.Join(dir, date+"_cloudy_pixel_percentage.txt"), []byte(pct), 0644); err != nil {
		return fmt.Errorf("writing cloud percentage: %v", err)
	}

	if err := w.writeMetadata(sc, filepath.Join(dir, date+"_metadata.yaml")); err != nil {
		return err
	}

	return IndicateComplete(dir)
}

// IndicateComplete writes the completion marker, after which the scene
// directory is terminal.
func IndicateComplete(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, CompleteMarker), []byte("complete"), 0644); err != nil {
		return fmt.Errorf("writing completion marker: %v", err)
	}
	return nil
}

func (w *Writer) writeMetadata(sc *scene.Scene, path string) error {
	metadata := map[string]string{
		"product_uri":       sc.Props.ProductURI,
		"sensing_time":      sc.Props.SensingTime.Format("2006-01-02 15:04:05"),
		"processing_level":  sc.Props.ProcessingLevel,
		"basetiffs_version": properties.Version,
	}
	data, err := yaml.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing metadata: %v", err)
	}
	return nil
}

func bandSet(sc *scene.Scene, names ...string) ([]*scene.Band, error) {
	bands := make([]*scene.Band, 0, len(names))
	for _, name := range names {
		b, err := sc.Band(name)
		if err != nil {
			return nil, err
		}
		bands = append(bands, b)
	}
	return bands, nil
}
