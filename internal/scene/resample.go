package scene

import "fmt"

// Harmonize resamples every band onto the grid of the scene's
// finest-resolution band, so cross-band pixel arithmetic lines up.
// Sentinel-2 delivers the classification layer at 20 m while the
// reflectance bands come at 10 m; Landsat bands share one grid and pass
// through untouched. Nearest neighbor keeps classification and quality
// codes intact.
func Harmonize(s *Scene) error {
	var ref *Band
	for name, b := range s.Bands {
		if b.Width() == 0 || b.Height() == 0 {
			return fmt.Errorf("scene %s: band %q is empty", s.Props.ProductURI, name)
		}
		if ref == nil || b.Width()*b.Height() > ref.Width()*ref.Height() {
			ref = b
		}
	}
	if ref == nil {
		return fmt.Errorf("scene %s has no bands", s.Props.ProductURI)
	}
	for _, b := range s.Bands {
		resampleNearest(b, ref.Width(), ref.Height())
	}
	return nil
}

// resampleNearest rescales the band grid in place to width x height and
// adjusts the pixel-size terms of the geo-transform to keep the ground
// footprint unchanged.
func resampleNearest(b *Band, width, height int) {
	srcW, srcH := b.Width(), b.Height()
	if srcW == width && srcH == height {
		return
	}
	out := make([][]float64, height)
	for y := 0; y < height; y++ {
		src := b.Values[y*srcH/height]
		row := make([]float64, width)
		for x := 0; x < width; x++ {
			row[x] = src[x*srcW/width]
		}
		out[y] = row
	}
	fx := float64(srcW) / float64(width)
	fy := float64(srcH) / float64(height)
	b.Values = out
	b.Geo.Transform[1] *= fx
	b.Geo.Transform[4] *= fx
	b.Geo.Transform[2] *= fy
	b.Geo.Transform[5] *= fy
}
