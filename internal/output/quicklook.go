package output

import (
	"math"
	"sort"

	"github.com/fogleman/gg"

	"github.com/terensis/basetiffs/internal/scene"
)

// writeQuicklook renders a small PNG preview of the scene: true color
// when a blue band exists, false-color infrared otherwise. Each channel
// is stretched between its 2nd and 98th percentile.
func (w *Writer) writeQuicklook(sc *scene.Scene, path string) error {
	names := []string{scene.BandRed, scene.BandGreen, scene.BandBlue}
	if !sc.HasBand(scene.BandBlue) {
		names = []string{w.Profile.NIRBand, scene.BandRed, scene.BandGreen}
	}
	bands, err := bandSet(sc, names...)
	if err != nil {
		return err
	}

	width, height := bands[0].Width(), bands[0].Height()
	channels := make([][][]float64, 3)
	for i, b := range bands {
		lo, hi := percentiles(b, 2, 98)
		channels[i] = stretch(b, lo, hi)
	}

	dc := gg.NewContext(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dc.SetRGB(channels[0][y][x], channels[1][y][x], channels[2][y][x])
			dc.SetPixel(x, y)
		}
	}
	return dc.SavePNG(path)
}

// percentiles returns the lo-th and hi-th percentile of the band's
// valid pixels.
func percentiles(b *scene.Band, lo, hi float64) (float64, float64) {
	var valid []float64
	for y := range b.Values {
		for _, v := range b.Values[y] {
			if !b.IsNoData(v) {
				valid = append(valid, v)
			}
		}
	}
	if len(valid) == 0 {
		return 0, 1
	}
	sort.Float64s(valid)
	idx := func(p float64) float64 {
		i := int(p / 100 * float64(len(valid)-1))
		return valid[i]
	}
	low, high := idx(lo), idx(hi)
	if high <= low {
		high = low + 1
	}
	return low, high
}

func stretch(b *scene.Band, lo, hi float64) [][]float64 {
	out := make([][]float64, b.Height())
	for y := range b.Values {
		out[y] = make([]float64, b.Width())
		for x, v := range b.Values[y] {
			if b.IsNoData(v) || math.IsNaN(v) {
				continue
			}
			s := (v - lo) / (hi - lo)
			out[y][x] = math.Min(1, math.Max(0, s))
		}
	}
	return out
}
