package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terensis/basetiffs/internal/aoi"
	"github.com/terensis/basetiffs/internal/catalog"
	"github.com/terensis/basetiffs/internal/output"
	"github.com/terensis/basetiffs/internal/platform"
	"github.com/terensis/basetiffs/internal/scene"
	"github.com/terensis/basetiffs/internal/watermark"

	"github.com/paulmach/orb"
)

var testGeo = scene.GeoInfo{EPSG: 32632, Transform: [6]float64{500000, 10, 0, 5200000, 0, -10}}

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func newBand(values ...float64) *scene.Band {
	return &scene.Band{Values: [][]float64{values}, Geo: testGeo, DType: scene.Float32, Scale: 1}
}

func testAOI() *aoi.AOI {
	ring := orb.Ring{{7, 47}, {8, 47}, {8, 48}, {7, 48}, {7, 47}}
	return &aoi.AOI{Name: "test", Geometry: orb.Polygon{ring}}
}

// fakeCatalog serves a fixed set of scene dates, restricted to the
// queried window like the real catalog.
type fakeCatalog struct {
	sceneDates []time.Time
	queryCalls int
	fetchCalls int
	queryErr   error
	fetchErr   error
}

func (f *fakeCatalog) Query(_ context.Context, p *platform.Profile, start, end time.Time, _ *aoi.AOI) ([]catalog.ItemMeta, error) {
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var items []catalog.ItemMeta
	for _, d := range f.sceneDates {
		if d.Before(start) || d.After(end) {
			continue
		}
		items = append(items, catalog.ItemMeta{
			ID:              "scene_" + d.Format("2006-01-02"),
			Collection:      p.Collection,
			SensingTime:     d,
			ProcessingLevel: "Level-2A",
		})
	}
	return items, nil
}

func (f *fakeCatalog) Fetch(_ context.Context, p *platform.Profile, items []catalog.ItemMeta) ([]catalog.TimestampedScene, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	// returned deliberately in reverse order: the controller must sort
	scenes := make([]catalog.TimestampedScene, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		sc := scene.New(scene.Properties{
			ProductURI:      item.ID,
			SensingTime:     item.SensingTime,
			ProcessingLevel: item.ProcessingLevel,
			Platform:        p.Name,
		})
		sc.AddBand(scene.BandRed, newBand(0.2, 0.3))
		sc.AddBand(scene.BandGreen, newBand(0.3, 0.4))
		sc.AddBand(scene.BandBlue, newBand(0.1, 0.2))
		sc.AddBand(scene.BandNIRS2, newBand(0.7, 0.8))
		sc.AddBand(scene.BandSCL, newBand(4, 8))
		scenes = append(scenes, catalog.TimestampedScene{Time: item.SensingTime, Scene: sc})
	}
	return scenes, nil
}

// fakeDeriver adds the derived bands, failing for configured dates.
type fakeDeriver struct {
	failDates map[string]bool
}

func (f *fakeDeriver) Run(sc *scene.Scene) error {
	if f.failDates[sc.Props.SensingTime.Format("2006-01-02")] {
		return fmt.Errorf("derivation failed")
	}
	sc.AddBand(scene.BandNDVI, newBand(0.5, 0.6))
	mask := newBand(0, 1)
	mask.DType = scene.Byte
	sc.AddBand(scene.BandCloudMask, mask)
	return nil
}

// fakeWriter records writes and leaves the completion marker the real
// writer would.
type fakeWriter struct {
	written []string
}

func (f *fakeWriter) WriteAll(sc *scene.Scene, dir string, cloudPct float64) error {
	f.written = append(f.written, sc.Props.SensingTime.Format("2006-01-02"))
	return output.IndicateComplete(dir)
}

type fixture struct {
	folder  string
	catalog *fakeCatalog
	deriver *fakeDeriver
	writer  *fakeWriter
	monitor *Monitor
}

func newFixture(t *testing.T, sceneDates []time.Time, now time.Time) *fixture {
	t.Helper()
	profile, err := platform.ByName(platform.Sentinel2)
	require.NoError(t, err)
	// a transform needing all real bands would get in the way here
	profile.Transform = nil

	f := &fixture{
		folder:  t.TempDir(),
		catalog: &fakeCatalog{sceneDates: sceneDates},
		deriver: &fakeDeriver{failDates: map[string]bool{}},
		writer:  &fakeWriter{},
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	f.monitor = New(Config{
		Folder:        f.folder,
		Profile:       profile,
		AOI:           testAOI(),
		IncrementDays: 7,
	}, f.catalog, f.deriver, f.writer, log.WithField("test", t.Name()))
	f.monitor.now = func() time.Time { return now }
	return f
}

func (f *fixture) watermark(t *testing.T) time.Time {
	t.Helper()
	got, err := watermark.Read(f.folder, time.Time{})
	require.NoError(t, err)
	return got
}

func TestEmptyWindowAdvancesWatermark(t *testing.T) {
	f := newFixture(t, nil, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 3, 1)))

	require.NoError(t, f.monitor.Run(context.Background()))

	// watermark moved to the end of the empty window: 03-02 + 7 days
	assert.Equal(t, date(2021, 3, 9), f.watermark(t))
	assert.Empty(t, f.writer.written)

	entries, err := os.ReadDir(f.folder)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no scene subdirectory for an empty window")
	assert.Equal(t, watermark.FileName, entries[0].Name())
}

func TestProcessesScenesAscending(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 5), date(2021, 3, 1)}, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 2, 28)))

	require.NoError(t, f.monitor.Run(context.Background()))

	assert.Equal(t, []string{"2021-03-01", "2021-03-05"}, f.writer.written,
		"scenes must be processed in ascending sensing order")
	assert.Equal(t, date(2021, 3, 5), f.watermark(t))
	assert.FileExists(t, filepath.Join(f.folder, "2021-03-01", output.CompleteMarker))
	assert.FileExists(t, filepath.Join(f.folder, "2021-03-05", output.CompleteMarker))
}

func TestFailedSceneHoldsWatermarkBack(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 1), date(2021, 3, 5)}, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 2, 28)))
	f.deriver.failDates["2021-03-05"] = true

	require.NoError(t, f.monitor.Run(context.Background()))

	assert.Equal(t, []string{"2021-03-01"}, f.writer.written)
	assert.Equal(t, date(2021, 3, 1), f.watermark(t),
		"failed scene stays eligible for retry")
	assert.NoFileExists(t, filepath.Join(f.folder, "2021-03-05", output.CompleteMarker))

	// next run retries the failed scene and catches up
	f.deriver.failDates = map[string]bool{}
	require.NoError(t, f.monitor.Run(context.Background()))
	assert.Equal(t, []string{"2021-03-01", "2021-03-05"}, f.writer.written)
	assert.Equal(t, date(2021, 3, 5), f.watermark(t))
}

func TestEarlierFailureBlocksWatermarkPastIt(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 1), date(2021, 3, 5)}, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 2, 28)))
	f.deriver.failDates["2021-03-01"] = true

	require.NoError(t, f.monitor.Run(context.Background()))

	// the later scene is still written, but the watermark must not
	// jump past the failed earlier scene
	assert.Equal(t, []string{"2021-03-05"}, f.writer.written)
	assert.Equal(t, date(2021, 2, 28), f.watermark(t))
}

func TestSkipOnCompleteAdvancesWithoutWrites(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 1)}, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 2, 28)))

	dir := filepath.Join(f.folder, "2021-03-01")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, output.IndicateComplete(dir))
	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	require.NoError(t, f.monitor.Run(context.Background()))

	assert.Empty(t, f.writer.written, "completed scene must not be rewritten")
	assert.Equal(t, date(2021, 3, 1), f.watermark(t), "skip still advances the watermark")

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestIdempotentRerun(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 1), date(2021, 3, 5)}, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 2, 28)))

	require.NoError(t, f.monitor.Run(context.Background()))
	firstWritten := len(f.writer.written)
	assert.Equal(t, date(2021, 3, 5), f.watermark(t))

	// same window again: nothing new upstream
	require.NoError(t, watermark.Write(f.folder, date(2021, 2, 28)))
	require.NoError(t, f.monitor.Run(context.Background()))

	assert.Equal(t, firstWritten, len(f.writer.written), "no additional writes on rerun")
	assert.Equal(t, date(2021, 3, 5), f.watermark(t))
}

func TestFutureStartDoesNothing(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 1)}, date(2021, 3, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 3, 1)))

	require.NoError(t, f.monitor.Run(context.Background()))

	assert.Zero(t, f.catalog.queryCalls, "no query when the window starts in the future")
	assert.Equal(t, date(2021, 3, 1), f.watermark(t))
}

func TestQueryErrorAbortsCycle(t *testing.T) {
	f := newFixture(t, nil, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 3, 1)))
	f.catalog.queryErr = errors.New("boom")

	err := f.monitor.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, date(2021, 3, 1), f.watermark(t), "watermark untouched on query failure")
}

func TestFetchErrorAbortsCycle(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 5)}, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 3, 1)))
	f.catalog.fetchErr = errors.New("download failed")

	err := f.monitor.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, date(2021, 3, 1), f.watermark(t))
}

func TestMalformedWatermarkIsFatal(t *testing.T) {
	f := newFixture(t, nil, date(2021, 6, 1))
	require.NoError(t, os.WriteFile(filepath.Join(f.folder, watermark.FileName), []byte("garbage"), 0644))

	err := f.monitor.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, watermark.ErrMalformed))
}

func TestRunTillCompleteLoopsUntilCaughtUp(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 5), date(2021, 3, 20)}, date(2021, 3, 25))
	require.NoError(t, watermark.Write(f.folder, date(2021, 3, 1)))
	f.monitor.cfg.RunTillComplete = true

	require.NoError(t, f.monitor.Run(context.Background()))

	assert.GreaterOrEqual(t, f.catalog.queryCalls, 2, "multiple windows scanned in one invocation")
	assert.Equal(t, []string{"2021-03-05", "2021-03-20"}, f.writer.written)
}

func TestInventoryWrittenPerScene(t *testing.T) {
	f := newFixture(t, []time.Time{date(2021, 3, 1)}, date(2021, 6, 1))
	require.NoError(t, watermark.Write(f.folder, date(2021, 2, 28)))

	require.NoError(t, f.monitor.Run(context.Background()))

	assert.FileExists(t, filepath.Join(f.folder, output.InventoryFile))
}
