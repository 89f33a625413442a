// Package monitor drives the incremental scene-processing loop for one
// output folder: read the watermark, query the catalog for the next
// time window, derive and persist products per scene, and advance the
// watermark after each completed scene.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/terensis/basetiffs/internal/aoi"
	"github.com/terensis/basetiffs/internal/catalog"
	"github.com/terensis/basetiffs/internal/output"
	"github.com/terensis/basetiffs/internal/platform"
	"github.com/terensis/basetiffs/internal/scene"
	"github.com/terensis/basetiffs/internal/watermark"
)

// Catalog is the metadata query / pixel fetch collaborator.
type Catalog interface {
	Query(ctx context.Context, p *platform.Profile, timeStart, timeEnd time.Time, area *aoi.AOI) ([]catalog.ItemMeta, error)
	Fetch(ctx context.Context, p *platform.Profile, items []catalog.ItemMeta) ([]catalog.TimestampedScene, error)
}

// Deriver turns a fetched scene into its derived bands.
type Deriver interface {
	Run(s *scene.Scene) error
}

// SceneWriter persists all products of one derived scene.
type SceneWriter interface {
	WriteAll(s *scene.Scene, dir string, cloudPct float64) error
}

type Config struct {
	Folder          string
	Profile         *platform.Profile
	AOI             *aoi.AOI
	IncrementDays   int
	RunTillComplete bool
}

// Monitor is single-threaded by design: one active Monitor per output
// folder, no locking around the watermark file.
type Monitor struct {
	cfg     Config
	catalog Catalog
	deriver Deriver
	writer  SceneWriter
	log     *logrus.Entry
	now     func() time.Time
}

func New(cfg Config, cat Catalog, deriver Deriver, writer SceneWriter, log *logrus.Entry) *Monitor {
	return &Monitor{
		cfg:     cfg,
		catalog: cat,
		deriver: deriver,
		writer:  writer,
		log:     log,
		now:     time.Now,
	}
}

// Run executes one monitoring cycle, or loops until the next query
// window would start in the future when RunTillComplete is set.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		caughtUp, err := m.runOnce(ctx)
		if err != nil {
			return err
		}
		if caughtUp || !m.cfg.RunTillComplete {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// runOnce processes one query window. It returns caughtUp=true when the
// window start lies in the future and there is nothing left to do.
func (m *Monitor) runOnce(ctx context.Context) (bool, error) {
	lastProcessed, err := watermark.Read(m.cfg.Folder, m.cfg.Profile.DefaultStartDate)
	if err != nil {
		// Malformed state is fatal: a silent default would reprocess
		// or skip history.
		return false, err
	}

	timeStart := lastProcessed.AddDate(0, 0, 1)
	if timeStart.After(m.now()) {
		m.log.Infof("start date %s is in the future, nothing to do", timeStart.Format("2006-01-02"))
		return true, nil
	}
	timeEnd := timeStart.AddDate(0, 0, m.cfg.IncrementDays)

	log := m.log.WithFields(logrus.Fields{
		"window_start": timeStart.Format("2006-01-02"),
		"window_end":   timeEnd.Format("2006-01-02"),
	})

	items, err := m.catalog.Query(ctx, m.cfg.Profile, timeStart, timeEnd, m.cfg.AOI)
	if err != nil {
		return false, fmt.Errorf("catalog query: %w", err)
	}

	if len(items) == 0 {
		// Advance anyway so the next run does not re-scan the same
		// empty window forever.
		log.Info("no scenes found")
		if err := watermark.Write(m.cfg.Folder, timeEnd); err != nil {
			return false, err
		}
		return false, nil
	}

	scenes, err := m.catalog.Fetch(ctx, m.cfg.Profile, items)
	if err != nil {
		return false, fmt.Errorf("catalog fetch: %w", err)
	}
	sort.Slice(scenes, func(i, j int) bool {
		return scenes[i].Time.Before(scenes[j].Time)
	})

	// Once a scene fails, later scenes in the same batch are still
	// written but the watermark stays put, so the failed scene is
	// retried on the next run; its completed successors then skip by
	// marker and re-advance.
	advance := true
	for _, ts := range scenes {
		sceneLog := log.WithField("scene", ts.Time.Format("2006-01-02"))

		dir, err := output.MakeSceneDir(m.cfg.Folder, ts.Time)
		if errors.Is(err, output.ErrAlreadyProcessed) {
			sceneLog.Info("already processed, skipping")
			if advance {
				if werr := watermark.Write(m.cfg.Folder, ts.Time); werr != nil {
					return false, werr
				}
			}
			continue
		}
		if err != nil {
			sceneLog.WithError(err).Error("could not create scene directory")
			advance = false
			continue
		}

		if err := m.processScene(ts, dir); err != nil {
			sceneLog.WithError(err).Error("error while processing scene")
			advance = false
			continue
		}

		if advance {
			if err := watermark.Write(m.cfg.Folder, ts.Time); err != nil {
				return false, err
			}
		}
		sceneLog.Info("processed scene")
	}
	return false, nil
}

func (m *Monitor) processScene(ts catalog.TimestampedScene, dir string) error {
	sc := ts.Scene
	if m.cfg.Profile.Transform != nil {
		if err := m.cfg.Profile.Transform(sc); err != nil {
			return fmt.Errorf("scene transform: %w", err)
		}
	}
	if err := m.deriver.Run(sc); err != nil {
		return err
	}
	cloudPct := m.cfg.Profile.CloudPercent(sc)

	if err := m.writer.WriteAll(sc, dir, cloudPct); err != nil {
		return err
	}

	products := []string{"cloud_mask", "fcir", "ndvi", "quicklook"}
	if sc.HasBand(scene.BandBlue) {
		products = append([]string{"rgb"}, products...)
	}
	rec := output.InventoryRecord{
		Date:     ts.Time.Format("2006-01-02"),
		Platform: m.cfg.Profile.Name,
		CloudPct: cloudPct,
		Products: strings.Join(products, " "),
	}
	if err := output.AppendInventory(m.cfg.Folder, rec); err != nil {
		// The scene itself is complete; a broken inventory should not
		// force a retry of raster work.
		m.log.WithError(err).Warn("failed to update inventory")
	}
	return nil
}
