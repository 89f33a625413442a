package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/common-nighthawk/go-figure"
	bannercolor "github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/terensis/basetiffs/internal/aoi"
	"github.com/terensis/basetiffs/internal/catalog"
	"github.com/terensis/basetiffs/internal/monitor"
	"github.com/terensis/basetiffs/internal/notification"
	"github.com/terensis/basetiffs/internal/output"
	"github.com/terensis/basetiffs/internal/platform"
	"github.com/terensis/basetiffs/internal/raster"
	"github.com/terensis/basetiffs/internal/scene"
	"github.com/terensis/basetiffs/internal/watermark"
)

var (
	aoiPath         string
	outputDir       string
	incrementDays   int
	targetCRS       int
	platformName    string
	runTillComplete bool
)

func printBanner() {
	banner := figure.NewFigure("basetiffs", "isometric1", true)
	bannercolor.Cyan(banner.String())
	fmt.Println()
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log.WithField("app", "basetiffs")
}

// setup resolves the shared pieces every subcommand needs. Platform and
// AOI problems are configuration errors and surface here, before any
// I/O against the output folder.
func setup(log *logrus.Entry) (*platform.Profile, *aoi.AOI, error) {
	profile, err := platform.ByName(platformName)
	if err != nil {
		return nil, nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, nil, err
	}
	area, err := aoi.Load(aoiPath)
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(logrus.Fields{
		"platform": profile.Name,
		"aoi":      aoiPath,
	}).Info("configuration loaded")
	return profile, area, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch and process new scenes for the monitored folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner()
			log := newLogger()

			profile, area, err := setup(log)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outputDir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory %s: %v", outputDir, err)
			}

			godal.RegisterAll()
			engine := raster.NewEngine()
			client := catalog.NewClient(engine, filepath.Join(outputDir, ".cache"), log)
			deriver := &scene.Deriver{
				Warper:     engine,
				TargetEPSG: targetCRS,
				NIRBand:    profile.NIRBand,
				CloudMask:  profile.CloudMask,
			}
			writer := output.NewWriter(engine, profile)

			mon := monitor.New(monitor.Config{
				Folder:          outputDir,
				Profile:         profile,
				AOI:             area,
				IncrementDays:   incrementDays,
				RunTillComplete: runTillComplete,
			}, client, deriver, writer, log)

			if err := mon.Run(cmd.Context()); err != nil {
				if nerr := notification.SendErrorNotification(err.Error()); nerr != nil {
					log.WithError(nerr).Warn("failed to send notification")
				}
				return err
			}

			last, err := watermark.Read(outputDir, profile.DefaultStartDate)
			if err == nil {
				msg := fmt.Sprintf("Folder %s processed up to %s", outputDir, last.Format("2006-01-02"))
				if nerr := notification.SendSuccessNotification(msg); nerr != nil {
					log.WithError(nerr).Warn("failed to send notification")
				}
			}
			return nil
		},
	}
	return cmd
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List the scenes the next run would process, without downloading",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			profile, area, err := setup(log)
			if err != nil {
				return err
			}

			last, err := watermark.Read(outputDir, profile.DefaultStartDate)
			if err != nil {
				return err
			}
			timeStart := last.AddDate(0, 0, 1)
			timeEnd := timeStart.AddDate(0, 0, incrementDays)

			client := catalog.NewClient(nil, "", log)
			items, err := client.Query(context.Background(), profile, timeStart, timeEnd, area)
			if err != nil {
				return err
			}

			if len(items) == 0 {
				fmt.Printf("No scenes between %s and %s\n",
					timeStart.Format("2006-01-02"), timeEnd.Format("2006-01-02"))
				return nil
			}
			for _, item := range items {
				fmt.Printf("%s  %-24s  cloud %5.1f%%  %s\n",
					item.SensingTime.Format("2006-01-02"), item.Collection, item.CloudCover, item.ID)
			}
			return nil
		},
	}
	return cmd
}

func main() {
	if err := godotenv.Load(); err != nil {
		// Credentials may come from the real environment instead.
		logrus.Debugf("no .env file loaded: %v", err)
	}

	root := &cobra.Command{
		Use:   "basetiffs",
		Short: "Download satellite scenes, derive base products and store them as cloud-optimized GeoTIFFs",
	}
	root.PersistentFlags().StringVar(&aoiPath, "aoi", "", "path to the area-of-interest GeoJSON file")
	root.PersistentFlags().StringVar(&outputDir, "output", "", "monitored output directory")
	root.PersistentFlags().IntVar(&incrementDays, "increment-days", 7, "temporal increment of one query window in days")
	root.PersistentFlags().IntVar(&targetCRS, "target-crs", 3857, "target CRS as EPSG code")
	root.PersistentFlags().StringVar(&platformName, "platform", platform.Sentinel2,
		fmt.Sprintf("platform selector (%s, %s, %s)", platform.Sentinel2, platform.LandsatC2L1, platform.LandsatC2L2))
	root.PersistentFlags().BoolVar(&runTillComplete, "run-till-complete", false, "loop until caught up with the present")
	root.MarkPersistentFlagRequired("aoi")
	root.MarkPersistentFlagRequired("output")

	root.AddCommand(runCmd(), queryCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("basetiffs failed")
	}
}
