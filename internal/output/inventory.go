package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gocarina/gocsv"
)

// InventoryFile lists every completed scene of a monitored folder with
// its headline numbers, one row per scene date.
const InventoryFile = "inventory.csv"

type InventoryRecord struct {
	Date     string  `csv:"date"`
	Platform string  `csv:"platform"`
	CloudPct float64 `csv:"cloudy_pixel_percentage"`
	Products string  `csv:"products"`
}

// AppendInventory merges a record into the folder inventory, replacing
// any previous row for the same date so re-processing stays idempotent.
func AppendInventory(outputDir string, rec InventoryRecord) error {
	path := filepath.Join(outputDir, InventoryFile)

	var records []InventoryRecord
	if file, err := os.Open(path); err == nil {
		err = gocsv.UnmarshalFile(file, &records)
		file.Close()
		if err != nil {
			return fmt.Errorf("reading inventory %s: %w", path, err)
		}
	}

	replaced := false
	for i := range records {
		if records[i].Date == rec.Date {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date < records[j].Date })

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing inventory %s: %v", path, err)
	}
	defer file.Close()
	if err := gocsv.MarshalFile(&records, file); err != nil {
		return fmt.Errorf("marshalling inventory: %w", err)
	}
	return nil
}
