package store

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/david/fixture-finder/internal/models"
)

// SplitByMonth groups items by the year-month of their kickoff in loc. Each
// month document carries the parent's updated_at.
func SplitByMonth(doc Document, loc *time.Location) map[string]Document {
	if loc == nil {
		loc = time.UTC
	}
	out := make(map[string]Document)
	for _, f := range doc.Items {
		key := f.StartsAt.In(loc).Format("2006-01")
		m := out[key]
		m.UpdatedAt = doc.UpdatedAt
		m.Items = append(m.Items, f)
		out[key] = m
	}
	for key, m := range out {
		models.SortFixtures(m.Items)
		out[key] = m
	}
	return out
}

// MonthKeys returns the keys of months in ascending order.
func MonthKeys(months map[string]Document) []string {
	keys := make([]string, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteMonths writes one YYYY-MM.json file per month into dir and returns the
// written paths in month order.
func WriteMonths(dir string, months map[string]Document) ([]string, error) {
	paths := make([]string, 0, len(months))
	for _, key := range MonthKeys(months) {
		data, err := Encode(months[key])
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, key+".json")
		if err := WriteFileAtomic(path, data, 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
