package store

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	crerr "github.com/cockroachdb/errors"

	"github.com/david/fixture-finder/internal/models"
)

// Document is the published snapshot read by the public consumers.
type Document struct {
	UpdatedAt time.Time        `json:"updated_at"`
	Items     []models.Fixture `json:"items"`
}

// Backend persists a Document. Save must either leave the previous document
// intact or replace it entirely.
type Backend interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
}

// Merge replaces the stored items with items and advances updated_at. The
// timestamp is strictly greater than the previous one even when the clock is
// not, so readers can rely on it as a change marker.
func Merge(existing Document, items []models.Fixture, now time.Time) Document {
	out := make([]models.Fixture, len(items))
	copy(out, items)
	models.SortFixtures(out)

	updated := now.UTC().Truncate(time.Microsecond)
	if !existing.UpdatedAt.IsZero() && !updated.After(existing.UpdatedAt) {
		updated = existing.UpdatedAt.UTC().Add(time.Microsecond)
	}
	return Document{UpdatedAt: updated, Items: out}
}

var indentConfig = sonic.ConfigStd

// Encode renders doc as indented JSON with a trailing newline.
func Encode(doc Document) ([]byte, error) {
	if doc.Items == nil {
		doc.Items = []models.Fixture{}
	}
	data, err := indentConfig.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, crerr.Wrap(err, "encode document")
	}
	return append(data, '\n'), nil
}

// Decode parses a document. Empty input is an empty document.
func Decode(data []byte) (Document, error) {
	var doc Document
	if len(data) == 0 {
		return Document{Items: []models.Fixture{}}, nil
	}
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return Document{}, crerr.Wrap(err, "decode document")
	}
	if doc.Items == nil {
		doc.Items = []models.Fixture{}
	}
	return doc, nil
}
