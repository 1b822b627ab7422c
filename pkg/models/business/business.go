package business

import (
	"time"
)

// RowMap is one result row keyed by column name, as returned by
// pgx.RowToMap.
type RowMap = map[string]any

// Business is a single scraped lead. ID is a UUIDv7 string minted before
// shard assignment, so it is globally unique across shards.
type Business struct {
	ID       string `json:"id" yaml:"id"`
	SourceID string `json:"source_id" yaml:"source_id"`
	Source   string `json:"source" yaml:"source"`

	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	City    string `json:"city" yaml:"city"`
	State   string `json:"state" yaml:"state"`
	Zip     string `json:"zip" yaml:"zip"`

	Phone   string `json:"phone" yaml:"phone"`
	Email   string `json:"email" yaml:"email"`
	Website string `json:"website" yaml:"website"`

	Category string  `json:"category" yaml:"category"`
	Score    float64 `json:"score" yaml:"score"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// FilterCriteria is the structured search input. Geographic and source
// fields double as routing hints: a query that names them fans out only to
// the shards whose membership lists intersect them.
type FilterCriteria struct {
	States      []string
	Cities      []string
	ZipPrefixes []string
	Sources     []string

	Category string
	MinScore float64
	HasEmail bool
}

// HasGeoHints reports whether the criteria narrow the geographic shard set.
func (c FilterCriteria) HasGeoHints() bool {
	return len(c.States) > 0 || len(c.Cities) > 0 || len(c.ZipPrefixes) > 0
}

// HasSourceHints reports whether the criteria narrow the source shard set.
func (c FilterCriteria) HasSourceHints() bool {
	return len(c.Sources) > 0
}

// FromRow rebuilds a Business from a result row. Columns missing from the
// row simply leave the zero value in place.
func FromRow(row RowMap) *Business {
	b := &Business{}
	b.ID = stringCol(row, "id")
	b.SourceID = stringCol(row, "source_id")
	b.Source = stringCol(row, "source")
	b.Name = stringCol(row, "name")
	b.Address = stringCol(row, "address")
	b.City = stringCol(row, "city")
	b.State = stringCol(row, "state")
	b.Zip = stringCol(row, "zip")
	b.Phone = stringCol(row, "phone")
	b.Email = stringCol(row, "email")
	b.Website = stringCol(row, "website")
	b.Category = stringCol(row, "category")
	b.Score = floatCol(row, "score")
	b.CreatedAt = timeCol(row, "created_at")
	b.UpdatedAt = timeCol(row, "updated_at")
	return b
}

func stringCol(row RowMap, name string) string {
	if v, ok := row[name].(string); ok {
		return v
	}
	return ""
}

func floatCol(row RowMap, name string) float64 {
	switch v := row[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func timeCol(row RowMap, name string) time.Time {
	if v, ok := row[name].(time.Time); ok {
		return v
	}
	return time.Time{}
}
