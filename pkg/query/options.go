package query

import (
	"go.mongodb.org/mongo-driver/bson"
)

// SortOrder defines the direction of sorting.
type SortOrder int

const (
	// SortAsc sorts in ascending order
	SortAsc SortOrder = 1
	// SortDesc sorts in descending order
	SortDesc SortOrder = -1
)

// SortField specifies one sort key. Order of SortField values in Options.Sort is
// significant.
type SortField struct {
	Field string
	Order SortOrder
}

// Options configures a find. Options the store does not recognise go in Extra and
// are ignored.
type Options struct {
	Sort       []SortField
	Limit      int64
	Skip       int64
	Projection map[string]any
	Extra      map[string]any
}

// Asc is shorthand for an ascending SortField.
func Asc(field string) SortField { return SortField{Field: field, Order: SortAsc} }

// Desc is shorthand for a descending SortField.
func Desc(field string) SortField { return SortField{Field: field, Order: SortDesc} }

// SortDocument renders Sort as an ordered bson.D. Sort keys are not translated.
func (o Options) SortDocument() bson.D {
	if len(o.Sort) == 0 {
		return nil
	}
	d := make(bson.D, 0, len(o.Sort))
	for _, s := range o.Sort {
		order := s.Order
		if order != SortDesc {
			order = SortAsc
		}
		d = append(d, bson.E{Key: s.Field, Value: int(order)})
	}
	return d
}
