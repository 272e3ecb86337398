// Package secmap maps venue-native numeric security identifiers to the
// canonical security ids used across the pipeline. The mapping is bijective:
// a native id resolves exactly one security and vice versa.
package secmap

import (
	"context"

	"github.com/tradewire/connector/internal/schema"
)

// Mapping binds one canonical security id to its venue-native id.
type Mapping struct {
	SecurityID schema.SecurityID
	NativeID   int64
}

// Store persists security id mappings. Add reports false when either side of
// the pair is already mapped, keeping the relation bijective.
type Store interface {
	Add(ctx context.Context, m Mapping) (bool, error)
	BySecurity(ctx context.Context, id schema.SecurityID) (int64, bool, error)
	ByNative(ctx context.Context, nativeID int64) (schema.SecurityID, bool, error)
	All(ctx context.Context) ([]Mapping, error)
}
