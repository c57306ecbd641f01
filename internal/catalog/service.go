// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"bindery/internal/lending"
)

// Service defines the interface for listing registration and lookup. Full
// catalog ingestion lives elsewhere; the engine only needs listings to exist.
type Service interface {
	AddListing(ctx context.Context, title string) (*lending.Listing, error)
	GetListing(ctx context.Context, id uuid.UUID) (*lending.Listing, error)
	ListListings(ctx context.Context) ([]*lending.Listing, error)
}
