// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"bindery/internal/lending"
)

// ErrEmptyTitle rejects listing registrations without a title.
var ErrEmptyTitle = errors.New("title is required")

// service implements the Service interface.
type service struct {
	store lending.Store
}

// NewService creates a new catalog service instance.
func NewService(store lending.Store) Service {
	return &service{store: store}
}

// AddListing registers a new single-copy listing, available from the start.
func (s *service) AddListing(ctx context.Context, title string) (*lending.Listing, error) {
	if title == "" {
		return nil, ErrEmptyTitle
	}

	listing := &lending.Listing{
		ID:          uuid.New(),
		Title:       title,
		IsAvailable: true,
	}
	if err := s.store.CreateListing(ctx, listing); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return listing, nil
}

func (s *service) GetListing(ctx context.Context, id uuid.UUID) (*lending.Listing, error) {
	return s.store.GetListing(ctx, id)
}

func (s *service) ListListings(ctx context.Context) ([]*lending.Listing, error) {
	return s.store.ListListings(ctx)
}
