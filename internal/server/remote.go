package server

import (
	"context"

	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
)

// remoteStore answers session lookups from another explorer's API.
type remoteStore struct {
	client *mainstem.Client
}

func (r remoteStore) Search(ctx context.Context, q string, offset, limit int) ([]mainstem.Mainstem, int, error) {
	page, err := r.client.Search(ctx, q, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return page.Data, page.Total, nil
}

func (r remoteStore) Get(ctx context.Context, id string) (*mainstem.Mainstem, error) {
	return r.client.Get(ctx, id)
}
