package store

import (
	"context"

	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

// Datastore is a top-level tenant of the platform; most routes are
// scoped to one.
type Datastore struct {
	StoreEntity
}

// NewDatastore wraps an attribute map already fetched from the API.
func NewDatastore(props Properties) *Datastore {
	return &Datastore{StoreEntity{kind: datastoreKind, props: props}}
}

// GetDatastore fetches the datastore entity, the configured one when
// id is empty.
func GetDatastore(ctx context.Context, id string) (*Datastore, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	params := map[string]interface{}{}
	if id != "" {
		params["datastore"] = id
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        "datastore_get",
		RouteParams: params,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var props Properties
	if err := resp.JSON(&props); err != nil {
		return nil, errors.Trace(err)
	}
	return NewDatastore(props), nil
}
