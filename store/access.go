package store

import (
	"context"
	"fmt"
	"net/http"

	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

// Access grants a user community access to an offering.
type Access struct {
	StoreEntity
}

// NewAccess wraps an attribute map already fetched from the API.
func NewAccess(props Properties, datastore string) *Access {
	return &Access{StoreEntity{kind: accessKind, datastore: datastore, props: props}}
}

// CreateAccess grants an access for the given user. The API answers
// 204 with no body, so only success is reported.
func CreateAccess(ctx context.Context, user string, body Properties, datastore string) (bool, error) {
	r, err := apiRequester()
	if err != nil {
		return false, errors.Trace(err)
	}
	params := map[string]interface{}{"user": user}
	if datastore != "" {
		params["datastore"] = datastore
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        "access_create",
		RouteParams: params,
		Method:      "POST",
		Body:        body,
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	return resp.StatusCode == http.StatusNoContent, nil
}

// ListAccesses lists the datastore's accesses matching the attribute
// filter. The API has no listing endpoint for accesses: they are read
// from the datastore entity and filtered client side.
func ListAccesses(ctx context.Context, infos map[string]string, datastore string) ([]*Access, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	params := map[string]interface{}{}
	if datastore != "" {
		params["datastore"] = datastore
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        "datastore_get",
		RouteParams: params,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var items []Properties
	if len(resp.Body) > 0 {
		if err := resp.JSON(&items); err != nil {
			return nil, errors.Trace(err)
		}
	}
	var results []*Access
	for _, props := range items {
		if matchesInfos(props, infos) {
			results = append(results, NewAccess(props, datastore))
		}
	}
	return results, nil
}

// matchesInfos compares attributes by their string rendering, the way
// the API itself filters listings.
func matchesInfos(props Properties, infos map[string]string) bool {
	for key, want := range infos {
		if fmt.Sprint(props[key]) != want {
			return false
		}
	}
	return true
}
