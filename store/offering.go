package store

import (
	"context"

	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

// Offering statuses.
const (
	OfferingStatusPublished   = "PUBLISHED"
	OfferingStatusPublishing  = "PUBLISHING"
	OfferingStatusUnpublished = "UNPUBLISHING"
	OfferingStatusUnstable    = "UNSTABLE"
)

// Offering is a published service exposing a configuration.
type Offering struct {
	StoreEntity
}

// NewOffering wraps an attribute map already fetched from the API.
func NewOffering(props Properties, datastore string) *Offering {
	return &Offering{StoreEntity{kind: offeringKind, datastore: datastore, props: props}}
}

// GetOffering fetches one offering by id.
func GetOffering(ctx context.Context, id, datastore string) (*Offering, error) {
	props, err := getProps(ctx, offeringKind, id, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewOffering(props, datastore), nil
}

// ListOfferings lists the offerings matching the attribute filters.
func ListOfferings(ctx context.Context, infos map[string]string, datastore string) ([]*Offering, error) {
	items, err := listProps(ctx, offeringKind, infos, nil, datastore, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	results := make([]*Offering, len(items))
	for i, props := range items {
		results[i] = NewOffering(props, datastore)
	}
	return results, nil
}

// URLs returns the offering's published links. The API answers either
// a list of strings or a list of {type, url} objects.
func (o *Offering) URLs() []string {
	items, ok := o.props["urls"].([]interface{})
	if !ok {
		return nil
	}
	urls := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			urls = append(urls, v)
		case map[string]interface{}:
			if u, ok := v["url"].(string); ok {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

// Synchronize re-aligns the offering with its configuration.
func (o *Offering) Synchronize(ctx context.Context) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("synchronisation de %s", o)
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        "offering_synchronize",
		RouteParams: o.routeParams(),
	})
	return errors.Trace(err)
}

// Unpublish withdraws the offering. The underlying configuration is
// untouched.
func (o *Offering) Unpublish(ctx context.Context) error {
	return errors.Trace(o.Delete(ctx))
}
