package store

import (
	"context"

	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

// Configuration describes how a stored data is served.
type Configuration struct {
	StoreEntity
}

var (
	_ Tagged    = (*Configuration)(nil)
	_ Commented = (*Configuration)(nil)
)

// NewConfiguration wraps an attribute map already fetched from the
// API.
func NewConfiguration(props Properties, datastore string) *Configuration {
	return &Configuration{StoreEntity{kind: configurationKind, datastore: datastore, props: props}}
}

// GetConfiguration fetches one configuration by id.
func GetConfiguration(ctx context.Context, id, datastore string) (*Configuration, error) {
	props, err := getProps(ctx, configurationKind, id, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewConfiguration(props, datastore), nil
}

// ListConfigurations lists the configurations matching the attribute
// and tag filters.
func ListConfigurations(ctx context.Context, infos, tags map[string]string, datastore string) ([]*Configuration, error) {
	items, err := listProps(ctx, configurationKind, infos, tags, datastore, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	results := make([]*Configuration, len(items))
	for i, props := range items {
		results[i] = NewConfiguration(props, datastore)
	}
	return results, nil
}

// CreateConfiguration creates a configuration from the given body.
func CreateConfiguration(ctx context.Context, body Properties, datastore string) (*Configuration, error) {
	props, err := createProps(ctx, configurationKind, body, nil, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewConfiguration(props, datastore), nil
}

// ListOfferings fetches the offerings published from this
// configuration.
func (c *Configuration) ListOfferings(ctx context.Context) ([]*Offering, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        "configuration_list_offerings",
		RouteParams: c.routeParams(),
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
	offerings := make([]*Offering, len(items))
	for i, props := range items {
		offerings[i] = NewOffering(props, c.datastore)
	}
	return offerings, nil
}

// AddOffering publishes a new offering carrying this configuration.
func (c *Configuration) AddOffering(ctx context.Context, body Properties) (*Offering, error) {
	props, err := createProps(ctx, offeringKind, body, map[string]interface{}{"configuration": c.ID()}, c.datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewOffering(props, c.datastore), nil
}

// DeleteCascade unpublishes every offering of the configuration before
// deleting the configuration itself.
func (c *Configuration) DeleteCascade(ctx context.Context) error {
	offerings, err := c.ListOfferings(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, offering := range offerings {
		if err := offering.Delete(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(c.Delete(ctx))
}
