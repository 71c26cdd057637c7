package store

import (
	"context"

	"github.com/juju/errors"
)

// Permission authorises a community or user to consume an offering.
type Permission struct {
	StoreEntity
}

// NewPermission wraps an attribute map already fetched from the API.
func NewPermission(props Properties, datastore string) *Permission {
	return &Permission{StoreEntity{kind: permissionKind, datastore: datastore, props: props}}
}

// GetPermission fetches one permission by id.
func GetPermission(ctx context.Context, id, datastore string) (*Permission, error) {
	props, err := getProps(ctx, permissionKind, id, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewPermission(props, datastore), nil
}

// ListPermissions lists the permissions matching the attribute
// filters.
func ListPermissions(ctx context.Context, infos map[string]string, datastore string) ([]*Permission, error) {
	items, err := listProps(ctx, permissionKind, infos, nil, datastore, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	results := make([]*Permission, len(items))
	for i, props := range items {
		results[i] = NewPermission(props, datastore)
	}
	return results, nil
}

// CreatePermission creates a permission from the given body.
func CreatePermission(ctx context.Context, body Properties, datastore string) (*Permission, error) {
	props, err := createProps(ctx, permissionKind, body, nil, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewPermission(props, datastore), nil
}
