package store

import (
	"context"

	"github.com/juju/errors"
)

// StoredData statuses.
const (
	StoredDataStatusCreated    = "CREATED"
	StoredDataStatusGenerating = "GENERATING"
	StoredDataStatusModifying  = "MODIFYING"
	StoredDataStatusGenerated  = "GENERATED"
	StoredDataStatusUnstable   = "UNSTABLE"
)

// StoredData is a processed dataset (vector database, pyramid, index).
type StoredData struct {
	StoreEntity
}

var (
	_ Tagged    = (*StoredData)(nil)
	_ Commented = (*StoredData)(nil)
	_ Shared    = (*StoredData)(nil)
)

// NewStoredData wraps an attribute map already fetched from the API.
func NewStoredData(props Properties, datastore string) *StoredData {
	return &StoredData{StoreEntity{kind: storedDataKind, datastore: datastore, props: props}}
}

// GetStoredData fetches one stored data by id.
func GetStoredData(ctx context.Context, id, datastore string) (*StoredData, error) {
	props, err := getProps(ctx, storedDataKind, id, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewStoredData(props, datastore), nil
}

// ListStoredData lists the stored data matching the attribute and tag
// filters.
func ListStoredData(ctx context.Context, infos, tags map[string]string, datastore string) ([]*StoredData, error) {
	items, err := listProps(ctx, storedDataKind, infos, tags, datastore, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	results := make([]*StoredData, len(items))
	for i, props := range items {
		results[i] = NewStoredData(props, datastore)
	}
	return results, nil
}
