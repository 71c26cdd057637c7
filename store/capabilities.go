package store

import (
	"context"

	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

// Tagged is the capability of entities carrying key/value tags.
type Tagged interface {
	Tags() map[string]string
	AddTags(ctx context.Context, tags map[string]string) error
	RemoveTags(ctx context.Context, keys []string) error
}

// Commented is the capability of entities carrying user comments.
type Commented interface {
	ListComments(ctx context.Context) ([]Comment, error)
	AddComment(ctx context.Context, text string) error
}

// Shared is the capability of entities shareable with other
// datastores.
type Shared interface {
	ListSharings(ctx context.Context) ([]Properties, error)
	AddSharings(ctx context.Context, datastores []string) error
	RemoveSharings(ctx context.Context, datastores []string) error
}

// Comment is one entry of an entity's comment thread.
type Comment struct {
	ID           string `json:"_id"`
	Text         string `json:"text"`
	CreationDate string `json:"creation"`
}

// Tags returns the entity's tags from the cached snapshot.
func (e *StoreEntity) Tags() map[string]string {
	raw, _ := e.props["tags"].(map[string]interface{})
	tags := make(map[string]string, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok {
			tags[key] = s
		}
	}
	return tags
}

// AddTags posts the given tags, then refreshes the snapshot. A nil or
// empty map is a no-op.
func (e *StoreEntity) AddTags(ctx context.Context, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_add_tags",
		RouteParams: e.routeParams(),
		Body:        tags,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.Update(ctx))
}

// RemoveTags deletes the given tag keys, then refreshes the snapshot.
func (e *StoreEntity) RemoveTags(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_delete_tags",
		RouteParams: e.routeParams(),
		Params:      requester.NewParams().Add("tags", keys...),
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.Update(ctx))
}

// ListComments fetches the entity's comment thread.
func (e *StoreEntity) ListComments(ctx context.Context) ([]Comment, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_list_comments",
		RouteParams: e.routeParams(),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var comments []Comment
	if len(resp.Body) > 0 {
		if err := resp.JSON(&comments); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return comments, nil
}

// AddComment appends a comment to the entity's thread.
func (e *StoreEntity) AddComment(ctx context.Context, text string) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_add_comment",
		RouteParams: e.routeParams(),
		Body:        map[string]interface{}{"text": text},
	})
	return errors.Trace(err)
}

// ListSharings fetches the datastores this entity is shared with.
func (e *StoreEntity) ListSharings(ctx context.Context) ([]Properties, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_list_sharings",
		RouteParams: e.routeParams(),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var sharings []Properties
	if len(resp.Body) > 0 {
		if err := resp.JSON(&sharings); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return sharings, nil
}

// AddSharings shares the entity with the given datastores.
func (e *StoreEntity) AddSharings(ctx context.Context, datastores []string) error {
	if len(datastores) == 0 {
		return nil
	}
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_add_sharing",
		RouteParams: e.routeParams(),
		Body:        datastores,
	})
	return errors.Trace(err)
}

// RemoveSharings withdraws the entity from the given datastores.
func (e *StoreEntity) RemoveSharings(ctx context.Context, datastores []string) error {
	if len(datastores) == 0 {
		return nil
	}
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_delete_sharing",
		RouteParams: e.routeParams(),
		Params:      requester.NewParams().Add("datastores", datastores...),
	})
	return errors.Trace(err)
}

// ReUpload replaces the entity's remote file with a local one (PUT),
// then refreshes the snapshot. Large files get a timeout picked from
// the route's size-indexed table.
func (e *StoreEntity) ReUpload(ctx context.Context, path string) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	params := map[string]interface{}{"store_entity": e.ID()}
	if e.datastore != "" {
		params["datastore"] = e.datastore
	}
	_, err = r.UploadFile(ctx, requester.RouteRequest{
		Name:        "store_entity_re_upload",
		RouteParams: params,
		Method:      "PUT",
	}, path, "file")
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.Update(ctx))
}
