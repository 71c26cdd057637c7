package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

var logger = loggo.GetLogger("sdk.entrepot.store")

// Properties is the attribute map of an entity, as returned by the
// API. The "_id" attribute is always present and immutable.
type Properties map[string]interface{}

// kind identifies an entity family: its route-name prefix and the
// human label used in messages.
type kind struct {
	name  string
	title string
}

var (
	uploadKind              = kind{"upload", "livraison"}
	storedDataKind          = kind{"stored_data", "donnée stockée"}
	processingExecutionKind = kind{"processing_execution", "exécution de traitement"}
	configurationKind       = kind{"configuration", "configuration"}
	offeringKind            = kind{"offering", "offre"}
	accessKind              = kind{"access", "accès"}
	permissionKind          = kind{"permission", "permission"}
	datastoreKind           = kind{"datastore", "entrepôt"}
)

func apiRequester() (*requester.APIRequester, error) {
	return requester.Instance()
}

// StoreEntity is the common behaviour of all remote entities: a cached
// attribute map plus the CRUD verbs. Kind-specific types embed it.
type StoreEntity struct {
	kind      kind
	datastore string
	props     Properties
}

// ID returns the remote identifier.
func (e *StoreEntity) ID() string {
	return e.Str("_id")
}

// Name returns the name attribute, empty when absent.
func (e *StoreEntity) Name() string {
	return e.Str("name")
}

// Status returns the status attribute, empty when absent.
func (e *StoreEntity) Status() string {
	return e.Str("status")
}

// Datastore returns the datastore this entity was fetched from, empty
// when the configured default applies.
func (e *StoreEntity) Datastore() string {
	return e.datastore
}

// Properties returns the cached attribute map.
func (e *StoreEntity) Properties() Properties {
	return e.props
}

// Prop returns an arbitrary attribute.
func (e *StoreEntity) Prop(key string) interface{} {
	return e.props[key]
}

// Str returns a string attribute, empty when absent or of another
// type.
func (e *StoreEntity) Str(key string) string {
	s, _ := e.props[key].(string)
	return s
}

// ToJSON serialises the cached attribute map.
func (e *StoreEntity) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(e.props, "", "  ")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// String is part of fmt.Stringer.
func (e *StoreEntity) String() string {
	if name := e.Name(); name != "" {
		return fmt.Sprintf("%s %q (%s)", e.kind.title, name, e.ID())
	}
	return fmt.Sprintf("%s %s", e.kind.title, e.ID())
}

// routeParams returns the parameters resolving this entity's routes.
func (e *StoreEntity) routeParams() map[string]interface{} {
	params := map[string]interface{}{e.kind.name: e.ID()}
	if e.datastore != "" {
		params["datastore"] = e.datastore
	}
	return params
}

// Update replaces the cached attribute map with the authoritative
// remote snapshot. No merging.
func (e *StoreEntity) Update(ctx context.Context) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_get",
		RouteParams: e.routeParams(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	var props Properties
	if err := resp.JSON(&props); err != nil {
		return errors.Trace(err)
	}
	e.props = props
	return nil
}

// Delete removes the entity remotely.
func (e *StoreEntity) Delete(ctx context.Context) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("suppression de %s", e)
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_delete",
		RouteParams: e.routeParams(),
	})
	return errors.Trace(err)
}

// FullEdit replaces the whole remote entity (PUT), then refreshes the
// local snapshot.
func (e *StoreEntity) FullEdit(ctx context.Context, body Properties) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        e.kind.name + "_full_edit",
		RouteParams: e.routeParams(),
		Body:        body,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.Update(ctx))
}

// Edit merges the given attributes into the current snapshot and
// pushes the result as a full replacement. Nested maps are merged
// recursively; lists are merged element by element.
func (e *StoreEntity) Edit(ctx context.Context, edit Properties) error {
	merged, _ := mergeValues(map[string]interface{}(e.props), map[string]interface{}(edit)).(map[string]interface{})
	return errors.Trace(e.FullEdit(ctx, Properties(merged)))
}

// mergeValues merges edit into base: maps recurse, lists merge element
// by element (extra edit elements are appended), anything else is
// replaced by the edit value.
func mergeValues(base, edit interface{}) interface{} {
	switch edit := edit.(type) {
	case map[string]interface{}:
		baseMap, ok := base.(map[string]interface{})
		if !ok {
			return edit
		}
		out := make(map[string]interface{}, len(baseMap)+len(edit))
		for k, v := range baseMap {
			out[k] = v
		}
		for k, v := range edit {
			out[k] = mergeValues(baseMap[k], v)
		}
		return out
	case []interface{}:
		baseList, ok := base.([]interface{})
		if !ok {
			return edit
		}
		out := make([]interface{}, 0, len(baseList))
		out = append(out, baseList...)
		for i, v := range edit {
			if i < len(out) {
				out[i] = mergeValues(out[i], v)
			} else {
				out = append(out, v)
			}
		}
		return out
	default:
		return edit
	}
}

// getProps fetches one entity's attribute map.
func getProps(ctx context.Context, k kind, id, datastore string) (Properties, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	params := map[string]interface{}{k.name: id}
	if datastore != "" {
		params["datastore"] = datastore
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        k.name + "_get",
		RouteParams: params,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var props Properties
	if err := resp.JSON(&props); err != nil {
		return nil, errors.Trace(err)
	}
	return props, nil
}

// createProps creates an entity and returns the attribute map the
// server answered with.
func createProps(ctx context.Context, k kind, body Properties, routeParams map[string]interface{}, datastore string) (Properties, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	params := map[string]interface{}{}
	for key, value := range routeParams {
		params[key] = value
	}
	if datastore != "" {
		if _, ok := params["datastore"]; !ok {
			params["datastore"] = datastore
		}
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        k.name + "_create",
		RouteParams: params,
		Method:      "POST",
		Body:        body,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var props Properties
	if err := resp.JSON(&props); err != nil {
		return nil, errors.Trace(err)
	}
	return props, nil
}

// listProps walks the pages of a listing route, filtering on entity
// attributes and tags. Filter keys are sorted so the query string is
// stable.
func listProps(ctx context.Context, k kind, infos, tags map[string]string, datastore string, pageSize int) ([]Properties, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	params := requester.NewParams()
	for _, key := range sortedKeys(infos) {
		params.Add(key, infos[key])
	}
	for _, key := range sortedKeys(tags) {
		params.Add("tags["+key+"]", tags[key])
	}
	routeParams := map[string]interface{}{}
	if datastore != "" {
		routeParams["datastore"] = datastore
	}
	items, err := r.ListAll(ctx, requester.RouteRequest{
		Name:        k.name + "_list",
		RouteParams: routeParams,
		Params:      params,
	}, pageSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	results := make([]Properties, 0, len(items))
	for _, item := range items {
		var props Properties
		if err := json.Unmarshal(item, &props); err != nil {
			return nil, errors.Annotatef(err, "listing des %ss", k.title)
		}
		results = append(results, props)
	}
	return results, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
