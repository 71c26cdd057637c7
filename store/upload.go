package store

import (
	"context"

	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

// Upload statuses.
const (
	UploadStatusOpen     = "OPEN"
	UploadStatusClosed   = "CLOSED"
	UploadStatusChecking = "CHECKING"
	UploadStatusUnstable = "UNSTABLE"
)

// Upload is a server-side collection of files prior to processing.
type Upload struct {
	StoreEntity
}

var (
	_ Tagged    = (*Upload)(nil)
	_ Commented = (*Upload)(nil)
	_ Shared    = (*Upload)(nil)
)

// NewUpload wraps an attribute map already fetched from the API.
func NewUpload(props Properties, datastore string) *Upload {
	return &Upload{StoreEntity{kind: uploadKind, datastore: datastore, props: props}}
}

// GetUpload fetches one upload by id.
func GetUpload(ctx context.Context, id, datastore string) (*Upload, error) {
	props, err := getProps(ctx, uploadKind, id, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewUpload(props, datastore), nil
}

// ListUploads lists the uploads matching the attribute and tag
// filters.
func ListUploads(ctx context.Context, infos, tags map[string]string, datastore string) ([]*Upload, error) {
	items, err := listProps(ctx, uploadKind, infos, tags, datastore, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	uploads := make([]*Upload, len(items))
	for i, props := range items {
		uploads[i] = NewUpload(props, datastore)
	}
	return uploads, nil
}

// CreateUpload creates an upload from the given body.
func CreateUpload(ctx context.Context, body Properties, datastore string) (*Upload, error) {
	props, err := createProps(ctx, uploadKind, body, nil, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewUpload(props, datastore), nil
}

// IsOpen reports whether files can still be pushed to the upload.
func (u *Upload) IsOpen() bool {
	if open, ok := u.props["open"].(bool); ok {
		return open
	}
	return u.Status() == UploadStatusOpen
}

// PushDataFile streams a local data file to the upload, under the
// given remote directory.
func (u *Upload) PushDataFile(ctx context.Context, path, remoteDir string) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("envoi du fichier %q vers %s", path, u)
	_, err = r.UploadFile(ctx, requester.RouteRequest{
		Name:        "upload_push_data",
		RouteParams: u.routeParams(),
		Params:      requester.NewParams().Add("path", remoteDir),
	}, path, "file")
	return errors.Trace(err)
}

// PushMD5File streams a local md5 checksum file to the upload.
func (u *Upload) PushMD5File(ctx context.Context, path string) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.UploadFile(ctx, requester.RouteRequest{
		Name:        "upload_push_md5",
		RouteParams: u.routeParams(),
	}, path, "file")
	return errors.Trace(err)
}

// Open re-opens a closed upload, then refreshes the snapshot.
func (u *Upload) Open(ctx context.Context) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        "upload_open",
		RouteParams: u.routeParams(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(u.Update(ctx))
}

// Close closes the upload, triggering the server-side checks, then
// refreshes the snapshot.
func (u *Upload) Close(ctx context.Context) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        "upload_close",
		RouteParams: u.routeParams(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(u.Update(ctx))
}

// Checks returns the server-side verification report, grouped by
// state (asked, in_progress, passed, failed).
func (u *Upload) Checks(ctx context.Context) (map[string][]Properties, error) {
	r, err := apiRequester()
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        "upload_checks",
		RouteParams: u.routeParams(),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var checks map[string][]Properties
	if err := resp.JSON(&checks); err != nil {
		return nil, errors.Trace(err)
	}
	return checks, nil
}
