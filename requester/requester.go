package requester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	sdkentrepot "github.com/Geoplateforme/sdk-entrepot"
	"github.com/Geoplateforme/sdk-entrepot/auth"
	"github.com/Geoplateforme/sdk-entrepot/config"
)

var logger = loggo.GetLogger("sdk.entrepot.requester")

// DefaultTimeout applies to any request whose route does not carry its
// own timeout policy.
const DefaultTimeout = 600 * time.Second

// Transport is responsible for making the actual HTTP requests.
type Transport interface {
	// Do performs the request and returns the response.
	Do(req *http.Request) (*http.Response, error)
}

// AuthProvider supplies the authentication headers of a request and
// drops the cached token when the server rejects it.
type AuthProvider interface {
	Header(ctx context.Context, jsonContentType bool) (map[string]string, error)
	Revoke()
}

// singletonAuth delegates to the process-wide authenticator.
type singletonAuth struct{}

func (singletonAuth) Header(ctx context.Context, jsonContentType bool) (map[string]string, error) {
	a, err := auth.Instance()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return a.HTTPHeader(ctx, jsonContentType)
}

func (singletonAuth) Revoke() {
	if a, err := auth.Instance(); err == nil {
		a.RevokeToken()
	}
}

// FilePart describes one file of a multipart upload. Open is called
// once per attempt so retries re-read the file from the start.
type FilePart struct {
	Key  string
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// RouteRequest describes a call to a named route of the configuration.
type RouteRequest struct {
	// Name is the route name in the [routing] section.
	Name string
	// RouteParams fills the {placeholder} segments of the route URL.
	// The "datastore" entry overrides the configured datastore.
	RouteParams map[string]interface{}
	// Method overrides the route method when non empty.
	Method string
	// Params are appended to the URL as a query string.
	Params *Params
	// Body is JSON-encoded when Files is empty; with Files it must be
	// a map[string]string of extra form fields (or nil).
	Body interface{}
	// Files turns the request into a streamed multipart upload.
	Files []FilePart
	// Header entries are set after the authentication headers and may
	// override them.
	Header map[string]string
	// Timeout forces a per-attempt timeout when positive. When zero
	// the route policy applies, then DefaultTimeout.
	Timeout time.Duration
	// DisableTimeout removes the per-attempt timeout entirely.
	DisableTimeout bool
}

// APIRequester performs authenticated calls against the Entrepôt API,
// retrying transient failures and mapping HTTP statuses onto typed
// errors.
type APIRequester struct {
	cfg       *config.Config
	transport Transport
	clock     clock.Clock
	auth      AuthProvider
}

// New returns an APIRequester using the given configuration and
// transport, authenticated through the process-wide authenticator.
func New(cfg *config.Config, transport Transport, clk clock.Clock) *APIRequester {
	return NewWithAuth(cfg, transport, clk, singletonAuth{})
}

// NewWithAuth returns an APIRequester with an explicit authentication
// provider.
func NewWithAuth(cfg *config.Config, transport Transport, clk clock.Clock, auth AuthProvider) *APIRequester {
	return &APIRequester{
		cfg:       cfg,
		transport: transport,
		clock:     clk,
		auth:      auth,
	}
}

// Route resolves the named route against the configuration and
// performs the request.
func (r *APIRequester) Route(ctx context.Context, req RouteRequest) (*Response, error) {
	route, err := r.cfg.Route(req.Name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	urlStr, err := r.resolveURL(route, req.RouteParams)
	if err != nil {
		return nil, errors.Trace(err)
	}
	method := req.Method
	if method == "" {
		method = route.Method
	}
	if req.Timeout == 0 && !req.DisableTimeout {
		d, has := route.Timeout.Request(DefaultTimeout)
		if has {
			req.Timeout = d
		} else {
			req.DisableTimeout = true
		}
	}
	return r.URL(ctx, urlStr, method, req)
}

// UploadFile pushes the file at path through the named route as a
// multipart request, picking the timeout from the route's size-indexed
// policy.
func (r *APIRequester) UploadFile(ctx context.Context, req RouteRequest, path, fileKey string) (*Response, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Annotatef(err, "fichier %q", path)
	}
	route, err := r.cfg.Route(req.Name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if req.Timeout == 0 && !req.DisableTimeout {
		d, has := route.Timeout.ForSize(info.Size(), DefaultTimeout)
		if has {
			req.Timeout = d
		} else {
			req.DisableTimeout = true
		}
	}
	req.Files = append(req.Files, FilePart{
		Key:  fileKey,
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	})
	if req.Method == "" {
		req.Method = route.Method
	}
	return r.Route(ctx, req)
}

// URL performs the request against an absolute URL, retrying transient
// failures up to the configured number of attempts.
func (r *APIRequester) URL(ctx context.Context, urlStr, method string, req RouteRequest) (*Response, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, sdkentrepot.Errorf("L'URL indiquée en configuration est invalide ou inexistante. Contactez le support.")
	}
	if !req.Params.IsEmpty() {
		sep := "?"
		if parsed.RawQuery != "" {
			sep = "&"
		}
		urlStr += sep + req.Params.Encode()
	}

	attempts := r.cfg.IntDefault("store_api", "nb_attempts", 3)
	delay := time.Duration(r.cfg.IntDefault("store_api", "sec_between_attempts", 1)) * time.Second
	if delay <= 0 {
		delay = time.Millisecond
	}

	var resp *Response
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			res, err := r.attempt(ctx, urlStr, method, req)
			if err != nil {
				return err
			}
			resp = res
			return nil
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    r.clock,
		IsFatalError: func(err error) bool {
			var transient *transientError
			return !errors.As(err, &transient)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Warningf("tentative %d sur %s %s en échec : %v", attempt, method, urlStr, lastError)
		},
		Stop: ctx.Done(),
	})
	if err == nil {
		return resp, nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		var transient *transientError
		if errors.As(retry.LastError(err), &transient) && transient.connection {
			statusURL := r.cfg.StrDefault("store_api", "check_status_url", "")
			return nil, sdkentrepot.Errorf("Le serveur de l'API Entrepôt (%s) n'est pas joignable. Cela peut être dû à une perte de réseau ou à une indisponibilité du serveur. Vous pouvez vérifier l'état des services ici : %s.", urlStr, statusURL)
		}
		return nil, sdkentrepot.Errorf("L'exécution d'une requête a échoué après %d tentatives.", attempts)
	}
	return nil, errors.Trace(err)
}

// ListAll walks the pages of a listing route and returns the
// concatenated elements, using the Content-Range header to decide when
// to stop.
func (r *APIRequester) ListAll(ctx context.Context, req RouteRequest, pageSize int) ([]json.RawMessage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	var results []json.RawMessage
	for page := 1; ; page++ {
		paged := req
		paged.Params = req.Params.Clone()
		paged.Params.Set("page", strconv.Itoa(page))
		paged.Params.Set("limit", strconv.Itoa(pageSize))
		resp, err := r.Route(ctx, paged)
		if err != nil {
			return nil, errors.Trace(err)
		}
		var items []json.RawMessage
		if len(resp.Body) > 0 {
			if err := resp.JSON(&items); err != nil {
				return nil, errors.Trace(err)
			}
		}
		results = append(results, items...)
		if len(items) == 0 || !RangeNextPage(resp.Header.Get("Content-Range"), len(results)) {
			break
		}
	}
	return results, nil
}

// resolveURL builds the absolute URL of a route: the configured root,
// the implicit datastore prefix, then the route path with its
// placeholders substituted.
func (r *APIRequester) resolveURL(route config.Route, params map[string]interface{}) (string, error) {
	root, err := r.cfg.Str("store_api", "root_url")
	if err != nil {
		return "", errors.Trace(err)
	}
	datastore := r.cfg.StrDefault("store_api", "datastore", "")
	if v, ok := params["datastore"]; ok {
		datastore = fmt.Sprint(v)
	}
	if datastore == "" {
		return "", sdkentrepot.Errorf("Aucun datastore n'est précisé : indiquez-le en configuration (section store_api) ou en paramètre de la requête.")
	}
	path := "/api/v1/datastores/" + datastore + route.URL
	for key, value := range params {
		path = strings.ReplaceAll(path, "{"+key+"}", fmt.Sprint(value))
	}
	if idx := strings.IndexByte(path, '{'); idx >= 0 {
		return "", sdkentrepot.Errorf("Impossible de résoudre la route %q : paramètre manquant dans %q.", route.Name, path)
	}
	return strings.TrimRight(root, "/") + path, nil
}

// attempt performs one HTTP request and classifies the outcome.
func (r *APIRequester) attempt(ctx context.Context, urlStr, method string, opts RouteRequest) (*Response, error) {
	if !opts.DisableTimeout {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, contentType, err := r.requestBody(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	headers, err := r.auth.Header(ctx, opts.Body != nil && len(opts.Files) == 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for key, value := range opts.Header {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := r.transport.Do(httpReq)
	if err != nil {
		return nil, &transientError{connection: true, cause: err}
	}
	defer func() { _ = httpResp.Body.Close() }()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &transientError{connection: true, cause: err}
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		return &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Body:       respBody,
		}, nil
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		// The token is stale or lacks rights: drop it so the next
		// attempt authenticates from scratch.
		r.auth.Revoke()
		return nil, &transientError{cause: errors.Errorf("statut %d sur %s", httpResp.StatusCode, urlStr)}
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, errors.NotFoundf("L'entité demandée n'existe pas (%s). Contactez le support si vous n'êtes pas à l'origine de la demande", urlStr)
	case httpResp.StatusCode == http.StatusConflict:
		return nil, &ConflictError{URL: urlStr, Body: respBody}
	case httpResp.StatusCode == http.StatusBadRequest:
		return nil, &BadRequestError{URL: urlStr, Detail: serverMessage(respBody)}
	default:
		return nil, &transientError{cause: errors.Errorf("statut %d sur %s : %s", httpResp.StatusCode, urlStr, bytes.TrimSpace(respBody))}
	}
}

// requestBody builds the request body and its content type. JSON
// bodies are buffered; multipart bodies are streamed through a pipe so
// large files never sit in memory.
func (r *APIRequester) requestBody(opts RouteRequest) (io.Reader, string, error) {
	if len(opts.Files) == 0 {
		if opts.Body == nil {
			return nil, "", nil
		}
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, "", errors.Annotate(err, "encodage du corps de la requête")
		}
		return bytes.NewReader(data), "", nil
	}

	fields, _ := opts.Body.(map[string]string)
	if opts.Body != nil && fields == nil {
		return nil, "", errors.NotValidf("corps de requête multipart (map[string]string attendu)")
	}
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for key, value := range fields {
				if err := writer.WriteField(key, value); err != nil {
					return errors.Trace(err)
				}
			}
			for _, file := range opts.Files {
				part, err := writer.CreateFormFile(file.Key, file.Name)
				if err != nil {
					return errors.Trace(err)
				}
				rc, err := file.Open()
				if err != nil {
					return errors.Trace(err)
				}
				if _, err := io.Copy(part, rc); err != nil {
					_ = rc.Close()
					return errors.Trace(err)
				}
				if err := rc.Close(); err != nil {
					return errors.Trace(err)
				}
			}
			return writer.Close()
		}()
		pw.CloseWithError(err)
	}()
	return pr, writer.FormDataContentType(), nil
}
