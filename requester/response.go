package requester

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Response is the outcome of a successful API call: the status code
// is always 2xx, the body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into out.
func (r *Response) JSON(out interface{}) error {
	if len(r.Body) == 0 {
		return errors.NotValidf("réponse vide")
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return errors.Annotate(err, "décodage de la réponse de l'API")
	}
	return nil
}

// RangeNextPage reports whether a further page remains, given a
// Content-Range header ("start-end/total") and the number of elements
// already received. A missing or unparseable header means the listing
// is complete.
func RangeNextPage(contentRange string, received int) bool {
	idx := strings.LastIndex(contentRange, "/")
	if idx < 0 {
		return false
	}
	total, err := strconv.Atoi(strings.TrimSpace(contentRange[idx+1:]))
	if err != nil {
		return false
	}
	return received < total
}
