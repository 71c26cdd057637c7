package requester

import (
	"net/http"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/config"
)

var current *APIRequester

// Setup installs the given requester as the process-wide instance.
func Setup(r *APIRequester) {
	current = r
}

// Instance returns the process-wide requester, building it from the
// configuration singleton on first use.
func Instance() (*APIRequester, error) {
	if current != nil {
		return current, nil
	}
	cfg, err := config.Instance()
	if err != nil {
		return nil, errors.Trace(err)
	}
	current = New(cfg, &http.Client{}, clock.WallClock)
	return current, nil
}

// Reset drops the singleton so the next Instance call rebuilds it.
func Reset() {
	current = nil
}
