package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// routingSection is the configuration section carrying the route
// table. Each key is a route name and each value a JSON object:
//
//	upload_create = {"url": "/uploads", "method": "POST"}
//	upload_push   = {"url": "/uploads/{upload}/data", "method": "POST", "timeout": [[100000, 60], [10000000, 600]]}
//
// The timeout may be a scalar (seconds), null (no timeout at all) or
// an ordered list of [size_threshold_bytes, timeout_seconds] pairs
// (the seconds of a pair may themselves be null).
const routingSection = "routing"

// Route is one entry of the route table: a URL template with named
// placeholders, an HTTP method and an optional timeout policy.
type Route struct {
	Name    string
	URL     string
	Method  string
	Timeout Timeout
}

// RouteNotFoundError reports a route name absent from the route table.
// This is a programming error: the route table is under the SDK's
// control.
type RouteNotFoundError struct {
	Name string
}

// Error implements error.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("la route %q n'est pas définie dans la configuration", e.Name)
}

// IsRouteNotFound reports whether err is a *RouteNotFoundError.
func IsRouteNotFound(err error) bool {
	var rnf *RouteNotFoundError
	return errors.As(err, &rnf)
}

// Route returns the named route table entry.
func (c *Config) Route(name string) (Route, error) {
	r, ok := c.routes[name]
	if !ok {
		return Route{}, &RouteNotFoundError{Name: name}
	}
	return r, nil
}

func parseRoutes(file *ini.File) (map[string]Route, error) {
	routes := make(map[string]Route)
	section, err := file.GetSection(routingSection)
	if err != nil {
		// No route table configured at all.
		return routes, nil
	}
	for _, key := range section.Keys() {
		route, err := parseRoute(key.Name(), key.Value())
		if err != nil {
			return nil, errors.Annotatef(err, "route %q", key.Name())
		}
		routes[key.Name()] = route
	}
	return routes, nil
}

func parseRoute(name, value string) (Route, error) {
	var raw struct {
		URL     string          `json:"url"`
		Method  string          `json:"method"`
		Timeout json.RawMessage `json:"timeout"`
	}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return Route{}, errors.Annotate(err, "entrée de routage non parsable")
	}
	// An empty URL is legal: it designates the datastore root itself.
	method := raw.Method
	if method == "" {
		method = "GET"
	}
	timeout, err := parseTimeout(raw.Timeout)
	if err != nil {
		return Route{}, errors.Trace(err)
	}
	return Route{Name: name, URL: raw.URL, Method: method, Timeout: timeout}, nil
}

type timeoutMode int

const (
	timeoutUnset timeoutMode = iota
	timeoutNone
	timeoutFixed
	timeoutBySize
)

// SizeTimeout is one [size_threshold_bytes, timeout_seconds] pair of a
// size-indexed timeout table. None marks a null timeout (no timeout).
type SizeTimeout struct {
	Threshold int64
	Seconds   int
	None      bool
}

// Timeout is the timeout policy of a route.
type Timeout struct {
	mode    timeoutMode
	seconds int
	bySize  []SizeTimeout
}

func parseTimeout(raw json.RawMessage) (Timeout, error) {
	if len(raw) == 0 {
		return Timeout{}, nil
	}
	if string(raw) == "null" {
		return Timeout{mode: timeoutNone}, nil
	}
	var seconds int
	if err := json.Unmarshal(raw, &seconds); err == nil {
		return Timeout{mode: timeoutFixed, seconds: seconds}, nil
	}
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return Timeout{}, errors.Errorf("timeout non reconnu : %s", raw)
	}
	table := make([]SizeTimeout, 0, len(pairs))
	for _, pair := range pairs {
		var entry SizeTimeout
		if err := json.Unmarshal(pair[0], &entry.Threshold); err != nil {
			return Timeout{}, errors.Annotatef(err, "seuil de taille non reconnu : %s", pair[0])
		}
		if string(pair[1]) == "null" {
			entry.None = true
		} else if err := json.Unmarshal(pair[1], &entry.Seconds); err != nil {
			return Timeout{}, errors.Annotatef(err, "timeout non reconnu : %s", pair[1])
		}
		table = append(table, entry)
	}
	return Timeout{mode: timeoutBySize, bySize: table}, nil
}

// Request returns the timeout to apply to a plain request on this
// route: the returned bool is false when the route explicitly declares
// no timeout at all. A size-indexed table does not apply to plain
// requests and falls back to the given default.
func (t Timeout) Request(fallback time.Duration) (time.Duration, bool) {
	switch t.mode {
	case timeoutNone:
		return 0, false
	case timeoutFixed:
		return time.Duration(t.seconds) * time.Second, true
	default:
		return fallback, true
	}
}

// ForSize returns the timeout to apply to an upload of the given size:
// the first pair whose threshold is at least the file size wins; when
// no pair matches the fallback applies; a null entry (route-level or
// pair-level) means no timeout at all.
func (t Timeout) ForSize(size int64, fallback time.Duration) (time.Duration, bool) {
	switch t.mode {
	case timeoutNone:
		return 0, false
	case timeoutFixed:
		return time.Duration(t.seconds) * time.Second, true
	case timeoutBySize:
		for _, entry := range t.bySize {
			if entry.Threshold >= size {
				if entry.None {
					return 0, false
				}
				return time.Duration(entry.Seconds) * time.Second, true
			}
		}
		return fallback, true
	default:
		return fallback, true
	}
}
