package requester

import (
	"net/url"
	"strings"
)

// Params holds query string parameters, preserving their insertion
// order (url.Values cannot: it re-orders keys when encoding).
// Multi-valued keys are serialised with bracketed names
// (k[]=v1&k[]=v2) unless the caller already supplied the brackets.
type Params struct {
	pairs []paramPair
}

type paramPair struct {
	key    string
	values []string
}

// NewParams returns an empty parameter list.
func NewParams() *Params {
	return &Params{}
}

// Add appends values under the given key, creating it if needed.
func (p *Params) Add(key string, values ...string) *Params {
	for i := range p.pairs {
		if p.pairs[i].key == key {
			p.pairs[i].values = append(p.pairs[i].values, values...)
			return p
		}
	}
	p.pairs = append(p.pairs, paramPair{key: key, values: values})
	return p
}

// Set replaces the values of the given key, creating it if needed.
func (p *Params) Set(key string, values ...string) *Params {
	for i := range p.pairs {
		if p.pairs[i].key == key {
			p.pairs[i].values = values
			return p
		}
	}
	p.pairs = append(p.pairs, paramPair{key: key, values: values})
	return p
}

// Clone returns an independent copy.
func (p *Params) Clone() *Params {
	if p == nil {
		return NewParams()
	}
	out := &Params{pairs: make([]paramPair, len(p.pairs))}
	for i, pair := range p.pairs {
		out.pairs[i] = paramPair{key: pair.key, values: append([]string(nil), pair.values...)}
	}
	return out
}

// IsEmpty reports whether no parameter is set.
func (p *Params) IsEmpty() bool {
	return p == nil || len(p.pairs) == 0
}

// Encode serialises the parameters in insertion order.
func (p *Params) Encode() string {
	if p.IsEmpty() {
		return ""
	}
	var b strings.Builder
	for _, pair := range p.pairs {
		key := pair.key
		if len(pair.values) > 1 && !strings.HasSuffix(key, "[]") {
			key += "[]"
		}
		for _, v := range pair.values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
