// ABOUTME: Object list filters and the offset/limit pagination helper
// ABOUTME: Filters match on the resolved type name, exactly or by regexp

package inspect

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

type Filter[T any] interface {
	Filter(T) bool
}

type NoFilter[T any] struct{}

func (NoFilter[T]) Filter(T) bool { return true }

type TypeNameFilter struct {
	Name string
}

func (f TypeNameFilter) Filter(o Object) bool { return o.Type == f.Name }

type TypeNameRegexFilter struct {
	Re *regexp.Regexp
}

func (f TypeNameRegexFilter) Filter(o Object) bool { return f.Re.MatchString(o.Type) }

// NewFilter matches objects whose type is exactly typeName or, when
// typeName is empty, matches typeRe. Both empty accepts everything.
func NewFilter(typeName, typeRe string) (Filter[Object], error) {
	if typeName != "" {
		return TypeNameFilter{Name: typeName}, nil
	}
	if typeRe != "" {
		re, err := regexp.Compile(typeRe)
		if err != nil {
			return nil, errors.Wrap(err, "invalid type regexp")
		}
		return TypeNameRegexFilter{Re: re}, nil
	}
	return NoFilter[Object]{}, nil
}

func filterFromRequest(r *http.Request) (Filter[Object], error) {
	q := r.URL.Query()
	return NewFilter(q.Get("type"), q.Get("type_re"))
}

// pagination applies the offset and limit query parameters to ts. limit
// defaults to defaultLimit.
func pagination[T any](ts []T, r *http.Request, defaultLimit int) ([]T, error) {
	q := r.URL.Query()
	offset, limit := 0, defaultLimit
	var err error
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return nil, errors.Errorf("invalid offset %q", s)
		}
	}
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			return nil, errors.Errorf("invalid limit %q", s)
		}
	}
	if offset > len(ts) {
		offset = len(ts)
	}
	ts = ts[offset:]
	if limit < len(ts) {
		ts = ts[:limit]
	}
	return ts, nil
}
