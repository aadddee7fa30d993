package cachekey

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/jmgilman/go/errors"
)

// CodeKeyResolution marks requests for which no cache key can be derived.
// Such requests are passed through to the origin untouched.
const CodeKeyResolution errors.ErrorCode = "KEY_RESOLUTION_FAILED"

const (
	methodSeparator    = ":"
	dimensionSeparator = "\t"
	fieldSeparator     = "\n"
)

// Key identifies one cache slot.
// It is comparable and can be used as a map key.
type Key struct {
	Method string
	// Path is the normalized, escaped request path.
	Path string
	// Dimensions is the canonical encoding of the selected request dimensions.
	Dimensions string
}

// String renders the key as METHOD:path<TAB>dimensions.
func (k Key) String() string {
	return k.Method + methodSeparator + k.Path + dimensionSeparator + k.Dimensions
}

// Address is the content address of the key, used to name stored records.
func (k Key) Address() string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(k.String())))
}

// Parse rebuilds a key from its String form.
func Parse(s string) (Key, error) {
	method, rest, found := strings.Cut(s, methodSeparator)
	if !found || method == "" {
		return Key{}, errors.Newf(CodeKeyResolution, "malformed key: %q", s)
	}
	p, dims, found := strings.Cut(rest, dimensionSeparator)
	if !found {
		return Key{}, errors.Newf(CodeKeyResolution, "malformed key: %q", s)
	}
	return Key{Method: method, Path: p, Dimensions: dims}, nil
}

// Dimensions selects which parts of a request, besides method and path,
// take part in the key.
type Dimensions struct {
	// FullQuery includes the complete (sorted) query string.
	FullQuery bool `yaml:"fullQuery"`
	// Query lists individual query parameters to include.
	Query []string `yaml:"query"`
	// Headers lists request headers to include.
	Headers []string `yaml:"headers"`
}

// Resolver derives keys from requests.
type Resolver struct {
	Dimensions Dimensions
}

func NewResolver(dims Dimensions) Resolver {
	return Resolver{Dimensions: dims}
}

// Check reports whether a key can be derived for the request.
// Only GET and HEAD requests with a URL and a well-formed query are cacheable:
// pairs that fail to parse would otherwise drop out of the key.
func (r Resolver) Check(req *http.Request) error {
	if req == nil || req.URL == nil {
		return errors.New(CodeKeyResolution, "request has no URL")
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead && req.Method != "" {
		return errors.WithContext(
			errors.Newf(CodeKeyResolution, "method %s is not cacheable", req.Method),
			"method", req.Method)
	}
	if _, err := url.ParseQuery(req.URL.RawQuery); err != nil {
		return errors.WithContext(
			errors.Wrap(err, CodeKeyResolution, "malformed query"),
			"query", req.URL.RawQuery)
	}
	return nil
}

// Resolve returns the key for a request. It never fails: missing parts
// resolve to their empty value.
func (r Resolver) Resolve(req *http.Request) Key {
	method := http.MethodGet
	if req.Method != "" {
		method = req.Method
	}
	k := Key{Method: method, Path: "/"}
	if req.URL == nil {
		return k
	}
	k.Path = normalizePath(req.URL)
	k.Dimensions = r.dimensions(req)
	return k
}

func normalizePath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	// keep the trailing slash, /dir/ and /dir are different resources
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func (r Resolver) dimensions(req *http.Request) string {
	parts := make([]string, 0, 1+len(r.Dimensions.Query)+len(r.Dimensions.Headers))
	query := req.URL.Query()
	if r.Dimensions.FullQuery {
		// Encode sorts by key
		if q := query.Encode(); q != "" {
			parts = append(parts, "?"+q)
		}
	}
	if len(r.Dimensions.Query) > 0 {
		names := sortedCopy(r.Dimensions.Query)
		for _, name := range names {
			// one part per value, so ?p=a,b and ?p=a&p=b differ
			for _, value := range query[name] {
				parts = append(parts, "q:"+url.QueryEscape(name)+"="+url.QueryEscape(value))
			}
		}
	}
	if len(r.Dimensions.Headers) > 0 {
		names := sortedCopy(r.Dimensions.Headers)
		for _, name := range names {
			if values := req.Header.Values(name); len(values) > 0 {
				parts = append(parts, "h:"+strings.ToLower(name)+"="+url.QueryEscape(strings.Join(values, ",")))
			}
		}
	}
	return strings.Join(parts, fieldSeparator)
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
