// Package headers filters HTTP header sets against allow-lists.
package headers

import (
	"net/http"
	"strings"
)

// AllowList is a set of lowercase header names.
type AllowList map[string]struct{}

// NewAllowList builds an AllowList, lowercasing every name.
func NewAllowList(names ...string) AllowList {
	l := make(AllowList, len(names))
	for _, n := range names {
		l[strings.ToLower(n)] = struct{}{}
	}
	return l
}

// Allows reports whether name is in the list, ignoring case.
func (l AllowList) Allows(name string) bool {
	_, ok := l[strings.ToLower(name)]
	return ok
}

// ClientRequest lists the inbound client headers forwarded to upstream hosts.
var ClientRequest = NewAllowList(
	"accept",
	"accept-encoding",
	"if-modified-since",
	"if-none-match",
	"range",
	"user-agent",
)

// UpstreamResponse lists the upstream image response headers returned to the client.
var UpstreamResponse = NewAllowList(
	"content-type",
	"content-length",
	"etag",
	"last-modified",
	"vary",
	"cache-control",
	"age",
	"accept-ranges",
	"transfer-encoding",
)

// Filter returns a new header set holding only the entries of src whose name
// is allowed. Key spelling and value order are kept; src is not modified.
func Filter(src http.Header, allow AllowList) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if !allow.Allows(key) {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}
