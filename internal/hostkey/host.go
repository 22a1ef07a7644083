// host.go — Host-key derivation: the single place that turns a page URL into
// the host identity used to name session directories and NDJSON streams.
package hostkey

import (
	"net/url"
	"strings"
)

// Unknown is substituted for any URL whose host cannot be determined
// (opaque origins, data: URLs, malformed input, empty strings).
const Unknown = "unknown"

// Derive returns the host key for rawURL: the lowercased hostname with a
// leading "www." or "m." stripped, or Unknown if no host is present.
//
// This mirrors internal/util.ExtractOrigin's URL handling (data:/blob:
// awareness) but returns a bare host suitable for directory names instead of
// a scheme://host origin string.
func Derive(rawURL string) string {
	if rawURL == "" {
		return Unknown
	}
	if strings.HasPrefix(rawURL, "data:") {
		return Unknown
	}

	trimmed := strings.TrimPrefix(rawURL, "blob:")

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return Unknown
	}

	host := parsed.Hostname()
	if host == "" {
		return Unknown
	}

	host = strings.ToLower(host)
	switch {
	case strings.HasPrefix(host, "www."):
		host = host[len("www."):]
	case strings.HasPrefix(host, "m."):
		host = host[len("m."):]
	}
	if host == "" {
		return Unknown
	}
	return host
}
