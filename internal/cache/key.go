package cache

import (
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// RequestKey identifies a cached response: upper-case method plus the
// normalized URL.
func RequestKey(method string, u *url.URL) string {
	return strings.ToUpper(method) + " " + NormalizeURL(u)
}

// NormalizeURL lower-cases the scheme and host, converts IDN hosts to ASCII,
// drops default ports and the fragment, and sorts query parameters so that
// equivalent URLs share one cache entry.
func NormalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)

	host := u.Hostname()
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	host = strings.ToLower(host)
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host += ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		// Encode sorts by key; values keep their original order.
		b.WriteByte('?')
		b.WriteString(u.Query().Encode())
	}
	return b.String()
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
