package ingest

import (
	"net/url"
	"strings"
)

var trackingPrefixes = []string{"utm_"}

var trackingParams = map[string]bool{
	"fbclid":      true,
	"gclid":       true,
	"dclid":       true,
	"msclkid":     true,
	"yclid":       true,
	"igshid":      true,
	"ref":         true,
	"source":      true,
	"campaign_id": true,
	"_ga":         true,
	"_gl":         true,
	"mc_cid":      true,
	"mc_eid":      true,
	"mkt_tok":     true,
	"_hsenc":      true,
	"_hsmi":       true,
	"s_cid":       true,
}

func isTrackingParam(key string) bool {
	if trackingParams[key] {
		return true
	}
	for _, p := range trackingPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// NormalizeURL canonicalizes a URL for comparison. It never fails: input that
// cannot be parsed as an absolute URL comes back lower-cased and trimmed.
func NormalizeURL(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return s
	}

	if hasNonWebScheme(s) {
		return s
	}

	candidate := s
	switch {
	case strings.HasPrefix(candidate, "//"):
		candidate = "https:" + candidate
	case !strings.Contains(candidate, "://"):
		candidate = "https://" + candidate
	}

	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return s
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	u.Host = stripDefaultPort(u.Scheme, u.Host)

	// Path and query are lower-cased again after decoding so escaped
	// letters ("%41") normalize the same as literal ones.
	path := strings.ToLower(u.Path)
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if path == "" {
		path = "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	u.Path = path
	u.RawPath = ""

	parsed, _ := url.ParseQuery(u.RawQuery)
	q := url.Values{}
	for k, vs := range parsed {
		k = strings.ToLower(k)
		if isTrackingParam(k) {
			continue
		}
		for _, v := range vs {
			q.Add(k, strings.ToLower(v))
		}
	}
	// Encode sorts by key.
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String()
}

// hasNonWebScheme reports inputs like "mailto:" or "tel:" that carry a scheme
// without an authority.
func hasNonWebScheme(s string) bool {
	if strings.Contains(s, "://") || strings.HasPrefix(s, "//") {
		return false
	}
	i := strings.Index(s, ":")
	if i <= 0 {
		return false
	}
	prefix := s[:i]
	return !strings.ContainsAny(prefix, "./")
}

func stripDefaultPort(scheme, host string) string {
	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	}
	return host
}
