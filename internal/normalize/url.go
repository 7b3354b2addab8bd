package normalize

import (
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"utm_source":      {},
	"utm_medium":      {},
	"utm_campaign":    {},
	"utm_term":        {},
	"utm_content":     {},
	"utm_id":          {},
	"utm_name":        {},
	"utm_reader":      {},
	"utm_place":       {},
	"utm_social":      {},
	"utm_social-type": {},
	"gclid":           {},
	"dclid":           {},
	"fbclid":          {},
	"msclkid":         {},
	"igshid":          {},
}

// CanonicalURL normalizes a URL string for use as a dedup key. It
// lowercases scheme and host, removes default ports, strips fragments,
// collapses duplicate path slashes, removes the trailing slash, drops
// tracking query parameters (utm_*, fbclid, etc.) and sorts the remaining
// query parameters deterministically. A schemeless URL defaults to https.
// Canonicalization is a fixed point: applying it twice equals applying it
// once.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	parsed, err := parseURLPreserveHost(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	if parts := strings.Split(host, ":"); len(parts) == 2 {
		port := parts[1]
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			host = parts[0]
		}
	}
	parsed.Host = host

	cleanPath := path.Clean(parsed.Path)
	if cleanPath == "." || cleanPath == "/" {
		cleanPath = ""
	}
	cleanPath = strings.TrimSuffix(cleanPath, "/")
	if cleanPath != "" && !strings.HasPrefix(cleanPath, "/") {
		cleanPath = "/" + cleanPath
	}
	parsed.Path = cleanPath

	parsed.Fragment = ""
	parsed.RawQuery = canonicalQuery(parsed.Query())

	return parsed.String(), nil
}

func canonicalQuery(query url.Values) string {
	for key := range query {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			query.Del(key)
		}
	}
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			if value != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(value))
			}
		}
	}
	return b.String()
}

// parseURLPreserveHost parses raw into a url.URL, handling schemeless
// inputs like "example.com/path" and "//example.com/path".
func parseURLPreserveHost(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		if strings.HasPrefix(raw, "//") {
			return url.Parse("https:" + raw)
		}
		return url.Parse("https://" + raw)
	}
	return parsed, nil
}
