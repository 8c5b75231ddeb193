package domain

import (
	"net/url"
	"strings"
)

// Origin returns scheme://host[:port] for a locator, or "" if it cannot be parsed.
// Non-URL locators (e.g. bus names) are their own origin.
func Origin(locator string) string {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return ""
	}
	u, err := url.Parse(locator)
	if err != nil {
		return ""
	}
	if u.Scheme == "" || u.Host == "" {
		if u.Scheme == "file" {
			return "file://"
		}
		return locator
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Host returns the lowercase hostname of a locator without the port.
func Host(locator string) string {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SameOrigin compares the origins of two locators. An empty locator on either
// side is treated as unknown and matches.
func SameOrigin(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return true
	}
	return Origin(a) == Origin(b)
}
