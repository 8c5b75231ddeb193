package settings

import (
	"strings"

	"github.com/genricoloni/solo/internal/domain"
)

// IsBlacklisted reports whether locator's host equals, or is a subdomain of,
// any newline-separated entry of the blacklist.
func (s Settings) IsBlacklisted(locator string) bool {
	host := domain.Host(locator)
	if host == "" {
		return false
	}
	for _, line := range strings.Split(s.Blacklist, "\n") {
		entry := blacklistHost(line)
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func blacklistHost(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if strings.Contains(line, "://") {
		return domain.Host(line)
	}
	// bare entries may still carry a path or port
	if i := strings.IndexAny(line, "/:"); i >= 0 {
		line = line[:i]
	}
	return strings.ToLower(strings.TrimPrefix(line, "*."))
}
