package util

import (
	"strings"

	"github.com/grafana/regexp"
)

// CompileWildcard compiles a pattern where '*' matches any run of characters
// and '?' matches a single character. The pattern must match the whole input.
func CompileWildcard(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	return regexp.Compile("^" + quoted + "$")
}

// URLMatchesOrigins returns true if url starts with at least one of origins.
// Origins may contain the wildcards supported by CompileWildcard, and "*"
// matches every URL.
func URLMatchesOrigins(url string, origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
		re, err := CompileWildcard(origin + "*")
		if err != nil {
			continue
		}
		if re.MatchString(url) {
			return true
		}
	}
	return false
}
