package rfc9111

import (
	"net/http"
	"strings"
	"time"
)

// CacheControl implements parsing of the "Cache-Control" header (/field).
type CacheControl struct {
	directives map[string]string
}

// Get returns the value (/argument) of the specified directive,
// along with a boolean indicating whether this directive is present
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

// ParseCacheControl takes Cache-Control headers as a slice of strings
// and returns an instance of `CacheControl`.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	// note setting map values like this means last defined directive wins
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := strings.ToLower(parts[0])
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(parts[1], "\"")
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}

// ResponseCacheControl parses the Cache-Control field lines of a response header.
func ResponseCacheControl(header http.Header) CacheControl {
	return ParseCacheControl(header.Values("Cache-Control"))
}

// SMaxAge returns "s-maxage", the lifetime for shared caches.
func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("s-maxage")
}

// SMaxAgeDirective formats an "s-maxage" directive for the given lifetime.
func SMaxAgeDirective(lifetime time.Duration) string {
	return "s-maxage=" + ToDeltaSeconds(lifetime)
}

// getDeltaSeconds returns the "delta-seconds" as `time.Duration`,
// as well as a boolean indicating whether the directive was set.
//
// Examples:
// directive    -> 0,  false
// directive=0  -> 0,  true
// directive=60 -> 60, true
func (c CacheControl) getDeltaSeconds(directive string) (time.Duration, bool) {
	if secondsStr, ok := c.Get(directive); ok && secondsStr != "" {
		return deltaSeconds(secondsStr), true
	}
	return 0, false
}
