package plugin

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	snakeNamePattern = regexp.MustCompile(`^use_(.+)$`)
	camelNamePattern = regexp.MustCompile(`^Use([A-Z].*)$`)
)

// InferName derives a plugin name from the identifier of its apply function.
// "use_gzip" yields "gzip" and "UseAllowedHosts" yields "allowed_hosts".
func InferName(identifier string) (string, error) {
	if m := snakeNamePattern.FindStringSubmatch(identifier); m != nil {
		return m[1], nil
	}
	if m := camelNamePattern.FindStringSubmatch(identifier); m != nil {
		return toSnake(m[1]), nil
	}
	return "", &NameInferenceError{Identifier: identifier}
}

// toSnake converts CamelCase to snake_case, keeping acronyms together
// ("HSTSPolicy" -> "hsts_policy").
func toSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
