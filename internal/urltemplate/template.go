// Package urltemplate renders the "{key}" URL-template syntax used by
// package metadata's pkg-url/bin-dir fields and the default hosting-service
// templates (spec §4.F, §4.G). Tokens may carry internal whitespace
// ("{ key }"), matching the upstream registry's template convention.
package urltemplate

import (
	"fmt"
	"regexp"
	"strings"
)

var tokenRe = regexp.MustCompile(`\{\s*([A-Za-z0-9_-]+)\s*\}`)

// Render substitutes every "{key}" token in tpl using ctx. A token whose key
// is absent from ctx is a template-render error: since ctx is built to
// carry exactly the recognized key set for a given rendering context,
// "missing" and "unrecognized" collapse into the same failure (spec §8:
// "missing keys cause a template-render error; unrecognized keys in the
// template also error").
func Render(tpl string, ctx map[string]string) (string, error) {
	var firstErr error
	out := tokenRe.ReplaceAllStringFunc(tpl, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		key := strings.TrimSpace(tok[1 : len(tok)-1])
		val, ok := ctx[key]
		if !ok {
			firstErr = fmt.Errorf("urltemplate: unrecognized or unset key %q in template %q", key, tpl)
			return tok
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// HasTokens reports whether tpl contains at least one "{key}" token.
func HasTokens(tpl string) bool {
	return tokenRe.MatchString(tpl)
}
