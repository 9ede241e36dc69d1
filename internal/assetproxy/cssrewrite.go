package assetproxy

import (
	"regexp"
	"strings"
)

// cssRefPattern matches the only reference forms that are rewritten:
//
//	url("...")  url('...')  url(...)  @import "..."  @import '...'
//
// Not a CSS parser.
var cssRefPattern = regexp.MustCompile(
	`url\(\s*"([^"]*)"\s*\)` +
		`|url\(\s*'([^']*)'\s*\)` +
		`|url\(\s*([^"'()\s]*)\s*\)` +
		`|@import\s+"([^"]*)"` +
		`|@import\s+'([^']*)'`,
)

type cssRefKind int

const (
	cssRefURL cssRefKind = iota
	cssRefImport
)

type cssRef struct {
	start, end int
	kind       cssRefKind
	ref        string
}

func findCSSRefs(css string) []cssRef {
	matches := cssRefPattern.FindAllStringSubmatchIndex(css, -1)
	out := make([]cssRef, 0, len(matches))
	for _, m := range matches {
		r := cssRef{start: m[0], end: m[1]}
		for g := 1; g <= 5; g++ {
			if m[2*g] < 0 {
				continue
			}
			r.ref = strings.TrimSpace(css[m[2*g]:m[2*g+1]])
			if g >= 4 {
				r.kind = cssRefImport
			}
			break
		}
		out = append(out, r)
	}
	return out
}

func (r cssRef) rewritten(proxyURI string) string {
	if r.kind == cssRefImport {
		return "@import '" + proxyURI + "'"
	}
	return "url(" + proxyURI + ")"
}

// rewriteCSS replaces each proxiable reference in css with the proxy URI that
// resolve returns for it. References are resolved one at a time, in document
// order; blank, data: and fragment references, and references that do not
// resolve to an http(s) URL, are left as written.
func rewriteCSS(css string, parent OriginAddress, resolve func(OriginAddress) ResolutionResult) string {
	refs := findCSSRefs(css)
	if len(refs) == 0 {
		return css
	}
	var b strings.Builder
	b.Grow(len(css))
	prev := 0
	for _, r := range refs {
		b.WriteString(css[prev:r.start])
		prev = r.end
		if isSkippableRef(r.ref) {
			b.WriteString(css[r.start:r.end])
			continue
		}
		target, err := ResolveReference(r.ref, parent)
		if err != nil {
			b.WriteString(css[r.start:r.end])
			continue
		}
		res := resolve(target)
		b.WriteString(r.rewritten(res.ProxyURI))
	}
	b.WriteString(css[prev:])
	return b.String()
}
