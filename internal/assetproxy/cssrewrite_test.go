package assetproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingResolver maps every origin to "P(<origin>)" and records the order
// of calls.
type recordingResolver struct {
	calls []string
}

func (r *recordingResolver) resolve(o OriginAddress) ResolutionResult {
	r.calls = append(r.calls, o.String())
	return ResolutionResult{ProxyURI: "P(" + o.String() + ")"}
}

func TestFindCSSRefs(t *testing.T) {
	css := `@import "a.css"; @import 'b.css'; .x{background:url("c.png")} .y{background:url('d.png')} .z{background:url( e.png )}`
	refs := findCSSRefs(css)
	require.Len(t, refs, 5)

	want := []struct {
		ref  string
		kind cssRefKind
	}{
		{"a.css", cssRefImport},
		{"b.css", cssRefImport},
		{"c.png", cssRefURL},
		{"d.png", cssRefURL},
		{"e.png", cssRefURL},
	}
	for i, w := range want {
		assert.Equal(t, w.ref, refs[i].ref)
		assert.Equal(t, w.kind, refs[i].kind)
	}
	assert.Equal(t, `@import "a.css"`, css[refs[0].start:refs[0].end])
	assert.Equal(t, `url( e.png )`, css[refs[4].start:refs[4].end])
}

func TestRewriteCSS(t *testing.T) {
	parent := mustOrigin(t, "http://cdn.example/styles/site.css")
	r := &recordingResolver{}

	in := `@import "reset.css";
@import '/shared/base.css';
.hero{background:url("../img/hero.jpg")}
.logo{background:url('https://static.example/logo.svg#icon')}
.icon{background:url(icons/a.png)}`
	out := rewriteCSS(in, parent, r.resolve)

	assert.Equal(t, `@import 'P(http://cdn.example/styles/reset.css)';
@import 'P(http://cdn.example/shared/base.css)';
.hero{background:url(P(http://cdn.example/img/hero.jpg))}
.logo{background:url(P(https://static.example/logo.svg))}
.icon{background:url(P(http://cdn.example/styles/icons/a.png))}`, out)
	assert.Equal(t, []string{
		"http://cdn.example/styles/reset.css",
		"http://cdn.example/shared/base.css",
		"http://cdn.example/img/hero.jpg",
		"https://static.example/logo.svg",
		"http://cdn.example/styles/icons/a.png",
	}, r.calls)
}

func TestRewriteCSSSkipsUnproxiableReferences(t *testing.T) {
	parent := mustOrigin(t, "http://cdn.example/site.css")
	r := &recordingResolver{}

	in := `.a{background:url(data:image/png;base64,AAAA)}
.b{background:url("DATA:image/gif;base64,R0lG")}
.c{filter:url(#shadow)}
.d{background:url("")}
.e{background:url(   )}
.f{background:url("ftp://files.example/a.png")}
.g{behavior:url(javascript:void)}`
	out := rewriteCSS(in, parent, r.resolve)

	assert.Equal(t, in, out)
	assert.Empty(t, r.calls)
}

func TestRewriteCSSWithoutReferences(t *testing.T) {
	in := ".a{color:red}\n@media print{.b{display:none}}"
	out := rewriteCSS(in, mustOrigin(t, "http://cdn.example/a.css"), func(OriginAddress) ResolutionResult {
		t.Fatal("resolve must not be called")
		return ResolutionResult{}
	})
	assert.Equal(t, in, out)
}

func TestRewriteCSSKeepsPassthroughResults(t *testing.T) {
	parent := mustOrigin(t, "http://cdn.example/a.css")
	out := rewriteCSS(`@import "b.css";.a{background:url(c.png)}`, parent, func(o OriginAddress) ResolutionResult {
		return passthrough(o.String())
	})
	assert.Equal(t, `@import 'http://cdn.example/b.css';.a{background:url(http://cdn.example/c.png)}`, out)
}
