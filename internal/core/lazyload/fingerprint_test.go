package lazyload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizer_Remote(t *testing.T) {
	n := Normalizer{}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases scheme and host, drops default port, fragment and tracking params",
			in:   "HTTPS://Example.COM:443/a/../b.jpg?utm_source=x&b=2&a=1&fbclid=z#frag",
			want: "https://example.com/b.jpg?a=1&b=2",
		},
		{
			name: "scheme-relative defaults to https",
			in:   "//cdn.example.com/x.png",
			want: "https://cdn.example.com/x.png",
		},
		{
			name: "empty path becomes root",
			in:   "http://example.com",
			want: "http://example.com/",
		},
		{
			name: "non-default port kept",
			in:   "http://example.com:8080/x.png",
			want: "http://example.com:8080/x.png",
		},
		{
			name: "trailing slash kept",
			in:   "http://example.com/dir/./",
			want: "http://example.com/dir/",
		},
		{
			name: "ipv6 host keeps brackets",
			in:   "http://[::1]:80/x.png",
			want: "http://[::1]/x.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := n.Normalize(tt.in)
			require.NoError(t, err)
			assert.True(t, src.Remote)
			assert.Equal(t, tt.want, src.Location)
		})
	}
}

func TestNormalizer_KeepsDistinctResourcesApart(t *testing.T) {
	n := Normalizer{}
	pairs := [][2]string{
		{"https://example.com/A.jpg", "https://example.com/a.jpg"},
		{"https://example.com/a.jpg?v=1", "https://example.com/a.jpg?v=2"},
		{"https://example.com/a%2Fb.jpg", "https://example.com/a/b.jpg"},
		{"http://example.com/a.jpg", "https://example.com/a.jpg"},
		{"https://img.example.com/show.php?id=5;w=1", "https://img.example.com/show.php?id=6;w=1"},
		{"https://img.example.com/show.php?q=%zz", "https://img.example.com/show.php"},
		{"https://example.com/a//b.jpg", "https://example.com/a/b.jpg"},
	}
	for _, p := range pairs {
		a, err := n.Normalize(p[0])
		require.NoError(t, err)
		b, err := n.Normalize(p[1])
		require.NoError(t, err)
		assert.NotEqual(t, a.Location, b.Location, "%s vs %s", p[0], p[1])
	}
}

func TestNormalizer_UnparseableQueryKeptVerbatim(t *testing.T) {
	n := Normalizer{}
	for _, in := range []string{
		"https://img.example.com/show.php?id=5;w=1",
		"https://img.example.com/show.php?q=%zz&utm_source=x",
	} {
		src, err := n.Normalize(in)
		require.NoError(t, err)
		assert.Equal(t, in, src.Location)
	}
}

func TestCleanURLPath(t *testing.T) {
	tests := map[string]string{
		"":             "/",
		"/":            "/",
		"/a/../b.jpg":  "/b.jpg",
		"/a/./b.jpg":   "/a/b.jpg",
		"/a//b.jpg":    "/a//b.jpg",
		"/a//../b.jpg": "/a/b.jpg",
		"/../../x.jpg": "/x.jpg",
		"/dir/.":       "/dir/",
		"/dir/sub/..":  "/dir/",
		"/dir/":        "/dir/",
		"/a/b.jpg..":   "/a/b.jpg..",
	}
	for in, want := range tests {
		assert.Equal(t, want, cleanURLPath(in), in)
	}
}

func TestNormalizer_Local(t *testing.T) {
	n := Normalizer{Root: "/srv/images"}

	src, err := n.Normalize("photos/../cat.jpg")
	require.NoError(t, err)
	assert.False(t, src.Remote)
	assert.Equal(t, "/srv/images/cat.jpg", src.Location)
	assert.Equal(t, "local", src.Host())

	src, err = n.Normalize("file:///srv/images/./cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/srv/images/cat.jpg", src.Location)

	src, err = n.Normalize("/srv/images//cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/srv/images/cat.jpg", src.Location)
}

func TestNormalizer_Rejects(t *testing.T) {
	n := Normalizer{Root: "/srv/images"}

	_, err := n.Normalize("")
	assert.ErrorIs(t, err, ErrMissingSource)

	for _, in := range []string{"ftp://example.com/a.jpg", "data:image/png;base64,AAAA", "http:///nohost.jpg", "a\x00b.jpg"} {
		_, err := n.Normalize(in)
		assert.ErrorIs(t, err, ErrInvalidSource, in)
	}
}

func TestSource_Host(t *testing.T) {
	src, err := Normalizer{}.Normalize("https://Images.Example.com:8443/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "images.example.com:8443", src.Host())

	src, err = Normalizer{}.Normalize("https://Images.Example.com:443/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "images.example.com", src.Host())
}

func TestBuildFingerprint_Deterministic(t *testing.T) {
	n := Normalizer{}
	a, err := n.Normalize("https://example.com/a.jpg?utm_medium=mail")
	require.NoError(t, err)
	b, err := n.Normalize("HTTPS://EXAMPLE.com/a.jpg")
	require.NoError(t, err)

	req := TransformRequest{Source: "x", Strategy: StrategyCrop, Aspect: Aspect{16, 9}, Width: 400}

	fp1 := BuildFingerprint(a, req)
	fp2 := BuildFingerprint(b, req)
	assert.Equal(t, fp1, fp2)
	assert.True(t, strings.HasPrefix(fp1.String(), "bafkrei"), "raw sha2-256 CIDv1 in base32")

	parsed, err := ParseFingerprint(fp1.String())
	require.NoError(t, err)
	assert.Equal(t, fp1, parsed)
}

func TestBuildFingerprint_FieldsMatter(t *testing.T) {
	src := Source{Remote: true, Location: "https://example.com/a.jpg"}
	base := TransformRequest{Source: "x", Strategy: StrategyCrop, Aspect: Aspect{16, 9}, Width: 400}

	variants := map[string]TransformRequest{
		"strategy": {Source: "x", Strategy: StrategyCropTop, Aspect: Aspect{16, 9}, Width: 400},
		"aspect":   {Source: "x", Strategy: StrategyCrop, Aspect: Aspect{4, 3}, Width: 400},
		"width":    {Source: "x", Strategy: StrategyCrop, Aspect: Aspect{16, 9}, Width: 401},
		"no width": {Source: "x", Strategy: StrategyCrop, Aspect: Aspect{16, 9}},
		"preserve": {Source: "x", Preserve: true},
	}

	seen := map[Fingerprint]string{BuildFingerprint(src, base): "base"}
	for name, req := range variants {
		fp := BuildFingerprint(src, req)
		if prev, dup := seen[fp]; dup {
			t.Errorf("%s collides with %s", name, prev)
		}
		seen[fp] = name
	}

	other := Source{Remote: true, Location: "https://example.com/b.jpg"}
	assert.NotEqual(t, BuildFingerprint(src, base), BuildFingerprint(other, base))
}

func TestBuildFingerprint_Equivalences(t *testing.T) {
	src := Source{Location: "/srv/images/a.jpg"}

	// Unreduced aspects collapse onto the reduced form.
	assert.Equal(t,
		BuildFingerprint(src, TransformRequest{Strategy: StrategyResize, Aspect: Aspect{32, 18}}),
		BuildFingerprint(src, TransformRequest{Strategy: StrategyResize, Aspect: Aspect{16, 9}}),
	)

	// Inline previews derive from the same cached image.
	assert.Equal(t,
		BuildFingerprint(src, TransformRequest{Strategy: StrategyResize, Aspect: Aspect{1, 1}, Inline: true}),
		BuildFingerprint(src, TransformRequest{Strategy: StrategyResize, Aspect: Aspect{1, 1}}),
	)

	// Passthrough ignores transform parameters.
	assert.Equal(t,
		BuildFingerprint(src, TransformRequest{Preserve: true, Strategy: StrategyCrop, Aspect: Aspect{1, 1}}),
		BuildFingerprint(src, TransformRequest{Preserve: true, Strategy: StrategyResize, Aspect: Aspect{16, 9}, Width: 20}),
	)
}

func TestParseFingerprint_Invalid(t *testing.T) {
	for _, s := range []string{"", "not-a-cid", "../../etc/passwd"} {
		_, err := ParseFingerprint(s)
		assert.ErrorIs(t, err, ErrInvalidFingerprint, s)
	}
}
