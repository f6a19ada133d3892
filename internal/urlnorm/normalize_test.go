package urlnorm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"strips www tracking and slash", "https://www.example.com/a/?utm_source=x", "example.com/a"},
		{"plain", "https://example.com/a", "example.com/a"},
		{"keeps query order", "https://Example.com/Path?b=2&utm_medium=m&a=1", "example.com/path?b=2&a=1"},
		{"twitter s and t", "https://x.com/user/status/1?s=20&t=abc", "x.com/user/status/1"},
		{"mixed case tracker", "https://shop.example.com/p?trkInfo=1&id=9", "shop.example.com/p?id=9"},
		{"fragment and port dropped", "http://example.com:8080/a#section", "example.com/a"},
		{"root path", "https://www.example.com/", "example.com"},
		{"not a url", "Not A URL", "not a url"},
		{"relative", "/just/a/path", "/just/a/path"},
		{"bad escape", "HTTP://%zz", "http://%zz"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestNormalizeDuplicatesCollapse(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		Normalize("https://example.com/a"),
		Normalize("https://www.example.com/a/?utm_source=x&fbclid=y"),
	)
}

func TestHostAndMatchesDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "nytimes.com", Host("https://www.NYTimes.com/2024/story"))
	require.True(t, MatchesDomain("cooking.nytimes.com", "nytimes.com"))
	require.False(t, MatchesDomain("notnytimes.com", "nytimes.com"))
	require.False(t, MatchesDomain("", "nytimes.com"))
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, seed := range []string{
		"https://www.example.com/a/?utm_source=x",
		"localhost:8080/a",
		"http://[::1]:80/x?y=1",
		"mailto:someone@example.com",
		"%%%",
		"",
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, in string) {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize not idempotent: %q -> %q -> %q", in, once, twice)
		}
	})
}
