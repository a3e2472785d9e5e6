package filetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitPath(t *testing.T) {
	cases := []struct {
		name string
		path string
		want []string
	}{
		{"single segment", "Documents", []string{"Documents"}},
		{"three segments", "Folder/Subfolder/File", []string{"Folder", "Subfolder", "File"}},
		{"escaped separator stays one segment", `Unfiled/Feature Flags/Flag \/ With Slash`,
			[]string{"Unfiled", "Feature Flags", "Flag / With Slash"}},
		{"escaped backslash", `a\\b/c`, []string{`a\b`, "c"}},
		{"empty segments dropped", "a//b/", []string{"a", "b"}},
		{"empty path", "", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SplitPath(tc.path))
		})
	}
}

func TestJoinPathIsLeftInverseOfSplit(t *testing.T) {
	cases := [][]string{
		{"Documents"},
		{"Folder", "Subfolder", "File"},
		{"Unfiled", "Feature Flags", "Flag / With Slash"},
		{"with \\ backslash", "and/slash"},
		{`trailing\`, "next"},
	}
	for _, segments := range cases {
		assert.Equal(t, segments, SplitPath(JoinPath(segments)), "segments %q", segments)
	}
}

func TestPathDepth(t *testing.T) {
	assert.Equal(t, 1, PathDepth("Documents"))
	assert.Equal(t, 3, PathDepth("Folder/Subfolder/File"))
	assert.Equal(t, 3, PathDepth(`Unfiled/Feature Flags/Flag \/ With Slash`))
	assert.Equal(t, 0, PathDepth(""))
}

func TestEscapePathSegmentRoundTrip(t *testing.T) {
	for _, segment := range []string{"plain", "a/b", `a\b`, `a\/b`, "/", `\`} {
		assert.Equal(t, segment, UnescapePathSegment(EscapePathSegment(segment)), "segment %q", segment)
	}
}

func TestUnfiledPath(t *testing.T) {
	assert.Equal(t, "Unfiled/Feature Flags/Beta Feature",
		UnfiledPath("Feature Flags", "Beta Feature"))
	assert.Equal(t, `Unfiled/Feature Flags/Flag \/ With Slash`,
		UnfiledPath("Feature Flags", "Flag / With Slash"))
	assert.Equal(t, 3, PathDepth(UnfiledPath("Feature Flags", "Flag / With Slash")))
}

func TestAncestorPaths(t *testing.T) {
	assert.Nil(t, ancestorPaths("a"))
	assert.Equal(t, []string{"a", "a/b", "a/b/c", "a/b/c/d"}, ancestorPaths("a/b/c/d/e"))
	assert.Equal(t, []string{"Unfiled", "Unfiled/Feature Flags"},
		ancestorPaths(`Unfiled/Feature Flags/Flag \/ With Slash`))
}
