package filetree

import "strings"

// Paths are sequences of segments joined by "/". A literal "/" or "\" inside
// a segment is stored escaped ("\/" and "\\"), so splitting a stored path
// never invents a segment boundary inside an entity name.

const pathSeparator = '/'
const pathEscape = '\\'

// EscapePathSegment makes a display name safe to embed as one path segment.
func EscapePathSegment(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))
	for i := 0; i < len(segment); i++ {
		if segment[i] == pathEscape || segment[i] == pathSeparator {
			b.WriteByte(pathEscape)
		}
		b.WriteByte(segment[i])
	}
	return b.String()
}

// UnescapePathSegment reverses EscapePathSegment. A trailing bare escape
// character is kept as-is rather than dropped.
func UnescapePathSegment(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))
	for i := 0; i < len(segment); i++ {
		if segment[i] == pathEscape && i+1 < len(segment) &&
			(segment[i+1] == pathEscape || segment[i+1] == pathSeparator) {
			i++
		}
		b.WriteByte(segment[i])
	}
	return b.String()
}

// SplitPath splits a stored path on unescaped separators and unescapes each
// segment. Empty segments are dropped.
func SplitPath(path string) []string {
	segments := []string{}
	var current strings.Builder
	for i := 0; i < len(path); i++ {
		switch {
		case path[i] == pathEscape && i+1 < len(path) &&
			(path[i+1] == pathEscape || path[i+1] == pathSeparator):
			current.WriteByte(path[i+1])
			i++
		case path[i] == pathSeparator:
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(path[i])
		}
	}
	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}

// JoinPath escapes each segment and joins them. SplitPath(JoinPath(s)) == s
// for any sequence of non-empty segments.
func JoinPath(segments []string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, EscapePathSegment(segment))
	}
	return strings.Join(escaped, string(pathSeparator))
}

// PathDepth is the number of escape-aware segments in path.
func PathDepth(path string) int {
	return len(SplitPath(path))
}

// UnfiledPath computes the canonical tree location for an entity that has no
// explicit placement. It is a pure function of the source's plural label and
// the entity's display name; names containing separators stay one segment.
func UnfiledPath(pluralLabel, displayName string) string {
	return JoinPath([]string{"Unfiled", pluralLabel, displayName})
}

// ancestorPaths returns the stored-form proper prefixes of path,
// shallowest first. A depth-1 path has none.
func ancestorPaths(path string) []string {
	segments := SplitPath(path)
	if len(segments) < 2 {
		return nil
	}
	prefixes := make([]string, 0, len(segments)-1)
	for k := 1; k < len(segments); k++ {
		prefixes = append(prefixes, JoinPath(segments[:k]))
	}
	return prefixes
}
