package vfs

import "strings"

// Path is a normalized forward-slash path inside the container. The
// canonical string form joins the segments with single slashes, with no
// leading or trailing slash; it is the unique storage key.
type Path struct {
	segments []string
}

// ParsePath normalizes raw into a Path. Splitting happens on "/";
// empty and "." segments are discarded, ".." pops the previous segment
// if any and is otherwise dropped. "/", "." and ".." all parse to the
// empty path.
func ParsePath(raw string) Path {
	parts := strings.Split(raw, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			// skip
		case "..":
			if len(segments) > 0 {
				segments = segments[:len(segments)-1]
			}
		default:
			segments = append(segments, part)
		}
	}
	return Path{segments: segments}
}

// String returns the canonical form.
func (p Path) String() string {
	return strings.Join(p.segments, "/")
}

// Absolute joins the first min(limit, len) segments. A negative limit
// means all segments.
func (p Path) Absolute(limit int) string {
	if limit < 0 || limit > len(p.segments) {
		limit = len(p.segments)
	}
	return strings.Join(p.segments[:limit], "/")
}

// Empty reports whether the path has no segments.
func (p Path) Empty() bool {
	return len(p.segments) == 0
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.segments)
}

// Equal reports segment-wise equality.
func (p Path) Equal(other Path) bool {
	return p.String() == other.String()
}

// Compare orders paths by canonical string.
func (p Path) Compare(other Path) int {
	return strings.Compare(p.String(), other.String())
}
