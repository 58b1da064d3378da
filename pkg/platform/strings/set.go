package strings

import "slices"

// NormalizeSet is DedupeAndTrim followed by a sort. The result is never nil,
// so it can be compared and stored as a set of opaque ids.
//
// Example:
//
//	NormalizeSet([]string{" e2 ", "e1", "e2", ""})
//	// Returns: []string{"e1", "e2"}
func NormalizeSet(values []string) []string {
	result := DedupeAndTrim(values)
	if result == nil {
		return []string{}
	}
	result = slices.Clone(result)
	slices.Sort(result)
	return result
}

// Difference returns the elements of a that are not in b, as a normalized set.
func Difference(a, b []string) []string {
	exclude := make(map[string]struct{}, len(b))
	for _, v := range b {
		exclude[v] = struct{}{}
	}
	out := make([]string, 0)
	for _, v := range NormalizeSet(a) {
		if _, ok := exclude[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// Union returns the normalized union of a and b.
func Union(a, b []string) []string {
	return NormalizeSet(append(slices.Clone(a), b...))
}

// SetEqual compares two slices as sets, ignoring order, blanks and duplicates.
func SetEqual(a, b []string) bool {
	return slices.Equal(NormalizeSet(a), NormalizeSet(b))
}

// IsStrictSuperset reports whether a contains every element of b and at
// least one more.
func IsStrictSuperset(a, b []string) bool {
	return len(Difference(b, a)) == 0 && len(Difference(a, b)) > 0
}
