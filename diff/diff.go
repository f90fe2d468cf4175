// Package diff holds the set-difference helpers the reconciliation passes
// are built on.
package diff

// Only returns the elements of a that are not in b, deduplicated,
// preserving a's order. Both reconciliation passes use it for the
// "present here, absent there" halves of a diff.
func Only[T comparable](a, b []T) []T {
	exclude := make(map[T]struct{}, len(b))
	for _, item := range b {
		exclude[item] = struct{}{}
	}

	var result []T
	seen := make(map[T]struct{}, len(a))
	for _, item := range a {
		if _, ok := exclude[item]; ok {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	return result
}

// Both returns the elements present in both a and b, deduplicated,
// preserving a's order.
func Both[T comparable](a, b []T) []T {
	include := make(map[T]struct{}, len(b))
	for _, item := range b {
		include[item] = struct{}{}
	}

	var result []T
	seen := make(map[T]struct{}, len(a))
	for _, item := range a {
		if _, ok := include[item]; !ok {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	return result
}

// Without returns a with every element of b (and the extra excluded
// elements) removed.
func Without[T comparable](a []T, b []T, excluded ...T) []T {
	return Only(a, append(append([]T{}, b...), excluded...))
}
