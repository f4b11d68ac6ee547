package substitution

import (
	"fmt"
	"strconv"
	"strings"
)

// pathSegments splits a dot-delimited target path. Numeric segments index
// into arrays.
func pathSegments(path string) []string {
	return strings.Split(path, ".")
}

// SetValueAtPath writes value at the dot-delimited path inside root. When
// createMissing is true, absent intermediate objects are created on the way
// down; otherwise a missing intermediate is an error.
func SetValueAtPath(root map[string]any, path string, value any, createMissing bool) error {
	segments := pathSegments(path)
	var current any = root
	for i, seg := range segments[:len(segments)-1] {
		next, err := descend(current, seg, createMissing)
		if err != nil {
			return fmt.Errorf("path %q at segment %q: %w", path, strings.Join(segments[:i+1], "."), err)
		}
		current = next
	}

	leaf := segments[len(segments)-1]
	switch container := current.(type) {
	case map[string]any:
		container[leaf] = value
		return nil
	case []any:
		idx, err := strconv.Atoi(leaf)
		if err != nil || idx < 0 || idx >= len(container) {
			return fmt.Errorf("path %q: %q is not a valid index into an array of %d", path, leaf, len(container))
		}
		container[idx] = value
		return nil
	default:
		return fmt.Errorf("path %q: cannot set %q inside a %T", path, leaf, current)
	}
}

// descend resolves one path segment inside a map or array container.
func descend(current any, seg string, createMissing bool) (any, error) {
	switch container := current.(type) {
	case map[string]any:
		next, ok := container[seg]
		if !ok || next == nil {
			if !createMissing {
				return nil, fmt.Errorf("segment does not exist")
			}
			created := make(map[string]any)
			container[seg] = created
			return created, nil
		}
		return next, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(container) {
			return nil, fmt.Errorf("%q is not a valid index into an array of %d", seg, len(container))
		}
		return container[idx], nil
	default:
		return nil, fmt.Errorf("cannot descend into a %T", current)
	}
}

// DeleteValueAtPath removes the key at the dot-delimited path, including
// nested keys. A path that is already absent is not an error.
func DeleteValueAtPath(root map[string]any, path string) {
	segments := pathSegments(path)
	var current any = root
	for _, seg := range segments[:len(segments)-1] {
		next, err := descend(current, seg, false)
		if err != nil {
			return
		}
		current = next
	}
	if container, ok := current.(map[string]any); ok {
		delete(container, segments[len(segments)-1])
	}
}

// GetValueAtPath reads the value at the dot-delimited path; the second
// return is false when the path does not exist.
func GetValueAtPath(root map[string]any, path string) (any, bool) {
	segments := pathSegments(path)
	var current any = root
	for _, seg := range segments[:len(segments)-1] {
		next, err := descend(current, seg, false)
		if err != nil {
			return nil, false
		}
		current = next
	}
	container, ok := current.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := container[segments[len(segments)-1]]
	return v, ok
}
