package usecase

import (
	"strings"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

// editAtPath rewrites every collection addressed by a dotted path inside
// a generic JSON tree. Map nodes consume one path segment; array nodes
// are walked element-wise without consuming a segment. When an array is
// reached with at most one segment left, that array is the target
// collection and edit rewrites it; the remaining segment names the key
// field inside each element (empty when the elements themselves are the
// key values). The input tree is mutated in place where possible and the
// possibly-replaced root is returned.
func editAtPath(root any, path string, edit func(items []any, leaf string) []any) any {
	segments := splitPath(path)
	if len(segments) == 0 {
		return root
	}
	return editNode(root, segments, edit)
}

func splitPath(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func editNode(node any, segments []string, edit func(items []any, leaf string) []any) any {
	switch typed := node.(type) {
	case []any:
		if len(segments) <= 1 {
			leaf := ""
			if len(segments) == 1 {
				leaf = segments[0]
			}
			return edit(typed, leaf)
		}
		for i, item := range typed {
			typed[i] = editNode(item, segments, edit)
		}
		return typed
	case map[string]any:
		child, ok := typed[segments[0]]
		if !ok {
			return typed
		}
		typed[segments[0]] = editNode(child, segments[1:], edit)
		return typed
	default:
		return node
	}
}

// leafValue reads the addressed value out of one collection element.
func leafValue(item any, leaf string) (any, bool) {
	if leaf == "" {
		return item, true
	}
	m, ok := item.(map[string]any)
	if !ok {
		return nil, false
	}
	value, ok := m[leaf]
	return value, ok
}

// leafKey renders the addressed value as a normalized key string.
func leafKey(item any, leaf string) (string, bool) {
	value, ok := leafValue(item, leaf)
	if !ok || value == nil {
		return "", false
	}
	return domain.KeyString(value), true
}
