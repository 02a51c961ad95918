package util

import (
	"strings"

	"github.com/unkn0wn-root/querycache/storage"
)

// NamespacedKey returns "<kind>:<name>:<hex key>".
// An empty name collapses to "<kind>:<hex key>".
func NamespacedKey(kind, name string, key storage.Key) string {
	var b strings.Builder
	b.Grow(len(kind) + len(name) + 2 + 2*storage.KeySize)
	b.WriteString(kind)
	b.WriteByte(':')
	if name != "" {
		b.WriteString(name)
		b.WriteByte(':')
	}
	b.WriteString(key.String())
	return b.String()
}
