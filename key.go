package querycache

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
)

// Requester identifies the session on whose behalf MustRefresh and
// Refreshed are called.
type Requester string

// NewRequester returns a random requester ID.
func NewRequester() Requester { return Requester(uuid.NewString()) }

var processStart = time.Now()

// TimeMS returns milliseconds on a monotonic clock since an unspecified
// start point. It does not follow wall-clock adjustments.
func TimeMS() uint64 { return uint64(time.Since(processStart).Milliseconds()) }

// DefaultKey derives the key of a statement ignoring any KeyConfig.
func DefaultKey(defaultDB, stmt string) (Key, error) {
	return deriveKey(KeyConfig{}, defaultDB, stmt)
}

// deriveKey hashes, with SHA-256, a fingerprint of kc (non-zero configs
// only), the length-prefixed default database unless ignored, and the
// normalized statement.
func deriveKey(kc KeyConfig, defaultDB, stmt string) (Key, error) {
	norm := normalize(stmt)
	if norm == "" {
		return Key{}, ErrEmptyStatement
	}

	h := sha256.New()
	if kc != (KeyConfig{}) {
		fp, err := hashstructure.Hash(kc, hashstructure.FormatV2, nil)
		if err != nil {
			return Key{}, fmt.Errorf("querycache: key config: %w", err)
		}
		var b [9]byte
		b[0] = 'c'
		binary.BigEndian.PutUint64(b[1:], fp)
		h.Write(b[:])
	}
	if !kc.IgnoreDatabase {
		var b [5]byte
		b[0] = 'd'
		binary.BigEndian.PutUint32(b[1:], uint32(len(defaultDB)))
		h.Write(b[:])
		io.WriteString(h, defaultDB)
	}
	h.Write([]byte{'s'})
	io.WriteString(h, norm)

	var k Key
	h.Sum(k[:0])
	return k, nil
}

// normalize collapses whitespace outside quoted text to single spaces and
// drops leading/trailing whitespace and trailing semicolons. Quoted text
// ('...', "...", `...`) is kept byte for byte.
func normalize(stmt string) string {
	var (
		b       strings.Builder
		quote   byte
		escaped bool
		space   bool
	)
	b.Grow(len(stmt))
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		if quote != 0 {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			space = b.Len() > 0
			continue
		case '\'', '"', '`':
			quote = c
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteByte(c)
	}

	out := b.String()
	if quote == 0 {
		for strings.HasSuffix(out, ";") {
			out = strings.TrimRight(strings.TrimSuffix(out, ";"), " ")
		}
	}
	return out
}
