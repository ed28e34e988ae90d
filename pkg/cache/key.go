package cache

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Undefined is the sentinel key part standing in for JavaScript's
// `undefined`, kept distinct from Go's nil (which encodes as null).
type Undefined struct{}

// Undef is the single Undefined value; use it as a key part.
var Undef = Undefined{}

// Symbol is a unique, unforgeable key part: two Symbols never encode equal,
// even if constructed identically, mirroring JavaScript's Symbol().
type Symbol struct{ id uint64 }

var symbolCounter uint64

// NewSymbol allocates a fresh Symbol distinct from every other Symbol ever
// created in this process.
func NewSymbol() Symbol {
	return Symbol{id: atomic.AddUint64(&symbolCounter, 1)}
}

// Key is a cache key: either a single opaque string, or an ordered sequence
// of primitive parts (string, a number type, bool, nil, Undefined, Symbol).
// Encoding is stable and distinguishes -0/0/NaN/nil/Undefined/Symbol and
// escapes the internal delimiter, so the encoded form is safe to use
// directly as a Go map key.
type Key struct {
	raw        string
	isRaw      bool
	preEncoded bool
	parts      []any
}

// StringKey wraps a plain opaque string as a cache key.
func StringKey(s string) Key {
	return Key{raw: s, isRaw: true}
}

// SeqKey builds a key from an ordered sequence of primitive parts.
func SeqKey(parts ...any) Key {
	return Key{parts: parts}
}

// RawEncodedKey wraps a string already produced by some Key's Encode (the
// wire format pkg/broadcast exchanges between peers, chiefly) so it can be
// handed back to Cache.Invalidate/Cancel without re-encoding or
// re-prefixing it a second time.
func RawEncodedKey(encoded string) Key {
	return Key{raw: encoded, preEncoded: true}
}

// Encode returns the stable string form used as the cache's internal map
// key. A plain StringKey and a one-part SeqKey carrying the same string
// never collide: each namespace is prefixed distinctly.
func (k Key) Encode() string {
	if k.preEncoded {
		return k.raw
	}
	if k.isRaw {
		return "s#" + escapeString(k.raw)
	}
	parts := make([]string, len(k.parts))
	for i, p := range k.parts {
		parts[i] = encodePart(p)
	}
	return "q#" + strings.Join(parts, "|")
}

func encodePart(v any) string {
	switch x := v.(type) {
	case nil:
		return "n:"
	case Undefined:
		return "u:"
	case Symbol:
		return "y:" + strconv.FormatUint(x.id, 10)
	case string:
		return "s:" + escapeString(x)
	case bool:
		if x {
			return "b:1"
		}
		return "b:0"
	case float64:
		return "f:" + encodeFloat(x)
	case float32:
		return "f:" + encodeFloat(float64(x))
	case int:
		return "i:" + strconv.Itoa(x)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "i:" + fmtInt(x)
	default:
		return "o:" + escapeString(fmtFallback(x))
	}
}

func encodeFloat(f float64) string {
	if f != f {
		return "NaN"
	}
	if f == 0 {
		if math.Signbit(f) {
			return "-0"
		}
		return "0"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func fmtInt(v any) string {
	switch x := v.(type) {
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	default:
		return ""
	}
}

func fmtFallback(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprintf("%T:%v", v, v)
}

// escapeString escapes the '|' part delimiter and the escape character
// itself so a string part can never be confused with a part boundary.
func escapeString(s string) string {
	if !strings.ContainsAny(s, "|\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		if r == '|' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
