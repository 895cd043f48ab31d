// Package metadata implements the ordered, case-insensitive multimap carried
// alongside every request and response, per spec §3's "Metadata" data model.
// Grounded on the header-handling idioms of gateway/grpcweb.go's
// extractMetadata, generalized from a flat map[string][]string copy into a
// multimap that distinguishes the ASCII and Binary value flavors.
package metadata

import (
	"encoding/base64"
	"strings"
)

// binSuffix is the key suffix that marks a value as Binary-flavored: its
// wire encoding is base64, and equality is defined on the decoded bytes.
const binSuffix = "-bin"

// entry is one (key, value) pair in insertion order. key is stored already
// lower-cased; the original casing is not kept.
type entry struct {
	key   string
	value string
}

// MD is an ordered multimap keyed by case-insensitive header name. The zero
// value is a valid, empty MD.
type MD struct {
	entries []entry
}

// New builds an MD from a plain map, for call sites that already have one
// value per key (e.g. building request metadata from Go literals).
func New(pairs map[string]string) MD {
	var md MD
	for k, v := range pairs {
		md.Add(k, v)
	}
	return md
}

// IsBinary reports whether key is Binary-flavored (ends in "-bin").
func IsBinary(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), binSuffix)
}

func normalize(key string) string { return strings.ToLower(key) }

// Add appends value under key, preserving any existing values for that key.
func (md *MD) Add(key, value string) {
	md.entries = append(md.entries, entry{key: normalize(key), value: value})
}

// Set replaces all existing values for key with the single given value.
func (md *MD) Set(key, value string) {
	md.Delete(key)
	md.Add(key, value)
}

// Delete removes every value stored under key.
func (md *MD) Delete(key string) {
	key = normalize(key)
	out := md.entries[:0]
	for _, e := range md.entries {
		if e.key != key {
			out = append(out, e)
		}
	}
	md.entries = out
}

// Get returns the first value stored under key, if any.
func (md MD) Get(key string) (string, bool) {
	key = normalize(key)
	for _, e := range md.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Values returns every value stored under key, in insertion order.
func (md MD) Values(key string) []string {
	key = normalize(key)
	var out []string
	for _, e := range md.entries {
		if e.key == key {
			out = append(out, e.value)
		}
	}
	return out
}

// Keys returns the distinct keys present, in first-seen order.
func (md MD) Keys() []string {
	seen := make(map[string]bool, len(md.entries))
	var out []string
	for _, e := range md.entries {
		if !seen[e.key] {
			seen[e.key] = true
			out = append(out, e.key)
		}
	}
	return out
}

// Len returns the total number of (key, value) pairs, counting repeats.
func (md MD) Len() int { return len(md.entries) }

// Range calls fn for every (key, value) pair in insertion order.
func (md MD) Range(fn func(key, value string)) {
	for _, e := range md.entries {
		fn(e.key, e.value)
	}
}

// Clone returns an independent copy of md.
func (md MD) Clone() MD {
	out := MD{entries: make([]entry, len(md.entries))}
	copy(out.entries, md.entries)
	return out
}

// GetBinary decodes and returns the first Binary-flavored value stored under
// key (which must end in "-bin"); the wire form is base64, decoded here.
func (md MD) GetBinary(key string) ([]byte, bool) {
	raw, ok := md.Get(key)
	if !ok {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// SetBinary base64-encodes value and stores it under key, which must end in
// "-bin" to be treated as Binary-flavored by peers.
func (md *MD) SetBinary(key string, value []byte) {
	md.Set(key, base64.StdEncoding.EncodeToString(value))
}

// Equal reports whether a and b carry the same keys and, per key, the same
// values in the same order — decoded-bytes equality for Binary-flavored keys (spec
// §3), exact string equality otherwise.
func Equal(a, b MD) bool {
	ak, bk := a.Keys(), b.Keys()
	if len(ak) != len(bk) {
		return false
	}
	for _, k := range ak {
		av, bv := a.Values(k), b.Values(k)
		if len(av) != len(bv) {
			return false
		}
		if IsBinary(k) {
			for i := range av {
				da, errA := base64.StdEncoding.DecodeString(av[i])
				db, errB := base64.StdEncoding.DecodeString(bv[i])
				if errA != nil || errB != nil || string(da) != string(db) {
					return false
				}
			}
			continue
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
