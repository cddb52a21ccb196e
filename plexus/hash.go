package plexus

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// contentHash computes the 16 hex digit content-addressed fingerprint used
// throughout the schema tree. It hashes the UTF-8 bytes of parts joined by
// ":" with a blake3 digest and keeps the first 8 bytes, formatted as 16 hex
// digits -- the Go analog of the reference implementation's DefaultHasher
// over a "namespace:version:methods" string.
func contentHash(parts ...string) string {
	h := blake3.New()
	h.Write([]byte(strings.Join(parts, ":")))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// methodHash computes the leaf hash for a single method from its name,
// description, stringified parameter signature, and stringified return
// type, per the schema node invariant: any change to any of these changes
// the hash.
func methodHash(name, description, paramsSignature, returnSignature string) string {
	return contentHash(name, description, paramsSignature, returnSignature)
}

// pluginHash computes a plugin/namespace node's hash from the ordered
// concatenation of its methods' hashes followed by its children's hashes.
func pluginHash(methodHashes []string, childHashes []string) string {
	ordered := make([]string, 0, len(methodHashes)+len(childHashes))
	ordered = append(ordered, sortedCopy(methodHashes)...)
	ordered = append(ordered, sortedCopy(childHashes)...)
	return contentHash(ordered...)
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
