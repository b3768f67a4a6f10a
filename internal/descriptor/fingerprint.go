package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ProfileFingerprint identifies the source content of a single profile
// photo. The URL itself is the fingerprint: a new upload means a new URL.
func ProfileFingerprint(photoURL string) string {
	return photoURL
}

// ClassroomFingerprint hashes the set of embedded classroom photo URLs,
// order-independently. Adding, removing, or re-embedding any photo
// changes the fingerprint and forces recomputation.
func ClassroomFingerprint(photoURLs []string) string {
	sorted := make([]string, len(photoURLs))
	copy(sorted, photoURLs)
	sort.Strings(sorted)

	h := sha256.New()
	for _, u := range sorted {
		h.Write([]byte(u))
		h.Write([]byte{0}) // separator so ["ab","c"] != ["a","bc"]
	}
	return hex.EncodeToString(h.Sum(nil))
}
