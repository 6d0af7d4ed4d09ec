package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// Fingerprint hashes the User-Agent, Accept-Language and Accept-Encoding
// headers. It is a heuristic: every input is client-controlled, so it only
// catches a stolen session cookie replayed from a visibly different client.
// The IP address is left out so that mobile clients changing networks keep
// their session.
func Fingerprint(r *http.Request) string {
	h := sha256.New()
	for _, header := range []string{"User-Agent", "Accept-Language", "Accept-Encoding"} {
		h.Write([]byte(r.Header.Get(header)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
