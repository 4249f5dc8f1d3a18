package transport

import (
	"crypto/md5" //nolint:gosec
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// digestChallenge is one WWW-Authenticate challenge as defined by
// RFC 2617. Only the MD5 and MD5-sess algorithms and the auth qop are
// implemented, which is what the monitoring CGIs offer.
type digestChallenge struct {
	realm     string
	nonce     string
	opaque    string
	qop       string
	algorithm string

	nc uint64
}

func parseDigestChallenge(header string) *digestChallenge {
	const prefix = "Digest "
	if !strings.HasPrefix(header, prefix) {
		return nil
	}

	c := &digestChallenge{algorithm: "MD5"}
	for _, part := range splitChallenge(header[len(prefix):]) {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}

		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "realm":
			c.realm = value
		case "nonce":
			c.nonce = value
		case "opaque":
			c.opaque = value
		case "qop":
			// Servers may offer several qop values, pick auth.
			for _, qop := range strings.Split(value, ",") {
				if strings.TrimSpace(qop) == "auth" {
					c.qop = "auth"
				}
			}
		case "algorithm":
			c.algorithm = value
		}
	}

	if c.nonce == "" {
		return nil
	}

	return c
}

// splitChallenge splits the challenge parameter list on commas outside
// quoted values, quoted parameters may contain commas themselves.
func splitChallenge(s string) []string {
	var parts []string
	var start int
	var quoted bool

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}

	return append(parts, s[start:])
}

// authorize computes the Authorization header value for req.
func (c *digestChallenge) authorize(username, password string, req *http.Request) string {
	uri := req.URL.RequestURI()
	cnonce := newCnonce()
	nc := atomic.AddUint64(&c.nc, 1)

	ha1 := hashMD5(username + ":" + c.realm + ":" + password)
	if strings.EqualFold(c.algorithm, "MD5-sess") {
		ha1 = hashMD5(ha1 + ":" + c.nonce + ":" + cnonce)
	}

	ha2 := hashMD5(req.Method + ":" + uri)

	var response string
	if c.qop == "auth" {
		response = hashMD5(fmt.Sprintf("%s:%s:%08x:%s:%s:%s", ha1, c.nonce, nc, cnonce, c.qop, ha2))
	} else {
		response = hashMD5(ha1 + ":" + c.nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		username, c.realm, c.nonce, uri, response)
	fmt.Fprintf(&b, `, algorithm=%s`, c.algorithm)

	if c.qop == "auth" {
		fmt.Fprintf(&b, `, qop=auth, nc=%08x, cnonce=%q`, nc, cnonce)
	}

	if c.opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, c.opaque)
	}

	return b.String()
}

func hashMD5(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

func newCnonce() string {
	raw := make([]byte, 8)
	_, _ = rand.Read(raw)

	return hex.EncodeToString(raw)
}
