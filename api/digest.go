package api

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Digest access authentication per RFC 2617, MD5 only. Cameras answer the
// first unauthenticated request with a WWW-Authenticate challenge carrying
// qop="auth"; some very old firmware omits qop entirely, so the legacy
// RFC 2069 computation is kept as well.

// DigestChallenge is a parsed WWW-Authenticate: Digest header.
type DigestChallenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Qop       string
	Algorithm string
	Stale     bool
}

// ParseDigestChallenge parses a WWW-Authenticate header value. Headers for
// schemes other than Digest and challenges with a non-MD5 algorithm are
// rejected.
func ParseDigestChallenge(header string) (DigestChallenge, error) {
	const scheme = "digest"
	trimmed := strings.TrimSpace(header)
	if len(trimmed) < len(scheme) || !strings.EqualFold(trimmed[:len(scheme)], scheme) {
		return DigestChallenge{}, fmt.Errorf("not a digest challenge: %q", header)
	}

	var ch DigestChallenge
	for _, param := range splitAuthParams(trimmed[len(scheme):]) {
		key, value, ok := cutAuthParam(param)
		if !ok {
			continue
		}
		switch key {
		case "realm":
			ch.Realm = value
		case "nonce":
			ch.Nonce = value
		case "opaque":
			ch.Opaque = value
		case "qop":
			ch.Qop = value
		case "algorithm":
			ch.Algorithm = value
		case "stale":
			ch.Stale = strings.EqualFold(value, "true")
		}
	}

	if ch.Nonce == "" {
		return DigestChallenge{}, errors.New("digest challenge missing nonce")
	}
	if ch.Algorithm != "" && !strings.EqualFold(ch.Algorithm, "MD5") {
		return DigestChallenge{}, fmt.Errorf("unsupported digest algorithm %q", ch.Algorithm)
	}
	return ch, nil
}

// Authorization answers the challenge for one request. The caller supplies
// a fresh cnonce per request; nc counts requests under the same nonce,
// starting at 1.
func (ch DigestChallenge) Authorization(username, password, method, uri, cnonce string, nc uint32) (string, error) {
	qop, err := ch.selectQop()
	if err != nil {
		return "", err
	}

	ncHex := fmt.Sprintf("%08x", nc)
	ha1 := DigestHA1(username, ch.Realm, password)
	response := DigestResponse(ha1, method, uri, ch.Nonce, cnonce, qop, ncHex)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		username, ch.Realm, ch.Nonce, uri, response)
	if qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce=%q`, qop, ncHex, cnonce)
	}
	if ch.Opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, ch.Opaque)
	}
	if ch.Algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, ch.Algorithm)
	}
	return b.String(), nil
}

func (ch DigestChallenge) selectQop() (string, error) {
	if ch.Qop == "" {
		return "", nil
	}
	for _, q := range strings.Split(ch.Qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			return "auth", nil
		}
	}
	return "", fmt.Errorf("no supported qop in %q", ch.Qop)
}

// DigestAuthorization is a parsed Authorization: Digest request header.
type DigestAuthorization struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Response  string
	CNonce    string
	Opaque    string
	Qop       string
	NC        string
	Algorithm string
}

// ParseDigestAuthorization parses an Authorization header value sent by a
// digest client.
func ParseDigestAuthorization(header string) (DigestAuthorization, error) {
	const scheme = "digest"
	trimmed := strings.TrimSpace(header)
	if len(trimmed) < len(scheme) || !strings.EqualFold(trimmed[:len(scheme)], scheme) {
		return DigestAuthorization{}, fmt.Errorf("not a digest authorization: %q", header)
	}

	var auth DigestAuthorization
	for _, param := range splitAuthParams(trimmed[len(scheme):]) {
		key, value, ok := cutAuthParam(param)
		if !ok {
			continue
		}
		switch key {
		case "username":
			auth.Username = value
		case "realm":
			auth.Realm = value
		case "nonce":
			auth.Nonce = value
		case "uri":
			auth.URI = value
		case "response":
			auth.Response = value
		case "cnonce":
			auth.CNonce = value
		case "opaque":
			auth.Opaque = value
		case "qop":
			auth.Qop = value
		case "nc":
			auth.NC = value
		case "algorithm":
			auth.Algorithm = value
		}
	}

	if auth.Username == "" || auth.Nonce == "" || auth.URI == "" || auth.Response == "" {
		return DigestAuthorization{}, errors.New("digest authorization missing required fields")
	}
	return auth, nil
}

// Verify reports whether the authorization's response is the correct answer
// for the given HA1 and request method. The comparison is constant time.
func (a DigestAuthorization) Verify(ha1, method string) bool {
	want := DigestResponse(ha1, method, a.URI, a.Nonce, a.CNonce, a.Qop, a.NC)
	return subtle.ConstantTimeCompare([]byte(want), []byte(a.Response)) == 1
}

// DigestHA1 returns MD5(username:realm:password) in lowercase hex. A server
// can store this instead of the plaintext password.
func DigestHA1(username, realm, password string) string {
	return md5hex(username + ":" + realm + ":" + password)
}

// DigestResponse computes the response hash from a precomputed HA1. With an
// empty qop the legacy RFC 2069 form is used and cnonce and ncHex are
// ignored.
func DigestResponse(ha1, method, uri, nonce, cnonce, qop, ncHex string) string {
	ha2 := md5hex(method + ":" + uri)
	if qop == "" {
		return md5hex(strings.Join([]string{ha1, nonce, ha2}, ":"))
	}
	return md5hex(strings.Join([]string{ha1, nonce, ncHex, cnonce, qop, ha2}, ":"))
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// splitAuthParams splits a comma separated auth-param list, leaving commas
// inside quoted strings alone.
func splitAuthParams(s string) []string {
	var (
		params  []string
		start   int
		quoted  bool
		escaped bool
	)
	for i, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			params = append(params, s[start:i])
			start = i + 1
		}
	}
	return append(params, s[start:])
}

func cutAuthParam(param string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(param, "=")
	if !ok {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.Trim(strings.TrimSpace(value), `"`)
	return key, value, key != ""
}
