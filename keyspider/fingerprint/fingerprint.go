// Package fingerprint parses OpenSSH public key lines and computes the
// SHA256/MD5 fingerprints used as key identities across keyspider.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedKey reports an unparseable public key line.
var ErrMalformedKey = errors.New("malformed public key")

// typeNames maps the wire type token to the short key type.
var typeNames = map[string]string{
	"ssh-rsa":             "rsa",
	"ssh-ed25519":         "ed25519",
	"ssh-dss":             "dsa",
	"ecdsa-sha2-nistp256": "ecdsa",
	"ecdsa-sha2-nistp384": "ecdsa",
	"ecdsa-sha2-nistp521": "ecdsa",
}

// curveBits maps ECDSA type tokens to their curve size.
var curveBits = map[string]int{
	"ecdsa-sha2-nistp256": 256,
	"ecdsa-sha2-nistp384": 384,
	"ecdsa-sha2-nistp521": 521,
}

// PublicKey is a parsed public key line.
type PublicKey struct {
	Type    string // rsa | ed25519 | ecdsa | dsa
	Wire    string // the type token as it appears on the wire
	Body    []byte // decoded base64 body
	Base64  string // base64 body as written
	Comment string
	Options string // raw authorized_keys options prefix, if any
	Bits    int
}

// Parse parses a single public key line. authorized_keys option
// prefixes (command="...",from="..." etc.) are recognised and recorded.
func Parse(line string) (*PublicKey, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty line: %w", ErrMalformedKey)
	}

	options, rest := splitOptions(line)
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return nil, fmt.Errorf("missing key body: %w", ErrMalformedKey)
	}

	keyType, ok := typeNames[fields[0]]
	if !ok {
		return nil, fmt.Errorf("unknown key type %q: %w", fields[0], ErrMalformedKey)
	}

	body, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return nil, fmt.Errorf("decode key body: %w", ErrMalformedKey)
	}

	comment := ""
	if len(fields) > 2 {
		comment = strings.Join(fields[2:], " ")
	}

	pk := &PublicKey{
		Type:    keyType,
		Wire:    fields[0],
		Body:    body,
		Base64:  fields[1],
		Comment: comment,
		Options: options,
	}
	pk.Bits = keyBits(pk)
	return pk, nil
}

// splitOptions consumes an unquoted, non-whitespace token sequence
// before the ssh-* type token, honouring quotes so that
// command="a b" from="10.0.0.0/8" is treated as one options prefix.
func splitOptions(line string) (options, rest string) {
	if isTypeToken(firstField(line)) {
		return "", line
	}

	inQuote := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && inQuote && i+1 < len(line):
			i++
		case c == '"':
			inQuote = !inQuote
		case (c == ' ' || c == '\t') && !inQuote:
			tail := strings.TrimLeft(line[i:], " \t")
			if isTypeToken(firstField(tail)) {
				return strings.TrimSpace(line[:i]), tail
			}
		}
	}
	return "", line
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func isTypeToken(tok string) bool {
	_, ok := typeNames[tok]
	return ok
}

// keyBits recovers the key size where the wire format makes it cheap.
func keyBits(pk *PublicKey) int {
	switch pk.Type {
	case "ed25519":
		return 256
	case "ecdsa":
		return curveBits[pk.Wire]
	case "rsa":
		return rsaModulusBits(pk.Body)
	case "dsa":
		return dsaPrimeBits(pk.Body)
	}
	return 0
}

// rsaModulusBits walks the ssh-rsa wire format (string type, mpint e,
// mpint n) and returns the bit length of the modulus.
func rsaModulusBits(body []byte) int {
	fields, err := wireFields(body, 3)
	if err != nil {
		return 0
	}
	return mpintBits(fields[2])
}

// dsaPrimeBits reads the leading prime p of the ssh-dss wire format.
func dsaPrimeBits(body []byte) int {
	fields, err := wireFields(body, 2)
	if err != nil {
		return 0
	}
	return mpintBits(fields[1])
}

// wireFields reads n length-prefixed fields from an SSH wire blob.
func wireFields(body []byte, n int) ([][]byte, error) {
	fields := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(body) < 4 {
			return nil, ErrMalformedKey
		}
		l := binary.BigEndian.Uint32(body)
		body = body[4:]
		if uint32(len(body)) < l {
			return nil, ErrMalformedKey
		}
		fields = append(fields, body[:l])
		body = body[l:]
	}
	return fields, nil
}

func mpintBits(b []byte) int {
	// mpints carry a leading zero byte when the high bit is set
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	if len(b) == 0 {
		return 0
	}
	bits := (len(b) - 1) * 8
	for v := b[0]; v > 0; v >>= 1 {
		bits++
	}
	return bits
}

// SHA256Fingerprint renders the OpenSSH-style SHA256 fingerprint,
// "SHA256:" plus unpadded base64.
func SHA256Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// MD5Fingerprint renders the legacy MD5 fingerprint as colon-separated
// lower hex pairs, prefixed "MD5:".
func MD5Fingerprint(body []byte) string {
	sum := md5.Sum(body)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return "MD5:" + strings.Join(parts, ":")
}

// Normalize canonicalises a fingerprint string: SHA256 fingerprints get
// the SHA256: prefix and lose base64 padding, MD5 fingerprints become
// lower hex with the MD5: prefix. Normalize is idempotent.
func Normalize(fp string) string {
	fp = strings.TrimSpace(fp)

	switch {
	case strings.HasPrefix(fp, "SHA256:"):
		return "SHA256:" + strings.TrimRight(fp[len("SHA256:"):], "=")
	case strings.HasPrefix(fp, "MD5:"):
		return "MD5:" + strings.ToLower(fp[len("MD5:"):])
	}

	// Bare values: colon-separated hex pairs are MD5, anything else is
	// assumed to be an unpadded SHA256 digest.
	if looksLikeMD5(fp) {
		return "MD5:" + strings.ToLower(fp)
	}
	return "SHA256:" + strings.TrimRight(fp, "=")
}

func looksLikeMD5(fp string) bool {
	if !strings.Contains(fp, ":") || len(fp) > 50 {
		return false
	}
	for _, part := range strings.Split(fp, ":") {
		if len(part) != 2 {
			return false
		}
	}
	return true
}

// Match reports whether two fingerprints identify the same key,
// tolerating format differences.
func Match(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
