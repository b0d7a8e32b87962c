package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// wireKey builds an SSH wire-format public key body from fields.
func wireKey(fields ...[]byte) []byte {
	var out []byte
	for _, f := range fields {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(f)))
		out = append(out, l[:]...)
		out = append(out, f...)
	}
	return out
}

func ed25519Line(comment string) (string, []byte) {
	body := wireKey([]byte("ssh-ed25519"), make([]byte, 32))
	line := "ssh-ed25519 " + base64.StdEncoding.EncodeToString(body)
	if comment != "" {
		line += " " + comment
	}
	return line, body
}

func TestParseAuthorizedKeysLineWithOptions(t *testing.T) {
	line, body := ed25519Line("alice@host")
	line = `command="/bin/backup",from="10.0.0.0/8" ` + line

	pk, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if pk.Type != "ed25519" {
		t.Errorf("type = %q, want ed25519", pk.Type)
	}
	if pk.Comment != "alice@host" {
		t.Errorf("comment = %q, want alice@host", pk.Comment)
	}
	if pk.Options != `command="/bin/backup",from="10.0.0.0/8"` {
		t.Errorf("options = %q", pk.Options)
	}
	if pk.Bits != 256 {
		t.Errorf("bits = %d, want 256", pk.Bits)
	}

	fp := SHA256Fingerprint(pk.Body)
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("fingerprint %q missing SHA256: prefix", fp)
	}
	if strings.HasSuffix(fp, "=") {
		t.Errorf("fingerprint %q has base64 padding", fp)
	}

	sum := sha256.Sum256(body)
	want := "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
	if fp != want {
		t.Errorf("fingerprint = %q, want %q", fp, want)
	}
}

func TestParseOptionsWithQuotedSpaces(t *testing.T) {
	line, _ := ed25519Line("backup")
	line = `command="/usr/bin/rsync --server -a . /srv",no-pty ` + line

	pk, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if pk.Type != "ed25519" {
		t.Errorf("type = %q, want ed25519", pk.Type)
	}
	if !strings.Contains(pk.Options, "no-pty") {
		t.Errorf("options lost the unquoted token: %q", pk.Options)
	}
}

func TestRSABitsFromModulus(t *testing.T) {
	// e = 65537, n = 256 bytes with the high bit set (2048-bit modulus,
	// mpint-encoded with a leading zero).
	n := make([]byte, 257)
	n[1] = 0x80
	body := wireKey([]byte("ssh-rsa"), []byte{1, 0, 1}, n)

	pk, err := Parse("ssh-rsa " + base64.StdEncoding.EncodeToString(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if pk.Bits != 2048 {
		t.Errorf("bits = %d, want 2048", pk.Bits)
	}
}

func TestECDSABitsFromCurve(t *testing.T) {
	body := wireKey([]byte("ecdsa-sha2-nistp384"), []byte("nistp384"), make([]byte, 97))
	pk, err := Parse("ecdsa-sha2-nistp384 " + base64.StdEncoding.EncodeToString(body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if pk.Type != "ecdsa" || pk.Bits != 384 {
		t.Errorf("got type=%q bits=%d, want ecdsa/384", pk.Type, pk.Bits)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"unknown type", "ssh-foo AAAA comment"},
		{"bad base64", "ssh-rsa not!!base64 comment"},
		{"missing body", "ssh-rsa"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.line); !errors.Is(err, ErrMalformedKey) {
				t.Errorf("Parse(%q) error = %v, want ErrMalformedKey", tc.line, err)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	cases := []string{
		"SHA256:abcDEF123",
		"SHA256:abcDEF123==",
		"aa:bb:cc:dd:ee:ff:00:11:22:33:44:55:66:77:88:99",
		"MD5:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99",
		"abcDEF123",
	}

	for _, fp := range cases {
		once := Normalize(fp)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", fp, once, twice)
		}
	}
}

func TestMatchAcrossFormats(t *testing.T) {
	if !Match("SHA256:abc123", "abc123") {
		t.Error("bare digest should match prefixed SHA256")
	}
	if !Match("MD5:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99",
		"aa:bb:cc:dd:ee:ff:00:11:22:33:44:55:66:77:88:99") {
		t.Error("MD5 case difference should match")
	}
	if Match("SHA256:abc123", "SHA256:def456") {
		t.Error("different digests must not match")
	}
}

func TestMD5FingerprintShape(t *testing.T) {
	_, body := ed25519Line("")
	fp := MD5Fingerprint(body)
	if !strings.HasPrefix(fp, "MD5:") {
		t.Fatalf("fingerprint %q missing MD5: prefix", fp)
	}
	parts := strings.Split(strings.TrimPrefix(fp, "MD5:"), ":")
	if len(parts) != 16 {
		t.Errorf("expected 16 hex pairs, got %d", len(parts))
	}
	for _, p := range parts {
		if len(p) != 2 || strings.ToLower(p) != p {
			t.Errorf("bad hex pair %q", p)
		}
	}
}
