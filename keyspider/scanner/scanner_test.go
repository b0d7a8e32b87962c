package scanner

import (
	"encoding/base64"
	"encoding/binary"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/keyspider/go-api/keyspider"
)

// fakeSFTP serves an in-memory file tree and records reads.
type fakeSFTP struct {
	files map[string]string
	reads []string
}

func (f *fakeSFTP) ReadFile(path string, maxBytes int64) (string, bool, error) {
	f.reads = append(f.reads, path)
	content, ok := f.files[path]
	return content, ok, nil
}

func (f *fakeSFTP) ReadFileTail(path string, maxLines int) (string, bool, error) {
	return f.ReadFile(path, 0)
}

func (f *fakeSFTP) Stat(path string) (keyspider.FileInfo, bool, error) {
	content, ok := f.files[path]
	if !ok {
		return keyspider.FileInfo{}, false, nil
	}
	return keyspider.FileInfo{
		Size:  int64(len(content)),
		Mtime: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Perms: "0600",
		Owner: "1000",
	}, true, nil
}

func (f *fakeSFTP) ListDir(path string) ([]string, error) {
	var names []string
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range f.files {
		if strings.HasPrefix(p, prefix) {
			names = append(names, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeSFTP) Exists(path string) bool {
	_, ok := f.files[path]
	return ok
}

func (f *fakeSFTP) Close() error { return nil }

func keyLine(keyType string, seed byte, comment string) string {
	var body []byte
	put := func(field []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(field)))
		body = append(body, l[:]...)
		body = append(body, field...)
	}
	put([]byte(keyType))
	blob := make([]byte, 32)
	blob[0] = seed
	put(blob)

	line := keyType + " " + base64.StdEncoding.EncodeToString(body)
	if comment != "" {
		line += " " + comment
	}
	return line
}

func testTree() *fakeSFTP {
	return &fakeSFTP{files: map[string]string{
		"/etc/passwd": strings.Join([]string{
			"root:x:0:0:root:/root:/bin/bash",
			"alice:x:1000:1000:Alice:/home/alice:/bin/bash",
			"daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin",
			"sync:x:4:65534:sync:/bin:/bin/false",
			"weird:x:99:99:weird:/dev/null:/bin/bash",
			"", // trailing newline
		}, "\n"),
		"/root/.ssh/authorized_keys": strings.Join([]string{
			"# ops keys",
			keyLine("ssh-ed25519", 1, "ops@bastion"),
			`command="/bin/backup" ` + keyLine("ssh-ed25519", 2, "backup@nas"),
			"not a key at all",
			"",
		}, "\n"),
		"/home/alice/.ssh/authorized_keys":  keyLine("ssh-ed25519", 3, "alice@laptop"),
		"/home/alice/.ssh/authorized_keys2": keyLine("ssh-ed25519", 3, "alice@laptop"),
		"/home/alice/.ssh/id_ed25519":       "PRIVATE KEY MATERIAL",
		"/home/alice/.ssh/id_ed25519.pub":   keyLine("ssh-ed25519", 4, "alice@laptop"),
		"/etc/ssh/ssh_host_ed25519_key.pub": keyLine("ssh-ed25519", 5, "host"),
	}}
}

func TestScanServerKeys(t *testing.T) {
	sc := testTree()

	keys, err := ScanServerKeys(sc, "web01")
	if err != nil {
		t.Fatalf("ScanServerKeys failed: %v", err)
	}

	byType := map[string]int{}
	for _, k := range keys {
		byType[k.FileType]++
	}

	// root: 2 parsed authorized_keys lines (comment and malformed
	// skipped). alice: 1 per authorized_keys file, each a distinct
	// location even with the same fingerprint.
	if byType[keyspider.FileTypeAuthorizedKeys] != 4 {
		t.Errorf("authorized_keys locations = %d, want 4", byType[keyspider.FileTypeAuthorizedKeys])
	}
	// alice: id_ed25519.pub plus the private key presence record.
	if byType[keyspider.FileTypeIdentity] != 2 {
		t.Errorf("identity locations = %d, want 2", byType[keyspider.FileTypeIdentity])
	}
	if byType[keyspider.FileTypeHostKey] != 1 {
		t.Errorf("host key locations = %d, want 1", byType[keyspider.FileTypeHostKey])
	}

	for _, k := range keys {
		if k.FileType == keyspider.FileTypeHostKey && !k.IsHostKey {
			t.Errorf("host key %s not flagged is_host_key", k.FilePath)
		}
		if k.FingerprintSHA256 != "" && !strings.HasPrefix(k.FingerprintSHA256, "SHA256:") {
			t.Errorf("fingerprint %q missing prefix", k.FingerprintSHA256)
		}
		if k.FilePath == "/root/.ssh/authorized_keys" && k.UnixOwner != "root" {
			t.Errorf("owner = %q, want root", k.UnixOwner)
		}
	}
}

func TestScanNeverReadsPrivateKeys(t *testing.T) {
	sc := testTree()

	if _, err := ScanServerKeys(sc, "web01"); err != nil {
		t.Fatalf("ScanServerKeys failed: %v", err)
	}

	for _, path := range sc.reads {
		if path == "/home/alice/.ssh/id_ed25519" {
			t.Fatal("scanner read a private key file")
		}
	}
}

func TestPrivateKeyFingerprintFromSibling(t *testing.T) {
	sc := testTree()

	keys, err := ScanServerKeys(sc, "web01")
	if err != nil {
		t.Fatalf("ScanServerKeys failed: %v", err)
	}

	var priv *keyspider.DiscoveredKey
	for i := range keys {
		if keys[i].FilePath == "/home/alice/.ssh/id_ed25519" {
			priv = &keys[i]
		}
	}
	if priv == nil {
		t.Fatal("private key presence record missing")
	}
	if priv.FingerprintSHA256 == "" {
		t.Error("fingerprint not borrowed from sibling .pub")
	}
	if priv.PublicKeyData != "" {
		t.Error("private key record must not carry key data")
	}
	if priv.UnixPerms != "0600" {
		t.Errorf("perms = %q, want 0600", priv.UnixPerms)
	}
}

func TestScanFallsBackToRootWithoutPasswd(t *testing.T) {
	sc := &fakeSFTP{files: map[string]string{
		"/root/.ssh/authorized_keys": keyLine("ssh-ed25519", 9, "solo"),
	}}

	keys, err := ScanServerKeys(sc, "bare01")
	if err != nil {
		t.Fatalf("ScanServerKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(keys))
	}
	if keys[0].UnixOwner != "root" {
		t.Errorf("owner = %q, want root", keys[0].UnixOwner)
	}
}

func TestDedupeByPathAndFingerprint(t *testing.T) {
	dup := keyLine("ssh-ed25519", 7, "dup@host")
	sc := &fakeSFTP{files: map[string]string{
		"/etc/passwd":                "root:x:0:0:root:/root:/bin/bash\n",
		"/root/.ssh/authorized_keys": dup + "\n" + dup + "\n",
	}}

	keys, err := ScanServerKeys(sc, "web01")
	if err != nil {
		t.Fatalf("ScanServerKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("keys = %d, want 1 (same path, same fingerprint)", len(keys))
	}
}
