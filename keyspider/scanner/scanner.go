// Package scanner discovers public key material on a server over SFTP.
package scanner

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/fingerprint"
	"github.com/keyspider/go-api/keyspider/sftpio"
)

// authorized_keys reads are bounded; the files are small in practice.
const maxKeyFileBytes = 1024 * 1024

var identityNames = []string{"id_rsa", "id_ed25519", "id_ecdsa", "id_dsa"}

var hostKeyPaths = []string{
	"/etc/ssh/ssh_host_rsa_key.pub",
	"/etc/ssh/ssh_host_ed25519_key.pub",
	"/etc/ssh/ssh_host_ecdsa_key.pub",
	"/etc/ssh/ssh_host_dsa_key.pub",
}

// nologin shells mark system accounts we skip.
var nologinShells = map[string]bool{
	"/sbin/nologin":     true,
	"/usr/sbin/nologin": true,
	"/bin/false":        true,
	"/usr/bin/false":    true,
}

// user is one /etc/passwd entry worth scanning.
type user struct {
	name string
	home string
}

// ScanServerKeys discovers all public key material on a server: per-user
// authorized_keys and identity files plus host keys. Private key
// contents are never read; a private key is recorded by path and
// metadata only. Results are deduplicated by (path, fingerprint).
func ScanServerKeys(sc sftpio.Client, host string) ([]keyspider.DiscoveredKey, error) {
	users, err := homeDirectories(sc)
	if err != nil {
		return nil, fmt.Errorf("enumerate homes on %s: %w", host, err)
	}

	var keys []keyspider.DiscoveredKey
	for _, u := range users {
		keys = append(keys, scanUserSSHDir(sc, host, u)...)
	}
	keys = append(keys, scanHostKeys(sc, host)...)

	keys = dedupe(keys)
	slog.Info("Key scan finished", "host", host, "users", len(users), "keys", len(keys))
	return keys, nil
}

// homeDirectories parses /etc/passwd for users with a login shell and a
// home directory.
func homeDirectories(sc sftpio.Client) ([]user, error) {
	content, found, err := sc.ReadFile("/etc/passwd", maxKeyFileBytes)
	if err != nil {
		return nil, err
	}
	if !found {
		return []user{{name: "root", home: "/root"}}, nil
	}

	var users []user
	for _, line := range strings.Split(content, "\n") {
		parts := strings.Split(strings.TrimSpace(line), ":")
		if len(parts) < 6 {
			continue
		}
		name, home := parts[0], parts[5]
		shell := ""
		if len(parts) > 6 {
			shell = parts[6]
		}
		if nologinShells[shell] {
			continue
		}
		if home == "" || strings.HasPrefix(home, "/dev") {
			continue
		}
		users = append(users, user{name: name, home: home})
	}

	if len(users) == 0 {
		users = []user{{name: "root", home: "/root"}}
	}
	return users, nil
}

func scanUserSSHDir(sc sftpio.Client, host string, u user) []keyspider.DiscoveredKey {
	var keys []keyspider.DiscoveredKey
	sshDir := u.home + "/.ssh"

	for _, name := range []string{"authorized_keys", "authorized_keys2"} {
		path := sshDir + "/" + name
		keys = append(keys, parseAuthorizedKeys(sc, host, path, u.name)...)
	}

	for _, name := range identityNames {
		pubPath := sshDir + "/" + name + ".pub"
		if key, ok := readIdentityFile(sc, pubPath, u.name); ok {
			keys = append(keys, key)
		}

		// Private key presence: metadata only, fingerprint borrowed
		// from the sibling .pub when it parsed.
		privPath := sshDir + "/" + name
		if key, ok := notePrivateKey(sc, privPath, pubPath, u.name); ok {
			keys = append(keys, key)
		}
	}

	return keys
}

// parseAuthorizedKeys reads an authorized_keys file and parses each
// non-blank, non-comment line. Malformed entries are skipped.
func parseAuthorizedKeys(sc sftpio.Client, host, path, owner string) []keyspider.DiscoveredKey {
	content, found, err := sc.ReadFile(path, maxKeyFileBytes)
	if err != nil {
		slog.Debug("Could not read authorized_keys", "host", host, "path", path, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	info, _, _ := sc.Stat(path)

	var keys []keyspider.DiscoveredKey
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pk, err := fingerprint.Parse(line)
		if err != nil {
			slog.Debug("Skipping malformed key line", "path", path, "error", err)
			continue
		}

		keys = append(keys, discovered(pk, path, keyspider.FileTypeAuthorizedKeys, owner, info, false))
	}
	return keys
}

func readIdentityFile(sc sftpio.Client, path, owner string) (keyspider.DiscoveredKey, bool) {
	content, found, err := sc.ReadFile(path, maxKeyFileBytes)
	if err != nil || !found {
		return keyspider.DiscoveredKey{}, false
	}

	pk, err := fingerprint.Parse(strings.TrimSpace(content))
	if err != nil {
		return keyspider.DiscoveredKey{}, false
	}

	info, _, _ := sc.Stat(path)
	return discovered(pk, path, keyspider.FileTypeIdentity, owner, info, false), true
}

// notePrivateKey records that a private key file exists. Its contents
// are never read; identity comes from the sibling public key if any.
func notePrivateKey(sc sftpio.Client, privPath, pubPath, owner string) (keyspider.DiscoveredKey, bool) {
	info, found, err := sc.Stat(privPath)
	if err != nil || !found {
		return keyspider.DiscoveredKey{}, false
	}

	key := keyspider.DiscoveredKey{
		FilePath:  privPath,
		FileType:  keyspider.FileTypeIdentity,
		UnixOwner: owner,
		UnixPerms: info.Perms,
		FileMtime: info.Mtime,
		FileSize:  info.Size,
	}

	if content, pubFound, err := sc.ReadFile(pubPath, maxKeyFileBytes); err == nil && pubFound {
		if pk, err := fingerprint.Parse(strings.TrimSpace(content)); err == nil {
			key.FingerprintSHA256 = fingerprint.SHA256Fingerprint(pk.Body)
			key.FingerprintMD5 = fingerprint.MD5Fingerprint(pk.Body)
			key.KeyType = pk.Type
			key.KeyBits = pk.Bits
			key.Comment = pk.Comment
		}
	}
	return key, true
}

func scanHostKeys(sc sftpio.Client, host string) []keyspider.DiscoveredKey {
	var keys []keyspider.DiscoveredKey
	for _, path := range hostKeyPaths {
		content, found, err := sc.ReadFile(path, maxKeyFileBytes)
		if err != nil || !found {
			continue
		}

		pk, err := fingerprint.Parse(strings.TrimSpace(content))
		if err != nil {
			slog.Debug("Skipping malformed host key", "host", host, "path", path, "error", err)
			continue
		}

		info, _, _ := sc.Stat(path)
		keys = append(keys, discovered(pk, path, keyspider.FileTypeHostKey, "root", info, true))
	}
	return keys
}

func discovered(pk *fingerprint.PublicKey, path, fileType, owner string, info keyspider.FileInfo, hostKey bool) keyspider.DiscoveredKey {
	return keyspider.DiscoveredKey{
		FingerprintSHA256: fingerprint.SHA256Fingerprint(pk.Body),
		FingerprintMD5:    fingerprint.MD5Fingerprint(pk.Body),
		KeyType:           pk.Type,
		KeyBits:           pk.Bits,
		PublicKeyData:     pk.Wire + " " + pk.Base64,
		Comment:           pk.Comment,
		FilePath:          path,
		FileType:          fileType,
		UnixOwner:         owner,
		UnixPerms:         info.Perms,
		FileMtime:         info.Mtime,
		FileSize:          info.Size,
		IsHostKey:         hostKey,
	}
}

func dedupe(keys []keyspider.DiscoveredKey) []keyspider.DiscoveredKey {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		id := k.FilePath + "\x00" + k.FingerprintSHA256
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, k)
	}
	return out
}
