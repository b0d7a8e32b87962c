// Package keyspider holds the shared domain types passed between the
// crawl, watch, and ingest pipelines. Persistence models live in
// keyspider/postgres/models; everything here is plain data.
package keyspider

import "time"

// OS types reported for a server.
const (
	OSLinux   = "linux"
	OSAIX     = "aix"
	OSUnknown = "unknown"
)

// AuthEvent event types.
const (
	EventAccepted   = "accepted"
	EventFailed     = "failed"
	EventDisconnect = "disconnect"
)

// Key file types recorded as KeyLocations.
const (
	FileTypeAuthorizedKeys = "authorized_keys"
	FileTypeIdentity       = "identity"
	FileTypeHostKey        = "host_key"
)

// AuthEvent is a normalised SSH authentication event parsed from a
// syslog line, a journald record, or an agent payload.
type AuthEvent struct {
	Timestamp   time.Time
	SourceIP    string
	Username    string
	AuthMethod  string // publickey | password | keyboard-interactive
	EventType   string // accepted | failed | disconnect
	Fingerprint string // SHA256:... when the log carries one
	Port        int
	PID         int
	RawLine     string
	LogSource   string // auth.log | secure | aix-syslog | syslog | journald | watch | agent
}

// SudoEvent is a parsed sudo invocation from syslog.
type SudoEvent struct {
	Timestamp  time.Time
	Username   string
	TTY        string
	WorkingDir string
	TargetUser string
	Command    string
	Success    bool
	RawLine    string
}

// DiscoveredKey is a piece of public key material found on a server.
// Private keys are represented by path and metadata only; their
// contents are never read.
type DiscoveredKey struct {
	FingerprintSHA256 string
	FingerprintMD5    string
	KeyType           string // rsa | ed25519 | ecdsa | dsa
	KeyBits           int
	PublicKeyData     string
	Comment           string
	FilePath          string
	FileType          string // authorized_keys | identity | host_key
	UnixOwner         string
	UnixPerms         string
	FileMtime         time.Time
	FileSize          int64
	IsHostKey         bool
}

// FileInfo is file metadata returned by an SFTP stat.
type FileInfo struct {
	Size  int64
	Mtime time.Time
	Perms string // octal, e.g. "0644"
	Owner string
	Group string
}

// SpiderProgress is the snapshot handed to progress callbacks. Counters
// are monotonically non-decreasing for the lifetime of a crawl.
type SpiderProgress struct {
	ServersScanned   int
	QueueSize        int
	CurrentServer    string
	CurrentDepth     int
	EventsParsed     int
	KeysFound        int
	UnreachableFound int
}
