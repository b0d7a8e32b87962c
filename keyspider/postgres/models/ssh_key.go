// File: ssh_key.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// SSHKey is a public key identified by its SHA256 fingerprint. Private
// key bytes are never stored.
type SSHKey struct {
	gorm.Model
	FingerprintSHA256 string `gorm:"uniqueIndex;size:100"`
	FingerprintMD5    string `gorm:"index;size:100"`
	KeyType           string `gorm:"size:20;default:unknown"` // rsa | ed25519 | ecdsa | dsa
	KeyBits           int
	PublicKeyData     string `gorm:"type:text"`
	Comment           string `gorm:"size:255"`
	IsHostKey         bool   `gorm:"default:false"`
	FirstSeenAt       time.Time
	// FileMtime keeps the oldest mtime observed for any file carrying
	// this key; EstimatedAgeDays is derived from it.
	FileMtime        *time.Time
	EstimatedAgeDays int
}

// KeyLocation records where a key was found on a server. The
// authorization layer of the access graph is built from rows with
// FileType "authorized_keys".
type KeyLocation struct {
	gorm.Model
	ServerID       uint   `gorm:"uniqueIndex:idx_key_locations_nat;index"`
	SSHKeyID       uint   `gorm:"uniqueIndex:idx_key_locations_nat;index"`
	FilePath       string `gorm:"uniqueIndex:idx_key_locations_nat;size:512"`
	FileType       string `gorm:"size:30"` // authorized_keys | identity | host_key
	UnixOwner      string `gorm:"size:100"`
	UnixPerms      string `gorm:"size:10"`
	GraphLayer     string `gorm:"size:20;default:authorization"` // authorization | both
	FileMtime      *time.Time
	FileSize       int64
	LastVerifiedAt *time.Time
}
