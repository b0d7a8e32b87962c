// File: access_path.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// AccessPath is the aggregate edge of the access graph, one row per
// (source, target, key, username). IsAuthorized and IsUsed mark which
// graph layers the edge belongs to; flags are OR-merged on conflict.
type AccessPath struct {
	gorm.Model
	SourceServerID *uint  `gorm:"uniqueIndex:idx_access_paths_nat;index"`
	TargetServerID uint   `gorm:"uniqueIndex:idx_access_paths_nat;index"`
	SSHKeyID       *uint  `gorm:"uniqueIndex:idx_access_paths_nat;index"`
	Username       string `gorm:"uniqueIndex:idx_access_paths_nat;size:100"`
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	EventCount     int  `gorm:"default:0"`
	IsActive       bool `gorm:"default:true"`
	IsAuthorized   bool `gorm:"default:false"`
	IsUsed         bool `gorm:"default:false"`
}

// UnreachableSource is a source IP seen authenticating in a target's
// logs that the jump host itself cannot reach over SSH.
type UnreachableSource struct {
	gorm.Model
	SourceIP       string `gorm:"uniqueIndex:idx_unreachable_nat;index;size:64"`
	ReverseDNS     string `gorm:"size:255"`
	Fingerprint    string `gorm:"size:100"`
	SSHKeyID       *uint
	TargetServerID uint   `gorm:"uniqueIndex:idx_unreachable_nat;index"`
	Username       string `gorm:"uniqueIndex:idx_unreachable_nat;size:100"`
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	EventCount     int    `gorm:"default:1"`
	Severity       string `gorm:"index;size:20"` // critical | high | medium | low
	Notes          string `gorm:"type:text"`
	Acknowledged   bool   `gorm:"default:false"`
}
