// File: access_event.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// AccessEvent is a single observed SSH authentication event against a
// target server. Events are append-mostly; the natural key
// (target, source_ip, fingerprint, username, event_time) deduplicates
// re-ingested log windows.
type AccessEvent struct {
	gorm.Model
	TargetServerID uint    `gorm:"uniqueIndex:idx_access_events_nat;index"`
	SourceIP       string  `gorm:"uniqueIndex:idx_access_events_nat;index;size:64"`
	SourceServerID *uint   `gorm:"index"`
	SSHKeyID       *uint   `gorm:"index"`
	Fingerprint    string  `gorm:"uniqueIndex:idx_access_events_nat;index;size:100"`
	Username       string  `gorm:"uniqueIndex:idx_access_events_nat;size:100"`
	AuthMethod     string  `gorm:"size:30"` // publickey | password | keyboard-interactive
	EventType      string  `gorm:"index;size:20"` // accepted | failed | disconnect
	EventTime      time.Time `gorm:"uniqueIndex:idx_access_events_nat;index"`
	RawLogLine     string  `gorm:"type:text"`
	LogSource      string  `gorm:"size:30"` // auth.log | secure | aix-syslog | syslog | journald | watch | agent
}

// SudoEvent is a privilege-escalation event parsed from syslog or
// pushed by an agent. Kept in its own table, away from the access graph.
type SudoEvent struct {
	gorm.Model
	ServerID   uint   `gorm:"index"`
	Username   string `gorm:"size:100"`
	TTY        string `gorm:"size:50"`
	WorkingDir string `gorm:"size:512"`
	TargetUser string `gorm:"size:100"`
	Command    string `gorm:"type:text"`
	Success    bool   `gorm:"default:true"`
	EventTime  time.Time `gorm:"index"`
	RawLogLine string `gorm:"type:text"`
}
