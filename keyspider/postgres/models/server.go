// File: server.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// Server is a host known to keyspider, whether seeded by an operator or
// discovered as a source IP during a crawl.
type Server struct {
	gorm.Model
	Hostname      string `gorm:"uniqueIndex:idx_servers_host_ip;size:255"`
	IP            string `gorm:"uniqueIndex:idx_servers_host_ip;index;size:64"`
	OSType        string `gorm:"size:20;default:unknown"` // linux | aix | unknown
	OSVersion     string `gorm:"size:100"`
	SSHPort       int    `gorm:"default:22"`
	IsReachable   bool   `gorm:"default:true"`
	LastScannedAt *time.Time
	// ScanWatermark is the latest event_time fully processed for this
	// server. It only ever moves forward.
	ScanWatermark *time.Time
	LastLogSize   *int64
	PreferAgent   bool `gorm:"default:false"`
	DiscoveredVia string `gorm:"size:50"` // manual | scan | agent
}

// AgentStatus tracks the on-host agent for a server. The raw token is
// never stored; only its SHA256 hex digest.
type AgentStatus struct {
	gorm.Model
	ServerID         uint   `gorm:"uniqueIndex"`
	TokenHash        string `gorm:"index;size:64"`
	AgentVersion     string `gorm:"size:50"`
	DeploymentStatus string `gorm:"size:20;default:pending"` // pending | active | error
	LastHeartbeatAt  *time.Time
	LastEventAt      *time.Time
}
