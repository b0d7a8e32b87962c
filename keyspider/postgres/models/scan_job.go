// File: scan_job.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// ScanJob statuses. Completed, failed, and cancelled are absorbing.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// ScanJob records one crawl invocation and its counters.
type ScanJob struct {
	gorm.Model
	JobID        string `gorm:"uniqueIndex;size:36"`
	JobType      string `gorm:"size:30"` // full | server | spider
	Status       string `gorm:"index;size:20;default:pending"`
	SeedServerID *uint
	MaxDepth     int `gorm:"default:10"`

	ServersScanned   int `gorm:"default:0"`
	KeysFound        int `gorm:"default:0"`
	EventsParsed     int `gorm:"default:0"`
	UnreachableFound int `gorm:"default:0"`

	ErrorMessage string `gorm:"type:text"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// IsTerminal reports whether the job status can no longer change.
func (j *ScanJob) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// WatchSession statuses.
const (
	WatchActive  = "active"
	WatchPaused  = "paused"
	WatchStopped = "stopped"
	WatchError   = "error"
)

// WatchSession records a live tail session on a server. At most one
// session per server is active at a time.
type WatchSession struct {
	gorm.Model
	SessionID      string `gorm:"uniqueIndex;size:36"`
	ServerID       uint   `gorm:"index"`
	Status         string `gorm:"size:20;default:active"`
	LastEventAt    *time.Time
	EventsCaptured int  `gorm:"default:0"`
	AutoSpider     bool `gorm:"default:false"`
	SpiderDepth    int  `gorm:"default:3"`
	ErrorMessage   string `gorm:"type:text"`
	StoppedAt      *time.Time
}
