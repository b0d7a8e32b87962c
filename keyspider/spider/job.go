package spider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyspider/go-api/keyspider/postgres/models"
)

// CreateJob records a pending scan job.
func CreateJob(db *gorm.DB, jobType string, seedServerID *uint, maxDepth int) (*models.ScanJob, error) {
	job := &models.ScanJob{
		JobID:        uuid.NewString(),
		JobType:      jobType,
		Status:       models.JobPending,
		SeedServerID: seedServerID,
		MaxDepth:     maxDepth,
	}
	if err := db.Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create scan job: %w", err)
	}
	return job, nil
}

// CancelJob marks a job cancelled. Terminal states are absorbing, so a
// completed or failed job is left untouched.
func CancelJob(db *gorm.DB, jobID string) error {
	res := db.Model(&models.ScanJob{}).
		Where("job_id = ? AND status IN ?", jobID, []string{models.JobPending, models.JobRunning}).
		Update("status", models.JobCancelled)
	if res.Error != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, res.Error)
	}
	return nil
}

// RunJob executes a crawl under a ScanJob record: status transitions,
// counter mirroring, and cancellation observed at server boundaries.
func RunJob(ctx context.Context, db *gorm.DB, engine *Engine, job *models.ScanJob, seedAddr string) error {
	now := time.Now().UTC()
	if err := db.Model(job).Updates(map[string]interface{}{
		"status":     models.JobRunning,
		"started_at": now,
	}).Error; err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}

	// A cancel written to the job row by another process stops the
	// crawl at the next server boundary.
	stopPolling := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopPolling:
				return
			case <-ticker.C:
				var current models.ScanJob
				if err := db.Select("status").Where("job_id = ?", job.JobID).First(&current).Error; err == nil {
					if current.Status == models.JobCancelled {
						engine.Cancel()
						return
					}
				}
			}
		}
	}()

	progress, crawlErr := engine.Crawl(ctx, seedAddr)
	close(stopPolling)

	done := time.Now().UTC()
	updates := map[string]interface{}{
		"servers_scanned":   progress.ServersScanned,
		"keys_found":        progress.KeysFound,
		"events_parsed":     progress.EventsParsed,
		"unreachable_found": progress.UnreachableFound,
		"completed_at":      done,
	}

	var current models.ScanJob
	if err := db.Where("job_id = ?", job.JobID).First(&current).Error; err != nil {
		return fmt.Errorf("failed to reload job: %w", err)
	}

	switch {
	case current.IsTerminal():
		// Cancelled (or otherwise finalised) elsewhere; counters still
		// get mirrored, the status stays.
	case crawlErr != nil:
		updates["status"] = models.JobFailed
		updates["error_message"] = crawlErr.Error()
	case engine.cancelled.Load():
		updates["status"] = models.JobCancelled
	default:
		updates["status"] = models.JobCompleted
	}

	if err := db.Model(&current).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to finalise job: %w", err)
	}
	return crawlErr
}
