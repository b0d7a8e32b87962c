package spider

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/postgres/models"
)

// Repository provides the database operations the crawl pipeline needs.
// All lookups feeding a server commit are batched; events go in as
// batched inserts with conflict-ignore on the natural key, which makes
// re-ingesting a log window a no-op.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a Repository on the given gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for transaction scoping.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// UpsertServer creates or updates a server row, looked up by ip. A
// stored hostname that is just the ip is replaced by a real hostname.
func (r *Repository) UpsertServer(hostname, ip string, port int, discoveredVia string) (*models.Server, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database connection not available")
	}
	if hostname == "" {
		hostname = ip
	}

	var server models.Server
	err := r.db.Where("ip = ?", ip).First(&server).Error
	if err == nil {
		updates := map[string]interface{}{"updated_at": time.Now()}
		if server.Hostname == server.IP && hostname != ip {
			updates["hostname"] = hostname
		}
		if port != 0 && server.SSHPort != port {
			updates["ssh_port"] = port
		}
		if err := r.db.Model(&server).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update server: %w", err)
		}
		return &server, nil
	}

	server = models.Server{
		Hostname:      hostname,
		IP:            ip,
		SSHPort:       port,
		OSType:        keyspider.OSUnknown,
		IsReachable:   true,
		DiscoveredVia: discoveredVia,
	}
	if server.SSHPort == 0 {
		server.SSHPort = 22
	}
	if err := r.db.Create(&server).Error; err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return &server, nil
}

// GetServerByIP looks a server up by IP.
func (r *Repository) GetServerByIP(ip string) (*models.Server, bool, error) {
	var server models.Server
	err := r.db.Where("ip = ?", ip).First(&server).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query server %s: %w", ip, err)
	}
	return &server, true, nil
}

// MarkServerFailed flips is_reachable off after repeated dial failures.
func (r *Repository) MarkServerFailed(serverID uint) error {
	return r.db.Model(&models.Server{}).Where("id = ?", serverID).
		Update("is_reachable", false).Error
}

// UpsertKey creates or updates an SSHKey by SHA256 fingerprint. The
// stored FileMtime keeps the oldest observed mtime.
func (r *Repository) UpsertKey(dk keyspider.DiscoveredKey) (*models.SSHKey, error) {
	if dk.FingerprintSHA256 == "" {
		return nil, fmt.Errorf("discovered key without fingerprint")
	}

	var key models.SSHKey
	err := r.db.Where("fingerprint_sha256 = ?", dk.FingerprintSHA256).First(&key).Error
	if err == gorm.ErrRecordNotFound {
		key = models.SSHKey{
			FingerprintSHA256: dk.FingerprintSHA256,
			FingerprintMD5:    dk.FingerprintMD5,
			KeyType:           orUnknown(dk.KeyType),
			KeyBits:           dk.KeyBits,
			PublicKeyData:     dk.PublicKeyData,
			Comment:           dk.Comment,
			IsHostKey:         dk.IsHostKey,
			FirstSeenAt:       time.Now().UTC(),
		}
		if !dk.FileMtime.IsZero() {
			mt := dk.FileMtime
			key.FileMtime = &mt
			key.EstimatedAgeDays = int(time.Since(mt).Hours() / 24)
		}
		if err := r.db.Create(&key).Error; err != nil {
			return nil, fmt.Errorf("failed to create ssh key: %w", err)
		}
		return &key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ssh key: %w", err)
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if !dk.FileMtime.IsZero() && (key.FileMtime == nil || dk.FileMtime.Before(*key.FileMtime)) {
		updates["file_mtime"] = dk.FileMtime
		updates["estimated_age_days"] = int(time.Since(dk.FileMtime).Hours() / 24)
	}
	if key.Comment == "" && dk.Comment != "" {
		updates["comment"] = dk.Comment
	}
	if err := r.db.Model(&key).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update ssh key: %w", err)
	}
	return &key, nil
}

// UpsertKeyLocation records where a key was seen, keyed by
// (server, path, key).
func (r *Repository) UpsertKeyLocation(serverID, keyID uint, dk keyspider.DiscoveredKey) error {
	now := time.Now().UTC()

	var loc models.KeyLocation
	err := r.db.Where("server_id = ? AND ssh_key_id = ? AND file_path = ?",
		serverID, keyID, dk.FilePath).First(&loc).Error

	if err == gorm.ErrRecordNotFound {
		loc = models.KeyLocation{
			ServerID:       serverID,
			SSHKeyID:       keyID,
			FilePath:       dk.FilePath,
			FileType:       dk.FileType,
			UnixOwner:      dk.UnixOwner,
			UnixPerms:      dk.UnixPerms,
			GraphLayer:     "authorization",
			FileSize:       dk.FileSize,
			LastVerifiedAt: &now,
		}
		if !dk.FileMtime.IsZero() {
			mt := dk.FileMtime
			loc.FileMtime = &mt
		}
		if err := r.db.Create(&loc).Error; err != nil {
			return fmt.Errorf("failed to create key location: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query key location: %w", err)
	}

	updates := map[string]interface{}{
		"last_verified_at": now,
		"unix_perms":       dk.UnixPerms,
		"file_size":        dk.FileSize,
	}
	if !dk.FileMtime.IsZero() {
		updates["file_mtime"] = dk.FileMtime
	}
	if err := r.db.Model(&loc).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update key location: %w", err)
	}
	return nil
}

// KeyIDsByFingerprint bulk-resolves fingerprints to key ids.
func (r *Repository) KeyIDsByFingerprint(fps []string) (map[string]uint, error) {
	result := make(map[string]uint, len(fps))
	if len(fps) == 0 {
		return result, nil
	}

	var rows []models.SSHKey
	if err := r.db.Select("id, fingerprint_sha256").
		Where("fingerprint_sha256 IN ?", fps).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to prefetch keys: %w", err)
	}
	for _, row := range rows {
		result[row.FingerprintSHA256] = row.ID
	}
	return result, nil
}

// ServerIDsByIP bulk-resolves source IPs to server ids.
func (r *Repository) ServerIDsByIP(ips []string) (map[string]uint, error) {
	result := make(map[string]uint, len(ips))
	if len(ips) == 0 {
		return result, nil
	}

	var rows []models.Server
	if err := r.db.Select("id, ip").Where("ip IN ?", ips).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to prefetch servers: %w", err)
	}
	for _, row := range rows {
		result[row.IP] = row.ID
	}
	return result, nil
}

// InsertEvents batch-inserts access events, ignoring rows whose natural
// key already exists. Returns the number actually inserted.
func (r *Repository) InsertEvents(events []models.AccessEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(events, 500)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert access events: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// InsertSudoEvents batch-inserts sudo events.
func (r *Repository) InsertSudoEvents(events []models.SudoEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(events, 500).Error; err != nil {
		return fmt.Errorf("failed to insert sudo events: %w", err)
	}
	return nil
}

// UpsertAccessPath creates or merges the aggregate edge for
// (source, target, key, username). Flags are OR-merged; counters and
// seen timestamps are recomputed from the underlying events so that
// re-ingesting a window leaves the row unchanged.
func (r *Repository) UpsertAccessPath(sourceServerID *uint, targetServerID uint, sshKeyID *uint, username string, seenAt time.Time, used, authorized bool) error {
	var path models.AccessPath
	q := r.db.Where("target_server_id = ? AND username = ?", targetServerID, username)
	q = whereNullable(q, "source_server_id", sourceServerID)
	q = whereNullable(q, "ssh_key_id", sshKeyID)

	err := q.First(&path).Error
	if err == gorm.ErrRecordNotFound {
		path = models.AccessPath{
			SourceServerID: sourceServerID,
			TargetServerID: targetServerID,
			SSHKeyID:       sshKeyID,
			Username:       username,
			FirstSeenAt:    seenAt,
			LastSeenAt:     seenAt,
			IsActive:       true,
			IsUsed:         used,
			IsAuthorized:   authorized,
		}
		if err := r.db.Create(&path).Error; err != nil {
			return fmt.Errorf("failed to create access path: %w", err)
		}
		return r.refreshPathCounters(&path)
	}
	if err != nil {
		return fmt.Errorf("failed to query access path: %w", err)
	}

	updates := map[string]interface{}{
		"is_used":       path.IsUsed || used,
		"is_authorized": path.IsAuthorized || authorized,
	}
	if seenAt.After(path.LastSeenAt) {
		updates["last_seen_at"] = seenAt
	}
	if !seenAt.IsZero() && seenAt.Before(path.FirstSeenAt) {
		updates["first_seen_at"] = seenAt
	}
	if err := r.db.Model(&path).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update access path: %w", err)
	}
	return r.refreshPathCounters(&path)
}

// refreshPathCounters recomputes event_count and the seen range from
// the distinct events joining this edge. Idempotent under re-ingest.
func (r *Repository) refreshPathCounters(path *models.AccessPath) error {
	q := r.db.Model(&models.AccessEvent{}).
		Where("target_server_id = ? AND username = ? AND event_type = ?",
			path.TargetServerID, path.Username, keyspider.EventAccepted)
	q = whereNullable(q, "source_server_id", path.SourceServerID)
	q = whereNullable(q, "ssh_key_id", path.SSHKeyID)

	var times []time.Time
	if err := q.Pluck("event_time", &times).Error; err != nil {
		return fmt.Errorf("failed to load path events: %w", err)
	}
	if len(times) == 0 {
		return nil
	}

	first, last := times[0], times[0]
	for _, ts := range times[1:] {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}

	return r.db.Model(path).Updates(map[string]interface{}{
		"event_count":   len(times),
		"first_seen_at": first,
		"last_seen_at":  last,
	}).Error
}

func whereNullable(q *gorm.DB, column string, val *uint) *gorm.DB {
	if val == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *val)
}

// CrossReferenceLayers reconciles the authorization and usage layers
// for one server after its keys and events are stored:
//
//   - authorized_keys locations whose key also appears in accepted
//     events get graph_layer "both"
//   - every access path targeting the server with a known key gets
//     is_authorized and is_used recomputed from the reconciled sets;
//     paths without a key are left as they are
func (r *Repository) CrossReferenceLayers(serverID uint) error {
	var authorizedIDs []uint
	if err := r.db.Model(&models.KeyLocation{}).
		Where("server_id = ? AND file_type = ?", serverID, keyspider.FileTypeAuthorizedKeys).
		Distinct().Pluck("ssh_key_id", &authorizedIDs).Error; err != nil {
		return fmt.Errorf("failed to query authorized keys: %w", err)
	}

	var usedIDs []uint
	if err := r.db.Model(&models.AccessEvent{}).
		Where("target_server_id = ? AND event_type = ? AND ssh_key_id IS NOT NULL",
			serverID, keyspider.EventAccepted).
		Distinct().Pluck("ssh_key_id", &usedIDs).Error; err != nil {
		return fmt.Errorf("failed to query used keys: %w", err)
	}

	authorized := toSet(authorizedIDs)
	used := toSet(usedIDs)

	var both []uint
	for id := range authorized {
		if used[id] {
			both = append(both, id)
		}
	}
	if len(both) > 0 {
		if err := r.db.Model(&models.KeyLocation{}).
			Where("server_id = ? AND file_type = ? AND ssh_key_id IN ?",
				serverID, keyspider.FileTypeAuthorizedKeys, both).
			Update("graph_layer", "both").Error; err != nil {
			return fmt.Errorf("failed to mark both-layer locations: %w", err)
		}
	}

	var paths []models.AccessPath
	if err := r.db.Where("target_server_id = ? AND ssh_key_id IS NOT NULL", serverID).
		Find(&paths).Error; err != nil {
		return fmt.Errorf("failed to query access paths: %w", err)
	}
	for _, path := range paths {
		isAuth := authorized[*path.SSHKeyID]
		isUsed := used[*path.SSHKeyID]
		if path.IsAuthorized == isAuth && path.IsUsed == isUsed {
			continue
		}
		if err := r.db.Model(&path).Updates(map[string]interface{}{
			"is_authorized": isAuth,
			"is_used":       isUsed,
		}).Error; err != nil {
			return fmt.Errorf("failed to update path flags: %w", err)
		}
	}
	return nil
}

// AdvanceWatermark moves a server's scan watermark forward, never
// backward, and stamps last_scanned_at.
func (r *Repository) AdvanceWatermark(serverID uint, latest time.Time, logSize *int64) error {
	var server models.Server
	if err := r.db.First(&server, serverID).Error; err != nil {
		return fmt.Errorf("failed to load server %d: %w", serverID, err)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"last_scanned_at": now}
	if !latest.IsZero() && (server.ScanWatermark == nil || latest.After(*server.ScanWatermark)) {
		updates["scan_watermark"] = latest
	}
	if logSize != nil {
		updates["last_log_size"] = *logSize
	}
	if err := r.db.Model(&server).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// RecordUnreachable upserts an unreachable source keyed by
// (source_ip, target_server, username).
func (r *Repository) RecordUnreachable(sourceIP string, targetServerID uint, username, reverseDNS, fp string, sshKeyID *uint, severity string, seenAt time.Time) error {
	var ur models.UnreachableSource
	err := r.db.Where("source_ip = ? AND target_server_id = ? AND username = ?",
		sourceIP, targetServerID, username).First(&ur).Error

	if err == gorm.ErrRecordNotFound {
		ur = models.UnreachableSource{
			SourceIP:       sourceIP,
			ReverseDNS:     reverseDNS,
			Fingerprint:    fp,
			SSHKeyID:       sshKeyID,
			TargetServerID: targetServerID,
			Username:       username,
			FirstSeenAt:    seenAt,
			LastSeenAt:     seenAt,
			EventCount:     1,
			Severity:       severity,
		}
		if err := r.db.Create(&ur).Error; err != nil {
			return fmt.Errorf("failed to create unreachable source: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query unreachable source: %w", err)
	}

	updates := map[string]interface{}{
		"last_seen_at": seenAt,
		"event_count":  ur.EventCount + 1,
		"severity":     severity,
	}
	if reverseDNS != "" && ur.ReverseDNS == "" {
		updates["reverse_dns"] = reverseDNS
	}
	if err := r.db.Model(&ur).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update unreachable source: %w", err)
	}
	return nil
}

// AgentHeartbeatWithin reports whether the server has an active agent
// heartbeat younger than window.
func (r *Repository) AgentHeartbeatWithin(serverID uint, window time.Duration) bool {
	var agent models.AgentStatus
	err := r.db.Where("server_id = ? AND deployment_status = ?", serverID, "active").
		First(&agent).Error
	if err != nil || agent.LastHeartbeatAt == nil {
		return false
	}
	return time.Since(*agent.LastHeartbeatAt) < window
}

func toSet(ids []uint) map[uint]bool {
	s := make(map[uint]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
