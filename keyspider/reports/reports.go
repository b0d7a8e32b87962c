// Package reports derives the operator-facing key hygiene views from
// persisted observations: dormant keys, mystery keys, stale keys, key
// exposure, and the unreachable-source worklist.
package reports

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/postgres/models"
)

// DormantKeyItem is an authorized key never seen in an accepted event.
type DormantKeyItem struct {
	SSHKeyID           uint      `json:"ssh_key_id"`
	FingerprintSHA256  string    `json:"fingerprint_sha256"`
	KeyType            string    `json:"key_type"`
	Comment            string    `json:"comment,omitempty"`
	ServerID           uint      `json:"server_id"`
	ServerHostname     string    `json:"server_hostname"`
	FilePath           string    `json:"file_path"`
	FirstSeenAt        time.Time `json:"first_seen_at"`
	DaysSinceFirstSeen int       `json:"days_since_first_seen"`
}

// MysteryKeyItem is a fingerprint accepted on a server with no
// KeyLocation on that server.
type MysteryKeyItem struct {
	Fingerprint    string    `json:"fingerprint"`
	ServerID       uint      `json:"server_id"`
	ServerHostname string    `json:"server_hostname"`
	SourceIP       string    `json:"source_ip"`
	Username       string    `json:"username"`
	EventCount     int       `json:"event_count"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// StaleKeyItem is an authorized key whose last use is older than the
// caller's threshold.
type StaleKeyItem struct {
	SSHKeyID          uint      `json:"ssh_key_id"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	KeyType           string    `json:"key_type"`
	ServerID          uint      `json:"server_id"`
	ServerHostname    string    `json:"server_hostname"`
	FilePath          string    `json:"file_path"`
	LastUsedAt        time.Time `json:"last_used_at"`
	DaysSinceLastUse  int       `json:"days_since_last_use"`
}

// KeyExposureItem is a key present on more than one server.
type KeyExposureItem struct {
	SSHKeyID          uint     `json:"ssh_key_id"`
	FingerprintSHA256 string   `json:"fingerprint_sha256"`
	KeyType           string   `json:"key_type"`
	Comment           string   `json:"comment,omitempty"`
	ServerCount       int      `json:"server_count"`
	Servers           []string `json:"servers"`
}

type serverKey struct {
	serverID uint
	keyID    uint
}

// authorizedLocations loads authorized_keys locations with their keys
// and servers resolved.
func authorizedLocations(db *gorm.DB) ([]models.KeyLocation, map[uint]models.SSHKey, map[uint]models.Server, error) {
	var locations []models.KeyLocation
	if err := db.Where("file_type = ?", keyspider.FileTypeAuthorizedKeys).
		Find(&locations).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("failed to query key locations: %w", err)
	}

	keyIDs := map[uint]bool{}
	serverIDs := map[uint]bool{}
	for _, kl := range locations {
		keyIDs[kl.SSHKeyID] = true
		serverIDs[kl.ServerID] = true
	}

	keys := map[uint]models.SSHKey{}
	if len(keyIDs) > 0 {
		var rows []models.SSHKey
		if err := db.Where("id IN ?", mapKeys(keyIDs)).Find(&rows).Error; err != nil {
			return nil, nil, nil, fmt.Errorf("failed to query ssh keys: %w", err)
		}
		for _, k := range rows {
			keys[k.ID] = k
		}
	}

	servers := map[uint]models.Server{}
	if len(serverIDs) > 0 {
		var rows []models.Server
		if err := db.Where("id IN ?", mapKeys(serverIDs)).Find(&rows).Error; err != nil {
			return nil, nil, nil, fmt.Errorf("failed to query servers: %w", err)
		}
		for _, s := range rows {
			servers[s.ID] = s
		}
	}

	return locations, keys, servers, nil
}

// acceptedEvents loads every accepted event once for Go-side
// aggregation; report cardinality is operator-scale, not log-scale.
func acceptedEvents(db *gorm.DB) ([]models.AccessEvent, error) {
	var events []models.AccessEvent
	if err := db.Where("event_type = ?", keyspider.EventAccepted).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to query accepted events: %w", err)
	}
	return events, nil
}

// DormantKeys lists authorized_keys locations whose key has no accepted
// event on the same server, oldest first.
func DormantKeys(db *gorm.DB) ([]DormantKeyItem, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	locations, keys, servers, err := authorizedLocations(db)
	if err != nil {
		return nil, err
	}

	events, err := acceptedEvents(db)
	if err != nil {
		return nil, err
	}
	used := map[serverKey]bool{}
	for _, ev := range events {
		if ev.SSHKeyID != nil {
			used[serverKey{ev.TargetServerID, *ev.SSHKeyID}] = true
		}
	}

	now := time.Now().UTC()
	var items []DormantKeyItem
	for _, kl := range locations {
		if used[serverKey{kl.ServerID, kl.SSHKeyID}] {
			continue
		}
		key := keys[kl.SSHKeyID]
		server := servers[kl.ServerID]
		items = append(items, DormantKeyItem{
			SSHKeyID:           key.ID,
			FingerprintSHA256:  key.FingerprintSHA256,
			KeyType:            key.KeyType,
			Comment:            key.Comment,
			ServerID:           server.ID,
			ServerHostname:     server.Hostname,
			FilePath:           kl.FilePath,
			FirstSeenAt:        key.FirstSeenAt,
			DaysSinceFirstSeen: int(now.Sub(key.FirstSeenAt).Hours() / 24),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].DaysSinceFirstSeen > items[j].DaysSinceFirstSeen
	})
	return items, nil
}

// MysteryKeys lists fingerprints seen in accepted events whose key has
// no location on the target server: used, not authorized.
func MysteryKeys(db *gorm.DB) ([]MysteryKeyItem, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	events, err := acceptedEvents(db)
	if err != nil {
		return nil, err
	}

	// Fingerprints located per server, via the keys table.
	var locations []models.KeyLocation
	if err := db.Find(&locations).Error; err != nil {
		return nil, fmt.Errorf("failed to query key locations: %w", err)
	}
	keyFPs := map[uint]string{}
	{
		var rows []models.SSHKey
		if err := db.Select("id, fingerprint_sha256").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to query ssh keys: %w", err)
		}
		for _, k := range rows {
			keyFPs[k.ID] = k.FingerprintSHA256
		}
	}
	located := map[string]bool{}
	for _, kl := range locations {
		if fp := keyFPs[kl.SSHKeyID]; fp != "" {
			located[fmt.Sprintf("%d/%s", kl.ServerID, fp)] = true
		}
	}

	servers := map[uint]models.Server{}
	{
		var rows []models.Server
		if err := db.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to query servers: %w", err)
		}
		for _, s := range rows {
			servers[s.ID] = s
		}
	}

	type groupKey struct {
		fp       string
		serverID uint
		sourceIP string
		username string
	}
	groups := map[groupKey]*MysteryKeyItem{}
	for _, ev := range events {
		if ev.Fingerprint == "" {
			continue
		}
		if located[fmt.Sprintf("%d/%s", ev.TargetServerID, ev.Fingerprint)] {
			continue
		}
		gk := groupKey{ev.Fingerprint, ev.TargetServerID, ev.SourceIP, ev.Username}
		item, ok := groups[gk]
		if !ok {
			server := servers[ev.TargetServerID]
			item = &MysteryKeyItem{
				Fingerprint:    ev.Fingerprint,
				ServerID:       server.ID,
				ServerHostname: server.Hostname,
				SourceIP:       ev.SourceIP,
				Username:       ev.Username,
			}
			groups[gk] = item
		}
		item.EventCount++
		if ev.EventTime.After(item.LastSeenAt) {
			item.LastSeenAt = ev.EventTime
		}
	}

	items := make([]MysteryKeyItem, 0, len(groups))
	for _, item := range groups {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].EventCount > items[j].EventCount })
	return items, nil
}

// StaleKeys lists authorized keys whose most recent accepted event is
// older than maxAge. Keys with no events at all belong to the dormant
// report, not this one.
func StaleKeys(db *gorm.DB, maxAge time.Duration) ([]StaleKeyItem, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	locations, keys, servers, err := authorizedLocations(db)
	if err != nil {
		return nil, err
	}

	events, err := acceptedEvents(db)
	if err != nil {
		return nil, err
	}
	lastUsed := map[serverKey]time.Time{}
	for _, ev := range events {
		if ev.SSHKeyID == nil {
			continue
		}
		sk := serverKey{ev.TargetServerID, *ev.SSHKeyID}
		if ev.EventTime.After(lastUsed[sk]) {
			lastUsed[sk] = ev.EventTime
		}
	}

	now := time.Now().UTC()
	cutoff := now.Add(-maxAge)

	var items []StaleKeyItem
	for _, kl := range locations {
		last, ok := lastUsed[serverKey{kl.ServerID, kl.SSHKeyID}]
		if !ok || !last.Before(cutoff) {
			continue
		}
		key := keys[kl.SSHKeyID]
		server := servers[kl.ServerID]
		items = append(items, StaleKeyItem{
			SSHKeyID:          key.ID,
			FingerprintSHA256: key.FingerprintSHA256,
			KeyType:           key.KeyType,
			ServerID:          server.ID,
			ServerHostname:    server.Hostname,
			FilePath:          kl.FilePath,
			LastUsedAt:        last,
			DaysSinceLastUse:  int(now.Sub(last).Hours() / 24),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].LastUsedAt.Before(items[j].LastUsedAt) })
	return items, nil
}

// KeyExposure lists keys present on more than one server, widest spread
// first.
func KeyExposure(db *gorm.DB) ([]KeyExposureItem, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	var locations []models.KeyLocation
	if err := db.Find(&locations).Error; err != nil {
		return nil, fmt.Errorf("failed to query key locations: %w", err)
	}

	spread := map[uint]map[uint]bool{}
	for _, kl := range locations {
		if spread[kl.SSHKeyID] == nil {
			spread[kl.SSHKeyID] = map[uint]bool{}
		}
		spread[kl.SSHKeyID][kl.ServerID] = true
	}

	var exposedIDs []uint
	for keyID, srvs := range spread {
		if len(srvs) > 1 {
			exposedIDs = append(exposedIDs, keyID)
		}
	}
	if len(exposedIDs) == 0 {
		return nil, nil
	}

	var keys []models.SSHKey
	if err := db.Where("id IN ?", exposedIDs).Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to query ssh keys: %w", err)
	}

	serverNames := map[uint]string{}
	{
		var rows []models.Server
		if err := db.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to query servers: %w", err)
		}
		for _, s := range rows {
			serverNames[s.ID] = s.Hostname
		}
	}

	items := make([]KeyExposureItem, 0, len(keys))
	for _, k := range keys {
		var names []string
		for sid := range spread[k.ID] {
			names = append(names, serverNames[sid])
		}
		sort.Strings(names)
		items = append(items, KeyExposureItem{
			SSHKeyID:          k.ID,
			FingerprintSHA256: k.FingerprintSHA256,
			KeyType:           k.KeyType,
			Comment:           k.Comment,
			ServerCount:       len(spread[k.ID]),
			Servers:           names,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ServerCount > items[j].ServerCount })
	return items, nil
}

// UnreachableFilters narrow the unreachable-source listing.
type UnreachableFilters struct {
	Severity     string
	Acknowledged *bool
	Limit        int
	Offset       int
}

// Unreachable lists unreachable sources, most severe and most recent
// first.
func Unreachable(db *gorm.DB, filters UnreachableFilters) ([]models.UnreachableSource, int, error) {
	if db == nil {
		return nil, 0, fmt.Errorf("database connection not available")
	}

	query := db.Model(&models.UnreachableSource{})
	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}
	if filters.Acknowledged != nil {
		query = query.Where("acknowledged = ?", *filters.Acknowledged)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count unreachable sources: %w", err)
	}

	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Limit > 200 {
		filters.Limit = 200
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	var items []models.UnreachableSource
	err := query.
		Order("CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 4 END, last_seen_at DESC").
		Limit(filters.Limit).
		Offset(filters.Offset).
		Find(&items).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query unreachable sources: %w", err)
	}
	return items, int(total), nil
}

// AcknowledgeUnreachable marks an unreachable source handled.
func AcknowledgeUnreachable(db *gorm.DB, id uint, notes string) error {
	if db == nil {
		return fmt.Errorf("database connection not available")
	}

	updates := map[string]interface{}{"acknowledged": true}
	if notes != "" {
		updates["notes"] = notes
	}

	res := db.Model(&models.UnreachableSource{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to acknowledge unreachable source %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unreachable source %d not found", id)
	}
	return nil
}

func mapKeys(set map[uint]bool) []uint {
	out := make([]uint, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
