package spider

import (
	"testing"
	"time"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/postgres"
	"github.com/keyspider/go-api/keyspider/postgres/models"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	if postgres.GetDB() == nil {
		if err := postgres.Connect("sqlite", "file::memory:?cache=shared"); err != nil {
			t.Fatalf("❌ Failed to initialize database: %v", err)
		}
	}
	db := postgres.GetDB()

	// Clean slate per test.
	db.Exec("DELETE FROM access_paths")
	db.Exec("DELETE FROM access_events")
	db.Exec("DELETE FROM sudo_events")
	db.Exec("DELETE FROM key_locations")
	db.Exec("DELETE FROM ssh_keys")
	db.Exec("DELETE FROM unreachable_sources")
	db.Exec("DELETE FROM agent_statuses")
	db.Exec("DELETE FROM servers")

	return NewRepository(db)
}

func TestUpsertServerIdempotent(t *testing.T) {
	repo := testRepo(t)

	s1, err := repo.UpsertServer("web01", "10.0.0.5", 22, "manual")
	if err != nil {
		t.Fatalf("❌ UpsertServer failed: %v", err)
	}
	t.Logf("✅ Created server ID=%d", s1.ID)

	s2, err := repo.UpsertServer("web01", "10.0.0.5", 22, "scan")
	if err != nil {
		t.Fatalf("❌ Second UpsertServer failed: %v", err)
	}
	if s1.ID != s2.ID {
		t.Errorf("❌ Upsert created a second row: %d vs %d", s1.ID, s2.ID)
	}

	var count int64
	repo.DB().Model(&models.Server{}).Count(&count)
	if count != 1 {
		t.Errorf("❌ Server count = %d, want 1", count)
	}
}

func TestUpsertKeyKeepsOldestMtime(t *testing.T) {
	repo := testRepo(t)

	newer := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	older := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	dk := keyspider.DiscoveredKey{
		FingerprintSHA256: "SHA256:mtimekey",
		KeyType:           "ed25519",
		FileMtime:         newer,
	}
	k1, err := repo.UpsertKey(dk)
	if err != nil {
		t.Fatalf("❌ UpsertKey failed: %v", err)
	}
	if k1.FileMtime == nil || !k1.FileMtime.Equal(newer) {
		t.Fatalf("❌ FileMtime = %v, want %v", k1.FileMtime, newer)
	}

	dk.FileMtime = older
	k2, err := repo.UpsertKey(dk)
	if err != nil {
		t.Fatalf("❌ Second UpsertKey failed: %v", err)
	}

	var stored models.SSHKey
	repo.DB().First(&stored, k2.ID)
	if stored.FileMtime == nil || !stored.FileMtime.Equal(older) {
		t.Errorf("❌ FileMtime = %v, want oldest %v", stored.FileMtime, older)
	}
	if stored.EstimatedAgeDays <= 0 {
		t.Errorf("❌ EstimatedAgeDays = %d, want positive", stored.EstimatedAgeDays)
	}
}

func TestInsertEventsDeduplicates(t *testing.T) {
	repo := testRepo(t)

	server, _ := repo.UpsertServer("web01", "10.0.0.5", 22, "manual")
	ts := time.Date(2026, 2, 5, 13, 4, 1, 0, time.UTC)

	events := []models.AccessEvent{{
		TargetServerID: server.ID,
		SourceIP:       "10.1.2.3",
		Fingerprint:    "SHA256:abcd",
		Username:       "deploy",
		AuthMethod:     "publickey",
		EventType:      keyspider.EventAccepted,
		EventTime:      ts,
	}}

	n1, err := repo.InsertEvents(events)
	if err != nil {
		t.Fatalf("❌ InsertEvents failed: %v", err)
	}
	if n1 != 1 {
		t.Errorf("❌ first insert count = %d, want 1", n1)
	}

	// Re-ingesting the same log window is a no-op.
	n2, err := repo.InsertEvents([]models.AccessEvent{{
		TargetServerID: server.ID,
		SourceIP:       "10.1.2.3",
		Fingerprint:    "SHA256:abcd",
		Username:       "deploy",
		AuthMethod:     "publickey",
		EventType:      keyspider.EventAccepted,
		EventTime:      ts,
	}})
	if err != nil {
		t.Fatalf("❌ Second InsertEvents failed: %v", err)
	}
	if n2 != 0 {
		t.Errorf("❌ re-ingest inserted %d rows, want 0", n2)
	}

	var count int64
	repo.DB().Model(&models.AccessEvent{}).Count(&count)
	if count != 1 {
		t.Errorf("❌ event count = %d, want 1", count)
	}
	t.Log("✅ Natural-key dedupe holds under re-ingest")
}

func TestUpsertAccessPathMergesFlagsAndCounters(t *testing.T) {
	repo := testRepo(t)

	server, _ := repo.UpsertServer("web01", "10.0.0.5", 22, "manual")
	key, _ := repo.UpsertKey(keyspider.DiscoveredKey{FingerprintSHA256: "SHA256:pathkey", KeyType: "ed25519"})

	ts := time.Date(2026, 2, 5, 13, 0, 0, 0, time.UTC)

	// Usage first: one accepted event backs the edge.
	repo.InsertEvents([]models.AccessEvent{{
		TargetServerID: server.ID,
		SourceIP:       "10.9.9.9",
		Fingerprint:    "SHA256:pathkey",
		SSHKeyID:       &key.ID,
		Username:       "deploy",
		EventType:      keyspider.EventAccepted,
		EventTime:      ts,
	}})
	if err := repo.UpsertAccessPath(nil, server.ID, &key.ID, "deploy", ts, true, false); err != nil {
		t.Fatalf("❌ UpsertAccessPath failed: %v", err)
	}

	// Authorization later: flags OR-merge on the same edge.
	if err := repo.UpsertAccessPath(nil, server.ID, &key.ID, "deploy", ts.Add(time.Hour), false, true); err != nil {
		t.Fatalf("❌ Second UpsertAccessPath failed: %v", err)
	}

	var paths []models.AccessPath
	repo.DB().Find(&paths)
	if len(paths) != 1 {
		t.Fatalf("❌ path count = %d, want exactly one edge per (src,tgt,key,user)", len(paths))
	}
	p := paths[0]
	if !p.IsUsed || !p.IsAuthorized {
		t.Errorf("❌ flags = used:%v authorized:%v, want both true", p.IsUsed, p.IsAuthorized)
	}
	if p.EventCount != 1 {
		t.Errorf("❌ event_count = %d, want 1", p.EventCount)
	}

	// Running the same upserts again changes nothing.
	repo.UpsertAccessPath(nil, server.ID, &key.ID, "deploy", ts, true, false)
	repo.DB().Find(&paths)
	if len(paths) != 1 || paths[0].EventCount != 1 {
		t.Errorf("❌ re-run changed rows: %d paths, count %d", len(paths), paths[0].EventCount)
	}
	t.Log("✅ Flags OR-merged, counters idempotent")
}

func TestCrossReferenceLayers(t *testing.T) {
	repo := testRepo(t)

	server, _ := repo.UpsertServer("web01", "10.0.0.5", 22, "manual")
	usedKey, _ := repo.UpsertKey(keyspider.DiscoveredKey{FingerprintSHA256: "SHA256:used", KeyType: "ed25519"})
	dormantKey, _ := repo.UpsertKey(keyspider.DiscoveredKey{FingerprintSHA256: "SHA256:dormant", KeyType: "rsa"})

	for _, k := range []*models.SSHKey{usedKey, dormantKey} {
		if err := repo.UpsertKeyLocation(server.ID, k.ID, keyspider.DiscoveredKey{
			FilePath: "/root/.ssh/authorized_keys",
			FileType: keyspider.FileTypeAuthorizedKeys,
		}); err != nil {
			t.Fatalf("❌ UpsertKeyLocation failed: %v", err)
		}
	}

	ts := time.Date(2026, 2, 5, 13, 0, 0, 0, time.UTC)
	repo.InsertEvents([]models.AccessEvent{{
		TargetServerID: server.ID,
		SourceIP:       "10.9.9.9",
		Fingerprint:    "SHA256:used",
		SSHKeyID:       &usedKey.ID,
		Username:       "root",
		EventType:      keyspider.EventAccepted,
		EventTime:      ts,
	}})
	repo.UpsertAccessPath(nil, server.ID, &usedKey.ID, "root", ts, true, false)
	repo.UpsertAccessPath(nil, server.ID, &dormantKey.ID, "root", ts, false, true)

	if err := repo.CrossReferenceLayers(server.ID); err != nil {
		t.Fatalf("❌ CrossReferenceLayers failed: %v", err)
	}

	var usedLoc models.KeyLocation
	repo.DB().Where("ssh_key_id = ?", usedKey.ID).First(&usedLoc)
	if usedLoc.GraphLayer != "both" {
		t.Errorf("❌ used key layer = %q, want both", usedLoc.GraphLayer)
	}

	var dormantLoc models.KeyLocation
	repo.DB().Where("ssh_key_id = ?", dormantKey.ID).First(&dormantLoc)
	if dormantLoc.GraphLayer != "authorization" {
		t.Errorf("❌ dormant key layer = %q, want authorization", dormantLoc.GraphLayer)
	}

	var usedPath models.AccessPath
	repo.DB().Where("ssh_key_id = ?", usedKey.ID).First(&usedPath)
	if !usedPath.IsAuthorized || !usedPath.IsUsed {
		t.Errorf("❌ used path flags = auth:%v used:%v", usedPath.IsAuthorized, usedPath.IsUsed)
	}

	var dormantPath models.AccessPath
	repo.DB().Where("ssh_key_id = ?", dormantKey.ID).First(&dormantPath)
	if !dormantPath.IsAuthorized || dormantPath.IsUsed {
		t.Errorf("❌ dormant path flags = auth:%v used:%v", dormantPath.IsAuthorized, dormantPath.IsUsed)
	}
}

func TestAdvanceWatermarkMonotonic(t *testing.T) {
	repo := testRepo(t)

	server, _ := repo.UpsertServer("web01", "10.0.0.5", 22, "manual")

	later := time.Date(2026, 2, 5, 14, 0, 0, 0, time.UTC)
	earlier := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)

	if err := repo.AdvanceWatermark(server.ID, later, nil); err != nil {
		t.Fatalf("❌ AdvanceWatermark failed: %v", err)
	}
	// An older candidate must not move the watermark backwards.
	if err := repo.AdvanceWatermark(server.ID, earlier, nil); err != nil {
		t.Fatalf("❌ Second AdvanceWatermark failed: %v", err)
	}

	var stored models.Server
	repo.DB().First(&stored, server.ID)
	if stored.ScanWatermark == nil || !stored.ScanWatermark.Equal(later) {
		t.Errorf("❌ watermark = %v, want %v", stored.ScanWatermark, later)
	}
	if stored.LastScannedAt == nil {
		t.Error("❌ last_scanned_at not stamped")
	}
	t.Log("✅ Watermark only moves forward")
}

func TestRecordUnreachableMerges(t *testing.T) {
	repo := testRepo(t)

	server, _ := repo.UpsertServer("web01", "10.0.0.5", 22, "manual")
	ts := time.Date(2026, 2, 5, 13, 0, 0, 0, time.UTC)

	if err := repo.RecordUnreachable("203.0.113.7", server.ID, "root", "", "SHA256:x", nil, "critical", ts); err != nil {
		t.Fatalf("❌ RecordUnreachable failed: %v", err)
	}
	if err := repo.RecordUnreachable("203.0.113.7", server.ID, "root", "evil.example.com", "SHA256:x", nil, "critical", ts.Add(time.Hour)); err != nil {
		t.Fatalf("❌ Second RecordUnreachable failed: %v", err)
	}

	var rows []models.UnreachableSource
	repo.DB().Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("❌ rows = %d, want 1", len(rows))
	}
	if rows[0].EventCount != 2 {
		t.Errorf("❌ event_count = %d, want 2", rows[0].EventCount)
	}
	if rows[0].ReverseDNS != "evil.example.com" {
		t.Errorf("❌ reverse_dns = %q", rows[0].ReverseDNS)
	}
	if rows[0].Severity != "critical" {
		t.Errorf("❌ severity = %q", rows[0].Severity)
	}
}

func TestScanJobLifecycle(t *testing.T) {
	repo := testRepo(t)
	db := repo.DB()
	db.Exec("DELETE FROM scan_jobs")

	job, err := CreateJob(db, "spider", nil, 10)
	if err != nil {
		t.Fatalf("❌ CreateJob failed: %v", err)
	}
	if job.Status != models.JobPending {
		t.Errorf("❌ status = %q, want pending", job.Status)
	}

	if err := CancelJob(db, job.JobID); err != nil {
		t.Fatalf("❌ CancelJob failed: %v", err)
	}

	var stored models.ScanJob
	db.Where("job_id = ?", job.JobID).First(&stored)
	if stored.Status != models.JobCancelled {
		t.Errorf("❌ status = %q, want cancelled", stored.Status)
	}
	if !stored.IsTerminal() {
		t.Error("❌ cancelled job must be terminal")
	}

	// Terminal states are absorbing.
	if err := CancelJob(db, job.JobID); err != nil {
		t.Fatalf("❌ Re-cancel errored: %v", err)
	}
	db.Where("job_id = ?", job.JobID).First(&stored)
	if stored.Status != models.JobCancelled {
		t.Errorf("❌ status changed after terminal: %q", stored.Status)
	}
}
