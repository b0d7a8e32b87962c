package spider

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/config"
	"github.com/keyspider/go-api/keyspider/fingerprint"
	"github.com/keyspider/go-api/keyspider/postgres/models"
	"github.com/keyspider/go-api/keyspider/sftpio"
	"github.com/keyspider/go-api/keyspider/sshpool"
	"github.com/keyspider/go-api/keyspider/unreachable"
)

// fakeFS is an in-memory sftpio.Client for one host.
type fakeFS struct {
	files map[string]string
	mtime time.Time
}

func (f *fakeFS) ReadFile(path string, maxBytes int64) (string, bool, error) {
	content, ok := f.files[path]
	return content, ok, nil
}

func (f *fakeFS) ReadFileTail(path string, maxLines int) (string, bool, error) {
	return f.ReadFile(path, 0)
}

func (f *fakeFS) Stat(path string) (keyspider.FileInfo, bool, error) {
	content, ok := f.files[path]
	if !ok {
		return keyspider.FileInfo{}, false, nil
	}
	return keyspider.FileInfo{Size: int64(len(content)), Mtime: f.mtime, Perms: "0644"}, true, nil
}

func (f *fakeFS) ListDir(path string) ([]string, error) { return nil, nil }
func (f *fakeFS) Exists(path string) bool               { _, ok := f.files[path]; return ok }
func (f *fakeFS) Close() error                          { return nil }

// fleetConn satisfies sshpool.Conn over a fakeFS.
type fleetConn struct {
	fs *fakeFS
}

func (c *fleetConn) Run(ctx context.Context, cmd string) (string, error) {
	// No journald on the test fleet; force the SFTP fallback.
	return "", errors.New("journalctl: command not found")
}
func (c *fleetConn) Ping(ctx context.Context) error        { return nil }
func (c *fleetConn) SFTP() (sftpio.Client, error)          { return c.fs, nil }
func (c *fleetConn) Close() error                          { return nil }

// fleetDialer hands out connections per host.
type fleetDialer struct {
	hosts map[string]*fakeFS
	dials map[string]int
}

func (d *fleetDialer) Dial(ctx context.Context, addr string) (sshpool.Conn, error) {
	host := strings.Split(addr, ":")[0]
	d.dials[host]++
	fs, ok := d.hosts[host]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &fleetConn{fs: fs}, nil
}

// fleetProber answers reachability per IP.
type fleetProber struct {
	reachable map[string]bool
}

func (p *fleetProber) CheckReachable(ctx context.Context, addr string) bool {
	return p.reachable[strings.Split(addr, ":")[0]]
}

func authorizedKeyLine(seed byte) (line, fp string) {
	var body []byte
	put := func(field []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(field)))
		body = append(body, l[:]...)
		body = append(body, field...)
	}
	put([]byte("ssh-ed25519"))
	blob := make([]byte, 32)
	blob[0] = seed
	put(blob)
	return "ssh-ed25519 " + base64.StdEncoding.EncodeToString(body) + " deploy@jump",
		fingerprint.SHA256Fingerprint(body)
}

type fleet struct {
	repo     *Repository
	engine   *Engine
	dialer   *fleetDialer
	deployFP string
}

// buildFleet wires a two-host fleet: the seed 10.0.0.5 has logs showing
// an accepted login from reachable 10.0.0.6 (authorized key) and an
// accepted root login from unreachable 203.0.113.7.
func buildFleet(t *testing.T, maxDepth int) *fleet {
	t.Helper()
	repo := testRepo(t)
	repo.DB().Exec("DELETE FROM scan_jobs")

	keyLine, deployFP := authorizedKeyLine(1)

	seedLog := strings.Join([]string{
		"Feb  5 12:00:00 seed sshd[1]: Accepted publickey for deploy from 10.0.0.6 port 40000 ssh2: ED25519 " + deployFP,
		"Feb  5 12:30:00 seed sshd[2]: Accepted publickey for root from 203.0.113.7 port 40001 ssh2: ED25519 SHA256:mysteryfp",
		"Feb  5 12:45:00 seed sshd[3]: Failed password for root from 203.0.113.7 port 40002 ssh2",
		"",
	}, "\n")

	dialer := &fleetDialer{
		dials: map[string]int{},
		hosts: map[string]*fakeFS{
			"10.0.0.5": {
				mtime: time.Date(2026, 2, 5, 13, 0, 0, 0, time.UTC),
				files: map[string]string{
					"/var/log/auth.log":          seedLog,
					"/etc/passwd":                "root:x:0:0:root:/root:/bin/bash\n",
					"/root/.ssh/authorized_keys": keyLine + "\n",
				},
			},
			"10.0.0.6": {
				mtime: time.Date(2026, 2, 5, 13, 0, 0, 0, time.UTC),
				files: map[string]string{},
			},
		},
	}

	cfg := config.Default()
	cfg.SSH.AcquireWait = time.Second

	pool := sshpool.NewWithDialer(cfg.SSH, dialer)
	prober := &fleetProber{reachable: map[string]bool{"10.0.0.6": true}}
	detector := unreachable.NewDetector(prober, nil, time.Hour)
	detector.LookupFunc = func(ctx context.Context, ip string) ([]string, error) {
		return nil, errors.New("no PTR record")
	}

	engine := New(pool, repo, detector, nil, cfg, maxDepth, nil)
	return &fleet{repo: repo, engine: engine, dialer: dialer, deployFP: deployFP}
}

func TestCrawlFollowsReachableSources(t *testing.T) {
	f := buildFleet(t, 3)

	progress, err := f.engine.Crawl(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	if progress.ServersScanned != 2 {
		t.Errorf("servers_scanned = %d, want 2 (seed + discovered source)", progress.ServersScanned)
	}
	if progress.EventsParsed != 3 {
		t.Errorf("events_parsed = %d, want 3", progress.EventsParsed)
	}
	if progress.UnreachableFound != 1 {
		t.Errorf("unreachable_found = %d, want 1", progress.UnreachableFound)
	}

	// The discovered source was recorded and scanned.
	source, found, err := f.repo.GetServerByIP("10.0.0.6")
	if err != nil || !found {
		t.Fatalf("source server missing: %v", err)
	}
	if source.DiscoveredVia != "scan" {
		t.Errorf("discovered_via = %q, want scan", source.DiscoveredVia)
	}
	if source.LastScannedAt == nil {
		t.Error("source was never scanned")
	}
	if f.dialer.dials["10.0.0.6"] == 0 {
		t.Error("source host never dialed")
	}

	// BFS terminates: visited bounded by distinct servers.
	if len(f.engine.visited) != 2 {
		t.Errorf("visited = %d entries, want 2", len(f.engine.visited))
	}
}

func TestCrawlRecordsUnreachableWithSeverity(t *testing.T) {
	f := buildFleet(t, 3)

	if _, err := f.engine.Crawl(context.Background(), "10.0.0.5"); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	var rows []models.UnreachableSource
	f.repo.DB().Where("source_ip = ?", "203.0.113.7").Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("unreachable rows = %d, want 1", len(rows))
	}
	// Accepted root event from an unreachable source.
	if rows[0].Severity != unreachable.SeverityCritical {
		t.Errorf("severity = %q, want critical", rows[0].Severity)
	}
}

func TestCrawlCorrelatesAuthorizationAndUsage(t *testing.T) {
	f := buildFleet(t, 3)

	if _, err := f.engine.Crawl(context.Background(), "10.0.0.5"); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	seed, _, _ := f.repo.GetServerByIP("10.0.0.5")

	var key models.SSHKey
	if err := f.repo.DB().Where("fingerprint_sha256 = ?", f.deployFP).First(&key).Error; err != nil {
		t.Fatalf("authorized key not stored: %v", err)
	}

	// The deploy login used an authorized key: its location is in both
	// layers and the usage edge carries both flags.
	var loc models.KeyLocation
	f.repo.DB().Where("server_id = ? AND ssh_key_id = ?", seed.ID, key.ID).First(&loc)
	if loc.GraphLayer != "both" {
		t.Errorf("graph_layer = %q, want both", loc.GraphLayer)
	}

	var path models.AccessPath
	if err := f.repo.DB().Where("target_server_id = ? AND username = ?", seed.ID, "deploy").
		First(&path).Error; err != nil {
		t.Fatalf("usage edge missing: %v", err)
	}
	if !path.IsUsed || !path.IsAuthorized {
		t.Errorf("flags = used:%v authorized:%v, want both", path.IsUsed, path.IsAuthorized)
	}
}

func TestCrawlAdvancesWatermark(t *testing.T) {
	f := buildFleet(t, 3)

	if _, err := f.engine.Crawl(context.Background(), "10.0.0.5"); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	seed, _, _ := f.repo.GetServerByIP("10.0.0.5")
	want := time.Date(2026, 2, 5, 12, 45, 0, 0, time.UTC)
	if seed.ScanWatermark == nil || !seed.ScanWatermark.Equal(want) {
		t.Errorf("watermark = %v, want %v", seed.ScanWatermark, want)
	}
}

func TestMaxDepthZeroScansOnlySeed(t *testing.T) {
	f := buildFleet(t, 0)

	progress, err := f.engine.Crawl(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	if progress.ServersScanned != 1 {
		t.Errorf("servers_scanned = %d, want 1", progress.ServersScanned)
	}
	if f.dialer.dials["10.0.0.6"] != 0 {
		t.Error("source dialed despite max_depth=0")
	}
}

func TestAgentTakeoverSkipsSSH(t *testing.T) {
	f := buildFleet(t, 0)

	server, err := f.repo.UpsertServer("10.0.0.5", "10.0.0.5", 22, "manual")
	if err != nil {
		t.Fatalf("UpsertServer failed: %v", err)
	}
	f.repo.DB().Model(server).Update("prefer_agent", true)

	now := time.Now().UTC().Add(-time.Minute)
	f.repo.DB().Create(&models.AgentStatus{
		ServerID:         server.ID,
		TokenHash:        "x",
		DeploymentStatus: "active",
		LastHeartbeatAt:  &now,
	})

	progress, err := f.engine.Crawl(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	if f.dialer.dials["10.0.0.5"] != 0 {
		t.Error("agent-preferring server was dialed over SSH")
	}
	if progress.ServersScanned != 1 {
		t.Errorf("servers_scanned = %d, want 1", progress.ServersScanned)
	}

	var stored models.Server
	f.repo.DB().First(&stored, server.ID)
	if stored.LastScannedAt == nil {
		t.Error("agent takeover must still stamp last_scanned_at")
	}
}

func TestCancelStopsAtServerBoundary(t *testing.T) {
	f := buildFleet(t, 3)

	// Cancel before the crawl starts: nothing gets processed.
	f.engine.Cancel()
	progress, err := f.engine.Crawl(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	if progress.ServersScanned != 0 {
		t.Errorf("servers_scanned = %d after pre-cancel, want 0", progress.ServersScanned)
	}
}

func TestStaleHeartbeatDoesNotTakeOver(t *testing.T) {
	f := buildFleet(t, 0)

	server, _ := f.repo.UpsertServer("10.0.0.5", "10.0.0.5", 22, "manual")
	f.repo.DB().Model(server).Update("prefer_agent", true)

	stale := time.Now().UTC().Add(-time.Hour)
	f.repo.DB().Create(&models.AgentStatus{
		ServerID:         server.ID,
		TokenHash:        "x",
		DeploymentStatus: "active",
		LastHeartbeatAt:  &stale,
	})

	if _, err := f.engine.Crawl(context.Background(), "10.0.0.5"); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	if f.dialer.dials["10.0.0.5"] == 0 {
		t.Error("stale heartbeat should fall back to SSH scanning")
	}
}
