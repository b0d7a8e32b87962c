// Package spider implements the bounded-depth BFS crawl that walks the
// SSH trust graph outward from a seed server, correlating discovered
// keys with observed auth events as it goes.
package spider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/config"
	"github.com/keyspider/go-api/keyspider/logparse"
	"github.com/keyspider/go-api/keyspider/postgres/models"
	"github.com/keyspider/go-api/keyspider/scanner"
	"github.com/keyspider/go-api/keyspider/sshpool"
	"github.com/keyspider/go-api/keyspider/store"
	"github.com/keyspider/go-api/keyspider/unreachable"
)

// agentFreshness is how recent an agent heartbeat must be for the
// spider to skip SSH scanning of a prefer_agent server.
const agentFreshness = 5 * time.Minute

// ProgressFunc receives monotonic progress snapshots. It is also called
// once after cancellation, idempotently.
type ProgressFunc func(keyspider.SpiderProgress)

type crawlItem struct {
	host  string
	port  int
	depth int
}

// Engine is a single crawl. Engines are not reused across crawls.
type Engine struct {
	pool     *sshpool.Pool
	repo     *Repository
	detector *unreachable.Detector
	kv       store.KVStore // optional
	cfg      *config.Config

	progressFn ProgressFunc
	maxDepth   int

	cancelled atomic.Bool

	mu       sync.Mutex
	queue    []crawlItem
	enqueued map[string]bool
	visited  map[string]bool

	progress keyspider.SpiderProgress
}

// New builds a crawl engine. kv may be nil; progressFn may be nil.
func New(pool *sshpool.Pool, repo *Repository, detector *unreachable.Detector, kv store.KVStore, cfg *config.Config, maxDepth int, progressFn ProgressFunc) *Engine {
	if maxDepth < 0 {
		maxDepth = cfg.Spider.DefaultDepth
	}
	if maxDepth > cfg.Spider.MaxDepth {
		maxDepth = cfg.Spider.MaxDepth
	}
	return &Engine{
		pool:       pool,
		repo:       repo,
		detector:   detector,
		kv:         kv,
		cfg:        cfg,
		progressFn: progressFn,
		maxDepth:   maxDepth,
		enqueued:   make(map[string]bool),
		visited:    make(map[string]bool),
	}
}

// Cancel requests a stop. The engine observes it at server-boundary
// granularity: the in-flight server's commit completes, then the crawl
// exits.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Enqueue adds a server to the crawl frontier. Safe to call
// concurrently; used by the watcher's auto-spider mode.
func (e *Engine) Enqueue(host string, port, depth int) {
	if depth > e.maxDepth {
		return
	}
	key := serverKey(host, port)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.visited[key] || e.enqueued[key] {
		return
	}
	e.enqueued[key] = true
	e.queue = append(e.queue, crawlItem{host: host, port: port, depth: depth})
}

// Crawl runs the BFS from a seed address ("host" or "host:port") and
// returns the final progress snapshot.
func (e *Engine) Crawl(ctx context.Context, seedAddr string) (keyspider.SpiderProgress, error) {
	host, port := splitAddr(seedAddr)
	e.Enqueue(host, port, 0)

	for {
		if e.cancelled.Load() || ctx.Err() != nil {
			break
		}

		item, ok := e.pop()
		if !ok {
			break
		}

		key := serverKey(item.host, item.port)
		e.mu.Lock()
		if e.visited[key] {
			e.mu.Unlock()
			continue
		}
		e.visited[key] = true
		e.progress.CurrentServer = item.host
		e.progress.CurrentDepth = item.depth
		e.progress.QueueSize = len(e.queue)
		e.mu.Unlock()

		e.notifyProgress()

		if err := e.processServer(ctx, item); err != nil {
			slog.Error("Error processing server", "host", item.host, "port", item.port, "error", err)
			continue
		}
	}

	e.notifyProgress()
	return e.snapshot(), ctx.Err()
}

func (e *Engine) pop() (crawlItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return crawlItem{}, false
	}
	item := e.queue[0]
	e.queue = e.queue[1:]
	delete(e.enqueued, serverKey(item.host, item.port))
	return item, true
}

// processServer runs the per-server pipeline: upsert the row, read and
// persist logs and keys, correlate layers, chase source IPs, advance
// the watermark. A failure here never aborts the crawl.
func (e *Engine) processServer(ctx context.Context, item crawlItem) error {
	server, err := e.repo.UpsertServer(item.host, item.host, item.port, discoveredVia(item.depth))
	if err != nil {
		return err
	}

	// An actively heartbeating agent owns this server's data for the
	// cycle; agent-pushed events and keys are already in the tables.
	if server.PreferAgent && e.agentAlive(ctx, server.ID) {
		slog.Info("Agent is active, skipping SSH scan", "host", item.host, "server_id", server.ID)
		if err := e.repo.AdvanceWatermark(server.ID, time.Time{}, nil); err != nil {
			return err
		}
		e.bumpServersScanned()
		return nil
	}

	lease, err := e.pool.Acquire(ctx, net.JoinHostPort(item.host, strconv.Itoa(item.port)))
	if err != nil {
		e.repo.MarkServerFailed(server.ID)
		return fmt.Errorf("acquire connection: %w", err)
	}

	events, sudoEvents, logSize, err := e.parseServerLogs(ctx, server, lease)
	if err != nil {
		e.pool.Discard(lease)
		return fmt.Errorf("parse logs: %w", err)
	}

	keys, keyErr := e.scanKeys(lease, item.host)
	e.pool.Release(lease)
	if keyErr != nil {
		slog.Warn("Key scan failed", "host", item.host, "error", keyErr)
	}

	keysStored, err := e.storeKeys(server, keys)
	if err != nil {
		return fmt.Errorf("store keys: %w", err)
	}

	if err := e.storeEvents(server, events); err != nil {
		return fmt.Errorf("store events: %w", err)
	}
	if err := e.storeSudoEvents(server, sudoEvents); err != nil {
		slog.Warn("Could not store sudo events", "host", item.host, "error", err)
	}

	if err := e.correlate(server); err != nil {
		return fmt.Errorf("correlate layers: %w", err)
	}

	e.followSources(ctx, server, events, item.depth)

	latest := latestEventTime(events)
	if err := e.repo.AdvanceWatermark(server.ID, latest, logSize); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	e.mu.Lock()
	e.progress.ServersScanned++
	e.progress.EventsParsed += len(events)
	e.progress.KeysFound += keysStored
	e.mu.Unlock()
	e.notifyProgress()
	return nil
}

func (e *Engine) agentAlive(ctx context.Context, serverID uint) bool {
	if e.kv != nil && store.AgentAlive(ctx, e.kv, serverID) {
		return true
	}
	return e.repo.AgentHeartbeatWithin(serverID, agentFreshness)
}

// parseServerLogs reads auth logs, journald first with a syslog file
// fallback, applying the server's scan watermark.
func (e *Engine) parseServerLogs(ctx context.Context, server *models.Server, lease *sshpool.Lease) ([]keyspider.AuthEvent, []keyspider.SudoEvent, *int64, error) {
	maxLines := e.cfg.Log.MaxLinesInitial
	var watermark time.Time
	if server.ScanWatermark != nil {
		watermark = *server.ScanWatermark
		maxLines = e.cfg.Log.MaxLinesIncremental
	}

	// journald first: structured records with real timestamps.
	cmd := fmt.Sprintf("journalctl -u sshd --output=json -n %d", maxLines)
	if server.ScanWatermark != nil {
		cmd += fmt.Sprintf(" --since=%q", watermark.UTC().Format("2006-01-02 15:04:05"))
	}
	if out, err := lease.Conn.Run(ctx, cmd); err == nil && strings.TrimSpace(out) != "" {
		res := logparse.ParseJournal(out, watermark)
		if len(res.Events) > 0 {
			return res.Events, nil, nil, nil
		}
	}

	sc, err := lease.Conn.SFTP()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sftp: %w", err)
	}
	defer sc.Close()

	for _, path := range logparse.LogPaths(server.OSType) {
		info, found, err := sc.Stat(path)
		if err != nil {
			slog.Debug("Could not stat log", "host", server.Hostname, "path", path, "error", err)
			continue
		}
		if !found {
			continue
		}

		// A shrunken file means rotation: fall back to a bounded
		// initial read instead of trusting the incremental window.
		if server.LastLogSize != nil && info.Size < *server.LastLogSize {
			maxLines = e.cfg.Log.MaxLinesInitial
		}

		content, found, err := sc.ReadFileTail(path, maxLines)
		if err != nil || !found {
			continue
		}

		res := logparse.ParseLog(content, logparse.Options{
			OSType:        server.OSType,
			ReferenceTime: info.Mtime,
			Watermark:     watermark,
			LogSource:     logparse.SourceForPath(path),
		})
		if res.MalformedLines > 0 {
			slog.Debug("Skipped malformed log lines", "host", server.Hostname,
				"path", path, "count", res.MalformedLines)
		}

		sudoEvents := parseSudoLines(content, info.Mtime)
		size := info.Size
		return res.Events, sudoEvents, &size, nil
	}

	return nil, nil, nil, nil
}

func parseSudoLines(content string, reference time.Time) []keyspider.SudoEvent {
	var events []keyspider.SudoEvent
	var lastTS time.Time
	for _, line := range strings.Split(content, "\n") {
		ev, ok := logparse.ParseSudoLine(line, reference, lastTS)
		if !ok {
			continue
		}
		lastTS = ev.Timestamp
		events = append(events, ev)
	}
	return events
}

func (e *Engine) scanKeys(lease *sshpool.Lease, host string) ([]keyspider.DiscoveredKey, error) {
	sc, err := lease.Conn.SFTP()
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	defer sc.Close()
	return scanner.ScanServerKeys(sc, host)
}

func (e *Engine) storeKeys(server *models.Server, keys []keyspider.DiscoveredKey) (int, error) {
	stored := 0
	for _, dk := range keys {
		if dk.FingerprintSHA256 == "" {
			continue
		}
		key, err := e.repo.UpsertKey(dk)
		if err != nil {
			return stored, err
		}
		if err := e.repo.UpsertKeyLocation(server.ID, key.ID, dk); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// storeEvents batch-inserts events and upserts the usage edges they
// imply. Fingerprint and source-IP lookups are prefetched in bulk.
func (e *Engine) storeEvents(server *models.Server, events []keyspider.AuthEvent) error {
	if len(events) == 0 {
		return nil
	}

	fps := make([]string, 0, len(events))
	ips := make([]string, 0, len(events))
	seenFP := make(map[string]bool)
	seenIP := make(map[string]bool)
	for _, ev := range events {
		if ev.Fingerprint != "" && !seenFP[ev.Fingerprint] {
			seenFP[ev.Fingerprint] = true
			fps = append(fps, ev.Fingerprint)
		}
		if ev.SourceIP != "" && !seenIP[ev.SourceIP] {
			seenIP[ev.SourceIP] = true
			ips = append(ips, ev.SourceIP)
		}
	}

	keyMap, err := e.repo.KeyIDsByFingerprint(fps)
	if err != nil {
		return err
	}
	ipMap, err := e.repo.ServerIDsByIP(ips)
	if err != nil {
		return err
	}

	rows := make([]models.AccessEvent, 0, len(events))
	for _, ev := range events {
		row := models.AccessEvent{
			TargetServerID: server.ID,
			SourceIP:       ev.SourceIP,
			Fingerprint:    ev.Fingerprint,
			Username:       ev.Username,
			AuthMethod:     ev.AuthMethod,
			EventType:      ev.EventType,
			EventTime:      ev.Timestamp,
			RawLogLine:     ev.RawLine,
			LogSource:      ev.LogSource,
		}
		if id, ok := keyMap[ev.Fingerprint]; ok {
			kid := id
			row.SSHKeyID = &kid
		}
		if id, ok := ipMap[ev.SourceIP]; ok {
			sid := id
			row.SourceServerID = &sid
		}
		rows = append(rows, row)
	}

	if _, err := e.repo.InsertEvents(rows); err != nil {
		return err
	}

	for _, row := range rows {
		if row.EventType != keyspider.EventAccepted {
			continue
		}
		if err := e.repo.UpsertAccessPath(row.SourceServerID, server.ID,
			row.SSHKeyID, row.Username, row.EventTime, true, false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) storeSudoEvents(server *models.Server, events []keyspider.SudoEvent) error {
	rows := make([]models.SudoEvent, 0, len(events))
	for _, ev := range events {
		rows = append(rows, models.SudoEvent{
			ServerID:   server.ID,
			Username:   ev.Username,
			TTY:        ev.TTY,
			WorkingDir: ev.WorkingDir,
			TargetUser: ev.TargetUser,
			Command:    ev.Command,
			Success:    ev.Success,
			EventTime:  ev.Timestamp,
			RawLogLine: ev.RawLine,
		})
	}
	return e.repo.InsertSudoEvents(rows)
}

// correlate upserts the authorization edges implied by authorized_keys
// locations and reconciles layer flags.
func (e *Engine) correlate(server *models.Server) error {
	var locations []models.KeyLocation
	if err := e.repo.DB().
		Where("server_id = ? AND file_type = ?", server.ID, keyspider.FileTypeAuthorizedKeys).
		Find(&locations).Error; err != nil {
		return fmt.Errorf("failed to query key locations: %w", err)
	}

	now := time.Now().UTC()
	for _, loc := range locations {
		kid := loc.SSHKeyID
		if err := e.repo.UpsertAccessPath(nil, server.ID, &kid, loc.UnixOwner, now, false, true); err != nil {
			return err
		}
	}

	return e.repo.CrossReferenceLayers(server.ID)
}

// followSources probes every source IP seen in this server's events.
// Reachable sources join the crawl frontier; unreachable ones are
// recorded with a severity.
func (e *Engine) followSources(ctx context.Context, server *models.Server, events []keyspider.AuthEvent, depth int) {
	type ipFacts struct {
		hasAccepted bool
		rootAccept  bool
		users       map[string]bool
		fingerprint string
		lastSeen    time.Time
	}

	facts := make(map[string]*ipFacts)
	for _, ev := range events {
		if ev.SourceIP == "" {
			continue
		}
		f, ok := facts[ev.SourceIP]
		if !ok {
			f = &ipFacts{users: make(map[string]bool)}
			facts[ev.SourceIP] = f
		}
		if ev.Username != "" {
			f.users[ev.Username] = true
		}
		if ev.EventType == keyspider.EventAccepted {
			f.hasAccepted = true
			if ev.Username == "root" {
				f.rootAccept = true
			}
			if ev.Fingerprint != "" {
				f.fingerprint = ev.Fingerprint
			}
		}
		if ev.Timestamp.After(f.lastSeen) {
			f.lastSeen = ev.Timestamp
		}
	}

	for ip, f := range facts {
		if e.detector.CheckReachable(ctx, ip, 22) {
			if _, err := e.repo.UpsertServer(ip, ip, 22, "scan"); err != nil {
				slog.Warn("Could not record source server", "ip", ip, "error", err)
				continue
			}
			if depth+1 <= e.maxDepth {
				e.Enqueue(ip, 22, depth+1)
			}
			continue
		}

		severity := unreachable.ClassifySeverity(f.rootAccept, unreachable.IsPrivateIP(ip), f.hasAccepted)
		reverseDNS := e.detector.ReverseLookup(ctx, ip)

		var keyID *uint
		if f.fingerprint != "" {
			if m, err := e.repo.KeyIDsByFingerprint([]string{f.fingerprint}); err == nil {
				if id, ok := m[f.fingerprint]; ok {
					keyID = &id
				}
			}
		}

		for user := range f.users {
			if err := e.repo.RecordUnreachable(ip, server.ID, user, reverseDNS,
				f.fingerprint, keyID, severity, f.lastSeen); err != nil {
				slog.Warn("Could not record unreachable source", "ip", ip, "error", err)
			}
		}

		e.mu.Lock()
		e.progress.UnreachableFound++
		e.mu.Unlock()
	}
}

func (e *Engine) bumpServersScanned() {
	e.mu.Lock()
	e.progress.ServersScanned++
	e.mu.Unlock()
	e.notifyProgress()
}

func (e *Engine) notifyProgress() {
	if e.progressFn == nil {
		return
	}
	e.progressFn(e.snapshot())
}

func (e *Engine) snapshot() keyspider.SpiderProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.progress
	p.QueueSize = len(e.queue)
	return p
}

func latestEventTime(events []keyspider.AuthEvent) time.Time {
	var latest time.Time
	for _, ev := range events {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	return latest
}

func discoveredVia(depth int) string {
	if depth == 0 {
		return "manual"
	}
	return "scan"
}

func serverKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 22
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 22
	}
	return host, port
}
