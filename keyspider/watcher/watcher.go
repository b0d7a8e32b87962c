// Package watcher maintains persistent tail sessions over SSH, feeding
// live auth log lines through the parser and fanning the resulting
// events out to subscribers.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/config"
	"github.com/keyspider/go-api/keyspider/logparse"
	"github.com/keyspider/go-api/keyspider/postgres/models"
	"github.com/keyspider/go-api/keyspider/queue"
	"github.com/keyspider/go-api/keyspider/spider"
)

// subBuffer bounds each consumer queue. A slow consumer loses its
// oldest events rather than growing memory or blocking the tail.
const subBuffer = 256

// TailSession is one running remote tail command.
type TailSession interface {
	// Lines yields output lines until the remote side closes.
	Lines() <-chan string
	Close() error
}

// TailDialer starts tail sessions. Swapped for a fake in tests.
type TailDialer interface {
	Start(ctx context.Context, addr, cmd string) (TailSession, error)
}

// Watcher tails one server's auth log. Construct with New, then Start
// in a goroutine; Stop shuts the session down and unblocks every
// subscriber.
type Watcher struct {
	server  *models.Server
	repo    *spider.Repository
	cfg     *config.Config
	dialer  TailDialer
	amqpURL string // optional live broadcast

	// auto-spider: accepted events from unknown sources join a crawl
	engine      *spider.Engine
	autoSpider  bool
	spiderDepth int

	running  atomic.Bool
	paused   atomic.Bool
	fileTail atomic.Bool // set when journald tailing proves unavailable
	resume   chan struct{}

	mu      sync.Mutex
	subs    map[int]chan keyspider.AuthEvent
	nextSub int
	session *models.WatchSession
	lastTS  time.Time
}

// New builds a watcher for a server. engine may be nil to disable
// auto-spider; amqpURL may be empty to disable broadcast.
func New(server *models.Server, repo *spider.Repository, cfg *config.Config, dialer TailDialer, amqpURL string, engine *spider.Engine, autoSpider bool, spiderDepth int) *Watcher {
	return &Watcher{
		server:      server,
		repo:        repo,
		cfg:         cfg,
		dialer:      dialer,
		amqpURL:     amqpURL,
		engine:      engine,
		autoSpider:  autoSpider,
		spiderDepth: spiderDepth,
		resume:      make(chan struct{}, 1),
		subs:        make(map[int]chan keyspider.AuthEvent),
	}
}

// Session returns the persisted watch session row, once Start has
// created it.
func (w *Watcher) Session() *models.WatchSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// Subscribe registers a consumer. The returned cancel function must be
// called on any exit path; the channel is closed when the watcher
// stops, which is the consumer's signal to exit. The channel buffers
// subBuffer events; when it is full, the oldest buffered event is
// dropped to make room for the new one.
func (w *Watcher) Subscribe() (<-chan keyspider.AuthEvent, func()) {
	ch := make(chan keyspider.AuthEvent, subBuffer)

	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		if _, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(ch)
		}
		w.mu.Unlock()
	}
	return ch, cancel
}

// Pause suspends event processing. The connection is held; buffered
// output waits until Resume.
func (w *Watcher) Pause() {
	w.paused.Store(true)
	w.setStatus(models.WatchPaused, "")
}

// Resume returns to the tail position.
func (w *Watcher) Resume() {
	if !w.paused.Swap(false) {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
	w.setStatus(models.WatchActive, "")
}

// Stop ends the watch. Every subscriber channel is closed to unblock
// waiting consumers.
func (w *Watcher) Stop() {
	if !w.running.Swap(false) {
		return
	}
	w.Resume()

	w.mu.Lock()
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
	w.mu.Unlock()

	now := time.Now().UTC()
	w.mu.Lock()
	session := w.session
	w.mu.Unlock()
	if session != nil {
		w.repo.DB().Model(session).Updates(map[string]interface{}{
			"status":     models.WatchStopped,
			"stopped_at": now,
		})
	}
	slog.Info("Watcher stopped", "host", w.server.Hostname)
}

// Start runs the watch loop until Stop. Disconnects reconnect with
// exponential backoff and full jitter, bounded by the configured cap.
func (w *Watcher) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return fmt.Errorf("watcher already running for %s", w.server.Hostname)
	}

	session := &models.WatchSession{
		SessionID:   uuid.NewString(),
		ServerID:    w.server.ID,
		Status:      models.WatchActive,
		AutoSpider:  w.autoSpider,
		SpiderDepth: w.spiderDepth,
	}
	if err := w.repo.DB().Create(session).Error; err != nil {
		w.running.Store(false)
		return fmt.Errorf("failed to create watch session: %w", err)
	}
	w.mu.Lock()
	w.session = session
	w.mu.Unlock()

	delay := w.cfg.Watcher.ReconnectDelay
	var lastSize int64 = -1

	for w.running.Load() && ctx.Err() == nil {
		err := w.connectAndTail(ctx, &lastSize)
		if !w.running.Load() || ctx.Err() != nil {
			break
		}

		w.setStatus(models.WatchError, errString(err))
		slog.Warn("Watcher connection lost, reconnecting",
			"host", w.server.Hostname, "error", err, "delay", delay)

		jittered := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > w.cfg.Watcher.MaxReconnectDelay {
			delay = w.cfg.Watcher.MaxReconnectDelay
		}
	}

	w.Stop()
	return nil
}

// connectAndTail establishes one tail session and pumps lines until it
// drops. On entry it runs the file-state check: a shrunken file means
// rotation, so a bounded backlog re-read runs before the live tail.
func (w *Watcher) connectAndTail(ctx context.Context, lastSize *int64) error {
	addr := net.JoinHostPort(w.server.IP, strconv.Itoa(w.server.SSHPort))
	logPath := logparse.LogPaths(w.server.OSType)[0]

	if *lastSize >= 0 {
		if err := w.catchUp(ctx, addr, logPath, lastSize); err != nil {
			slog.Debug("Rotation catch-up failed", "host", w.server.Hostname, "error", err)
		}
	}

	cmd := tailCommand(w.server.OSType, logPath)
	if w.fileTail.Load() {
		cmd = fileTailCommand(logPath)
	}

	tail, err := w.dialer.Start(ctx, addr, cmd)
	if err != nil {
		if cmd != fileTailCommand(logPath) {
			// journald tail would not start; try plain file tailing on
			// the next connect.
			w.fileTail.Store(true)
		}
		return fmt.Errorf("start tail on %s: %w", addr, err)
	}
	defer tail.Close()

	w.setStatus(models.WatchActive, "")
	slog.Info("Watcher started", "host", w.server.Hostname, "path", logPath)

	// Stop does not close the tail, so the loop polls the running flag.
	stopPoll := time.NewTicker(100 * time.Millisecond)
	defer stopPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopPoll.C:
			if !w.running.Load() {
				return nil
			}
		case line, ok := <-tail.Lines():
			if !ok {
				if !w.running.Load() {
					return nil
				}
				return fmt.Errorf("tail stream closed for %s", addr)
			}
			// Paused: hold the line (connection stays up, remote output
			// backpressures) until Resume.
			for w.paused.Load() {
				select {
				case <-w.resume:
				case <-ctx.Done():
					return nil
				}
			}
			w.handleLine(ctx, line)
			*lastSize += int64(len(line)) + 1
		}
	}
}

// catchUp re-reads a rotated file's bounded tail so events written
// between disconnect and reconnect are not lost.
func (w *Watcher) catchUp(ctx context.Context, addr, logPath string, lastSize *int64) error {
	sd, ok := w.dialer.(*sshTailDialer)
	if !ok {
		return nil // fakes skip the file-state check
	}

	sc, err := sd.sftp(ctx, addr)
	if err != nil {
		return err
	}
	defer sc.Close()

	info, found, err := sc.Stat(logPath)
	if err != nil || !found {
		return err
	}

	if info.Size >= *lastSize {
		// No rotation: the tail resumes at the live position.
		*lastSize = info.Size
		return nil
	}

	content, found, err := sc.ReadFileTail(logPath, w.cfg.Log.MaxLinesIncremental)
	if err != nil || !found {
		return err
	}

	res := logparse.ParseLog(content, logparse.Options{
		OSType:        w.server.OSType,
		ReferenceTime: info.Mtime,
		Watermark:     w.watermark(),
		LogSource:     logparse.SourceForPath(logPath),
	})
	for _, ev := range res.Events {
		w.dispatch(ctx, ev)
	}
	*lastSize = info.Size
	return nil
}

// handleLine parses one live line and dispatches the event, if any.
func (w *Watcher) handleLine(ctx context.Context, line string) {
	var ev keyspider.AuthEvent
	var ok bool

	if usesJournald(w.server.OSType) && !w.fileTail.Load() {
		ev, ok = logparse.ParseJournalLine(line)
	}
	if !ok {
		ev, ok = logparse.ParseLine(line, logparse.Options{
			OSType:        w.server.OSType,
			ReferenceTime: time.Now().UTC(),
			LogSource:     "watch",
		}, w.lastTimestamp())
	}
	if !ok {
		return
	}

	w.dispatch(ctx, ev)
}

// dispatch persists an event, updates the session counters, fans out to
// subscribers, and feeds auto-spider.
func (w *Watcher) dispatch(ctx context.Context, ev keyspider.AuthEvent) {
	w.mu.Lock()
	w.lastTS = ev.Timestamp
	w.mu.Unlock()

	if err := w.persist(ev); err != nil {
		slog.Warn("Could not persist watched event", "host", w.server.Hostname, "error", err)
	}

	w.mu.Lock()
	if w.session != nil {
		w.session.EventsCaptured++
		now := time.Now().UTC()
		w.session.LastEventAt = &now
		w.repo.DB().Model(w.session).Updates(map[string]interface{}{
			"events_captured": w.session.EventsCaptured,
			"last_event_at":   now,
		})
	}
	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest buffered event for this consumer.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	w.mu.Unlock()

	if w.amqpURL != "" {
		if err := queue.BroadcastEvent(w.amqpURL, ev); err != nil {
			slog.Debug("Event broadcast failed", "error", err)
		}
	}

	if w.autoSpider && w.engine != nil && ev.EventType == keyspider.EventAccepted && ev.SourceIP != "" {
		w.engine.Enqueue(ev.SourceIP, 22, 1)
	}
}

func (w *Watcher) persist(ev keyspider.AuthEvent) error {
	row := models.AccessEvent{
		TargetServerID: w.server.ID,
		SourceIP:       ev.SourceIP,
		Fingerprint:    ev.Fingerprint,
		Username:       ev.Username,
		AuthMethod:     ev.AuthMethod,
		EventType:      ev.EventType,
		EventTime:      ev.Timestamp,
		RawLogLine:     ev.RawLine,
		LogSource:      ev.LogSource,
	}

	if ev.Fingerprint != "" {
		if m, err := w.repo.KeyIDsByFingerprint([]string{ev.Fingerprint}); err == nil {
			if id, ok := m[ev.Fingerprint]; ok {
				kid := id
				row.SSHKeyID = &kid
			}
		}
	}
	if ev.SourceIP != "" {
		if m, err := w.repo.ServerIDsByIP([]string{ev.SourceIP}); err == nil {
			if id, ok := m[ev.SourceIP]; ok {
				sid := id
				row.SourceServerID = &sid
			}
		}
	}

	if _, err := w.repo.InsertEvents([]models.AccessEvent{row}); err != nil {
		return err
	}

	if ev.EventType == keyspider.EventAccepted {
		return w.repo.UpsertAccessPath(row.SourceServerID, w.server.ID,
			row.SSHKeyID, row.Username, row.EventTime, true, false)
	}
	return nil
}

func (w *Watcher) setStatus(status, errMsg string) {
	w.mu.Lock()
	session := w.session
	w.mu.Unlock()
	if session == nil {
		return
	}
	updates := map[string]interface{}{"status": status}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	w.repo.DB().Model(session).Updates(updates)
}

func (w *Watcher) lastTimestamp() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTS
}

func (w *Watcher) watermark() time.Time {
	if w.server.ScanWatermark != nil {
		return *w.server.ScanWatermark
	}
	return time.Time{}
}

func tailCommand(osType, logPath string) string {
	if usesJournald(osType) {
		return "journalctl -u sshd --follow --output=json -n 0"
	}
	return fileTailCommand(logPath)
}

func fileTailCommand(logPath string) string {
	return fmt.Sprintf("tail -n 0 -F %s 2>/dev/null", logPath)
}

// usesJournald is decided per-OS: AIX never has journald; Linux hosts
// get the journald tail first and drop to file tailing when it proves
// unavailable.
func usesJournald(osType string) bool {
	return osType != keyspider.OSAIX
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
