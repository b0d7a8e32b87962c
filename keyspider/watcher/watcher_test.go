package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/config"
	"github.com/keyspider/go-api/keyspider/postgres"
	"github.com/keyspider/go-api/keyspider/postgres/models"
	"github.com/keyspider/go-api/keyspider/spider"
)

// fakeTail is a scriptable tail session.
type fakeTail struct {
	lines chan string
	once  sync.Once
}

func (f *fakeTail) Lines() <-chan string { return f.lines }
func (f *fakeTail) Close() error {
	f.once.Do(func() { close(f.lines) })
	return nil
}

type fakeTailDialer struct {
	mu       sync.Mutex
	sessions []*fakeTail
	started  chan *fakeTail
}

func newFakeTailDialer() *fakeTailDialer {
	return &fakeTailDialer{started: make(chan *fakeTail, 8)}
}

func (d *fakeTailDialer) Start(ctx context.Context, addr, cmd string) (TailSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeTail{lines: make(chan string, 64)}
	d.sessions = append(d.sessions, t)
	d.started <- t
	return t, nil
}

func testWatcher(t *testing.T, dialer TailDialer) (*Watcher, *models.Server, *spider.Repository) {
	t.Helper()
	if postgres.GetDB() == nil {
		if err := postgres.Connect("sqlite", "file::memory:?cache=shared"); err != nil {
			t.Fatalf("Failed to initialize database: %v", err)
		}
	}
	db := postgres.GetDB()
	for _, table := range []string{"watch_sessions", "access_paths", "access_events",
		"ssh_keys", "servers"} {
		db.Exec("DELETE FROM " + table)
	}

	repo := spider.NewRepository(db)
	server, err := repo.UpsertServer("watched01", "10.0.0.50", 22, "manual")
	if err != nil {
		t.Fatalf("seed server: %v", err)
	}
	// File-dialect lines in this test; skip the journald attempt.
	server.OSType = keyspider.OSAIX
	db.Save(server)

	cfg := config.Default()
	cfg.Watcher.ReconnectDelay = 10 * time.Millisecond
	cfg.Watcher.MaxReconnectDelay = 50 * time.Millisecond

	return New(server, repo, cfg, dialer, "", nil, false, 0), server, repo
}

func aixLine(sec int) string {
	return "Feb  5 13:04:0" + string(rune('0'+sec)) +
		" watched01 auth|security:info sshd[10]: Accepted publickey for deploy from 10.1.2.3 port 5 ssh2: ED25519 SHA256:livefp"
}

func TestWatcherFanoutAndPersist(t *testing.T) {
	dialer := newFakeTailDialer()
	w, server, repo := testWatcher(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	tail := <-dialer.started

	sub1, cancel1 := w.Subscribe()
	sub2, cancel2 := w.Subscribe()
	defer cancel1()
	defer cancel2()

	tail.lines <- aixLine(1)
	tail.lines <- aixLine(2)

	for _, sub := range []<-chan keyspider.AuthEvent{sub1, sub2} {
		for i := 1; i <= 2; i++ {
			select {
			case ev := <-sub:
				if ev.Username != "deploy" || ev.EventType != keyspider.EventAccepted {
					t.Errorf("event %d: %+v", i, ev)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("subscriber did not receive event")
			}
		}
	}

	// Events were persisted with the crawl invariants.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var count int64
		repo.DB().Model(&models.AccessEvent{}).Where("target_server_id = ?", server.ID).Count(&count)
		if count == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted events = %d, want 2", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var path models.AccessPath
	if err := repo.DB().Where("target_server_id = ?", server.ID).First(&path).Error; err != nil {
		t.Fatalf("usage edge missing: %v", err)
	}
	if !path.IsUsed {
		t.Error("path not flagged is_used")
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestStopUnblocksSubscribers(t *testing.T) {
	dialer := newFakeTailDialer()
	w, _, _ := testWatcher(t, dialer)

	ctx := context.Background()
	go w.Start(ctx)
	<-dialer.started

	sub, cancelSub := w.Subscribe()
	defer cancelSub()

	unblocked := make(chan struct{})
	go func() {
		// Blocks until the sentinel (channel close) arrives.
		for range sub {
		}
		close(unblocked)
	}()

	w.Stop()

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock the waiting subscriber")
	}
}

func TestSubscriberDeregistration(t *testing.T) {
	dialer := newFakeTailDialer()
	w, _, _ := testWatcher(t, dialer)

	_, cancel1 := w.Subscribe()
	_, cancel2 := w.Subscribe()

	w.mu.Lock()
	n := len(w.subs)
	w.mu.Unlock()
	if n != 2 {
		t.Fatalf("subs = %d, want 2", n)
	}

	cancel1()
	cancel1() // double-cancel is safe
	cancel2()

	w.mu.Lock()
	n = len(w.subs)
	w.mu.Unlock()
	if n != 0 {
		t.Errorf("subs = %d after deregistration, want 0", n)
	}
}

func TestReconnectAfterStreamClose(t *testing.T) {
	dialer := newFakeTailDialer()
	w, _, _ := testWatcher(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	first := <-dialer.started
	first.Close() // remote drop

	select {
	case <-dialer.started:
		// reconnected
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reconnect after stream close")
	}

	w.Stop()
	<-done
}

func TestPauseResume(t *testing.T) {
	dialer := newFakeTailDialer()
	w, server, repo := testWatcher(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Start(ctx)
	tail := <-dialer.started

	// Wait for the session row before pausing.
	deadline := time.Now().Add(2 * time.Second)
	for w.Session() == nil {
		if time.Now().After(deadline) {
			t.Fatal("watch session not created")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.Pause()
	tail.lines <- aixLine(3)

	time.Sleep(100 * time.Millisecond)
	var count int64
	repo.DB().Model(&models.AccessEvent{}).Where("target_server_id = ?", server.ID).Count(&count)
	if count != 0 {
		t.Errorf("events processed while paused: %d", count)
	}

	w.Resume()

	deadline = time.Now().Add(2 * time.Second)
	for {
		repo.DB().Model(&models.AccessEvent{}).Where("target_server_id = ?", server.ID).Count(&count)
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("buffered event not processed after resume: %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.Stop()
}

func TestWatchSessionLifecycle(t *testing.T) {
	dialer := newFakeTailDialer()
	w, server, repo := testWatcher(t, dialer)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	<-dialer.started

	deadline := time.Now().Add(2 * time.Second)
	for w.Session() == nil {
		if time.Now().After(deadline) {
			t.Fatal("watch session not created")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.Stop()
	<-done

	var session models.WatchSession
	if err := repo.DB().Where("server_id = ?", server.ID).First(&session).Error; err != nil {
		t.Fatalf("session row missing: %v", err)
	}
	if session.Status != models.WatchStopped {
		t.Errorf("status = %q, want stopped", session.Status)
	}
	if session.StoppedAt == nil {
		t.Error("stopped_at not stamped")
	}
}
