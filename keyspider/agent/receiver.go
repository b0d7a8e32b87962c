// Package agent implements the ingest endpoints on-host agents push
// to: heartbeat, auth events, sudo events, and key inventories. Agent
// data merges into the same tables with the same invariants as the
// SSH-driven crawl.
package agent

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/postgres/models"
	"github.com/keyspider/go-api/keyspider/spider"
	"github.com/keyspider/go-api/keyspider/store"
)

// ErrAuth reports a missing or invalid agent token.
var ErrAuth = errors.New("agent authentication failed")

// heartbeatTTL is how long an agent heartbeat counts as live.
const heartbeatTTL = 5 * time.Minute

// Receiver serves the agent wire protocol.
type Receiver struct {
	db   *gorm.DB
	repo *spider.Repository
	kv   store.KVStore // optional liveness cache
}

// NewReceiver builds a Receiver. kv may be nil.
func NewReceiver(db *gorm.DB, kv store.KVStore) *Receiver {
	return &Receiver{db: db, repo: spider.NewRepository(db), kv: kv}
}

// Routes mounts the agent endpoints.
func (rc *Receiver) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/heartbeat", rc.handleHeartbeat)
	r.Post("/events", rc.handleEvents)
	r.Post("/sudo-events", rc.handleSudoEvents)
	r.Post("/keys", rc.handleKeys)
	return r
}

// authenticate resolves the bearer token to an AgentStatus row. Only
// SHA256(token) is ever stored; the comparison over the hash is
// constant-time.
func (rc *Receiver) authenticate(r *http.Request) (*models.AgentStatus, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, ErrAuth
	}

	sum := sha256.Sum256([]byte(strings.TrimPrefix(auth, "Bearer ")))
	tokenHash := hex.EncodeToString(sum[:])

	var agent models.AgentStatus
	if err := rc.db.Where("token_hash = ?", tokenHash).First(&agent).Error; err != nil {
		return nil, ErrAuth
	}
	if subtle.ConstantTimeCompare([]byte(agent.TokenHash), []byte(tokenHash)) != 1 {
		return nil, ErrAuth
	}
	return &agent, nil
}

// HeartbeatPayload is the POST /heartbeat body.
type HeartbeatPayload struct {
	ServerID     uint   `json:"server_id"`
	AgentVersion string `json:"agent_version"`
	Now          string `json:"now"`
}

func (rc *Receiver) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent, err := rc.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload HeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"last_heartbeat_at": now,
		"deployment_status": "active",
	}
	if payload.AgentVersion != "" {
		updates["agent_version"] = payload.AgentVersion
	}
	if err := rc.db.Model(agent).Updates(updates).Error; err != nil {
		slog.Error("Could not record heartbeat", "server_id", agent.ServerID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if rc.kv != nil {
		if err := store.MarkAgentAlive(r.Context(), rc.kv, agent.ServerID, heartbeatTTL); err != nil {
			slog.Debug("Could not cache agent liveness", "server_id", agent.ServerID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// EventPayload is one agent-reported auth event.
type EventPayload struct {
	Timestamp   string `json:"timestamp"`
	SourceIP    string `json:"source_ip"`
	Username    string `json:"username"`
	AuthMethod  string `json:"auth_method"`
	EventType   string `json:"event_type"`
	Fingerprint string `json:"fingerprint"`
	RawLine     string `json:"raw_line"`
}

// EventsPayload is the POST /events body.
type EventsPayload struct {
	Events []EventPayload `json:"events"`
}

func (rc *Receiver) handleEvents(w http.ResponseWriter, r *http.Request) {
	agent, err := rc.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload EventsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	events := make([]keyspider.AuthEvent, 0, len(payload.Events))
	for _, ev := range payload.Events {
		if !validEventType(ev.EventType) {
			continue
		}
		events = append(events, keyspider.AuthEvent{
			Timestamp:   parseTimestamp(ev.Timestamp),
			SourceIP:    ev.SourceIP,
			Username:    ev.Username,
			AuthMethod:  ev.AuthMethod,
			EventType:   ev.EventType,
			Fingerprint: ev.Fingerprint,
			RawLine:     ev.RawLine,
			LogSource:   "agent",
		})
	}

	accepted, err := rc.mergeEvents(agent.ServerID, events)
	if err != nil {
		slog.Error("Could not merge agent events", "server_id", agent.ServerID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rc.touchLastEvent(agent)
	writeJSON(w, map[string]int{"accepted": accepted})
}

// mergeEvents applies the same bulk path as the crawl: prefetch maps,
// dedupe insert, usage-edge upsert.
func (rc *Receiver) mergeEvents(serverID uint, events []keyspider.AuthEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
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

	keyMap, err := rc.repo.KeyIDsByFingerprint(fps)
	if err != nil {
		return 0, err
	}
	ipMap, err := rc.repo.ServerIDsByIP(ips)
	if err != nil {
		return 0, err
	}

	rows := make([]models.AccessEvent, 0, len(events))
	for _, ev := range events {
		row := models.AccessEvent{
			TargetServerID: serverID,
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

	inserted, err := rc.repo.InsertEvents(rows)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		if row.EventType != keyspider.EventAccepted {
			continue
		}
		if err := rc.repo.UpsertAccessPath(row.SourceServerID, serverID,
			row.SSHKeyID, row.Username, row.EventTime, true, false); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// SudoEventPayload is one agent-reported sudo event.
type SudoEventPayload struct {
	Timestamp  string `json:"timestamp"`
	Username   string `json:"username"`
	TTY        string `json:"tty"`
	WorkingDir string `json:"working_dir"`
	TargetUser string `json:"target_user"`
	Command    string `json:"command"`
	Success    bool   `json:"success"`
	RawLine    string `json:"raw_line"`
}

// SudoEventsPayload is the POST /sudo-events body.
type SudoEventsPayload struct {
	Events []SudoEventPayload `json:"events"`
}

func (rc *Receiver) handleSudoEvents(w http.ResponseWriter, r *http.Request) {
	agent, err := rc.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload SudoEventsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	rows := make([]models.SudoEvent, 0, len(payload.Events))
	for _, ev := range payload.Events {
		rows = append(rows, models.SudoEvent{
			ServerID:   agent.ServerID,
			Username:   ev.Username,
			TTY:        ev.TTY,
			WorkingDir: ev.WorkingDir,
			TargetUser: ev.TargetUser,
			Command:    ev.Command,
			Success:    ev.Success,
			EventTime:  parseTimestamp(ev.Timestamp),
			RawLogLine: ev.RawLine,
		})
	}

	if err := rc.repo.InsertSudoEvents(rows); err != nil {
		slog.Error("Could not store agent sudo events", "server_id", agent.ServerID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rc.touchLastEvent(agent)
	writeJSON(w, map[string]int{"accepted": len(rows)})
}

// KeyLocationPayload is one agent-reported key sighting.
type KeyLocationPayload struct {
	PublicKeyData string `json:"public_key_data"`
	FilePath      string `json:"file_path"`
	FileType      string `json:"file_type"`
	UnixOwner     string `json:"unix_owner"`
	UnixPerms     string `json:"unix_perms"`
	FileMtime     string `json:"file_mtime"`
	FileSize      int64  `json:"file_size"`
	IsHostKey     bool   `json:"is_host_key"`
}

// KeysPayload is the POST /keys body; full or delta, the server
// deduplicates either way.
type KeysPayload struct {
	Locations []KeyLocationPayload `json:"locations"`
}

func (rc *Receiver) handleKeys(w http.ResponseWriter, r *http.Request) {
	agent, err := rc.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload KeysPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	stored := 0
	for _, item := range payload.Locations {
		dk, ok := discoveredFromPayload(item)
		if !ok {
			continue
		}

		key, err := rc.repo.UpsertKey(dk)
		if err != nil {
			slog.Warn("Could not store agent key", "server_id", agent.ServerID, "error", err)
			continue
		}
		if err := rc.repo.UpsertKeyLocation(agent.ServerID, key.ID, dk); err != nil {
			slog.Warn("Could not store agent key location", "server_id", agent.ServerID, "error", err)
			continue
		}
		stored++
	}

	if err := rc.repo.CrossReferenceLayers(agent.ServerID); err != nil {
		slog.Warn("Could not reconcile layers", "server_id", agent.ServerID, "error", err)
	}

	writeJSON(w, map[string]int{"accepted": stored})
}

func (rc *Receiver) touchLastEvent(agent *models.AgentStatus) {
	now := time.Now().UTC()
	if err := rc.db.Model(agent).Update("last_event_at", now).Error; err != nil {
		slog.Debug("Could not update agent last_event_at", "server_id", agent.ServerID, "error", err)
	}
}

func validEventType(t string) bool {
	switch t {
	case keyspider.EventAccepted, keyspider.EventFailed, keyspider.EventDisconnect:
		return true
	}
	return false
}

func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Could not write response", "error", err)
	}
}
