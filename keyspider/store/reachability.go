package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const (
	// reachabilityPrefix keys cached SSH reachability probe results.
	reachabilityPrefix = "reachability:"
	// heartbeatPrefix keys the liveness marker an agent heartbeat sets.
	heartbeatPrefix = "agent_heartbeat:"
	// watchPrefix keys the registry of live watch sessions.
	watchPrefix = "watch_session:"
)

// CacheReachability stores a probe result for addr with the given TTL.
func CacheReachability(ctx context.Context, s KVStore, addr string, reachable bool, ttl time.Duration) error {
	return s.SetValueWithTTL(ctx, reachabilityPrefix+addr, strconv.FormatBool(reachable), int(ttl.Seconds()))
}

// GetCachedReachability returns (reachable, true) on a cache hit.
func GetCachedReachability(ctx context.Context, s KVStore, addr string) (bool, bool) {
	val, err := s.GetValue(ctx, reachabilityPrefix+addr)
	if err != nil {
		return false, false
	}
	reachable, err := strconv.ParseBool(val)
	if err != nil {
		return false, false
	}
	return reachable, true
}

// MarkAgentAlive records an agent heartbeat for a server. The key
// expires after ttl, so liveness checks are a simple existence test.
func MarkAgentAlive(ctx context.Context, s KVStore, serverID uint, ttl time.Duration) error {
	key := heartbeatPrefix + strconv.FormatUint(uint64(serverID), 10)
	return s.SetValueWithTTL(ctx, key, time.Now().UTC().Format(time.RFC3339), int(ttl.Seconds()))
}

// AgentAlive reports whether a non-expired heartbeat exists for the
// server.
func AgentAlive(ctx context.Context, s KVStore, serverID uint) bool {
	key := heartbeatPrefix + strconv.FormatUint(uint64(serverID), 10)
	_, err := s.GetValue(ctx, key)
	return err == nil
}

// RegisterWatchSession records a live watch session for a server.
func RegisterWatchSession(ctx context.Context, s KVStore, serverID uint, sessionID string) error {
	return s.SetValue(ctx, watchKey(serverID), sessionID)
}

// ActiveWatchSession returns the live session id for a server, if any.
func ActiveWatchSession(ctx context.Context, s KVStore, serverID uint) (string, bool) {
	val, err := s.GetValue(ctx, watchKey(serverID))
	if err != nil {
		return "", false
	}
	return val, true
}

// DeregisterWatchSession removes the live-session marker.
func DeregisterWatchSession(ctx context.Context, s KVStore, serverID uint) error {
	return s.DeleteValue(ctx, watchKey(serverID))
}

func watchKey(serverID uint) string {
	return fmt.Sprintf("%s%d", watchPrefix, serverID)
}
