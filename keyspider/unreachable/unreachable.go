// Package unreachable probes source IPs seen in auth logs and
// classifies the ones the jump host cannot reach.
package unreachable

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/keyspider/go-api/keyspider/store"
)

// Severity levels for unreachable sources.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// privateRanges holds RFC1918 plus IPv6 ULA.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
}

// Prober answers whether an address accepts SSH from the jump host.
// The connection pool satisfies this.
type Prober interface {
	CheckReachable(ctx context.Context, addr string) bool
}

// Detector probes source IPs with a TTL cache. Results go to the
// shared valkey store when one is configured, with an in-process
// fallback otherwise.
type Detector struct {
	prober Prober
	kv     store.KVStore
	ttl    time.Duration

	// LookupFunc resolves reverse DNS; tests substitute a stub.
	LookupFunc func(ctx context.Context, ip string) ([]string, error)

	mu    sync.Mutex
	local map[string]cacheEntry
}

type cacheEntry struct {
	reachable bool
	at        time.Time
}

// NewDetector builds a detector. kv may be nil.
func NewDetector(prober Prober, kv store.KVStore, ttl time.Duration) *Detector {
	if ttl <= 0 {
		ttl = time.Hour
	}
	var r net.Resolver
	return &Detector{
		prober:     prober,
		kv:         kv,
		ttl:        ttl,
		LookupFunc: r.LookupAddr,
		local:      make(map[string]cacheEntry),
	}
}

// CheckReachable reports whether ip:port accepts SSH from the jump
// host, consulting the cache first.
func (d *Detector) CheckReachable(ctx context.Context, ip string, port int) bool {
	if port <= 0 {
		port = 22
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	if d.kv != nil {
		if reachable, ok := store.GetCachedReachability(ctx, d.kv, addr); ok {
			return reachable
		}
	} else {
		d.mu.Lock()
		entry, ok := d.local[addr]
		d.mu.Unlock()
		if ok && time.Since(entry.at) < d.ttl {
			return entry.reachable
		}
	}

	reachable := d.prober.CheckReachable(ctx, addr)

	if d.kv != nil {
		if err := store.CacheReachability(ctx, d.kv, addr, reachable, d.ttl); err != nil {
			slog.Debug("Could not cache reachability", "addr", addr, "error", err)
		}
	} else {
		d.mu.Lock()
		d.local[addr] = cacheEntry{reachable: reachable, at: time.Now()}
		d.mu.Unlock()
	}
	return reachable
}

// ReverseLookup attempts a reverse DNS lookup. Failure is non-fatal and
// returns an empty string.
func (d *Detector) ReverseLookup(ctx context.Context, ip string) string {
	names, err := d.LookupFunc(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// IsPrivateIP reports whether ip falls in an RFC1918 or ULA range.
func IsPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClassifySeverity is a pure function of the three inputs:
//
//	critical: accepted event as root from an unreachable source
//	high:     accepted event from an unreachable, non-private source
//	medium:   accepted event from an unreachable private source
//	low:      only failed events from the unreachable source
func ClassifySeverity(isRootUser, isPrivate, hasAcceptedEvent bool) string {
	switch {
	case hasAcceptedEvent && isRootUser:
		return SeverityCritical
	case hasAcceptedEvent && !isPrivate:
		return SeverityHigh
	case hasAcceptedEvent:
		return SeverityMedium
	}
	return SeverityLow
}
