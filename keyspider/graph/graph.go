// Package graph projects persisted observations into node/edge views of
// the SSH access graph.
package graph

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/keyspider/go-api/keyspider/postgres/models"
)

// Layers accepted by Build.
const (
	LayerAll           = "all"
	LayerAuthorization = "authorization"
	LayerUsage         = "usage"
)

// Node is a graph vertex: a server or a synthetic unreachable source.
type Node struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Type        string `json:"type"` // server | unreachable
	IPAddress   string `json:"ip_address"`
	OSType      string `json:"os_type,omitempty"`
	IsReachable bool   `json:"is_reachable"`
	KeyCount    int    `json:"key_count"`
	EventCount  int    `json:"event_count"`
}

// Edge is a directed edge sourced from an AccessPath or an unreachable
// source record.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Label        string `json:"label,omitempty"`
	KeyType      string `json:"key_type,omitempty"`
	Username     string `json:"username,omitempty"`
	EventCount   int    `json:"event_count"`
	IsActive     bool   `json:"is_active"`
	IsAuthorized bool   `json:"is_authorized"`
	IsUsed       bool   `json:"is_used"`
}

// Response is the wire shape consumed by graph clients.
type Response struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	NodeCount int    `json:"node_count"`
	EdgeCount int    `json:"edge_count"`
}

// PathResponse carries a shortest path plus the subgraph it traverses.
type PathResponse struct {
	Paths [][]string `json:"paths"`
	Graph *Response  `json:"graph"`
}

// Builder reads persisted observations; it never writes.
type Builder struct {
	db *gorm.DB
}

// NewBuilder creates a Builder on the given gorm handle.
func NewBuilder(db *gorm.DB) *Builder {
	return &Builder{db: db}
}

// Build projects the full graph. layer filters edges:
//
//	authorization: edges where is_authorized (includes dormant keys)
//	usage:         edges where is_used (includes mystery keys)
//	all:           the union, both flags preserved
func (b *Builder) Build(layer string) (*Response, error) {
	paths, err := b.loadPaths(layer)
	if err != nil {
		return nil, err
	}

	var servers []models.Server
	if err := b.db.Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}

	var unreachables []models.UnreachableSource
	if err := b.db.Where("acknowledged = ?", false).Find(&unreachables).Error; err != nil {
		return nil, fmt.Errorf("failed to query unreachable sources: %w", err)
	}

	keyCounts, eventCounts, err := b.nodeCounters()
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]Node)
	for _, s := range servers {
		n := serverNode(s)
		n.KeyCount = keyCounts[s.ID]
		n.EventCount = eventCounts[s.ID]
		nodes[n.ID] = n
	}

	var edges []Edge
	edges, err = b.pathEdges(paths, edges)
	if err != nil {
		return nil, err
	}

	for _, ur := range unreachables {
		n := unreachableNode(ur)
		nodes[n.ID] = n
		edges = append(edges, Edge{
			ID:         fmt.Sprintf("ur-edge-%d", ur.ID),
			Source:     n.ID,
			Target:     serverNodeID(ur.TargetServerID),
			Label:      fmt.Sprintf("%s (%d)", ur.Severity, ur.EventCount),
			Username:   ur.Username,
			EventCount: ur.EventCount,
			IsActive:   true,
		})
	}

	return response(nodes, edges), nil
}

// ServerSubgraph walks edges outward from a server up to depth hops in
// both directions.
func (b *Builder) ServerSubgraph(serverID uint, depth int) (*Response, error) {
	paths, err := b.loadPaths(LayerAll)
	if err != nil {
		return nil, err
	}

	// Adjacency over server ids, both directions.
	adjacent := make(map[uint][]models.AccessPath)
	for _, p := range paths {
		adjacent[p.TargetServerID] = append(adjacent[p.TargetServerID], p)
		if p.SourceServerID != nil {
			adjacent[*p.SourceServerID] = append(adjacent[*p.SourceServerID], p)
		}
	}

	visited := map[uint]bool{}
	type frontier struct {
		id    uint
		depth int
	}
	queue := []frontier{{serverID, 0}}
	var keepPaths []models.AccessPath
	seenPath := map[uint]bool{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.id] || cur.depth > depth {
			continue
		}
		visited[cur.id] = true

		for _, p := range adjacent[cur.id] {
			if !seenPath[p.ID] {
				seenPath[p.ID] = true
				keepPaths = append(keepPaths, p)
			}
			if p.SourceServerID != nil && !visited[*p.SourceServerID] {
				queue = append(queue, frontier{*p.SourceServerID, cur.depth + 1})
			}
			if !visited[p.TargetServerID] {
				queue = append(queue, frontier{p.TargetServerID, cur.depth + 1})
			}
		}
	}

	nodes, err := b.serverNodes(keysOf(visited))
	if err != nil {
		return nil, err
	}

	// Keep only edges whose endpoints both lie within depth hops.
	inRange := keepPaths[:0]
	for _, p := range keepPaths {
		if visited[p.TargetServerID] && (p.SourceServerID == nil || visited[*p.SourceServerID]) {
			inRange = append(inRange, p)
		}
	}

	var edges []Edge
	edges, err = b.pathEdges(inRange, edges)
	if err != nil {
		return nil, err
	}

	// Unreachable sources targeting any visited server.
	var unreachables []models.UnreachableSource
	if err := b.db.Where("target_server_id IN ? AND acknowledged = ?", keysOf(visited), false).
		Find(&unreachables).Error; err != nil {
		return nil, fmt.Errorf("failed to query unreachable sources: %w", err)
	}
	for _, ur := range unreachables {
		n := unreachableNode(ur)
		nodes[n.ID] = n
		edges = append(edges, Edge{
			ID:         fmt.Sprintf("ur-edge-%d", ur.ID),
			Source:     n.ID,
			Target:     serverNodeID(ur.TargetServerID),
			Label:      ur.Severity,
			Username:   ur.Username,
			EventCount: ur.EventCount,
			IsActive:   true,
		})
	}

	return response(nodes, edges), nil
}

// KeySubgraph returns every edge carrying a key plus incident nodes.
func (b *Builder) KeySubgraph(keyID uint) (*Response, error) {
	var paths []models.AccessPath
	if err := b.db.Where("ssh_key_id = ? AND is_active = ?", keyID, true).
		Find(&paths).Error; err != nil {
		return nil, fmt.Errorf("failed to query key paths: %w", err)
	}

	ids := map[uint]bool{}
	for _, p := range paths {
		ids[p.TargetServerID] = true
		if p.SourceServerID != nil {
			ids[*p.SourceServerID] = true
		}
	}

	nodes, err := b.serverNodes(keysOf(ids))
	if err != nil {
		return nil, err
	}

	var edges []Edge
	edges, err = b.pathEdges(paths, edges)
	if err != nil {
		return nil, err
	}

	return response(nodes, edges), nil
}

// FindPath runs a shortest-path BFS between two servers over active
// edges. Ties break on fewest hops first, then earliest first_seen_at
// along the candidate edge.
func (b *Builder) FindPath(fromID, toID uint) (*PathResponse, error) {
	paths, err := b.loadPaths(LayerAll)
	if err != nil {
		return nil, err
	}

	type link struct {
		to        uint
		firstSeen time.Time
	}
	adjacency := make(map[uint][]link)
	for _, p := range paths {
		if p.SourceServerID == nil {
			continue
		}
		adjacency[*p.SourceServerID] = append(adjacency[*p.SourceServerID],
			link{to: p.TargetServerID, firstSeen: p.FirstSeenAt})
	}
	// Deterministic expansion: earliest first_seen_at wins ties.
	for id := range adjacency {
		links := adjacency[id]
		sort.Slice(links, func(i, j int) bool { return links[i].firstSeen.Before(links[j].firstSeen) })
	}

	parent := map[uint]uint{}
	visited := map[uint]bool{fromID: true}
	queue := []uint{fromID}
	found := fromID == toID

	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]
		for _, l := range adjacency[cur] {
			if visited[l.to] {
				continue
			}
			visited[l.to] = true
			parent[l.to] = cur
			if l.to == toID {
				found = true
				break
			}
			queue = append(queue, l.to)
		}
	}

	var hops []uint
	if found {
		for cur := toID; ; cur = parent[cur] {
			hops = append([]uint{cur}, hops...)
			if cur == fromID {
				break
			}
		}
	}

	involved := map[uint]bool{}
	for _, id := range hops {
		involved[id] = true
	}

	nodes, err := b.serverNodes(keysOf(involved))
	if err != nil {
		return nil, err
	}

	var keep []models.AccessPath
	for _, p := range paths {
		if p.SourceServerID != nil && involved[*p.SourceServerID] && involved[p.TargetServerID] {
			keep = append(keep, p)
		}
	}
	var edges []Edge
	edges, err = b.pathEdges(keep, edges)
	if err != nil {
		return nil, err
	}

	var strPaths [][]string
	if found {
		strPath := make([]string, len(hops))
		for i, id := range hops {
			strPath[i] = serverNodeID(id)
		}
		strPaths = append(strPaths, strPath)
	}

	return &PathResponse{Paths: strPaths, Graph: response(nodes, edges)}, nil
}

func (b *Builder) loadPaths(layer string) ([]models.AccessPath, error) {
	q := b.db.Where("is_active = ?", true)
	switch layer {
	case LayerAuthorization:
		q = q.Where("is_authorized = ?", true)
	case LayerUsage:
		q = q.Where("is_used = ?", true)
	}

	var paths []models.AccessPath
	if err := q.Find(&paths).Error; err != nil {
		return nil, fmt.Errorf("failed to query access paths: %w", err)
	}
	return paths, nil
}

// pathEdges converts access paths to edges, resolving key types in one
// batched lookup.
func (b *Builder) pathEdges(paths []models.AccessPath, edges []Edge) ([]Edge, error) {
	keyIDs := map[uint]bool{}
	for _, p := range paths {
		if p.SSHKeyID != nil {
			keyIDs[*p.SSHKeyID] = true
		}
	}

	keyTypes := map[uint]string{}
	if len(keyIDs) > 0 {
		var keys []models.SSHKey
		if err := b.db.Select("id, key_type").Where("id IN ?", keysOf(keyIDs)).
			Find(&keys).Error; err != nil {
			return nil, fmt.Errorf("failed to query key types: %w", err)
		}
		for _, k := range keys {
			keyTypes[k.ID] = k.KeyType
		}
	}

	for _, p := range paths {
		if p.SourceServerID == nil {
			// Sourceless authorization placeholders have no drawable
			// source node; dormant keys still show via reports.
			continue
		}
		e := Edge{
			ID:           fmt.Sprintf("path-%d", p.ID),
			Source:       serverNodeID(*p.SourceServerID),
			Target:       serverNodeID(p.TargetServerID),
			Label:        p.Username,
			Username:     p.Username,
			EventCount:   p.EventCount,
			IsActive:     p.IsActive,
			IsAuthorized: p.IsAuthorized,
			IsUsed:       p.IsUsed,
		}
		if p.SSHKeyID != nil {
			e.KeyType = keyTypes[*p.SSHKeyID]
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// nodeCounters batches key and event counts per server.
func (b *Builder) nodeCounters() (map[uint]int, map[uint]int, error) {
	type row struct {
		ServerID uint
		Count    int
	}

	var keyRows []row
	if err := b.db.Model(&models.KeyLocation{}).
		Select("server_id, COUNT(*) as count").
		Group("server_id").Scan(&keyRows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to count key locations: %w", err)
	}

	keyCounts := make(map[uint]int, len(keyRows))
	for _, r := range keyRows {
		keyCounts[r.ServerID] = r.Count
	}

	type evRow struct {
		TargetServerID uint
		Count          int
	}
	var evRows []evRow
	if err := b.db.Model(&models.AccessEvent{}).
		Select("target_server_id, COUNT(*) as count").
		Group("target_server_id").Scan(&evRows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to count events: %w", err)
	}

	eventCounts := make(map[uint]int, len(evRows))
	for _, r := range evRows {
		eventCounts[r.TargetServerID] = r.Count
	}
	return keyCounts, eventCounts, nil
}

func (b *Builder) serverNodes(ids []uint) (map[string]Node, error) {
	nodes := make(map[string]Node)
	if len(ids) == 0 {
		return nodes, nil
	}

	var servers []models.Server
	if err := b.db.Where("id IN ?", ids).Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}

	keyCounts, eventCounts, err := b.nodeCounters()
	if err != nil {
		return nil, err
	}

	for _, s := range servers {
		n := serverNode(s)
		n.KeyCount = keyCounts[s.ID]
		n.EventCount = eventCounts[s.ID]
		nodes[n.ID] = n
	}
	return nodes, nil
}

func serverNode(s models.Server) Node {
	return Node{
		ID:          serverNodeID(s.ID),
		Label:       s.Hostname,
		Type:        "server",
		IPAddress:   s.IP,
		OSType:      s.OSType,
		IsReachable: s.IsReachable,
	}
}

func unreachableNode(ur models.UnreachableSource) Node {
	label := ur.ReverseDNS
	if label == "" {
		label = ur.SourceIP
	}
	return Node{
		ID:          fmt.Sprintf("unreachable-%d", ur.ID),
		Label:       label,
		Type:        "unreachable",
		IPAddress:   ur.SourceIP,
		IsReachable: false,
	}
}

func serverNodeID(id uint) string {
	return fmt.Sprintf("server-%d", id)
}

func response(nodes map[string]Node, edges []Edge) *Response {
	list := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return &Response{
		Nodes:     list,
		Edges:     edges,
		NodeCount: len(list),
		EdgeCount: len(edges),
	}
}

func keysOf(set map[uint]bool) []uint {
	out := make([]uint, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
