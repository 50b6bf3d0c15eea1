// Package routing implements LoadBalancer + RouteSelector (C4): scoring
// candidate Nodes, applying requirement filters, and materializing a direct
// or relay Route for a Client. Structured along the same filter/pick shape
// as pkg/fleet/types.go's TargetSelector.Resolve.
package routing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bosonmesh/overlay/pkg/boson"
	"github.com/bosonmesh/overlay/pkg/bosonerr"
	"github.com/bosonmesh/overlay/pkg/registry"
)

const (
	directLatency   = 50
	relayLatency    = 100
	directCost      = 1
	relayCost       = 2
	directPriority  = 100
	relayPriority   = 50
	relayBandwidthCap = 100
	routeTTLDefault = time.Hour
)

// Request is a route selection request, §5 of the specification.
type Request struct {
	ClientID     boson.ClientID
	ClientNet    boson.ClientNetworkInfo
	TargetNodeID boson.NodeID // optional
	Filter       boson.RequirementFilter
}

// Selector is the LoadBalancer + RouteSelector component.
type Selector struct {
	registry *registry.Registry
	routeTTL time.Duration
}

// New builds a Selector over reg.
func New(reg *registry.Registry, routeTTL time.Duration) *Selector {
	if routeTTL <= 0 {
		routeTTL = routeTTLDefault
	}
	return &Selector{registry: reg, routeTTL: routeTTL}
}

// score computes the per-Node score: 100 base, -20 if degraded, plus
// bandwidth and capacity bonuses.
func score(n *boson.Node) int {
	s := 100
	if n.Status == boson.NodeDegraded {
		s -= 20
	}
	if bw := n.Capabilities.BandwidthDown / 100; bw < 50 {
		s += bw
	} else {
		s += 50
	}
	if cap := n.Capabilities.MaxConnections / 10; cap < 30 {
		s += cap
	} else {
		s += 30
	}
	return s
}

func matchesFilter(n *boson.Node, f boson.RequirementFilter) bool {
	if f.MinBandwidth > 0 && n.Capabilities.BandwidthDown < f.MinBandwidth {
		return false
	}
	if f.PreferredCountry != "" && n.Location.Country != f.PreferredCountry {
		return false
	}
	if f.PreferredLocation != "" && n.Location.Region != f.PreferredLocation {
		return false
	}
	return true
}

// directFeasible implements the NAT feasibility rule: infeasible only when
// both Client and Node NAT are Symmetric.
func directFeasible(client boson.ClientNetworkInfo, node *boson.Node) bool {
	if client.NATType == boson.NATSymmetric && node.NetworkInfo.NATType == boson.NATSymmetric {
		return false
	}
	return true
}

// Select runs the full scoring/filtering/selection pipeline and returns a
// materialized Route.
func (s *Selector) Select(ctx context.Context, req Request) (*boson.Route, error) {
	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, bosonerr.New(bosonerr.Unavailable, "no-nodes")
	}

	candidates := filterCandidates(active, req.Filter)

	// (a) explicit target, if direct-feasible.
	if req.TargetNodeID != "" {
		for _, n := range candidates {
			if n.ID == req.TargetNodeID && directFeasible(req.ClientNet, n) {
				return s.buildRoute(boson.RouteDirect, n), nil
			}
		}
	}

	// (b) highest-scored, freshness tie-break.
	best := pickBest(candidates)
	if best == nil {
		return nil, bosonerr.New(bosonerr.Unavailable, "no-suitable-route")
	}

	// (c) direct if feasible, else relay.
	if directFeasible(req.ClientNet, best) {
		return s.buildRoute(boson.RouteDirect, best), nil
	}
	return s.buildRoute(boson.RouteRelay, best), nil
}

func filterCandidates(nodes []*boson.Node, f boson.RequirementFilter) []*boson.Node {
	var filtered []*boson.Node
	for _, n := range nodes {
		if matchesFilter(n, f) {
			filtered = append(filtered, n)
		}
	}
	if len(filtered) == 0 {
		return nodes // empty filter result falls back to the unfiltered set.
	}
	return filtered
}

func pickBest(nodes []*boson.Node) *boson.Node {
	var best *boson.Node
	bestScore := -1
	for _, n := range nodes {
		sc := score(n)
		if sc > bestScore || (sc == bestScore && best != nil && n.LastHeartbeat.After(best.LastHeartbeat)) {
			best = n
			bestScore = sc
		}
	}
	return best
}

func (s *Selector) buildRoute(kind boson.RouteType, n *boson.Node) *boson.Route {
	r := &boson.Route{
		ID:        boson.RouteID(uuid.NewString()),
		Type:      kind,
		Path:      []boson.NodeID{n.ID},
		ExpiresAt: time.Now().Add(s.routeTTL),
	}
	switch kind {
	case boson.RouteDirect:
		r.EstimatedLatency = directLatency
		r.EstimatedBandwidth = n.Capabilities.BandwidthDown
		r.Cost = directCost
		r.Priority = directPriority
	case boson.RouteRelay:
		r.EstimatedLatency = relayLatency
		r.EstimatedBandwidth = min(n.Capabilities.BandwidthDown, relayBandwidthCap)
		r.Cost = relayCost
		r.Priority = relayPriority
	}
	return r
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
