// Package boson defines the shared domain model for the overlay control
// plane: Nodes, Routes, Sessions, and the network/capability descriptors
// exchanged between Clients, Nodes, and the Coordinator.
//
// Types here are intentionally plain data — behavior lives in the packages
// that own a given entity's lifecycle (registry, routing, session).
package boson

import (
	"encoding/json"
	"time"
)

// NodeID uniquely identifies an egress gateway.
type NodeID string

// ClientID uniquely identifies a VPN client endpoint.
type ClientID string

// SessionID uniquely identifies a bounded Client↔Node binding.
type SessionID string

// RouteID uniquely identifies a materialized route plan.
type RouteID string

// NATType classifies how a peer's NAT maps outbound connections, which
// determines whether a direct (non-relayed) path is feasible.
type NATType string

const (
	NATFullCone       NATType = "FullCone"
	NATRestrictedCone NATType = "RestrictedCone"
	NATPortRestricted NATType = "PortRestricted"
	NATSymmetric      NATType = "Symmetric"
)

// NodeStatus is the operational state of a registered Node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeDegraded NodeStatus = "degraded"
	NodeOffline  NodeStatus = "offline"
)

// RouteType distinguishes how traffic flows between Client and Node.
type RouteType string

const (
	RouteDirect  RouteType = "direct"
	RouteRelay   RouteType = "relay"
	RouteCascade RouteType = "cascade"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
	SessionError  SessionStatus = "error"
)

// NetworkInfo describes a Node's reachability as observed at registration
// and refreshed by NAT probing.
type NetworkInfo struct {
	IPv4            string  `json:"ipv4"`
	IPv6            string  `json:"ipv6,omitempty"`
	NATType         NATType `json:"nat_type"`
	STUNMappedAddr  string  `json:"stun_mapped_addr,omitempty"`
	LocalPort       int     `json:"local_port"`
	PublicIP        string  `json:"public_ip,omitempty"`
}

// ClientNetworkInfo is the subset of NetworkInfo a Client presents on a
// routing request — it never has a local_port or a registered public_ip.
type ClientNetworkInfo struct {
	IPv4               string  `json:"ipv4"`
	NATType            NATType `json:"nat_type"`
	STUNMappedAddress  string  `json:"stun_mapped_address,omitempty"`
}

// Capabilities advertises what a Node can do and how much of it.
type Capabilities struct {
	MaxConnections int  `json:"max_connections"`
	BandwidthUp    int  `json:"bandwidth_up"`
	BandwidthDown  int  `json:"bandwidth_down"`
	Routing        bool `json:"routing"`
	Natting        bool `json:"natting"`
}

// Location is the advertised or geo-resolved position of a Node.
type Location struct {
	Country string   `json:"country"` // ISO-2
	Region  string   `json:"region,omitempty"`
	Coords  *LatLong `json:"coords,omitempty"`
}

// LatLong is a WGS84 coordinate pair.
type LatLong struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Node is an egress gateway registered with the Coordinator.
type Node struct {
	ID            NodeID       `json:"node_id"`
	PublicKey     string       `json:"public_key"`
	NetworkInfo   NetworkInfo  `json:"network_info"`
	Capabilities  Capabilities `json:"capabilities"`
	Location      Location     `json:"location"`
	Status        NodeStatus   `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// Route is an ephemeral path plan produced by route selection, not a live
// connection.
type Route struct {
	ID                RouteID   `json:"id"`
	Type              RouteType `json:"type"`
	Path              []NodeID  `json:"path"`
	EstimatedLatency  int       `json:"estimated_latency"`
	EstimatedBandwidth int      `json:"estimated_bandwidth"`
	Cost              int       `json:"cost"`
	Priority          int       `json:"priority"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Session binds one Client to one Node for a bounded lifetime.
type Session struct {
	ID            SessionID     `json:"session_id"`
	NodeID        NodeID        `json:"node_id"`
	ClientID      ClientID      `json:"client_id"`
	RouteID       RouteID       `json:"route_id,omitempty"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	RelayEndpoint string        `json:"relay_endpoint,omitempty"`
}

// HeartbeatPayload is the metrics snapshot a Node reports on each heartbeat.
type HeartbeatPayload struct {
	CPUUsage    float64         `json:"cpu_usage,omitempty"`
	MemoryUsage float64         `json:"memory_usage,omitempty"`
	PacketLoss  float64         `json:"packet_loss,omitempty"`
	Status      NodeStatus      `json:"status,omitempty"` // explicit override, if supplied
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// RequirementFilter narrows candidate Nodes during route selection.
type RequirementFilter struct {
	MinBandwidth       int    `json:"min_bandwidth,omitempty"`
	PreferredCountry   string `json:"preferred_country,omitempty"`
	PreferredLocation  string `json:"preferred_location,omitempty"`
}
