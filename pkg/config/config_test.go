package config

import (
	"testing"
	"time"
)

func TestLoadCoordinatorAppliesDefaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "")
	cfg, err := LoadCoordinator()
	if err != nil {
		t.Fatalf("LoadCoordinator: %v", err)
	}
	if cfg.ServerPort != 8080 {
		t.Fatalf("expected default server port 8080, got %d", cfg.ServerPort)
	}
	if cfg.RelayProtocol != RelayWS {
		t.Fatalf("expected default relay protocol ws, got %v", cfg.RelayProtocol)
	}
	if cfg.MTLSEnabled {
		t.Fatal("expected mTLS disabled by default")
	}
}

func TestLoadCoordinatorReadsOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("MTLS_ENABLED", "true")
	cfg, err := LoadCoordinator()
	if err != nil {
		t.Fatalf("LoadCoordinator: %v", err)
	}
	if cfg.ServerPort != 9999 {
		t.Fatalf("expected overridden port 9999, got %d", cfg.ServerPort)
	}
	if !cfg.MTLSEnabled {
		t.Fatal("expected mTLS enabled via env override")
	}
}

func TestLoadNodeAgentRequiresCoordinatorURL(t *testing.T) {
	t.Setenv("COORDINATOR_URL", "")
	if _, err := LoadNodeAgent(); err == nil {
		t.Fatal("expected error when COORDINATOR_URL is unset")
	}
}

func TestLoadNodeAgentParsesSTUNServerList(t *testing.T) {
	t.Setenv("COORDINATOR_URL", "https://coordinator.example")
	t.Setenv("STUN_SERVERS", "a.example:19302,b.example:19302")
	cfg, err := LoadNodeAgent()
	if err != nil {
		t.Fatalf("LoadNodeAgent: %v", err)
	}
	if len(cfg.STUNServers) != 2 || cfg.STUNServers[0] != "a.example:19302" {
		t.Fatalf("expected 2 parsed STUN servers, got %v", cfg.STUNServers)
	}
}

func TestRelayEndpointFormatsSchemeHostPort(t *testing.T) {
	cfg := &Coordinator{RelayProtocol: RelayWSS, RelayHost: "relay.example", RelayPort: 443}
	if got, want := cfg.RelayEndpoint(), "wss://relay.example:443"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestHeartbeatIntervalDefaultsAreNonZero(t *testing.T) {
	t.Setenv("COORDINATOR_URL", "https://coordinator.example")
	cfg, err := LoadNodeAgent()
	if err != nil {
		t.Fatalf("LoadNodeAgent: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected 30s default heartbeat interval, got %v", cfg.HeartbeatInterval)
	}
}
