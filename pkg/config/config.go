// Package config defines the enumerated configuration record shared by the
// coordinator and node-agent binaries, loaded from environment variables the
// way pkg/fleet/store_postgres.go's PostgresConfig does with `env:` tags.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RelayProtocol is the scheme the relay endpoint is advertised under.
type RelayProtocol string

const (
	RelayWS  RelayProtocol = "ws"
	RelayWSS RelayProtocol = "wss"
)

// Coordinator is the enumerated configuration record for the coordinator
// process (§6, §9 of the specification).
type Coordinator struct {
	ServerPort   int    `env:"SERVER_PORT" envDefault:"8080"`
	ServerHost   string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	RelayHost    string `env:"RELAY_HOST" envDefault:"localhost"`
	RelayPort    int    `env:"RELAY_PORT" envDefault:"8080"`
	RelayProtocol RelayProtocol `env:"RELAY_PROTOCOL" envDefault:"ws"`
	WireguardPort int   `env:"WIREGUARD_PORT" envDefault:"51820"`
	NodeAPIPort   int   `env:"NODE_API_PORT" envDefault:"9000"`
	DefaultNodeAPIURL string `env:"DEFAULT_NODE_API_URL"`
	BosonServerURL    string `env:"BOSON_SERVER_URL"`
	ServerPublicIP    string `env:"SERVER_PUBLIC_IP"`
	ServerHostname    string `env:"SERVER_HOSTNAME"`
	STUNHost string `env:"STUN_HOST" envDefault:"stun.l.google.com"`
	STUNPort int    `env:"STUN_PORT" envDefault:"19302"`
	LogDir   string `env:"LOG_DIR"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`

	// Durable store selection (§1: abstracted behind Store/Cache; backend
	// selection itself is an operational concern carried in config).
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"` // memory|sqlite|postgres
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"boson.db"`
	PGHost       string `env:"BOSON_PG_HOST"`
	PGPort       int    `env:"BOSON_PG_PORT" envDefault:"5432"`
	PGUser       string `env:"BOSON_PG_USER"`
	PGPassword   string `env:"BOSON_PG_PASSWORD"`
	PGDatabase   string `env:"BOSON_PG_DATABASE"`
	PGSSLMode    string `env:"BOSON_PG_SSLMODE" envDefault:"require"`

	HeartbeatIntervalOnline   time.Duration `envDefault:"30s"`
	HeartbeatIntervalDegraded time.Duration `envDefault:"10s"`
	OfflineThreshold          time.Duration `env:"OFFLINE_THRESHOLD" envDefault:"2m"`
	RemoveThreshold           time.Duration `env:"REMOVE_THRESHOLD" envDefault:"10m"`
	RouteTTL                  time.Duration `env:"ROUTE_TTL" envDefault:"1h"`
	SessionTTL                time.Duration `env:"SESSION_TTL" envDefault:"1h"`

	CacheTTLNode    time.Duration `envDefault:"60s"`
	CacheTTLSession time.Duration `envDefault:"3600s"`

	SweepIntervalRegistry time.Duration `envDefault:"60s"`
	SweepIntervalSessions time.Duration `envDefault:"300s"`
	UDPSessionTimeout     time.Duration `envDefault:"300s"`

	WSBatchMax        int `envDefault:"10"`
	WSBatchWindowMS   int `envDefault:"10"`
	WSHeartbeatPeriod time.Duration `envDefault:"30s"`
	WSWriterQueueDepth int `envDefault:"1024"`

	HTTPClientTimeout time.Duration `envDefault:"5s"`
	TCPConnectTimeout time.Duration `envDefault:"10s"`
	STUNTimeout       time.Duration `envDefault:"5s"`

	// mTLS node authentication (§6); falls back to the Bearer token issued at
	// registration (see pkg/api/auth.go) when unset.
	MTLSEnabled           bool   `env:"MTLS_ENABLED" envDefault:"false"`
	MTLSCACertFile        string `env:"MTLS_CA_CERT_FILE"`
	MTLSServerCertFile    string `env:"MTLS_SERVER_CERT_FILE"`
	MTLSServerKeyFile     string `env:"MTLS_SERVER_KEY_FILE"`
	MTLSRequireClientCert bool   `env:"MTLS_REQUIRE_CLIENT_CERT" envDefault:"false"`
}

// NodeAgent is the enumerated configuration record for the node-agent
// process.
type NodeAgent struct {
	NodeID      string `env:"NODE_ID"`
	Coordinator string `env:"COORDINATOR_URL,required,notEmpty"`
	RelayProtocol RelayProtocol `env:"RELAY_PROTOCOL" envDefault:"ws"`

	STUNServers []string `env:"STUN_SERVERS" envSeparator:"," envDefault:"stun.l.google.com:19302"`

	HeartbeatInterval time.Duration `envDefault:"30s"`
	ReconnectBaseDelay time.Duration `envDefault:"5s"`
	ReconnectMaxAttempts int `envDefault:"10"`
	RegisterBackoffMin time.Duration `envDefault:"10s"`
	RegisterBackoffMax time.Duration `envDefault:"60s"`

	HealthCheckInterval       time.Duration `envDefault:"30s"`
	HealthCheckFailThreshold  int           `envDefault:"3"`

	TCPConnectTimeout     time.Duration `envDefault:"10s"`
	ConnTableSweepPeriod  time.Duration `envDefault:"1m"`
	ConnTableIdleTimeout  time.Duration `envDefault:"5m"`

	ShutdownTimeout time.Duration `envDefault:"10s"`

	APIMode bool `envDefault:"true"` // WG interface recovery skipped in API-mode (§4.8 step 7)

	// mTLS client identity presented to the Coordinator (§6); when unset the
	// Node's requests carry no credentials (the node-agent does not keep or
	// send the token returned by registration).
	MTLSEnabled        bool   `env:"MTLS_ENABLED" envDefault:"false"`
	MTLSCACertFile     string `env:"MTLS_CA_CERT_FILE"`
	MTLSClientCertFile string `env:"MTLS_CLIENT_CERT_FILE"`
	MTLSClientKeyFile  string `env:"MTLS_CLIENT_KEY_FILE"`
}

// LoadCoordinator populates a Coordinator config from the process environment.
func LoadCoordinator() (*Coordinator, error) {
	cfg := &Coordinator{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse coordinator config: %w", err)
	}
	return cfg, nil
}

// LoadNodeAgent populates a NodeAgent config from the process environment.
func LoadNodeAgent() (*NodeAgent, error) {
	cfg := &NodeAgent{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse node-agent config: %w", err)
	}
	return cfg, nil
}

// RelayEndpoint returns the ws(s)://host:port base the relay is reachable at.
func (c *Coordinator) RelayEndpoint() string {
	return fmt.Sprintf("%s://%s:%d", c.RelayProtocol, c.RelayHost, c.RelayPort)
}
