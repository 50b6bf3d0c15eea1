// Package natctl enables OS-level NAT/forwarding on the Node's physical
// interface (§4.8 step 3): IP forwarding plus an iptables MASQUERADE rule,
// invoked as the external commands a non-containerized Node-Agent would
// shell out to. Platform specific to Linux; API-mode Nodes skip this
// entirely (see pkg/nodeagent.New's nil NATEnabler).
package natctl

import (
	"context"
	"fmt"
	"os/exec"
)

// Enabler runs the Linux NAT-enable sequence for one egress interface.
type Enabler struct {
	Interface string
}

// New builds an Enabler for the named egress interface (e.g. "eth0").
func New(iface string) *Enabler {
	return &Enabler{Interface: iface}
}

// Enable turns on IPv4 forwarding and installs a MASQUERADE rule for the
// configured interface. Failure here is fatal to Node-Agent startup (§4.8).
func (e *Enabler) Enable(ctx context.Context) error {
	if err := run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	if err := run(ctx, "iptables", "-t", "nat", "-C", "POSTROUTING", "-o", e.Interface, "-j", "MASQUERADE"); err != nil {
		if err := run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "-o", e.Interface, "-j", "MASQUERADE"); err != nil {
			return fmt.Errorf("install masquerade rule: %w", err)
		}
	}
	return nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}
