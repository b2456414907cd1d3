package release

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/fly-io/pkgupdate/pkg/errors"
)

// Prober reports whether the network can reach host ("name:port").
type Prober interface {
	Reachable(ctx context.Context, host string) bool
}

// DialProber probes with a plain TCP connect.
type DialProber struct {
	Timeout time.Duration
}

// Reachable opens and immediately closes a TCP connection to host.
func (p DialProber) Reachable(ctx context.Context, host string) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", withDefaultPort(host))
	if err != nil {
		slog.Warn("probe_failed", "host", host, "error", err)
		return false
	}
	conn.Close()
	return true
}

// ProbeHosts tries hosts in order and succeeds on the first reachable one.
func ProbeHosts(ctx context.Context, p Prober, hosts []string) error {
	if len(hosts) == 0 {
		return errors.Newf(errors.KindNetwork, "probe", "no probe hosts configured")
	}
	for _, h := range hosts {
		if p.Reachable(ctx, h) {
			slog.Info("probe_ok", "host", h)
			return nil
		}
	}
	slog.Error("probe_all_failed", "hosts", strings.Join(hosts, ","))
	return errors.Newf(errors.KindNetwork, "probe", "no network: %s unreachable", strings.Join(hosts, ", "))
}

func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "443")
}
