// Package probe performs lightweight reachability checks against scan
// targets: TCP connects to well-known service ports, turned into
// service-category fingerprints that supplement the HTTP-derived ones.
// Probe failures are silent; a closed port simply contributes nothing.
package probe

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/vulnscan/pkg/types"
)

// wellKnownPorts maps probed ports to the service name inferred from an
// open connect. Port-based inference only, so confidence stays below the
// pattern-matched fingerprints.
var wellKnownPorts = map[int]string{
	21:    "ftp",
	22:    "ssh",
	25:    "smtp",
	3306:  "mysql",
	3389:  "rdp",
	5432:  "postgresql",
	6379:  "redis",
	9200:  "elasticsearch",
	27017: "mongodb",
}

// ServiceProber probes a target's well-known service ports concurrently.
type ServiceProber struct {
	Ports   map[int]string
	Timeout time.Duration
}

// NewServiceProber returns a prober over the default well-known port set.
func NewServiceProber(timeout time.Duration) *ServiceProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ServiceProber{Ports: wellKnownPorts, Timeout: timeout}
}

// Services probes every configured port on target and returns a
// service-category fingerprint per open port.
func (p *ServiceProber) Services(ctx context.Context, target string) []types.Fingerprint {
	var (
		mu  sync.Mutex
		out []types.Fingerprint
		wg  sync.WaitGroup
	)

	for port, service := range p.Ports {
		wg.Add(1)
		go func(port int, service string) {
			defer wg.Done()
			if !p.dial(ctx, net.JoinHostPort(target, strconv.Itoa(port))) {
				return
			}
			mu.Lock()
			out = append(out, types.Fingerprint{
				Category:   types.CategoryService,
				Name:       service,
				Tags:       []string{"open-port"},
				Confidence: 0.5,
			})
			mu.Unlock()
		}(port, service)
	}
	wg.Wait()
	return out
}

// dial reports whether a TCP connect to addr succeeds within the
// prober's timeout. The connection itself is discarded; an accepted
// handshake is the only signal wanted.
func (p *ServiceProber) dial(ctx context.Context, addr string) bool {
	dialer := &net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
