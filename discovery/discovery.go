// Package discovery browses mDNS/DNS-SD for printers on the local
// network. Discovered candidates are held for an operator to adopt;
// nothing here touches the control loop.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"printfarm/logger"
)

// serviceTypes covers the service names the supported printer vendors
// announce.
var serviceTypes = []string{
	"_bambu._tcp",
	"_prusalink._tcp",
	"_octoprint._tcp",
	"_printer._tcp",
}

// Candidate is one discovered printer-like host.
type Candidate struct {
	Instance string
	Host     string
	IP       string
	Port     int
	Service  string
	Model    string
	LastSeen time.Time
}

// Browser runs the background browse and keeps the candidate set.
type Browser struct {
	log *logger.Logger

	mu   sync.Mutex
	seen map[string]Candidate
	now  func() time.Time
}

func New(log *logger.Logger) *Browser {
	return &Browser{log: log, seen: make(map[string]Candidate), now: time.Now}
}

// Run starts one browse goroutine per service type. Each runs until the
// context is canceled; the caller does not wait on them.
func (b *Browser) Run(ctx context.Context) {
	for _, st := range serviceTypes {
		go b.browse(ctx, st)
	}
}

func (b *Browser) browse(ctx context.Context, serviceType string) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		b.log.Warn("mdns resolver unavailable", "service", serviceType, "error", err)
		return
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				b.record(serviceType, e)
			}
		}
	}()
	b.log.Debug("mdns browse started", "service", serviceType)
	// Browse blocks until ctx is done and then closes entries.
	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		b.log.Warn("mdns browse failed", "service", serviceType, "error", err)
	}
}

// record folds a service entry into the candidate set, keyed by IP so
// repeated announcements refresh rather than duplicate.
func (b *Browser) record(serviceType string, e *zeroconf.ServiceEntry) {
	if e == nil || len(e.AddrIPv4) == 0 {
		return
	}
	model := txtValue(e.Text, "model")
	for _, ip := range e.AddrIPv4 {
		c := Candidate{
			Instance: e.Instance,
			Host:     e.HostName,
			IP:       ip.String(),
			Port:     e.Port,
			Service:  serviceType,
			Model:    model,
			LastSeen: b.now(),
		}
		b.mu.Lock()
		if _, known := b.seen[c.IP]; !known {
			b.log.Info("printer candidate discovered",
				"ip", c.IP, "instance", c.Instance, "service", serviceType, "model", model)
		}
		b.seen[c.IP] = c
		b.mu.Unlock()
	}
}

// Candidates returns the current set, ordered by IP for stable listing.
func (b *Browser) Candidates() []Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Candidate, 0, len(b.seen))
	for _, c := range b.seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Forget drops a candidate, typically after adoption.
func (b *Browser) Forget(ip string) {
	b.mu.Lock()
	delete(b.seen, ip)
	b.mu.Unlock()
}

// txtValue pulls one key=value pair out of a TXT record set.
func txtValue(txt []string, key string) string {
	prefix := key + "="
	for _, kv := range txt {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}
