// Package discovery advertises a server on the local network over mDNS and
// finds other servers sharing the same service type.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_lattice-collab._tcp"
	domain         = "local."
)

type Config struct {
	// Instance defaults to "lattice-collab-<hostname>".
	Instance string
	Service  string
	Port     int

	// Namespace pattern and store driver are published as TXT records so
	// peers can tell compatible servers apart.
	NamespacePattern string
	Store            string
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		c.Instance = fmt.Sprintf("lattice-collab-%s", host)
	}
	return c
}

func (c Config) txt() []string {
	txt := []string{"txtv=1"}
	if c.Store != "" {
		txt = append(txt, "store="+c.Store)
	}
	if c.NamespacePattern != "" {
		txt = append(txt, "ns="+c.NamespacePattern)
	}
	return txt
}

// Announcer is a registered service. Shutdown withdraws it.
type Announcer struct {
	server *zeroconf.Server
	logger *slog.Logger
}

func Announce(cfg Config, logger *slog.Logger) (*Announcer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("mdns: invalid port %d", cfg.Port)
	}

	server, err := zeroconf.Register(cfg.Instance, cfg.Service, domain, cfg.Port, cfg.txt(), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mdns service registered", "instance", cfg.Instance, "service", cfg.Service, "port", cfg.Port)
	return &Announcer{server: server, logger: logger}, nil
}

func (a *Announcer) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("mdns service withdrawn")
}

// Peer is a discovered server.
type Peer struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Addrs    []string `json:"addrs"`
	Port     int      `json:"port"`
	Text     []string `json:"text,omitempty"`
}

func peerFromEntry(e *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Text:     e.Text,
	}
	for _, ip := range e.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	return p
}

// Address returns host:port of the first known address.
func (p Peer) Address() string {
	host := p.Host
	if len(p.Addrs) > 0 {
		host = p.Addrs[0]
	}
	return net.JoinHostPort(host, fmt.Sprint(p.Port))
}

// Browse collects peers until ctx is done.
func Browse(ctx context.Context, service string) ([]Peer, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Peer, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		seen := make(map[string]Peer)
		defer func() { done <- sortedPeers(seen) }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-results:
				if !ok {
					return
				}
				seen[entry.Instance] = peerFromEntry(entry)
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	return <-done, nil
}

func sortedPeers(seen map[string]Peer) []Peer {
	peers := make([]Peer, 0, len(seen))
	for _, p := range seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
	return peers
}
