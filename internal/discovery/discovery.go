/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package discovery resolves cluster peers three ways — a static comma
separated CLUSTER_NODES list, mDNS service discovery for same-LAN demo
clusters, and DNS SRV lookups for operator-managed clusters — and converges
all three on the same PeerRecord shape the transport's AddPeer/RemovePeer
consume.
*/
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"

	derrors "distsync/internal/errors"
	"distsync/internal/logging"
	"distsync/internal/transport"
)

// Mode selects which resolver Service uses.
type Mode string

const (
	ModeStatic Mode = "static"
	ModeMDNS   Mode = "mdns"
	ModeDNS    Mode = "dns"
)

// serviceName is the mDNS/SRV service identifier advertised and queried for
// distsync nodes.
const serviceName = "_distsync._tcp"

// PeerRecord is one discovered peer, regardless of which resolver found it.
type PeerRecord struct {
	NodeID   string
	Addr     string
	Via      Mode
	LastSeen time.Time
}

// Config controls Service's resolution mode and polling cadence.
type Config struct {
	Mode Mode

	NodeID   string
	SelfAddr string // host:port this node listens on, excluded from results

	// StaticPeers is the parsed CLUSTER_NODES list (host:port strings),
	// used when Mode == ModeStatic.
	StaticPeers []string

	// Domain is the mDNS domain or DNS zone peers are discovered under.
	Domain string

	// PollInterval governs how often mdns/dns resolution re-runs to pick up
	// peer churn; static mode resolves once at Start.
	PollInterval time.Duration
}

// DefaultConfig returns poll cadence defaults; callers must still set Mode,
// NodeID, SelfAddr, and StaticPeers/Domain for their chosen mode.
func DefaultConfig() Config {
	return Config{Mode: ModeStatic, PollInterval: 10 * time.Second}
}

// Service periodically resolves peers via its configured Mode and mirrors
// additions/removals into a *transport.Transport.
type Service struct {
	cfg Config
	tr  *transport.Transport
	log *logging.Logger

	mdnsServer *mdns.Server

	mu    sync.Mutex
	known map[string]PeerRecord // nodeID -> record

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Service bound to tr; tr.AddPeer/RemovePeer is called as
// peers come and go.
func New(cfg Config, tr *transport.Transport, log *logging.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Service{cfg: cfg, tr: tr, log: log, known: make(map[string]PeerRecord), stopCh: make(chan struct{})}
}

// Start resolves peers once and, for mdns/dns modes, launches a background
// loop that re-resolves every PollInterval and advertises this node over
// mDNS.
func (s *Service) Start() error {
	switch s.cfg.Mode {
	case ModeStatic, "":
		return s.resolveOnce()
	case ModeMDNS:
		if err := s.advertiseMDNS(); err != nil {
			return derrors.DiscoveryFailed("mdns", err)
		}
		s.wg.Add(1)
		go s.pollLoop()
		return nil
	case ModeDNS:
		s.wg.Add(1)
		go s.pollLoop()
		return nil
	default:
		return derrors.DiscoveryFailed(string(s.cfg.Mode), fmt.Errorf("unknown discovery mode"))
	}
}

// Stop halts the poll loop and, for mdns mode, withdraws this node's
// service advertisement.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
	}
}

// Peers returns a snapshot of every peer currently known.
func (s *Service) Peers() []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerRecord, 0, len(s.known))
	for _, p := range s.known {
		out = append(out, p)
	}
	return out
}

func (s *Service) resolveOnce() error {
	records, err := ResolveStatic(s.cfg.NodeID, s.cfg.SelfAddr, s.cfg.StaticPeers)
	if err != nil {
		return derrors.DiscoveryFailed("static", err)
	}
	s.reconcile(records)
	return nil
}

func (s *Service) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollOnce()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Service) pollOnce() {
	var records []PeerRecord
	var err error
	switch s.cfg.Mode {
	case ModeMDNS:
		records, err = ResolveMDNS(s.cfg.SelfAddr, s.cfg.PollInterval/2)
	case ModeDNS:
		records, err = ResolveDNS(s.cfg.Domain, s.cfg.SelfAddr)
	}
	if err != nil {
		s.log.Warn("discovery poll failed", "mode", string(s.cfg.Mode), "error", err.Error())
		return
	}
	s.reconcile(records)
}

// reconcile adds newly seen peers to the transport and prunes ones no
// longer reported, per PeerRecord. Consensus membership is unaffected —
// only the transport's connection table changes.
func (s *Service) reconcile(records []PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.NodeID] = true
		if existing, ok := s.known[rec.NodeID]; ok && existing.Addr == rec.Addr {
			existing.LastSeen = rec.LastSeen
			s.known[rec.NodeID] = existing
			continue
		}
		if err := s.tr.AddPeer(rec.NodeID, rec.Addr); err != nil {
			s.log.Warn("failed to add discovered peer", "node_id", rec.NodeID, "addr", rec.Addr, "error", err.Error())
			continue
		}
		s.known[rec.NodeID] = rec
		s.log.Info("discovered peer", "node_id", rec.NodeID, "addr", rec.Addr, "via", string(rec.Via))
	}
	for id := range s.known {
		if !seen[id] {
			s.tr.RemovePeer(id)
			delete(s.known, id)
			s.log.Info("peer no longer reported, removed", "node_id", id)
		}
	}
}

// ResolveStatic parses a CLUSTER_NODES-style comma separated host:port
// list, deriving each peer's node id from the host's first dot-separated
// component (matching the original system's container-name convention),
// and excluding selfAddr.
func ResolveStatic(selfNodeID, selfAddr string, nodes []string) ([]PeerRecord, error) {
	now := time.Now()
	var out []PeerRecord
	for _, raw := range nodes {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		if addr == selfAddr {
			continue
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid cluster node address %q: %w", addr, err)
		}
		nodeID := strings.SplitN(host, ".", 2)[0]
		if nodeID == selfNodeID {
			continue
		}
		out = append(out, PeerRecord{NodeID: nodeID, Addr: addr, Via: ModeStatic, LastSeen: now})
	}
	return out, nil
}

// advertiseMDNS registers this node's address under serviceName so peers
// running ResolveMDNS can find it.
func (s *Service) advertiseMDNS() error {
	host, portStr, err := net.SplitHostPort(s.cfg.SelfAddr)
	if err != nil {
		return fmt.Errorf("invalid self address %q: %w", s.cfg.SelfAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid self port %q: %w", portStr, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		ips = []net.IP{net.ParseIP("127.0.0.1")}
	}

	info := []string{"node_id=" + s.cfg.NodeID}
	svc, err := mdns.NewMDNSService(s.cfg.NodeID, serviceName, s.cfg.Domain, "", port, ips, info)
	if err != nil {
		return fmt.Errorf("build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("start mdns server: %w", err)
	}
	s.mdnsServer = server
	return nil
}

// ResolveMDNS browses serviceName for timeout and returns every responder
// other than selfAddr.
func ResolveMDNS(selfAddr string, timeout time.Duration) ([]PeerRecord, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	entriesCh := make(chan *mdns.ServiceEntry, 32)
	done := make(chan []PeerRecord, 1)

	go func() {
		now := time.Now()
		var out []PeerRecord
		for entry := range entriesCh {
			host := entry.Host
			if entry.AddrV4 != nil {
				host = entry.AddrV4.String()
			}
			addr := net.JoinHostPort(host, strconv.Itoa(entry.Port))
			if addr == selfAddr {
				continue
			}
			nodeID := entry.Name
			for _, field := range entry.InfoFields {
				if strings.HasPrefix(field, "node_id=") {
					nodeID = strings.TrimPrefix(field, "node_id=")
				}
			}
			out = append(out, PeerRecord{NodeID: nodeID, Addr: addr, Via: ModeMDNS, LastSeen: now})
		}
		done <- out
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service: serviceName,
		Timeout: timeout,
		Entries: entriesCh,
	})
	close(entriesCh)
	if err != nil {
		return nil, err
	}
	return <-done, nil
}

// ResolveDNS performs an SRV lookup of serviceName.domain and resolves each
// target's A record, returning every peer other than selfAddr.
func ResolveDNS(domain, selfAddr string) ([]PeerRecord, error) {
	if domain == "" {
		return nil, fmt.Errorf("dns discovery requires a non-empty domain")
	}
	now := time.Now()

	_, srvRecords, err := net.LookupSRV("distsync", "tcp", domain)
	if err == nil && len(srvRecords) > 0 {
		var out []PeerRecord
		for _, srv := range srvRecords {
			target := strings.TrimSuffix(srv.Target, ".")
			addr := net.JoinHostPort(target, strconv.Itoa(int(srv.Port)))
			if addr == selfAddr {
				continue
			}
			nodeID := strings.SplitN(target, ".", 2)[0]
			out = append(out, PeerRecord{NodeID: nodeID, Addr: addr, Via: ModeDNS, LastSeen: now})
		}
		return out, nil
	}

	// Fall back to a manual SRV query via miekg/dns against the system
	// resolver, for environments where net.LookupSRV's cgo resolver is
	// unavailable or sandboxed.
	client := new(dns.Client)
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fmt.Sprintf("_distsync._tcp.%s", domain)), dns.TypeSRV)
	conf, cerr := dns.ClientConfigFromFile("/etc/resolv.conf")
	if cerr != nil || len(conf.Servers) == 0 {
		return nil, derrors.DiscoveryFailed("dns", fmt.Errorf("no SRV records for %s and no resolver configured", domain))
	}
	resp, _, qerr := client.Exchange(msg, net.JoinHostPort(conf.Servers[0], conf.Port))
	if qerr != nil {
		return nil, derrors.DiscoveryFailed("dns", qerr)
	}

	var out []PeerRecord
	for _, ans := range resp.Answer {
		srv, ok := ans.(*dns.SRV)
		if !ok {
			continue
		}
		target := strings.TrimSuffix(srv.Target, ".")
		addr := net.JoinHostPort(target, strconv.Itoa(int(srv.Port)))
		if addr == selfAddr {
			continue
		}
		nodeID := strings.SplitN(target, ".", 2)[0]
		out = append(out, PeerRecord{NodeID: nodeID, Addr: addr, Via: ModeDNS, LastSeen: now})
	}
	return out, nil
}
