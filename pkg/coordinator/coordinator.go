// Package coordinator implements SupernodeCoordinator: the optional
// multi-supernode discovery/federation protocol (spec.md §4.6). It tracks a
// peer-supernode set and a per-community supernode table, and augments
// REGISTER_SUPER_ACK with backup supernodes for federated communities.
package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"n2n-go/pkg/forward"
	"n2n-go/pkg/log"
	"n2n-go/pkg/wire"
)

// Tunables the reference (original_source/sn.c) hardcodes as
// N2N_SUPER_DISCOVERY_INTERVAL / N2N_MIN_SN_PER_COMM / N2N_MAX_COMM_PER_SN.
// spec.md §9 leaves their exact values unspecified; these are this
// implementation's own choices, not values copied from the reference.
const (
	DiscoveryInterval = 60 * time.Second
	MinSNPerComm      = 2
	MaxCommPerSN      = 256
)

// State is the coordinator's two-state machine (spec.md §4.6).
type State int

const (
	StateDiscovery State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "READY"
	}
	return "DISCOVERY"
}

// CommunityInfo tracks one community's serving supernode set. Persist
// marks communities in our active set (loaded from the local file as
// persisted, added by an edge-originated REQ, or promoted by
// DiscoveryTick) as opposed to ones learned dynamically via queries
// (SUPPLEMENTED FEATURES #1). No community is ever removed from the
// table, whatever its Persist value or supernode count.
type CommunityInfo struct {
	Name       wire.Community
	Supernodes []wire.Sock
	Persist    bool
}

func (ci *CommunityInfo) hasSupernode(s wire.Sock) bool {
	for _, existing := range ci.Supernodes {
		if existing.Equal(s) {
			return true
		}
	}
	return false
}

// Coordinator holds the supernode's federation state. All mutation happens
// on the single event-loop goroutine; mu exists only to let ACK
// augmentation calls made from other components observe a consistent view
// without tying them to the loop's goroutine.
type Coordinator struct {
	mu sync.RWMutex

	Self  wire.Sock // our own bound SNM socket; never a send target (loopback guard)
	State State

	StartTime time.Time
	Now       func() time.Time

	peers       map[string]wire.Sock
	communities map[wire.Community]*CommunityInfo

	Conn  forward.Sender
	Store *Store

	seq atomic.Uint32
}

// New constructs a Coordinator bound to self (our own SNM socket) and
// persisting state via store.
func New(self wire.Sock, conn forward.Sender, store *Store) *Coordinator {
	return &Coordinator{
		Self:        self,
		State:       StateDiscovery,
		StartTime:   time.Now(),
		Now:         time.Now,
		peers:       make(map[string]wire.Sock),
		communities: make(map[wire.Community]*CommunityInfo),
		Conn:        conn,
		Store:       store,
	}
}

// Start loads persisted peers/communities, merges command-line seed peers,
// and sends a REQ(S) to every known peer (spec.md §4.6 "On startup").
func (c *Coordinator) Start(seedPeers []wire.Sock) error {
	c.mu.Lock()
	loadedPeers, loadedCommunities, err := c.Store.Load()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: load persisted state: %w", err)
	}
	for _, p := range loadedPeers {
		c.peers[p.String()] = p
	}
	for _, ci := range loadedCommunities {
		cp := ci
		c.communities[ci.Name] = &cp
	}

	added := false
	for _, p := range seedPeers {
		if p.Equal(c.Self) {
			continue
		}
		if _, exists := c.peers[p.String()]; !exists {
			c.peers[p.String()] = p
			added = true
		}
	}
	if len(c.peers) == 0 {
		c.State = StateReady
	}
	peers := c.peerListLocked()
	c.mu.Unlock()

	if added {
		if err := c.persistPeers(); err != nil {
			log.Printf("coordinator: rewrite peer file: %v", err)
		}
	}

	for _, p := range peers {
		c.sendReq(p, SNMFlagSupernodesOnly())
	}
	return nil
}

// SNMFlagSupernodesOnly is the flag set of a bare discovery REQ: just "S".
func SNMFlagSupernodesOnly() wire.SNMFlag { return wire.SNMFlagSupernodes }

func (c *Coordinator) peerListLocked() []wire.Sock {
	out := make([]wire.Sock, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// PeerList returns a snapshot of the current peer-supernode set.
func (c *Coordinator) PeerList() []wire.Sock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerListLocked()
}

// DiscoveryTick runs the promotion-and-transition step (spec.md §4.6
// "Discovery tick"). Called by the event loop once per wakeup while not
// READY; a no-op once READY or before the interval elapses.
func (c *Coordinator) DiscoveryTick(now time.Time) {
	c.mu.Lock()
	if c.State == StateReady {
		c.mu.Unlock()
		return
	}
	if now.Sub(c.StartTime) < DiscoveryInterval {
		c.mu.Unlock()
		return
	}

	promoted := 0
	activeCount := 0
	for _, ci := range c.communities {
		if ci.Persist {
			activeCount++
		}
	}
	for _, ci := range c.communities {
		if activeCount >= MaxCommPerSN {
			break
		}
		if !ci.Persist && len(ci.Supernodes) < MinSNPerComm {
			ci.Persist = true
			activeCount++
			promoted++
		}
	}

	active := make([]wire.CommunityEntry, 0, len(c.communities))
	for _, ci := range c.communities {
		if ci.Persist {
			active = append(active, wire.CommunityEntry{Name: ci.Name, Supernodes: ci.Supernodes})
		}
	}
	c.State = StateReady
	peers := c.peerListLocked()
	c.mu.Unlock()

	log.Printf("coordinator: discovery complete, promoted %d communities, transitioning to READY", promoted)
	for _, p := range peers {
		c.sendAdv(p, active, true)
	}
}

// BackupSupernodesFor implements dispatch.FederationHook: the peer
// supernodes serving community, for REGISTER_SUPER_ACK augmentation
// (spec.md §4.6 "REGISTER_SUPER_ACK augmentation").
func (c *Coordinator) BackupSupernodesFor(community wire.Community) []wire.Sock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ci, ok := c.communities[community]
	if !ok {
		return nil
	}
	out := make([]wire.Sock, len(ci.Supernodes))
	copy(out, ci.Supernodes)
	return out
}

// HandleReq processes an SNM REQ_LIST (spec.md §4.6 "On SNM_REQ"). Requires
// READY; callers should log+drop (NotReady) otherwise.
func (c *Coordinator) HandleReq(hdr wire.SNMHeader, req wire.SNMReq, from wire.Sock) {
	c.mu.Lock()

	edgeOrigin := hdr.Flags.Has(wire.SNMFlagEdgeOrigin)
	wantsAdvertise := hdr.Flags.Has(wire.SNMFlagAdvertise)

	if !edgeOrigin {
		if _, exists := c.peers[from.String()]; !exists && !from.Equal(c.Self) {
			c.peers[from.String()] = from
			c.mu.Unlock()
			if err := c.persistPeers(); err != nil {
				log.Printf("coordinator: rewrite peer file: %v", err)
			}
			c.mu.Lock()
		}
	}

	if wantsAdvertise {
		var newCommunity *wire.Community
		if edgeOrigin && len(req.Communities) > 0 {
			name := req.Communities[0]
			if _, exists := c.communities[name]; !exists {
				c.communities[name] = &CommunityInfo{Name: name, Persist: true}
				newCommunity = &name
			}
		}
		c.mu.Unlock()

		if newCommunity != nil {
			if err := c.persistCommunities(); err != nil {
				log.Printf("coordinator: rewrite community file: %v", err)
			}
			entry := wire.CommunityEntry{Name: *newCommunity, Supernodes: c.BackupSupernodesFor(*newCommunity)}
			for _, p := range c.PeerList() {
				c.sendAdv(p, []wire.CommunityEntry{entry}, false)
			}
		}
		c.sendAdv(from, nil, false)
		return
	}

	entries := c.selectInfoLocked(hdr.Flags, req.Communities)
	peers := c.peerListLocked()
	c.mu.Unlock()

	c.sendInfo(from, peers, entries)
}

func (c *Coordinator) selectInfoLocked(flags wire.SNMFlag, filter []wire.Community) []wire.CommunityEntry {
	if !flags.Has(wire.SNMFlagCommunities) {
		return nil
	}
	filtered := flags.Has(wire.SNMFlagNameFilter) && len(filter) > 0
	wanted := make(map[wire.Community]bool, len(filter))
	for _, f := range filter {
		wanted[f] = true
	}
	out := make([]wire.CommunityEntry, 0, len(c.communities))
	for _, ci := range c.communities {
		if filtered && !wanted[ci.Name] {
			continue
		}
		out = append(out, wire.CommunityEntry{Name: ci.Name, Supernodes: ci.Supernodes})
	}
	return out
}

// HandleInfo processes an SNM RSP_LIST (spec.md §4.6 "On SNM_INFO").
// Requires not-READY; callers should log+drop (NotReady) otherwise.
func (c *Coordinator) HandleInfo(info wire.SNMInfo) {
	c.mu.Lock()
	var newPeers []wire.Sock
	for _, p := range info.Supernodes {
		if p.Equal(c.Self) {
			continue
		}
		if _, exists := c.peers[p.String()]; !exists {
			c.peers[p.String()] = p
			newPeers = append(newPeers, p)
		}
	}
	for _, entry := range info.Communities {
		if len(entry.Supernodes) < MinSNPerComm {
			continue
		}
		c.mergeCommunityLocked(entry)
	}
	c.mu.Unlock()

	if len(newPeers) > 0 {
		if err := c.persistPeers(); err != nil {
			log.Printf("coordinator: rewrite peer file: %v", err)
		}
	}
	for _, p := range newPeers {
		c.sendReq(p, wire.SNMFlagSupernodes)
	}
}

// HandleAdv processes an SNM ADV (spec.md §4.6 "On SNM_ADV").
func (c *Coordinator) HandleAdv(hdr wire.SNMHeader, adv wire.SNMAdvMsg, from wire.Sock) {
	c.mu.Lock()
	changed := false
	if !adv.Sender.Equal(c.Self) {
		if _, exists := c.peers[adv.Sender.String()]; !exists {
			c.peers[adv.Sender.String()] = adv.Sender
			changed = true
		}
	}
	for _, entry := range adv.Communities {
		if c.mergeCommunityLocked(entry) {
			changed = true
		}
		ci := c.communities[entry.Name]
		if !ci.hasSupernode(adv.Sender) {
			ci.Supernodes = append(ci.Supernodes, adv.Sender)
			changed = true
		}
	}
	ours := make([]wire.CommunityEntry, 0, len(c.communities))
	for _, ci := range c.communities {
		ours = append(ours, wire.CommunityEntry{Name: ci.Name, Supernodes: ci.Supernodes})
	}
	c.mu.Unlock()

	if changed {
		if err := c.persistCommunities(); err != nil {
			log.Printf("coordinator: rewrite community file: %v", err)
		}
		if hdr.Flags.Has(wire.SNMFlagAdvertise) {
			c.sendAdv(from, ours, false)
		}
	}
}

// mergeCommunityLocked folds entry's supernode list into our table,
// reporting whether anything changed. Caller holds c.mu.
func (c *Coordinator) mergeCommunityLocked(entry wire.CommunityEntry) bool {
	ci, exists := c.communities[entry.Name]
	if !exists {
		c.communities[entry.Name] = &CommunityInfo{Name: entry.Name, Supernodes: append([]wire.Sock{}, entry.Supernodes...)}
		return true
	}
	changed := false
	for _, s := range entry.Supernodes {
		if !ci.hasSupernode(s) {
			ci.Supernodes = append(ci.Supernodes, s)
			changed = true
		}
	}
	return changed
}

func (c *Coordinator) persistPeers() error {
	return c.Store.SavePeers(c.PeerList())
}

func (c *Coordinator) persistCommunities() error {
	c.mu.RLock()
	out := make([]CommunityInfo, 0, len(c.communities))
	for _, ci := range c.communities {
		out = append(out, *ci)
	}
	c.mu.RUnlock()
	return c.Store.SaveCommunities(out)
}

// --- outbound SNM sends; the loopback guard lives here (spec.md §4.6). ---

func (c *Coordinator) send(to wire.Sock, msgType wire.SNMType, flags wire.SNMFlag, body []byte) {
	if to.Equal(c.Self) {
		return
	}
	hdr := wire.SNMHeader{Type: msgType, Flags: flags, Sequence: c.seq.Add(1)}
	datagram := append(hdr.MarshalBinary(), body...)
	if _, err := c.Conn.WriteToUDP(datagram, to.UDPAddr()); err != nil {
		log.Printf("coordinator: send %s to %v: %v", msgType, to, err)
	}
}

func (c *Coordinator) sendReq(to wire.Sock, flags wire.SNMFlag) {
	body := wire.SNMReq{}.MarshalBinary()
	c.send(to, wire.SNMReqList, flags, body)
}

func (c *Coordinator) sendInfo(to wire.Sock, peers []wire.Sock, communities []wire.CommunityEntry) {
	body, err := wire.SNMInfo{Supernodes: peers, Communities: communities}.MarshalBinary()
	if err != nil {
		log.Printf("coordinator: encode INFO for %v: %v", to, err)
		return
	}
	c.send(to, wire.SNMRspList, 0, body)
}

func (c *Coordinator) sendAdv(to wire.Sock, communities []wire.CommunityEntry, advertiseFlag bool) {
	body, err := wire.SNMAdvMsg{Sender: c.Self, Communities: communities}.MarshalBinary()
	if err != nil {
		log.Printf("coordinator: encode ADV for %v: %v", to, err)
		return
	}
	var flags wire.SNMFlag
	if advertiseFlag {
		flags = wire.SNMFlagAdvertise
	}
	c.send(to, wire.SNMAdv, flags, body)
}
