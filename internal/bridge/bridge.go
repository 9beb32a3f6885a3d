// Package bridge maintains the catalog of known media bridges, derived from
// presence in the operator's dedicated bridge room, and selects among them
// for conference allocation.
package bridge

import (
	"sort"
	"sync"
)

// Bridge is one media bridge instance as advertised by its own presence.
// Operational is false once the catalog has seen a graceful-shutdown marker
// or an unavailable presence; either way the selector must not hand this
// bridge to new allocations until it recovers.
type Bridge struct {
	Address     string
	Version     string
	Region      string
	RelayID     string
	Stress      float64
	Operational bool
}

// Catalog tracks every bridge known from presence in the operator room.
type Catalog struct {
	mu  sync.RWMutex
	all map[string]*Bridge
}

// NewCatalog returns an empty bridge catalog.
func NewCatalog() *Catalog {
	return &Catalog{all: make(map[string]*Bridge)}
}

// Update applies presence: a new address creates an operational entry; an
// existing address has its fields refreshed; gracefulShutdown clears
// operational without removing the entry, since the bridge may still be
// finishing work for conferences already using it.
func (c *Catalog) Update(address, version, region, relayID string, stress float64, gracefulShutdown bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.all[address]
	if !ok {
		b = &Bridge{Address: address, Operational: true}
		c.all[address] = b
	}
	b.Version = version
	b.Region = region
	b.RelayID = relayID
	b.Stress = stress
	b.Operational = !gracefulShutdown
}

// MarkDown records an unavailable presence from address: the bridge is gone
// and must not be selected until it reappears.
func (c *Catalog) MarkDown(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.all[address]; ok {
		b.Operational = false
	}
}

// Get returns a copy of the bridge at address, if known.
func (c *Catalog) Get(address string) (Bridge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.all[address]
	if !ok {
		return Bridge{}, false
	}
	return *b, true
}

// Snapshot returns a copy of every known bridge, in stable sorted order by
// address.
func (c *Catalog) Snapshot() []Bridge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Bridge, 0, len(c.all))
	for _, b := range c.all {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Constraints narrows the bridges a selection may return. VersionPin, if
// non-empty, requires an exact Version match. InUse lists bridges this
// conference already hosts, which matters only for ForRelay selections (an
// Octo relay peer must come from outside InUse). Excluded lists bridges an
// allocation attempt has already tried and failed against for this
// conference; per §4.4 such a failure is scoped to the conference, not the
// catalog, so it is threaded through per call rather than recorded on the
// shared Bridge value.
type Constraints struct {
	VersionPin string
	Region     string
	InUse      map[string]bool
	Excluded   map[string]bool
	ForRelay   bool
}

// Select applies the policy chain of §4.3 over the catalog's current state
// and returns the chosen bridge, or false if none qualifies.
func (c *Catalog) Select(cons Constraints) (Bridge, bool) {
	candidates := c.Snapshot()

	var filtered []Bridge
	for _, b := range candidates {
		if !b.Operational {
			continue
		}
		if cons.VersionPin != "" && b.Version != cons.VersionPin {
			continue
		}
		if cons.ForRelay && cons.InUse[b.Address] {
			continue
		}
		if cons.Excluded[b.Address] {
			continue
		}
		filtered = append(filtered, b)
	}
	if len(filtered) == 0 {
		return Bridge{}, false
	}

	if cons.Region != "" {
		var regional []Bridge
		for _, b := range filtered {
			if b.Region == cons.Region {
				regional = append(regional, b)
			}
		}
		if len(regional) > 0 {
			filtered = regional
		}
	}

	best := filtered[0]
	for _, b := range filtered[1:] {
		switch {
		case b.Stress < best.Stress:
			best = b
		case b.Stress == best.Stress && b.Address < best.Address:
			best = b
		}
	}
	return best, true
}
