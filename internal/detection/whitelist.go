package detection

import (
	"net/netip"
	"sync"

	"github.com/aegisproxy/aegis/backend/internal/models"
)

// Whitelist matches client IPs against the IPWhitelist table: single
// addresses and CIDR ranges, v4 and v6. Lookups run on the event hot path;
// the prefix list is swapped wholesale on Replace.
type Whitelist struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
}

func NewWhitelist() *Whitelist {
	return &Whitelist{}
}

// Replace rebuilds the matcher from the given entries and returns how many
// were skipped as unparseable. System and manual entries match identically;
// a whitelisted address is never banned regardless of who added it.
func (w *Whitelist) Replace(entries []models.IPWhitelist) int {
	prefixes := make([]netip.Prefix, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		switch {
		case entry.IPRange != "":
			p, err := netip.ParsePrefix(entry.IPRange)
			if err != nil {
				skipped++
				continue
			}
			prefixes = append(prefixes, p.Masked())
		case entry.IPAddress != "":
			addr, err := netip.ParseAddr(entry.IPAddress)
			if err != nil {
				skipped++
				continue
			}
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		default:
			skipped++
		}
	}

	w.mu.Lock()
	w.prefixes = prefixes
	w.mu.Unlock()
	return skipped
}

// Contains reports whether ip falls inside any whitelist entry. Unparseable
// input is never whitelisted.
func (w *Whitelist) Contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, p := range w.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
