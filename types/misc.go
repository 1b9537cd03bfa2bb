package types

// Contains miscellaneous functions and types

import (
	"cmp"
	"log/slog"
	"net/netip"
	"slices"

	"golang.org/x/exp/maps"
)

// SortedKeys returns the keys of a map in ascending order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// LevelTrace is below slog.LevelDebug, and is used for per-message logging.
const LevelTrace slog.Level = -8

// NormaliseAddr unmaps IPv4-mapped IPv6 addresses, so they can be matched against IPv4 prefixes.
func NormaliseAddr(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		addr = netip.AddrFrom4(addr.As4())
	}

	return addr
}
