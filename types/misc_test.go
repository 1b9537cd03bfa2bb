package types

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"b": 2, "c": 3, "a": 1}

	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[uint32]bool{}))
}

func TestNormaliseAddr(t *testing.T) {
	mapped := netip.MustParseAddr("::ffff:10.0.0.1")

	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), NormaliseAddr(mapped))
	assert.Equal(t, netip.MustParseAddr("fe80::1"), NormaliseAddr(netip.MustParseAddr("fe80::1")))
}
