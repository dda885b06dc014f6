package hotplug

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHidID(t *testing.T) {
	bustype, vendor, product, ok := ParseHidID("0003:0000046D:0000C539")
	assert.True(t, ok)
	assert.Equal(t, uint16(0x03), bustype)
	assert.Equal(t, uint16(0x046D), vendor)
	assert.Equal(t, uint16(0xC539), product)
}

func TestParseHidIDShortForm(t *testing.T) {
	bustype, vendor, product, ok := ParseHidID("0003:046d:c539")
	assert.True(t, ok)
	assert.Equal(t, uint16(0x03), bustype)
	assert.Equal(t, uint16(0x046d), vendor)
	assert.Equal(t, uint16(0xc539), product)
}

func TestParseHidIDRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "0003", "0003:046d", "zzzz:046d:c539", "0003:046d:c539:extra"} {
		_, _, _, ok := ParseHidID(s)
		assert.False(t, ok, "input %q", s)
	}
}
