package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskAddress(t *testing.T) {
	assert.Empty(t, MaskAddress(""))
	assert.Equal(t, "******", MaskAddress("abc123"))
	assert.NotEqual(t, "05a1b2c3d4e5f6a7b8c9", MaskAddress("05a1b2c3d4e5f6a7b8c9"))
}

func TestMaskAddressKeepsTrailingCharacters(t *testing.T) {
	address := "05a1b2c3d4e5f6a7b8c9deadbeef0011"

	got := MaskAddress(address)

	assert.Equal(t, "****beef0011", got)
	// The bulk of the identifier never appears.
	assert.NotContains(t, got, address[:8])
}

func TestMaskAddressEqualAddressesMaskEqually(t *testing.T) {
	address := "05a1b2c3d4e5f6a7b8c9deadbeef0011"
	assert.Equal(t, MaskAddress(address), MaskAddress(address))
}

func TestMaskBody(t *testing.T) {
	assert.Empty(t, MaskBody(""))
	assert.Equal(t, "[redacted]", MaskBody("the secret plan"))
}
