package packet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressFamilyDetection(t *testing.T) {
	ip, family, err := ParseAddress("192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, FamilyV4, family)
	assert.Equal(t, "192.0.2.1", FormatAddress(ip))

	ip, family, err = ParseAddress("2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, FamilyV6, family)
	assert.Equal(t, "2001:db8::1", FormatAddress(ip))

	_, _, err = ParseAddress("not-an-ip")
	assert.Error(t, err)
}

func TestParseThenFormatRoundtrips(t *testing.T) {
	for _, literal := range []string{"127.0.0.1", "10.0.0.1", "::1", "2001:db8::abcd"} {
		ip, _, err := ParseAddress(literal)
		require.NoError(t, err)
		assert.Equal(t, net.ParseIP(literal).String(), FormatAddress(ip))
	}
}

func TestBuildEchoRequestIsPureAndDeterministic(t *testing.T) {
	a, err := BuildEchoRequest(FamilyV4, 0xBEEF, 7, 32, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	b, err := BuildEchoRequest(FamilyV4, 0xBEEF, 7, 32, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestBuildEchoRequestExpandsUndersizedPayload(t *testing.T) {
	b, err := BuildEchoRequest(FamilyV4, 1, 1, 2, nil)
	require.NoError(t, err)
	assert.Len(t, b, ICMPHeaderSize)
}

func TestBuildEchoRequestSequenceTruncatedTo16Bits(t *testing.T) {
	// The sequence parameter is uint16, so a wider counter is truncated to
	// its low 16 bits at the conversion.
	seq := 0x10001
	a, err := BuildEchoRequest(FamilyV4, 1, uint16(seq), 32, nil)
	require.NoError(t, err)
	b, err := BuildEchoRequest(FamilyV4, 1, 1, 32, nil)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestBuildUDPPayloadSizeAndTiling(t *testing.T) {
	buf := BuildUDPPayload(10, []byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3, 1, 2, 3, 1, 2, 3, 1}, buf)
}

func TestTileWithEmptyPatternZeroFills(t *testing.T) {
	buf := make([]byte, 4)
	Tile(buf, nil)
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestOverhead(t *testing.T) {
	assert.Equal(t, 20, Overhead(FamilyV4, false))
	assert.Equal(t, 28, Overhead(FamilyV4, true))
	assert.Equal(t, 40, Overhead(FamilyV6, false))
	assert.Equal(t, 48, Overhead(FamilyV6, true))
}
