package packet

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEmbeddedIPv4(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("192.0.2.10").To4(),
		DstIP:    net.ParseIP("192.0.2.20").To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ip))

	embedded, err := DecodeEmbedded(buf.Bytes(), FamilyV4)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.20", embedded.DestIP.String())
	assert.Equal(t, layers.IPProtocolUDP, embedded.Protocol)
}

func TestDecodeEmbeddedRejectsGarbage(t *testing.T) {
	_, err := DecodeEmbedded([]byte{0xFF, 0xFF, 0xFF}, FamilyV4)
	assert.Error(t, err)
}
