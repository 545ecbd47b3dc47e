package packet

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Embedded is the original packet header a router or host echoes back
// inside an ICMP Time Exceeded / Destination Unreachable body, recovered
// from the data-path payload that follows the ICMP error header.
type Embedded struct {
	DestIP   net.IP
	Protocol layers.IPProtocol
}

// DecodeEmbedded parses the IP header an ICMP error payload carries about
// the datagram that triggered it. Any transport header that follows is
// skipped without being decoded. It is best-effort diagnostic enrichment: a
// parse failure is reported but callers should treat offender
// identification (from SO_EE_OFFENDER, see internal/mux) as authoritative.
func DecodeEmbedded(data []byte, family Family) (*Embedded, error) {
	var decoded []gopacket.LayerType
	parser := gopacket.NewDecodingLayerParser(firstLayer(family))
	parser.IgnoreUnsupported = true
	v4 := &layers.IPv4{}
	v6 := &layers.IPv6{}
	if family == FamilyV6 {
		parser.AddDecodingLayer(v6)
	} else {
		parser.AddDecodingLayer(v4)
	}

	if err := parser.DecodeLayers(data, &decoded); err != nil {
		return nil, fmt.Errorf("packet: decoding embedded header: %w", err)
	}

	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			return &Embedded{DestIP: v4.DstIP, Protocol: v4.Protocol}, nil
		case layers.LayerTypeIPv6:
			return &Embedded{DestIP: v6.DstIP, Protocol: v6.NextHeader}, nil
		}
	}
	return nil, fmt.Errorf("packet: no IP layer found in embedded header")
}

func firstLayer(family Family) gopacket.LayerType {
	if family == FamilyV6 {
		return layers.LayerTypeIPv6
	}
	return layers.LayerTypeIPv4
}
