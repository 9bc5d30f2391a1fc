package btforensics

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// DecodePrefixedHex decodes a hex string starting with "0x", as shown for binary values by
// most bencode viewers.
func DecodePrefixedHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("%w: hex string must start with 0x", ErrInvalidArgument)
	}

	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	return b, nil
}

// SwapEndianness returns a reversed copy of b.
func SwapEndianness(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// PortFromBytes decodes a big endian port.
func PortFromBytes(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("%w: port needs 2 bytes, got %d", ErrInvalidArgument, len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// PortFromLittleEndian decodes a little endian port.
func PortFromLittleEndian(b []byte) (uint16, error) {
	return PortFromBytes(SwapEndianness(b))
}

// IPv4FromBytes decodes 4 bytes in network order.
func IPv4FromBytes(b []byte) (netip.Addr, error) {
	if len(b) != 4 {
		return netip.Addr{}, fmt.Errorf("%w: IPv4 needs 4 bytes, got %d", ErrInvalidArgument, len(b))
	}
	return netip.AddrFrom4([4]byte(b)), nil
}
