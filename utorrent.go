package btforensics

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strconv"

	"github.com/anacrolix/torrent/bencode"
)

const (
	// dhtNodeSize is node id (20), IPv4 (4) and big endian port (2).
	dhtNodeSize = 26
	// resumePeerSize is IPv6 prefix (10), port (2), IPv4 (4) and port (2), ports little endian.
	resumePeerSize = 18
)

var (
	DHTNodesHeader    = []string{"#", "Node ID", "IPv4", "Port"}
	ResumePeersHeader = []string{"#", "IPv6", "Local IPv6 Port", "IPv4", "Local IPv4 Port"}
)

// DHTNode is one entry of the nodes key in uTorrent's dht.dat.
type DHTNode struct {
	Index  int
	NodeID string
	IPv4   netip.Addr
	Port   uint16
}

func (n DHTNode) Record() []string {
	return []string{strconv.Itoa(n.Index), n.NodeID, n.IPv4.String(), strconv.Itoa(int(n.Port))}
}

// ResumePeer is one entry of the peers6 key of a torrent in uTorrent's resume.dat.
type ResumePeer struct {
	Index    int
	IPv6     string
	IPv6Port uint16
	IPv4     netip.Addr
	IPv4Port uint16
}

func (p ResumePeer) Record() []string {
	return []string{
		strconv.Itoa(p.Index),
		p.IPv6,
		strconv.Itoa(int(p.IPv6Port)),
		p.IPv4.String(),
		strconv.Itoa(int(p.IPv4Port)),
	}
}

// DHTFile holds the fields of dht.dat we care about.
type DHTFile struct {
	ID    []byte `bencode:"id,omitempty,ignore_unmarshal_type_error"`
	Age   int64  `bencode:"age,omitempty,ignore_unmarshal_type_error"`
	Nodes []byte `bencode:"nodes"`
}

// ResumeTorrent is a torrent entry of resume.dat with its decoded peers.
type ResumeTorrent struct {
	Key     string
	Caption string
	Path    string
	Peers   []ResumePeer
}

type resumeEntry struct {
	Caption string `bencode:"caption,omitempty,ignore_unmarshal_type_error"`
	Path    string `bencode:"path,omitempty,ignore_unmarshal_type_error"`
	Peers6  []byte `bencode:"peers6,omitempty"`
}

// ParseDHTNodesHex decodes a 0x prefixed hex dump of the dht.dat nodes value.
func ParseDHTNodesHex(s string) ([]DHTNode, error) {
	b, err := DecodePrefixedHex(s)
	if err != nil {
		return nil, err
	}
	return DecodeDHTNodes(b)
}

// DecodeDHTNodes splits the raw nodes value into 26 byte entries.
func DecodeDHTNodes(b []byte) ([]DHTNode, error) {
	if err := checkStride(b, dhtNodeSize); err != nil {
		return nil, err
	}

	nodes := make([]DHTNode, 0, len(b)/dhtNodeSize)
	for i := 0; i < len(b); i += dhtNodeSize {
		chunk := b[i : i+dhtNodeSize]

		ip, err := IPv4FromBytes(chunk[20:24])
		if err != nil {
			return nil, err
		}
		port, err := PortFromBytes(chunk[24:26])
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, DHTNode{
			Index:  len(nodes) + 1,
			NodeID: hex.EncodeToString(chunk[:20]),
			IPv4:   ip,
			Port:   port,
		})
	}

	return nodes, nil
}

// ParseResumePeersHex decodes a 0x prefixed hex dump of a resume.dat peers6 value.
func ParseResumePeersHex(s string) ([]ResumePeer, error) {
	b, err := DecodePrefixedHex(s)
	if err != nil {
		return nil, err
	}
	return DecodeResumePeers(b)
}

// DecodeResumePeers splits the raw peers6 value into 18 byte entries.
func DecodeResumePeers(b []byte) ([]ResumePeer, error) {
	if err := checkStride(b, resumePeerSize); err != nil {
		return nil, err
	}

	peers := make([]ResumePeer, 0, len(b)/resumePeerSize)
	for i := 0; i < len(b); i += resumePeerSize {
		chunk := b[i : i+resumePeerSize]

		port6, err := PortFromLittleEndian(chunk[10:12])
		if err != nil {
			return nil, err
		}
		ip, err := IPv4FromBytes(chunk[12:16])
		if err != nil {
			return nil, err
		}
		port4, err := PortFromLittleEndian(chunk[16:18])
		if err != nil {
			return nil, err
		}

		peers = append(peers, ResumePeer{
			Index:    len(peers) + 1,
			IPv6:     hex.EncodeToString(chunk[:10]),
			IPv6Port: port6,
			IPv4:     ip,
			IPv4Port: port4,
		})
	}

	return peers, nil
}

// ReadDHTFile decodes a bencoded dht.dat and its nodes.
func ReadDHTFile(data []byte) ([]DHTNode, error) {
	var f DHTFile
	if err := bencode.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode dht.dat: %v", ErrParse, err)
	}
	if len(f.Nodes) == 0 {
		return nil, fmt.Errorf("%w: dht.dat has no nodes", ErrInvalidArgument)
	}
	return DecodeDHTNodes(f.Nodes)
}

// ReadResumeFile decodes a bencoded resume.dat and the peers6 value of every torrent entry.
// Entries without peers are skipped, the result is sorted by key.
func ReadResumeFile(data []byte) ([]ResumeTorrent, error) {
	var raw map[string]bencode.Bytes
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode resume.dat: %v", ErrParse, err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var torrents []ResumeTorrent

	for _, k := range keys {
		v := raw[k]
		// .fileguard and friends are plain strings
		if len(v) == 0 || v[0] != 'd' {
			continue
		}

		var entry resumeEntry
		if err := bencode.Unmarshal(v, &entry); err != nil {
			return nil, fmt.Errorf("%w: decode resume.dat entry %s: %v", ErrParse, k, err)
		}
		if len(entry.Peers6) == 0 {
			continue
		}

		peers, err := DecodeResumePeers(entry.Peers6)
		if err != nil {
			return nil, fmt.Errorf("resume.dat entry %s: %w", k, err)
		}

		torrents = append(torrents, ResumeTorrent{
			Key:     k,
			Caption: entry.Caption,
			Path:    entry.Path,
			Peers:   peers,
		})
	}

	return torrents, nil
}

func checkStride(b []byte, size int) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: no data", ErrInvalidArgument)
	}
	if len(b)%size != 0 {
		return fmt.Errorf("%w: length %d is not a multiple of %d bytes", ErrInvalidArgument, len(b), size)
	}
	return nil
}
