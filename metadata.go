package btforensics

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/anacrolix/torrent/bencode"
)

// HashSize defines the size of an SHA-1 hash in bytes, used for consistent hash representation throughout the system.
const HashSize = sha1.Size

// piecesMarker is the end of the value preceding the pieces key followed by the bencoded key itself.
// Keys are sorted, so "piece length" normally terminates right before "pieces". String values
// in front of it may contain the same bytes.
var piecesMarker = []byte("e6:pieces")

// Hash is a single SHA-1 piece hash.
type Hash [HashSize]byte

// String returns the lowercase hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashFromHex parses a 40 character hex string, upper or lower case.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return h, fmt.Errorf("%w: decode hash %q: %v", ErrInvalidArgument, s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: hash %q has %d bytes, expected %d", ErrInvalidArgument, s, len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// Metadata holds everything the verification needs from a torrent file.
type Metadata struct {
	Name        string
	PieceLength int64
	// Length is the declared size of a single-file torrent.
	Length      int64
	Private     bool
	Files       Files
	PieceHashes []Hash
}

// IsDir reports whether the torrent declares a multi-file layout.
func (m *Metadata) IsDir() bool {
	return len(m.Files) > 0
}

// TotalLength returns the declared content size.
func (m *Metadata) TotalLength() int64 {
	if m.IsDir() {
		return m.Files.TotalLength()
	}
	return m.Length
}

// metaFragment is the outer dictionary with the pieces key cut out.
type metaFragment struct {
	Info Info `bencode:"info"`
}

// Extract reads the piece table and file layout from raw torrent bytes.
//
// The pieces value is binary and is cut out with a length-prefix scanner before the remaining
// dictionary is handed to the bencode decoder. If the marker also shows up inside an earlier
// string value (a name or path), the following occurrences are tried; the error of the first
// occurrence is returned when none of them works.
func Extract(raw []byte) (*Metadata, error) {
	idx := bytes.Index(raw, piecesMarker)
	if idx < 0 {
		return nil, fmt.Errorf("%w: pieces key not found", ErrFormat)
	}

	var firstErr error

	for idx >= 0 {
		meta, err := extractAt(raw, idx)
		if err == nil {
			return meta, nil
		}
		if firstErr == nil {
			firstErr = err
		}

		next := bytes.Index(raw[idx+1:], piecesMarker)
		if next < 0 {
			break
		}
		idx += next + 1
	}

	return nil, firstErr
}

// extractAt treats the marker at idx as the start of the pieces key.
func extractAt(raw []byte, idx int) (*Metadata, error) {
	blob, rest, err := scanByteString(raw[idx+len(piecesMarker):])
	if err != nil {
		return nil, fmt.Errorf("%w: pieces value: %v", ErrFormat, err)
	}

	if len(blob)%HashSize != 0 {
		return nil, fmt.Errorf("%w: pieces length %d is not a multiple of %d", ErrFormat, len(blob), HashSize)
	}

	hashes := make([]Hash, len(blob)/HashSize)
	for i := range hashes {
		copy(hashes[i][:], blob[i*HashSize:(i+1)*HashSize])
	}

	// keep the "e" of the marker, it closes the value in front of the pieces key
	fragment := make([]byte, 0, idx+1+len(rest)+4)
	fragment = append(fragment, raw[:idx+1]...)
	fragment = append(fragment, rest...)

	fragment, err = rebalance(fragment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	info, err := decodeInfo(fragment)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		Name:        info.Name,
		PieceLength: info.PieceLength,
		Length:      info.Length,
		Private:     info.Private != nil && *info.Private,
		Files:       info.Files,
		PieceHashes: hashes,
	}

	meta.Files.setOffsets()

	return meta, nil
}

// decodeInfo decodes the pieces-free fragment. Full torrents carry the info dictionary under
// the "info" key, bare info dictionaries (e.g. fetched via ut_metadata) are accepted as well.
func decodeInfo(fragment []byte) (*Info, error) {
	var mf metaFragment
	if err := bencode.NewDecoder(bytes.NewReader(fragment)).Decode(&mf); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrParse, err)
	}

	info := mf.Info
	if info.PieceLength == 0 {
		var bare Info
		if err := bencode.NewDecoder(bytes.NewReader(fragment)).Decode(&bare); err == nil {
			info = bare
		}
	}

	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: invalid piece length %d", ErrParse, info.PieceLength)
	}

	if err := checkLengths(&info); err != nil {
		return nil, err
	}

	return &info, nil
}

// checkLengths rejects negative declared sizes and layouts whose total does not fit an int64.
func checkLengths(info *Info) error {
	if info.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrParse, info.Length)
	}

	var total int64
	for i, f := range info.Files {
		if f.Length < 0 {
			return fmt.Errorf("%w: file %d has negative length %d", ErrParse, i, f.Length)
		}
		if f.Length > math.MaxInt64-total {
			return fmt.Errorf("%w: total length of files overflows", ErrParse)
		}
		total += f.Length
	}

	return nil
}

// scanByteString reads a bencoded byte string ("<N>:<N raw bytes>") from the start of b and
// returns the raw bytes and everything after them.
func scanByteString(b []byte) ([]byte, []byte, error) {
	colon := bytes.IndexByte(b, ':')
	if colon <= 0 {
		return nil, nil, fmt.Errorf("missing length prefix")
	}

	n, err := strconv.ParseInt(string(b[:colon]), 10, 64)
	if err != nil || n < 0 {
		return nil, nil, fmt.Errorf("invalid length prefix %q", b[:colon])
	}

	start := int64(colon + 1)
	if int64(len(b))-start < n {
		return nil, nil, fmt.Errorf("declared %d bytes, only %d available", n, int64(len(b))-start)
	}

	return b[start : start+n], b[start+n:], nil
}

// rebalance appends one "e" for every container left open in b.
func rebalance(b []byte) ([]byte, error) {
	open, err := openContainers(b)
	if err != nil {
		return nil, err
	}
	for range open {
		b = append(b, 'e')
	}
	return b, nil
}

// openContainers walks the bencode tokens of b and counts unterminated lists, dictionaries and
// integers. Values are skipped, not decoded.
func openContainers(b []byte) (int, error) {
	var depth int

	for i := 0; i < len(b); {
		switch c := b[i]; {
		case c == 'd' || c == 'l':
			depth++
			i++

		case c == 'e':
			if depth == 0 {
				return 0, fmt.Errorf("unexpected end marker at %d", i)
			}
			depth--
			i++
			if depth == 0 {
				// anything after the outer dictionary is ignored by the decoder
				return 0, nil
			}

		case c == 'i':
			end := bytes.IndexByte(b[i:], 'e')
			if end < 0 {
				// integer cut off right before its terminator
				return depth + 1, nil
			}
			i += end + 1

		case c >= '0' && c <= '9':
			_, rest, err := scanByteString(b[i:])
			if err != nil {
				return 0, fmt.Errorf("string at %d: %w", i, err)
			}
			i = len(b) - len(rest)

		default:
			return 0, fmt.Errorf("unexpected byte %q at %d", c, i)
		}
	}

	return depth, nil
}
