// Package merkle implements the tile-backed RFC 6962 Merkle log: tile
// addressing, the appender, proof generation and verification, and the
// signed checkpoint and receipt envelopes built on top of it.
package merkle

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// TileSize is the number of hashes a full tile holds.
	TileSize = 256
	// HashSize is the byte length of a SHA-256 hash.
	HashSize = 32
	// FullTileBytes is the byte length of a full tile.
	FullTileBytes = TileSize * HashSize
)

const (
	tilePrefix      = "tile/"
	entryTilePrefix = "tile/entries/"
	partialSuffix   = ".p/"
)

// ParsedTilePath is the address of a tree tile recovered from its
// storage key or URL path.
type ParsedTilePath struct {
	Level     int
	Index     int64
	IsPartial bool
	Width     int
}

// ParsedEntryTilePath is the address of an entry (leaf preimage) tile
// recovered from its storage key or URL path.
type ParsedEntryTilePath struct {
	Index     int64
	IsPartial bool
	Width     int
}

// TileIndexToPath renders the storage key for the tree tile at (level,
// index), as tile/<L>/<I> for a full tile or tile/<L>/<I>.p/<w> for a
// partial one. Index segments follow the C2SP tlog-tiles convention
// (see encodeTileIndex).
func TileIndexToPath(level int, index int64, width *int) string {
	var b strings.Builder
	b.WriteString(tilePrefix)
	b.WriteString(strconv.Itoa(level))
	b.WriteByte('/')
	b.WriteString(encodeTileIndex(index))
	appendPartial(&b, width)
	return b.String()
}

// EntryTileIndexToPath renders the storage key for the entry tile at
// index, as tile/entries/<I>[.p/<w>].
func EntryTileIndexToPath(index int64, width *int) string {
	var b strings.Builder
	b.WriteString(entryTilePrefix)
	b.WriteString(encodeTileIndex(index))
	appendPartial(&b, width)
	return b.String()
}

func appendPartial(b *strings.Builder, width *int) {
	if width == nil {
		return
	}
	if *width < 1 || *width >= TileSize {
		panic(fmt.Sprintf("partial tile width %d outside [1, %d]", *width, TileSize-1))
	}
	b.WriteString(partialSuffix)
	b.WriteString(strconv.Itoa(*width))
}

// ParseTilePath recovers a tree tile address from a tile/<L>/... key.
func ParseTilePath(path string) (*ParsedTilePath, error) {
	base, width, isPartial, err := splitPartial(path)
	if err != nil {
		return nil, err
	}

	rest, ok := strings.CutPrefix(base, tilePrefix)
	if !ok {
		return nil, fmt.Errorf("invalid tile path format: %s", path)
	}
	levelStr, indexPath, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("invalid tile path format: %s", path)
	}
	level, err := strconv.Atoi(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid level: %w", err)
	}
	index, err := decodeTileIndex(indexPath)
	if err != nil {
		return nil, err
	}

	return &ParsedTilePath{Level: level, Index: index, IsPartial: isPartial, Width: width}, nil
}

// ParseEntryTilePath recovers an entry tile address from a
// tile/entries/... key.
func ParseEntryTilePath(path string) (*ParsedEntryTilePath, error) {
	base, width, isPartial, err := splitPartial(path)
	if err != nil {
		return nil, err
	}

	indexPath, ok := strings.CutPrefix(base, entryTilePrefix)
	if !ok {
		return nil, fmt.Errorf("invalid entry tile path format: %s", path)
	}
	index, err := decodeTileIndex(indexPath)
	if err != nil {
		return nil, err
	}

	return &ParsedEntryTilePath{Index: index, IsPartial: isPartial, Width: width}, nil
}

// splitPartial strips a trailing .p/<w> partial marker, if present.
func splitPartial(path string) (base string, width int, isPartial bool, err error) {
	base, widthStr, found := strings.Cut(path, partialSuffix)
	if !found {
		return path, 0, false, nil
	}
	width, err = strconv.Atoi(widthStr)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid width: %w", err)
	}
	return base, width, true, nil
}

// EntryIDToTileIndex returns the index of the tile holding entryID.
func EntryIDToTileIndex(entryID int64) int64 {
	return entryID / TileSize
}

// EntryIDToTileOffset returns entryID's hash offset within its tile.
func EntryIDToTileOffset(entryID int64) int {
	return int(entryID % TileSize)
}

// encodeTileIndex renders a tile index as slash-separated path segments.
// The scheme is the hybrid C2SP tlog-tiles layout: indices below 256 are
// a single zero-padded segment ("042"); indices below 65536 use base-256
// digits ("x001/000"); larger indices group the decimal rendering into
// threes ("x001/x234/067"). Every segment except the last carries an "x"
// prefix so a segment is never mistaken for a whole key.
func encodeTileIndex(index int64) string {
	var segments []string
	switch {
	case index < 256:
		segments = []string{fmt.Sprintf("%03d", index)}
	case index < 65536:
		for rem := index; rem > 0; rem /= 256 {
			segments = append([]string{fmt.Sprintf("%03d", rem%256)}, segments...)
		}
	default:
		digits := strconv.FormatInt(index, 10)
		for len(digits)%3 != 0 {
			digits = "0" + digits
		}
		for i := 0; i < len(digits); i += 3 {
			segments = append(segments, digits[i:i+3])
		}
	}

	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('/')
		}
		if i < len(segments)-1 {
			b.WriteByte('x')
		}
		b.WriteString(seg)
	}
	return b.String()
}

// decodeTileIndex is the inverse of encodeTileIndex. A multi-segment
// path is ambiguous between the base-256 and decimal-grouping schemes;
// base-256 wins whenever its interpretation lands in the range that
// scheme encodes (every segment below 256 and the value below 65536),
// mirroring the encoder's cutover.
func decodeTileIndex(indexPath string) (int64, error) {
	segments := strings.Split(indexPath, "/")
	if len(segments) == 1 {
		return strconv.ParseInt(segments[0], 10, 64)
	}

	values := make([]int64, len(segments))
	for i, seg := range segments {
		v, err := strconv.ParseInt(strings.TrimPrefix(seg, "x"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid segment %s: %w", seg, err)
		}
		values[i] = v
	}

	base256 := int64(0)
	base256Valid := true
	for _, v := range values {
		if v >= 256 {
			base256Valid = false
			break
		}
		base256 = base256*256 + v
	}
	if base256Valid && base256 < 65536 {
		return base256, nil
	}

	var digits strings.Builder
	for _, v := range values {
		fmt.Fprintf(&digits, "%03d", v)
	}
	return strconv.ParseInt(digits.String(), 10, 64)
}
