package merkle

import (
	"errors"
	"fmt"

	"github.com/opentlog/tlogd/pkg/storage"
	"golang.org/x/mod/sumdb/tlog"
)

// ErrTileState reports tile bytes on disk that disagree with the tree
// size the caller holds: a gap between the widest materialized tile and
// the position being appended. The registrar treats this as an integrity
// failure and disables writes.
var ErrTileState = errors.New("tile state inconsistent with tree size")

// TileLog is the tile-backed append-only Merkle log.
//
// It owns no notion of tree size: the authoritative size lives in the
// metadata store and is threaded through every call by the caller
// (normally the registrar, inside a metadata transaction). This keeps
// the log itself safe to share across goroutines without locking, since
// every operation is a pure function of (storage, size) at the time of
// the call.
type TileLog struct {
	storage storage.Storage
}

// NewTileLog creates a tile log backed by the given blob storage.
func NewTileLog(store storage.Storage) *TileLog {
	return &TileLog{storage: store}
}

// Append writes every tile byte the leaf at position contributes:
// the leaf preimage into its entry tile, the RFC 6962 leaf hash into the
// level-0 tree tile, and for each level L >= 1 the root of whichever
// height-L subtree this append completed. position must equal the tree
// size before the append. All writes land before the caller commits the
// tree size increment, so a crash in here leaves only orphan tile bytes
// that the next append overwrites and no reader ever resolves.
func (tl *TileLog) Append(position int64, statementHash [HashSize]byte) error {
	if err := tl.appendEntryHash(position, statementHash); err != nil {
		return err
	}

	leafHash := hashLeaf(statementHash)
	if err := tl.appendNodeHash(0, position, leafHash); err != nil {
		return err
	}

	// A height-L subtree completes exactly when the new size is a
	// multiple of 2^L. Its two children sit adjacent in the level L-1
	// tile, so each completed level costs one tile read.
	size := position + 1
	for level := 1; size%(1<<uint(level)) == 0; level++ {
		node := size>>uint(level) - 1
		left, err := tl.readNodeHash(level-1, 2*node)
		if err != nil {
			return fmt.Errorf("reading left child at level %d: %w", level-1, err)
		}
		right, err := tl.readNodeHash(level-1, 2*node+1)
		if err != nil {
			return fmt.Errorf("reading right child at level %d: %w", level-1, err)
		}
		if err := tl.appendNodeHash(level, node, hashNode(left, right)); err != nil {
			return err
		}
	}

	return nil
}

// appendEntryHash extends the entry (leaf preimage) tile for position.
func (tl *TileLog) appendEntryHash(position int64, statementHash [HashSize]byte) error {
	tileIndex := EntryIDToTileIndex(position)
	tileOffset := EntryIDToTileOffset(position)
	return tl.extendTile(EntryTileIndexToPath(tileIndex, nil), func(width int) *string {
		if width >= TileSize {
			return nil
		}
		p := EntryTileIndexToPath(tileIndex, &width)
		return &p
	}, tileOffset, statementHash)
}

// appendNodeHash extends the tree tile holding node nodeIndex at level.
func (tl *TileLog) appendNodeHash(level int, nodeIndex int64, hash [HashSize]byte) error {
	tileIndex := nodeIndex / TileSize
	tileOffset := int(nodeIndex % TileSize)
	return tl.extendTile(TileIndexToPath(level, tileIndex, nil), func(width int) *string {
		if width >= TileSize {
			return nil
		}
		p := TileIndexToPath(level, tileIndex, &width)
		return &p
	}, tileOffset, hash)
}

// extendTile appends one hash at offset to the growing tile stored under
// fullPath, then snapshots the new contents under the partial-width key
// so readers fetching by width see a consistent object. The growing
// object always lives under the full-tile key; it only becomes servable
// as a full tile once it reaches 8192 bytes.
func (tl *TileLog) extendTile(fullPath string, partialPath func(width int) *string, offset int, hash [HashSize]byte) error {
	existing, err := tl.storage.Get(fullPath)
	if err != nil {
		return fmt.Errorf("reading tile %s: %w", fullPath, err)
	}

	currentWidth := len(existing) / HashSize
	if currentWidth > offset {
		// An orphan from an append whose tree size increment never
		// committed. Safe to overwrite in place.
		currentWidth = offset
		existing = existing[:offset*HashSize]
	}
	if currentWidth != offset {
		return fmt.Errorf("tile %s has width %d, expected %d: %w", fullPath, currentWidth, offset, ErrTileState)
	}

	grown := make([]byte, (offset+1)*HashSize)
	copy(grown, existing)
	copy(grown[offset*HashSize:], hash[:])

	if err := tl.storage.Put(fullPath, grown); err != nil {
		return fmt.Errorf("writing tile %s: %w", fullPath, err)
	}
	if p := partialPath(offset + 1); p != nil {
		if err := tl.storage.Put(*p, grown); err != nil {
			return fmt.Errorf("writing partial tile %s: %w", *p, err)
		}
	}
	return nil
}

// readNodeHash returns the hash of the node at (level, nodeIndex) from
// its materialized tree tile.
func (tl *TileLog) readNodeHash(level int, nodeIndex int64) ([HashSize]byte, error) {
	return readTreeNode(tl.storage, level, nodeIndex)
}

// GetEntryHash returns the statement hash preimage stored for entryID.
func (tl *TileLog) GetEntryHash(entryID int64) ([HashSize]byte, error) {
	return getLeafFromStorage(tl.storage, entryID)
}

// RootAt computes the RFC 6962 root hash for a tree of the given size.
func (tl *TileLog) RootAt(size int64) (tlog.Hash, error) {
	if size == 0 {
		return tlog.Hash{}, fmt.Errorf("cannot compute root of empty tree")
	}
	root, err := ComputeTreeRoot(tl.storage, size)
	if err != nil {
		return tlog.Hash{}, err
	}
	return tlog.Hash(root), nil
}

// InclusionProofAt generates an inclusion proof for entryID against a tree
// of the given size.
func (tl *TileLog) InclusionProofAt(entryID, size int64) (*InclusionProof, error) {
	return GenerateInclusionProof(tl.storage, entryID, size)
}

// ConsistencyProofBetween generates a consistency proof between two sizes.
func (tl *TileLog) ConsistencyProofBetween(oldSize, newSize int64) (*ConsistencyProof, error) {
	return GenerateConsistencyProof(tl.storage, oldSize, newSize)
}

// LeafHash applies the RFC 6962 leaf domain separator to a statement hash,
// using the same primitive golang.org/x/mod/sumdb/tlog relies on for its
// own note-signing tile logs.
func LeafHash(statementHash [HashSize]byte) tlog.Hash {
	return tlog.RecordHash(statementHash[:])
}
