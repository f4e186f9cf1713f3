package merkle_test

import (
	"strings"
	"testing"

	"github.com/opentlog/tlogd/pkg/merkle"
)

func TestTileIndexEncoding(t *testing.T) {
	cases := []struct {
		index int64
		path  string
	}{
		{0, "tile/0/000"},
		{5, "tile/0/005"},
		{42, "tile/0/042"},
		{255, "tile/0/255"},
		{256, "tile/0/x001/000"},
		{1000, "tile/0/x003/232"},
		{65535, "tile/0/x255/255"},
		{65536, "tile/0/x065/536"},
		{1234067, "tile/0/x001/x234/067"},
	}

	for _, tc := range cases {
		got := merkle.TileIndexToPath(0, tc.index, nil)
		if got != tc.path {
			t.Errorf("index %d: got %q, want %q", tc.index, got, tc.path)
		}

		parsed, err := merkle.ParseTilePath(tc.path)
		if err != nil {
			t.Errorf("parse %q: %v", tc.path, err)
			continue
		}
		if parsed.Index != tc.index || parsed.Level != 0 || parsed.IsPartial {
			t.Errorf("parse %q: got %+v", tc.path, parsed)
		}
	}
}

func TestTileIndexRoundTripAcrossLevels(t *testing.T) {
	indices := []int64{0, 1, 255, 256, 300, 65535, 65536, 99999999}
	for level := 0; level < 5; level++ {
		for _, index := range indices {
			path := merkle.TileIndexToPath(level, index, nil)
			parsed, err := merkle.ParseTilePath(path)
			if err != nil {
				t.Fatalf("parse %q: %v", path, err)
			}
			if parsed.Level != level || parsed.Index != index {
				t.Errorf("round trip (%d, %d) via %q: got (%d, %d)",
					level, index, path, parsed.Level, parsed.Index)
			}
		}
	}
}

func TestPartialTilePaths(t *testing.T) {
	width := 44
	path := merkle.TileIndexToPath(3, 7, &width)
	if path != "tile/3/007.p/44" {
		t.Fatalf("got %q", path)
	}

	parsed, err := merkle.ParseTilePath(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.IsPartial || parsed.Width != 44 || parsed.Level != 3 || parsed.Index != 7 {
		t.Errorf("got %+v", parsed)
	}

	t.Run("width bounds are enforced at render time", func(t *testing.T) {
		for _, bad := range []int{0, 256, -1} {
			w := bad
			func() {
				defer func() {
					if recover() == nil {
						t.Errorf("width %d should panic", bad)
					}
				}()
				merkle.TileIndexToPath(0, 0, &w)
			}()
		}
	})
}

func TestEntryTilePaths(t *testing.T) {
	if got := merkle.EntryTileIndexToPath(12, nil); got != "tile/entries/012" {
		t.Errorf("got %q", got)
	}

	width := 200
	path := merkle.EntryTileIndexToPath(300, &width)
	if path != "tile/entries/x001/044.p/200" {
		t.Fatalf("got %q", path)
	}

	parsed, err := merkle.ParseEntryTilePath(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Index != 300 || !parsed.IsPartial || parsed.Width != 200 {
		t.Errorf("got %+v", parsed)
	}
}

func TestParseTilePathRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"tile",
		"tile/",
		"tile/0",
		"checkpoint/5",
		"tile/abc/000",
		"tile/0/000.p/notanumber",
		"tile/0/0x0",
	}
	for _, path := range bad {
		if _, err := merkle.ParseTilePath(path); err == nil {
			t.Errorf("expected parse error for %q", path)
		}
	}

	if _, err := merkle.ParseEntryTilePath("tile/0/000"); err == nil {
		t.Error("tree tile path should not parse as an entry tile")
	}
	if _, err := merkle.ParseEntryTilePath("tile/entries/zzz"); err == nil {
		t.Error("non-numeric entry index should not parse")
	}
}

func TestEntryIDTileCoordinates(t *testing.T) {
	cases := []struct {
		entryID int64
		index   int64
		offset  int
	}{
		{0, 0, 0},
		{1, 0, 1},
		{255, 0, 255},
		{256, 1, 0},
		{1000, 3, 232},
	}
	for _, tc := range cases {
		if got := merkle.EntryIDToTileIndex(tc.entryID); got != tc.index {
			t.Errorf("entry %d tile index: got %d, want %d", tc.entryID, got, tc.index)
		}
		if got := merkle.EntryIDToTileOffset(tc.entryID); got != tc.offset {
			t.Errorf("entry %d tile offset: got %d, want %d", tc.entryID, got, tc.offset)
		}
	}
}

func TestTilePathsAreStorageSafe(t *testing.T) {
	// Keys feed straight into blob store backends, so no segment may be
	// empty, relative, or contain characters outside the expected set.
	for _, index := range []int64{0, 255, 256, 65536, 123456789} {
		path := merkle.TileIndexToPath(0, index, nil)
		for _, seg := range strings.Split(path, "/") {
			if seg == "" || seg == "." || seg == ".." {
				t.Errorf("path %q has unsafe segment %q", path, seg)
			}
		}
	}
}
