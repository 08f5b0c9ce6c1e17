// Package dyldcache reads the macOS dyld shared cache: the combined-image
// file every system dylib is baked into on modern macOS, consulted as a
// fallback when a Mach-O dependency has no on-disk file of its own. No
// library in the retrieved pack parses this format at the header/mapping
// fidelity a resolver fallback needs — blacktop/go-macho ships only the
// newer PrebuiltLoaderSet structures (a different, JIT-loader-era format),
// so this reader is built directly on the well-documented dyld_cache_header
// layout, in the same raw-binary.LittleEndian style elffile and machofile
// already use for their own stdlib-uncovered structures.
package dyldcache

import (
	"encoding/binary"
	"fmt"

	"github.com/jtanx/rldd/internal/container"
	"github.com/jtanx/rldd/internal/container/machofile"
)

// KnownPaths lists the well-known dyld shared cache locations to probe, most
// specific (per-architecture) first.
func KnownPaths(arch string) []string {
	base := "/System/Library/dyld/"
	return []string{
		base + "dyld_shared_cache_" + arch,
		"/System/Volumes/Preboot/Cryptexes/OS" + base + "dyld_shared_cache_" + arch,
	}
}

const headerMagicPrefix = "dyld_v1"

// image is one entry from the cache's image array: its load-time address
// and the file offset of its install-name string.
type image struct {
	address        uint64
	pathFileOffset uint32
}

type mapping struct {
	address    uint64
	size       uint64
	fileOffset uint64
}

// Cache is the parsed, queryable form of a dyld shared cache: install path
// to image, plus the mapping table needed to translate a load-time address
// within the cache to a file offset.
type Cache struct {
	raw      []byte
	mappings []mapping
	images   map[string]image
}

// Load reads and parses path (a dyld shared cache file).
func Load(path string, read func(string) ([]byte, error)) (*Cache, error) {
	raw, err := read(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse parses the raw bytes of a dyld shared cache.
func Parse(raw []byte) (*Cache, error) {
	if len(raw) < 16 || string(raw[:len(headerMagicPrefix)]) != headerMagicPrefix {
		return nil, fmt.Errorf("dyldcache: missing dyld_v1 magic")
	}
	if len(raw) < 0x1c0 {
		return nil, fmt.Errorf("dyldcache: truncated header")
	}

	// dyld_cache_header, fields relevant to image/mapping discovery. Layout
	// matches every publicly documented revision from the header's
	// introduction through the current (images_offset/images_count)
	// generation; older caches without those two fields fall back to
	// images_offset_old/images_count_old at the same byte offsets.
	mappingOffset := binary.LittleEndian.Uint32(raw[0x10:0x14])
	mappingCount := binary.LittleEndian.Uint32(raw[0x14:0x18])
	imagesOffsetOld := binary.LittleEndian.Uint32(raw[0x18:0x1c])
	imagesCountOld := binary.LittleEndian.Uint32(raw[0x1c:0x20])

	imagesOffset := imagesOffsetOld
	imagesCount := imagesCountOld
	if len(raw) >= 0x1c8 {
		if v := binary.LittleEndian.Uint32(raw[0x1c0:0x1c4]); v != 0 {
			imagesOffset = v
			imagesCount = binary.LittleEndian.Uint32(raw[0x1c4:0x1c8])
		}
	}

	c := &Cache{raw: raw, images: make(map[string]image)}

	const mappingEntrySz = 8 + 8 + 8 + 4 + 4 // address, size, fileOffset, maxProt, initProt
	mappingsEnd := int(mappingOffset) + int(mappingCount)*mappingEntrySz
	if mappingsEnd > len(raw) {
		return nil, fmt.Errorf("dyldcache: truncated mapping table")
	}
	for i := uint32(0); i < mappingCount; i++ {
		e := raw[int(mappingOffset)+int(i)*mappingEntrySz:]
		c.mappings = append(c.mappings, mapping{
			address:    binary.LittleEndian.Uint64(e[0:8]),
			size:       binary.LittleEndian.Uint64(e[8:16]),
			fileOffset: binary.LittleEndian.Uint64(e[16:24]),
		})
	}

	const imageEntrySz = 8 + 8 + 8 + 4 + 4 // address, modTime, inode, pathFileOffset, pad
	imagesEnd := int(imagesOffset) + int(imagesCount)*imageEntrySz
	if imagesEnd > len(raw) {
		return nil, fmt.Errorf("dyldcache: truncated image table")
	}
	for i := uint32(0); i < imagesCount; i++ {
		e := raw[int(imagesOffset)+int(i)*imageEntrySz:]
		addr := binary.LittleEndian.Uint64(e[0:8])
		pathOff := binary.LittleEndian.Uint32(e[24:28])
		name, err := cstrAt(raw, pathOff)
		if err != nil {
			continue
		}
		c.images[name] = image{address: addr, pathFileOffset: pathOff}
	}

	return c, nil
}

// Lookup reports whether installPath names an image baked into the cache.
func (c *Cache) Lookup(installPath string) bool {
	_, ok := c.images[installPath]
	return ok
}

// Materialize parses the cached Mach-O load commands for installPath,
// producing the same container.Image a standalone file would, so the
// dependency walker can keep recursing into the cache's own dependency
// graph without special-casing cache-resident nodes.
func (c *Cache) Materialize(installPath string) (*container.Image, error) {
	img, ok := c.images[installPath]
	if !ok {
		return nil, fmt.Errorf("dyldcache: %s not present in cache", installPath)
	}
	off, err := c.fileOffset(img.address)
	if err != nil {
		return nil, err
	}
	if off >= len(c.raw) {
		return nil, fmt.Errorf("dyldcache: image %s offset out of range", installPath)
	}
	return machofile.ParseThin(c.raw[off:], installPath)
}

// fileOffset translates a cache-relative load address to a file offset by
// finding the mapping segment containing it and applying its fixed
// (address - fileOffset) delta, the slide dyld itself would apply at load
// time.
func (c *Cache) fileOffset(addr uint64) (int, error) {
	for _, m := range c.mappings {
		if addr >= m.address && addr < m.address+m.size {
			return int(m.fileOffset + (addr - m.address)), nil
		}
	}
	return 0, fmt.Errorf("dyldcache: address %#x not covered by any mapping", addr)
}

func cstrAt(raw []byte, off uint32) (string, error) {
	if int(off) >= len(raw) {
		return "", fmt.Errorf("dyldcache: string offset out of range")
	}
	end := int(off)
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return string(raw[off:end]), nil
}
