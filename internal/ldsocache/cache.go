// Package ldsocache reads glibc's /etc/ld.so.cache, detecting all three
// on-disk layouts by magic prefix: the legacy libc5/glibc-2.0/2.1 format,
// the "new" glibc-ld.so.cache1.1 format, and that format's hwcap-string-table
// extension (used for glibc-hwcaps/<name> subdirectory entries on modern
// glibc). It is grounded on the sandboxed-tor-browser dynlib package's
// cache.go, generalized from "first entry wins" to a full
// candidate-list-per-soname shape, and extended with the hwcap-string
// extension section cache.go never had to parse because it only ever
// consulted amd64 (hwcap-less) caches.
package ldsocache

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jtanx/rldd/internal/hwcap"
)

// Entry is one {path, hwcap_mask, flags} record for a soname.
type Entry struct {
	Path    string
	Flags   uint32 // ELF class/machine encoding, see FlagsMatch
	HWCap   uint64 // legacy hwcap bitmask, meaningless once HWCapName != ""
	HWCapName hwcap.Name // glibc-hwcaps/<name> this entry was filed under, if any
}

// Cache is the parsed, queryable form of ld.so.cache: soname -> candidate
// entries, not yet filtered by the querying binary's ABI (the resolver does
// that, since one Cache serves every lookup in a run).
type Cache struct {
	entries map[string][]Entry
}

// Lookup returns every cache entry recorded for soname, in on-disk order.
func (c *Cache) Lookup(soname string) []Entry {
	return c.entries[soname]
}

const (
	oldMagic = "ld.so-1.7.0\000"
	newMagic = "glibc-ld.so.cache1.1"

	// flags, per sysdeps/generic/dl-cache.h
	flagELF      = 0x0001
	flagELFLibc6 = 0x0003
	flagELF64    = 0x0100 // not consulted: FlagsMatch keys 64-bit entries on flagLib64
	flagLib64    = 0x0300 // combined x86-64 "lib64" tag glibc actually writes

	extensionTagGlibcHWCaps = 1
)

// Load reads and parses path (typically /etc/ld.so.cache, overridable via
// --ldso-conf).
func Load(path string, read func(string) ([]byte, error)) (*Cache, error) {
	raw, err := read(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse parses the raw bytes of an ld.so.cache file.
func Parse(raw []byte) (*Cache, error) {
	if bytes.HasPrefix(raw, []byte(newMagic)) {
		// New-format-only cache: no legacy header in front.
		return parseNew(raw)
	}

	if !bytes.HasPrefix(raw, []byte(oldMagic)) {
		return nil, fmt.Errorf("ldsocache: missing old-format magic")
	}
	b := raw[len(oldMagic):]

	if len(b) < 4 {
		return nil, fmt.Errorf("ldsocache: truncated (nlibs)")
	}
	oldNlibs := int(binary.LittleEndian.Uint32(b))
	b = b[4:]

	const oldEntrySz = 4 + 4 + 4
	oldSkip := oldEntrySz * oldNlibs
	if len(b) < oldSkip {
		return nil, fmt.Errorf("ldsocache: truncated (old libs[])")
	}
	oldEnd := len(raw) - len(b) + oldSkip
	b = b[oldSkip:]

	// new_magic is 8-byte aligned relative to the start of the file.
	pad := (((oldEnd + 7) / 8) * 8) - oldEnd
	if len(b) < pad {
		return nil, fmt.Errorf("ldsocache: truncated (pad)")
	}
	b = b[pad:]

	if !bytes.HasPrefix(b, []byte(newMagic)) {
		// Old-format-only cache (pre-glibc-2.2). No hwcap data available.
		return parseOldOnly(raw, oldNlibs)
	}

	return parseNew(b)
}

func parseOldOnly(raw []byte, nlibs int) (*Cache, error) {
	c := &Cache{entries: make(map[string][]Entry)}
	b := raw[len(oldMagic)+4:]
	const entrySz = 4 + 4 + 4
	// Key/value offsets are relative to the string table that follows the
	// libs[] array.
	strs := b[nlibs*entrySz:]
	for i := 0; i < nlibs; i++ {
		ent := b[i*entrySz : (i+1)*entrySz]
		flags := binary.LittleEndian.Uint32(ent[0:4])
		kOff := binary.LittleEndian.Uint32(ent[4:8])
		vOff := binary.LittleEndian.Uint32(ent[8:12])
		key, err := cstrAt(strs, kOff)
		if err != nil {
			continue
		}
		val, err := cstrAt(strs, vOff)
		if err != nil {
			continue
		}
		c.entries[key] = append(c.entries[key], Entry{Path: val, Flags: flags})
	}
	return c, nil
}

func parseNew(b []byte) (*Cache, error) {
	stringTable := b

	c := &Cache{entries: make(map[string][]Entry)}
	hdr := b[len(newMagic):]

	// struct cache_file_new: nlibs, len_strings, then 5 reserved words; the
	// first two reserved words are (in modern glibc) flags and
	// extension_offset.
	if len(hdr) < 4*7 {
		return nil, fmt.Errorf("ldsocache: truncated (new header)")
	}
	nlibs := int(binary.LittleEndian.Uint32(hdr[0:4]))
	lenStrings := int(binary.LittleEndian.Uint32(hdr[4:8]))
	extFlags := binary.LittleEndian.Uint32(hdr[8:12])
	extOffset := binary.LittleEndian.Uint32(hdr[12:16])
	rest := hdr[4*7:]

	const entrySz = 4 + 4 + 4 + 4 + 8
	if len(rest) < nlibs*entrySz {
		return nil, fmt.Errorf("ldsocache: truncated (new libs[])")
	}
	rawLibs := rest[:nlibs*entrySz]
	tail := rest[len(rawLibs):]
	if len(tail) < lenStrings {
		return nil, fmt.Errorf("ldsocache: lenStrings appears invalid")
	}

	var hwcapNames map[uint64]hwcap.Name
	if extFlags != 0 && extOffset != 0 && int(extOffset) < len(stringTable) {
		hwcapNames = parseHWCapExtension(stringTable, extOffset)
	}

	for i := 0; i < nlibs; i++ {
		e := rawLibs[i*entrySz : (i+1)*entrySz]
		flags := binary.LittleEndian.Uint32(e[0:4])
		kIdx := binary.LittleEndian.Uint32(e[4:8])
		vIdx := binary.LittleEndian.Uint32(e[8:12])
		// osVersion at e[12:16] is not surfaced in Entry; the resolver keys
		// purely on flags/hwcap.
		rawHWCap := binary.LittleEndian.Uint64(e[16:24])

		key, err := cstrAt(stringTable, kIdx)
		if err != nil {
			continue
		}
		val, err := cstrAt(stringTable, vIdx)
		if err != nil {
			continue
		}

		ent := Entry{Path: val, Flags: flags}
		if rawHWCap&(1<<63) != 0 && hwcapNames != nil {
			if name, ok := hwcapNames[rawHWCap&^(1<<63)]; ok {
				ent.HWCapName = name
			}
		} else {
			ent.HWCap = rawHWCap
		}

		c.entries[key] = append(c.entries[key], ent)
	}

	return c, nil
}

// parseHWCapExtension reads the cache_extension_tag_glibc_hwcaps section (a
// count followed by that many uint32 string-table offsets, one per
// glibc-hwcaps subdirectory name) and returns a map from the index within
// that array (the value a hwcap-tagged entry's low 63 bits carry) to the
// resolved name.
func parseHWCapExtension(stringTable []byte, extOffset uint32) map[uint64]hwcap.Name {
	if int(extOffset)+8 > len(stringTable) {
		return nil
	}
	count := binary.LittleEndian.Uint32(stringTable[extOffset+4 : extOffset+8])
	sections := stringTable[extOffset+8:]
	const sectionSz = 4 + 4 + 4 + 4
	if len(sections) < int(count)*sectionSz {
		return nil
	}

	out := make(map[uint64]hwcap.Name)
	for i := uint32(0); i < count; i++ {
		sec := sections[i*sectionSz : (i+1)*sectionSz]
		tag := binary.LittleEndian.Uint32(sec[0:4])
		if tag != extensionTagGlibcHWCaps {
			continue
		}
		off := binary.LittleEndian.Uint32(sec[8:12])
		size := binary.LittleEndian.Uint32(sec[12:16])
		if int(off)+int(size) > len(stringTable) {
			continue
		}
		names := stringTable[off : off+size]
		n := size / 4
		for idx := uint32(0); idx < n; idx++ {
			nameOff := binary.LittleEndian.Uint32(names[idx*4 : idx*4+4])
			s, err := cstrAt(stringTable, nameOff)
			if err != nil {
				continue
			}
			out[uint64(idx)] = hwcap.Name(s)
		}
	}
	return out
}

func cstrAt(table []byte, off uint32) (string, error) {
	if int(off) >= len(table) {
		return "", fmt.Errorf("ldsocache: string offset out of range")
	}
	end := bytes.IndexByte(table[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("ldsocache: unterminated string")
	}
	return string(table[off : off+uint32(end)]), nil
}

// FlagsMatch reports whether a cache entry's flags are usable for an ELF
// image of the given class (32/64): entries are filtered to those whose
// flags match the root's ABI.
func FlagsMatch(entryFlags uint32, class int) bool {
	if entryFlags&flagELFLibc6 != flagELFLibc6 {
		return false
	}
	if class == 64 {
		return entryFlags&flagLib64 == flagLib64
	}
	// 32-bit libs are recorded without the lib64 bits set.
	return entryFlags&flagLib64 == 0
}
