package ldsocache

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/jtanx/rldd/internal/hwcap"
)

// buildOldOnly constructs a minimal legacy-format ld.so.cache: the
// "ld.so-1.7.0\0" magic, a libs count, then that many {flags, key_offset,
// value_offset} records, followed by the string table the offsets point
// into.
func buildOldOnly(entries []struct{ soname, path string; flags uint32 }) []byte {
	var strs bytes.Buffer
	offsets := make([]struct{ k, v uint32 }, len(entries))
	for i, e := range entries {
		offsets[i].k = uint32(strs.Len())
		strs.WriteString(e.soname)
		strs.WriteByte(0)
		offsets[i].v = uint32(strs.Len())
		strs.WriteString(e.path)
		strs.WriteByte(0)
	}

	var buf bytes.Buffer
	buf.WriteString(oldMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(len(entries)))
	for i, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.flags)
		binary.Write(&buf, binary.LittleEndian, offsets[i].k)
		binary.Write(&buf, binary.LittleEndian, offsets[i].v)
	}
	buf.Write(strs.Bytes())
	return buf.Bytes()
}

func TestParseOldFormat(t *testing.T) {
	raw := buildOldOnly([]struct {
		soname, path string
		flags        uint32
	}{
		{"libfoo.so.1", "/lib/libfoo.so.1", flagELFLibc6},
	})

	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := c.Lookup("libfoo.so.1")
	if len(got) != 1 || got[0].Path != "/lib/libfoo.so.1" {
		t.Fatalf("Lookup(libfoo.so.1) = %+v, want one entry at /lib/libfoo.so.1", got)
	}
}

func TestParseRejectsMissingMagic(t *testing.T) {
	if _, err := Parse([]byte("not a cache file")); err == nil {
		t.Errorf("Parse with no magic prefix should fail")
	}
}

// buildNewFormat constructs an old-header-then-new-header cache with no
// hwcap extension, the common case on most installed systems.
func buildNewFormat(entries []struct{ soname, path string; flags uint32 }) []byte {
	var buf bytes.Buffer
	buf.WriteString(oldMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // old nlibs = 0

	// Pad to 8-byte alignment before new_magic, per the on-disk format.
	for buf.Len()%8 != 0 {
		buf.WriteByte(0)
	}
	newStart := buf.Len()

	buf.WriteString(newMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(len(entries))) // nlibs
	binary.Write(&buf, binary.LittleEndian, uint32(0))            // len_strings, patched below
	binary.Write(&buf, binary.LittleEndian, uint32(0))            // flags (no extension)
	binary.Write(&buf, binary.LittleEndian, uint32(0))            // extension_offset
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	// Key/value offsets are read by cstrAt relative to the start of the
	// new-format header (the "b" slice in parseNew), which begins at
	// newMagic — not relative to the string table's own start.
	strTableOffsetInB := len(newMagic) + 4*7 + len(entries)*(4+4+4+4+8)

	var strs bytes.Buffer
	offsets := make([]struct{ k, v uint32 }, len(entries))
	for i, e := range entries {
		offsets[i].k = uint32(strTableOffsetInB + strs.Len())
		strs.WriteString(e.soname)
		strs.WriteByte(0)
		offsets[i].v = uint32(strTableOffsetInB + strs.Len())
		strs.WriteString(e.path)
		strs.WriteByte(0)
	}

	for i, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.flags)
		binary.Write(&buf, binary.LittleEndian, offsets[i].k)
		binary.Write(&buf, binary.LittleEndian, offsets[i].v)
		binary.Write(&buf, binary.LittleEndian, uint32(0)) // osVersion, unused
		binary.Write(&buf, binary.LittleEndian, uint64(0)) // hwcap bitmask
	}

	raw := buf.Bytes()
	raw = append(raw, strs.Bytes()...)

	// Patch len_strings now that we know it.
	lenStringsOff := newStart + len(newMagic) + 4
	binary.LittleEndian.PutUint32(raw[lenStringsOff:lenStringsOff+4], uint32(len(strs.Bytes())))
	return raw
}

func TestParseNewFormat(t *testing.T) {
	raw := buildNewFormat([]struct {
		soname, path string
		flags        uint32
	}{
		{"libbar.so.1", "/lib64/libbar.so.1", flagELFLibc6 | flagLib64},
	})

	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := c.Lookup("libbar.so.1")
	if len(got) != 1 || got[0].Path != "/lib64/libbar.so.1" {
		t.Fatalf("Lookup(libbar.so.1) = %+v, want one entry at /lib64/libbar.so.1", got)
	}
	if got[0].HWCapName != hwcap.Name("") {
		t.Errorf("entry with no hwcap extension should carry an empty HWCapName, got %q", got[0].HWCapName)
	}
}

func TestFlagsMatch(t *testing.T) {
	cases := []struct {
		name  string
		flags uint32
		class int
		want  bool
	}{
		{"64-bit entry matches 64-bit class", flagELFLibc6 | flagLib64, 64, true},
		{"64-bit entry rejected for 32-bit class", flagELFLibc6 | flagLib64, 32, false},
		{"32-bit entry matches 32-bit class", flagELFLibc6, 32, true},
		{"32-bit entry rejected for 64-bit class", flagELFLibc6, 64, false},
		{"non-ELF entry never matches", flagELF, 64, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := FlagsMatch(c.flags, c.class); got != c.want {
				t.Errorf("FlagsMatch(%#x, %d) = %v, want %v", c.flags, c.class, got, c.want)
			}
		})
	}
}
