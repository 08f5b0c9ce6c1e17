package dyldcache

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildCache constructs a minimal dyld shared cache: header through the
// newer imagesOffset/imagesCount fields (0x1c0/0x1c4), one mapping segment
// starting at address 0x1000, and one image entry pointing at a path string
// and a load address inside that mapping.
func buildCache(t *testing.T, installPath string, imageAddr uint64, mappingAddr, mappingFileOff uint64) []byte {
	t.Helper()

	const (
		headerLen      = 0x1c8
		mappingEntrySz = 8 + 8 + 8 + 4 + 4
		imageEntrySz   = 8 + 8 + 8 + 4 + 4
	)

	mappingOffset := uint32(headerLen)
	mappingCount := uint32(1)
	imagesOffset := mappingOffset + mappingCount*mappingEntrySz
	imagesCount := uint32(1)
	pathOffset := imagesOffset + imagesCount*imageEntrySz

	buf := make([]byte, pathOffset)
	copy(buf, headerMagicPrefix)
	binary.LittleEndian.PutUint32(buf[0x10:0x14], mappingOffset)
	binary.LittleEndian.PutUint32(buf[0x14:0x18], mappingCount)
	// Leave imagesOffsetOld/imagesCountOld (0x18/0x1c) zero; the newer
	// fields below should take priority.
	binary.LittleEndian.PutUint32(buf[0x1c0:0x1c4], imagesOffset)
	binary.LittleEndian.PutUint32(buf[0x1c4:0x1c8], imagesCount)

	m := buf[mappingOffset:]
	binary.LittleEndian.PutUint64(m[0:8], mappingAddr)
	binary.LittleEndian.PutUint64(m[8:16], 0x100000) // size, generously large
	binary.LittleEndian.PutUint64(m[16:24], mappingFileOff)

	im := buf[imagesOffset:]
	binary.LittleEndian.PutUint64(im[0:8], imageAddr)
	binary.LittleEndian.PutUint32(im[24:28], pathOffset)

	buf = append(buf, []byte(installPath)...)
	buf = append(buf, 0)
	return buf
}

func TestParseAndLookup(t *testing.T) {
	raw := buildCache(t, "/usr/lib/libSystem.B.dylib", 0x1040, 0x1000, 0x2000)

	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !c.Lookup("/usr/lib/libSystem.B.dylib") {
		t.Errorf("Lookup should find the one image the cache declares")
	}
	if c.Lookup("/usr/lib/libnotpresent.dylib") {
		t.Errorf("Lookup should not find an image the cache never declared")
	}
}

func TestFileOffsetTranslation(t *testing.T) {
	raw := buildCache(t, "/usr/lib/libSystem.B.dylib", 0x1040, 0x1000, 0x2000)
	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	off, err := c.fileOffset(0x1040)
	if err != nil {
		t.Fatalf("fileOffset: %v", err)
	}
	want := int(0x2000 + (0x1040 - 0x1000))
	if off != want {
		t.Errorf("fileOffset(0x1040) = %#x, want %#x", off, want)
	}

	if _, err := c.fileOffset(0xffffffff); err == nil {
		t.Errorf("fileOffset should fail for an address outside every mapping")
	}
}

func TestParseRejectsMissingMagic(t *testing.T) {
	if _, err := Parse(bytes.Repeat([]byte{0}, 0x1c8)); err == nil {
		t.Errorf("Parse should reject a buffer without the dyld_v1 magic")
	}
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	if _, err := Parse([]byte(headerMagicPrefix)); err == nil {
		t.Errorf("Parse should reject a header shorter than the fixed fields it reads")
	}
}
