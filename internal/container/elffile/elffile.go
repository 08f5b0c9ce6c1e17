// Package elffile implements the ELF container reader: it parses ELF
// identification, the PT_DYNAMIC segment, and the interpreter,
// producing a container.Image. It builds on debug/elf the way
// other_examples' elftree and apptainer's paths.go do, but goes one layer
// lower than debug/elf's own DynString/ImportedLibraries helpers so that
// DT_RPATH, DT_RUNPATH, and DT_FLAGS_1 are all available together in
// declaration order (debug/elf exposes DT_NEEDED conveniently but not the
// others without a second raw pass over .dynamic).
package elffile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/jtanx/rldd/internal/container"
)

// dynTag mirrors the subset of debug/elf.DynTag this reader cares about.
// DT_FLAGS_1 isn't exported as a named elf.DynTag constant on every Go
// version, so it is declared locally per glibc's elf.h.
const (
	dtNull     = int64(elf.DT_NULL)
	dtNeeded   = int64(elf.DT_NEEDED)
	dtStrtab   = int64(elf.DT_STRTAB)
	dtSoname   = int64(elf.DT_SONAME)
	dtRpath    = int64(elf.DT_RPATH)
	dtRunpath  = int64(elf.DT_RUNPATH)
	dtFlags1   = 0x6ffffffb
	// DT_FLAGS (tag 30) itself is never read: none of its bits are
	// behaviorally load-bearing here, only DT_FLAGS_1's DF_1_NODEFLIB is.

	df1Nodeflib = 0x00000800 // DF_1_NODEFLIB
)

// Read parses path as an ELF file and returns its container.Image.
//
// Malformed PT_DYNAMIC segments are reported as *container.ParseError; the
// caller (the dependency walker) treats that as fatal for this subtree only.
func Read(path string) (*container.Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &container.OpenError{Path: path, Err: err}
	}
	defer f.Close()

	img := &container.Image{
		Path: path,
		Kind: container.KindELF,
		ABI: container.ABIDescriptor{
			Class:     classOf(f.Class),
			BigEndian: f.ByteOrder == binary.BigEndian,
			Machine:   uint32(f.Machine),
			OSABI:     uint32(f.OSABI),
			Kind:      container.KindELF,
		},
	}

	if interp := findInterp(f); interp != "" {
		img.Interpreter = interp
	}

	dynData, entsize, err := dynamicData(f)
	if err != nil {
		return nil, &container.ParseError{Path: path, Reason: err.Error()}
	}
	if dynData == nil {
		// Statically linked: no PT_DYNAMIC. Not an error by itself; the
		// image simply has no dependencies to walk.
		return img, nil
	}

	strtabAddr, err := findStrtabAddr(f.ByteOrder, dynData, entsize, f.Class == elf.ELFCLASS64)
	if err != nil {
		return nil, &container.ParseError{Path: path, Reason: err.Error()}
	}
	strtab, err := readVaddr(f, strtabAddr)
	if err != nil {
		return nil, &container.ParseError{Path: path, Reason: fmt.Sprintf("DT_STRTAB out of range: %v", err)}
	}

	if err := parseDynamic(img, f.ByteOrder, dynData, entsize, f.Class == elf.ELFCLASS64, strtab); err != nil {
		return nil, &container.ParseError{Path: path, Reason: err.Error()}
	}

	return img, nil
}

func classOf(c elf.Class) int {
	if c == elf.ELFCLASS64 {
		return 64
	}
	return 32
}

func findInterp(f *elf.File) string {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return ""
		}
		if i := bytes.IndexByte(data, 0); i >= 0 {
			data = data[:i]
		}
		return string(data)
	}
	return ""
}

// dynamicData returns the raw bytes of the PT_DYNAMIC segment and the entry
// size for the file's class (8 bytes on 32-bit: two 4-byte fields; 16 bytes
// on 64-bit: two 8-byte fields).
func dynamicData(f *elf.File) ([]byte, int, error) {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_DYNAMIC {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, 0, fmt.Errorf("reading PT_DYNAMIC: %w", err)
		}
		entsize := 8
		if f.Class == elf.ELFCLASS64 {
			entsize = 16
		}
		return data, entsize, nil
	}
	return nil, 0, nil
}

func findStrtabAddr(bo binary.ByteOrder, data []byte, entsize int, is64 bool) (uint64, error) {
	n := len(data) / entsize
	for i := 0; i < n; i++ {
		tag, val := dynEntry(bo, data, entsize, i, is64)
		if tag == dtNull {
			break
		}
		if tag == dtStrtab {
			return val, nil
		}
	}
	return 0, fmt.Errorf("no DT_STRTAB entry found")
}

func dynEntry(bo binary.ByteOrder, data []byte, entsize, i int, is64 bool) (tag int64, val uint64) {
	ent := data[i*entsize : (i+1)*entsize]
	if is64 {
		tag = int64(bo.Uint64(ent[0:8]))
		val = bo.Uint64(ent[8:16])
	} else {
		tag = int64(int32(bo.Uint32(ent[0:4])))
		val = uint64(bo.Uint32(ent[4:8]))
	}
	return tag, val
}

// readVaddr reads the full extent of the string table, identified by
// locating the PT_LOAD segment that covers addr and computing the file
// offset of the rest of that segment from there: string-table resolution
// follows DT_STRTAB at the resolved virtual address.
func readVaddr(f *elf.File, addr uint64) ([]byte, error) {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if addr < prog.Vaddr || addr >= prog.Vaddr+prog.Filesz {
			continue
		}
		off := prog.Off + (addr - prog.Vaddr)
		size := prog.Off + prog.Filesz - off
		data := make([]byte, size)
		if _, err := prog.ReadAt(data, int64(addr-prog.Vaddr)); err != nil {
			return nil, err
		}
		return data, nil
	}
	return nil, &container.ParseError{Reason: "string table virtual address not mapped by any PT_LOAD"}
}

func cstr(strtab []byte, off uint64) (string, error) {
	if off >= uint64(len(strtab)) {
		return "", fmt.Errorf("string offset %d out of range (table size %d)", off, len(strtab))
	}
	end := off
	for end < uint64(len(strtab)) && strtab[end] != 0 {
		end++
	}
	return string(strtab[off:end]), nil
}

func parseDynamic(img *container.Image, bo binary.ByteOrder, data []byte, entsize int, is64 bool, strtab []byte) error {
	n := len(data) / entsize
	var flags1 uint64
	var rpath, runpath string

	for i := 0; i < n; i++ {
		tag, val := dynEntry(bo, data, entsize, i, is64)
		if tag == dtNull {
			break
		}
		switch tag {
		case dtNeeded:
			name, err := cstr(strtab, val)
			if err != nil {
				return fmt.Errorf("DT_NEEDED: %w", err)
			}
			img.Deps = append(img.Deps, container.Dependency{Name: name, Kind: container.DepRequired})
		case dtSoname:
			name, err := cstr(strtab, val)
			if err != nil {
				return fmt.Errorf("DT_SONAME: %w", err)
			}
			img.SoName = name
		case dtRpath:
			s, err := cstr(strtab, val)
			if err != nil {
				return fmt.Errorf("DT_RPATH: %w", err)
			}
			rpath = s
		case dtRunpath:
			s, err := cstr(strtab, val)
			if err != nil {
				return fmt.Errorf("DT_RUNPATH: %w", err)
			}
			runpath = s
		case dtFlags1:
			flags1 = val
		}
	}

	origin := img.Dir()
	if rpath != "" {
		for _, p := range splitPath(rpath) {
			img.SearchPaths = append(img.SearchPaths, container.SearchDirective{Kind: container.SearchRPath, Raw: p, OriginDir: origin})
		}
	}
	if runpath != "" {
		for _, p := range splitPath(runpath) {
			img.SearchPaths = append(img.SearchPaths, container.SearchDirective{Kind: container.SearchRunPath, Raw: p, OriginDir: origin})
		}
	}

	img.ABI.Flags = uint32(flags1)
	img.NoDefaultLib = flags1&df1Nodeflib != 0

	return nil
}

func splitPath(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ':' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
