// Package machofile implements the Mach-O container reader: it
// handles thin and fat (universal) binaries, selects the best-matching
// slice of a fat file per Apple's subtype fallback order, and extracts
// LC_LOAD_DYLIB, LC_LOAD_WEAK_DYLIB, LC_REEXPORT_DYLIB,
// LC_LOAD_UPWARD_DYLIB, LC_RPATH, and LC_ID_DYLIB.
//
// It builds on debug/macho for the load-command table the way
// jtanx/lddx's lddx/macho.go does (opening both macho.Open and
// macho.OpenFat and walking fp.Loads), but goes one level lower
// (TryParseLoadCmd-style raw re-parsing, per lddx/macho.go) for the load
// commands debug/macho's typed API doesn't surface: LC_RPATH,
// LC_REEXPORT_DYLIB, and LC_LOAD_UPWARD_DYLIB.
package machofile

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"fmt"

	"github.com/jtanx/rldd/internal/container"
)

const (
	lcRequired        = 0x80000000
	lcLoadDylib       = 0x0c
	lcIDDylib         = 0x0d
	lcLoadWeakDylib   = 0x18 | lcRequired
	lcRpath           = 0x1c | lcRequired
	lcReexportDylib   = 0x1f | lcRequired
	lcLoadUpwardDylib = 0x23 | lcRequired
)

func init() {
	container.SubtypesCompatible = subtypesCompatible
}

// Read parses path, selecting the best slice of a fat/universal file for the
// host architecture if necessary, and returns its container.Image.
func Read(path string) (*container.Image, error) {
	img, _, err := ReadForArch(path, hostCPU(), hostSubtype())
	return img, err
}

// ReadForArch parses path as if resolving for the given cpu/subtype. Read
// calls it with the host's cpu/subtype; no command-line flag selects a
// different one. The returned bool is true
// when no fat slice matched wantCPU/wantSubtype and the first slice was used
// as a fallback, tagged "potentially incompatible".
func ReadForArch(path string, wantCPU macho.Cpu, wantSubtype uint32) (*container.Image, bool, error) {
	raw, err := readAll(path)
	if err != nil {
		return nil, false, &container.OpenError{Path: path, Err: err}
	}

	slice, tag, err := selectSlice(raw, wantCPU, wantSubtype)
	if err != nil {
		return nil, false, &container.ParseError{Path: path, Reason: err.Error()}
	}

	img, err := ParseThin(slice, path)
	if err != nil {
		return nil, false, err
	}
	return img, tag == potentiallyIncompatible, nil
}

// ParseThin parses raw as a single (non-fat) Mach-O image located at path.
// path becomes the Image's Path, and its directory the OriginDir of every
// LC_RPATH entry. raw need not itself be a standalone file; the dyld shared
// cache reader calls this with a slice into the cache's mapped bytes, where
// path is the image's install name rather than an on-disk location.
func ParseThin(raw []byte, path string) (*container.Image, error) {
	f, err := macho.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, &container.ParseError{Path: path, Reason: err.Error()}
	}
	defer f.Close()

	img := &container.Image{
		Path: path,
		Kind: container.KindMachO,
		ABI: container.ABIDescriptor{
			Class:      classOf(f.Magic),
			BigEndian:  f.ByteOrder == binary.BigEndian,
			Machine:    uint32(f.Cpu),
			CPUSubtype: f.SubCpu,
			Flags:      uint32(f.Flags),
			Kind:       container.KindMachO,
		},
	}

	origin := img.Dir()
	for _, load := range f.Loads {
		raw := load.Raw()
		if len(raw) < 8 {
			continue
		}
		cmd := f.ByteOrder.Uint32(raw[0:4])

		switch {
		case cmd == lcLoadDylib:
			if dyl, ok := load.(*macho.Dylib); ok {
				img.Deps = append(img.Deps, container.Dependency{Name: dyl.Name, Kind: container.DepRequired})
			}
		case cmd == lcLoadWeakDylib:
			if name, err := dylibName(raw, f.ByteOrder); err == nil {
				img.Deps = append(img.Deps, container.Dependency{Name: name, Kind: container.DepWeak})
			}
		case cmd == lcReexportDylib:
			if name, err := dylibName(raw, f.ByteOrder); err == nil {
				img.Deps = append(img.Deps, container.Dependency{Name: name, Kind: container.DepReexport})
			}
		case cmd == lcLoadUpwardDylib:
			if name, err := dylibName(raw, f.ByteOrder); err == nil {
				img.Deps = append(img.Deps, container.Dependency{Name: name, Kind: container.DepUpward})
			}
		case cmd == lcIDDylib:
			if name, err := dylibName(raw, f.ByteOrder); err == nil {
				img.SoName = name
			}
		case cmd == lcRpath:
			if name, err := rpathString(raw, f.ByteOrder); err == nil {
				img.SearchPaths = append(img.SearchPaths, container.SearchDirective{
					Kind: container.SearchMachORPath, Raw: name, OriginDir: origin,
				})
			}
		}
	}

	return img, nil
}

// dylibName extracts the path string embedded in a dylib_command's raw load
// command bytes, following lddx/macho.go's TryParseLoadCmd.
func dylibName(data []byte, bo binary.ByteOrder) (string, error) {
	// dylib_command: cmd, cmdsize, then dylib{ name_offset, timestamp,
	// current_version, compat_version }. name_offset is relative to the
	// start of the command.
	if len(data) < 24 {
		return "", fmt.Errorf("truncated dylib_command")
	}
	nameOff := bo.Uint32(data[8:12])
	if int(nameOff) >= len(data) {
		return "", fmt.Errorf("invalid name offset in dylib_command")
	}
	end := int(nameOff)
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[nameOff:end]), nil
}

// rpathString extracts the path string from an LC_RPATH command, which
// shares the (cmd, cmdsize, str_offset) shape.
func rpathString(data []byte, bo binary.ByteOrder) (string, error) {
	if len(data) < 12 {
		return "", fmt.Errorf("truncated rpath_command")
	}
	off := bo.Uint32(data[8:12])
	if int(off) >= len(data) {
		return "", fmt.Errorf("invalid path offset in rpath_command")
	}
	end := int(off)
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end]), nil
}

func classOf(magic uint32) int {
	switch magic {
	case macho.Magic64:
		return 64
	default:
		return 32
	}
}

type sliceTag int

const (
	exactMatch sliceTag = iota
	fallbackFirst
	potentiallyIncompatible
)

// selectSlice picks the thin Mach-O bytes to parse: for a plain Mach-O file,
// the whole buffer; for a fat file, the arch whose cpu/subtype best matches
// wantCPU/wantSubtype under Apple's fallback order, or arch 0 tagged
// potentiallyIncompatible if nothing matches.
func selectSlice(raw []byte, wantCPU macho.Cpu, wantSubtype uint32) ([]byte, sliceTag, error) {
	if len(raw) < 4 {
		return nil, 0, fmt.Errorf("file too small to be Mach-O")
	}
	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != macho.MagicFat {
		return raw, exactMatch, nil
	}

	ff, err := macho.NewFatFile(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	defer ff.Close()

	if len(ff.Arches) == 0 {
		return nil, 0, fmt.Errorf("fat file with no architectures")
	}

	best := -1
	bestRank := -1
	for i, a := range ff.Arches {
		if a.Cpu != wantCPU {
			continue
		}
		rank := subtypeRank(a.Cpu, wantSubtype, a.SubCpu)
		if rank < 0 {
			continue
		}
		if rank > bestRank {
			bestRank = rank
			best = i
		}
	}

	tag := exactMatch
	if best < 0 {
		best = 0
		tag = potentiallyIncompatible
	}

	a := ff.Arches[best]
	start := int64(a.Offset)
	end := start + int64(a.Size)
	if end > int64(len(raw)) {
		return nil, 0, fmt.Errorf("fat arch %d extends past end of file", best)
	}
	return raw[start:end], tag, nil
}
