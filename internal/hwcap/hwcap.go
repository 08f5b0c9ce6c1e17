// Package hwcap derives the CPU's supported glibc-hwcap set, used by
// internal/resolve/elffam to prefer a glibc-hwcaps/<name> cache entry over the
// bare entry for the same soname. The set is derived once at startup per
// architecture. Feature detection uses golang.org/x/sys/cpu, already carried
// as an indirect dependency of jtanx/lddx's go.mod, in place of hand-written
// CPUID/cgo getauxval calls.
package hwcap

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Name is a glibc-hwcap subdirectory name, e.g. "x86-64-v3".
type Name string

// Set is the CPU's supported hwcaps, ordered highest-priority first. The
// resolver consults Priority to rank multiple cache entries for the same
// soname.
type Set []Name

// Priority returns name's rank in s (0 = none, higher = more specific /
// preferred), or 0 if the CPU does not support it.
func (s Set) Priority(name Name) int {
	for i, n := range s {
		if n == name {
			return len(s) - i
		}
	}
	return 0
}

// Detect returns the current host's supported glibc-hwcap set, highest
// priority first. Architectures with no defined hwcap subdirectories (the
// common case outside the four listed below) return an empty set.
func Detect() Set {
	switch runtime.GOARCH {
	case "amd64":
		return detectX86_64V()
	case "arm64":
		return detectAArch64()
	case "ppc64", "ppc64le":
		return detectPower64()
	case "s390x":
		return detectS390x()
	default:
		return nil
	}
}

// detectX86_64V follows the glibc x86-64 "microarchitecture levels"
// (x86-64-v2/v3/v4), each a strict superset of CPU features over the last,
// derived from CPUID feature bits surfaced by golang.org/x/sys/cpu.
func detectX86_64V() Set {
	var s Set
	// v2: SSE3/SSSE3/SSE4.1/SSE4.2/POPCNT/CX16
	v2 := cpu.X86.HasSSE3 && cpu.X86.HasSSSE3 && cpu.X86.HasSSE41 &&
		cpu.X86.HasSSE42 && cpu.X86.HasPOPCNT && cpu.X86.HasCX16
	if !v2 {
		return nil
	}
	// v3: AVX/AVX2/BMI1/BMI2/FMA (F16C/LZCNT/MOVBE are not checked)
	v3 := cpu.X86.HasAVX && cpu.X86.HasAVX2 && cpu.X86.HasBMI1 &&
		cpu.X86.HasBMI2 && cpu.X86.HasFMA
	// v4: AVX512F/CD/BW/DQ/VL
	v4 := v3 && cpu.X86.HasAVX512F && cpu.X86.HasAVX512CD &&
		cpu.X86.HasAVX512BW && cpu.X86.HasAVX512DQ && cpu.X86.HasAVX512VL

	if v4 {
		s = append(s, "x86-64-v4")
	}
	if v3 {
		s = append(s, "x86-64-v3")
	}
	s = append(s, "x86-64-v2")
	return s
}

// detectAArch64 follows glibc's aarch64 hwcap directories for the handful of
// server-class feature combinations it ships fallback tables for.
func detectAArch64() Set {
	var s Set
	if cpu.ARM64.HasSVE && cpu.ARM64.HasASIMDDP {
		s = append(s, "sve")
	}
	if cpu.ARM64.HasASIMDDP {
		s = append(s, "asimddp")
	}
	return s
}

// detectPower64 and detectS390x stand in for the platform-reported hwcap
// strings glibc derives via platform reporting on those architectures; rldd
// has no portable way to read AT_PLATFORM for a foreign root without cgo,
// so it reports no additional hwcap directories there and relies on the
// plain (non-hwcap) cache entry.
func detectPower64() Set { return nil }
func detectS390x() Set   { return nil }
