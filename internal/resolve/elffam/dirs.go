package elffam

import "github.com/jtanx/rldd/internal/resolve"

// multiarchTriplet returns the Debian-style architecture triplet
// ld.so.conf.d/*.conf files list ahead of the bare /usr/lib directories on a
// multiarch-enabled glibc system (e.g. /usr/lib/x86_64-linux-gnu). Returns ""
// for machines with no standard triplet known here, in which case only the
// bare directories are probed.
func multiarchTriplet(machine uint32, class int) string {
	const (
		emX86_64  = 62
		em386     = 3
		emARM     = 40
		emAARCH64 = 183
		emPPC64   = 21
		emS390    = 22
	)
	switch machine {
	case emX86_64:
		return "x86_64-linux-gnu"
	case em386:
		return "i386-linux-gnu"
	case emAARCH64:
		return "aarch64-linux-gnu"
	case emARM:
		return "arm-linux-gnueabihf"
	case emPPC64:
		if class == 64 {
			return "powerpc64le-linux-gnu"
		}
		return ""
	case emS390:
		return "s390x-linux-gnu"
	default:
		return ""
	}
}

// trustedDirs returns the final, no-cache-hit fallback directories for
// ctx.Platform, each already adjusted for the binary's word size (lib vs.
// lib64) and, for glibc, the architecture-triplet multiarch directories
// Debian-family distros populate via ld.so.conf.d. Each returned directory is
// itself expanded by hwcapDirs into its glibc-hwcaps/<name> subdirectories,
// highest-priority first, ahead of the bare directory, matching how glibc
// probes an hwcap subdirectory at any directory it scans, cache or not.
// These are the "Per-OS deltas" ordering: Linux's multilib split, FreeBSD's
// /usr/local/lib addition, and the BSD/Illumos families that carry no
// ld.so.cache at all and so lean more heavily on this step.
func trustedDirs(ctx *resolve.Context) []string {
	var bases []string
	switch ctx.Platform {
	case resolve.PlatformLinuxMusl:
		// musl has no multilib/multiarch convention and no cache; /lib and
		// /usr/lib are searched directly regardless of word size.
		bases = []string{"/lib", "/usr/lib"}
	case resolve.PlatformAndroid:
		// Android's linker has no /etc/ld.so.cache and no trusted-directory
		// fallback at all beyond the APK's own library directory, which the
		// walker surfaces through DT_RUNPATH/LD_LIBRARY_PATH, not here.
		return nil
	case resolve.PlatformFreeBSD:
		bases = []string{"/usr/lib", "/usr/local/lib"}
	case resolve.PlatformOpenBSD, resolve.PlatformNetBSD:
		// Real *BSD linkers also consult /var/run/ld.so.hints; rldd has no
		// hints-file reader, so this falls back to the hints file's usual
		// default contents.
		bases = []string{"/usr/lib", "/usr/local/lib"}
	case resolve.PlatformIllumos:
		bases = []string{"/lib", "/usr/lib"}
	default: // PlatformLinuxGlibc
		triplet := multiarchTriplet(ctx.RootABI.Machine, ctx.RootABI.Class)
		if ctx.LibDir == "lib64" {
			bases = []string{"/lib64", "/usr/lib64"}
			if triplet != "" {
				bases = append(bases, "/lib/"+triplet, "/usr/lib/"+triplet)
			}
			bases = append(bases, "/lib", "/usr/lib")
		} else {
			if triplet != "" {
				bases = append(bases, "/lib/"+triplet, "/usr/lib/"+triplet)
			}
			bases = append(bases, "/lib", "/usr/lib")
		}
	}
	return hwcapDirs(bases, ctx)
}

// hwcapDirs expands each of bases into its glibc-hwcaps/<name> subdirectory
// variants (highest-priority ctx.HWCap entry first) followed by the bare
// directory itself, the same precedence rankedCacheCandidates applies to
// ld.so.cache entries.
func hwcapDirs(bases []string, ctx *resolve.Context) []string {
	if len(ctx.HWCap) == 0 {
		return bases
	}
	var out []string
	for _, base := range bases {
		for _, name := range ctx.HWCap { // already highest-priority first
			out = append(out, base+"/glibc-hwcaps/"+string(name))
		}
		out = append(out, base)
	}
	return out
}
