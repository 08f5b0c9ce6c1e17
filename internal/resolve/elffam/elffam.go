// Package elffam implements the ELF-family resolver: ordered search-origin
// priority with $ORIGIN/$LIB/$PLATFORM token substitution,
// LD_LIBRARY_PATH, legacy RPATH inheritance, RUNPATH, the ld.so.cache, and
// trusted default directories with per-OS deltas (Linux/FreeBSD/OpenBSD/
// NetBSD/Illumos). Grounded on other_examples' elftree main.go
// (findLib's RPATH-then-LD_LIBRARY_PATH-then-RUNPATH-then-conf-then-default
// ordering, generalized here into the full priority order including the
// cache and hwcap-aware multilib variants) and the sandboxed-tor-browser
// dynlib package for the cache-consultation step.
package elffam

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jtanx/rldd/internal/container"
	"github.com/jtanx/rldd/internal/hwcap"
	"github.com/jtanx/rldd/internal/ldsocache"
	"github.com/jtanx/rldd/internal/resolve"
)

// Cache is the subset of ldsocache.Cache the resolver needs; declared as an
// interface here so tests can supply a fake without constructing a real
// binary cache file.
type Cache interface {
	Lookup(soname string) []ldsocache.Entry
}

// Resolve looks up name, a dependency declared by image, under ctx.
// cache may be nil (no ld.so.cache available / musl / Android).
func Resolve(name string, image *container.Image, ctx *resolve.Context, probe resolve.FileProbe, cache Cache) resolve.Result {
	var res resolve.Result

	try := func(candidate, source string) bool {
		ok := tryCandidate(candidate, source, ctx.RootABI, probe, &res)
		return ok
	}

	// 1. Path-qualified names bypass search entirely.
	if strings.Contains(name, "/") {
		candidate := name
		if !filepath.IsAbs(candidate) {
			if wd, err := os.Getwd(); err == nil {
				candidate = filepath.Join(wd, candidate)
			}
		}
		try(candidate, "literal path")
		return res
	}

	// 2. LD_LIBRARY_PATH (process assumed not privileged).
	if llp, ok := ctx.Env.Get("LD_LIBRARY_PATH"); ok {
		for _, dir := range splitSearchPath(llp) {
			dir = resolve.Expand(dir, resolve.Tokens{Origin: ctx.RootDir, Lib: ctx.LibDir, Platform: ctx.PlatformName})
			if try(filepath.Join(dir, name), "LD_LIBRARY_PATH") {
				return res
			}
		}
	}

	// 3. DT_RPATH of the current image, then of each loader in the stack,
	// iff the current image declares no DT_RUNPATH (legacy inheritance).
	if !hasRunpath(image) {
		for _, p := range rpathsOf(image, ctx) {
			if try(filepath.Join(p, name), "RPATH") {
				return res
			}
		}
		for i := len(ctx.Frames) - 1; i >= 0; i-- {
			for _, p := range ctx.Frames[i].RPaths {
				if try(filepath.Join(p, name), "RPATH (inherited)") {
					return res
				}
			}
		}
	}

	// 4. DT_RUNPATH of the current image only, never inherited.
	for _, p := range runpathsOf(image, ctx) {
		if try(filepath.Join(p, name), "RUNPATH") {
			return res
		}
	}

	// 5. The cache.
	if cache != nil {
		for _, cand := range rankedCacheCandidates(cache.Lookup(name), ctx.RootABI.Class, ctx.HWCap) {
			if try(cand, "ld.so.cache") {
				return res
			}
		}
	}

	// 6. Trusted default directories, unless DF_1_NODEFLIB, plus per-OS
	// deltas.
	if !image.NoDefaultLib {
		for _, dir := range trustedDirs(ctx) {
			if try(filepath.Join(dir, name), "trusted dir") {
				return res
			}
		}
	}

	return res
}

func tryCandidate(candidate, source string, rootABI container.ABIDescriptor, probe resolve.FileProbe, res *resolve.Result) bool {
	if !probe.Exists(candidate) {
		res.Attempts = append(res.Attempts, resolve.Attempt{Path: candidate, Source: source, Reason: "does not exist"})
		return false
	}
	abi, err := probe.ReadABI(candidate)
	if err != nil {
		res.Attempts = append(res.Attempts, resolve.Attempt{Path: candidate, Source: source, Reason: "unreadable: " + err.Error()})
		return false
	}
	if !rootABI.IsCompatible(abi) {
		res.Attempts = append(res.Attempts, resolve.Attempt{Path: candidate, Source: source, Reason: "ABI mismatch"})
		return false
	}
	res.Path = candidate
	res.Found = true
	res.Attempts = append(res.Attempts, resolve.Attempt{Path: candidate, Source: source})
	return true
}

func hasRunpath(img *container.Image) bool {
	for _, sp := range img.SearchPaths {
		if sp.Kind == container.SearchRunPath {
			return true
		}
	}
	return false
}

func rpathsOf(img *container.Image, ctx *resolve.Context) []string {
	return expandDirectives(img, ctx, container.SearchRPath)
}

func runpathsOf(img *container.Image, ctx *resolve.Context) []string {
	return expandDirectives(img, ctx, container.SearchRunPath)
}

func expandDirectives(img *container.Image, ctx *resolve.Context, kind container.SearchPathKind) []string {
	var out []string
	for _, sp := range img.SearchPaths {
		if sp.Kind != kind {
			continue
		}
		out = append(out, resolve.Expand(sp.Raw, resolve.Tokens{
			Origin:   sp.OriginDir,
			Lib:      libDirForClass(img.ABI.Class),
			Platform: ctx.PlatformName,
		}))
	}
	return out
}

func libDirForClass(class int) string {
	if class == 64 {
		return "lib64"
	}
	return "lib"
}

func splitSearchPath(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// rankedCacheCandidates orders a soname's cache entries by glibc-hwcap
// priority (highest-supported first), falling back to on-disk order, then
// filters to entries whose flags match the root's ELF class. detected is the
// resolving context's hwcap set, supplied by the caller rather than read
// here so tests can exercise the ranking with a synthetic set.
func rankedCacheCandidates(entries []ldsocache.Entry, class int, detected hwcap.Set) []string {
	type scored struct {
		path string
		rank int
	}
	var scoredEntries []scored
	for _, e := range entries {
		if !ldsocache.FlagsMatch(e.Flags, class) {
			continue
		}
		rank := 0
		if e.HWCapName != "" {
			rank = detected.Priority(e.HWCapName)
			if rank == 0 {
				// CPU doesn't support this hwcap variant; skip it outright
				// rather than ranking it last, it would never actually load.
				continue
			}
		}
		scoredEntries = append(scoredEntries, scored{e.Path, rank})
	}
	// Stable sort, highest rank first.
	for i := 1; i < len(scoredEntries); i++ {
		for j := i; j > 0 && scoredEntries[j].rank > scoredEntries[j-1].rank; j-- {
			scoredEntries[j], scoredEntries[j-1] = scoredEntries[j-1], scoredEntries[j]
		}
	}
	out := make([]string, len(scoredEntries))
	for i, s := range scoredEntries {
		out[i] = s.path
	}
	return out
}
