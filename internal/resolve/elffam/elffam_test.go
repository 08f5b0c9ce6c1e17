package elffam

import (
	"testing"

	"github.com/jtanx/rldd/internal/container"
	"github.com/jtanx/rldd/internal/hwcap"
	"github.com/jtanx/rldd/internal/ldsocache"
	"github.com/jtanx/rldd/internal/resolve"
)

func abi() container.ABIDescriptor {
	return container.ABIDescriptor{Kind: container.KindELF, Class: 64, Machine: 62}
}

// fakeProbe treats every path in exists as present and ABI-compatible with
// abi(), and everything else as missing — a synthetic filesystem so these
// tests never touch the real one.
func fakeProbe(exists map[string]bool) resolve.FileProbe {
	return resolve.FileProbe{
		Exists: func(path string) bool { return exists[path] },
		ReadABI: func(path string) (container.ABIDescriptor, error) {
			return abi(), nil
		},
	}
}

type fakeCache map[string][]ldsocache.Entry

func (c fakeCache) Lookup(soname string) []ldsocache.Entry { return c[soname] }

func baseImage() *container.Image {
	return &container.Image{
		Path: "/opt/app/bin/app",
		ABI:  abi(),
	}
}

func baseCtx() *resolve.Context {
	return &resolve.Context{
		RootABI: abi(),
		RootDir: "/opt/app/bin",
		LibDir:  "lib64",
		Env:     resolve.Environment{},
	}
}

func TestResolveLiteralPathBypassesSearch(t *testing.T) {
	probe := fakeProbe(map[string]bool{"/opt/custom/libfoo.so": true})
	res := Resolve("/opt/custom/libfoo.so", baseImage(), baseCtx(), probe, nil)
	if !res.Found || res.Path != "/opt/custom/libfoo.so" {
		t.Fatalf("Resolve(literal path) = %+v, want found at the literal path", res)
	}
}

func TestResolveLDLibraryPath(t *testing.T) {
	ctx := baseCtx()
	ctx.Env = resolve.Environment{"LD_LIBRARY_PATH": "/opt/override/lib"}
	probe := fakeProbe(map[string]bool{"/opt/override/lib/libfoo.so": true})

	res := Resolve("libfoo.so", baseImage(), ctx, probe, nil)
	if !res.Found || res.Path != "/opt/override/lib/libfoo.so" {
		t.Fatalf("Resolve via LD_LIBRARY_PATH = %+v, want found under /opt/override/lib", res)
	}
}

func TestResolveRPathInheritedWhenNoRunpath(t *testing.T) {
	// The declaring image has no DT_RUNPATH (and no DT_RPATH of its own), so
	// an ancestor's RPATH should still be consulted (legacy transitive
	// inheritance).
	image := baseImage()
	ctx := baseCtx()
	ctx.Frames = []resolve.LoaderFrame{
		{ImageDir: "/opt/app/bin", RPaths: []string{"/opt/app/ancestor-lib"}},
	}
	probe := fakeProbe(map[string]bool{"/opt/app/ancestor-lib/libfoo.so": true})

	res := Resolve("libfoo.so", image, ctx, probe, nil)
	if !res.Found || res.Path != "/opt/app/ancestor-lib/libfoo.so" {
		t.Fatalf("Resolve with inherited RPATH = %+v, want found via the ancestor frame", res)
	}
}

func TestResolveRPathNotInheritedWhenRunpathPresent(t *testing.T) {
	// The declaring image has DT_RUNPATH, so ancestor RPATH must NOT be
	// consulted: only the RUNPATH step (current image only) applies.
	image := baseImage()
	image.SearchPaths = []container.SearchDirective{
		{Kind: container.SearchRunPath, Raw: "/opt/app/own-runpath", OriginDir: "/opt/app/bin"},
	}
	ctx := baseCtx()
	ctx.Frames = []resolve.LoaderFrame{
		{ImageDir: "/opt/app/bin", RPaths: []string{"/opt/app/ancestor-lib"}},
	}
	probe := fakeProbe(map[string]bool{
		"/opt/app/ancestor-lib/libfoo.so": true, // present, but must not be reached
		"/opt/app/own-runpath/libfoo.so":  true,
	})

	res := Resolve("libfoo.so", image, ctx, probe, nil)
	if !res.Found || res.Path != "/opt/app/own-runpath/libfoo.so" {
		t.Fatalf("Resolve with RUNPATH present = %+v, want found via RUNPATH, not the inherited ancestor RPATH", res)
	}
}

func TestResolveOwnRPathStillAppliesWithoutRunpath(t *testing.T) {
	image := baseImage()
	image.SearchPaths = []container.SearchDirective{
		{Kind: container.SearchRPath, Raw: "$ORIGIN/../lib", OriginDir: "/opt/app/bin"},
	}
	ctx := baseCtx()
	probe := fakeProbe(map[string]bool{"/opt/app/lib/libfoo.so": true})

	res := Resolve("libfoo.so", image, ctx, probe, nil)
	if !res.Found || res.Path != "/opt/app/lib/libfoo.so" {
		t.Fatalf("Resolve via own $ORIGIN-relative RPATH = %+v, want found at /opt/app/lib/libfoo.so", res)
	}
}

func TestResolveCacheRankedByHWCap(t *testing.T) {
	// Entries with an HWCapName the context's hwcap set doesn't recognize
	// are skipped outright; entries it does recognize are preferred over
	// the bare (no-hwcap) entry, highest-ranked variant first. ctx.HWCap is
	// supplied directly here rather than via the real CPU's hwcap.Detect(),
	// exercising the injection seam.
	image := baseImage()
	ctx := baseCtx()
	ctx.HWCap = hwcap.Set{"x86-64-v3", "x86-64-v2"}
	cache := fakeCache{
		"libfoo.so": []ldsocache.Entry{
			{Path: "/lib64/libfoo.so", Flags: flagsFor(t)},
			{Path: "/lib64/glibc-hwcaps/x86-64-v3/libfoo.so", Flags: flagsFor(t), HWCapName: "x86-64-v3"},
			{Path: "/lib64/glibc-hwcaps/x86-64-v4/libfoo.so", Flags: flagsFor(t), HWCapName: "x86-64-v4"},
		},
	}
	probe := fakeProbe(map[string]bool{
		"/lib64/libfoo.so": true,
		"/lib64/glibc-hwcaps/x86-64-v3/libfoo.so": true,
		"/lib64/glibc-hwcaps/x86-64-v4/libfoo.so": true,
	})

	res := Resolve("libfoo.so", image, ctx, probe, cache)
	if !res.Found || res.Path != "/lib64/glibc-hwcaps/x86-64-v3/libfoo.so" {
		t.Fatalf("Resolve via cache = %+v, want the v3 hwcap variant preferred over the v4 (unsupported) and bare entries", res)
	}
}

func TestResolveCacheSkipsUnsupportedHWCapVariant(t *testing.T) {
	// A cache entry filed under an hwcap name the context doesn't support
	// must never be chosen, even if it's the only non-bare entry present.
	image := baseImage()
	ctx := baseCtx()
	ctx.HWCap = nil
	cache := fakeCache{
		"libfoo.so": []ldsocache.Entry{
			{Path: "/lib64/glibc-hwcaps/x86-64-v3/libfoo.so", Flags: flagsFor(t), HWCapName: "x86-64-v3"},
			{Path: "/lib64/libfoo.so", Flags: flagsFor(t)},
		},
	}
	probe := fakeProbe(map[string]bool{
		"/lib64/glibc-hwcaps/x86-64-v3/libfoo.so": true,
		"/lib64/libfoo.so":                        true,
	})

	res := Resolve("libfoo.so", image, ctx, probe, cache)
	if !res.Found || res.Path != "/lib64/libfoo.so" {
		t.Fatalf("Resolve via cache = %+v, want the bare entry since ctx.HWCap supports nothing", res)
	}
}

func TestResolveTrustedDirFallback(t *testing.T) {
	image := baseImage()
	ctx := baseCtx()
	probe := fakeProbe(map[string]bool{"/lib64/libfoo.so": true})

	res := Resolve("libfoo.so", image, ctx, probe, nil)
	if !res.Found || res.Path != "/lib64/libfoo.so" {
		t.Fatalf("Resolve via trusted dir fallback = %+v, want found at /lib64/libfoo.so", res)
	}
}

func TestResolveNoDefaultLibSkipsTrustedDirs(t *testing.T) {
	image := baseImage()
	image.NoDefaultLib = true
	ctx := baseCtx()
	probe := fakeProbe(map[string]bool{"/lib64/libfoo.so": true})

	res := Resolve("libfoo.so", image, ctx, probe, nil)
	if res.Found {
		t.Fatalf("Resolve with DF_1_NODEFLIB set = %+v, want not found (trusted dirs skipped)", res)
	}
}

func TestResolveNotFoundRecordsAttempts(t *testing.T) {
	image := baseImage()
	ctx := baseCtx()
	probe := fakeProbe(map[string]bool{})

	res := Resolve("libmissing.so", image, ctx, probe, nil)
	if res.Found {
		t.Fatalf("Resolve for a library present nowhere should not be Found")
	}
	if len(res.Attempts) == 0 {
		t.Errorf("Resolve should record every rejected candidate as an Attempt for -v output")
	}
}

func flagsFor(t *testing.T) uint32 {
	t.Helper()
	// flagELFLibc6 | flagLib64, mirroring a real glibc 64-bit entry's flags.
	return 0x0003 | 0x0300
}
