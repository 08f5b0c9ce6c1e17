// Package machofam implements the Mach-O resolver: @executable_path/
// @loader_path/@rpath substitution against the accumulated loader stack,
// DYLD_LIBRARY_PATH, the literal name, DYLD_FALLBACK_LIBRARY_PATH (or the
// built-in default fallback), framework-path variants, and dyld shared
// cache fallthrough. Grounded on the ordering jtanx/lddx's macho.go and
// main.go imply for dylib resolution, generalized to the full rpath-stack
// and cache-fallback behavior blacktop/go-macho's load-command model makes
// visible but never itself implements a resolver for.
package machofam

import (
	"path/filepath"
	"strings"

	"github.com/jtanx/rldd/internal/container"
	"github.com/jtanx/rldd/internal/resolve"
)

// Cache is the subset of dyldcache.Cache the resolver needs.
type Cache interface {
	// Lookup reports whether installPath is present in the shared cache.
	Lookup(installPath string) (ok bool)
}

// Resolve looks up name, a dependency declared by image, under ctx.
// cache may be nil when no dyld shared cache could be located.
func Resolve(name string, image *container.Image, ctx *resolve.Context, probe resolve.FileProbe, cache Cache) resolve.Result {
	var res resolve.Result

	try := func(candidate, source string) bool {
		return tryCandidate(candidate, source, ctx.RootABI, probe, &res)
	}

	// 1. @executable_path / @loader_path / @rpath substitution.
	switch {
	case strings.HasPrefix(name, "@executable_path/"):
		rel := strings.TrimPrefix(name, "@executable_path/")
		if try(filepath.Join(ctx.RootDir, rel), "@executable_path") {
			return res
		}
		return res
	case strings.HasPrefix(name, "@loader_path/"):
		rel := strings.TrimPrefix(name, "@loader_path/")
		if try(filepath.Join(image.Dir(), rel), "@loader_path") {
			return res
		}
		return res
	case strings.HasPrefix(name, "@rpath/"):
		rel := strings.TrimPrefix(name, "@rpath/")
		for _, dir := range rpathStack(image, ctx) {
			if try(filepath.Join(dir, rel), "@rpath") {
				return res
			}
		}
		// @rpath never falls through to the remaining steps: a name that
		// opts into rpath expansion is resolved entirely within the rpath
		// stack or not at all, mirroring dyld's own behavior.
		return res
	}

	// 2. DYLD_LIBRARY_PATH, tried against the dependency's basename.
	if dlp, ok := ctx.Env.Get("DYLD_LIBRARY_PATH"); ok {
		base := filepath.Base(name)
		for _, dir := range splitSearchPath(dlp) {
			if try(filepath.Join(dir, base), "DYLD_LIBRARY_PATH") {
				return res
			}
		}
	}

	// 3. The literal name as given.
	if try(name, "literal name") {
		return res
	}

	// 4. DYLD_FALLBACK_LIBRARY_PATH, or the built-in default fallback.
	base := filepath.Base(name)
	if isFramework(name) {
		if fwp, ok := ctx.Env.Get("DYLD_FRAMEWORK_PATH"); ok {
			for _, dir := range splitSearchPath(fwp) {
				if try(filepath.Join(dir, frameworkRel(name)), "DYLD_FRAMEWORK_PATH") {
					return res
				}
			}
		}
		fallback := defaultFrameworkFallback(ctx)
		if fwp, ok := ctx.Env.Get("DYLD_FALLBACK_FRAMEWORK_PATH"); ok {
			fallback = splitSearchPath(fwp)
		}
		for _, dir := range fallback {
			if try(filepath.Join(dir, frameworkRel(name)), "DYLD_FALLBACK_FRAMEWORK_PATH") {
				return res
			}
		}
	} else {
		fallback := defaultLibraryFallback(ctx)
		if llp, ok := ctx.Env.Get("DYLD_FALLBACK_LIBRARY_PATH"); ok {
			fallback = splitSearchPath(llp)
		}
		for _, dir := range fallback {
			if try(filepath.Join(dir, base), "DYLD_FALLBACK_LIBRARY_PATH") {
				return res
			}
		}
	}

	// 5. The dyld shared cache.
	if cache != nil && cache.Lookup(name) {
		res.Path = name
		res.Found = true
		res.FromCache = true
		res.Attempts = append(res.Attempts, resolve.Attempt{Path: name, Source: "dyld shared cache"})
		return res
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

// rpathStack concatenates the rpath entries declared by every loader from
// the root through image itself, root-first, already substituted against
// each declaring image's own directory, per the loader-stack model.
func rpathStack(image *container.Image, ctx *resolve.Context) []string {
	var out []string
	for _, f := range ctx.Frames {
		out = append(out, f.RPaths...)
	}
	for _, sp := range image.SearchPaths {
		if sp.Kind == container.SearchMachORPath {
			dir := resolve.Expand(sp.Raw, resolve.Tokens{Origin: sp.OriginDir})
			switch {
			case strings.HasPrefix(dir, "@loader_path"):
				dir = sp.OriginDir + strings.TrimPrefix(dir, "@loader_path")
			case strings.HasPrefix(dir, "@executable_path"):
				dir = ctx.RootDir + strings.TrimPrefix(dir, "@executable_path")
			}
			out = append(out, dir)
		}
	}
	return out
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

func isFramework(name string) bool {
	return strings.Contains(name, ".framework/")
}

// frameworkRel turns ".../Foo.framework/Foo" into "Foo.framework/Foo",
// the path fragment appended under each framework search directory.
func frameworkRel(name string) string {
	idx := strings.Index(name, ".framework/")
	if idx < 0 {
		return name
	}
	start := strings.LastIndexByte(name[:idx], '/')
	return name[start+1:]
}

func defaultLibraryFallback(ctx *resolve.Context) []string {
	var out []string
	if home, ok := ctx.Env.Get("HOME"); ok {
		out = append(out, filepath.Join(home, "lib"))
	}
	return append(out, "/usr/local/lib", "/usr/lib")
}

func defaultFrameworkFallback(ctx *resolve.Context) []string {
	var out []string
	if home, ok := ctx.Env.Get("HOME"); ok {
		out = append(out, filepath.Join(home, "Library", "Frameworks"))
	}
	return append(out, "/Library/Frameworks", "/System/Library/Frameworks")
}
