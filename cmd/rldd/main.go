// Command rldd prints the shared-library dependency closure of one or more
// ELF or Mach-O binaries without invoking the host dynamic loader.
//
// Its CLI construction follows jtanx/lddx's main.go: an options struct
// parsed by github.com/jessevdk/go-flags with flags.HelpFlag|PassDoubleDash,
// and the same expandFileList directory-walking convenience, narrowed to
// the flag surface this tool actually exposes and widened to accept ELF
// inputs alongside Mach-O.
package main

import (
	"debug/elf"
	"debug/macho"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/jessevdk/go-flags"

	"github.com/jtanx/rldd/internal/container"
	"github.com/jtanx/rldd/internal/container/elffile"
	"github.com/jtanx/rldd/internal/container/machofile"
	"github.com/jtanx/rldd/internal/dyldcache"
	"github.com/jtanx/rldd/internal/hwcap"
	"github.com/jtanx/rldd/internal/ldsocache"
	"github.com/jtanx/rldd/internal/logx"
	"github.com/jtanx/rldd/internal/resolve"
	"github.com/jtanx/rldd/internal/resolve/elffam"
	"github.com/jtanx/rldd/internal/resolve/machofam"
	"github.com/jtanx/rldd/internal/visualize"
	"github.com/jtanx/rldd/internal/walk"
)

type options struct {
	All      bool   `short:"a" description:"Full tree with duplicates"`
	Flat     bool   `short:"l" description:"Flat, one unique library per line"`
	Path     bool   `short:"p" description:"Print fully resolved path instead of soname/install-name"`
	LdsoConf string `long:"ldso-conf" description:"Override the default ld.so.cache path (Linux)"`
	Platform string `long:"platform" description:"Override $PLATFORM expansion"`
	Verbose  bool   `short:"v" description:"Verbose: print the search paths attempted per dependency"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	args, err := parser.Parse()
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		logx.Error("%s", err)
		os.Exit(2)
	}
	if len(args) == 0 {
		logx.Error("no input files given")
		os.Exit(2)
	}

	logx.Init(false, opts.Verbose)

	targets := expandFileList(args)
	exitCode := 0

	ldCache := loadLdsoCacheLazy(opts.LdsoConf)
	dCache := loadDyldCacheLazy()

	for _, target := range targets {
		if err := processOne(target, opts, ldCache, dCache, len(targets) > 1); err != nil {
			logx.Error("%s: %s", target, err)
			exitCode = 1
		}
	}

	os.Exit(exitCode)
}

// expandFileList mirrors lddx's directory-expansion convenience, widened to
// accept ELF inputs (checked by magic) alongside Mach-O.
func expandFileList(files []string) []string {
	var out []string
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			logx.Error("cannot process %s: %s", f, err)
			continue
		}
		if !info.IsDir() {
			out = append(out, f)
			continue
		}
		err = filepath.WalkDir(f, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if looksLikeContainer(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			logx.Error("cannot process %s: %s", f, err)
		}
	}
	return out
}

func looksLikeContainer(path string) bool {
	if f, err := elf.Open(path); err == nil {
		f.Close()
		return true
	}
	if f, err := macho.Open(path); err == nil {
		f.Close()
		return true
	}
	if f, err := macho.OpenFat(path); err == nil {
		f.Close()
		return true
	}
	return false
}

func processOne(path string, opts options, ldCache *ldsocache.Cache, dCache *dyldcache.Cache, printHeader bool) error {
	img, err := readAny(path)
	if err != nil {
		return err
	}

	platformName := opts.Platform
	if platformName == "" {
		platformName = runtime.GOARCH
	}

	w := &walk.Walker{
		ReadImage:    readAny,
		Canonicalize: func(p string) (string, error) { return walk.Canonicalize(filepath.EvalSymlinks, p) },
		BaseContext: resolve.Context{
			Platform:     resolve.FromOSABI(img.ABI.OSABI, runtime.GOOS),
			PlatformName: platformName,
			Env:          resolve.OSEnvironment(),
			HWCap:        hwcap.Detect(),
		},
	}

	switch img.Kind {
	case container.KindELF:
		probe := elfProbe()
		cache := elffamCache(ldCache)
		w.Resolve = func(name string, image *container.Image, ctx *resolve.Context) resolve.Result {
			return elffam.Resolve(name, image, ctx, probe, cache)
		}
		w.ReadCached = readAny // ELF never resolves via a shared-cache fallback
	case container.KindMachO:
		probe := machoProbe()
		cache := machoCache(dCache)
		w.Resolve = func(name string, image *container.Image, ctx *resolve.Context) resolve.Result {
			return machofam.Resolve(name, image, ctx, probe, cache)
		}
		if dCache != nil {
			w.ReadCached = dCache.Materialize
		} else {
			w.ReadCached = readAny
		}
	}

	graph := &walk.Graph{}
	rootID, err := w.WalkRoot(path, graph)
	if err != nil {
		return err
	}

	if printHeader {
		fmt.Printf("%s:\n", path)
	}
	visualize.Render(os.Stdout, graph, rootID, visualize.Options{
		All:      opts.All,
		Flat:     opts.Flat,
		ShowPath: opts.Path,
	})

	if opts.Verbose {
		printAttempts(graph, rootID)
	}
	return nil
}

func printAttempts(graph *walk.Graph, rootID int) {
	for _, n := range graph.Nodes {
		for _, a := range n.Attempts {
			logx.Attempt(n.Name, a)
		}
	}
}

// readAny dispatches to the ELF or Mach-O container reader by probing which
// stdlib opener accepts the file; elf.Open/macho.Open both reject the wrong
// magic immediately, so this never risks misparsing a file as the other
// kind.
func readAny(path string) (*container.Image, error) {
	if f, err := elf.Open(path); err == nil {
		f.Close()
		return elffile.Read(path)
	}
	return machofile.Read(path)
}

func elfProbe() resolve.FileProbe {
	return resolve.FileProbe{
		Exists: fileExists,
		ReadABI: func(path string) (container.ABIDescriptor, error) {
			img, err := elffile.Read(path)
			if err != nil {
				return container.ABIDescriptor{}, err
			}
			return img.ABI, nil
		},
	}
}

func machoProbe() resolve.FileProbe {
	return resolve.FileProbe{
		Exists: fileExists,
		ReadABI: func(path string) (container.ABIDescriptor, error) {
			img, err := machofile.Read(path)
			if err != nil {
				return container.ABIDescriptor{}, err
			}
			return img.ABI, nil
		},
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func machoCache(c *dyldcache.Cache) machofam.Cache {
	if c == nil {
		return nil
	}
	return c
}

// elffamCache avoids wrapping a nil *ldsocache.Cache into a non-nil
// elffam.Cache interface value, which would make elffam's "cache != nil"
// check pass and then dereference the nil pointer.
func elffamCache(c *ldsocache.Cache) elffam.Cache {
	if c == nil {
		return nil
	}
	return c
}

func loadLdsoCacheLazy(override string) *ldsocache.Cache {
	path := override
	if path == "" {
		path = "/etc/ld.so.cache"
	}
	c, err := ldsocache.Load(path, os.ReadFile)
	if err != nil {
		logx.Note("ld.so.cache unavailable at %s: %s", path, err)
		return nil
	}
	return c
}

func loadDyldCacheLazy() *dyldcache.Cache {
	for _, p := range dyldcache.KnownPaths(runtime.GOARCH) {
		c, err := dyldcache.Load(p, os.ReadFile)
		if err == nil {
			return c
		}
	}
	return nil
}
