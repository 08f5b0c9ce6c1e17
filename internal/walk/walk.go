// Package walk implements the dependency walker: a breadth-first traversal
// over the dependency graph rooted at each command-line input, deduplicated
// by canonical resolved path, with cycle breaking via AlreadySeen leaves.
// The shape follows jtanx/lddx's dependencies.go recursive walk, reworked
// from its goroutine-per-dependency/sync.WaitGroup/limiter-channel
// concurrency into the single-threaded, synchronous traversal this tool's
// resource model calls for, keeping declared-child order as the only thing
// that determines emission order.
package walk

import (
	"path/filepath"
	"strings"

	"github.com/jtanx/rldd/internal/container"
	"github.com/jtanx/rldd/internal/resolve"
)

// State is a Dependency Node's resolution state.
type State int

const (
	Pending State = iota
	Found
	NotFound
	AlreadySeen
)

// Node is one entry in the dependency graph.
type Node struct {
	ID           int
	Name         string // as declared: soname or path
	DepKind      container.DepKind
	Parent       int // -1 for a root
	ResolvedPath string
	State        State
	Children     []int
	Depth        int
	CanonicalRef int // for AlreadySeen: the id of the first occurrence
	Attempts     []resolve.Attempt
	FromCache    bool // resolved via a shared-library cache, not an on-disk file
}

// Resolver resolves one dependency name declared by image under ctx. It is
// supplied by the caller so walk stays ignorant of which platform family
// (elffam/machofam) is in play.
type Resolver func(name string, image *container.Image, ctx *resolve.Context) resolve.Result

// ImageReader opens path as a container.Image.
type ImageReader func(path string) (*container.Image, error)

// CacheReader materializes a shared-library-cache-resident dependency
// (FromCache results) into a container.Image without an on-disk file.
type CacheReader func(path string) (*container.Image, error)

// Graph is a rooted forest of Nodes, one tree per command-line input, plus
// the dedup map that enforces acyclicity.
type Graph struct {
	Nodes []*Node
	Roots []int

	dedup map[string]int // canonical resolved path -> node id
}

// Walker owns the per-run collaborators a resolution needs.
type Walker struct {
	Resolve      Resolver
	ReadImage    ImageReader
	ReadCached   CacheReader
	Canonicalize func(path string) (string, error)

	// BaseContext supplies the run-wide fields of resolve.Context (the
	// environment snapshot, any --platform override, and the chosen
	// Platform variant); WalkRoot fills in the per-root fields (RootABI,
	// RootDir, LibDir) from the root image actually read.
	BaseContext resolve.Context
}

// WalkRoot parses rootPath as a Binary Image and walks its full dependency
// closure into graph, returning the id of the new root node (or an error if
// rootPath itself cannot be opened/parsed — a root-level failure per the
// error handling design, not a per-node NotFound).
func (w *Walker) WalkRoot(rootPath string, graph *Graph) (int, error) {
	if graph.dedup == nil {
		graph.dedup = make(map[string]int)
	}

	rootImg, err := w.ReadImage(rootPath)
	if err != nil {
		return -1, err
	}

	canonical, err := w.Canonicalize(rootPath)
	if err != nil {
		canonical = rootPath
	}

	rootNode := graph.newNode(rootImg.SoName, container.DepRequired, -1, 0)
	rootNode.State = Found
	rootNode.ResolvedPath = canonical
	graph.dedup[canonical] = rootNode.ID
	graph.Roots = append(graph.Roots, rootNode.ID)

	ctx := w.BaseContext
	ctx.RootABI = rootImg.ABI
	ctx.RootDir = rootImg.Dir()
	if ctx.LibDir == "" {
		ctx.LibDir = "lib"
		if rootImg.ABI.Class == 64 {
			ctx.LibDir = "lib64"
		}
	}

	type queued struct {
		image   *container.Image
		nodeID  int
		frames  []resolve.LoaderFrame
	}
	queue := []queued{{image: rootImg, nodeID: rootNode.ID, frames: nil}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		childCtx := ctx
		childCtx.Frames = cur.frames

		for _, dep := range cur.image.Deps {
			childID := w.resolveOne(dep, cur.image, &childCtx, graph, cur.nodeID, graph.Nodes[cur.nodeID].Depth+1)
			graph.Nodes[cur.nodeID].Children = append(graph.Nodes[cur.nodeID].Children, childID)

			child := graph.Nodes[childID]
			if child.State != Found {
				continue
			}

			childImg, err := w.openResolved(child)
			if err != nil {
				child.State = NotFound
				continue
			}

			nextFrames := append(append([]resolve.LoaderFrame{}, cur.frames...), resolve.LoaderFrame{
				ImageDir: cur.image.Dir(),
				RPaths:   rpathEntries(cur.image, ctx.RootDir),
			})
			queue = append(queue, queued{image: childImg, nodeID: childID, frames: nextFrames})
		}
	}

	return rootNode.ID, nil
}

func (w *Walker) resolveOne(dep container.Dependency, image *container.Image, ctx *resolve.Context, graph *Graph, parent, depth int) int {
	res := w.Resolve(dep.Name, image, ctx)

	if !res.Found {
		node := graph.newNode(dep.Name, dep.Kind, parent, depth)
		node.State = NotFound
		node.Attempts = res.Attempts
		return node.ID
	}

	canonical := res.Path
	if !res.FromCache {
		if c, err := w.Canonicalize(res.Path); err == nil {
			canonical = c
		}
	}

	node := graph.newNode(dep.Name, dep.Kind, parent, depth)
	node.Attempts = res.Attempts
	node.FromCache = res.FromCache
	if existingID, ok := graph.dedup[canonical]; ok {
		node.State = AlreadySeen
		node.CanonicalRef = existingID
		node.ResolvedPath = canonical
		return node.ID
	}

	node.State = Found
	node.ResolvedPath = canonical
	graph.dedup[canonical] = node.ID
	return node.ID
}

func (w *Walker) openResolved(node *Node) (*container.Image, error) {
	if node.ResolvedPath == "" {
		return nil, nil
	}
	if node.FromCache {
		return w.ReadCached(node.ResolvedPath)
	}
	return w.ReadImage(node.ResolvedPath)
}

// rpathEntries collects the directives that are inheritable by a loader
// frame: ELF's legacy DT_RPATH and Mach-O's LC_RPATH. DT_RUNPATH is
// deliberately excluded — it applies only to the declaring image's own
// direct dependencies and must never reach a descendant's ctx.Frames.
func rpathEntries(img *container.Image, rootDir string) []string {
	var out []string
	origin := img.Dir()
	for _, sp := range img.SearchPaths {
		if sp.Kind != container.SearchRPath && sp.Kind != container.SearchMachORPath {
			continue
		}
		dir := resolve.Expand(sp.Raw, resolve.Tokens{Origin: origin})
		if sp.Kind == container.SearchMachORPath {
			switch {
			case strings.HasPrefix(dir, "@loader_path"):
				dir = origin + strings.TrimPrefix(dir, "@loader_path")
			case strings.HasPrefix(dir, "@executable_path"):
				dir = rootDir + strings.TrimPrefix(dir, "@executable_path")
			}
		}
		out = append(out, dir)
	}
	return out
}

func (g *Graph) newNode(name string, kind container.DepKind, parent, depth int) *Node {
	n := &Node{
		ID:      len(g.Nodes),
		Name:    name,
		DepKind: kind,
		Parent:  parent,
		Depth:   depth,
	}
	g.Nodes = append(g.Nodes, n)
	return n
}

// Canonicalize resolves symlinks and makes path absolute, the filesystem
// identity every Found node's resolved path is keyed by.
func Canonicalize(evalSymlinks func(string) (string, error), path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := evalSymlinks(abs)
	if err != nil {
		return abs, err
	}
	return resolved, nil
}
