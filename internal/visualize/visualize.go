// Package visualize renders a walked walk.Graph as a tree
// (duplicates shown, or deduplicated) or as a flat listing, following the
// indentation and "name => resolved-path" shape of jtanx/lddx's
// DepsPrettyPrint, generalized to the three render modes and the
// NotFound/AlreadySeen/weak annotations this tool's richer Dependency Node
// state carries that lddx's single-purpose printer never needed.
package visualize

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/jtanx/rldd/internal/container"
	"github.com/jtanx/rldd/internal/walk"
)

// Options controls rendering.
type Options struct {
	All      bool // -a: full tree with duplicates
	Flat     bool // -l: flat, one unique library per line
	ShowPath bool // -p: print resolved path instead of soname
	NoColor  bool
}

// Render writes graph's tree rooted at rootID to w per opts. Flat mode
// ignores rootID's tree shape and lists the graph's unique resolved
// dependencies (still restricted to rootID's own reachable subtree).
func Render(w io.Writer, graph *walk.Graph, rootID int, opts Options) {
	if opts.Flat {
		renderFlat(w, graph, rootID, opts)
		return
	}
	renderTree(w, graph, rootID, 0, opts)
}

func renderTree(w io.Writer, graph *walk.Graph, nodeID, depth int, opts Options) {
	node := graph.Nodes[nodeID]
	for _, childID := range node.Children {
		child := graph.Nodes[childID]
		if child.State == walk.AlreadySeen && !opts.All {
			continue
		}
		printLine(w, graph, child, depth, opts)
		if child.State == walk.Found {
			renderTree(w, graph, childID, depth+1, opts)
		}
	}
}

func printLine(w io.Writer, graph *walk.Graph, node *walk.Node, depth int, opts Options) {
	indent := indentFor(depth)
	label := node.Name

	switch node.State {
	case walk.Found:
		dest := node.Name
		if opts.ShowPath {
			dest = node.ResolvedPath
		}
		fmt.Fprintf(w, "%s%s => %s\n", indent, label, dest)
	case walk.AlreadySeen:
		ref := graph.Nodes[node.CanonicalRef]
		dest := ref.Name
		if opts.ShowPath {
			dest = ref.ResolvedPath
		}
		line := fmt.Sprintf("%s%s => %s (already resolved)", indent, label, dest)
		writeColored(w, color.FgCyan, line, opts)
	case walk.NotFound:
		tag := "not found"
		if node.DepKind == container.DepWeak {
			tag = "not found (weak)"
		}
		line := fmt.Sprintf("%s%s => %s", indent, label, tag)
		writeColored(w, color.FgRed, line, opts)
	default:
		fmt.Fprintf(w, "%s%s\n", indent, label)
	}
}

func writeColored(w io.Writer, attr color.Attribute, line string, opts Options) {
	if opts.NoColor {
		fmt.Fprintln(w, line)
		return
	}
	c := color.New(attr)
	c.Fprintln(w, line)
}

func indentFor(depth int) string {
	b := make([]byte, 4+2*depth)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

// renderFlat lists, in first-occurrence (BFS) order, every unique resolved
// dependency reachable from rootID.
func renderFlat(w io.Writer, graph *walk.Graph, rootID int, opts Options) {
	seen := make(map[string]bool)
	queue := []int{rootID}
	for len(queue) > 0 {
		node := graph.Nodes[queue[0]]
		queue = queue[1:]
		for _, childID := range node.Children {
			child := graph.Nodes[childID]
			if child.State != walk.Found {
				continue
			}
			if !seen[child.ResolvedPath] {
				seen[child.ResolvedPath] = true
				if opts.ShowPath {
					fmt.Fprintln(w, child.ResolvedPath)
				} else {
					fmt.Fprintln(w, child.Name)
				}
			}
			queue = append(queue, childID)
		}
	}
}
