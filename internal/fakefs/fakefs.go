// Package fakefs provides the in-memory deception filesystem backing the
// protocol handlers. The read tree is constructed once at startup from a
// declarative specification and is immutable afterwards; sessions that
// need write support open a discardable overlay view.
package fakefs

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Node is a single entry in the fake tree.
type Node struct {
	Path     string
	Name     string
	Dir      bool
	Size     int64
	MTime    time.Time
	Owner    string
	Mode     string
	Lure     bool
	LureID   string
	content  string
	children []string
}

// nodeSpec is the YAML shape of one declarative tree entry.
type nodeSpec struct {
	Path    string `yaml:"path"`
	Dir     bool   `yaml:"dir"`
	Size    int64  `yaml:"size"`
	Owner   string `yaml:"owner"`
	Mode    string `yaml:"mode"`
	Lure    bool   `yaml:"lure"`
	LureID  string `yaml:"lure_id"`
	Content string `yaml:"content"`
}

type treeSpec struct {
	Nodes []nodeSpec `yaml:"nodes"`
}

// Tree is the immutable read filesystem. Lookups are lock-free.
type Tree struct {
	seed  string
	nodes map[string]*Node
	fold  map[string]string
}

// LoadTree reads a declarative tree file and builds the filesystem.
func LoadTree(specPath, seed string) (*Tree, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("read tree spec %s: %w", specPath, err)
	}
	var spec treeSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse tree spec %s: %w", specPath, err)
	}
	return buildTree(spec.Nodes, seed)
}

// DefaultTree builds the built-in deception tree.
func DefaultTree(seed string) *Tree {
	t, err := buildTree(defaultNodes, seed)
	if err != nil {
		// The built-in table is static; a failure here is a programming error.
		panic(err)
	}
	return t
}

func buildTree(specs []nodeSpec, seed string) (*Tree, error) {
	base := time.Date(2024, 11, 3, 9, 14, 0, 0, time.UTC)
	t := &Tree{
		seed:  seed,
		nodes: make(map[string]*Node),
		fold:  make(map[string]string),
	}
	t.addDir("/", base)
	for _, s := range specs {
		p := path.Clean(s.Path)
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("tree spec: path %q is not absolute", s.Path)
		}
		// Parent directories are implied.
		for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
			t.addDir(dir, base)
		}
		if s.Dir {
			t.addDir(p, base)
			continue
		}
		n := &Node{
			Path:    p,
			Name:    path.Base(p),
			Size:    s.Size,
			MTime:   base.Add(time.Duration(hash32(seed+p)%90*24) * time.Hour * -1),
			Owner:   s.Owner,
			Mode:    s.Mode,
			Lure:    s.Lure,
			LureID:  s.LureID,
			content: s.Content,
		}
		if n.Owner == "" {
			n.Owner = "root"
		}
		if n.Mode == "" {
			n.Mode = "-rw-r--r--"
		}
		if n.Lure && n.LureID == "" {
			n.LureID = strings.Trim(strings.ReplaceAll(p, "/", "."), ".")
		}
		if n.Size == 0 {
			if n.content != "" {
				n.Size = int64(len(n.content))
			} else {
				n.Size = int64(512 + hash32(seed+p)%7680)
			}
		}
		t.nodes[p] = n
		t.fold[strings.ToLower(p)] = p
	}
	// Attach children to their directories in sorted order.
	for p := range t.nodes {
		if p == "/" {
			continue
		}
		parent := t.nodes[path.Dir(p)]
		parent.children = append(parent.children, p)
	}
	for _, n := range t.nodes {
		sort.Strings(n.children)
	}
	return t, nil
}

func (t *Tree) addDir(p string, mtime time.Time) {
	if _, ok := t.nodes[p]; ok {
		return
	}
	name := path.Base(p)
	if p == "/" {
		name = "/"
	}
	t.nodes[p] = &Node{
		Path:  p,
		Name:  name,
		Dir:   true,
		MTime: mtime,
		Owner: "root",
		Mode:  "drwxr-xr-x",
	}
	t.fold[strings.ToLower(p)] = p
}

// resolve finds a node by path, optionally case-folding (SMB).
func (t *Tree) resolve(p string, fold bool) (*Node, bool) {
	p = path.Clean(p)
	if n, ok := t.nodes[p]; ok {
		return n, true
	}
	if fold {
		if canonical, ok := t.fold[strings.ToLower(p)]; ok {
			return t.nodes[canonical], true
		}
	}
	return nil, false
}

// content returns the byte content of a file node. Literal content wins;
// otherwise bytes are generated deterministically from H(seed || path) so
// re-reads within and across sessions agree.
func (t *Tree) contentOf(n *Node) []byte {
	if n.Dir {
		return nil
	}
	if n.content != "" {
		return []byte(n.content)
	}
	return generate(t.seed, n.Path, n.Size)
}

// generate produces n.Size bytes of plausible log-like text keyed by the
// seed and path, using a SHA-256 counter keystream.
func generate(seed, p string, size int64) []byte {
	out := make([]byte, 0, size)
	var counter uint64
	for int64(len(out)) < size {
		var block [8]byte
		binary.BigEndian.PutUint64(block[:], counter)
		sum := sha256.Sum256([]byte(seed + "\x00" + p + "\x00" + string(block[:])))
		line := hex.EncodeToString(sum[:16]) + " " + hex.EncodeToString(sum[16:24]) + "\n"
		out = append(out, line...)
		counter++
	}
	return out[:size]
}

func hash32(s string) int64 {
	sum := sha256.Sum256([]byte(s))
	return int64(binary.BigEndian.Uint32(sum[:4]))
}

// LureFunc receives the lure id and path whenever a lure node is read.
type LureFunc func(lureID, path string)

// View is a per-session window onto the tree. Reads are consistent for
// the lifetime of the view; writes land in a private overlay that is
// discarded when the session ends. Views are owned by one handler
// goroutine but guard the overlay anyway since timers may touch it.
type View struct {
	tree   *Tree
	fold   bool
	onLure LureFunc

	mu      sync.Mutex
	overlay map[string][]byte
}

// NewView opens a session view. fold enables case-insensitive resolution
// for protocols that demand it (SMB).
func (t *Tree) NewView(fold bool, onLure LureFunc) *View {
	return &View{
		tree:    t,
		fold:    fold,
		onLure:  onLure,
		overlay: make(map[string][]byte),
	}
}

// Stat resolves a path without firing lure hooks.
func (v *View) Stat(p string) (*Node, bool) {
	v.mu.Lock()
	data, shadowed := v.overlay[path.Clean(p)]
	v.mu.Unlock()
	if shadowed {
		return &Node{
			Path:  path.Clean(p),
			Name:  path.Base(p),
			Size:  int64(len(data)),
			MTime: time.Now(),
			Owner: "root",
			Mode:  "-rw-r--r--",
		}, true
	}
	return v.tree.resolve(p, v.fold)
}

// Read returns file content. Overlay writes shadow the read tree. Lure
// access fires the hook exactly once per read.
func (v *View) Read(p string) ([]byte, bool) {
	clean := path.Clean(p)
	v.mu.Lock()
	if data, ok := v.overlay[clean]; ok {
		v.mu.Unlock()
		return data, true
	}
	v.mu.Unlock()
	n, ok := v.tree.resolve(p, v.fold)
	if !ok || n.Dir {
		return nil, false
	}
	if n.Lure && v.onLure != nil {
		v.onLure(n.LureID, n.Path)
	}
	return v.tree.contentOf(n), true
}

// Write absorbs bytes into the session overlay. Nothing ever reaches a
// real disk.
func (v *View) Write(p string, data []byte) {
	v.mu.Lock()
	v.overlay[path.Clean(p)] = data
	v.mu.Unlock()
}

// List returns the ordered children of a directory.
func (v *View) List(p string) ([]*Node, bool) {
	n, ok := v.tree.resolve(p, v.fold)
	if !ok || !n.Dir {
		return nil, false
	}
	out := make([]*Node, 0, len(n.children))
	for _, childPath := range n.children {
		out = append(out, v.tree.nodes[childPath])
	}
	return out, true
}

// Discard drops the overlay. Called at session close.
func (v *View) Discard() {
	v.mu.Lock()
	v.overlay = make(map[string][]byte)
	v.mu.Unlock()
}
