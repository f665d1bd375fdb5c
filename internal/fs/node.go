package fs

import (
	"os"
	"path"
	"sort"
	"strings"
)

// Node is one child of a remote directory listing.
type Node struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"isDirectory"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"modTime"`
}

// CleanRemote normalizes a remote path to an absolute, forward-slash form.
func CleanRemote(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// JoinRemote joins remote path elements with forward slashes.
func JoinRemote(elem ...string) string {
	return CleanRemote(path.Join(elem...))
}

// IsUnder reports whether p equals root or lies beneath it.
func IsUnder(root, p string) bool {
	root = CleanRemote(root)
	p = CleanRemote(p)
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// ParentDirs returns the ancestors of p below root, nearest first.
func ParentDirs(root, p string) []string {
	root = CleanRemote(root)
	var dirs []string

	for {
		p = path.Dir(CleanRemote(p))
		if p == root || p == "/" || !IsUnder(root, p) {
			break
		}
		dirs = append(dirs, p)
	}

	return dirs
}

// NodesFromInfos converts a directory listing into nodes, directories first.
func NodesFromInfos(dir string, infos []os.FileInfo) []*Node {
	dir = CleanRemote(dir)
	nodes := make([]*Node, 0, len(infos))

	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." || name == "" {
			continue
		}
		node := &Node{
			Name:    name,
			Path:    JoinRemote(dir, name),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime().Unix(),
		}
		if !node.IsDir {
			node.Size = info.Size()
		}
		nodes = append(nodes, node)
	}

	SortNodes(nodes)
	return nodes
}

func SortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return nodes[i].Name < nodes[j].Name
	})
}
