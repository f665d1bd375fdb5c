package fs

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	name  string
	size  int64
	isDir bool
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() os.FileMode  { return 0644 }
func (f fakeInfo) ModTime() time.Time { return time.Unix(1700000000, 0) }
func (f fakeInfo) IsDir() bool        { return f.isDir }
func (f fakeInfo) Sys() any           { return nil }

func TestCleanRemote(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "empty path", path: "", want: "/"},
		{name: "root", path: "/", want: "/"},
		{name: "relative", path: "srv/www", want: "/srv/www"},
		{name: "trailing slash", path: "/srv/www/", want: "/srv/www"},
		{name: "backslashes", path: "\\srv\\www\\app", want: "/srv/www/app"},
		{name: "dot segments", path: "/srv/./www/../app", want: "/srv/app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanRemote(tt.path))
		})
	}
}

func TestIsUnder(t *testing.T) {
	tests := []struct {
		name string
		root string
		path string
		want bool
	}{
		{name: "same path", root: "/srv", path: "/srv", want: true},
		{name: "child", root: "/srv", path: "/srv/a/b", want: true},
		{name: "sibling with prefix", root: "/srv", path: "/srv2/a", want: false},
		{name: "parent", root: "/srv/a", path: "/srv", want: false},
		{name: "slash root", root: "/", path: "/anything", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnder(tt.root, tt.path))
		})
	}
}

func TestParentDirs(t *testing.T) {
	tests := []struct {
		name string
		root string
		path string
		want []string
	}{
		{name: "file in root", root: "/srv", path: "/srv/file.txt", want: nil},
		{name: "nested file", root: "/srv", path: "/srv/a/b/file.txt", want: []string{"/srv/a/b", "/srv/a"}},
		{name: "outside root", root: "/srv", path: "/etc/passwd", want: nil},
		{name: "slash root", root: "/", path: "/a/b", want: []string{"/a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParentDirs(tt.root, tt.path))
		})
	}
}

func TestNodesFromInfos(t *testing.T) {
	infos := []os.FileInfo{
		fakeInfo{name: "b.txt", size: 10},
		fakeInfo{name: "src", size: 4096, isDir: true},
		fakeInfo{name: "a.txt", size: 3},
		fakeInfo{name: ".", isDir: true},
	}

	nodes := NodesFromInfos("/srv/www/", infos)
	require.Len(t, nodes, 3)

	assert.Equal(t, "src", nodes[0].Name)
	assert.Equal(t, "/srv/www/src", nodes[0].Path)
	assert.True(t, nodes[0].IsDir)
	assert.Equal(t, int64(0), nodes[0].Size, "directories carry no size")

	assert.Equal(t, "a.txt", nodes[1].Name)
	assert.Equal(t, int64(3), nodes[1].Size)
	assert.Equal(t, "b.txt", nodes[2].Name)
	assert.Equal(t, "/srv/www/b.txt", nodes[2].Path)
	assert.Equal(t, int64(1700000000), nodes[2].ModTime)
}
