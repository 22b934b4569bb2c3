package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"sphub/internal/filelist"
)

// WriteFilelist stores root as the decompressed XML listing of nick in
// workdir, where filelist.Find looks for it.
func WriteFilelist(t *testing.T, workdir, nick string, root *filelist.Node) string {
	t.Helper()

	path := filepath.Join(workdir, "files.xml."+filelist.SafeNick(nick))
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating filelist: %v", err)
	}
	defer f.Close()
	if err := filelist.EncodeXML(f, root, "TESTCID"); err != nil {
		t.Fatalf("encoding filelist: %v", err)
	}
	return path
}

// Dir builds a filelist directory node.
func Dir(name string, children ...*filelist.Node) *filelist.Node {
	return &filelist.Node{Name: name, Dir: true, Children: children}
}

// File builds a filelist file node.
func File(name string, size uint64, tth string) *filelist.Node {
	return &filelist.Node{Name: name, Size: size, TTH: tth}
}
