// Package filelist loads and writes peer file listings.
//
// Two formats are understood: the XML listing (files.xml, usually bz2
// compressed) and the legacy DcLst tab-indented tree (MyList.DcLst, he3
// compressed). Both load into the same Node tree. Paths inside a listing are
// joined with a backslash, the way peers address their files.
package filelist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sep joins path components inside a peer's listing.
const Sep = `\`

// Kind identifies a listing format by file name.
type Kind int

const (
	KindNone Kind = iota
	KindXML
	KindDcLst
)

// Remote names requested from peers.
const (
	RemoteXML   = "files.xml.bz2"
	RemoteDcLst = "MyList.DcLst"
)

// Node is a directory or a file in a listing.
type Node struct {
	Name     string
	Dir      bool
	Size     uint64
	TTH      string
	Children []*Node
}

// KindOf classifies a file name as a listing. Any path component may
// precede the name.
func KindOf(filename string) Kind {
	base := filename
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	switch {
	case strings.HasPrefix(base, "files.xml"):
		return KindXML
	case strings.HasPrefix(base, "MyList"):
		return KindDcLst
	}
	return KindNone
}

// IsFilelist reports whether filename names a listing.
func IsFilelist(filename string) bool {
	return KindOf(filename) != KindNone
}

// SafeNick makes a nick usable as part of a file name.
func SafeNick(nick string) string {
	return strings.ReplaceAll(nick, "/", "_")
}

// LocalName returns where a compressed listing downloaded from nick is
// stored.
func LocalName(workdir, nick string, xml bool) string {
	if xml {
		return filepath.Join(workdir, "files.xml."+SafeNick(nick)+".bz2")
	}
	return filepath.Join(workdir, "MyList."+SafeNick(nick)+".DcLst")
}

// Find returns the decompressed listing of nick in workdir, preferring the
// XML format, or "" if none is present.
func Find(workdir, nick string) string {
	for _, name := range []string{"files.xml." + SafeNick(nick), "MyList." + SafeNick(nick)} {
		p := filepath.Join(workdir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// Load reads a decompressed listing from disk.
func Load(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening filelist: %w", err)
	}
	defer f.Close()

	switch KindOf(path) {
	case KindXML:
		root, err := ParseXML(f)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return root, nil
	case KindDcLst:
		root, err := ParseDcLst(f)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return root, nil
	default:
		return nil, fmt.Errorf("not a filelist: %s", path)
	}
}

// FindDirectory returns the directory node at path below root. An empty
// path is root itself. It returns nil if any component is missing or is
// not a directory.
func FindDirectory(root *Node, path string) *Node {
	cur := root
	for _, part := range strings.Split(strings.Trim(path, Sep), Sep) {
		if part == "" {
			continue
		}
		var next *Node
		for _, c := range cur.Children {
			if c.Dir && c.Name == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// Walk calls fn for every file below dir, in listing order, with its path
// relative to dir.
func Walk(dir *Node, fn func(path string, file *Node)) {
	walk(dir, "", fn)
}

func walk(dir *Node, prefix string, fn func(string, *Node)) {
	for _, c := range dir.Children {
		p := c.Name
		if prefix != "" {
			p = prefix + Sep + c.Name
		}
		if c.Dir {
			walk(c, p, fn)
		} else {
			fn(p, c)
		}
	}
}

// CountFiles returns the number of files below dir.
func CountFiles(dir *Node) int {
	n := 0
	Walk(dir, func(string, *Node) { n++ })
	return n
}
