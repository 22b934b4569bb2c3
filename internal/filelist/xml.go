package filelist

import (
	"encoding/xml"
	"fmt"
	"io"
)

type xmlListing struct {
	XMLName   xml.Name  `xml:"FileListing"`
	Version   string    `xml:"Version,attr"`
	CID       string    `xml:"CID,attr,omitempty"`
	Base      string    `xml:"Base,attr"`
	Generator string    `xml:"Generator,attr"`
	Dirs      []xmlDir  `xml:"Directory"`
	Files     []xmlFile `xml:"File"`
}

type xmlDir struct {
	Name  string    `xml:"Name,attr"`
	Dirs  []xmlDir  `xml:"Directory"`
	Files []xmlFile `xml:"File"`
}

type xmlFile struct {
	Name string `xml:"Name,attr"`
	Size uint64 `xml:"Size,attr"`
	TTH  string `xml:"TTH,attr,omitempty"`
}

// ParseXML reads an uncompressed XML listing.
func ParseXML(r io.Reader) (*Node, error) {
	var l xmlListing
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("decoding xml filelist: %w", err)
	}
	root := &Node{Dir: true}
	root.Children = fromXML(l.Dirs, l.Files)
	return root, nil
}

func fromXML(dirs []xmlDir, files []xmlFile) []*Node {
	out := make([]*Node, 0, len(dirs)+len(files))
	for _, d := range dirs {
		out = append(out, &Node{Name: d.Name, Dir: true, Children: fromXML(d.Dirs, d.Files)})
	}
	for _, f := range files {
		out = append(out, &Node{Name: f.Name, Size: f.Size, TTH: f.TTH})
	}
	return out
}

// EncodeXML writes root as an XML listing.
func EncodeXML(w io.Writer, root *Node, cid string) error {
	l := xmlListing{Version: "1", CID: cid, Base: "/", Generator: "sphubd"}
	l.Dirs, l.Files = toXML(root.Children)

	if _, err := io.WriteString(w, `<?xml version="1.0" encoding="utf-8" standalone="yes"?>`+"\n"); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")
	if err := enc.Encode(l); err != nil {
		return fmt.Errorf("encoding xml filelist: %w", err)
	}
	return enc.Flush()
}

func toXML(children []*Node) ([]xmlDir, []xmlFile) {
	var dirs []xmlDir
	var files []xmlFile
	for _, c := range children {
		if c.Dir {
			d := xmlDir{Name: c.Name}
			d.Dirs, d.Files = toXML(c.Children)
			dirs = append(dirs, d)
		} else {
			files = append(files, xmlFile{Name: c.Name, Size: c.Size, TTH: c.TTH})
		}
	}
	return dirs, files
}
