package filelist

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ParseDcLst reads an uncompressed DcLst listing. Each line is a name
// indented by tabs to its depth; files carry "|size", directories do not.
// Listings are Windows-1252 encoded.
func ParseDcLst(r io.Reader) (*Node, error) {
	root := &Node{Dir: true}
	stack := []*Node{root}

	sc := bufio.NewScanner(charmap.Windows1252.NewDecoder().Reader(r))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r\n ")
		if strings.TrimSpace(line) == "" {
			continue
		}

		depth := 0
		for depth < len(line) && line[depth] == '\t' {
			depth++
		}
		if depth >= len(stack) {
			// Deeper than any open directory: attach to the innermost one.
			depth = len(stack) - 1
		}
		stack = stack[:depth+1]
		parent := stack[depth]

		name, size, isFile := strings.Cut(line[depth:], "|")
		if isFile {
			n, err := strconv.ParseUint(strings.TrimSpace(size), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad size %q", lineno, size)
			}
			parent.Children = append(parent.Children, &Node{Name: name, Size: n})
			continue
		}
		dir := &Node{Name: name, Dir: true}
		parent.Children = append(parent.Children, dir)
		stack = append(stack, dir)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading dclst filelist: %w", err)
	}
	return root, nil
}
