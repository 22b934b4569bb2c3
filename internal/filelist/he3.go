package filelist

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var he3Magic = []byte("HE3\r")

// DecodeHe3 expands an he3 (static Huffman) compressed DcLst.
//
// Layout: magic, parity byte (xor of all output bytes), little-endian
// uint32 output length, little-endian uint16 symbol count, then a
// (symbol, code length) byte pair per symbol. The codes follow as one bit
// stream, most significant bit first, padded to a byte; the payload
// starts on the next byte.
func DecodeHe3(data []byte) ([]byte, error) {
	if len(data) < 11 || string(data[:4]) != string(he3Magic) {
		return nil, errors.New("he3: bad header")
	}
	parity := data[4]
	outLen := binary.LittleEndian.Uint32(data[5:9])
	ncouples := int(binary.LittleEndian.Uint16(data[9:11]))
	if len(data) < 11+2*ncouples {
		return nil, errors.New("he3: truncated symbol table")
	}

	br := bitReader{data: data, pos: uint64(11+2*ncouples) * 8}
	root := &he3Node{}
	for i := 0; i < ncouples; i++ {
		sym := data[11+2*i]
		length := int(data[12+2*i])
		if length == 0 || length > 32 {
			return nil, fmt.Errorf("he3: bad code length %d for symbol %d", length, sym)
		}
		n := root
		for j := 0; j < length; j++ {
			bit, ok := br.next()
			if !ok {
				return nil, errors.New("he3: truncated code table")
			}
			if n.leaf {
				return nil, errors.New("he3: ambiguous code table")
			}
			if n.child[bit] == nil {
				n.child[bit] = &he3Node{}
			}
			n = n.child[bit]
		}
		if n.leaf || n.child[0] != nil || n.child[1] != nil {
			return nil, errors.New("he3: ambiguous code table")
		}
		n.leaf = true
		n.sym = sym
	}
	br.align()

	out := make([]byte, 0, outLen)
	var check byte
	for uint32(len(out)) < outLen {
		n := root
		for !n.leaf {
			bit, ok := br.next()
			if !ok {
				return nil, errors.New("he3: truncated payload")
			}
			n = n.child[bit]
			if n == nil {
				return nil, errors.New("he3: invalid code in payload")
			}
		}
		out = append(out, n.sym)
		check ^= n.sym
	}
	if check != parity {
		return nil, fmt.Errorf("he3: parity mismatch: got %#x, want %#x", check, parity)
	}
	return out, nil
}

type he3Node struct {
	child [2]*he3Node
	leaf  bool
	sym   byte
}

type bitReader struct {
	data []byte
	pos  uint64
}

func (b *bitReader) next() (int, bool) {
	i := b.pos / 8
	if i >= uint64(len(b.data)) {
		return 0, false
	}
	bit := int(b.data[i]>>(7-b.pos%8)) & 1
	b.pos++
	return bit, true
}

func (b *bitReader) align() {
	if r := b.pos % 8; r != 0 {
		b.pos += 8 - r
	}
}
