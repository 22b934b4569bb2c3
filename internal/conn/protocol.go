package conn

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Lock is the $Lock challenge sent to peers. The EXTENDEDPROTOCOL prefix
// announces $Supports.
const Lock = "EXTENDEDPROTOCOL_sphubd"

// Pk identifies this client in the $Lock command.
const Pk = "sphubd"

// Supports lists what this client offers in $Supports.
const Supports = "ADCGet TTHF XmlBZList MiniSlots"

// Caps are capabilities a peer announced with $Supports.
type Caps uint8

const (
	ADCGet Caps = 1 << iota
	TTHF
	TTHL
	XMLBZList
)

func (c Caps) Has(flag Caps) bool { return c&flag != 0 }

func (c Caps) String() string {
	var names []string
	for _, f := range []struct {
		flag Caps
		name string
	}{{ADCGet, "ADCGet"}, {TTHF, "TTHF"}, {TTHL, "TTHL"}, {XMLBZList, "XmlBZList"}} {
		if c.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, " ")
}

// ParseCaps reads the feature list of a $Supports command.
func ParseCaps(features string) Caps {
	var c Caps
	for _, f := range strings.Fields(features) {
		switch f {
		case "ADCGet":
			c |= ADCGet
		case "TTHF":
			c |= TTHF
		case "TTHL":
			c |= TTHL
		case "XmlBZList":
			c |= XMLBZList
		}
	}
	return c
}

// LockToKey computes the $Key answer to a $Lock challenge. Bytes that
// would break the framing are sent as /%DCNnnn%/.
func LockToKey(lock []byte) []byte {
	n := len(lock)
	if n < 3 {
		return nil
	}
	key := make([]byte, n)
	key[0] = lock[0] ^ lock[n-1] ^ lock[n-2] ^ 5
	for i := 1; i < n; i++ {
		key[i] = lock[i] ^ lock[i-1]
	}

	var out bytes.Buffer
	for _, k := range key {
		k = k<<4 | k>>4
		switch k {
		case 0, 5, 36, 96, 124, 126:
			fmt.Fprintf(&out, "/%%DCN%03d%%/", k)
		default:
			out.WriteByte(k)
		}
	}
	return out.Bytes()
}

// nextCommand splits the first '|' terminated command off buf.
func nextCommand(buf []byte) (cmd string, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '|')
	if i < 0 {
		return "", buf, false
	}
	return string(buf[:i]), buf[i+1:], true
}

// splitCommand separates "$Verb args" into verb and arguments.
func splitCommand(cmd string) (verb, args string) {
	verb, args, _ = strings.Cut(cmd, " ")
	return verb, args
}

// adcEscape escapes a file name for $ADCGET and $ADCSND.
func adcEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, " ", `\s`, "\n", `\n`)
	return r.Replace(s)
}

func adcUnescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// adcRequest is a parsed $ADCGET or $ADCSND: "file <name> <offset> <length>".
// Length -1 means up to the end of the file.
type adcRequest struct {
	Type   string
	Name   string
	Offset uint64
	Length int64
}

func parseADC(args string) (adcRequest, error) {
	f := strings.Fields(args)
	if len(f) < 4 {
		return adcRequest{}, fmt.Errorf("malformed ADC request %q", args)
	}
	off, err := strconv.ParseUint(f[2], 10, 64)
	if err != nil {
		return adcRequest{}, fmt.Errorf("ADC offset %q: %w", f[2], err)
	}
	length, err := strconv.ParseInt(f[3], 10, 64)
	if err != nil {
		return adcRequest{}, fmt.Errorf("ADC length %q: %w", f[3], err)
	}
	if length < -1 {
		return adcRequest{}, fmt.Errorf("ADC length %d", length)
	}
	return adcRequest{Type: f[0], Name: adcUnescape(f[1]), Offset: off, Length: length}, nil
}

func (r adcRequest) String() string {
	return fmt.Sprintf("%s %s %d %d", r.Type, adcEscape(r.Name), r.Offset, r.Length)
}

// parseGet reads "$Get path$offset" where offset counts from 1.
func parseGet(args string) (string, uint64, error) {
	i := strings.LastIndexByte(args, '$')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed $Get %q", args)
	}
	off, err := strconv.ParseUint(args[i+1:], 10, 64)
	if err != nil || off == 0 {
		return "", 0, fmt.Errorf("$Get offset %q", args[i+1:])
	}
	return args[:i], off - 1, nil
}

// parseUGetBlock reads "$UGetBlock offset length path". Length -1 means up
// to the end of the file.
func parseUGetBlock(args string) (string, uint64, int64, error) {
	f := strings.SplitN(args, " ", 3)
	if len(f) != 3 {
		return "", 0, 0, fmt.Errorf("malformed $UGetBlock %q", args)
	}
	off, err := strconv.ParseUint(f[0], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("$UGetBlock offset %q: %w", f[0], err)
	}
	length, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil || length < -1 {
		return "", 0, 0, fmt.Errorf("$UGetBlock length %q", f[1])
	}
	return f[2], off, length, nil
}
