package logstore

import (
	"fmt"
	"strings"
)

// Record is one line of a log, as seen during replay or a positioned read.
type Record struct {
	// Offset is the byte offset of the first byte of the line.
	Offset int64
	// Tag is the text before the first colon, for example "+T".
	Tag string

	rest   string
	legacy bool
}

func parseRecord(line string, offset int64, legacy bool) (Record, error) {
	tag, rest, ok := strings.Cut(line, ":")
	if !ok || tag == "" {
		return Record{}, fmt.Errorf("missing tag in %q", line)
	}
	return Record{Offset: offset, Tag: tag, rest: rest, legacy: legacy}, nil
}

// Fields returns exactly n decoded fields. Legacy records are split with
// SplitLegacy, so the last field absorbs stray colons.
func (r Record) Fields(n int) ([]string, error) {
	var fields []string
	if r.legacy {
		fields = SplitLegacy(r.rest, n)
	} else {
		var err error
		fields, err = SplitFields(r.rest)
		if err != nil {
			return nil, fmt.Errorf("%s record: %w", r.Tag, err)
		}
	}
	if len(fields) != n {
		return nil, fmt.Errorf("%s record: got %d fields, want %d", r.Tag, len(fields), n)
	}
	return fields, nil
}

// Legacy reports whether the record came from a log without a version header.
func (r Record) Legacy() bool { return r.legacy }
