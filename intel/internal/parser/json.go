package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
)

// entryReader walks entries of a structured document that was loaded whole.
type entryReader struct {
	entries []map[string]string
	pos     int
}

func (p *entryReader) next() (record, error) {
	if p.pos >= len(p.entries) {
		return record{}, io.EOF
	}
	entry := p.entries[p.pos]
	p.pos++
	return record{keyed: entry}, nil
}

func (p *entryReader) position() int64 {
	return int64(p.pos)
}

func newJSONReader(def *feed.Definition, r io.Reader) (recordReader, error) {
	if len(def.Map) == 0 {
		return nil, fmt.Errorf("%w: json parser needs a map", ErrInvalidPattern)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("{")) && bytes.HasSuffix(data, []byte("}")) {
		data = append(append([]byte("["), data...), ']')
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	entries := make([]map[string]string, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := make(map[string]string, len(obj))
		for k, v := range obj {
			switch t := v.(type) {
			case nil:
			case string:
				entry[k] = t
			case json.Number:
				entry[k] = t.String()
			case bool:
				entry[k] = fmt.Sprint(t)
			default:
				b, err := json.Marshal(t)
				if err == nil {
					entry[k] = string(b)
				}
			}
		}
		entries = append(entries, entry)
	}
	return &entryReader{entries: entries}, nil
}
