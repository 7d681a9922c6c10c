package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
)

type rssRule struct {
	element string
	re      *regexp.Regexp
	count   int
}

// rssReader applies one pattern per element of every RSS item or Atom
// entry and concatenates the captures in rule order.
type rssReader struct {
	entries []map[string]string
	rules   []rssRule
	pos     int
}

func newRSSReader(def *feed.Definition, r io.Reader) (recordReader, error) {
	if len(def.Elements) == 0 {
		return nil, fmt.Errorf("%w: rss parser needs element patterns", ErrInvalidPattern)
	}
	rules := make([]rssRule, 0, len(def.Elements))
	for _, el := range def.Elements {
		re, err := regexp.Compile(el.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: element %s: %v", ErrInvalidPattern, el.Name, err)
		}
		rules = append(rules, rssRule{element: el.Name, re: re, count: len(el.Values)})
	}

	entries, err := syndicationEntries(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return &rssReader{entries: entries, rules: rules}, nil
}

func (p *rssReader) next() (record, error) {
	if p.pos >= len(p.entries) {
		return record{}, io.EOF
	}
	entry := p.entries[p.pos]
	p.pos++

	var results []string
	for _, rule := range p.rules {
		content := entry[rule.element]
		groups, ok := submatches(rule.re, content)
		if !ok || len(groups) != rule.count {
			return record{raw: content}, fmt.Errorf("%w: element %s: %q", errMismatch, rule.element, content)
		}
		results = append(results, groups...)
	}
	return record{positional: results}, nil
}

func (p *rssReader) position() int64 {
	return int64(p.pos)
}

// syndicationEntries flattens each item/entry into child element name to
// trimmed text. Atom links contribute their href.
func syndicationEntries(r io.Reader) ([]map[string]string, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	// content is already decoded to UTF-8 upstream
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }

	var (
		entries []map[string]string
		cur     map[string]string
		field   string
		text    strings.Builder
		depth   int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if cur == nil {
				if t.Name.Local == "item" || t.Name.Local == "entry" {
					cur = map[string]string{}
					depth = 0
				}
				continue
			}
			depth++
			if depth == 1 {
				field = t.Name.Local
				text.Reset()
				if field == "link" {
					for _, attr := range t.Attr {
						if attr.Name.Local == "href" {
							setFirst(cur, field, attr.Value)
						}
					}
				}
			}
		case xml.CharData:
			if cur != nil && depth >= 1 {
				text.Write(t)
			}
		case xml.EndElement:
			if cur == nil {
				continue
			}
			if depth == 0 {
				alias(cur, "description", "summary")
				entries = append(entries, cur)
				cur = nil
				continue
			}
			if depth == 1 {
				setFirst(cur, field, strings.TrimSpace(text.String()))
			}
			depth--
		}
	}
	return entries, nil
}

func setFirst(m map[string]string, key, value string) {
	if prev, ok := m[key]; !ok || (prev == "" && value != "") {
		m[key] = value
	}
}

// alias makes RSS and Atom names for the same content interchangeable.
func alias(m map[string]string, a, b string) {
	if v, ok := m[a]; ok {
		setFirst(m, b, v)
	}
	if v, ok := m[b]; ok {
		setFirst(m, a, v)
	}
}
