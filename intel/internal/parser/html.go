package parser

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
)

// newHTMLReader reads the table whose id is the feed node. The first row
// holds the headings; later rows become entries keyed by heading.
func newHTMLReader(def *feed.Definition, r io.Reader) (recordReader, error) {
	if def.Node == "" {
		return nil, fmt.Errorf("%w: html parser needs a node", ErrInvalidPattern)
	}
	if len(def.Map) == 0 {
		return nil, fmt.Errorf("%w: html parser needs a map", ErrInvalidPattern)
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	table := findByID(doc, "table", def.Node)
	if table == nil {
		return nil, fmt.Errorf("%w: no table with id %q", ErrFormat, def.Node)
	}

	rows := collect(table, "tr")
	if len(rows) == 0 {
		return &entryReader{}, nil
	}

	var headings []string
	for _, th := range collect(rows[0], "th") {
		headings = append(headings, nodeText(th))
	}

	entries := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		cells := collect(row, "td")
		entry := make(map[string]string, len(headings))
		for i, h := range headings {
			if i >= len(cells) {
				break
			}
			entry[h] = nodeText(cells[i])
		}
		entries = append(entries, entry)
	}
	return &entryReader{entries: entries}, nil
}

func findByID(n *html.Node, tag, id string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		for _, attr := range n.Attr {
			if attr.Key == "id" && attr.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, tag, id); found != nil {
			return found
		}
	}
	return nil
}

// collect returns descendants of n named tag, not descending into matches.
func collect(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == tag {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
