package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
)

// lineReader reads one line at a time and tracks the byte offset. Blank and
// comment lines never reach the strategy.
type lineReader struct {
	r      *bufio.Reader
	offset int64
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func isComment(line string) bool {
	return strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";")
}

// line returns the next meaningful line without its terminator.
func (l *lineReader) line() (string, error) {
	for {
		s, err := l.r.ReadString('\n')
		l.offset += int64(len(s))
		if s == "" && err != nil {
			return "", err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		s = strings.TrimRight(s, "\r\n")
		if strings.TrimSpace(s) == "" || isComment(strings.TrimSpace(s)) {
			if err != nil {
				return "", err
			}
			continue
		}
		return s, nil
	}
}

func (l *lineReader) position() int64 {
	return l.offset
}

type regexReader struct {
	*lineReader
	re    *regexp.Regexp
	count int
}

func newRegexReader(def *feed.Definition, r io.Reader) (recordReader, error) {
	if def.Pattern == "" {
		return nil, fmt.Errorf("%w: regex parser needs a pattern", ErrInvalidPattern)
	}
	re, err := regexp.Compile(def.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return &regexReader{lineReader: newLineReader(r), re: re, count: len(def.Values)}, nil
}

func (p *regexReader) next() (record, error) {
	line, err := p.line()
	if err != nil {
		return record{}, err
	}
	line = strings.TrimSpace(line)

	groups, ok := submatches(p.re, line)
	if !ok {
		return record{raw: line}, errNoMatch
	}
	if len(groups) != p.count {
		return record{raw: line}, fmt.Errorf("%w: %q matched %d groups for %d values", errMismatch, line, len(groups), p.count)
	}
	return record{positional: groups, raw: line}, nil
}

// submatches returns the captured groups up to the last group that took
// part in the match.
func submatches(re *regexp.Regexp, s string) ([]string, bool) {
	idx := re.FindStringSubmatchIndex(s)
	if idx == nil {
		return nil, false
	}
	last := 0
	for g := 1; g*2 < len(idx); g++ {
		if idx[g*2] >= 0 {
			last = g
		}
	}
	out := make([]string, last)
	for g := 1; g <= last; g++ {
		if idx[g*2] >= 0 {
			out[g-1] = s[idx[g*2]:idx[g*2+1]]
		}
	}
	return out, true
}

type delimReader struct {
	*lineReader
	sep   string
	count int
}

func newDelimReader(def *feed.Definition, r io.Reader) (recordReader, error) {
	if def.Pattern == "" {
		return nil, fmt.Errorf("%w: delim parser needs a separator", ErrInvalidPattern)
	}
	return &delimReader{lineReader: newLineReader(r), sep: def.Pattern, count: len(def.Values)}, nil
}

func (p *delimReader) next() (record, error) {
	line, err := p.line()
	if err != nil {
		return record{}, err
	}
	parts := strings.Split(line, p.sep)
	if len(parts) != p.count {
		return record{raw: line}, fmt.Errorf("%w: %q split into %d fields for %d values", errMismatch, line, len(parts), p.count)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return record{positional: parts, raw: line}, nil
}
