package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
)

type csvReader struct {
	r     *csv.Reader
	count int
}

func newCSVReader(def *feed.Definition, r io.Reader) (recordReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	if def.Pattern != "" {
		sep := []rune(def.Pattern)
		if len(sep) != 1 {
			return nil, fmt.Errorf("%w: csv separator must be one character", ErrInvalidPattern)
		}
		cr.Comma = sep[0]
	}
	return &csvReader{r: cr, count: len(def.Values)}, nil
}

func (p *csvReader) next() (record, error) {
	for {
		fields, err := p.r.Read()
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return record{}, fmt.Errorf("%w: %v", errMismatch, err)
			}
			return record{}, err
		}
		if len(fields) > 0 && isComment(strings.TrimSpace(fields[0])) {
			continue
		}
		if len(fields) != p.count {
			return record{raw: strings.Join(fields, ",")}, fmt.Errorf("%w: %d columns for %d values", errMismatch, len(fields), p.count)
		}
		return record{positional: fields, raw: strings.Join(fields, ",")}, nil
	}
}

func (p *csvReader) position() int64 {
	return p.r.InputOffset()
}
