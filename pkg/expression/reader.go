package expression

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Orientation describes how a delimited expression file is laid out.
type Orientation string

const (
	// CellsByRNA means one row per cell and one column per RNA.
	CellsByRNA Orientation = "cells_by_rna"
	// RNAsByCell means one row per RNA and one column per cell.
	RNAsByCell Orientation = "rnas_by_cell"
)

// ErrParse is returned for malformed delimited input.
var ErrParse = errors.New("expression: parse error")

// ReadOptions configures Read.
type ReadOptions struct {
	Orientation Orientation
	// Comma forces the field delimiter. When zero, tab is tried first and comma is used
	// if the header contains a single field.
	Comma rune
}

// Read parses a delimited expression matrix. The first row holds the column labels
// (its first field names the index column and is ignored) and the first field of every
// following row is the row label.
func Read(r io.Reader, opts ReadOptions) (*Matrix, error) {
	if opts.Orientation == "" {
		opts.Orientation = CellsByRNA
	}
	if opts.Orientation != CellsByRNA && opts.Orientation != RNAsByCell {
		return nil, fmt.Errorf("%w: unknown orientation %q", ErrParse, opts.Orientation)
	}

	br := bufio.NewReader(r)
	comma := opts.Comma
	if comma == 0 {
		head, err := br.Peek(peekSize(br))
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		comma = sniffDelimiter(head)
	}

	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.ReuseRecord = false
	cr.FieldsPerRecord = 0

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty input", ErrParse)
		}
		return nil, fmt.Errorf("%w: header: %v", ErrParse, err)
	}
	colLabels := trimAll(header[1:])

	var rowLabels []string
	var entries []Entry
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrParse, line, err)
		}
		rowIdx := len(rowLabels)
		rowLabels = append(rowLabels, strings.TrimSpace(rec[0]))
		for k, field := range rec[1:] {
			field = strings.TrimSpace(field)
			if field == "" || field == "0" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %q: %v", ErrParse, line, colLabels[k], err)
			}
			if !validValue(v) {
				return nil, fmt.Errorf("%w: line %d column %q: %v", ErrInvalidValue, line, colLabels[k], v)
			}
			if v == 0 {
				continue
			}
			e := Entry{Cell: rowIdx, RNA: k, Value: v}
			if opts.Orientation == RNAsByCell {
				e = Entry{Cell: k, RNA: rowIdx, Value: v}
			}
			entries = append(entries, e)
		}
	}

	if opts.Orientation == RNAsByCell {
		return New(colLabels, rowLabels, entries)
	}
	return New(rowLabels, colLabels, entries)
}

func peekSize(br *bufio.Reader) int {
	if n := br.Size(); n < 4096 {
		return n
	}
	return 4096
}

// sniffDelimiter inspects the first line: tab when present, comma otherwise.
func sniffDelimiter(head []byte) rune {
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	if bytes.IndexByte(head, '\t') >= 0 {
		return '\t'
	}
	if bytes.IndexByte(head, ',') >= 0 {
		return ','
	}
	return '\t'
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
