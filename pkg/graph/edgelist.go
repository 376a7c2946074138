package graph

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var columnAliases = map[string]string{
	"source_id":        "source",
	"source":           "source",
	"target_id":        "target",
	"target":           "target",
	"rna_type_source":  "source_type",
	"source_type":      "source_type",
	"rna_type_target":  "target_type",
	"target_type":      "target_type",
	"confidence_score": "score",
	"confidence":       "score",
	"score":            "score",
}

// ReadEdgeList parses a tab or comma separated edge list with a header row. The
// source and target columns are required; missing type columns default to mRNA
// and a missing score column to 1.
func ReadEdgeList(r io.Reader) ([]EdgeRecord, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(min(br.Size(), 4096))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read edge list: %w", err)
	}
	cr := csv.NewReader(br)
	cr.Comma = '\t'
	if line, _, _ := strings.Cut(string(first), "\n"); !strings.Contains(line, "\t") && strings.Contains(line, ",") {
		cr.Comma = ','
	}
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, &SchemaError{Line: 1, Reason: "missing header"}
	}
	cols := make(map[string]int)
	for i, h := range header {
		if canon, ok := columnAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, dup := cols[canon]; !dup {
				cols[canon] = i
			}
		}
	}
	for _, req := range []string{"source", "target"} {
		if _, ok := cols[req]; !ok {
			return nil, &SchemaError{Line: 1, Reason: fmt.Sprintf("missing %s column", req)}
		}
	}

	field := func(rec []string, name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[i]), true
	}

	var out []EdgeRecord
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, &SchemaError{Line: line, Reason: err.Error()}
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		er := EdgeRecord{Confidence: 1, Line: line}
		er.Source, _ = field(rec, "source")
		er.Target, _ = field(rec, "target")
		if er.Source == "" || er.Target == "" {
			return nil, &SchemaError{Line: line, Source: er.Source, Target: er.Target, Reason: "empty RNA id"}
		}
		if s, ok := field(rec, "source_type"); ok {
			if er.SourceType, err = ParseRNAType(s); err != nil {
				return nil, &SchemaError{Line: line, Source: er.Source, Target: er.Target, Reason: err.Error()}
			}
		}
		if s, ok := field(rec, "target_type"); ok {
			if er.TargetType, err = ParseRNAType(s); err != nil {
				return nil, &SchemaError{Line: line, Source: er.Source, Target: er.Target, Reason: err.Error()}
			}
		}
		if s, ok := field(rec, "score"); ok && s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || math.IsNaN(v) {
				return nil, &SchemaError{Line: line, Source: er.Source, Target: er.Target, Reason: fmt.Sprintf("invalid confidence %q", s)}
			}
			er.Confidence = v
		}
		out = append(out, er)
	}
	return out, nil
}
