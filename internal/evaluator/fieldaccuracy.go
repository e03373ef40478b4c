package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalnine/agentv/internal/suite"
)

// defaultDateFormats are tried in order when a date field names no formats.
var defaultDateFormats = []string{
	time.RFC3339,
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

// fieldAccuracy compares fields of a structured answer against the
// reference answer, both parsed as JSON.
type fieldAccuracy struct {
	base
	fields      []suite.FieldSpec
	aggregation string
}

func newFieldAccuracy(b base) (*fieldAccuracy, error) {
	if len(b.cfg.Fields) == 0 {
		return nil, errors.New("field_accuracy needs at least one field")
	}
	agg := b.cfg.Aggregation
	if agg == "" {
		agg = "weighted_average"
	}
	return &fieldAccuracy{base: b, fields: b.cfg.Fields, aggregation: agg}, nil
}

func (f *fieldAccuracy) Evaluate(_ context.Context, ec *Context) Score {
	var answer any
	if err := ParseJudgeResponse(ec.Answer, &answer); err != nil {
		return Score{Score: 0, Misses: []string{"answer is not a JSON object"}}
	}
	var expected any
	if err := ParseJudgeResponse(ec.Case.ReferenceAnswer, &expected); err != nil {
		return failure(errors.New("reference answer is not a JSON object"))
	}

	var s Score
	var sum, total float64
	allMatched := true
	for _, field := range f.fields {
		w := 1.0
		if field.Weight != nil {
			w = *field.Weight
		}
		total += w
		ok, detail := matchField(field, answer, expected)
		if ok {
			sum += w
			s.Hits = append(s.Hits, fmt.Sprintf("%s: %s", field.Path, detail))
		} else {
			allMatched = false
			s.Misses = append(s.Misses, fmt.Sprintf("%s: %s", field.Path, detail))
		}
	}

	switch {
	case f.aggregation == "all_or_nothing" && allMatched:
		s.Score = 1
	case f.aggregation == "all_or_nothing":
		s.Score = 0
	case total > 0:
		s.Score = sum / total
	}
	return s
}

func matchField(field suite.FieldSpec, answer, expected any) (bool, string) {
	want, ok := Lookup(expected, field.Path)
	if !ok {
		return false, "missing from reference answer"
	}
	got, ok := Lookup(answer, field.Path)
	if !ok {
		return false, "missing from answer"
	}
	switch field.Match {
	case "numeric_tolerance":
		return matchNumber(got, want, field.Tolerance, field.Relative)
	case "date":
		formats := field.Formats
		if len(formats) == 0 {
			formats = defaultDateFormats
		}
		return matchDate(got, want, formats)
	default:
		if cmp.Equal(got, want) {
			return true, "matches"
		}
		return false, fmt.Sprintf("got %v, want %v", got, want)
	}
}

func matchNumber(got, want any, tolerance float64, relative bool) (bool, string) {
	g, ok1 := toFloat(got)
	w, ok2 := toFloat(want)
	if !ok1 || !ok2 {
		return false, fmt.Sprintf("not numeric (got %v, want %v)", got, want)
	}
	diff := math.Abs(g - w)
	// Relative tolerance is undefined around zero; compare absolutely there.
	if relative && w != 0 {
		diff /= math.Abs(w)
	}
	if diff <= tolerance {
		return true, fmt.Sprintf("%v within tolerance of %v", g, w)
	}
	return false, fmt.Sprintf("got %v, want %v (tolerance %v)", g, w, tolerance)
}

func matchDate(got, want any, formats []string) (bool, string) {
	gs, ok1 := got.(string)
	ws, ok2 := want.(string)
	if !ok1 || !ok2 {
		return false, fmt.Sprintf("not a date string (got %v, want %v)", got, want)
	}
	gt, err := parseDate(gs, formats)
	if err != nil {
		return false, fmt.Sprintf("unparseable date %q", gs)
	}
	wt, err := parseDate(ws, formats)
	if err != nil {
		return false, fmt.Sprintf("unparseable reference date %q", ws)
	}
	gy, gm, gd := gt.Date()
	wy, wm, wd := wt.Date()
	if gy == wy && gm == wm && gd == wd {
		return true, "same date"
	}
	return false, fmt.Sprintf("got %s, want %s", gt.Format("2006-01-02"), wt.Format("2006-01-02"))
}

func parseDate(s string, formats []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no format matches %q", s)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(n, ",", "")), 64)
		return f, err == nil
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Lookup resolves a dot path such as "invoice.lines.0.amount" in a decoded
// JSON value. Numeric segments index arrays.
func Lookup(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
