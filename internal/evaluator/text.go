package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// textCheck is a deterministic check on the answer text.
type textCheck struct {
	base
	re *regexp.Regexp
}

func newTextCheck(b base) (*textCheck, error) {
	t := &textCheck{base: b}
	switch b.cfg.Type {
	case "contains", "equals":
		if b.cfg.Value == "" {
			return nil, fmt.Errorf("%s needs a value", b.cfg.Type)
		}
	case "regex":
		if b.cfg.Pattern == "" {
			return nil, errors.New("regex needs a pattern")
		}
		pattern := b.cfg.Pattern
		if b.cfg.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern: %w", err)
		}
		t.re = re
	}
	return t, nil
}

func (t *textCheck) Evaluate(_ context.Context, ec *Context) Score {
	answer := ec.Answer
	c := t.cfg
	switch c.Type {
	case "contains":
		got, want := answer, c.Value
		if c.CaseInsensitive {
			got, want = strings.ToLower(got), strings.ToLower(want)
		}
		return binary(strings.Contains(got, want),
			fmt.Sprintf("answer contains %q", c.Value),
			fmt.Sprintf("answer does not contain %q", c.Value))
	case "regex":
		return binary(t.re.MatchString(answer),
			fmt.Sprintf("answer matches /%s/", c.Pattern),
			fmt.Sprintf("answer does not match /%s/", c.Pattern))
	case "equals":
		got, want := strings.TrimSpace(answer), strings.TrimSpace(c.Value)
		ok := got == want
		if c.CaseInsensitive {
			ok = strings.EqualFold(got, want)
		}
		return binary(ok, "answer equals the expected value", fmt.Sprintf("answer %q does not equal %q", snippet([]byte(got)), want))
	default:
		return binary(json.Valid([]byte(strings.TrimSpace(answer))), "answer is valid JSON", "answer is not valid JSON")
	}
}
