package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// Options holds the regular expressions applied to messages before they are
// imported or counted. Include and exclude patterns cannot be mixed.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
	IgnoreCase    bool
}

// Filter matches raw message headers and bodies against compiled patterns.
// It is safe for concurrent use; hit counters are updated atomically.
type Filter struct {
	includeMode bool
	excludeMode bool

	includeHeader patternSet
	includeBody   patternSet
	excludeHeader patternSet
	excludeBody   patternSet

	checked  atomic.Int64
	rejected atomic.Int64
}

type patternSet struct {
	sources []string
	res     []*regexp.Regexp
	hits    []atomic.Int64
}

// Stats reports how often each pattern matched.
type Stats struct {
	Checked  int64
	Rejected int64

	IncludeHeader []PatternHits
	IncludeBody   []PatternHits
	ExcludeHeader []PatternHits
	ExcludeBody   []PatternHits
}

type PatternHits struct {
	Pattern string
	Hits    int64
}

func New(opts Options) (*Filter, error) {
	f := &Filter{}
	sets := []struct {
		name     string
		patterns []string
		dst      *patternSet
	}{
		{"include-header", opts.IncludeHeader, &f.includeHeader},
		{"include-body", opts.IncludeBody, &f.includeBody},
		{"exclude-header", opts.ExcludeHeader, &f.excludeHeader},
		{"exclude-body", opts.ExcludeBody, &f.excludeBody},
	}
	for _, s := range sets {
		set, err := compilePatterns(s.patterns, opts.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", s.name, err)
		}
		*s.dst = set
	}

	f.includeMode = len(f.includeHeader.res) > 0 || len(f.includeBody.res) > 0
	f.excludeMode = len(f.excludeHeader.res) > 0 || len(f.excludeBody.res) > 0
	if f.includeMode && f.excludeMode {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return f, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode
}

// Allows reports whether a message with the given header and body passes.
// In include mode a message must match at least one pattern; in exclude mode
// it must match none.
func (f *Filter) Allows(header, body []byte) bool {
	f.checked.Add(1)

	allowed := true
	switch {
	case f.includeMode:
		// Evaluate both sets so every pattern's hit counter stays accurate.
		h := f.includeHeader.match(header)
		b := f.includeBody.match(body)
		allowed = h || b
	case f.excludeMode:
		h := f.excludeHeader.match(header)
		b := f.excludeBody.match(body)
		allowed = !(h || b)
	}

	if !allowed {
		f.rejected.Add(1)
	}
	return allowed
}

// AllowsRaw splits raw into header and body and applies Allows.
func (f *Filter) AllowsRaw(raw []byte) bool {
	header, body := SplitRawMessage(raw)
	return f.Allows(header, body)
}

func (f *Filter) Stats() Stats {
	return Stats{
		Checked:       f.checked.Load(),
		Rejected:      f.rejected.Load(),
		IncludeHeader: f.includeHeader.snapshot(),
		IncludeBody:   f.includeBody.snapshot(),
		ExcludeHeader: f.excludeHeader.snapshot(),
		ExcludeBody:   f.excludeBody.snapshot(),
	}
}

// SplitRawMessage splits a raw RFC 5322 message at the first blank line.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string, ignoreCase bool) (patternSet, error) {
	var set patternSet
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		expr := pattern
		if ignoreCase {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return patternSet{}, fmt.Errorf("compile %q: %w", pattern, err)
		}
		set.sources = append(set.sources, pattern)
		set.res = append(set.res, re)
	}
	set.hits = make([]atomic.Int64, len(set.res))
	return set, nil
}

// match reports whether any pattern matches text, counting each hit.
func (p *patternSet) match(text []byte) bool {
	if len(p.res) == 0 {
		return false
	}
	matched := false
	for i, re := range p.res {
		if re.Match(text) {
			p.hits[i].Add(1)
			matched = true
		}
	}
	return matched
}

func (p *patternSet) snapshot() []PatternHits {
	if len(p.res) == 0 {
		return nil
	}
	out := make([]PatternHits, len(p.res))
	for i := range p.res {
		out[i] = PatternHits{Pattern: p.sources[i], Hits: p.hits[i].Load()}
	}
	return out
}
