package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// HeaderCounter tallies header values, e.g. the most frequent senders in a
// folder or mbox.
type HeaderCounter struct {
	fields   []string
	counts   map[string]map[string]int
	messages int
}

type Count struct {
	Value string
	N     int
}

func NewHeaderCounter(fields ...string) *HeaderCounter {
	c := &HeaderCounter{counts: make(map[string]map[string]int, len(fields))}
	for _, f := range fields {
		c.fields = append(c.fields, f)
		c.counts[f] = make(map[string]int)
	}
	return c
}

func (c *HeaderCounter) Fields() []string {
	return c.fields
}

func (c *HeaderCounter) Messages() int {
	return c.messages
}

// Add records one message. get returns the value of a header field; empty
// values are not counted.
func (c *HeaderCounter) Add(get func(field string) string) {
	c.messages++
	for _, f := range c.fields {
		if v := strings.TrimSpace(get(f)); v != "" {
			c.counts[f][v]++
		}
	}
}

// Top returns the limit most frequent values of field, ties broken by value.
// A limit <= 0 returns all of them.
func (c *HeaderCounter) Top(field string, limit int) []Count {
	m := c.counts[field]
	out := make([]Count, 0, len(m))
	for v, n := range m {
		out = append(out, Count{Value: v, N: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Value < out[j].Value
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// WriteCSV writes every value of field with its count, most frequent first.
func (c *HeaderCounter) WriteCSV(w io.Writer, field string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{field, "count"}); err != nil {
		return err
	}
	for _, e := range c.Top(field, 0) {
		if err := cw.Write([]string{e.Value, strconv.Itoa(e.N)}); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write %s csv: %w", field, err)
	}
	return nil
}
