// Package keyexpr implements the key expressions used to address samples and
// queries on the bus.
//
// A key expression is a '/'-separated list of non-empty chunks. The chunk "*"
// matches exactly one chunk and "**" matches zero or more chunks.
package keyexpr

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Single = "*"
	Multi  = "**"
)

var ErrInvalid = errors.New("invalid key expression")

// Validate reports whether ke is a well formed key expression.
func Validate(ke string) error {
	if ke == "" {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	if strings.ContainsAny(ke, "?#$") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalid, ke)
	}
	prev := ""
	for _, c := range strings.Split(ke, "/") {
		if c == "" {
			return fmt.Errorf("%w: %q has an empty chunk", ErrInvalid, ke)
		}
		if c != Single && c != Multi && strings.Contains(c, "*") {
			return fmt.Errorf("%w: %q uses a partial wildcard", ErrInvalid, ke)
		}
		if c == Multi && prev == Multi {
			return fmt.Errorf("%w: %q repeats **", ErrInvalid, ke)
		}
		prev = c
	}
	return nil
}

// IsWild reports whether ke contains a wildcard chunk.
func IsWild(ke string) bool {
	for _, c := range strings.Split(ke, "/") {
		if c == Single || c == Multi {
			return true
		}
	}
	return false
}

// Intersects reports whether at least one concrete key matches both a and b.
func Intersects(a, b string) bool {
	return intersects(strings.Split(a, "/"), strings.Split(b, "/"))
}

// Includes reports whether every key matched by b is also matched by a.
func Includes(a, b string) bool {
	return includes(strings.Split(a, "/"), strings.Split(b, "/"))
}

// intersects and includes are dynamic programs over suffix pairs: cell
// (i, j) holds the answer for a[i:] and b[j:]. Both run in
// O(len(a)*len(b)) regardless of how many ** chunks either side holds.
func intersects(a, b []string) bool {
	return match(a, b, func(t *table, i, j int) bool {
		switch {
		case i == len(a) && j == len(b):
			return true
		case i == len(a):
			return allMulti(b[j:])
		case j == len(b):
			return allMulti(a[i:])
		case a[i] == Multi || b[j] == Multi:
			return t.at(i+1, j) || t.at(i, j+1)
		case a[i] != b[j] && a[i] != Single && b[j] != Single:
			return false
		}
		return t.at(i+1, j+1)
	})
}

func includes(a, b []string) bool {
	return match(a, b, func(t *table, i, j int) bool {
		switch {
		case j == len(b):
			return allMulti(a[i:])
		case i == len(a):
			return false
		case a[i] == Multi:
			return t.at(i+1, j) || t.at(i, j+1)
		case b[j] == Multi:
			return false
		case a[i] != Single && a[i] != b[j]:
			return false
		}
		return t.at(i+1, j+1)
	})
}

type table struct {
	cols  int
	cells []bool
}

func (t *table) at(i, j int) bool { return t.cells[i*t.cols+j] }

// match fills the table from the empty suffixes backwards so every cell a
// step reads is already set.
func match(a, b []string, step func(t *table, i, j int) bool) bool {
	t := &table{cols: len(b) + 1, cells: make([]bool, (len(a)+1)*(len(b)+1))}
	for i := len(a); i >= 0; i-- {
		for j := len(b); j >= 0; j-- {
			t.cells[i*t.cols+j] = step(t, i, j)
		}
	}
	return t.at(0, 0)
}

func allMulti(cs []string) bool {
	for _, c := range cs {
		if c != Multi {
			return false
		}
	}
	return true
}

// SplitSelector splits "key/expr?params" into its key expression and parameters.
func SplitSelector(sel string) (string, string) {
	ke, params, _ := strings.Cut(sel, "?")
	return ke, params
}

// Selector joins a key expression and optional parameters.
func Selector(ke, params string) string {
	if params == "" {
		return ke
	}
	return ke + "?" + params
}
