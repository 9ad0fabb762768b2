package dice

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Expression is a parsed dice expression.
//
// Invariant: Count >= 1, Sides >= 2, 0 <= KeepHighest < Count.
type Expression struct {
	Raw         string
	Count       int
	Sides       int
	Modifier    int
	KeepHighest int // keep only the N highest dice when > 0 (4d6kh3)
}

var exprPattern = regexp.MustCompile(`^(\d*)d(\d+)(?:kh(\d+))?([+-]\d+)?$`)

// Parse parses "d20", "2d6", "2d6+3", "4d8-2" or "4d6kh3+1".
//
// Postcondition: returns a valid Expression or a descriptive error.
func Parse(expr string) (Expression, error) {
	s := strings.ToLower(strings.TrimSpace(expr))
	m := exprPattern.FindStringSubmatch(s)
	if m == nil {
		return Expression{}, fmt.Errorf("dice: malformed expression %q", expr)
	}
	e := Expression{Raw: expr, Count: 1}
	var err error
	if m[1] != "" {
		if e.Count, err = strconv.Atoi(m[1]); err != nil || e.Count < 1 {
			return Expression{}, fmt.Errorf("dice: invalid die count in %q", expr)
		}
	}
	if e.Sides, err = strconv.Atoi(m[2]); err != nil || e.Sides < 2 {
		return Expression{}, fmt.Errorf("dice: invalid die sides in %q: must be >= 2", expr)
	}
	if m[3] != "" {
		e.KeepHighest, err = strconv.Atoi(m[3])
		if err != nil || e.KeepHighest <= 0 || e.KeepHighest >= e.Count {
			return Expression{}, fmt.Errorf("dice: kh value in %q must be > 0 and < count %d", expr, e.Count)
		}
	}
	if m[4] != "" {
		if e.Modifier, err = strconv.Atoi(m[4]); err != nil {
			return Expression{}, fmt.Errorf("dice: invalid modifier in %q: %w", expr, err)
		}
	}
	return e, nil
}

// MustParse parses expr and panics on error.
func MustParse(expr string) Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err.Error())
	}
	return e
}

// Min returns the lowest possible total of e.
func (e Expression) Min() int {
	return e.kept() + e.Modifier
}

// Max returns the highest possible total of e.
func (e Expression) Max() int {
	return e.kept()*e.Sides + e.Modifier
}

func (e Expression) kept() int {
	if e.KeepHighest > 0 {
		return e.KeepHighest
	}
	return e.Count
}
