package rules

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	rootPrefix = "$root"
	varsPrefix = "$vars"
)

var knownModifiers = map[string]bool{
	"this": true, "reverse": true, "flatten": true, "join": true, "keys": true,
	"values": true, "tostr": true, "fromstr": true, "valid": true, "ugly": true,
	"pretty": true, "group": true, "dig": true,
}

type scopeKind int

const (
	scopeLocal scopeKind = iota
	scopeRoot
	scopeVars
)

// sourcePath is a checked gjson path bound to the scope it reads from.
type sourcePath struct {
	raw   string
	scope scopeKind
	expr  string // gjson expression, empty means the scope itself
}

func (p sourcePath) String() string {
	return p.raw
}

func (p sourcePath) get(e *evaluator, scope gjson.Result) gjson.Result {
	var base gjson.Result
	switch p.scope {
	case scopeRoot:
		base = e.root
	case scopeVars:
		base = e.vars
	default:
		base = scope
	}
	if p.expr == "" {
		return base
	}
	return base.Get(p.expr)
}

func parsePath(raw string) (sourcePath, error) {
	p := sourcePath{raw: raw}
	expr := raw
	switch {
	case expr == rootPrefix:
		return sourcePath{raw: raw, scope: scopeRoot}, nil
	case expr == varsPrefix:
		return sourcePath{raw: raw, scope: scopeVars}, nil
	case strings.HasPrefix(expr, rootPrefix+"."):
		p.scope = scopeRoot
		expr = expr[len(rootPrefix)+1:]
	case strings.HasPrefix(expr, varsPrefix+"."):
		p.scope = scopeVars
		expr = expr[len(varsPrefix)+1:]
	}
	if expr == "@this" {
		return p, nil
	}
	if err := checkExpr(expr); err != nil {
		return sourcePath{}, err
	}
	p.expr = expr
	return p, nil
}

// checkExpr rejects the malformed gjson expressions gjson itself would
// silently treat as "no match".
func checkExpr(expr string) error {
	if expr == "" {
		return fmt.Errorf("empty path")
	}
	segStart := 0
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\\':
			if i == len(expr)-1 {
				return fmt.Errorf("dangling escape in %q", expr)
			}
			i++
		case '"':
			if depth == 0 {
				return fmt.Errorf("unexpected quote at offset %d in %q", i, expr)
			}
			quote = c
		case '(':
			if depth == 0 && (i == 0 || expr[i-1] != '#') {
				return fmt.Errorf("query must start with #( at offset %d in %q", i, expr)
			}
			depth++
		case ')':
			if depth == 0 {
				return fmt.Errorf("unbalanced ) at offset %d in %q", i, expr)
			}
			depth--
			if expr[i-1] == '(' {
				return fmt.Errorf("empty query at offset %d in %q", i, expr)
			}
		case '.', '|':
			if depth > 0 {
				continue
			}
			if err := checkSegment(expr[segStart:i], expr); err != nil {
				return err
			}
			segStart = i + 1
		}
	}
	if quote != 0 {
		return fmt.Errorf("unterminated string in %q", expr)
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced #( in %q", expr)
	}
	return checkSegment(expr[segStart:], expr)
}

func checkSegment(seg, expr string) error {
	if seg == "" {
		return fmt.Errorf("empty segment in %q", expr)
	}
	if seg[0] == '@' {
		name, _, _ := strings.Cut(seg[1:], ":")
		if !knownModifiers[name] {
			return fmt.Errorf("unknown modifier @%s in %q", name, expr)
		}
	}
	return nil
}
