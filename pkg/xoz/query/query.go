// Copyright 2024 The xoz Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package query is a tiny filter-expression language for selecting
// pkg/xoz/catalog entries, e.g. `size > 4096 AND tag LIKE "blob-*"`. The
// AST shape (Expression/OrCondition/XCondition/Condition, with Const for
// literals where the teacher has Param) and the
// participle-driven lexer/grammar are grounded on the teacher's
// pkg/ql/parser.go; unlike that parser, LIKE patterns compile through
// github.com/gobwas/glob rather than a hand-rolled SQL-wildcard matcher,
// and there is no dialect/ValueType machinery — a caller-supplied Dialect
// maps field names directly to typed accessor functions, since this
// language only ever needs to compare strings, numbers, and timestamps.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/gobwas/glob"

	"github.com/xozfmt/xoz/golibs/errors"
)

type (
	// Expression describes a series of OR conditions.
	Expression struct {
		Or []*OrCondition `@@ { "OR" @@ }`
	}

	// OrCondition describes a series of AND conditions.
	OrCondition struct {
		And []*XCondition `@@ { "AND" @@ }`
	}

	// XCondition groups either a Condition or a parenthesized Expression,
	// optionally negated.
	XCondition struct {
		Not  bool        ` [@"NOT"] `
		Cond *Condition  `( @@`
		Expr *Expression `| "(" @@ ")")`
	}

	// Condition compares a field identifier against a constant.
	Condition struct {
		Field string `@Ident`
		Op    string `@("<"|">"|">="|"<="|"!="|"="|"LIKE")`
		Value Const  `@@`
	}

	// Const is a string or number literal.
	Const struct {
		Number *float64 `@Number`
		String *string  `| @String`
	}
)

var (
	exprLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Keyword", Pattern: `(?i)\b(AND|OR|NOT|LIKE)\b`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
		{Name: "Number", Pattern: `[-+]?\d*\.?\d+([eE][-+]?\d+)?`},
		{Name: "String", Pattern: `'[^']*'|"[^"]*"`},
		{Name: "Operators", Pattern: `!=|<=|>=|[()=<>]`},
		{Name: "whitespace", Pattern: `\s+`},
	})

	parser = participle.MustBuild[Expression](
		participle.Lexer(exprLexer),
		participle.Unquote("String"),
		participle.CaseInsensitive("Keyword"),
	)
)

// Parse parses expr into its AST. An empty (or all-whitespace) expr
// parses to an Expression matching everything.
func Parse(expr string) (*Expression, error) {
	expr = strings.TrimSpace(expr)
	if len(expr) == 0 {
		return &Expression{}, nil
	}
	e, err := parser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("parse query %q: %w", expr, err)
	}
	return e, nil
}

// FieldType tags the comparison semantics a Field applies for its values.
type FieldType int

const (
	// FieldString compares with ordinary string ordering, and is the only
	// type LIKE accepts.
	FieldString FieldType = iota
	// FieldNumber compares as float64.
	FieldNumber
	// FieldTime compares as time.Time, before/after for < and >.
	FieldTime
)

// Field is one named, typed accessor a Dialect exposes for T.
type Field[T any] struct {
	Type FieldType
	Get  func(T) any
}

// Dialect maps the field identifiers a query may reference to their typed
// accessors over T.
type Dialect[T any] map[string]Field[T]

// Matcher evaluates a compiled expression against a value of T.
type Matcher[T any] func(T) bool

// Compile parses expr and builds a Matcher for it over dialect. An empty
// expr compiles to a Matcher that accepts everything.
func Compile[T any](expr string, dialect Dialect[T]) (Matcher[T], error) {
	ast, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return buildOr(ast.Or, dialect)
}

func buildOr[T any](ocs []*OrCondition, dialect Dialect[T]) (Matcher[T], error) {
	if len(ocs) == 0 {
		return func(T) bool { return true }, nil
	}
	first, err := buildAnd(ocs[0].And, dialect)
	if err != nil {
		return nil, err
	}
	if len(ocs) == 1 {
		return first, nil
	}
	rest, err := buildOr(ocs[1:], dialect)
	if err != nil {
		return nil, err
	}
	return func(t T) bool { return first(t) || rest(t) }, nil
}

func buildAnd[T any](xcs []*XCondition, dialect Dialect[T]) (Matcher[T], error) {
	if len(xcs) == 0 {
		return func(T) bool { return true }, nil
	}
	first, err := buildX(xcs[0], dialect)
	if err != nil {
		return nil, err
	}
	if len(xcs) == 1 {
		return first, nil
	}
	rest, err := buildAnd(xcs[1:], dialect)
	if err != nil {
		return nil, err
	}
	return func(t T) bool { return first(t) && rest(t) }, nil
}

func buildX[T any](xc *XCondition, dialect Dialect[T]) (Matcher[T], error) {
	var m Matcher[T]
	var err error
	if xc.Expr != nil {
		m, err = buildOr(xc.Expr.Or, dialect)
	} else {
		m, err = buildCond(xc.Cond, dialect)
	}
	if err != nil {
		return nil, err
	}
	if xc.Not {
		inner := m
		m = func(t T) bool { return !inner(t) }
	}
	return m, nil
}

func buildCond[T any](cn *Condition, dialect Dialect[T]) (Matcher[T], error) {
	f, ok := dialect[cn.Field]
	if !ok {
		return nil, fmt.Errorf("unknown field %q: %w", cn.Field, errors.ErrInvalid)
	}

	op := strings.ToUpper(cn.Op)
	if op == "LIKE" {
		if f.Type != FieldString {
			return nil, fmt.Errorf("field %q is not a string, cannot LIKE: %w", cn.Field, errors.ErrInvalid)
		}
		if cn.Value.String == nil {
			return nil, fmt.Errorf("LIKE pattern for %q must be a string: %w", cn.Field, errors.ErrInvalid)
		}
		g, err := glob.Compile(*cn.Value.String)
		if err != nil {
			return nil, fmt.Errorf("compile LIKE pattern %q: %w", *cn.Value.String, err)
		}
		return func(t T) bool { return g.Match(f.Get(t).(string)) }, nil
	}

	switch f.Type {
	case FieldString:
		if cn.Value.String == nil {
			return nil, fmt.Errorf("field %q expects a string literal: %w", cn.Field, errors.ErrInvalid)
		}
		rhs := *cn.Value.String
		cmp, err := stringCompare(op)
		if err != nil {
			return nil, err
		}
		return func(t T) bool { return cmp(f.Get(t).(string), rhs) }, nil
	case FieldNumber:
		if cn.Value.Number == nil {
			return nil, fmt.Errorf("field %q expects a numeric literal: %w", cn.Field, errors.ErrInvalid)
		}
		rhs := *cn.Value.Number
		cmp, err := numberCompare(op)
		if err != nil {
			return nil, err
		}
		return func(t T) bool { return cmp(f.Get(t).(float64), rhs) }, nil
	case FieldTime:
		rhs, err := parseTimeConst(cn.Value)
		if err != nil {
			return nil, err
		}
		cmp, err := timeCompare(op)
		if err != nil {
			return nil, err
		}
		return func(t T) bool { return cmp(f.Get(t).(time.Time), rhs) }, nil
	default:
		return nil, fmt.Errorf("field %q has unsupported type: %w", cn.Field, errors.ErrInvalid)
	}
}

func parseTimeConst(c Const) (time.Time, error) {
	if c.String != nil {
		ts, err := time.Parse(time.RFC3339, *c.String)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", *c.String, errors.ErrInvalid)
		}
		return ts, nil
	}
	if c.Number != nil {
		return time.Unix(int64(*c.Number), 0), nil
	}
	return time.Time{}, fmt.Errorf("expected a time literal: %w", errors.ErrInvalid)
}

func stringCompare(op string) (func(a, b string) bool, error) {
	switch op {
	case "=":
		return func(a, b string) bool { return a == b }, nil
	case "!=":
		return func(a, b string) bool { return a != b }, nil
	case "<":
		return func(a, b string) bool { return a < b }, nil
	case ">":
		return func(a, b string) bool { return a > b }, nil
	case "<=":
		return func(a, b string) bool { return a <= b }, nil
	case ">=":
		return func(a, b string) bool { return a >= b }, nil
	default:
		return nil, fmt.Errorf("unsupported string operator %s: %w", op, errors.ErrInvalid)
	}
}

func numberCompare(op string) (func(a, b float64) bool, error) {
	switch op {
	case "=":
		return func(a, b float64) bool { return a == b }, nil
	case "!=":
		return func(a, b float64) bool { return a != b }, nil
	case "<":
		return func(a, b float64) bool { return a < b }, nil
	case ">":
		return func(a, b float64) bool { return a > b }, nil
	case "<=":
		return func(a, b float64) bool { return a <= b }, nil
	case ">=":
		return func(a, b float64) bool { return a >= b }, nil
	default:
		return nil, fmt.Errorf("unsupported numeric operator %s: %w", op, errors.ErrInvalid)
	}
}

func timeCompare(op string) (func(a, b time.Time) bool, error) {
	switch op {
	case "=":
		return func(a, b time.Time) bool { return a.Equal(b) }, nil
	case "!=":
		return func(a, b time.Time) bool { return !a.Equal(b) }, nil
	case "<":
		return func(a, b time.Time) bool { return a.Before(b) }, nil
	case ">":
		return func(a, b time.Time) bool { return a.After(b) }, nil
	case "<=":
		return func(a, b time.Time) bool { return !a.After(b) }, nil
	case ">=":
		return func(a, b time.Time) bool { return !a.Before(b) }, nil
	default:
		return nil, fmt.Errorf("unsupported time operator %s: %w", op, errors.ErrInvalid)
	}
}

// Value returns the literal's value formatted for diagnostics.
func (c Const) Value() string {
	if c.String != nil {
		return *c.String
	}
	return strconv.FormatFloat(*c.Number, 'f', -1, 64)
}
