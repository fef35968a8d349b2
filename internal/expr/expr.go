// Package expr implements the minimal safe expression language used for
// sequence-flow conditions and script-task statements: literals, context
// identifiers with dotted paths, comparison, boolean, and arithmetic
// operators. It is deliberately not a general evaluator.
package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Resolver supplies identifier values during evaluation.
type Resolver func(path string) (any, bool)

// Eval parses and evaluates a single expression.
func Eval(input string, resolve Resolver) (any, error) {
	p := &parser{lex: newLexer(input), resolve: resolve}
	p.next()
	v, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos)
	}
	return v, nil
}

// Truthy applies the language's truthiness rules: booleans as-is, numbers
// non-zero, strings non-empty with "false"/"no"/"0" false, nil false,
// collections non-empty.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "no", "0":
			return false
		}
		return true
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	if f, ok := numeric(v); ok {
		return f != 0
	}
	return true
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	in  string
	pos int
}

func newLexer(in string) *lexer { return &lexer{in: in} }

func (l *lexer) next() (token, error) {
	for l.pos < len(l.in) && (l.in[l.pos] == ' ' || l.in[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.in) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.in[l.pos]

	switch {
	case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.in) && l.in[l.pos+1] >= '0' && l.in[l.pos+1] <= '9':
		for l.pos < len(l.in) && (l.in[l.pos] >= '0' && l.in[l.pos] <= '9' || l.in[l.pos] == '.') {
			l.pos++
		}
		f, err := strconv.ParseFloat(l.in[start:l.pos], 64)
		if err != nil {
			return token{}, fmt.Errorf("bad number %q at %d", l.in[start:l.pos], start)
		}
		return token{kind: tokNumber, num: f, text: l.in[start:l.pos], pos: start}, nil

	case c == '\'' || c == '"':
		quote := c
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.in) && l.in[l.pos] != quote {
			if l.in[l.pos] == '\\' && l.pos+1 < len(l.in) {
				l.pos++
			}
			sb.WriteByte(l.in[l.pos])
			l.pos++
		}
		if l.pos >= len(l.in) {
			return token{}, fmt.Errorf("unterminated string at %d", start)
		}
		l.pos++
		return token{kind: tokString, text: sb.String(), pos: start}, nil

	case isIdentStart(c):
		for l.pos < len(l.in) && isIdentPart(l.in[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.in[start:l.pos], pos: start}, nil

	default:
		for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||"} {
			if strings.HasPrefix(l.in[l.pos:], op) {
				l.pos += 2
				return token{kind: tokOp, text: op, pos: start}, nil
			}
		}
		switch c {
		case '<', '>', '+', '-', '*', '/', '%', '(', ')', '!':
			l.pos++
			return token{kind: tokOp, text: string(c), pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected character %q at %d", string(c), start)
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}

type parser struct {
	lex     *lexer
	tok     token
	err     error
	resolve Resolver
}

func (p *parser) next() {
	if p.err != nil {
		return
	}
	p.tok, p.err = p.lex.next()
}

// binding powers, higher binds tighter
func binaryPower(op string) int {
	switch op {
	case "||":
		return 1
	case "&&":
		return 2
	case "==", "!=", "<", ">", "<=", ">=":
		return 3
	case "+", "-":
		return 4
	case "*", "/", "%":
		return 5
	}
	return 0
}

func (p *parser) parseExpr(minPower int) (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if p.err != nil {
			return nil, p.err
		}
		op := ""
		switch {
		case p.tok.kind == tokOp:
			op = p.tok.text
		case p.tok.kind == tokIdent && (p.tok.text == "and" || p.tok.text == "or"):
			if p.tok.text == "and" {
				op = "&&"
			} else {
				op = "||"
			}
		}
		power := binaryPower(op)
		if power == 0 || power < minPower {
			return left, nil
		}
		p.next()
		right, err := p.parseExpr(power + 1)
		if err != nil {
			return nil, err
		}
		left, err = applyBinary(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseUnary() (any, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch {
	case p.tok.kind == tokOp && p.tok.text == "!",
		p.tok.kind == tokIdent && p.tok.text == "not":
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case p.tok.kind == tokOp && p.tok.text == "-":
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		f, ok := numeric(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokNumber:
		v := p.tok.num
		p.next()
		return v, nil
	case tokString:
		v := p.tok.text
		p.next()
		return v, nil
	case tokIdent:
		name := p.tok.text
		p.next()
		switch name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		}
		if p.resolve != nil {
			if v, ok := p.resolve(name); ok {
				return normalize(v), nil
			}
		}
		return nil, nil
	case tokOp:
		if p.tok.text == "(" {
			p.next()
			v, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokOp || p.tok.text != ")" {
				return nil, fmt.Errorf("missing closing parenthesis at %d", p.tok.pos)
			}
			p.next()
			return v, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos)
}

func applyBinary(op string, left, right any) (any, error) {
	switch op {
	case "&&":
		return Truthy(left) && Truthy(right), nil
	case "||":
		return Truthy(left) || Truthy(right), nil
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	lf, lok := numeric(left)
	rf, rok := numeric(right)

	switch op {
	case "<", ">", "<=", ">=":
		if lok && rok {
			return compareNumbers(op, lf, rf), nil
		}
		ls, lsok := left.(string)
		rs, rsok := right.(string)
		if lsok && rsok {
			return compareStrings(op, ls, rs), nil
		}
		return nil, fmt.Errorf("cannot compare %T and %T", left, right)
	case "+":
		if lok && rok {
			return lf + rf, nil
		}
		if ls, ok := left.(string); ok {
			return ls + toString(right), nil
		}
		return nil, fmt.Errorf("cannot add %T and %T", left, right)
	case "-", "*", "/", "%":
		if !lok || !rok {
			return nil, fmt.Errorf("operator %s needs numbers, got %T and %T", op, left, right)
		}
		switch op {
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return lf / rf, nil
		case "%":
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return float64(int64(lf) % int64(rf)), nil
		}
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func compareNumbers(op string, l, r float64) bool {
	switch op {
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	default:
		return l >= r
	}
}

func compareStrings(op, l, r string) bool {
	switch op {
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	default:
		return l >= r
	}
}

func equal(l, r any) bool {
	if lf, ok := numeric(l); ok {
		if rf, ok := numeric(r); ok {
			return lf == rf
		}
	}
	return reflect.DeepEqual(normalize(l), normalize(r))
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

// normalize widens integer values so context values and literals compare
// consistently.
func normalize(v any) any {
	if f, ok := numeric(v); ok {
		return f
	}
	return v
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := numeric(v); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprintf("%v", v)
}
