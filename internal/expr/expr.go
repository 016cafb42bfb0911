// Package expr implements the restricted expression and template language
// used by workflow graphs. Templates substitute `{{...}}` spans from
// parameters, variables, and upstream node outputs; expressions cover
// arithmetic, comparison, boolean logic, member access, and a closed set
// of builtins. No filesystem or network access is reachable from here,
// and every evaluation runs under a time budget.
package expr

import (
	"fmt"
	"math"
	"time"

	"github.com/weftworks/weft/internal/werr"
)

// Env resolves root identifiers (parameters, variables, "nodes", ...).
type Env func(name string) (any, bool)

// DefaultBudget bounds a single evaluation when the caller passes zero.
const DefaultBudget = 100 * time.Millisecond

// Eval parses and evaluates one expression against env.
func Eval(src string, env Env, budget time.Duration) (any, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	toks, err := lex(src)
	if err != nil {
		return nil, werr.Wrap(werr.CodeExpressionError, err, "lexing %q", src)
	}
	p := &parser{toks: toks}
	node, err := p.parseExpr(0)
	if err != nil {
		return nil, werr.Wrap(werr.CodeExpressionError, err, "parsing %q", src)
	}
	if p.peek().kind != tokEOF {
		return nil, werr.New(werr.CodeExpressionError, "trailing input at %d in %q", p.peek().pos, src)
	}

	ev := &evaluator{env: env, deadline: time.Now().Add(budget)}
	out, err := ev.eval(node)
	if err != nil {
		return nil, werr.Wrap(werr.CodeExpressionError, err, "evaluating %q", src)
	}
	return out, nil
}

// EvalBool evaluates src and coerces the result to a boolean.
func EvalBool(src string, env Env, budget time.Duration) (bool, error) {
	v, err := Eval(src, env, budget)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// ---- AST ----

type node interface{}

type litNode struct{ val any }
type identNode struct{ name string }
type memberNode struct {
	obj  node
	name string
}
type indexNode struct {
	obj node
	idx node
}
type unaryNode struct {
	op string
	x  node
}
type binaryNode struct {
	op   string
	l, r node
}
type callNode struct {
	name string
	args []node
}

// ---- parser ----

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(text string) error {
	t := p.advance()
	if t.kind != tokPunct || t.text != text {
		return fmt.Errorf("expected %q at %d, got %q", text, t.pos, t.text)
	}
	return nil
}

// binding powers, loosest first
var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

func (p *parser) parseExpr(minPrec int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPunct {
			return left, nil
		}
		prec, ok := precedence[t.text]
		if !ok || prec < minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, l: left, r: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokPunct && (t.text == "-" || t.text == "!") {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: t.text, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPunct {
			return base, nil
		}
		switch t.text {
		case ".":
			p.advance()
			name := p.advance()
			if name.kind != tokIdent {
				return nil, fmt.Errorf("expected member name at %d", name.pos)
			}
			base = &memberNode{obj: base, name: name.text}
		case "[":
			p.advance()
			idx, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			base = &indexNode{obj: base, idx: idx}
		default:
			return base, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.advance()
	switch t.kind {
	case tokNumber:
		return &litNode{val: t.num}, nil
	case tokString:
		return &litNode{val: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &litNode{val: true}, nil
		case "false":
			return &litNode{val: false}, nil
		case "null", "nil":
			return &litNode{val: nil}, nil
		}
		// Builtin call?
		if p.peek().kind == tokPunct && p.peek().text == "(" {
			p.advance()
			var args []node
			if !(p.peek().kind == tokPunct && p.peek().text == ")") {
				for {
					arg, err := p.parseExpr(0)
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind == tokPunct && p.peek().text == "," {
						p.advance()
						continue
					}
					break
				}
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return &callNode{name: t.text, args: args}, nil
		}
		return &identNode{name: t.text}, nil
	case tokPunct:
		if t.text == "(" {
			inner, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q at %d", t.text, t.pos)
}

// ---- evaluator ----

type evaluator struct {
	env      Env
	deadline time.Time
	steps    int
}

func (e *evaluator) check() error {
	e.steps++
	if time.Now().After(e.deadline) {
		return fmt.Errorf("time budget exceeded")
	}
	if e.steps > 1_000_000 {
		return fmt.Errorf("step budget exceeded")
	}
	return nil
}

func (e *evaluator) eval(n node) (any, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	switch n := n.(type) {
	case *litNode:
		return n.val, nil

	case *identNode:
		v, ok := e.env(n.name)
		if !ok {
			return nil, fmt.Errorf("unknown identifier %q", n.name)
		}
		return v, nil

	case *memberNode:
		obj, err := e.eval(n.obj)
		if err != nil {
			return nil, err
		}
		return member(obj, n.name)

	case *indexNode:
		obj, err := e.eval(n.obj)
		if err != nil {
			return nil, err
		}
		idx, err := e.eval(n.idx)
		if err != nil {
			return nil, err
		}
		return index(obj, idx)

	case *unaryNode:
		x, err := e.eval(n.x)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "-":
			f, err := toNumber(x)
			if err != nil {
				return nil, err
			}
			return -f, nil
		case "!":
			return !truthy(x), nil
		}

	case *binaryNode:
		return e.evalBinary(n)

	case *callNode:
		fn, ok := builtins[n.name]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", n.name)
		}
		args := make([]any, len(n.args))
		for i, a := range n.args {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn(args)
	}
	return nil, fmt.Errorf("unhandled node %T", n)
}

func (e *evaluator) evalBinary(n *binaryNode) (any, error) {
	// Short-circuit boolean operators.
	switch n.op {
	case "&&":
		l, err := e.eval(n.l)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := e.eval(n.r)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "||":
		l, err := e.eval(n.l)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := e.eval(n.r)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := e.eval(n.l)
	if err != nil {
		return nil, err
	}
	r, err := e.eval(n.r)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	// String concatenation keeps + useful in templates.
	if n.op == "+" {
		if ls, ok := l.(string); ok {
			return ls + stringify(r), nil
		}
		if rs, ok := r.(string); ok {
			return stringify(l) + rs, nil
		}
	}

	lf, err := toNumber(l)
	if err != nil {
		return nil, fmt.Errorf("left operand of %q: %w", n.op, err)
	}
	rf, err := toNumber(r)
	if err != nil {
		return nil, fmt.Errorf("right operand of %q: %w", n.op, err)
	}

	switch n.op {
	case "+":
		return lf + rf, nil
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
			return nil, fmt.Errorf("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func member(obj any, name string) (any, error) {
	switch o := obj.(type) {
	case map[string]any:
		return o[name], nil
	case nil:
		return nil, fmt.Errorf("member %q of null", name)
	}
	return nil, fmt.Errorf("member %q of %T", name, obj)
}

func index(obj, idx any) (any, error) {
	switch o := obj.(type) {
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("object index must be a string, got %T", idx)
		}
		return o[key], nil
	case []any:
		f, err := toNumber(idx)
		if err != nil {
			return nil, fmt.Errorf("array index: %w", err)
		}
		i := int(f)
		if i < 0 || i >= len(o) {
			return nil, fmt.Errorf("array index %d out of range [0..%d)", i, len(o))
		}
		return o[i], nil
	case string:
		f, err := toNumber(idx)
		if err != nil {
			return nil, fmt.Errorf("string index: %w", err)
		}
		i := int(f)
		if i < 0 || i >= len(o) {
			return nil, fmt.Errorf("string index %d out of range", i)
		}
		return string(o[i]), nil
	}
	return nil, fmt.Errorf("cannot index %T", obj)
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}

func toNumber(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%T is not a number", v)
}

func equal(l, r any) bool {
	lf, lerr := toNumber(l)
	rf, rerr := toNumber(r)
	if lerr == nil && rerr == nil {
		return lf == rf
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return ls == rs
		}
	}
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r)
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// Whole numbers print without the trailing .0 JSON float noise.
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	}
	if s, err := jsonEncode(v); err == nil {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Stringify renders a value the way templates do.
func Stringify(v any) string { return stringify(v) }

// Truthy applies the language's truthiness rules to an arbitrary value.
func Truthy(v any) bool { return truthy(v) }
