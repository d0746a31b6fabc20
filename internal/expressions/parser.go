package expressions

import (
	"sync"

	"github.com/kinetiq/flowline/pkg/schema"
)

// node is one evaluable AST node.
type node interface {
	eval(ctx *Context) any
}

// pathNode resolves a dotted reference against the context.
type pathNode struct {
	path string
}

func (n *pathNode) eval(ctx *Context) any { return ctx.Get(n.path) }

// literalNode holds a string, number, boolean or null literal.
type literalNode struct {
	value any
}

func (n *literalNode) eval(*Context) any { return n.value }

// unaryNode implements logical negation.
type unaryNode struct {
	operand node
}

func (n *unaryNode) eval(ctx *Context) any { return !Truthy(n.operand.eval(ctx)) }

// binaryNode implements comparisons and short-circuit logic.
type binaryNode struct {
	op       tokenKind
	lhs, rhs node
}

func (n *binaryNode) eval(ctx *Context) any {
	switch n.op {
	case tokenAnd:
		left := n.lhs.eval(ctx)
		if !Truthy(left) {
			return false
		}
		return Truthy(n.rhs.eval(ctx))
	case tokenOr:
		left := n.lhs.eval(ctx)
		if Truthy(left) {
			return true
		}
		return Truthy(n.rhs.eval(ctx))
	}

	left := n.lhs.eval(ctx)
	right := n.rhs.eval(ctx)

	switch n.op {
	case tokenEq:
		return valuesEqual(left, right)
	case tokenNeq:
		return !valuesEqual(left, right)
	}

	cmp, ordered := compareValues(left, right)
	if !ordered {
		// Comparisons against Undefined, null or mixed types are false,
		// never an error: conditions over absent data simply don't hold.
		return false
	}
	switch n.op {
	case tokenLt:
		return cmp < 0
	case tokenLte:
		return cmp <= 0
	case tokenGt:
		return cmp > 0
	case tokenGte:
		return cmp >= 0
	}
	return false
}

// Program is a parsed expression, compiled once at definition-validation time
// and evaluated repeatedly against different contexts.
type Program struct {
	source string
	root   node
	paths  []string
}

// Eval evaluates the expression against a context. Unresolved references
// yield the Undefined sentinel; evaluation itself never fails.
func (p *Program) Eval(ctx *Context) any {
	return p.root.eval(ctx)
}

// EvalBool evaluates the expression and coerces the result with Truthy.
func (p *Program) EvalBool(ctx *Context) bool {
	return Truthy(p.root.eval(ctx))
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.source }

// Paths returns every dotted reference the expression reads, in source
// order. Used by definition validation and by the cost estimator to decide
// whether a condition is resolvable from workflow input alone.
func (p *Program) Paths() []string {
	out := make([]string, len(p.paths))
	copy(out, p.paths)
	return out
}

// parser is a recursive-descent parser over a scanned token stream.
// Grammar, lowest precedence first:
//
//	or     := and ("||" and)*
//	and    := unary ("&&" unary)*
//	unary  := "!" unary | compare
//	compare:= primary (("=="|"!="|"<"|"<="|">"|">=") primary)?
//	primary:= literal | path | "(" or ")"
type parser struct {
	expr   string
	tokens []token
	pos    int
	paths  []string
}

// Parse compiles an expression into a Program. A malformed expression is a
// validation error surfaced before execution ever starts.
func Parse(expr string) (*Program, error) {
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	tokens, err := scan(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expr})
	}

	p := &parser{expr: expr, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, p.errorf("unexpected %q after expression", p.peek().text)
	}

	return &Program{source: expr, root: root, paths: p.paths}, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenOr, lhs: left, rhs: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenAnd, lhs: left, rhs: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokenNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{operand: operand}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	switch p.peek().kind {
	case tokenEq, tokenNeq, tokenLt, tokenLte, tokenGt, tokenGte:
		op := p.next().kind
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: op, lhs: left, rhs: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()

	switch tok.kind {
	case tokenString:
		return &literalNode{value: tok.text}, nil

	case tokenNumber:
		return &literalNode{value: tok.num}, nil

	case tokenPath:
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		p.paths = append(p.paths, tok.text)
		return &pathNode{path: tok.text}, nil

	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokenRParen {
			return nil, p.errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil

	case tokenEOF:
		return nil, p.errorf("unexpected end of expression")

	default:
		return nil, p.errorf("unexpected %q", tok.text)
	}
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid expression %q: "+format,
		append([]any{p.expr}, args...)...).
		WithDetails(map[string]any{"expression": p.expr})
}

// --- Shared compile cache ---

// programCache caches compiled programs by expression text. Definitions
// re-evaluate the same expressions across steps and executions, so parse
// once and reuse.
var programCache = struct {
	mu    sync.RWMutex
	progs map[string]*Program
}{progs: make(map[string]*Program)}

// Compile returns a cached Program for expr or parses and caches a new one.
func Compile(expr string) (*Program, error) {
	programCache.mu.RLock()
	if prg, ok := programCache.progs[expr]; ok {
		programCache.mu.RUnlock()
		return prg, nil
	}
	programCache.mu.RUnlock()

	programCache.mu.Lock()
	defer programCache.mu.Unlock()

	// Double-check after acquiring the write lock.
	if prg, ok := programCache.progs[expr]; ok {
		return prg, nil
	}

	prg, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	programCache.progs[expr] = prg
	return prg, nil
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it.
func Evaluate(expr string, ctx *Context) (any, error) {
	prg, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return prg.Eval(ctx), nil
}

// EvaluateBool is Evaluate with boolean coercion, used by condition steps.
func EvaluateBool(expr string, ctx *Context) (bool, error) {
	prg, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return prg.EvalBool(ctx), nil
}
