package derived

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// functions is the closed call set of the expression sub-language. Every
// function takes exactly one argument.
var functions = map[string]func(float64) float64{
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"log":   math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
}

type exprNode interface {
	isExpr()
}

type literalNode struct {
	value float64
}

type refNode struct {
	column string
}

type unaryNode struct {
	operand exprNode
}

type binaryNode struct {
	op    byte
	left  exprNode
	right exprNode
}

type callNode struct {
	name string
	fn   func(float64) float64
	arg  exprNode
}

func (*literalNode) isExpr() {}
func (*refNode) isExpr()     {}
func (*unaryNode) isExpr()   {}
func (*binaryNode) isExpr()  {}
func (*callNode) isExpr()    {}

// evalNode computes one row. Refs must have been validated against the
// environment; IEEE semantics carry NaN and division by zero through.
func evalNode(n exprNode, env map[string][]float64, row int) float64 {
	switch v := n.(type) {
	case *literalNode:
		return v.value
	case *refNode:
		return env[v.column][row]
	case *unaryNode:
		return -evalNode(v.operand, env, row)
	case *binaryNode:
		l := evalNode(v.left, env, row)
		r := evalNode(v.right, env, row)
		switch v.op {
		case '+':
			return l + r
		case '-':
			return l - r
		case '*':
			return l * r
		default:
			return l / r
		}
	case *callNode:
		return v.fn(evalNode(v.arg, env, row))
	}
	return math.NaN()
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokRef
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t' || l.input[l.pos] == '\n' || l.input[l.pos] == '\r') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}

	c := l.input[l.pos]
	switch c {
	case '+':
		l.pos++
		return token{kind: tokPlus, text: "+"}, nil
	case '-':
		l.pos++
		return token{kind: tokMinus, text: "-"}, nil
	case '*':
		l.pos++
		return token{kind: tokStar, text: "*"}, nil
	case '/':
		l.pos++
		return token{kind: tokSlash, text: "/"}, nil
	case '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case ',':
		l.pos++
		return token{kind: tokComma, text: ","}, nil
	case '[':
		end := strings.IndexByte(l.input[l.pos+1:], ']')
		if end < 0 {
			return token{}, fmt.Errorf("unclosed column reference")
		}
		name := strings.TrimSpace(l.input[l.pos+1 : l.pos+1+end])
		l.pos += end + 2
		if name == "" {
			return token{}, fmt.Errorf("empty column reference")
		}
		return token{kind: tokRef, text: name}, nil
	}

	if c >= '0' && c <= '9' || c == '.' {
		return l.scanNumber()
	}
	if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		start := l.pos
		for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos]}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q in expression", string(c))
}

func (l *lexer) scanNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.pos++
		}
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		mark := l.pos
		l.pos++
		if l.pos < len(l.input) && (l.input[l.pos] == '+' || l.input[l.pos] == '-') {
			l.pos++
		}
		if l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
				l.pos++
			}
		} else {
			// not an exponent, leave the e for the ident scanner
			l.pos = mark
		}
	}
	text := l.input[start:l.pos]
	num, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid number %q", text)
	}
	return token{kind: tokNumber, text: text, num: num}, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// parser is a recursive-descent parser over the sub-language grammar:
//
//	sum     := product (('+'|'-') product)*
//	product := unary (('*'|'/') unary)*
//	unary   := '-' unary | primary
//	primary := number | '[' column ']' | func '(' sum ')' | '(' sum ')'
type parser struct {
	lex *lexer
	tok token
}

func parseExpression(input string) (exprNode, error) {
	p := &parser{lex: &lexer{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q in expression", p.tok.text)
	}
	return node, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseSum() (exprNode, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPlus || p.tok.kind == tokMinus {
		op := byte('+')
		if p.tok.kind == tokMinus {
			op = '-'
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseProduct() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokStar || p.tok.kind == tokSlash {
		op := byte('*')
		if p.tok.kind == tokSlash {
			op = '/'
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	if p.tok.kind == tokMinus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (exprNode, error) {
	switch p.tok.kind {
	case tokNumber:
		node := &literalNode{value: p.tok.num}
		return node, p.advance()
	case tokRef:
		node := &refNode{column: p.tok.text}
		return node, p.advance()
	case tokIdent:
		name := p.tok.text
		fn, ok := functions[name]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", name)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokLParen {
			return nil, fmt.Errorf("expected '(' after function %q", name)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		arg, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if p.tok.kind == tokComma {
			return nil, fmt.Errorf("function %q expects exactly one argument", name)
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing ')' after argument of %q", name)
		}
		return &callNode{name: name, fn: fn, arg: arg}, p.advance()
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return node, p.advance()
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q in expression", p.tok.text)
	}
}
