package cql

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuoted // "Quoted Identifier"
	tokString // 'string'
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '"' || c == '\'':
			end := strings.IndexByte(s[i+1:], s[i])
			if end < 0 {
				return nil, fmt.Errorf("unterminated %c at offset %d", c, i)
			}
			kind := tokString
			if c == '"' {
				kind = tokQuoted
			}
			out = append(out, token{kind: kind, text: s[i+1 : i+1+end]})
			i += end + 2
		case unicode.IsDigit(c):
			j := i
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			out = append(out, token{kind: tokNumber, text: s[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_') {
				j++
			}
			out = append(out, token{kind: tokIdent, text: s[i:j]})
			i = j
		default:
			if i+1 < len(s) {
				if two := s[i : i+2]; two == ">=" || two == "<=" || two == "!=" || two == "<>" {
					out = append(out, token{kind: tokPunct, text: two})
					i += 2
					continue
				}
			}
			if !strings.ContainsRune("()[]:,<>=", c) {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			out = append(out, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return append(out, token{kind: tokEOF}), nil
}

// parser is a recursive-descent parser over:
//
//	expr    := and ("or" and)*
//	and     := unary ("and" unary)*
//	unary   := "not" unary | "exists" unary | compare
//	compare := primary (cmpop primary)?
//	primary := literal | "(" expr ")" | "[" Type (":" string)? "]" | Ident "(" args ")" | reference
type parser struct {
	toks []token
	pos  int
}

func parseExpression(s string) (node, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q after expression", p.peek().text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) punct(s string) bool {
	t := p.peek()
	if t.kind == tokPunct && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.punct(s) {
		return fmt.Errorf("expected %q, found %q", s, p.peek().text)
	}
	return nil
}

func (p *parser) expr() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) and() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if p.keyword("not") {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	if p.keyword("exists") {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &existsNode{x: x}, nil
	}
	return p.compare()
}

func (p *parser) compare() (node, error) {
	left, err := p.primary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokPunct {
		switch t.text {
		case ">=", "<=", ">", "<", "=", "!=", "<>":
			p.pos++
			right, err := p.primary()
			if err != nil {
				return nil, err
			}
			op := t.text
			if op == "<>" {
				op = "!="
			}
			return &compareNode{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, err
			}
			return &literalNode{value: f}, nil
		}
		n, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, err
		}
		return &literalNode{value: n}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokQuoted:
		return &refNode{name: t.text}, nil
	case tokPunct:
		switch t.text {
		case "(":
			n, err := p.expr()
			if err != nil {
				return nil, err
			}
			return n, p.expect(")")
		case "[":
			return p.retrieve()
		}
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		if p.punct("(") {
			return p.call(t.text)
		}
		return &refNode{name: t.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

func (p *parser) retrieve() (node, error) {
	t := p.next()
	if t.kind != tokIdent && t.kind != tokQuoted {
		return nil, fmt.Errorf("expected resource type in retrieve, found %q", t.text)
	}
	n := &retrieveNode{dataType: t.text}
	if p.punct(":") {
		code := p.next()
		if code.kind != tokQuoted && code.kind != tokString {
			return nil, fmt.Errorf("expected code filter in retrieve of %s", n.dataType)
		}
		n.code = code.text
	}
	return n, p.expect("]")
}

func (p *parser) call(name string) (node, error) {
	n := &callNode{name: name}
	if p.punct(")") {
		return n, nil
	}
	for {
		arg, err := p.expr()
		if err != nil {
			return nil, err
		}
		n.args = append(n.args, arg)
		if p.punct(")") {
			return n, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}
