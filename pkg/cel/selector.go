package cel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Selectors use the message-selector dialect familiar from JMS brokers:
//
//	type = 'card' AND (priority > 2 OR murmurId IS NOT NULL)
//
// They are parsed here and emitted as CEL source over one variable per
// property name. Every number is emitted as a double so integer and
// floating point properties compare naturally.
//
// Comparisons involving a missing property are unknown, as in SQL. An
// unknown predicate never matches, and NOT of an unknown is still unknown.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IN": true, "IS": true,
	"NULL": true, "TRUE": true, "FALSE": true,
	"LIKE": true, "ESCAPE": true, "BETWEEN": true,
}

// Properties become CEL variables under this prefix so that names such as
// "type" or "in" cannot collide with CEL builtins and reserved words.
const variablePrefix = "p_"

func variableName(property string) string {
	return variablePrefix + property
}

// SyntaxError reports a selector that could not be parsed.
type SyntaxError struct {
	Selector string
	Pos      int
	Message  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid selector %q at offset %d: %s", e.Selector, e.Pos, e.Message)
}

// IsFatal marks bad selectors as caller errors.
func (e *SyntaxError) IsFatal() bool {
	return true
}

func tokenize(selector string) ([]token, error) {
	rs := []rune(selector)
	var tokens []token
	fail := func(pos int, format string, args ...interface{}) error {
		return &SyntaxError{Selector: selector, Pos: pos, Message: fmt.Sprintf(format, args...)}
	}

	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'':
			var sb strings.Builder
			j := i + 1
			closed := false
			for j < len(rs) {
				if rs[j] == '\'' {
					if j+1 < len(rs) && rs[j+1] == '\'' {
						sb.WriteRune('\'')
						j += 2
						continue
					}
					closed = true
					j++
					break
				}
				sb.WriteRune(rs[j])
				j++
			}
			if !closed {
				return nil, fail(i, "unterminated string literal")
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String(), pos: i})
			i = j
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == '=':
			j := i + 1
			if j < len(rs) && rs[j] == '=' {
				j++
			}
			tokens = append(tokens, token{kind: tokOp, text: "==", pos: i})
			i = j
		case r == '<':
			switch {
			case i+1 < len(rs) && rs[i+1] == '>':
				tokens = append(tokens, token{kind: tokOp, text: "!=", pos: i})
				i += 2
			case i+1 < len(rs) && rs[i+1] == '=':
				tokens = append(tokens, token{kind: tokOp, text: "<=", pos: i})
				i += 2
			default:
				tokens = append(tokens, token{kind: tokOp, text: "<", pos: i})
				i++
			}
		case r == '>':
			if i+1 < len(rs) && rs[i+1] == '=' {
				tokens = append(tokens, token{kind: tokOp, text: ">=", pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokOp, text: ">", pos: i})
				i++
			}
		case r == '!':
			if i+1 < len(rs) && rs[i+1] == '=' {
				tokens = append(tokens, token{kind: tokOp, text: "!=", pos: i})
				i += 2
			} else {
				return nil, fail(i, "unexpected '!', use NOT")
			}
		case r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, token{kind: tokOp, text: string(r), pos: i})
			i++
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E' ||
				((rs[j] == '+' || rs[j] == '-') && j > i && (rs[j-1] == 'e' || rs[j-1] == 'E'))) {
				j++
			}
			text := string(rs[i:j])
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, fail(i, "invalid number %q", text)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, pos: i})
			i = j
		case r == '_' || unicode.IsLetter(r):
			j := i
			for j < len(rs) && (rs[j] == '_' || unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			word := string(rs[i:j])
			upper := strings.ToUpper(word)
			if keywords[upper] {
				tokens = append(tokens, token{kind: tokKeyword, text: upper, pos: i})
			} else {
				tokens = append(tokens, token{kind: tokIdent, text: word, pos: i})
			}
			i = j
		default:
			return nil, fail(i, "unexpected character %q", r)
		}
	}

	return append(tokens, token{kind: tokEOF, pos: len(rs)}), nil
}

type parser struct {
	selector string
	tokens   []token
	pos      int
	idents   []string
	seen     map[string]bool
}

// cond is a translated predicate. isTrue holds when the predicate is TRUE
// and isFalse when it is FALSE; an unknown predicate satisfies neither.
type cond struct {
	isTrue  string
	isFalse string
}

func (c cond) not() cond {
	return cond{isTrue: c.isFalse, isFalse: c.isTrue}
}

// operand is a value expression and the properties it reads.
type operand struct {
	expr string
	refs []string
	null bool
}

// Translate converts a selector into a CEL expression and returns the
// property names it references, in order of first appearance.
func Translate(selector string) (string, []string, error) {
	tokens, err := tokenize(selector)
	if err != nil {
		return "", nil, err
	}

	p := &parser{selector: selector, tokens: tokens, seen: make(map[string]bool)}
	c, err := p.parseOr()
	if err != nil {
		return "", nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return "", nil, p.errorf(tok, "unexpected %q", tok.text)
	}
	return c.isTrue, p.idents, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if i := p.pos + offset; i < len(p.tokens) {
		return p.tokens[i]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) isKeyword(text string) bool {
	tok := p.peek()
	return tok.kind == tokKeyword && tok.text == text
}

func (p *parser) errorf(tok token, format string, args ...interface{}) error {
	return &SyntaxError{Selector: p.selector, Pos: tok.pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (cond, error) {
	left, err := p.parseAnd()
	if err != nil {
		return cond{}, err
	}
	for p.isKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return cond{}, err
		}
		left = cond{
			isTrue:  left.isTrue + " || " + right.isTrue,
			isFalse: group(left.isFalse) + " && " + group(right.isFalse),
		}
	}
	return left, nil
}

func (p *parser) parseAnd() (cond, error) {
	left, err := p.parseNot()
	if err != nil {
		return cond{}, err
	}
	for p.isKeyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return cond{}, err
		}
		left = cond{
			isTrue:  group(left.isTrue) + " && " + group(right.isTrue),
			isFalse: left.isFalse + " || " + right.isFalse,
		}
	}
	return left, nil
}

func (p *parser) parseNot() (cond, error) {
	if p.isKeyword("NOT") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return cond{}, err
		}
		return operand.not(), nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (cond, error) {
	if p.peek().kind == tokLParen {
		if c, ok := p.parseGroup(); ok {
			return c, nil
		}
	}

	left, err := p.parseAdditive()
	if err != nil {
		return cond{}, err
	}

	tok := p.peek()
	if tok.kind == tokOp && isComparison(tok.text) {
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return cond{}, err
		}
		return compare(left, tok.text, right), nil
	}
	if tok.kind != tokKeyword {
		return truth(left), nil
	}

	switch tok.text {
	case "IS":
		p.next()
		negate := false
		if p.isKeyword("NOT") {
			p.next()
			negate = true
		}
		if !p.isKeyword("NULL") {
			return cond{}, p.errorf(p.peek(), "expected NULL after IS")
		}
		p.next()
		c := cond{isTrue: left.expr + " == null", isFalse: left.expr + " != null"}
		if negate {
			return c.not(), nil
		}
		return c, nil

	case "NOT", "IN", "LIKE", "BETWEEN":
		negate := false
		if tok.text == "NOT" {
			p.next()
			negate = true
		}
		c, err := p.parseMembership(left)
		if err != nil {
			return cond{}, err
		}
		if negate {
			return c.not(), nil
		}
		return c, nil
	}

	return truth(left), nil
}

// parseGroup parses a parenthesized predicate. It rewinds and reports false
// when the parentheses turn out to group a value, as in "(a + 1) > 2".
func (p *parser) parseGroup() (cond, bool) {
	pos, known := p.pos, len(p.idents)
	p.next()
	c, err := p.parseOr()
	if err == nil && p.peek().kind == tokRParen {
		p.next()
		if !p.continuesOperand() {
			return c, true
		}
	}

	for _, name := range p.idents[known:] {
		delete(p.seen, name)
	}
	p.idents = p.idents[:known]
	p.pos = pos
	return cond{}, false
}

func (p *parser) continuesOperand() bool {
	tok := p.peek()
	switch tok.kind {
	case tokOp:
		return true
	case tokKeyword:
		switch tok.text {
		case "IS", "IN", "LIKE", "BETWEEN":
			return true
		case "NOT":
			next := p.peekAt(1)
			return next.kind == tokKeyword && (next.text == "IN" || next.text == "LIKE" || next.text == "BETWEEN")
		}
	}
	return false
}

func (p *parser) parseMembership(left operand) (cond, error) {
	tok := p.next()
	if tok.kind != tokKeyword {
		return cond{}, p.errorf(tok, "expected IN, LIKE or BETWEEN")
	}

	switch tok.text {
	case "IN":
		list, err := p.parseInList()
		if err != nil {
			return cond{}, err
		}
		guard := nullGuard(left.refs)
		member := left.expr + " in " + list
		return cond{isTrue: guard + member, isFalse: guard + "!(" + member + ")"}, nil

	case "LIKE":
		pattern := p.next()
		if pattern.kind != tokString {
			return cond{}, p.errorf(pattern, "LIKE expects a string pattern")
		}
		escape := ""
		if p.isKeyword("ESCAPE") {
			p.next()
			esc := p.next()
			if esc.kind != tokString || len([]rune(esc.text)) != 1 {
				return cond{}, p.errorf(esc, "ESCAPE expects a single character")
			}
			escape = esc.text
		}
		re, err := likeToRegexp(pattern.text, escape)
		if err != nil {
			return cond{}, p.errorf(pattern, "%s", err.Error())
		}
		guard := nullGuard(left.refs)
		match := paren(left.expr) + ".matches(" + strconv.Quote(re) + ")"
		return cond{isTrue: guard + match, isFalse: guard + "!" + match}, nil

	case "BETWEEN":
		low, err := p.parseAdditive()
		if err != nil {
			return cond{}, err
		}
		if !p.isKeyword("AND") {
			return cond{}, p.errorf(p.peek(), "expected AND in BETWEEN")
		}
		p.next()
		high, err := p.parseAdditive()
		if err != nil {
			return cond{}, err
		}
		if low.null || high.null {
			return unknown(), nil
		}
		guard := nullGuard(left.refs, low.refs, high.refs)
		return cond{
			isTrue:  guard + left.expr + " >= " + low.expr + " && " + left.expr + " <= " + high.expr,
			isFalse: guard + "(" + left.expr + " < " + low.expr + " || " + left.expr + " > " + high.expr + ")",
		}, nil
	}

	return cond{}, p.errorf(tok, "unexpected %s", tok.text)
}

func (p *parser) parseInList() (string, error) {
	if tok := p.next(); tok.kind != tokLParen {
		return "", p.errorf(tok, "expected '(' after IN")
	}
	var items []string
	for {
		tok := p.next()
		switch tok.kind {
		case tokString:
			items = append(items, strconv.Quote(tok.text))
		case tokNumber:
			items = append(items, doubleLiteral(tok.text))
		default:
			return "", p.errorf(tok, "IN lists accept only literals")
		}
		sep := p.next()
		if sep.kind == tokRParen {
			break
		}
		if sep.kind != tokComma {
			return "", p.errorf(sep, "expected ',' or ')' in IN list")
		}
	}
	return "[" + strings.Join(items, ", ") + "]", nil
}

func (p *parser) parseAdditive() (operand, error) {
	left, err := p.parseTerm()
	if err != nil {
		return operand{}, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "+" && tok.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return operand{}, err
		}
		left = combine(left, tok.text, right)
	}
}

func (p *parser) parseTerm() (operand, error) {
	left, err := p.parseFactor()
	if err != nil {
		return operand{}, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "*" && tok.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return operand{}, err
		}
		left = combine(left, tok.text, right)
	}
}

func (p *parser) parseFactor() (operand, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return operand{expr: strconv.Quote(tok.text)}, nil
	case tokNumber:
		return operand{expr: doubleLiteral(tok.text)}, nil
	case tokKeyword:
		switch tok.text {
		case "TRUE":
			return operand{expr: "true"}, nil
		case "FALSE":
			return operand{expr: "false"}, nil
		case "NULL":
			return operand{expr: "null", null: true}, nil
		}
		return operand{}, p.errorf(tok, "unexpected keyword %s", tok.text)
	case tokIdent:
		if !p.seen[tok.text] {
			p.seen[tok.text] = true
			p.idents = append(p.idents, tok.text)
		}
		return operand{expr: variableName(tok.text), refs: []string{tok.text}}, nil
	case tokOp:
		if tok.text == "-" {
			inner, err := p.parseFactor()
			if err != nil {
				return operand{}, err
			}
			inner.expr = "-" + inner.expr
			return inner, nil
		}
	case tokLParen:
		inner, err := p.parseAdditive()
		if err != nil {
			return operand{}, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return operand{}, p.errorf(closing, "expected ')'")
		}
		inner.expr = "(" + inner.expr + ")"
		return inner, nil
	case tokEOF:
		return operand{}, p.errorf(tok, "unexpected end of selector")
	}
	return operand{}, p.errorf(tok, "unexpected %q", tok.text)
}

var inverse = map[string]string{
	"==": "!=", "!=": "==",
	"<": ">=", ">=": "<",
	">": "<=", "<=": ">",
}

func compare(left operand, op string, right operand) cond {
	if left.null || right.null {
		return unknown()
	}
	guard := nullGuard(left.refs, right.refs)
	return cond{
		isTrue:  guard + left.expr + " " + op + " " + right.expr,
		isFalse: guard + left.expr + " " + inverse[op] + " " + right.expr,
	}
}

// truth treats a bare value, such as a boolean property, as a predicate.
func truth(v operand) cond {
	switch v.expr {
	case "true":
		return cond{isTrue: "true", isFalse: "false"}
	case "false":
		return cond{isTrue: "false", isFalse: "true"}
	}
	if v.null {
		return unknown()
	}
	return cond{isTrue: v.expr + " == true", isFalse: v.expr + " == false"}
}

func unknown() cond {
	return cond{isTrue: "false", isFalse: "false"}
}

func combine(left operand, op string, right operand) operand {
	refs := append(append([]string(nil), left.refs...), right.refs...)
	return operand{
		expr: left.expr + " " + op + " " + right.expr,
		refs: refs,
		null: left.null || right.null,
	}
}

// nullGuard requires every referenced property to be present.
func nullGuard(refs ...[]string) string {
	var sb strings.Builder
	seen := make(map[string]bool)
	for _, names := range refs {
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			sb.WriteString(variableName(name))
			sb.WriteString(" != null && ")
		}
	}
	return sb.String()
}

func group(expr string) string {
	if strings.Contains(expr, "||") {
		return "(" + expr + ")"
	}
	return expr
}

func paren(expr string) string {
	if strings.ContainsAny(expr, " ") {
		return "(" + expr + ")"
	}
	return expr
}

// likeToRegexp anchors a LIKE pattern: '%' matches any run of characters,
// '_' exactly one, and escape makes the next character literal.
func likeToRegexp(pattern, escape string) (string, error) {
	var esc rune = -1
	if escape != "" {
		esc = []rune(escape)[0]
	}

	var sb strings.Builder
	sb.WriteString("(?s)^")
	rs := []rune(pattern)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == esc:
			if i+1 >= len(rs) {
				return "", fmt.Errorf("pattern ends with escape character")
			}
			i++
			sb.WriteString(regexp.QuoteMeta(string(rs[i])))
		case r == '%':
			sb.WriteString(".*")
		case r == '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String(), nil
}

func isComparison(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func doubleLiteral(text string) string {
	if strings.ContainsAny(text, ".eE") {
		if strings.HasPrefix(text, ".") {
			return "0" + text
		}
		if strings.HasSuffix(text, ".") {
			return text + "0"
		}
		return text
	}
	return text + ".0"
}
