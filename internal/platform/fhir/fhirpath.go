package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ============================================================================
// FHIRPathEngine
// ============================================================================

// FHIRPathEngine evaluates FHIRPath expressions against FHIR resources
// represented as map[string]interface{}. It implements the navigation subset
// needed to query bundles: member access, indexers, equality and ordering
// comparisons, and/or, union and the common collection functions.
type FHIRPathEngine struct{}

// NewFHIRPathEngine creates a new FHIRPath evaluation engine.
func NewFHIRPathEngine() *FHIRPathEngine {
	return &FHIRPathEngine{}
}

// Evaluate evaluates a FHIRPath expression against a resource and returns the
// result as a collection. An empty collection is returned when the path
// resolves to nothing.
func (e *FHIRPathEngine) Evaluate(resource map[string]interface{}, expression string) ([]interface{}, error) {
	if resource == nil {
		return []interface{}{}, nil
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}

	tokens, err := tokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize: %w", err)
	}

	p := &parser{tokens: tokens}
	ast, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse: %w", err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at position %d", tok.value, tok.pos)
	}

	ctx := &evalContext{resource: resource}
	result, err := ctx.eval(ast, []interface{}{resource})
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval: %w", err)
	}
	return result, nil
}

// EvaluateString evaluates a FHIRPath expression and returns the first result
// as a string. Returns "" for an empty collection.
func (e *FHIRPathEngine) EvaluateString(resource map[string]interface{}, expression string) (string, error) {
	result, err := e.Evaluate(resource, expression)
	if err != nil {
		return "", err
	}
	if len(result) == 0 {
		return "", nil
	}
	return fmt.Sprintf("%v", result[0]), nil
}

// ============================================================================
// Lexer
// ============================================================================

type tokenKind int

const (
	tkIdent  tokenKind = iota // identifier or keyword
	tkNumber                  // integer or decimal
	tkString                  // 'single-quoted'
	tkDot                     // .
	tkLParen                  // (
	tkRParen                  // )
	tkLBrack                  // [
	tkRBrack                  // ]
	tkComma                   // ,
	tkPipe                    // |
	tkCompare                 // = != < > <= >=
	tkEOF
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i, n := 0, len(input)

	for i < n {
		ch := input[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, token{tkDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == '[':
			tokens = append(tokens, token{tkLBrack, "[", start})
			i++
		case ch == ']':
			tokens = append(tokens, token{tkRBrack, "]", start})
			i++
		case ch == ',':
			tokens = append(tokens, token{tkComma, ",", start})
			i++
		case ch == '|':
			tokens = append(tokens, token{tkPipe, "|", start})
			i++
		case ch == '=':
			tokens = append(tokens, token{tkCompare, "=", start})
			i++
		case ch == '!' || ch == '<' || ch == '>':
			op := string(ch)
			if i+1 < n && input[i+1] == '=' {
				op += "="
			}
			if op == "!" {
				return nil, fmt.Errorf("unexpected character '!' at position %d", start)
			}
			tokens = append(tokens, token{tkCompare, op, start})
			i += len(op)
		case ch == '\'':
			i++
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
					switch input[i] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(input[i])
					}
				} else {
					sb.WriteByte(input[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			i++
			tokens = append(tokens, token{tkString, sb.String(), start})
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			// A dot followed by a digit continues a decimal; otherwise it is navigation.
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

// ============================================================================
// Parser
// ============================================================================

type nodeKind int

const (
	ndLiteral  nodeKind = iota
	ndPath              // identifier (field name or resource type)
	ndDot               // a.b
	ndIndex             // a[n]
	ndFunction          // a.fn(args...)
	ndCompare           // a op b
	ndAnd
	ndOr
	ndUnion
)

type astNode struct {
	kind     nodeKind
	value    interface{}
	children []*astNode
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected %q at position %d", t.value, t.pos)
	}
	return t, nil
}

// Operator precedence (lowest to highest):
//
//	or (1), and (2), | (3), comparisons (4), postfix . [] () (5)
func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind := infixInfo(tok)
		if prec < 0 || prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		node := &astNode{kind: kind, children: []*astNode{left, right}}
		if kind == ndCompare {
			node.value = tok.value
		}
		left = node
	}
	return left, nil
}

func infixInfo(tok token) (int, nodeKind) {
	switch {
	case tok.kind == tkIdent && tok.value == "or":
		return 1, ndOr
	case tok.kind == tkIdent && tok.value == "and":
		return 2, ndAnd
	case tok.kind == tkPipe:
		return 3, ndUnion
	case tok.kind == tkCompare:
		return 4, ndCompare
	}
	return -1, 0
}

func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().kind {
		case tkDot:
			p.advance()
			ident, err := p.expect(tkIdent)
			if err != nil {
				return nil, fmt.Errorf("expected identifier after '.': %w", err)
			}
			if p.peek().kind == tkLParen {
				args, err := p.parseCallArgs()
				if err != nil {
					return nil, err
				}
				node = &astNode{kind: ndFunction, value: ident.value, children: append([]*astNode{node}, args...)}
				continue
			}
			node = &astNode{kind: ndDot, children: []*astNode{node, {kind: ndPath, value: ident.value}}}
		case tkLBrack:
			p.advance()
			idxTok, err := p.expect(tkNumber)
			if err != nil {
				return nil, fmt.Errorf("expected number in index: %w", err)
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(idxTok.value)
			if err != nil {
				return nil, fmt.Errorf("invalid index %q at position %d", idxTok.value, idxTok.pos)
			}
			node = &astNode{kind: ndIndex, value: idx, children: []*astNode{node}}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.advance()

	switch tok.kind {
	case tkLParen:
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		return &astNode{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		f, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", tok.value, tok.pos)
		}
		return &astNode{kind: ndLiteral, value: f}, nil

	case tkIdent:
		switch tok.value {
		case "true":
			return &astNode{kind: ndLiteral, value: true}, nil
		case "false":
			return &astNode{kind: ndLiteral, value: false}, nil
		}
		if p.peek().kind == tkLParen {
			// A function without receiver applies to the current input.
			args, err := p.parseCallArgs()
			if err != nil {
				return nil, err
			}
			return &astNode{kind: ndFunction, value: tok.value, children: append([]*astNode{nil}, args...)}, nil
		}
		return &astNode{kind: ndPath, value: tok.value}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
}

func (p *parser) parseCallArgs() ([]*astNode, error) {
	if _, err := p.expect(tkLParen); err != nil {
		return nil, err
	}
	var args []*astNode
	if p.peek().kind == tkRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	if _, err := p.expect(tkRParen); err != nil {
		return nil, err
	}
	return args, nil
}

// ============================================================================
// Evaluator
// ============================================================================

type evalContext struct {
	resource map[string]interface{}
}

func (ctx *evalContext) eval(node *astNode, input []interface{}) ([]interface{}, error) {
	if node == nil {
		return input, nil
	}
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil

	case ndPath:
		return ctx.evalPath(node.value.(string), input), nil

	case ndDot:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ctx.eval(node.children[1], left)

	case ndIndex:
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := node.value.(int)
		if idx < 0 || idx >= len(coll) {
			return []interface{}{}, nil
		}
		return []interface{}{coll[idx]}, nil

	case ndFunction:
		return ctx.evalFunction(node, input)

	case ndCompare:
		return ctx.evalCompare(node, input)

	case ndAnd, ndOr:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		lb := collectionToBool(left)
		if node.kind == ndAnd && !lb {
			return []interface{}{false}, nil
		}
		if node.kind == ndOr && lb {
			return []interface{}{true}, nil
		}
		right, err := ctx.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return []interface{}{collectionToBool(right)}, nil

	case ndUnion:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		right, err := ctx.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return distinct(append(left, right...)), nil
	}
	return nil, fmt.Errorf("unknown node kind %d", node.kind)
}

// evalPath resolves an identifier against the input collection. A leading
// resource type name selects the root resource when the types match.
func (ctx *evalContext) evalPath(name string, input []interface{}) []interface{} {
	if isResourceTypeName(name) {
		if rt, _ := ctx.resource["resourceType"].(string); rt == name {
			return []interface{}{ctx.resource}
		}
		return []interface{}{}
	}

	var result []interface{}
	for _, item := range input {
		result = append(result, navigateField(item, name)...)
	}
	return result
}

// navigateField extracts a named field from a value, flattening arrays.
func navigateField(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	val, ok := m[field]
	if !ok || val == nil {
		return nil
	}
	if arr, isArr := val.([]interface{}); isArr {
		return arr
	}
	return []interface{}{val}
}

func (ctx *evalContext) evalCompare(node *astNode, input []interface{}) ([]interface{}, error) {
	op, _ := node.value.(string)

	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	// Comparing against an empty collection yields empty.
	if len(leftColl) == 0 || len(rightColl) == 0 {
		return []interface{}{}, nil
	}
	return []interface{}{compareValues(leftColl[0], rightColl[0], op)}, nil
}

func compareValues(lv, rv interface{}, op string) bool {
	ln, lok := lv.(float64)
	rn, rok := rv.(float64)
	if lok && rok {
		switch op {
		case "=":
			return ln == rn
		case "!=":
			return ln != rn
		case "<":
			return ln < rn
		case ">":
			return ln > rn
		case "<=":
			return ln <= rn
		case ">=":
			return ln >= rn
		}
		return false
	}

	ls := fmt.Sprintf("%v", lv)
	rs := fmt.Sprintf("%v", rv)
	switch op {
	case "=":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case ">":
		return ls > rs
	case "<=":
		return ls <= rs
	case ">=":
		return ls >= rs
	}
	return false
}

func (ctx *evalContext) evalFunction(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)
	receiver, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	args := node.children[1:]

	switch name {
	case "where":
		if len(args) != 1 {
			return nil, fmt.Errorf("where() takes one argument")
		}
		var result []interface{}
		for _, item := range receiver {
			val, err := ctx.eval(args[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if collectionToBool(val) {
				result = append(result, item)
			}
		}
		return result, nil
	case "exists":
		if len(args) == 0 {
			return []interface{}{len(receiver) > 0}, nil
		}
		filtered, err := ctx.evalFunction(&astNode{kind: ndFunction, value: "where", children: node.children}, input)
		if err != nil {
			return nil, err
		}
		return []interface{}{len(filtered) > 0}, nil
	case "empty":
		return []interface{}{len(receiver) == 0}, nil
	case "count":
		return []interface{}{float64(len(receiver))}, nil
	case "first":
		if len(receiver) == 0 {
			return []interface{}{}, nil
		}
		return receiver[:1], nil
	case "last":
		if len(receiver) == 0 {
			return []interface{}{}, nil
		}
		return receiver[len(receiver)-1:], nil
	case "distinct":
		return distinct(receiver), nil
	case "not":
		return []interface{}{!collectionToBool(receiver)}, nil
	}
	return nil, fmt.Errorf("unknown function %q", name)
}

func distinct(coll []interface{}) []interface{} {
	seen := make(map[string]bool, len(coll))
	result := make([]interface{}, 0, len(coll))
	for _, v := range coll {
		key := fmt.Sprintf("%v", v)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, v)
	}
	return result
}

// collectionToBool converts a collection to a boolean following FHIRPath
// singleton evaluation: empty is false, a single boolean is itself, anything
// else non-empty is true.
func collectionToBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		}
	}
	return true
}

// isResourceTypeName returns true if the name looks like a FHIR resource type
// (starts with uppercase).
func isResourceTypeName(name string) bool {
	return name != "" && unicode.IsUpper(rune(name[0]))
}
