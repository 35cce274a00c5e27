// Package parser builds an AST from a token stream using a Pratt parser,
// following the precedence-climbing style of the teacher's TypeScript
// parser, scaled down to Lua-subset grammar.
package parser

import (
	"fmt"
	"strconv"

	"luavm/pkg/errors"
	"luavm/pkg/lexer"
)

// Precedence levels, lowest to highest.
const (
	_ int = iota
	LOWEST
	OR_PREC
	AND_PREC
	COMPARE
	CONCAT
	SUM
	PRODUCT
	UNARY
	POWER
	CALL_OR_INDEX
)

var precedences = map[lexer.TokenType]int{
	lexer.OR:       OR_PREC,
	lexer.AND:      AND_PREC,
	lexer.EQ:       COMPARE,
	lexer.NEQ:      COMPARE,
	lexer.LT:       COMPARE,
	lexer.GT:       COMPARE,
	lexer.LE:       COMPARE,
	lexer.GE:       COMPARE,
	lexer.CONCAT:   CONCAT,
	lexer.PLUS:     SUM,
	lexer.MINUS:    SUM,
	lexer.STAR:     PRODUCT,
	lexer.SLASH:    PRODUCT,
	lexer.PERCENT:  PRODUCT,
	lexer.CARET:    POWER,
	lexer.LPAREN:   CALL_OR_INDEX,
	lexer.DOT:      CALL_OR_INDEX,
	lexer.LBRACKET: CALL_OR_INDEX,
}

// Parser turns a lexer's token stream into an AST, accumulating syntax
// errors into a List instead of aborting on the first one.
type Parser struct {
	l   *lexer.Lexer
	src *errors.List

	curToken  lexer.Token
	peekToken lexer.Token
}

// New creates a Parser over the given lexer.
func New(l *lexer.Lexer) *Parser {
	p := &Parser{l: l, src: &errors.List{}}
	p.nextToken()
	p.nextToken()
	return p
}

// Errors returns the accumulated syntax diagnostics.
func (p *Parser) Errors() *errors.List { return p.src }

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
}

func (p *Parser) addErrorf(format string, args ...interface{}) {
	p.src.Add(&errors.SyntaxError{
		Position: errors.Position{Line: p.curToken.Line, Column: p.curToken.Column},
		Msg:      fmt.Sprintf(format, args...),
	})
}

func (p *Parser) expect(t lexer.TokenType) bool {
	if p.curToken.Type == t {
		p.nextToken()
		return true
	}
	p.addErrorf("expected %s, got %s (%q)", t, p.curToken.Type, p.curToken.Literal)
	return false
}

func (p *Parser) peekPrecedence() int {
	if pr, ok := precedences[p.peekToken.Type]; ok {
		return pr
	}
	return LOWEST
}

// ParseProgram parses the whole input as the entry function's body.
func (p *Parser) ParseProgram() *Program {
	body := p.parseBlock(blockEndTokens(lexer.EOF))
	return &Program{Body: body}
}

// blockEndTokens returns the set of tokens that terminate a block, given
// the keyword that specifically closes this block (END, ELSE, ELSEIF, or
// UNTIL depending on context).
func blockEndTokens(extra ...lexer.TokenType) map[lexer.TokenType]bool {
	set := map[lexer.TokenType]bool{lexer.EOF: true}
	for _, t := range extra {
		set[t] = true
	}
	return set
}

func (p *Parser) parseBlock(end map[lexer.TokenType]bool) *Block {
	blk := &Block{}
	for !end[p.curToken.Type] {
		if p.curToken.Type == lexer.EOF {
			p.addErrorf("unexpected end of file, unterminated block")
			break
		}
		stmt := p.parseStatement()
		if stmt != nil {
			blk.Statements = append(blk.Statements, stmt)
		}
		if p.curToken.Type == lexer.SEMI {
			p.nextToken()
		}
	}
	return blk
}

func (p *Parser) parseStatement() Statement {
	switch p.curToken.Type {
	case lexer.LOCAL:
		return p.parseLocal()
	case lexer.FUNCTION:
		return p.parseFunctionDecl()
	case lexer.IF:
		return p.parseIf()
	case lexer.WHILE:
		return p.parseWhile()
	case lexer.REPEAT:
		return p.parseRepeat()
	case lexer.RETURN:
		return p.parseReturn()
	default:
		return p.parseExprOrAssignStatement()
	}
}

func (p *Parser) parseLocal() Statement {
	tok := p.curToken
	p.nextToken() // consume 'local'

	if p.curToken.Type == lexer.FUNCTION {
		p.nextToken()
		name := p.curToken.Literal
		p.expect(lexer.IDENT)
		fn := p.parseFunctionBody()
		return &FunctionDeclStmt{base: base{tok}, Name: name, IsLocal: true, Fn: fn}
	}

	var names []string
	names = append(names, p.curToken.Literal)
	p.expect(lexer.IDENT)
	for p.curToken.Type == lexer.COMMA {
		p.nextToken()
		names = append(names, p.curToken.Literal)
		p.expect(lexer.IDENT)
	}

	var values []Expression
	if p.curToken.Type == lexer.ASSIGN {
		p.nextToken()
		values = append(values, p.parseExpression(LOWEST))
		for p.curToken.Type == lexer.COMMA {
			p.nextToken()
			values = append(values, p.parseExpression(LOWEST))
		}
	}

	return &LocalDecl{base: base{tok}, Names: names, Values: values}
}

func (p *Parser) parseFunctionDecl() Statement {
	tok := p.curToken
	p.nextToken() // consume 'function'
	name := p.curToken.Literal
	p.expect(lexer.IDENT)
	fn := p.parseFunctionBody()
	return &FunctionDeclStmt{base: base{tok}, Name: name, IsLocal: false, Fn: fn}
}

func (p *Parser) parseFunctionBody() *FunctionExpr {
	tok := p.curToken
	p.expect(lexer.LPAREN)
	var params []string
	for p.curToken.Type != lexer.RPAREN && p.curToken.Type != lexer.EOF {
		params = append(params, p.curToken.Literal)
		p.expect(lexer.IDENT)
		if p.curToken.Type == lexer.COMMA {
			p.nextToken()
		}
	}
	p.expect(lexer.RPAREN)
	body := p.parseBlock(blockEndTokens(lexer.END))
	p.expect(lexer.END)
	return &FunctionExpr{base: base{tok}, Params: params, Body: body}
}

func (p *Parser) parseIf() Statement {
	tok := p.curToken
	p.nextToken() // consume 'if'
	cond := p.parseExpression(LOWEST)
	p.expect(lexer.THEN)
	then := p.parseBlock(blockEndTokens(lexer.END, lexer.ELSE, lexer.ELSEIF))

	stmt := &IfStmt{base: base{tok}, Cond: cond, Then: then}
	switch p.curToken.Type {
	case lexer.ELSEIF:
		nested := p.parseIf() // consumes its own END via recursion
		stmt.Else = &Block{Statements: []Statement{nested}}
		return stmt
	case lexer.ELSE:
		p.nextToken()
		stmt.Else = p.parseBlock(blockEndTokens(lexer.END))
		p.expect(lexer.END)
		return stmt
	default:
		p.expect(lexer.END)
		return stmt
	}
}

func (p *Parser) parseWhile() Statement {
	tok := p.curToken
	p.nextToken()
	cond := p.parseExpression(LOWEST)
	p.expect(lexer.DO)
	body := p.parseBlock(blockEndTokens(lexer.END))
	p.expect(lexer.END)
	return &WhileStmt{base: base{tok}, Cond: cond, Body: body}
}

func (p *Parser) parseRepeat() Statement {
	tok := p.curToken
	p.nextToken()
	body := p.parseBlock(blockEndTokens(lexer.UNTIL))
	p.expect(lexer.UNTIL)
	cond := p.parseExpression(LOWEST)
	return &RepeatStmt{base: base{tok}, Body: body, Cond: cond}
}

func (p *Parser) parseReturn() Statement {
	tok := p.curToken
	p.nextToken()
	stmt := &ReturnStmt{base: base{tok}}
	if p.curToken.Type == lexer.END || p.curToken.Type == lexer.ELSE ||
		p.curToken.Type == lexer.ELSEIF || p.curToken.Type == lexer.UNTIL ||
		p.curToken.Type == lexer.EOF || p.curToken.Type == lexer.SEMI {
		return stmt
	}
	stmt.Values = append(stmt.Values, p.parseExpression(LOWEST))
	for p.curToken.Type == lexer.COMMA {
		p.nextToken()
		stmt.Values = append(stmt.Values, p.parseExpression(LOWEST))
	}
	return stmt
}

func (p *Parser) parseExprOrAssignStatement() Statement {
	tok := p.curToken
	x := p.parseExpression(LOWEST)
	if p.curToken.Type == lexer.ASSIGN {
		p.nextToken()
		val := p.parseExpression(LOWEST)
		return &AssignStmt{base: base{tok}, Target: x, Value: val}
	}
	return &ExprStmt{base: base{tok}, X: x}
}

// --- Expression parsing (Pratt) ---

func (p *Parser) parseExpression(precedence int) Expression {
	left := p.parsePrefix()
	for p.peekToken.Type != lexer.EOF && precedence < p.peekPrecedence() {
		op := p.peekToken
		p.nextToken()
		left = p.parseInfix(op, left)
	}
	return left
}

func (p *Parser) parsePrefix() Expression {
	tok := p.curToken
	switch tok.Type {
	case lexer.IDENT:
		p.nextToken()
		return &Identifier{base: base{tok}, Name: tok.Literal}
	case lexer.NUMBER:
		p.nextToken()
		return &NumberLit{base: base{tok}, Value: parseFloat(tok.Literal)}
	case lexer.STRING:
		p.nextToken()
		return &StringLit{base: base{tok}, Value: tok.Literal}
	case lexer.TRUE:
		p.nextToken()
		return &BoolLit{base: base{tok}, Value: true}
	case lexer.FALSE:
		p.nextToken()
		return &BoolLit{base: base{tok}, Value: false}
	case lexer.NIL:
		p.nextToken()
		return &NilLit{base: base{tok}}
	case lexer.MINUS:
		p.nextToken()
		x := p.parseExpression(UNARY)
		return &UnaryExpr{base: base{tok}, Op: "-", X: x}
	case lexer.NOT:
		p.nextToken()
		x := p.parseExpression(UNARY)
		return &UnaryExpr{base: base{tok}, Op: "not", X: x}
	case lexer.HASH:
		p.nextToken()
		x := p.parseExpression(UNARY)
		return &UnaryExpr{base: base{tok}, Op: "#", X: x}
	case lexer.LPAREN:
		p.nextToken()
		x := p.parseExpression(LOWEST)
		p.expect(lexer.RPAREN)
		return x
	case lexer.FUNCTION:
		p.nextToken()
		return p.parseFunctionBody()
	case lexer.LBRACE:
		return p.parseTableExpr()
	default:
		p.addErrorf("unexpected token %s in expression", tok.Type)
		p.nextToken()
		return &NilLit{base: base{tok}}
	}
}

func (p *Parser) parseInfix(op lexer.Token, left Expression) Expression {
	switch op.Type {
	case lexer.LPAREN:
		return p.parseCallArgs(left)
	case lexer.DOT:
		p.nextToken()
		name := p.curToken.Literal
		p.expect(lexer.IDENT)
		return &MemberExpr{base: base{op}, X: left, Name: name}
	case lexer.LBRACKET:
		p.nextToken()
		idx := p.parseExpression(LOWEST)
		p.expect(lexer.RBRACKET)
		return &IndexExpr{base: base{op}, X: left, Index: idx}
	default:
		prec := precedences[op.Type]
		if op.Type == lexer.CARET {
			// right-associative: bind looser on the right-hand recursion
			right := p.parseExpression(prec - 1)
			return &BinaryExpr{base: base{op}, Op: string(op.Type), Left: left, Right: right}
		}
		if op.Type == lexer.CONCAT {
			right := p.parseExpression(prec - 1)
			return &BinaryExpr{base: base{op}, Op: string(op.Type), Left: left, Right: right}
		}
		right := p.parseExpression(prec)
		return &BinaryExpr{base: base{op}, Op: string(op.Type), Left: left, Right: right}
	}
}

func (p *Parser) parseCallArgs(callee Expression) Expression {
	tok := p.curToken // LPAREN
	p.nextToken()
	var args []Expression
	for p.curToken.Type != lexer.RPAREN && p.curToken.Type != lexer.EOF {
		args = append(args, p.parseExpression(LOWEST))
		if p.curToken.Type == lexer.COMMA {
			p.nextToken()
		}
	}
	p.expect(lexer.RPAREN)
	return &CallExpr{base: base{tok}, Callee: callee, Args: args}
}

func (p *Parser) parseTableExpr() Expression {
	tok := p.curToken
	p.expect(lexer.LBRACE)
	tbl := &TableExpr{base: base{tok}}
	for p.curToken.Type != lexer.RBRACE && p.curToken.Type != lexer.EOF {
		tbl.Fields = append(tbl.Fields, p.parseTableField())
		if p.curToken.Type == lexer.COMMA || p.curToken.Type == lexer.SEMI {
			p.nextToken()
		}
	}
	p.expect(lexer.RBRACE)
	return tbl
}

func (p *Parser) parseTableField() TableField {
	if p.curToken.Type == lexer.LBRACKET {
		p.nextToken()
		key := p.parseExpression(LOWEST)
		p.expect(lexer.RBRACKET)
		p.expect(lexer.ASSIGN)
		val := p.parseExpression(LOWEST)
		return TableField{Key: key, Value: val}
	}
	if p.curToken.Type == lexer.IDENT && p.peekToken.Type == lexer.ASSIGN {
		name := p.curToken.Literal
		p.nextToken()
		p.nextToken()
		val := p.parseExpression(LOWEST)
		return TableField{KeyName: name, IsNamed: true, Value: val}
	}
	return TableField{Value: p.parseExpression(LOWEST)}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
