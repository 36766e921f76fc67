package compiler

type parser struct {
	toks []token
	i    int
}

func parse(toks []token) (*program, error) {
	p := &parser{toks: toks}
	prog := &program{}
	if err := p.parseProgram(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) is(kind tokenKind, text string) bool {
	t := p.peek()
	return t.kind == kind && t.text == text
}

func (p *parser) isKeyword(text string) bool { return p.is(tokKeyword, text) }
func (p *parser) isOp(text string) bool      { return p.is(tokOp, text) }

func (p *parser) accept(kind tokenKind, text string) bool {
	if p.is(kind, text) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) (token, error) {
	t := p.peek()
	if t.kind != kind || t.text != text {
		return t, errorAt(t.pos, "expected %q, found %s", text, t)
	}
	return p.next(), nil
}

func (p *parser) expectIdent() (token, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return t, errorAt(t.pos, "expected identifier, found %s", t)
	}
	return p.next(), nil
}

func (p *parser) parseProgram(prog *program) error {
	block := &prog.init
	for p.peek().kind != tokEOF {
		switch {
		case p.isKeyword("var"):
			if block != &prog.init {
				return errorAt(p.peek().pos, "variable declarations must precede event handlers")
			}
			decl, err := p.parseVarDecl()
			if err != nil {
				return err
			}
			prog.vars = append(prog.vars, decl)
			if decl.init != nil {
				prog.init = append(prog.init, &assignStmt{
					pos:    decl.pos,
					target: &varRef{pos: decl.pos, name: decl.name},
					op:     "=",
					value:  decl.init,
				})
			}

		case p.isKeyword("onevent"):
			pos := p.next().pos
			name, err := p.expectIdent()
			if err != nil {
				return err
			}
			ev := &eventBlock{pos: pos, name: name.text}
			prog.events = append(prog.events, ev)
			block = &ev.body

		case p.isKeyword("sub"):
			pos := p.next().pos
			name, err := p.expectIdent()
			if err != nil {
				return err
			}
			sub := &subBlock{pos: pos, name: name.text}
			prog.subs = append(prog.subs, sub)
			block = &sub.body

		default:
			s, err := p.parseStatement()
			if err != nil {
				return err
			}
			*block = append(*block, s)
		}
	}
	return nil
}

func (p *parser) parseVarDecl() (*varDecl, error) {
	pos := p.next().pos
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	decl := &varDecl{pos: pos, name: name.text, size: 1}
	if p.accept(tokOp, "[") {
		if p.accept(tokOp, "]") {
			decl.size = -1
		} else {
			if decl.sizeExpr, err = p.parseExpr(); err != nil {
				return nil, err
			}
			decl.size = 0
			if _, err := p.expect(tokOp, "]"); err != nil {
				return nil, err
			}
		}
	}
	if p.accept(tokOp, "=") {
		if decl.init, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if decl.size == -1 {
		arr, ok := decl.init.(*arrayExpr)
		if !ok {
			return nil, errorAt(pos, "array %q without size needs an initializer", decl.name)
		}
		decl.size = len(arr.elems)
	}
	return decl, nil
}

// parseBlock parses statements until one of the terminating keywords.
func (p *parser) parseBlock(terminators ...string) ([]stmt, error) {
	var out []stmt
	for {
		t := p.peek()
		if t.kind == tokEOF {
			return nil, errorAt(t.pos, "unexpected end of file, missing %q", terminators[0])
		}
		if t.kind == tokKeyword {
			for _, term := range terminators {
				if t.text == term {
					return out, nil
				}
			}
			if t.text == "onevent" || t.text == "sub" || t.text == "var" {
				return nil, errorAt(t.pos, "unexpected %q inside block", t.text)
			}
		}
		s, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

func (p *parser) parseStatement() (stmt, error) {
	t := p.peek()
	switch {
	case t.kind == tokKeyword && t.text == "if":
		return p.parseIf()
	case t.kind == tokKeyword && t.text == "while":
		p.next()
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokKeyword, "do"); err != nil {
			return nil, err
		}
		body, err := p.parseBlock("end")
		if err != nil {
			return nil, err
		}
		p.next()
		return &whileStmt{pos: t.pos, cond: cond, body: body}, nil
	case t.kind == tokKeyword && t.text == "for":
		return p.parseFor()
	case t.kind == tokKeyword && t.text == "callsub":
		p.next()
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &callSubStmt{pos: t.pos, name: name.text}, nil
	case t.kind == tokKeyword && t.text == "return":
		p.next()
		return &returnStmt{pos: t.pos}, nil
	case t.kind == tokKeyword && t.text == "emit":
		p.next()
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		s := &emitStmt{pos: t.pos, name: name.text}
		if p.startsExpr() {
			if s.args, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		return s, nil
	case t.kind == tokKeyword && t.text == "call":
		return p.parseCall()
	case t.kind == tokIdent:
		return p.parseAssignment()
	}
	return nil, errorAt(t.pos, "unexpected %s", t)
}

// startsExpr reports whether the next token can begin an expression on the
// same line as the previous one.
func (p *parser) startsExpr() bool {
	t := p.peek()
	prev := p.toks[p.i-1]
	if t.pos.Line != prev.pos.Line {
		return false
	}
	switch t.kind {
	case tokNumber, tokIdent:
		return true
	case tokOp:
		return t.text == "[" || t.text == "(" || t.text == "-"
	case tokKeyword:
		return t.text == "abs" || t.text == "not"
	}
	return false
}

func (p *parser) parseIf() (stmt, error) {
	s := &ifStmt{pos: p.next().pos}
	for {
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokKeyword, "then"); err != nil {
			return nil, err
		}
		body, err := p.parseBlock("end", "else", "elseif")
		if err != nil {
			return nil, err
		}
		s.branches = append(s.branches, condBranch{cond: cond, body: body})
		if p.accept(tokKeyword, "elseif") {
			continue
		}
		break
	}
	if p.accept(tokKeyword, "else") {
		body, err := p.parseBlock("end")
		if err != nil {
			return nil, err
		}
		s.orElse = body
	}
	if _, err := p.expect(tokKeyword, "end"); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *parser) parseFor() (stmt, error) {
	s := &forStmt{pos: p.next().pos}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	s.variable = &varRef{pos: name.pos, name: name.text}
	if _, err := p.expect(tokKeyword, "in"); err != nil {
		return nil, err
	}
	if s.from, err = p.parseExpr(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokOp, ":"); err != nil {
		return nil, err
	}
	if s.to, err = p.parseExpr(); err != nil {
		return nil, err
	}
	if p.accept(tokKeyword, "step") {
		if s.step, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokKeyword, "do"); err != nil {
		return nil, err
	}
	if s.body, err = p.parseBlock("end"); err != nil {
		return nil, err
	}
	p.next()
	return s, nil
}

func (p *parser) parseCall() (stmt, error) {
	pos := p.next().pos
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	s := &callStmt{pos: pos, name: name.text}
	if _, err := p.expect(tokOp, "("); err != nil {
		return nil, err
	}
	if p.accept(tokOp, ")") {
		return s, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		s.args = append(s.args, arg)
		if p.accept(tokOp, ",") {
			continue
		}
		if _, err := p.expect(tokOp, ")"); err != nil {
			return nil, err
		}
		return s, nil
	}
}

var assignOps = map[string]bool{
	"=": true, "+=": true, "-=": true, "*=": true, "/=": true, "%=": true,
	"|=": true, "^=": true, "&=": true, "<<=": true, ">>=": true,
}

func (p *parser) parseAssignment() (stmt, error) {
	target, err := p.parseVarRef()
	if err != nil {
		return nil, err
	}
	t := p.next()
	switch {
	case t.kind == tokOp && t.text == "++":
		return &incDecStmt{pos: target.pos, target: target, delta: 1}, nil
	case t.kind == tokOp && t.text == "--":
		return &incDecStmt{pos: target.pos, target: target, delta: -1}, nil
	case t.kind == tokOp && assignOps[t.text]:
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &assignStmt{pos: target.pos, target: target, op: t.text, value: value}, nil
	}
	return nil, errorAt(t.pos, "expected assignment after %q, found %s", target.name, t)
}

func (p *parser) parseVarRef() (*varRef, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	ref := &varRef{pos: name.pos, name: name.text}
	if p.accept(tokOp, "[") {
		if ref.index, err = p.parseExpr(); err != nil {
			return nil, err
		}
		if _, err := p.expect(tokOp, "]"); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// Expressions, lowest precedence first.

func (p *parser) parseExpr() (expr, error) { return p.parseOr() }

func (p *parser) parseOr() (expr, error) {
	return p.parseLeftAssoc(p.parseAnd, tokKeyword, "or")
}

func (p *parser) parseAnd() (expr, error) {
	return p.parseLeftAssoc(p.parseNot, tokKeyword, "and")
}

func (p *parser) parseNot() (expr, error) {
	if p.isKeyword("not") {
		pos := p.next().pos
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{pos: pos, op: "not", x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (expr, error) {
	x, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"==", "!=", "<", "<=", ">", ">="} {
		if p.isOp(op) {
			t := p.next()
			y, err := p.parseBitOr()
			if err != nil {
				return nil, err
			}
			return &binaryExpr{pos: t.pos, op: op, x: x, y: y}, nil
		}
	}
	return x, nil
}

func (p *parser) parseBitOr() (expr, error)  { return p.parseLeftAssoc(p.parseBitXor, tokOp, "|") }
func (p *parser) parseBitXor() (expr, error) { return p.parseLeftAssoc(p.parseBitAnd, tokOp, "^") }
func (p *parser) parseBitAnd() (expr, error) { return p.parseLeftAssoc(p.parseShift, tokOp, "&") }
func (p *parser) parseShift() (expr, error) {
	return p.parseLeftAssoc(p.parseAdditive, tokOp, "<<", ">>")
}
func (p *parser) parseAdditive() (expr, error) {
	return p.parseLeftAssoc(p.parseMultiplicative, tokOp, "+", "-")
}
func (p *parser) parseMultiplicative() (expr, error) {
	return p.parseLeftAssoc(p.parseUnary, tokOp, "*", "/", "%")
}

func (p *parser) parseLeftAssoc(operand func() (expr, error), kind tokenKind, ops ...string) (expr, error) {
	x, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		matched := ""
		for _, op := range ops {
			if p.is(kind, op) {
				matched = op
				break
			}
		}
		if matched == "" {
			return x, nil
		}
		t := p.next()
		y, err := operand()
		if err != nil {
			return nil, err
		}
		x = &binaryExpr{pos: t.pos, op: matched, x: x, y: y}
	}
}

func (p *parser) parseUnary() (expr, error) {
	t := p.peek()
	var op string
	switch {
	case t.kind == tokOp && (t.text == "-" || t.text == "~"):
		op = t.text
	case t.kind == tokKeyword && t.text == "abs":
		op = "abs"
	default:
		return p.parsePrimary()
	}
	p.next()
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &unaryExpr{pos: t.pos, op: op, x: x}, nil
}

func (p *parser) parsePrimary() (expr, error) {
	t := p.peek()
	switch {
	case t.kind == tokNumber:
		p.next()
		return &numberExpr{pos: t.pos, value: t.value}, nil
	case t.kind == tokIdent:
		return p.parseVarRef()
	case t.kind == tokOp && t.text == "(":
		p.next()
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokOp, ")"); err != nil {
			return nil, err
		}
		return x, nil
	case t.kind == tokOp && t.text == "[":
		p.next()
		arr := &arrayExpr{pos: t.pos}
		for {
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			arr.elems = append(arr.elems, x)
			if p.accept(tokOp, ",") {
				continue
			}
			if _, err := p.expect(tokOp, "]"); err != nil {
				return nil, err
			}
			return arr, nil
		}
	}
	return nil, errorAt(t.pos, "unexpected %s in expression", t)
}
