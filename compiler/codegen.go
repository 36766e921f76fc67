package compiler

import (
	"sort"
	"strings"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/vm"
)

type symbol struct {
	addr int
	size int
}

type subPatch struct {
	at   int
	name string
	pos  Position
}

type generator struct {
	target *model.TargetDescription
	defs   *model.CommonDefinitions

	vars     map[string]symbol
	tempBase int
	tempUsed int
	tempMax  int

	code       []uint16
	subs       map[string]int
	subPatches []subPatch
	inSub      bool
}

func generate(target *model.TargetDescription, defs *model.CommonDefinitions, prog *program) (*Result, error) {
	g := &generator{
		target: target,
		defs:   defs,
		vars:   make(map[string]symbol),
		subs:   make(map[string]int),
	}

	cursor := 0
	for _, v := range target.Variables {
		g.vars[v.Name] = symbol{addr: cursor, size: int(v.Size)}
		cursor += int(v.Size)
	}
	for _, decl := range prog.vars {
		if _, exists := g.vars[decl.name]; exists {
			return nil, errorAt(decl.pos, "variable %q is already defined", decl.name)
		}
		size := decl.size
		if decl.sizeExpr != nil {
			n, ok := g.constValue(decl.sizeExpr)
			if !ok || n <= 0 {
				return nil, errorAt(decl.sizeExpr.position(), "array size must be a positive constant")
			}
			size = n
		}
		g.vars[decl.name] = symbol{addr: cursor, size: size}
		cursor += size
	}
	g.tempBase = cursor

	type entry struct {
		id   uint16
		addr int
	}
	seen := make(map[uint16]bool)
	ids := make([]uint16, len(prog.events))
	for i, ev := range prog.events {
		id, err := g.eventID(ev.name, ev.pos)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, errorAt(ev.pos, "event %q already has a handler", ev.name)
		}
		seen[id] = true
		ids[i] = id
	}

	tableLen := 1 + 2*(1+len(prog.events))
	g.code = make([]uint16, tableLen)
	g.code[0] = uint16(tableLen)
	var table []entry

	table = append(table, entry{id: vm.EventInit, addr: len(g.code)})
	if err := g.genBlock(prog.init); err != nil {
		return nil, err
	}
	g.emit(vm.Encode(vm.OpStop, 0))

	for i, ev := range prog.events {
		table = append(table, entry{id: ids[i], addr: len(g.code)})
		if err := g.genBlock(ev.body); err != nil {
			return nil, err
		}
		g.emit(vm.Encode(vm.OpStop, 0))
	}

	g.inSub = true
	for _, sub := range prog.subs {
		if _, dup := g.subs[sub.name]; dup {
			return nil, errorAt(sub.pos, "subroutine %q is already defined", sub.name)
		}
		g.subs[sub.name] = len(g.code)
		if err := g.genBlock(sub.body); err != nil {
			return nil, err
		}
		g.emit(vm.Encode(vm.OpSubRet, 0))
	}
	for _, p := range g.subPatches {
		addr, ok := g.subs[p.name]
		if !ok {
			return nil, errorAt(p.pos, "unknown subroutine %q", p.name)
		}
		if addr > 0x0FFF {
			return nil, errorAt(p.pos, "subroutine %q out of call range", p.name)
		}
		g.code[p.at] = vm.Encode(vm.OpSubCall, uint16(addr))
	}

	for i, e := range table {
		g.code[1+2*i] = e.id
		g.code[2+2*i] = uint16(e.addr)
	}

	if len(g.code) > int(target.BytecodeSize) {
		return nil, &Error{Message: "script is too big for the bytecode memory of the node"}
	}
	allocated := g.tempBase + g.tempMax
	if allocated > int(target.VariablesSize) {
		return nil, &Error{Message: "not enough variable memory on the node"}
	}

	res := &Result{
		Bytecode:           g.code,
		Variables:          make(map[string]VariableInfo, len(g.vars)),
		AllocatedVariables: allocated,
	}
	for name, sym := range g.vars {
		res.Variables[name] = VariableInfo{Address: uint16(sym.addr), Size: uint16(sym.size)}
	}
	return res, nil
}

func (g *generator) emit(words ...uint16) int {
	at := len(g.code)
	g.code = append(g.code, words...)
	return at
}

func (g *generator) eventID(name string, pos Position) (uint16, error) {
	for i, e := range g.target.Events {
		if e.Name == name {
			return vm.LocalEventID(i), nil
		}
	}
	if i, ok := g.defs.EventIndex(name); ok {
		return uint16(i), nil
	}
	return 0, errorAt(pos, "unknown event %q", name)
}

func (g *generator) allocTemp(n int) int {
	addr := g.tempBase + g.tempUsed
	g.tempUsed += n
	g.tempMax = max(g.tempMax, g.tempUsed)
	return addr
}

func (g *generator) genBlock(body []stmt) error {
	for _, s := range body {
		g.tempUsed = 0
		if err := g.genStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) genStmt(s stmt) error {
	switch s := s.(type) {
	case *assignStmt:
		return g.genAssign(s)
	case *incDecStmt:
		op := "+"
		if s.delta < 0 {
			op = "-"
		}
		return g.genAssign(&assignStmt{
			pos:    s.pos,
			target: s.target,
			op:     op + "=",
			value:  &numberExpr{pos: s.pos, value: 1},
		})
	case *ifStmt:
		return g.genIf(s)
	case *whileStmt:
		start := len(g.code)
		if err := g.genExpr(s.cond); err != nil {
			return err
		}
		branch := g.emit(vm.Encode(vm.OpConditionalBranch, 0), 0)
		if err := g.genBlock(s.body); err != nil {
			return err
		}
		if err := g.jumpTo(s.pos, start); err != nil {
			return err
		}
		return g.patchBranch(s.pos, branch, len(g.code))
	case *forStmt:
		return g.genFor(s)
	case *callSubStmt:
		at := g.emit(vm.Encode(vm.OpSubCall, 0))
		g.subPatches = append(g.subPatches, subPatch{at: at, name: s.name, pos: s.pos})
		return nil
	case *returnStmt:
		if g.inSub {
			g.emit(vm.Encode(vm.OpSubRet, 0))
		} else {
			g.emit(vm.Encode(vm.OpStop, 0))
		}
		return nil
	case *emitStmt:
		return g.genEmit(s)
	case *callStmt:
		return g.genCall(s)
	}
	return errorAt(s.position(), "unsupported statement")
}

func (g *generator) lookup(ref *varRef) (symbol, error) {
	sym, ok := g.vars[ref.name]
	if !ok {
		return symbol{}, errorAt(ref.pos, "unknown variable %q", ref.name)
	}
	return sym, nil
}

func (g *generator) genAssign(s *assignStmt) error {
	sym, err := g.lookup(s.target)
	if err != nil {
		return err
	}
	if s.target.index == nil && sym.size != 1 {
		if s.op != "=" {
			return errorAt(s.pos, "operator %q cannot be applied to array %q", s.op, s.target.name)
		}
		return g.genArrayAssign(s, sym)
	}
	value := s.value
	if s.op != "=" {
		value = &binaryExpr{pos: s.pos, op: strings.TrimSuffix(s.op, "="), x: s.target, y: s.value}
	}
	return g.genStore(s.target, sym, value)
}

func (g *generator) genStore(ref *varRef, sym symbol, value expr) error {
	if ref.index == nil {
		if err := g.genExpr(value); err != nil {
			return err
		}
		g.emit(vm.Encode(vm.OpStore, uint16(sym.addr)))
		return nil
	}
	if idx, ok := g.constValue(ref.index); ok {
		if idx < 0 || idx >= sym.size {
			return errorAt(ref.pos, "index %d out of bounds of %q (size %d)", idx, ref.name, sym.size)
		}
		if err := g.genExpr(value); err != nil {
			return err
		}
		g.emit(vm.Encode(vm.OpStore, uint16(sym.addr+idx)))
		return nil
	}
	if err := g.genExpr(value); err != nil {
		return err
	}
	if err := g.genExpr(ref.index); err != nil {
		return err
	}
	g.emit(vm.Encode(vm.OpStoreIndirect, uint16(sym.addr)), uint16(sym.size))
	return nil
}

func (g *generator) genArrayAssign(s *assignStmt, sym symbol) error {
	switch v := s.value.(type) {
	case *arrayExpr:
		if len(v.elems) != sym.size {
			return errorAt(s.pos, "array size mismatch: %q has %d elements, value has %d", s.target.name, sym.size, len(v.elems))
		}
		for i, e := range v.elems {
			if err := g.genExpr(e); err != nil {
				return err
			}
			g.emit(vm.Encode(vm.OpStore, uint16(sym.addr+i)))
		}
		return nil
	case *varRef:
		src, err := g.lookup(v)
		if err != nil {
			return err
		}
		if v.index != nil || src.size != sym.size {
			return errorAt(s.pos, "array size mismatch between %q and %q", s.target.name, v.name)
		}
		for i := 0; i < sym.size; i++ {
			g.emit(vm.Encode(vm.OpLoad, uint16(src.addr+i)), vm.Encode(vm.OpStore, uint16(sym.addr+i)))
		}
		return nil
	}
	return errorAt(s.pos, "cannot assign a scalar to array %q", s.target.name)
}

func (g *generator) genIf(s *ifStmt) error {
	var ends []int
	for i, br := range s.branches {
		if err := g.genExpr(br.cond); err != nil {
			return err
		}
		branch := g.emit(vm.Encode(vm.OpConditionalBranch, 0), 0)
		if err := g.genBlock(br.body); err != nil {
			return err
		}
		if i < len(s.branches)-1 || s.orElse != nil {
			ends = append(ends, g.emit(vm.Encode(vm.OpJump, 0)))
		}
		if err := g.patchBranch(s.pos, branch, len(g.code)); err != nil {
			return err
		}
	}
	if err := g.genBlock(s.orElse); err != nil {
		return err
	}
	for _, at := range ends {
		if err := g.patchJump(s.pos, at, len(g.code)); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) genFor(s *forStmt) error {
	sym, err := g.lookup(s.variable)
	if err != nil {
		return err
	}
	if sym.size != 1 {
		return errorAt(s.pos, "loop variable %q must be a scalar", s.variable.name)
	}
	step := 1
	if s.step != nil {
		var ok bool
		if step, ok = g.constValue(s.step); !ok || step == 0 {
			return errorAt(s.step.position(), "loop step must be a non-zero constant")
		}
	}
	if err := g.genStore(s.variable, sym, s.from); err != nil {
		return err
	}
	start := len(g.code)
	cmp := "<="
	if step < 0 {
		cmp = ">="
	}
	if err := g.genExpr(&binaryExpr{pos: s.pos, op: cmp, x: s.variable, y: s.to}); err != nil {
		return err
	}
	branch := g.emit(vm.Encode(vm.OpConditionalBranch, 0), 0)
	if err := g.genBlock(s.body); err != nil {
		return err
	}
	g.tempUsed = 0
	inc := &binaryExpr{pos: s.pos, op: "+", x: s.variable, y: &numberExpr{pos: s.pos, value: step}}
	if err := g.genStore(s.variable, sym, inc); err != nil {
		return err
	}
	if err := g.jumpTo(s.pos, start); err != nil {
		return err
	}
	return g.patchBranch(s.pos, branch, len(g.code))
}

func (g *generator) jumpTo(pos Position, target int) error {
	at := g.emit(vm.Encode(vm.OpJump, 0))
	return g.patchJump(pos, at, target)
}

func (g *generator) patchJump(pos Position, at, target int) error {
	off := target - at
	if !vm.FitsSmallImmediate(off) {
		return errorAt(pos, "jump too far")
	}
	g.code[at] = vm.EncodeSigned(vm.OpJump, off)
	return nil
}

func (g *generator) patchBranch(pos Position, at, target int) error {
	off := target - at
	if off < -32768 || off > 32767 {
		return errorAt(pos, "branch too far")
	}
	g.code[at+1] = uint16(int16(off))
	return nil
}

func (g *generator) genEmit(s *emitStmt) error {
	idx, ok := g.defs.EventIndex(s.name)
	if !ok {
		return errorAt(s.pos, "unknown global event %q", s.name)
	}
	if idx > 0x0FFF {
		return errorAt(s.pos, "event %q out of range", s.name)
	}
	size := g.defs.Events[idx].Value
	start := 0
	switch {
	case s.args == nil:
		if size != 0 {
			return errorAt(s.pos, "event %q needs %d arguments", s.name, size)
		}
	default:
		addr, n, err := g.argument(s.args)
		if err != nil {
			return err
		}
		if n != size {
			return errorAt(s.pos, "event %q needs %d arguments, got %d", s.name, size, n)
		}
		start = addr
	}
	g.emit(vm.Encode(vm.OpEmit, uint16(idx)), uint16(start), uint16(size))
	return nil
}

// argument makes e addressable and returns its address and size. Values
// that do not live in a variable are computed into temporaries.
func (g *generator) argument(e expr) (int, int, error) {
	switch v := e.(type) {
	case *varRef:
		if sym, ok := g.vars[v.name]; ok {
			if v.index == nil {
				return sym.addr, sym.size, nil
			}
			if idx, ok := g.constValue(v.index); ok {
				if idx < 0 || idx >= sym.size {
					return 0, 0, errorAt(v.pos, "index %d out of bounds of %q (size %d)", idx, v.name, sym.size)
				}
				return sym.addr + idx, 1, nil
			}
		}
	case *arrayExpr:
		t := g.allocTemp(len(v.elems))
		for i, el := range v.elems {
			if err := g.genExpr(el); err != nil {
				return 0, 0, err
			}
			g.emit(vm.Encode(vm.OpStore, uint16(t+i)))
		}
		return t, len(v.elems), nil
	}
	t := g.allocTemp(1)
	if err := g.genExpr(e); err != nil {
		return 0, 0, err
	}
	g.emit(vm.Encode(vm.OpStore, uint16(t)))
	return t, 1, nil
}

func (g *generator) genCall(s *callStmt) error {
	id := -1
	for i, f := range g.target.Functions {
		if f.Name == s.name {
			id = i
			break
		}
	}
	if id < 0 {
		return errorAt(s.pos, "unknown function %q", s.name)
	}
	if id > 0x0FFF {
		return errorAt(s.pos, "function %q out of range", s.name)
	}
	fn := g.target.Functions[id]
	if len(s.args) != len(fn.Arguments) {
		return errorAt(s.pos, "function %q takes %d arguments, got %d", s.name, len(fn.Arguments), len(s.args))
	}

	templates := make(map[int16]int)
	addrs := make([]int, len(s.args))
	for i, a := range s.args {
		addr, n, err := g.argument(a)
		if err != nil {
			return err
		}
		want := fn.Arguments[i].Size
		switch {
		case want > 0 && n != int(want):
			return errorAt(a.position(), "argument %q of %q must have size %d, got %d", fn.Arguments[i].Name, s.name, want, n)
		case want < 0:
			if bound, ok := templates[want]; ok && bound != n {
				return errorAt(a.position(), "argument %q of %q must have size %d, got %d", fn.Arguments[i].Name, s.name, bound, n)
			}
			templates[want] = n
		}
		addrs[i] = addr
	}

	ids := make([]int, 0, len(templates))
	for k := range templates {
		ids = append(ids, int(k))
	}
	sort.Ints(ids)
	for _, k := range ids {
		g.pushConst(templates[int16(k)])
	}
	for i := len(addrs) - 1; i >= 0; i-- {
		g.pushConst(addrs[i])
	}
	g.emit(vm.Encode(vm.OpNativeCall, uint16(id)))
	return nil
}

func (g *generator) pushConst(v int) {
	v = int(int16(v))
	if vm.FitsSmallImmediate(v) {
		g.emit(vm.EncodeSigned(vm.OpSmallImmediate, v))
		return
	}
	g.emit(vm.Encode(vm.OpLargeImmediate, 0), uint16(int16(v)))
}

var binaryOps = map[string]uint16{
	"<<": vm.BinaryShiftLeft, ">>": vm.BinaryShiftRight,
	"+": vm.BinaryAdd, "-": vm.BinarySub, "*": vm.BinaryMult, "/": vm.BinaryDiv, "%": vm.BinaryMod,
	"|": vm.BinaryBitOr, "^": vm.BinaryBitXor, "&": vm.BinaryBitAnd,
	"==": vm.BinaryEqual, "!=": vm.BinaryNotEqual,
	">": vm.BinaryBiggerThan, ">=": vm.BinaryBiggerEqualThan,
	"<": vm.BinarySmallerThan, "<=": vm.BinarySmallerEqualThan,
	"or": vm.BinaryOr, "and": vm.BinaryAnd,
}

var unaryOps = map[string]uint16{
	"-": vm.UnaryNeg, "abs": vm.UnaryAbs, "~": vm.UnaryBitNot, "not": vm.UnaryNot,
}

func (g *generator) genExpr(e expr) error {
	if v, ok := g.constValue(e); ok {
		g.pushConst(v)
		return nil
	}
	switch e := e.(type) {
	case *varRef:
		sym, err := g.lookup(e)
		if err != nil {
			return err
		}
		if e.index == nil {
			if sym.size != 1 {
				return errorAt(e.pos, "array %q used as a scalar", e.name)
			}
			g.emit(vm.Encode(vm.OpLoad, uint16(sym.addr)))
			return nil
		}
		if idx, ok := g.constValue(e.index); ok {
			if idx < 0 || idx >= sym.size {
				return errorAt(e.pos, "index %d out of bounds of %q (size %d)", idx, e.name, sym.size)
			}
			g.emit(vm.Encode(vm.OpLoad, uint16(sym.addr+idx)))
			return nil
		}
		if err := g.genExpr(e.index); err != nil {
			return err
		}
		g.emit(vm.Encode(vm.OpLoadIndirect, uint16(sym.addr)), uint16(sym.size))
		return nil

	case *unaryExpr:
		if err := g.genExpr(e.x); err != nil {
			return err
		}
		g.emit(vm.Encode(vm.OpUnary, unaryOps[e.op]))
		return nil

	case *binaryExpr:
		op, ok := binaryOps[e.op]
		if !ok {
			return errorAt(e.pos, "unknown operator %q", e.op)
		}
		if err := g.genExpr(e.x); err != nil {
			return err
		}
		if err := g.genExpr(e.y); err != nil {
			return err
		}
		g.emit(vm.Encode(vm.OpBinary, op))
		return nil

	case *arrayExpr:
		return errorAt(e.pos, "array used as a scalar")
	}
	return errorAt(e.position(), "unsupported expression")
}

// constValue folds e when it only involves literals and named constants.
func (g *generator) constValue(e expr) (int, bool) {
	switch e := e.(type) {
	case *numberExpr:
		return e.value, true
	case *varRef:
		if e.index != nil {
			return 0, false
		}
		if _, isVar := g.vars[e.name]; isVar {
			return 0, false
		}
		return g.defs.Constant(e.name)
	case *unaryExpr:
		x, ok := g.constValue(e.x)
		if !ok {
			return 0, false
		}
		switch e.op {
		case "-":
			return int(-int16(x)), true
		case "abs":
			if x < 0 {
				x = -x
			}
			return int(int16(x)), true
		case "~":
			return int(^int16(x)), true
		case "not":
			if x == 0 {
				return 1, true
			}
			return 0, true
		}
	case *binaryExpr:
		x, ok := g.constValue(e.x)
		if !ok {
			return 0, false
		}
		y, ok := g.constValue(e.y)
		if !ok {
			return 0, false
		}
		a, b := int16(x), int16(y)
		switch e.op {
		case "/", "%":
			if b == 0 {
				return 0, false
			}
		}
		op, ok := binaryOps[e.op]
		if !ok {
			return 0, false
		}
		r, err := vm.Evaluate(op, a, b)
		if err != nil {
			return 0, false
		}
		return int(r), true
	}
	return 0, false
}
