package compiler

type stmt interface{ position() Position }

type expr interface{ position() Position }

type program struct {
	vars   []*varDecl
	init   []stmt
	events []*eventBlock
	subs   []*subBlock
}

type eventBlock struct {
	pos  Position
	name string
	body []stmt
}

type subBlock struct {
	pos  Position
	name string
	body []stmt
}

// varDecl.size is 1 for scalars, 0 when sizeExpr gives it, or the length
// of the initializer for arrays declared with empty brackets.
type varDecl struct {
	pos      Position
	name     string
	size     int
	sizeExpr expr
	init     expr
}

type assignStmt struct {
	pos    Position
	target *varRef
	op     string
	value  expr
}

type incDecStmt struct {
	pos    Position
	target *varRef
	delta  int
}

type ifStmt struct {
	pos      Position
	branches []condBranch
	orElse   []stmt
}

type condBranch struct {
	cond expr
	body []stmt
}

type whileStmt struct {
	pos  Position
	cond expr
	body []stmt
}

type forStmt struct {
	pos      Position
	variable *varRef
	from, to expr
	step     expr
	body     []stmt
}

type callSubStmt struct {
	pos  Position
	name string
}

type returnStmt struct{ pos Position }

type emitStmt struct {
	pos  Position
	name string
	args expr
}

type callStmt struct {
	pos  Position
	name string
	args []expr
}

type numberExpr struct {
	pos   Position
	value int
}

type varRef struct {
	pos   Position
	name  string
	index expr
}

type arrayExpr struct {
	pos   Position
	elems []expr
}

type unaryExpr struct {
	pos Position
	op  string
	x   expr
}

type binaryExpr struct {
	pos  Position
	op   string
	x, y expr
}

func (s *varDecl) position() Position     { return s.pos }
func (s *assignStmt) position() Position  { return s.pos }
func (s *incDecStmt) position() Position  { return s.pos }
func (s *ifStmt) position() Position      { return s.pos }
func (s *whileStmt) position() Position   { return s.pos }
func (s *forStmt) position() Position     { return s.pos }
func (s *callSubStmt) position() Position { return s.pos }
func (s *returnStmt) position() Position  { return s.pos }
func (s *emitStmt) position() Position    { return s.pos }
func (s *callStmt) position() Position    { return s.pos }
func (e *numberExpr) position() Position  { return e.pos }
func (e *varRef) position() Position      { return e.pos }
func (e *arrayExpr) position() Position   { return e.pos }
func (e *unaryExpr) position() Position   { return e.pos }
func (e *binaryExpr) position() Position  { return e.pos }
