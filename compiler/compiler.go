// Package compiler turns node scripts into bytecode for the vm package.
//
// Scripts are compiled against the description of one node (its variables,
// local events and native functions) and the definitions shared by the
// whole network (global events and constants).
package compiler

import (
	"fmt"

	"github.com/signalsfoundry/aseba-hub/model"
)

// Position is a 1-based location in the source text.
type Position struct {
	Line   int
	Column int
}

// Error is a compilation diagnostic.
type Error struct {
	Position
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Message)
}

func errorAt(pos Position, format string, args ...any) *Error {
	return &Error{Position: pos, Message: fmt.Sprintf(format, args...)}
}

// VariableInfo locates a variable in the node's block.
type VariableInfo struct {
	Address uint16
	Size    uint16
}

// Result is the output of a successful compilation.
type Result struct {
	Bytecode []uint16
	// Variables maps every variable name, from the target and the script,
	// to its location.
	Variables map[string]VariableInfo
	// AllocatedVariables is the number of words in use, temporaries
	// included.
	AllocatedVariables int
}

// Compile compiles source for target. defs may be nil.
func Compile(target *model.TargetDescription, defs *model.CommonDefinitions, source string) (*Result, error) {
	if target == nil {
		return nil, fmt.Errorf("compile: nil target description")
	}
	if defs == nil {
		defs = &model.CommonDefinitions{}
	}
	toks, err := tokenize(source)
	if err != nil {
		return nil, err
	}
	prog, err := parse(toks)
	if err != nil {
		return nil, err
	}
	return generate(target, defs, prog)
}
