package vm

// Opcodes occupy the top four bits of an instruction word; the low twelve
// bits hold an immediate operand.
const (
	OpStop              uint16 = 0x0
	OpSmallImmediate    uint16 = 0x1
	OpLargeImmediate    uint16 = 0x2
	OpLoad              uint16 = 0x3
	OpStore             uint16 = 0x4
	OpLoadIndirect      uint16 = 0x5
	OpStoreIndirect     uint16 = 0x6
	OpUnary             uint16 = 0x7
	OpBinary            uint16 = 0x8
	OpJump              uint16 = 0x9
	OpConditionalBranch uint16 = 0xA
	OpEmit              uint16 = 0xB
	OpNativeCall        uint16 = 0xC
	OpSubCall           uint16 = 0xD
	OpSubRet            uint16 = 0xE
)

// Unary operators, the immediate of OpUnary.
const (
	UnaryNeg uint16 = iota
	UnaryAbs
	UnaryBitNot
	UnaryNot
)

// Binary operators, the immediate of OpBinary.
const (
	BinaryShiftLeft uint16 = iota
	BinaryShiftRight
	BinaryAdd
	BinarySub
	BinaryMult
	BinaryDiv
	BinaryMod
	BinaryBitOr
	BinaryBitXor
	BinaryBitAnd
	BinaryEqual
	BinaryNotEqual
	BinaryBiggerThan
	BinaryBiggerEqualThan
	BinarySmallerThan
	BinarySmallerEqualThan
	BinaryOr
	BinaryAnd
)

// Instruction lengths in words, indexed by opcode.
var instructionLength = [16]int{
	OpStop:              1,
	OpSmallImmediate:    1,
	OpLargeImmediate:    2,
	OpLoad:              1,
	OpStore:             1,
	OpLoadIndirect:      2,
	OpStoreIndirect:     2,
	OpUnary:             1,
	OpBinary:            1,
	OpJump:              1,
	OpConditionalBranch: 2,
	OpEmit:              3,
	OpNativeCall:        1,
	OpSubCall:           1,
	OpSubRet:            1,
}

// InstructionLength returns the number of words of the instruction whose
// first word is w, or 0 for an invalid opcode.
func InstructionLength(w uint16) int { return instructionLength[w>>12] }

// Encode packs an opcode and a 12-bit immediate.
func Encode(op, imm uint16) uint16 { return op<<12 | imm&0x0FFF }

// EncodeSigned packs an opcode and a signed 12-bit immediate.
func EncodeSigned(op uint16, imm int) uint16 { return Encode(op, uint16(int16(imm))) }

// FitsSmallImmediate reports whether v can be pushed with OpSmallImmediate.
func FitsSmallImmediate(v int) bool { return v >= -2048 && v <= 2047 }

func decode(w uint16) (op, imm uint16) { return w >> 12, w & 0x0FFF }

func signExtend12(imm uint16) int16 {
	if imm&0x0800 != 0 {
		return int16(imm | 0xF000)
	}
	return int16(imm)
}
