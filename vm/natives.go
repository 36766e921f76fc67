package vm

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/aseba-hub/model"
)

// Native is a function implemented by the host and callable from scripts.
type Native struct {
	Description model.FunctionDescription
	Fn          func(v *VM)
}

// PopArg pops one native argument. Arguments are variable addresses, except
// template sizes which are plain values.
func (v *VM) PopArg() int {
	if !v.IsEventActive() {
		return 0
	}
	x, err := v.pop()
	if err != nil {
		v.fault(err)
		return 0
	}
	return int(uint16(x))
}

// Slice returns the variables at [addr, addr+n). Out-of-range requests fault
// the VM and return nil.
func (v *VM) Slice(addr, n int) []int16 {
	if !v.IsEventActive() {
		return nil
	}
	if n < 0 || addr < 0 || addr+n > len(v.Variables) {
		v.fault(fmt.Errorf("%w: [%d,%d)", ErrVariableOutOfRange, addr, addr+n))
		return nil
	}
	return v.Variables[addr : addr+n]
}

func arg(name string, size int16) model.FunctionArgument {
	return model.FunctionArgument{Name: name, Size: size}
}

func native(name, doc string, fn func(v *VM), args ...model.FunctionArgument) Native {
	return Native{
		Description: model.FunctionDescription{Name: name, Description: doc, Arguments: args},
		Fn:          fn,
	}
}

// StdNatives returns the standard library every node exposes first.
func StdNatives() []Native {
	return []Native{
		native("math.copy", "copies an array", nativeCopy, arg("dest", -1), arg("src", -1)),
		native("math.fill", "fills an array with a constant", nativeFill, arg("dest", -1), arg("value", 1)),
		native("math.addscalar", "adds a scalar to each element", nativeAddScalar, arg("dest", -1), arg("src", -1), arg("scalar", 1)),
		native("math.add", "dest = src1 + src2", elementwise(func(a, b int16) int16 { return a + b }), arg("dest", -1), arg("src1", -1), arg("src2", -1)),
		native("math.sub", "dest = src1 - src2", elementwise(func(a, b int16) int16 { return a - b }), arg("dest", -1), arg("src1", -1), arg("src2", -1)),
		native("math.mul", "dest = src1 * src2", elementwise(func(a, b int16) int16 { return a * b }), arg("dest", -1), arg("src1", -1), arg("src2", -1)),
		native("math.div", "dest = src1 / src2", nativeDiv, arg("dest", -1), arg("src1", -1), arg("src2", -1)),
		native("math.min", "element-wise minimum", elementwise(func(a, b int16) int16 { return min(a, b) }), arg("dest", -1), arg("src1", -1), arg("src2", -1)),
		native("math.max", "element-wise maximum", elementwise(func(a, b int16) int16 { return max(a, b) }), arg("dest", -1), arg("src1", -1), arg("src2", -1)),
		native("math.clamp", "clamps src between low and high", nativeClamp, arg("dest", -1), arg("src", -1), arg("low", -1), arg("high", -1)),
		native("math.dot", "scalar product shifted right", nativeDot, arg("dest", 1), arg("src1", -1), arg("src2", -1), arg("shift", 1)),
		native("math.sqrt", "integer square root", nativeSqrt, arg("dest", -1), arg("src", -1)),
		native("math.rand", "pseudo-random values", nativeRand, arg("dest", -1)),
	}
}

func nativeCopy(v *VM) {
	dest, src, n := v.PopArg(), v.PopArg(), v.PopArg()
	d, s := v.Slice(dest, n), v.Slice(src, n)
	if d == nil || s == nil {
		return
	}
	copy(d, s)
}

func nativeFill(v *VM) {
	dest, value, n := v.PopArg(), v.PopArg(), v.PopArg()
	d, x := v.Slice(dest, n), v.Slice(value, 1)
	if d == nil || x == nil {
		return
	}
	for i := range d {
		d[i] = x[0]
	}
}

func nativeAddScalar(v *VM) {
	dest, src, scalar, n := v.PopArg(), v.PopArg(), v.PopArg(), v.PopArg()
	d, s, k := v.Slice(dest, n), v.Slice(src, n), v.Slice(scalar, 1)
	if d == nil || s == nil || k == nil {
		return
	}
	for i := range d {
		d[i] = s[i] + k[0]
	}
}

func elementwise(op func(a, b int16) int16) func(v *VM) {
	return func(v *VM) {
		dest, src1, src2, n := v.PopArg(), v.PopArg(), v.PopArg(), v.PopArg()
		d, a, b := v.Slice(dest, n), v.Slice(src1, n), v.Slice(src2, n)
		if d == nil || a == nil || b == nil {
			return
		}
		for i := range d {
			d[i] = op(a[i], b[i])
		}
	}
}

func nativeDiv(v *VM) {
	dest, src1, src2, n := v.PopArg(), v.PopArg(), v.PopArg(), v.PopArg()
	d, a, b := v.Slice(dest, n), v.Slice(src1, n), v.Slice(src2, n)
	if d == nil || a == nil || b == nil {
		return
	}
	for i := range d {
		if b[i] == 0 {
			v.stopEvent(divisionByZero(v))
			return
		}
		d[i] = a[i] / b[i]
	}
}

func nativeClamp(v *VM) {
	dest, src, low, high, n := v.PopArg(), v.PopArg(), v.PopArg(), v.PopArg(), v.PopArg()
	d, s, lo, hi := v.Slice(dest, n), v.Slice(src, n), v.Slice(low, n), v.Slice(high, n)
	if d == nil || s == nil || lo == nil || hi == nil {
		return
	}
	for i := range d {
		d[i] = max(lo[i], min(hi[i], s[i]))
	}
}

func nativeDot(v *VM) {
	dest, src1, src2, shift, n := v.PopArg(), v.PopArg(), v.PopArg(), v.PopArg(), v.PopArg()
	d, a, b, sh := v.Slice(dest, 1), v.Slice(src1, n), v.Slice(src2, n), v.Slice(shift, 1)
	if d == nil || a == nil || b == nil || sh == nil {
		return
	}
	var acc int32
	for i := range a {
		acc += int32(a[i]) * int32(b[i])
	}
	d[0] = int16(acc >> (uint16(sh[0]) & 0x1F))
}

func nativeSqrt(v *VM) {
	dest, src, n := v.PopArg(), v.PopArg(), v.PopArg()
	d, s := v.Slice(dest, n), v.Slice(src, n)
	if d == nil || s == nil {
		return
	}
	for i := range d {
		if s[i] <= 0 {
			d[i] = 0
			continue
		}
		d[i] = int16(math.Sqrt(float64(s[i])))
	}
}

func nativeRand(v *VM) {
	dest, n := v.PopArg(), v.PopArg()
	d := v.Slice(dest, n)
	if d == nil {
		return
	}
	for i := range d {
		// 16-bit Galois LFSR, taps 16 14 13 11.
		lsb := v.rand & 1
		v.rand >>= 1
		if lsb != 0 {
			v.rand ^= 0xB400
		}
		d[i] = int16(v.rand)
	}
}
