// Package depex decodes, encodes and evaluates dependency expressions, the
// postfix bytecode that gates PEIM and DXE driver dispatch.
package depex

import (
	"fmt"
	"strings"

	"github.com/appkins-org/go-uefi-fv/internal/firmware/efi"
	"github.com/appkins-org/go-uefi-fv/internal/firmware/ffs"
)

// Opcode is one dependency expression instruction.
type Opcode uint8

const (
	OpBefore Opcode = 0x00
	OpAfter  Opcode = 0x01
	OpPush   Opcode = 0x02
	OpAnd    Opcode = 0x03
	OpOr     Opcode = 0x04
	OpNot    Opcode = 0x05
	OpTrue   Opcode = 0x06
	OpFalse  Opcode = 0x07
	OpEnd    Opcode = 0x08
	OpSOR    Opcode = 0x09
)

var opcodeNames = [...]string{"BEFORE", "AFTER", "PUSH", "AND", "OR", "NOT", "TRUE", "FALSE", "END", "SOR"}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("OP(%#02x)", uint8(o))
}

// HasOperand reports whether the opcode is followed by a GUID.
func (o Opcode) HasOperand() bool {
	return o == OpBefore || o == OpAfter || o == OpPush
}

// Instruction is an opcode and, for BEFORE, AFTER and PUSH, its GUID operand.
type Instruction struct {
	Op   Opcode
	GUID efi.GUID
}

func (i Instruction) String() string {
	if i.Op.HasOperand() {
		return fmt.Sprintf("%s %s", i.Op, i.GUID)
	}
	return i.Op.String()
}

// Expression is a decoded dependency expression, END included.
type Expression []Instruction

func decodeError(off int, format string, args ...any) error {
	return ffs.Errorf(ffs.ErrDepexDecode, int64(off), format, args...)
}

// Decode parses bytecode. The result is structurally valid: it ends in END,
// BEFORE and AFTER stand alone, SOR only leads, and the operand stack never
// underflows and holds one value at END.
func Decode(b []byte) (Expression, error) {
	var expr Expression
	for off := 0; off < len(b); {
		op := Opcode(b[off])
		if op > OpSOR {
			return nil, decodeError(off, "unknown opcode %#02x", uint8(op))
		}
		ins := Instruction{Op: op}
		next := off + 1
		if op.HasOperand() {
			if len(b)-next < efi.GUIDLength {
				return nil, decodeError(off, "%s operand truncated", op)
			}
			ins.GUID, _ = efi.GUIDFromBytes(b[next:])
			next += efi.GUIDLength
		}
		expr = append(expr, ins)
		off = next
		if op == OpEnd {
			if off != len(b) {
				return nil, decodeError(off, "%d bytes after END", len(b)-off)
			}
			break
		}
	}
	if err := expr.Validate(); err != nil {
		return nil, err
	}
	return expr, nil
}

// Validate checks the structural rules Decode enforces.
func (e Expression) Validate() error {
	if len(e) == 0 || e[len(e)-1].Op != OpEnd {
		return decodeError(-1, "missing END")
	}
	body := e[:len(e)-1]
	if len(body) > 0 && (body[0].Op == OpBefore || body[0].Op == OpAfter) {
		if len(body) != 1 {
			return decodeError(-1, "%s must be the only instruction before END", body[0].Op)
		}
		return nil
	}
	if len(body) > 0 && body[0].Op == OpSOR {
		body = body[1:]
	}

	depth := 0
	for i, ins := range body {
		switch ins.Op {
		case OpPush, OpTrue, OpFalse:
			depth++
		case OpAnd, OpOr:
			if depth < 2 {
				return decodeError(-1, "stack underflow at instruction %d (%s)", i, ins.Op)
			}
			depth--
		case OpNot:
			if depth < 1 {
				return decodeError(-1, "stack underflow at instruction %d (%s)", i, ins.Op)
			}
		case OpBefore, OpAfter, OpSOR, OpEnd:
			return decodeError(-1, "%s not allowed at instruction %d", ins.Op, i)
		}
	}
	// a bare "SOR END" schedules on request with no further condition
	if depth != 1 && !(depth == 0 && len(body) == 0) {
		return decodeError(-1, "expression leaves %d values on the stack", depth)
	}
	return nil
}

// Bytes encodes the expression.
func (e Expression) Bytes() []byte {
	var b []byte
	for _, ins := range e {
		b = append(b, byte(ins.Op))
		if ins.Op.HasOperand() {
			b = append(b, ins.GUID.Bytes()...)
		}
	}
	return b
}

func (e Expression) String() string {
	parts := make([]string, 0, len(e))
	for _, ins := range e {
		parts = append(parts, ins.String())
	}
	return strings.Join(parts, " ")
}
