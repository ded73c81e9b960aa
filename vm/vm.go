// Package vm executes a compiled template program.
//
// The VM owns the instruction pointer and the jumps the compiler emits
// for control flow (`if`/`elif`/`else`, and the common case of `for`) and
// drives those directly, using a single Frame for the program's
// instruction stream and output. The statement kinds whose semantics are
// inseparable from the scope chain, block-inheritance resolution, macro
// closures, or the filters/tests/functions registry are handed to an
// Executor instead, which is the template evaluator: that state lives
// there, and the VM does not duplicate it.
package vm

import (
	"fmt"

	"github.com/juju/loggo"

	"github.com/kestrelml/kestrel/ast"
	"github.com/kestrelml/kestrel/compiler"
	"github.com/kestrelml/kestrel/value"
)

var vmLog = loggo.GetLogger("kestrel.vm")

// Executor runs the individual statements and expressions a Program's
// instructions wrap. *kestrel.State implements this interface.
type Executor interface {
	// ExecStmt runs a statement one of the single-statement opcodes
	// (OpExec, OpForExec, OpCallBlock, OpMacroDef, OpExtends, OpInclude,
	// OpImport, OpSet, OpWith, OpCallBlockStmt, OpFilterBlock,
	// OpAutoEscape, OpDo) wraps.
	ExecStmt(stmt ast.Stmt) error

	// EvalExpr evaluates an expression to a Value.
	EvalExpr(expr ast.Expr) (value.Value, error)

	// WriteValue coerces val to its display string, applies the current
	// auto-escape policy, and writes it to the active output.
	WriteValue(val value.Value) error

	// IsTrue reports whether val is truthy per spec.md §3.
	IsTrue(val value.Value) (bool, error)

	// ConsumeFuel charges one unit of the render's instruction budget,
	// if fuel tracking is enabled, returning ErrOutOfFuel once exhausted.
	ConsumeFuel() error

	// EvalLoopItems evaluates loop's iterable and filter expression (if
	// any) and returns the materialized items, for OpPushLoop's fast
	// for-loop path. It does not touch scope.
	EvalLoopItems(loop *ast.ForLoop) ([]value.Value, error)

	// BeginFastLoopScope pushes the evaluator's loop scope and enforces
	// the recursion limit, for OpPushLoop's non-empty path. It returns
	// the depth to report through the loop's `loop.depth`/`loop.depth0`.
	BeginFastLoopScope() (int, error)

	// BindLoopItem binds one iteration's item to loop's target pattern
	// and installs the `loop` context object for the given position.
	// items is the loop's full materialized slice, for loop.previtem/
	// loop.nextitem.
	BindLoopItem(loop *ast.ForLoop, item value.Value, items []value.Value, index, depth int) error

	// EndFastLoopScope pops the scope BeginFastLoopScope pushed.
	EndFastLoopScope()
}

// VM runs a compiled Program against an Executor and Output.
type VM struct{}

// New creates a VM.
func New() *VM {
	return &VM{}
}

// Run executes program's instructions against exec and out in order,
// following jumps as OpJump/OpJumpIfFalse/OpPushLoop/OpIterate direct.
func (m *VM) Run(program *compiler.Program, exec Executor, out Output) error {
	frame := &Frame{Program: program, Out: out}
	var loops []*LoopState
	var blocks BlockStack

	instrs := frame.Program.Instructions
	for frame.IP < len(instrs) {
		if err := exec.ConsumeFuel(); err != nil {
			vmLog.Warningf("aborting %q at ip=%d: %v", program.Name, frame.IP, err)
			return err
		}
		instr := instrs[frame.IP]
		switch instr.Op {
		case compiler.OpEmitRaw:
			if _, err := frame.Out.WriteString(program.Constants.String(instr.Const)); err != nil {
				return err
			}
			frame.IP++

		case compiler.OpEmitExpr:
			val, err := exec.EvalExpr(instr.Expr)
			if err != nil {
				return err
			}
			if err := exec.WriteValue(val); err != nil {
				return err
			}
			frame.IP++

		case compiler.OpJump:
			frame.IP = instr.Target

		case compiler.OpJumpIfFalse:
			val, err := exec.EvalExpr(instr.Expr)
			if err != nil {
				return err
			}
			truthy, err := exec.IsTrue(val)
			if err != nil {
				return err
			}
			if truthy {
				frame.IP++
			} else {
				frame.IP = instr.Target
			}

		case compiler.OpPushLoop:
			items, err := exec.EvalLoopItems(instr.ForLoop)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				frame.IP = instr.Target
				break
			}
			depth, err := exec.BeginFastLoopScope()
			if err != nil {
				return err
			}
			loops = append(loops, &LoopState{items: items, depth: depth})
			frame.IP++

		case compiler.OpIterate:
			top := loops[len(loops)-1]
			if top.index >= len(top.items) {
				exec.EndFastLoopScope()
				loops = loops[:len(loops)-1]
				frame.IP = instr.Target
				break
			}
			item := top.items[top.index]
			if err := exec.BindLoopItem(instr.ForLoop, item, top.items, top.index, top.depth); err != nil {
				return err
			}
			top.index++
			frame.IP++

		case compiler.OpPopLoop:
			frame.IP++

		case compiler.OpCallBlock:
			blocks.push(instr.Block.Name)
			err := exec.ExecStmt(instr.Stmt)
			name := blocks.Top()
			blocks.pop()
			if err != nil {
				return fmt.Errorf("in block %q: %w", name, err)
			}
			frame.IP++

		case compiler.OpForExec, compiler.OpMacroDef, compiler.OpExtends,
			compiler.OpInclude, compiler.OpImport, compiler.OpSet, compiler.OpWith,
			compiler.OpCallBlockStmt, compiler.OpFilterBlock, compiler.OpAutoEscape,
			compiler.OpDo, compiler.OpExec:
			if err := exec.ExecStmt(instr.Stmt); err != nil {
				return err
			}
			frame.IP++

		default:
			return fmt.Errorf("vm: unknown opcode %d", instr.Op)
		}
	}
	return nil
}
