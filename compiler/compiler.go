// Package compiler lowers a parsed template into a flat instruction
// stream plus the constant pool and block/macro tables the vm package and
// the evaluator consume.
package compiler

import (
	"github.com/juju/loggo"

	"github.com/kestrelml/kestrel/ast"
	"github.com/kestrelml/kestrel/value"
)

var compLog = loggo.GetLogger("kestrel.compiler")

// Opcode identifies what an Instruction does when the VM executes it.
type Opcode int

const (
	// OpEmitRaw writes a pooled constant string directly to the output.
	OpEmitRaw Opcode = iota

	// OpEmitExpr evaluates Expr and writes its display form (through the
	// current auto-escape policy) to the output.
	OpEmitExpr

	// OpJump unconditionally sets the instruction pointer to Target.
	OpJump

	// OpJumpIfFalse evaluates Expr; if it is falsy, sets the instruction
	// pointer to Target, otherwise falls through to the next instruction.
	OpJumpIfFalse

	// OpPushLoop evaluates ForLoop's iterable (applying its filter
	// expression, if any) and materializes it. An empty result jumps
	// straight to Target (the start of the else body, or the loop's end
	// when there is none) without entering the
	// evaluator's loop scope at all, matching the tree-walking
	// evalForLoopItems's "else body only runs for zero iterations"
	// semantics exactly. A non-empty result pushes the evaluator's loop
	// scope and falls through into the following OpIterate.
	//
	// Only for-loops the compiler proves have no recursive clause and no
	// break/continue in their immediate body compile this way; anything
	// else compiles to OpForExec instead (see emitFor).
	OpPushLoop

	// OpIterate advances ForLoop's materialized items by one. Once
	// exhausted it pops the evaluator's loop scope and jumps to Target
	// (the loop's OpPopLoop); otherwise it binds the
	// next item to the loop target, installs the `loop` context object,
	// and falls through into the loop body.
	OpIterate

	// OpPopLoop marks the loop's exit on the non-empty path and is reached
	// only via OpIterate's exhaustion jump, after OpIterate has already
	// popped the loop scope. The VM just advances past it, into the jump
	// that skips any else body (which only runs via OpPushLoop's
	// empty-iterable jump).
	OpPopLoop

	// OpForExec hands a for-loop to the evaluator unchanged: recursive
	// loops need a callable sub-program the VM has no ABI for yet, and
	// break/continue are sentinel-error-based inside the evaluator's
	// tree-walk, not VM-level jumps, so any loop using either stays on
	// that path instead of the fast PushLoop/Iterate/PopLoop one above.
	OpForExec

	// OpCallBlock pushes Block's name onto the VM's BlockStack, hands
	// Stmt (the *ast.Block) to the evaluator, and pops the stack once it
	// returns. The evaluator still owns block-override resolution and
	// `super()` lookup (blockStack in state.go, a different, per-name
	// inheritance-layer stack); the VM's BlockStack exists to attach
	// block context to an error that escapes the body.
	OpCallBlock

	// OpMacroDef, OpExtends, OpInclude, OpImport, OpSet, OpWith,
	// OpCallBlockStmt, OpFilterBlock, OpAutoEscape, and OpDo each wrap
	// exactly one ast statement kind and hand it to the evaluator via
	// ExecStmt, the same as the old single OpExec did. They exist as
	// distinct opcodes (rather than one catch-all) so the instruction
	// stream carries a real identity per spec's named statement classes;
	// each one's semantics are still inseparable from the scope chain,
	// closures, or inheritance state the evaluator owns, so none are
	// further lowered to flat stack/jump bytecode.
	OpMacroDef
	OpExtends
	OpInclude
	OpImport
	OpSet
	OpWith
	OpCallBlockStmt
	OpFilterBlock
	OpAutoEscape
	OpDo

	// OpExec is the remaining fallback for any statement kind with no
	// dedicated opcode above (e.g. Continue/Break, reached only when a
	// for-loop didn't qualify for the fast path and fell back to
	// OpForExec).
	OpExec
)

// Instruction is one step of a compiled template's instruction stream.
type Instruction struct {
	Op Opcode

	// Const indexes into the owning Program's Constants when Op is
	// OpEmitRaw.
	Const int

	// Expr is the condition (OpJumpIfFalse) or emitted expression
	// (OpEmitExpr) this instruction evaluates.
	Expr ast.Expr

	// Target is the absolute instruction index OpJump, OpJumpIfFalse,
	// OpPushLoop, and OpIterate transfer control to.
	Target int

	// Stmt is the original statement to execute when Op is OpExec or one
	// of the single-statement opcodes (OpExtends, OpInclude, ...).
	Stmt ast.Stmt

	// ForLoop is the loop OpPushLoop/OpIterate/OpForExec act on.
	ForLoop *ast.ForLoop

	// Block is the block OpCallBlock acts on.
	Block *ast.Block
}

// Constants is the deduplicated pool of raw-text string constants a
// template's instruction stream references.
type Constants struct {
	strings []string
	index   map[string]int
}

func newConstants() *Constants {
	return &Constants{index: make(map[string]int)}
}

// Intern returns the pool index for s, adding it if not already present.
func (c *Constants) Intern(s string) int {
	if idx, ok := c.index[s]; ok {
		return idx
	}
	idx := len(c.strings)
	c.strings = append(c.strings, s)
	c.index[s] = idx
	return idx
}

// String returns the constant at idx.
func (c *Constants) String(idx int) string {
	return c.strings[idx]
}

// Len reports how many constants are pooled.
func (c *Constants) Len() int {
	return len(c.strings)
}

// Program is a template (or template fragment) lowered to a flat
// instruction stream.
type Program struct {
	// Name is the template name this program was compiled from.
	Name string

	Instructions []Instruction
	Constants    *Constants

	// Blocks indexes every block defined directly in this template's
	// body (not merged across an extends chain; that merge is runtime
	// state owned by the evaluator).
	Blocks map[string]*ast.Block

	// Macros indexes every macro defined directly in this template's
	// body.
	Macros map[string]*ast.Macro
}

// Compiler lowers parsed templates into Programs.
type Compiler struct{}

// New creates a Compiler.
func New() *Compiler {
	return &Compiler{}
}

// CompileTemplate lowers tmpl into a Program.
//
// Top-level statements are linearized into the instruction stream. `if`
// statements (at any nesting depth the compiler descends into) are
// lowered to real jump/jump-if-false instructions per spec: the true
// branch falls straight through, a jump at its end skips the else
// branch, exactly mirroring how a hand-written interpreter's "if/else/
// jump past else" would be laid out. `for` loops that don't need a
// recursive call or break/continue lower the same way, to a real
// PushLoop/Iterate/PopLoop sequence (see emitFor); anything that does
// falls back to a single OpForExec. Every other statement kind gets its
// own named opcode (OpExtends, OpInclude, OpSet, OpCallBlock, ...) rather
// than one catch-all, but each still hands its statement whole to the
// evaluator: their semantics are inseparable from the scope chain,
// macro closures, or inheritance state the evaluator owns (see each
// opcode's doc comment above). Literal arithmetic and string
// concatenation are constant-folded via foldConst before being emitted.
// Block and macro declarations are indexed at the top level and nested
// inside {% if %} branches (e.g. an if guarding a block override) and
// for-loop bodies and else bodies, which the evaluator's own inheritance
// handling also accounts for; declarations nested inside any other
// statement kind are not indexed.
func (c *Compiler) CompileTemplate(name string, tmpl *ast.Template) *Program {
	prog := &Program{
		Name:      name,
		Constants: newConstants(),
		Blocks:    make(map[string]*ast.Block),
		Macros:    make(map[string]*ast.Macro),
	}

	for _, stmt := range tmpl.Children {
		c.emit(prog, stmt)
		collectDeclarations(prog, stmt)
	}

	compLog.Debugf("compiled %q: %d instructions, %d constants, %d blocks, %d macros",
		name, len(prog.Instructions), prog.Constants.Len(), len(prog.Blocks), len(prog.Macros))

	return prog
}

// emit appends the instructions for stmt to prog.Instructions.
func (c *Compiler) emit(prog *Program, stmt ast.Stmt) {
	switch st := stmt.(type) {
	case *ast.EmitRaw:
		prog.Instructions = append(prog.Instructions, Instruction{
			Op:    OpEmitRaw,
			Const: prog.Constants.Intern(st.Raw),
		})
	case *ast.EmitExpr:
		prog.Instructions = append(prog.Instructions, Instruction{
			Op:   OpEmitExpr,
			Expr: foldConst(st.Expr),
		})
	case *ast.IfCond:
		c.emitIf(prog, st)
	case *ast.ForLoop:
		c.emitFor(prog, st)
	case *ast.Block:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpCallBlock, Stmt: st, Block: st})
	case *ast.Macro:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpMacroDef, Stmt: st})
	case *ast.Extends:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpExtends, Stmt: st})
	case *ast.Include:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpInclude, Stmt: st})
	case *ast.Import, *ast.FromImport:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpImport, Stmt: st})
	case *ast.Set:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpSet, Stmt: st})
	case *ast.SetBlock:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpSet, Stmt: st})
	case *ast.WithBlock:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpWith, Stmt: st})
	case *ast.CallBlock:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpCallBlockStmt, Stmt: st})
	case *ast.FilterBlock:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpFilterBlock, Stmt: st})
	case *ast.AutoEscape:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpAutoEscape, Stmt: st})
	case *ast.Do:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpDo, Stmt: st})
	default:
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpExec, Stmt: stmt})
	}
}

// emitIf lowers an if/elif/else chain (elif is pre-parsed into a nested
// IfCond in FalseBody) to a jump-if-false over the true branch and, when
// an else/elif branch is present, an unconditional jump past it at the
// end of the true branch.
func (c *Compiler) emitIf(prog *Program, st *ast.IfCond) {
	jifIdx := len(prog.Instructions)
	prog.Instructions = append(prog.Instructions, Instruction{Op: OpJumpIfFalse, Expr: foldConst(st.Expr)})

	for _, s := range st.TrueBody {
		c.emit(prog, s)
	}

	if len(st.FalseBody) == 0 {
		prog.Instructions[jifIdx].Target = len(prog.Instructions)
		return
	}

	jmpIdx := len(prog.Instructions)
	prog.Instructions = append(prog.Instructions, Instruction{Op: OpJump})
	prog.Instructions[jifIdx].Target = len(prog.Instructions)

	for _, s := range st.FalseBody {
		c.emit(prog, s)
	}
	prog.Instructions[jmpIdx].Target = len(prog.Instructions)
}

// emitFor lowers a for-loop to the real PushLoop/Iterate/PopLoop
// instruction sequence spec.md §4.D describes, when the loop's body
// contains no recursive clause and no break/continue: that's the subset
// whose items can be fully materialized up front and walked with plain
// position bookkeeping, matching evalForLoopItems's own eager-iteration
// behavior (see EvalLoopItems's doc comment in state.go). A loop that
// doesn't qualify compiles to a single OpForExec and is handed to the
// evaluator whole, the same way the old catch-all OpExec did.
//
// Layout (items materialized as non-empty):
//
//	pushIdx:  OpPushLoop{Target: elseIdx}   jumps straight to elseIdx if empty
//	iterIdx:  OpIterate{Target: popIdx}     jumps to popIdx once exhausted
//	          ...body...
//	          OpJump{Target: iterIdx}
//	popIdx:   OpPopLoop                     reached after OpIterate popped the scope
//	          OpJump{Target: endIdx}        skip the else body after a real run
//	elseIdx:  ...else body...               reached only when items was empty
//	endIdx:
func (c *Compiler) emitFor(prog *Program, loop *ast.ForLoop) {
	if loop.Recursive || containsLoopControl(loop.Body) {
		prog.Instructions = append(prog.Instructions, Instruction{Op: OpForExec, Stmt: loop, ForLoop: loop})
		return
	}

	pushIdx := len(prog.Instructions)
	prog.Instructions = append(prog.Instructions, Instruction{Op: OpPushLoop, ForLoop: loop})

	iterIdx := len(prog.Instructions)
	prog.Instructions = append(prog.Instructions, Instruction{Op: OpIterate, ForLoop: loop})

	for _, s := range loop.Body {
		c.emit(prog, s)
		collectDeclarations(prog, s)
	}
	prog.Instructions = append(prog.Instructions, Instruction{Op: OpJump, Target: iterIdx})

	popIdx := len(prog.Instructions)
	prog.Instructions = append(prog.Instructions, Instruction{Op: OpPopLoop})
	prog.Instructions[iterIdx].Target = popIdx

	skipElseIdx := len(prog.Instructions)
	prog.Instructions = append(prog.Instructions, Instruction{Op: OpJump})

	elseIdx := len(prog.Instructions)
	prog.Instructions[pushIdx].Target = elseIdx
	for _, s := range loop.ElseBody {
		c.emit(prog, s)
		collectDeclarations(prog, s)
	}

	prog.Instructions[skipElseIdx].Target = len(prog.Instructions)
}

// containsLoopControl reports whether stmts directly contain a break or
// continue that would apply to the enclosing for-loop. It descends into
// constructs that don't introduce their own loop scope (if, with,
// filter-block, autoescape) but not into a nested for-loop's own body,
// whose break/continue targets that inner loop instead, nor into a
// call-block's body, which belongs to the macro it declares.
func containsLoopControl(stmts []ast.Stmt) bool {
	for _, stmt := range stmts {
		switch st := stmt.(type) {
		case *ast.Break, *ast.Continue:
			return true
		case *ast.IfCond:
			if containsLoopControl(st.TrueBody) || containsLoopControl(st.FalseBody) {
				return true
			}
		case *ast.WithBlock:
			if containsLoopControl(st.Body) {
				return true
			}
		case *ast.FilterBlock:
			if containsLoopControl(st.Body) {
				return true
			}
		case *ast.AutoEscape:
			if containsLoopControl(st.Body) {
				return true
			}
		case *ast.CallBlock:
			// CallBlock's body belongs to the macro it declares, not to
			// this loop.
		}
	}
	return false
}

// foldConst recursively folds literal arithmetic and string-concatenation
// subexpressions (spec.md §4.D) into a single *ast.Const using the same
// arithmetic value/ops.go already implements for runtime evaluation, so a
// folded constant behaves identically to the expression it replaces.
// Short-circuiting (and/or), comparisons, and membership tests are left
// alone, as is any fold the underlying operator itself rejects (e.g.
// string + int): those still take the exact error path they did before,
// at render time instead of compile time.
func foldConst(expr ast.Expr) ast.Expr {
	switch e := expr.(type) {
	case *ast.UnaryOp:
		inner := foldConst(e.Expr)
		c, ok := inner.(*ast.Const)
		if !ok || e.Op != ast.UnaryNeg {
			return rebuildUnary(e, inner)
		}
		folded, ok := constFromValue(value.FromAny(c.Value), func(v value.Value) (value.Value, error) { return v.Neg() })
		if !ok {
			return rebuildUnary(e, inner)
		}
		return &ast.Const{Value: folded, SpanVal: e.SpanVal}

	case *ast.BinOp:
		left := foldConst(e.Left)
		right := foldConst(e.Right)
		lc, lok := left.(*ast.Const)
		rc, rok := right.(*ast.Const)
		if !lok || !rok {
			return rebuildBinOp(e, left, right)
		}

		lv, rv := value.FromAny(lc.Value), value.FromAny(rc.Value)
		var apply func(value.Value) (value.Value, error)
		switch e.Op {
		case ast.BinOpAdd:
			apply = lv.Add
		case ast.BinOpSub:
			apply = lv.Sub
		case ast.BinOpMul:
			apply = lv.Mul
		case ast.BinOpDiv:
			apply = lv.Div
		case ast.BinOpFloorDiv:
			apply = lv.FloorDiv
		case ast.BinOpRem:
			apply = lv.Rem
		case ast.BinOpPow:
			apply = lv.Pow
		case ast.BinOpConcat:
			apply = func(other value.Value) (value.Value, error) { return lv.Concat(other), nil }
		default:
			return rebuildBinOp(e, left, right)
		}

		folded, ok := constFromValue(rv, apply)
		if !ok {
			return rebuildBinOp(e, left, right)
		}
		return &ast.Const{Value: folded, SpanVal: e.SpanVal}

	default:
		return expr
	}
}

func rebuildUnary(e *ast.UnaryOp, inner ast.Expr) ast.Expr {
	if inner == e.Expr {
		return e
	}
	return &ast.UnaryOp{Op: e.Op, Expr: inner, SpanVal: e.SpanVal}
}

func rebuildBinOp(e *ast.BinOp, left, right ast.Expr) ast.Expr {
	if left == e.Left && right == e.Right {
		return e
	}
	return &ast.BinOp{Op: e.Op, Left: left, Right: right, SpanVal: e.SpanVal}
}

// constFromValue runs apply and, on success, extracts the Go value an
// *ast.Const can hold (string, int64, float64, bool, or nil) back out of
// the result. It reports false for an apply error or for a result kind
// Const can't represent (sequences, maps, objects, undefined), in which
// case the caller keeps the original, unfolded expression.
func constFromValue(arg value.Value, apply func(value.Value) (value.Value, error)) (interface{}, bool) {
	result, err := apply(arg)
	if err != nil {
		return nil, false
	}
	switch result.Kind() {
	case value.KindNone:
		return nil, true
	case value.KindBool:
		b, _ := result.AsBool()
		return b, true
	case value.KindNumber:
		if i, ok := result.AsInt(); ok {
			return i, true
		}
		f, ok := result.AsFloat()
		return f, ok
	case value.KindString:
		s, _ := result.AsString()
		return s, true
	default:
		return nil, false
	}
}

// collectDeclarations indexes block and macro statements so Program.Blocks
// and Program.Macros are available without a render pass.
func collectDeclarations(prog *Program, stmt ast.Stmt) {
	switch st := stmt.(type) {
	case *ast.Block:
		prog.Blocks[st.Name] = st
	case *ast.Macro:
		prog.Macros[st.Name] = st
	case *ast.IfCond:
		for _, s := range st.TrueBody {
			collectDeclarations(prog, s)
		}
		for _, s := range st.FalseBody {
			collectDeclarations(prog, s)
		}
	case *ast.ForLoop:
		for _, s := range st.Body {
			collectDeclarations(prog, s)
		}
		for _, s := range st.ElseBody {
			collectDeclarations(prog, s)
		}
	}
}
