package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelml/kestrel/ast"
)

func TestConstantsIntern(t *testing.T) {
	c := newConstants()

	a := c.Intern("hello")
	b := c.Intern("world")
	again := c.Intern("hello")

	assert.Equal(t, a, again, "interning the same string twice must return the same slot")
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "hello", c.String(a))
	assert.Equal(t, "world", c.String(b))
}

func TestCompileTemplateLinearizesEmission(t *testing.T) {
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.EmitRaw{Raw: "Hello "},
			&ast.EmitExpr{Expr: &ast.Var{ID: "name"}},
			&ast.EmitRaw{Raw: "!"},
		},
	}

	prog := New().CompileTemplate("greet.txt", tmpl)

	require.Len(t, prog.Instructions, 3)
	assert.Equal(t, OpEmitRaw, prog.Instructions[0].Op)
	assert.Equal(t, "Hello ", prog.Constants.String(prog.Instructions[0].Const))
	assert.Equal(t, OpEmitExpr, prog.Instructions[1].Op)
	assert.Equal(t, OpEmitRaw, prog.Instructions[2].Op)
	assert.Equal(t, "!", prog.Constants.String(prog.Instructions[2].Const))
}

func TestCompileIfElseJumpTargets(t *testing.T) {
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.IfCond{
				Expr:      &ast.Var{ID: "cond"},
				TrueBody:  []ast.Stmt{&ast.EmitRaw{Raw: "yes"}},
				FalseBody: []ast.Stmt{&ast.EmitRaw{Raw: "no"}},
			},
		},
	}

	prog := New().CompileTemplate("cond.txt", tmpl)

	// OpJumpIfFalse, OpEmitRaw(yes), OpJump, OpEmitRaw(no)
	require.Len(t, prog.Instructions, 4)
	assert.Equal(t, OpJumpIfFalse, prog.Instructions[0].Op)
	assert.Equal(t, 3, prog.Instructions[0].Target, "jump-if-false must skip straight to the else branch")
	assert.Equal(t, OpJump, prog.Instructions[2].Op)
	assert.Equal(t, 4, prog.Instructions[2].Target, "unconditional jump must land past the else branch")
}

func TestCompileIfWithoutElseTargetsEnd(t *testing.T) {
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.IfCond{
				Expr:     &ast.Var{ID: "cond"},
				TrueBody: []ast.Stmt{&ast.EmitRaw{Raw: "yes"}},
			},
		},
	}

	prog := New().CompileTemplate("cond.txt", tmpl)

	require.Len(t, prog.Instructions, 2)
	assert.Equal(t, OpJumpIfFalse, prog.Instructions[0].Op)
	assert.Equal(t, 2, prog.Instructions[0].Target)
}

func TestCompileTemplateIndexesBlocksAndMacros(t *testing.T) {
	block := &ast.Block{Name: "content"}
	macro := &ast.Macro{Name: "greet"}
	tmpl := &ast.Template{
		Children: []ast.Stmt{block, macro},
	}

	prog := New().CompileTemplate("layout.html", tmpl)

	require.Contains(t, prog.Blocks, "content")
	assert.Same(t, block, prog.Blocks["content"])
	require.Contains(t, prog.Macros, "greet")
	assert.Same(t, macro, prog.Macros["greet"])
}

func TestCompileTemplateIndexesBlocksNestedInsideIf(t *testing.T) {
	block := &ast.Block{Name: "sidebar"}
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.IfCond{
				Expr:     &ast.Var{ID: "showSidebar"},
				TrueBody: []ast.Stmt{block},
			},
		},
	}

	prog := New().CompileTemplate("page.html", tmpl)

	require.Contains(t, prog.Blocks, "sidebar", "a block guarded by an if must still be indexed for override resolution")
}

func TestCompileTemplateIndexesBlocksNestedInsideForLoop(t *testing.T) {
	block := &ast.Block{Name: "row"}
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.ForLoop{
				Target: &ast.Var{ID: "x"},
				Iter:   &ast.Var{ID: "items"},
				Body:   []ast.Stmt{block},
			},
		},
	}

	prog := New().CompileTemplate("rows.html", tmpl)

	require.Contains(t, prog.Blocks, "row")
}

func TestCompileForLoopLowersToPushIterate(t *testing.T) {
	loop := &ast.ForLoop{
		Target: &ast.Var{ID: "x"},
		Iter:   &ast.Var{ID: "items"},
		Body:   []ast.Stmt{&ast.EmitExpr{Expr: &ast.Var{ID: "x"}}},
	}
	tmpl := &ast.Template{Children: []ast.Stmt{loop}}

	prog := New().CompileTemplate("loop.txt", tmpl)

	// OpPushLoop, OpIterate, OpEmitExpr, OpJump(iterate), OpPopLoop, OpJump(end)
	require.Len(t, prog.Instructions, 6)
	assert.Equal(t, OpPushLoop, prog.Instructions[0].Op)
	assert.Equal(t, OpIterate, prog.Instructions[1].Op)
	assert.Equal(t, OpEmitExpr, prog.Instructions[2].Op)
	assert.Equal(t, OpJump, prog.Instructions[3].Op)
	assert.Equal(t, 1, prog.Instructions[3].Target, "body must jump back to OpIterate")
	assert.Equal(t, OpPopLoop, prog.Instructions[4].Op)
	assert.Equal(t, 4, prog.Instructions[1].Target, "OpIterate must jump to OpPopLoop once exhausted")
	assert.Equal(t, OpJump, prog.Instructions[5].Op)
	assert.Equal(t, 6, prog.Instructions[5].Target, "the jump past the (absent) else body must land at the very end")
	assert.Equal(t, 6, prog.Instructions[0].Target, "an empty iterable has nowhere else to land but the end, since there is no else body")
}

func TestCompileForLoopWithElseSkipsElseOnNormalCompletion(t *testing.T) {
	loop := &ast.ForLoop{
		Target:   &ast.Var{ID: "x"},
		Iter:     &ast.Var{ID: "items"},
		Body:     []ast.Stmt{&ast.EmitRaw{Raw: "x"}},
		ElseBody: []ast.Stmt{&ast.EmitRaw{Raw: "empty"}},
	}
	tmpl := &ast.Template{Children: []ast.Stmt{loop}}

	prog := New().CompileTemplate("loop.txt", tmpl)

	// pushLoop, iterate, emitRaw(x), jump(iterate), popLoop, jump(end), emitRaw(empty)
	require.Len(t, prog.Instructions, 7)
	assert.Equal(t, 6, prog.Instructions[0].Target, "an empty iterable must land on the else body")
	assert.Equal(t, 7, prog.Instructions[5].Target, "completing the loop normally must skip past the else body")
	assert.Equal(t, "empty", prog.Constants.String(prog.Instructions[6].Const))
}

func TestCompileForLoopFallsBackToOpForExecWhenRecursive(t *testing.T) {
	loop := &ast.ForLoop{Target: &ast.Var{ID: "x"}, Iter: &ast.Var{ID: "items"}, Recursive: true}
	tmpl := &ast.Template{Children: []ast.Stmt{loop}}

	prog := New().CompileTemplate("loop.txt", tmpl)

	require.Len(t, prog.Instructions, 1)
	assert.Equal(t, OpForExec, prog.Instructions[0].Op)
	assert.Same(t, loop, prog.Instructions[0].Stmt)
}

func TestCompileForLoopFallsBackToOpForExecWhenBodyBreaks(t *testing.T) {
	loop := &ast.ForLoop{
		Target: &ast.Var{ID: "x"},
		Iter:   &ast.Var{ID: "items"},
		Body: []ast.Stmt{
			&ast.IfCond{
				Expr:     &ast.Var{ID: "done"},
				TrueBody: []ast.Stmt{&ast.Break{}},
			},
		},
	}
	tmpl := &ast.Template{Children: []ast.Stmt{loop}}

	prog := New().CompileTemplate("loop.txt", tmpl)

	require.Len(t, prog.Instructions, 1)
	assert.Equal(t, OpForExec, prog.Instructions[0].Op, "a break nested inside an if still targets this loop and must force the fallback path")
}

func TestCompileTemplateAssignsDistinctOpcodesPerStatementKind(t *testing.T) {
	extends := &ast.Extends{Name: &ast.Const{Value: "base.html"}}
	set := &ast.Set{Target: &ast.Var{ID: "x"}, Expr: &ast.Const{Value: int64(1)}}
	with := &ast.WithBlock{Body: []ast.Stmt{}}
	macro := &ast.Macro{Name: "m"}
	block := &ast.Block{Name: "b"}

	tmpl := &ast.Template{Children: []ast.Stmt{extends, set, with, macro, block}}
	prog := New().CompileTemplate("t", tmpl)

	require.Len(t, prog.Instructions, 5)
	assert.Equal(t, OpExtends, prog.Instructions[0].Op)
	assert.Equal(t, OpSet, prog.Instructions[1].Op)
	assert.Equal(t, OpWith, prog.Instructions[2].Op)
	assert.Equal(t, OpMacroDef, prog.Instructions[3].Op)
	assert.Equal(t, OpCallBlock, prog.Instructions[4].Op)
	assert.Same(t, block, prog.Instructions[4].Block)
}

func TestFoldConstFoldsLiteralArithmeticAndConcat(t *testing.T) {
	add := &ast.BinOp{Op: ast.BinOpAdd, Left: &ast.Const{Value: int64(2)}, Right: &ast.Const{Value: int64(3)}}
	folded := foldConst(add)
	c, ok := folded.(*ast.Const)
	require.True(t, ok, "2 + 3 must fold to a constant")
	assert.Equal(t, int64(5), c.Value)

	concat := &ast.BinOp{Op: ast.BinOpConcat, Left: &ast.Const{Value: "a"}, Right: &ast.Const{Value: "b"}}
	folded = foldConst(concat)
	c, ok = folded.(*ast.Const)
	require.True(t, ok, "'a' ~ 'b' must fold to a constant")
	assert.Equal(t, "ab", c.Value)

	neg := &ast.UnaryOp{Op: ast.UnaryNeg, Expr: &ast.Const{Value: int64(4)}}
	folded = foldConst(neg)
	c, ok = folded.(*ast.Const)
	require.True(t, ok, "-4 must fold to a constant")
	assert.Equal(t, int64(-4), c.Value)
}

func TestFoldConstLeavesNonLiteralAndInvalidFoldsAlone(t *testing.T) {
	withVar := &ast.BinOp{Op: ast.BinOpAdd, Left: &ast.Var{ID: "x"}, Right: &ast.Const{Value: int64(1)}}
	folded := foldConst(withVar)
	_, ok := folded.(*ast.BinOp)
	assert.True(t, ok, "an expression referencing a variable can never be folded at compile time")

	mismatched := &ast.BinOp{Op: ast.BinOpAdd, Left: &ast.Const{Value: "x"}, Right: &ast.Const{Value: int64(1)}}
	folded = foldConst(mismatched)
	_, ok = folded.(*ast.BinOp)
	assert.True(t, ok, "a fold the underlying operator rejects must be left for the evaluator's own error path")

	shortCircuit := &ast.BinOp{Op: ast.BinOpScAnd, Left: &ast.Const{Value: true}, Right: &ast.Const{Value: false}}
	folded = foldConst(shortCircuit)
	_, ok = folded.(*ast.BinOp)
	assert.True(t, ok, "short-circuit operators are intentionally not folded")
}
