package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelml/kestrel/ast"
	"github.com/kestrelml/kestrel/compiler"
	"github.com/kestrelml/kestrel/value"
)

// fakeExecutor is a minimal Executor for exercising the VM's instruction
// dispatch in isolation from the full template evaluator. EvalExpr only
// understands *ast.Var, resolved out of vars, and *ast.Const.
type fakeExecutor struct {
	vars      map[string]value.Value
	execed    []ast.Stmt
	written   []value.Value
	bound     []value.Value
	loopDepth int
	fuelCalls int
	fuelLimit int
}

func (f *fakeExecutor) ExecStmt(stmt ast.Stmt) error {
	f.execed = append(f.execed, stmt)
	return nil
}

func (f *fakeExecutor) EvalExpr(expr ast.Expr) (value.Value, error) {
	switch e := expr.(type) {
	case *ast.Var:
		if v, ok := f.vars[e.ID]; ok {
			return v, nil
		}
		return value.Undefined(), nil
	case *ast.Const:
		return value.FromAny(e.Value), nil
	default:
		return value.Undefined(), nil
	}
}

func (f *fakeExecutor) WriteValue(val value.Value) error {
	f.written = append(f.written, val)
	return nil
}

func (f *fakeExecutor) IsTrue(val value.Value) (bool, error) {
	return val.IsTrue(), nil
}

func (f *fakeExecutor) ConsumeFuel() error {
	f.fuelCalls++
	if f.fuelLimit > 0 && f.fuelCalls > f.fuelLimit {
		return errors.New("out of fuel")
	}
	return nil
}

// EvalLoopItems resolves loop.Iter through EvalExpr and reports it as a
// slice, standing in for the real evaluator's iterable materialization.
func (f *fakeExecutor) EvalLoopItems(loop *ast.ForLoop) ([]value.Value, error) {
	v, err := f.EvalExpr(loop.Iter)
	if err != nil {
		return nil, err
	}
	items, _ := v.AsSlice()
	return items, nil
}

func (f *fakeExecutor) BeginFastLoopScope() (int, error) {
	f.loopDepth++
	return f.loopDepth - 1, nil
}

func (f *fakeExecutor) EndFastLoopScope() {
	f.loopDepth--
}

func (f *fakeExecutor) BindLoopItem(loop *ast.ForLoop, item value.Value, items []value.Value, index, depth int) error {
	if v, ok := loop.Target.(*ast.Var); ok {
		if f.vars == nil {
			f.vars = map[string]value.Value{}
		}
		f.vars[v.ID] = item
	}
	f.bound = append(f.bound, item)
	return nil
}

func TestVMRunEmitsRawAndExpr(t *testing.T) {
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.EmitRaw{Raw: "Hello "},
			&ast.EmitExpr{Expr: &ast.Var{ID: "name"}},
		},
	}
	prog := compiler.New().CompileTemplate("t", tmpl)

	var out strings.Builder
	exec := &fakeExecutor{vars: map[string]value.Value{"name": value.FromString("World")}}

	err := New().Run(prog, exec, IOWriter{W: &out})
	require.NoError(t, err)
	assert.Equal(t, "Hello World", out.String())
}

func TestVMRunTakesTrueBranch(t *testing.T) {
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.IfCond{
				Expr:      &ast.Var{ID: "cond"},
				TrueBody:  []ast.Stmt{&ast.EmitRaw{Raw: "yes"}},
				FalseBody: []ast.Stmt{&ast.EmitRaw{Raw: "no"}},
			},
		},
	}
	prog := compiler.New().CompileTemplate("t", tmpl)

	var out strings.Builder
	exec := &fakeExecutor{vars: map[string]value.Value{"cond": value.FromBool(true)}}
	require.NoError(t, New().Run(prog, exec, IOWriter{W: &out}))
	assert.Equal(t, "yes", out.String())
}

func TestVMRunTakesFalseBranch(t *testing.T) {
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.IfCond{
				Expr:      &ast.Var{ID: "cond"},
				TrueBody:  []ast.Stmt{&ast.EmitRaw{Raw: "yes"}},
				FalseBody: []ast.Stmt{&ast.EmitRaw{Raw: "no"}},
			},
		},
	}
	prog := compiler.New().CompileTemplate("t", tmpl)

	var out strings.Builder
	exec := &fakeExecutor{vars: map[string]value.Value{"cond": value.FromBool(false)}}
	require.NoError(t, New().Run(prog, exec, IOWriter{W: &out}))
	assert.Equal(t, "no", out.String())
}

func TestVMRunLowersSimpleForLoopToPushIterate(t *testing.T) {
	forStmt := &ast.ForLoop{
		Target: &ast.Var{ID: "x"},
		Iter:   &ast.Var{ID: "seq"},
		Body:   []ast.Stmt{&ast.EmitExpr{Expr: &ast.Var{ID: "x"}}},
	}
	tmpl := &ast.Template{Children: []ast.Stmt{forStmt}}
	prog := compiler.New().CompileTemplate("t", tmpl)

	seq := value.FromSlice([]value.Value{value.FromInt(1), value.FromInt(2), value.FromInt(3)})
	exec := &fakeExecutor{vars: map[string]value.Value{"seq": seq}}
	require.NoError(t, New().Run(prog, exec, IOWriter{W: &strings.Builder{}}))

	assert.Empty(t, exec.execed, "a non-recursive, break/continue-free for-loop must lower to PushLoop/Iterate/PopLoop, not be handed whole to the evaluator")
	require.Len(t, exec.bound, 3)
	for i, want := range []int64{1, 2, 3} {
		got, _ := exec.bound[i].AsInt()
		assert.Equal(t, want, got)
	}
	require.Len(t, exec.written, 3)
}

func TestVMRunSkipsEmptyForLoopBodyAndRunsElse(t *testing.T) {
	forStmt := &ast.ForLoop{
		Target:   &ast.Var{ID: "x"},
		Iter:     &ast.Var{ID: "seq"},
		Body:     []ast.Stmt{&ast.EmitExpr{Expr: &ast.Var{ID: "x"}}},
		ElseBody: []ast.Stmt{&ast.EmitRaw{Raw: "empty"}},
	}
	tmpl := &ast.Template{Children: []ast.Stmt{forStmt}}
	prog := compiler.New().CompileTemplate("t", tmpl)

	exec := &fakeExecutor{vars: map[string]value.Value{"seq": value.FromSlice(nil)}}
	var out strings.Builder
	require.NoError(t, New().Run(prog, exec, IOWriter{W: &out}))

	assert.Empty(t, exec.bound)
	assert.Equal(t, "empty", out.String())
}

func TestVMRunFallsBackToOpForExecForRecursiveOrBreakingLoops(t *testing.T) {
	forStmt := &ast.ForLoop{
		Target:    &ast.Var{ID: "x"},
		Iter:      &ast.Var{ID: "seq"},
		Recursive: true,
		Body:      []ast.Stmt{&ast.EmitExpr{Expr: &ast.Var{ID: "x"}}},
	}
	tmpl := &ast.Template{Children: []ast.Stmt{forStmt}}
	prog := compiler.New().CompileTemplate("t", tmpl)

	exec := &fakeExecutor{vars: map[string]value.Value{}}
	require.NoError(t, New().Run(prog, exec, IOWriter{W: &strings.Builder{}}))
	require.Len(t, exec.execed, 1)
	assert.Same(t, forStmt, exec.execed[0], "recursive loops have no sub-program call ABI yet and must still go to the evaluator whole")

	breakingLoop := &ast.ForLoop{
		Target: &ast.Var{ID: "x"},
		Iter:   &ast.Var{ID: "seq"},
		Body:   []ast.Stmt{&ast.Break{}},
	}
	tmpl2 := &ast.Template{Children: []ast.Stmt{breakingLoop}}
	prog2 := compiler.New().CompileTemplate("t2", tmpl2)

	exec2 := &fakeExecutor{vars: map[string]value.Value{}}
	require.NoError(t, New().Run(prog2, exec2, IOWriter{W: &strings.Builder{}}))
	require.Len(t, exec2.execed, 1)
	assert.Same(t, breakingLoop, exec2.execed[0], "break/continue are sentinel-error based in the evaluator, not VM jumps, so such loops fall back whole too")
}

func TestVMRunPropagatesFuelExhaustion(t *testing.T) {
	tmpl := &ast.Template{
		Children: []ast.Stmt{
			&ast.EmitRaw{Raw: "a"},
			&ast.EmitRaw{Raw: "b"},
			&ast.EmitRaw{Raw: "c"},
		},
	}
	prog := compiler.New().CompileTemplate("t", tmpl)

	exec := &fakeExecutor{fuelLimit: 1}
	err := New().Run(prog, exec, IOWriter{W: &strings.Builder{}})
	require.Error(t, err)
}

func TestIOWriterAdaptsIOWriter(t *testing.T) {
	var sb strings.Builder
	w := IOWriter{W: &sb}
	n, err := w.WriteString("abc")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", sb.String())
}
