package vm

import (
	"github.com/kestrelml/kestrel/compiler"
	"github.com/kestrelml/kestrel/value"
)

// Frame is the VM's view of one running program: the instruction stream
// it's stepping through, its instruction pointer, and the Output it
// writes to. Run owns a single Frame for the lifetime of a template
// render; there is no call stack of Frames because OpExec-delegated
// statements (include, import, macro calls, ...) re-enter the evaluator
// rather than pushing a nested Frame.
type Frame struct {
	Program *compiler.Program
	IP      int
	Out     Output
}

// LoopState is the VM-side bookkeeping for one active fast-path for-loop
// (compiler.emitFor's OpPushLoop/OpIterate/OpPopLoop lowering). It tracks
// position over the materialized item slice; Executor.BindLoopItem
// receives the item, the whole items slice, the index and the depth to
// build the template-visible `loop` object.
type LoopState struct {
	items []value.Value
	index int
	depth int
}

// BlockStack is the VM's record of which named {% block %} is currently
// being executed, innermost last. OpCallBlock pushes/pops it around
// delegating to the Executor, and Run uses the top entry to attach block
// context to an error that escapes the block body.
type BlockStack []string

func (b *BlockStack) push(name string) {
	*b = append(*b, name)
}

func (b *BlockStack) pop() {
	if n := len(*b); n > 0 {
		*b = (*b)[:n-1]
	}
}

// Top returns the innermost block name, or "" if no block is active.
func (b BlockStack) Top() string {
	if len(b) == 0 {
		return ""
	}
	return b[len(b)-1]
}
