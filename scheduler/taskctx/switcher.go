// Package taskctx implements C2: the context switcher. spec §4.2 describes
// make/resume as raw machine-register swaps between a worker's OS-thread
// context and a task's stack-resident context. A goroutine already *is* a
// stackful, growable continuation managed by the Go runtime scheduler, so
// the idiomatic Go realization of "swap machine state onto a fixed stack"
// is a pair of unbuffered channels handing control and a payload back and
// forth between the worker goroutine and the task goroutine — the same
// generator/coroutine idiom used throughout the Go ecosystem in place of
// hand-written assembly context switches. New takes no stack: the
// *stack.Stack a Task (C3) holds is not used as backing memory for the
// goroutine (the Go runtime owns that); it remains the unit the stack pool
// tracks for loan accounting (spec I4), owned by the Task for its lifetime.
package taskctx

import (
	"fmt"
)

// Yielder is handed to a task's entry function; Suspend is the only way a
// running task body hands control back to its worker (spec §4.5
// "send-request primitive").
type Yielder struct {
	ctx *Context
}

// Suspend blocks the calling (task) goroutine, delivering req to whichever
// worker next calls Resume, and returns the data that Resume call passes
// in. This is the single suspension primitive the task-side primitives
// yield_now, sleep_until and wait_buffer are built on top of; completion
// and abort are not requests but the entry function's return (or panic).
func (y *Yielder) Suspend(req any) any {
	y.ctx.fromTask <- frame{req: req}
	return <-y.ctx.toTask
}

type frame struct {
	req      any
	finished bool
	err      error
}

// Context is the saved suspend/resume continuation of one task. It is
// owned by the coordinator while the task is suspended and handed to the
// switcher (via Resume) while a worker is actively running the task,
// mirroring spec §4.3's "saved context... moved into the switcher while
// running."
type Context struct {
	toTask   chan any
	fromTask chan frame
	started  bool
	label    string
}

// New constructs an initial context that, the first time Resume is
// called, begins executing entry on its own goroutine. entry receives a
// Yielder to suspend through and returns an error to report an aborted
// task body (spec's "on_abort" path); a nil return is a normal
// completion. A panic inside entry is caught here and reported through
// Resume's err return, per spec §7 ("task body panic... converted to
// abort"). label is the task's diagnostic name (SPEC_FULL §12.4) and is
// folded into the panic message so a crash log names the task that
// caused it, not just the recovered value.
func New(label string, entry func(y *Yielder) error) *Context {
	c := &Context{
		toTask:   make(chan any),
		fromTask: make(chan frame),
		label:    label,
	}
	go func() {
		// Block until the first Resume call actually starts the task;
		// this mirrors "make constructs an initial context that when
		// resumed will begin executing entry."
		<-c.toTask

		var ferr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					if c.label != "" {
						ferr = fmt.Errorf("task panic: label=%q: %v", c.label, r)
					} else {
						ferr = fmt.Errorf("task panic: %v", r)
					}
				}
			}()
			ferr = entry(&Yielder{ctx: c})
		}()
		c.fromTask <- frame{finished: true, err: ferr}
	}()
	return c
}

// Resume performs a symmetric switch: the calling (worker) goroutine hands
// data to the task and blocks until the task either suspends (returns req,
// finished=false) or returns/panics (finished=true, err set on abort).
func (c *Context) Resume(data any) (req any, finished bool, err error) {
	c.toTask <- data
	f := <-c.fromTask
	return f.req, f.finished, f.err
}
