package pool

import "sync"

// command is one unit of work the endpoint's single-writer loop executes:
// acquire, connect-completion, settings-change, termination, parking
// decisions all funnel through here so the endpoint's mutable state
// (slots, buffer, capacity) is only ever touched from one goroutine at a
// time without needing a held lock across the whole operation.
type command func()

// executor is the Command Executor: a multi-producer single-consumer
// queue guarded by a "currently draining" flag, grounded on the
// worker-pool pattern used elsewhere in this codebase for async event
// delivery, adapted from a buffered channel to an unbounded slice queue
// since endpoint commands must never be dropped under backpressure.
type executor struct {
	mu       sync.Mutex
	queue    []command
	draining bool
}

func newExecutor() *executor {
	return &executor{}
}

// submit enqueues cmd. If no drain loop is currently running, this call
// starts one; otherwise the already-running drain loop will pick it up.
// Only one drain loop ever runs at a time, giving every command
// exclusive access to the endpoint state it closes over.
func (e *executor) submit(cmd command) {
	e.mu.Lock()
	e.queue = append(e.queue, cmd)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()
	go e.drain()
}

func (e *executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		cmd := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		cmd()
	}
}
