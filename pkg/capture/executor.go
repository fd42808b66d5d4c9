package capture

// Executor runs the capture loop. Platforms that pin capture threads or run them on a
// worker pool provide their own.
type Executor interface {
	Go(name string, fn func())
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(name string, fn func())

func (f ExecutorFunc) Go(name string, fn func()) { f(name, fn) }

type goroutineExecutor struct{}

func (goroutineExecutor) Go(name string, fn func()) { go fn() }

// DefaultExecutor starts one goroutine per loop
var DefaultExecutor Executor = goroutineExecutor{}
