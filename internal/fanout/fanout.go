// Package fanout is the one concurrency primitive every cross-host action
// in this coordinator reduces to: run an operation against many hosts at
// once, under a shared deadline, and report which ones didn't make it.
//
// It is grounded on the teacher's repeated "one goroutine per peer, join
// at the end" shape (see connect_listen_thread and the per-client
// handling in kissnet.go/server.go), generalised from "one goroutine per
// TCP client" to "one goroutine per target host".
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/shaoguangleo/corr2/internal/corerr"
)

// Op is a unit of work performed against a single target. It receives a
// context that is cancelled once the fan-out's timeout fires; a
// well-behaved op checks ctx to cooperate with cancellation, but is never
// forcibly killed if it does not (spec §4.1 "cancellation is cooperative
// only if the operation itself yields").
type Op func(ctx context.Context, target string) (any, error)

// Result is one target's outcome.
type Result struct {
	Value any
	Err   error
}

type indexedResult struct {
	target string
	result Result
}

// TimedOut reports whether this result is the synthetic timeout error
// fanout produces for targets that did not complete in time, as distinct
// from an error the operation itself raised.
func (r Result) TimedOut() bool {
	e, ok := corerr.As(r.Err)
	return ok && e.Kind == corerr.Timeout
}

// Run applies op to every target concurrently and returns once every
// worker has completed or timeout has elapsed, whichever comes first.
// Workers that exceed the timeout keep running to completion in the
// background; their eventual result is discarded (spec §4.1).
func Run(ctx context.Context, targets []string, timeout time.Duration, op Op) map[string]Result {
	var out = make(map[string]Result, len(targets))
	if len(targets) == 0 {
		return out
	}

	var deadlineCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	var results = make(chan indexedResult, len(targets))

	for _, target := range targets {
		go func(target string) {
			var value, err = func() (value any, err error) {
				defer func() {
					if r := recover(); r != nil {
						err = corerr.New(corerr.BoardTransport, "panic in fan-out op for %s: %v", target, r)
					}
				}()
				return op(deadlineCtx, target)
			}()
			results <- indexedResult{target: target, result: Result{Value: value, Err: err}}
		}(target)
	}

	var remaining = len(targets)
	for remaining > 0 {
		select {
		case r := <-results:
			out[r.target] = r.result
			remaining--
		case <-deadlineCtx.Done():
			// Fill in anything still outstanding as a timeout, then
			// drain stragglers in the background so their goroutines
			// don't leak results into a closed channel.
			for _, target := range targets {
				if _, done := out[target]; !done {
					out[target] = Result{Err: corerr.New(corerr.Timeout, "%s did not respond within %s", target, timeout)}
				}
			}
			go drain(results, remaining)
			return out
		}
	}

	return out
}

func drain(results <-chan indexedResult, n int) {
	for range n {
		<-results
	}
}

// Targets is a convenience extraction from a map[string]T keyed by host
// name, since most callers build their target list from such a map.
func Targets[T any](hosts map[string]T) []string {
	var out = make([]string, 0, len(hosts))
	for name := range hosts {
		out = append(out, name)
	}
	return out
}

// Errors filters a result map down to the targets that failed, keyed by
// target name. A fan-out with an empty Errors() result succeeded on every
// target.
func Errors(results map[string]Result) map[string]error {
	var out = make(map[string]error)
	for target, r := range results {
		if r.Err != nil {
			out[target] = r.Err
		}
	}
	return out
}

// WaitGroupRun is a lower-level helper for call sites that already have
// their own per-target work split out (e.g. chase results by reference)
// and just want the "run them all, join with a timeout" discipline
// without marshalling through Op's any-typed return.
func WaitGroupRun(ctx context.Context, timeout time.Duration, fns map[string]func(ctx context.Context) error) map[string]error {
	var deadlineCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var out = make(map[string]error, len(fns))
	var done = make(chan struct{})

	for target, fn := range fns {
		wg.Add(1)
		go func(target string, fn func(ctx context.Context) error) {
			defer wg.Done()
			var err = fn(deadlineCtx)
			mu.Lock()
			out[target] = err
			mu.Unlock()
		}(target, fn)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadlineCtx.Done():
		mu.Lock()
		for target := range fns {
			if _, ok := out[target]; !ok {
				out[target] = corerr.New(corerr.Timeout, "%s did not respond within %s", target, timeout)
			}
		}
		mu.Unlock()
	}

	return out
}
