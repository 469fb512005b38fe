// Package notify turns semantic daemon events into configured external
// hook invocations (spec §4.6).
package notify

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHookTimeout is spec §5's default per-invocation timeout.
const DefaultHookTimeout = 30 * time.Second

// DefaultConcurrencyPerEvent and DefaultBacklog are spec §4.6's defaults.
const (
	DefaultConcurrencyPerEvent = 4
	DefaultBacklog             = 32
)

// HookSpec is one configured `<event>_command`/`<event>_args` pair.
type HookSpec struct {
	Command string
	Args    []string
}

// job is one queued hook invocation.
type job struct {
	event  string
	spec   HookSpec
	fields map[string]string
}

// perEventQueue bounds concurrency and backlog for a single event kind.
type perEventQueue struct {
	sem     chan struct{}
	backlog chan job
}

// Dispatcher maintains the event → hook registry and runs hooks with
// bounded concurrency, a bounded drop-oldest backlog, and background
// reaping — never synchronously in the caller (spec §4.6).
type Dispatcher struct {
	log         zerolog.Logger
	hookTimeout time.Duration

	mu       sync.Mutex
	registry map[string]HookSpec
	queues   map[string]*perEventQueue

	wg   sync.WaitGroup
	done chan struct{}
}

// NewDispatcher builds a Dispatcher from a registry such as config.Config's
// Hooks, built from the top-level `<event>_command`/`<event>_args` keys.
func NewDispatcher(log zerolog.Logger, registry map[string]HookSpec, hookTimeout time.Duration) *Dispatcher {
	if hookTimeout <= 0 {
		hookTimeout = DefaultHookTimeout
	}

	reg := make(map[string]HookSpec, len(registry))
	for k, v := range registry {
		reg[k] = v
	}

	return &Dispatcher{
		log:         log,
		hookTimeout: hookTimeout,
		registry:    reg,
		queues:      make(map[string]*perEventQueue),
		done:        make(chan struct{}),
	}
}

// Close waits for outstanding hooks to be reaped.
func (d *Dispatcher) Close() {
	close(d.done)
	d.wg.Wait()
}

// Run makes the Dispatcher a supervisable task (spec §4.7): it has no
// polling loop of its own — work arrives via Notify from whichever
// goroutine observed the event — so Run simply holds the slot open until
// shut down, at which point it stops every per-event drain goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	<-ctx.Done()
	d.Close()
	return nil
}

// Notify implements events.Notifier/thermal.Notifier: it is the single
// entry point every upstream component (Router, Governor, Runtime) calls.
func (d *Dispatcher) Notify(event string, fields map[string]string) {
	d.mu.Lock()
	spec, ok := d.registry[event]
	if !ok {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[event]
	if !ok {
		q = &perEventQueue{
			sem:     make(chan struct{}, DefaultConcurrencyPerEvent),
			backlog: make(chan job, DefaultBacklog),
		}
		d.queues[event] = q
		d.wg.Add(1)
		go d.drain(event, q)
	}
	d.mu.Unlock()

	j := job{event: event, spec: spec, fields: fields}
	select {
	case q.backlog <- j:
	default:
		// Backlog full: drop the oldest queued job to make room, per the
		// drop-oldest overflow policy (spec §4.6/§9).
		select {
		case <-q.backlog:
			d.log.Warn().Str("event", event).Msg("notification backlog full, dropped oldest queued hook")
		default:
		}
		select {
		case q.backlog <- j:
		default:
			d.log.Warn().Str("event", event).Msg("notification dropped: backlog still full after eviction")
		}
	}
}

// drain is the one goroutine per event kind that admits jobs through the
// concurrency semaphore. It claims a slot before taking a job off the
// backlog, so a waiting job always stays in the backlog where drop-oldest
// eviction can reach it.
func (d *Dispatcher) drain(event string, q *perEventQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case q.sem <- struct{}{}:
		}
		select {
		case <-d.done:
			<-q.sem
			return
		case j := <-q.backlog:
			d.wg.Add(1)
			go func(j job) {
				defer d.wg.Done()
				defer func() { <-q.sem }()
				d.run(j)
			}(j)
		}
	}
}

// run launches one hook and logs its outcome. It is never awaited by
// Notify or drain; the harvesting happens here, on its own goroutine,
// precisely so a slow or hung hook cannot block new notifications of the
// same event kind beyond the concurrency cap.
func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.hookTimeout)
	defer cancel()

	args := make([]string, len(j.spec.Args))
	replacer := buildReplacer(j.fields)
	for i, a := range j.spec.Args {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, j.spec.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	logEvt := d.log.Info()
	if err != nil {
		logEvt = d.log.Error()
	}
	logEvt.
		Str("event", j.event).
		Str("command", j.spec.Command).
		Strs("args", args).
		Str("stdout", stdout.String()).
		Str("stderr", stderr.String()).
		AnErr("error", err).
		Msg("notification hook completed")
}

func buildReplacer(fields map[string]string) *strings.Replacer {
	pairs := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...)
}
