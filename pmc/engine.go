package pmc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/timeutil"
	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"

	"github.com/michaelroland/wdnas-hwdaemon/pmcerr"
)

// Default deadlines, spec §4.2.
const (
	DefaultGetSetTimeout = 2 * time.Second
	DefaultEchoTimeout   = 5 * time.Second
	drainIdle            = 500 * time.Millisecond
)

// Per-command lifecycle states and triggers (spec §4.2: "Idle → Sent →
// (AwaitResponse | AwaitAck | AwaitAlertEcho) → Complete"). Modeled with
// qmuntal/stateless rather than a hand-rolled enum so that an attempt to
// complete an already-complete command — the timeout/late-frame race
// described in spec §5 — is rejected by the library itself instead of by a
// bespoke guard.
const (
	stateIdle           = "idle"
	stateSent           = "sent"
	stateAwaitResponse  = "awaitResponse"
	stateAwaitAck       = "awaitAck"
	stateAwaitAlertEcho = "awaitAlertEcho"
	stateComplete       = "complete"
)

const (
	triggerSend            = "send"
	triggerAwaitResponse   = "awaitResponse"
	triggerAwaitAck        = "awaitAck"
	triggerAwaitAlertEcho  = "awaitAlertEcho"
	triggerComplete        = "complete"
)

func newLifecycle() *stateless.StateMachine {
	sm := stateless.NewStateMachine(stateIdle)
	sm.Configure(stateIdle).Permit(triggerSend, stateSent)
	sm.Configure(stateSent).
		Permit(triggerAwaitResponse, stateAwaitResponse).
		Permit(triggerAwaitAck, stateAwaitAck).
		Permit(triggerAwaitAlertEcho, stateAwaitAlertEcho)
	sm.Configure(stateAwaitResponse).Permit(triggerComplete, stateComplete)
	sm.Configure(stateAwaitAck).Permit(triggerComplete, stateComplete)
	sm.Configure(stateAwaitAlertEcho).Permit(triggerComplete, stateComplete)
	return sm
}

type awaitKind int

const (
	awaitResponse awaitKind = iota
	awaitAck
	awaitAlertEcho
)

type pendingResult struct {
	raw string
	err error
}

type pendingCommand struct {
	code     string
	awaiting awaitKind
	deadline time.Time
	done     chan pendingResult
	sm       *stateless.StateMachine
}

// complete tries to move the command to stateComplete and, only if it wins
// that race, delivers res. It returns false if the command was already
// completed (by a timeout that fired first) — see Engine.issue.
func (p *pendingCommand) complete(res pendingResult) bool {
	if err := p.sm.Fire(triggerComplete); err != nil {
		return false
	}
	p.done <- res
	return true
}

// InterruptHandler receives decoded interrupts as the engine observes them.
// The engine calls every handler from its single dispatch goroutine, not
// from readLoop, so a handler may issue Get/Set calls; while a handler runs,
// later interrupts wait in a 64-entry queue and are dropped once it is full.
type InterruptHandler func(Interrupt)

// Engine is the PMC protocol engine (spec §4.2): a synchronous
// get/set/echo API layered over a single background reader that also
// classifies and routes unsolicited ALERT frames.
type Engine struct {
	link  *Link
	clock timeutil.Clock
	log   zerolog.Logger

	// cmdSlot enforces "at most one outstanding command" (spec §3/§5): it is
	// a 1-buffered channel acquired for the full lifetime of a command, from
	// issue through completion or timeout.
	cmdSlot chan struct{}

	mu       sync.Mutex
	pending  *pendingCommand // GUARDED_BY(mu)
	draining bool            // GUARDED_BY(mu)
	drainAck chan struct{}   // GUARDED_BY(mu); non-nil iff draining

	subMu    sync.Mutex
	handlers []InterruptHandler // GUARDED_BY(subMu)

	// interruptCh decouples readLoop from subscriber handlers. A handler
	// (events.Router) routinely needs to issue its own Get/Set calls in
	// response to an interrupt; calling it inline from readLoop would
	// deadlock, since those calls can only complete once readLoop reads
	// their reply. A separate dispatch goroutine breaks the cycle.
	interruptCh chan Interrupt

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine starts the background reader over link and returns the engine.
func NewEngine(link *Link, clock timeutil.Clock, log zerolog.Logger) *Engine {
	e := &Engine{
		link:        link,
		clock:       clock,
		log:         log,
		cmdSlot:     make(chan struct{}, 1),
		interruptCh: make(chan Interrupt, 64),
		done:        make(chan struct{}),
	}
	e.cmdSlot <- struct{}{}

	e.wg.Add(1)
	go e.readLoop()

	e.wg.Add(1)
	go e.dispatchLoop()

	return e
}

// Close stops the background reader and releases the link.
func (e *Engine) Close() error {
	close(e.done)
	err := e.link.Close()
	e.wg.Wait()
	return err
}

// SubscribeInterrupts registers h to receive every decoded interrupt event
// (spec §4.2).
func (e *Engine) SubscribeInterrupts(h InterruptHandler) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.handlers = append(e.handlers, h)
}

// dispatchInterrupt is called from readLoop. It must never block on a
// subscriber, so it only ever touches the buffered channel dispatchLoop
// drains.
func (e *Engine) dispatchInterrupt(i Interrupt) {
	select {
	case e.interruptCh <- i:
	default:
		e.log.Warn().Str("event", fmt.Sprintf("%v", i.Event)).Msg("interrupt dropped: subscriber backlog full")
	}
}

// dispatchLoop owns calling every subscriber handler, on its own goroutine,
// so a handler that issues Get/Set calls back into the engine never
// deadlocks against readLoop.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case i := <-e.interruptCh:
			e.subMu.Lock()
			handlers := append([]InterruptHandler(nil), e.handlers...)
			e.subMu.Unlock()
			for _, h := range handlers {
				h(i)
			}
		}
	}
}

// GetRaw issues a getter for code and returns the raw VALUE text.
func (e *Engine) GetRaw(ctx context.Context, code string) (string, error) {
	if code == "UPD" {
		return "", pmcerr.New(pmcerr.CommandRejected, "UPD is not supported")
	}
	res, err := e.issue(ctx, code, "", awaitResponse, DefaultGetSetTimeout)
	return res, err
}

// GetNumeric issues a getter for a hex-encoded register and decodes it.
func (e *Engine) GetNumeric(ctx context.Context, code string) (uint16, error) {
	reg, ok := Registers[code]
	if !ok {
		return 0, pmcerr.New(pmcerr.CommandRejected, fmt.Sprintf("unknown register %q", code))
	}
	raw, err := e.GetRaw(ctx, code)
	if err != nil {
		return 0, err
	}
	return DecodeValue(reg.Encoding, raw)
}

// SetNumeric issues a setter for a hex-encoded register, completing on ACK.
func (e *Engine) SetNumeric(ctx context.Context, code string, value uint16) error {
	if code == "UPD" {
		return pmcerr.New(pmcerr.CommandRejected, "UPD is not supported")
	}
	reg, ok := Registers[code]
	if !ok {
		return pmcerr.New(pmcerr.CommandRejected, fmt.Sprintf("unknown register %q", code))
	}
	encoded, err := EncodeValue(reg.Encoding, value)
	if err != nil {
		return err
	}
	_, err = e.issue(ctx, code, encoded, awaitAck, DefaultGetSetTimeout)
	return err
}

// SetText issues a setter for a text register (LN1/LN2), truncated to 16
// characters per spec §6, completing on ACK.
func (e *Engine) SetText(ctx context.Context, code string, value string) error {
	if len(value) > 16 {
		value = value[:16]
	}
	_, err := e.issue(ctx, code, value, awaitAck, DefaultGetSetTimeout)
	return err
}

// Echo writes ECH=value and completes on the next ALERT frame (spec §4.2).
// The ISR read that follows the ALERT is not checked for bit 7 before
// completing; the echo bit is only filtered out of subscriber dispatch.
func (e *Engine) Echo(ctx context.Context, value uint16) error {
	encoded, err := EncodeValue(HexByte, value)
	if err != nil {
		return err
	}
	_, err = e.issue(ctx, "ECH", encoded, awaitAlertEcho, DefaultEchoTimeout)
	return err
}

// issue is the single path every public method funnels through: acquire
// the one-command slot, write the frame, wait for completion or timeout.
func (e *Engine) issue(ctx context.Context, code, value string, kind awaitKind, timeout time.Duration) (raw string, err error) {
	select {
	case <-e.cmdSlot:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { e.cmdSlot <- struct{}{} }()

	ctx, report := reqtrace.StartSpan(ctx, "pmc."+code)
	defer func() { report(err) }()

	deadline := e.clock.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p := &pendingCommand{
		code:     code,
		awaiting: kind,
		deadline: deadline,
		done:     make(chan pendingResult, 1),
		sm:       newLifecycle(),
	}
	if err = p.sm.Fire(triggerSend); err != nil {
		return "", pmcerr.Wrap(pmcerr.LinkIO, "starting command lifecycle", err)
	}

	frame := code
	if value != "" {
		frame = code + "=" + value
	}

	e.mu.Lock()
	e.pending = p
	e.mu.Unlock()

	if err = e.link.WriteFrame(frame); err != nil {
		e.clearPending(p)
		return "", err
	}

	var awaitTrigger string
	switch kind {
	case awaitResponse:
		awaitTrigger = triggerAwaitResponse
	case awaitAck:
		awaitTrigger = triggerAwaitAck
	case awaitAlertEcho:
		awaitTrigger = triggerAwaitAlertEcho
	}
	if err = p.sm.Fire(awaitTrigger); err != nil {
		return "", pmcerr.Wrap(pmcerr.LinkIO, "arming command lifecycle", err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-p.done:
		return res.raw, res.err
	case <-timer.C:
		timeoutErr := pmcerr.New(pmcerr.Timeout, fmt.Sprintf("command %s timed out", code))
		if p.complete(pendingResult{err: timeoutErr}) {
			e.clearPending(p)
			e.drainStraggler()
			return "", timeoutErr
		}
		// Lost the race: the reader completed it between the timer firing
		// and us claiming it. Take the real result instead of the timeout.
		res := <-p.done
		return res.raw, res.err
	}
}

// drainStraggler implements spec §5's post-timeout resynchronization: "the
// link is drained for one full CR-terminated frame window" so that a
// straggling reply to the just-abandoned command can never be misread as
// the response to whatever is issued next. Link.ReadFrame is owned
// exclusively by readLoop (spec §4.1/§5), so draining cannot be done by
// spinning up a second reader here — that would race the single bufio
// reader readLoop already owns. Instead this sets a cooperative flag
// readLoop checks immediately after its next frame read and blocks the
// caller (holding the command slot closed) until readLoop discards that
// frame or drainIdle elapses, whichever comes first.
func (e *Engine) drainStraggler() {
	e.mu.Lock()
	ack := make(chan struct{})
	e.draining = true
	e.drainAck = ack
	e.mu.Unlock()

	select {
	case <-ack:
	case <-time.After(drainIdle):
		e.mu.Lock()
		if e.drainAck == ack {
			e.draining = false
			e.drainAck = nil
		}
		e.mu.Unlock()
	}
}

func (e *Engine) clearPending(p *pendingCommand) {
	e.mu.Lock()
	if e.pending == p {
		e.pending = nil
	}
	e.mu.Unlock()
}

// readLoop is the single goroutine that owns Link.ReadFrame. It must never
// be called concurrently with itself; Engine guarantees that by construction
// (NewEngine starts exactly one).
func (e *Engine) readLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		default:
		}

		frame, err := e.link.ReadFrame()
		if err != nil {
			if err == io.EOF {
				e.log.Error().Msg("pmc link closed")
				return
			}
			e.log.Error().Err(err).Msg("pmc link read error")
			continue
		}

		if e.takeDrainAck() {
			// A straggling reply to a just-timed-out command: discard it
			// unclassified, per spec §5's post-timeout drain.
			continue
		}

		if frame == "" {
			continue
		}

		switch {
		case frame == "ALERT":
			e.handleAlert()
		case frame == "ACK":
			e.handleAck()
		case strings.HasPrefix(frame, "ERR"):
			e.handleErr()
		default:
			e.handleGetterResponse(frame)
		}
	}
}

// takeDrainAck reports whether a drain was pending and, if so, clears it
// and wakes whoever called drainStraggler.
func (e *Engine) takeDrainAck() bool {
	e.mu.Lock()
	if !e.draining {
		e.mu.Unlock()
		return false
	}
	ack := e.drainAck
	e.draining = false
	e.drainAck = nil
	e.mu.Unlock()
	close(ack)
	return true
}

func (e *Engine) currentPending() *pendingCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *Engine) handleAck() {
	p := e.currentPending()
	if p != nil && p.awaiting == awaitAck {
		e.clearPending(p)
		p.complete(pendingResult{})
		return
	}
	e.log.Warn().Msg("unexpected ACK dropped")
}

func (e *Engine) handleErr() {
	p := e.currentPending()
	if p != nil {
		e.clearPending(p)
		p.complete(pendingResult{err: pmcerr.New(pmcerr.CommandRejected, "PMC returned ERR")})
		return
	}
	e.log.Warn().Msg("unexpected ERR dropped")
}

func (e *Engine) handleGetterResponse(frame string) {
	code, value, ok := strings.Cut(frame, "=")
	if !ok {
		e.log.Warn().Str("frame", frame).Msg("malformed frame dropped")
		return
	}

	p := e.currentPending()
	if p == nil || p.awaiting != awaitResponse {
		e.log.Warn().Str("frame", frame).Msg("unexpected getter response dropped")
		return
	}

	if code != p.code {
		e.clearPending(p)
		p.complete(pendingResult{err: pmcerr.New(pmcerr.UnexpectedFrame,
			fmt.Sprintf("expected %s, got %s", p.code, code))})
		// The mismatched frame itself was the one CR-terminated window being
		// drained (spec §5); readLoop simply resumes with the next read.
		return
	}

	e.clearPending(p)
	p.complete(pendingResult{raw: value})
}

// handleAlert implements spec §4.2's ALERT dispatch rule: complete a
// pending Echo if one is waiting on the echo bit, then always issue an
// internal ISR read and fan the decoded bits out — to the completed Echo's
// bit silently, to every other set bit via the subscriber handlers.
func (e *Engine) handleAlert() {
	p := e.currentPending()
	if p != nil && p.awaiting == awaitAlertEcho {
		e.clearPending(p)
		p.complete(pendingResult{})
	}

	isr, err := e.readISRInline()
	if err != nil {
		e.log.Error().Err(err).Msg("failed to read ISR after ALERT")
		return
	}

	for _, ev := range DecodeISR(isr) {
		if ev == EventEchoAck {
			continue
		}
		e.dispatchInterrupt(Interrupt{Event: ev, ISR: isr})
	}
}

// readISRInline writes ISR\r and reads the single frame that follows
// directly on the reader goroutine: it is not a caller-issued command, it
// is the engine's own mandatory follow-up to every ALERT (spec §4.2), but
// it still must hold the command slot for the duration of the exchange —
// otherwise a concurrent issue() can win the wire between this write and
// its read, and readISRInline ends up consuming that command's response
// instead of the ISR reply (spec §8's "exactly one outstanding frame on
// the mock wire at any instant"). The slot is normally free here, or about
// to be released by an Echo that handleAlert has just completed; wait for
// it at most drainIdle and bail after that rather than deadlock against a
// caller whose response readLoop itself would have to deliver.
func (e *Engine) readISRInline() (byte, error) {
	select {
	case <-e.cmdSlot:
	case <-time.After(drainIdle):
		return 0, pmcerr.New(pmcerr.LinkIO, "cannot read ISR: a command is already outstanding")
	}
	defer func() { e.cmdSlot <- struct{}{} }()

	if err := e.link.WriteFrame("ISR"); err != nil {
		return 0, err
	}

	frame, err := e.link.ReadFrame()
	if err != nil {
		return 0, err
	}

	code, value, ok := strings.Cut(frame, "=")
	if !ok || code != "ISR" {
		return 0, pmcerr.New(pmcerr.UnexpectedFrame, fmt.Sprintf("expected ISR=.., got %q", frame))
	}

	v, err := DecodeValue(HexByte, value)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}
