package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/pkg/provider/stt"
	"github.com/callpilot/callpilot/pkg/types"
)

// defaultRestartDelay is the pause between closing the expired sessions and
// opening their replacements, giving the provider time to release resources.
const defaultRestartDelay = 200 * time.Millisecond

// EventKind tags a Pair event.
type EventKind string

const (
	// EventTranscript carries an interim or final transcript for one role.
	EventTranscript EventKind = "transcript"

	// EventRestarted signals that a transparent duration-limit restart
	// completed and both sessions are Active again.
	EventRestarted EventKind = "restarted"

	// EventWarning carries a non-fatal typed error; the sibling stream keeps
	// flowing.
	EventWarning EventKind = "warning"
)

// Event is one item on the Pair's output channel. Exactly the fields implied
// by Kind are set.
type Event struct {
	Kind       EventKind
	Role       types.Role
	Transcript types.Transcript
	Notice     string
	Err        *callerr.Error
}

// Option configures a Pair.
type Option func(*Pair)

// WithRestartDelay overrides the pause between closing expired sessions and
// reopening them. Used by tests to keep restarts fast.
func WithRestartDelay(d time.Duration) Option {
	return func(p *Pair) { p.restartDelay = d }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pair) { p.log = log }
}

// Pair owns the two sibling recognition sessions of one connection and runs
// the duration-limit restart protocol across both of them.
//
// Both sessions are opened together and restarted together: they were started
// at the same moment, so when either hits the provider's lifetime limit the
// other is at most moments behind. The reentrancy guard ensures the two limit
// signals arriving within the same restart window trigger exactly one cycle.
type Pair struct {
	provider     stt.Provider
	cfg          stt.StreamConfig
	log          *slog.Logger
	restartDelay time.Duration

	operator     *Session
	counterparty *Session

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	restarting bool
	closed     bool
}

// NewPair creates an unstarted Pair for the given provider and stream config.
func NewPair(provider stt.Provider, cfg stt.StreamConfig, opts ...Option) *Pair {
	p := &Pair{
		provider:     provider,
		cfg:          cfg,
		log:          slog.Default().With("component", "recognition"),
		restartDelay: defaultRestartDelay,
		events:       make(chan Event, 128),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.operator = newSession(types.RoleOperator, p.log)
	p.counterparty = newSession(types.RoleCounterparty, p.log)
	return p
}

// Start opens both provider streams in parallel. If either fails, the other
// is closed and the Pair is unusable.
func (p *Pair) Start(ctx context.Context) error {
	if err := p.open(ctx); err != nil {
		return fmt.Errorf("recognition: start pair: %w", err)
	}
	return nil
}

// Events returns the Pair's output channel. Closed after Close returns.
func (p *Pair) Events() <-chan Event { return p.events }

// Operator returns the operator-role session.
func (p *Pair) Operator() *Session { return p.operator }

// Counterparty returns the counter-party-role session.
func (p *Pair) Counterparty() *Session { return p.counterparty }

// WriteAudio routes one role's mono PCM to its session. Chunks for a session
// that is not Active are dropped by Session.Write. Satisfies the capture
// sink contract.
func (p *Pair) WriteAudio(role types.Role, pcm []byte) {
	switch role {
	case types.RoleOperator:
		p.operator.Write(pcm)
	case types.RoleCounterparty:
		p.counterparty.Write(pcm)
	}
}

// Close tears down both sessions and closes the events channel. Safe to call
// more than once.
func (p *Pair) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	for _, s := range []*Session{p.operator, p.counterparty} {
		if h := s.detach(StatusClosed); h != nil {
			_ = h.Close()
		}
	}
	p.wg.Wait()
	close(p.events)
}

// open starts both provider streams in parallel and attaches them. Each
// session gets a fresh start timestamp.
func (p *Pair) open(ctx context.Context) error {
	var opHandle, cpHandle stt.SessionHandle

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := p.provider.StartStream(gctx, p.cfg)
		if err != nil {
			return fmt.Errorf("operator stream: %w", err)
		}
		opHandle = h
		return nil
	})
	g.Go(func() error {
		h, err := p.provider.StartStream(gctx, p.cfg)
		if err != nil {
			return fmt.Errorf("counterparty stream: %w", err)
		}
		cpHandle = h
		return nil
	})
	if err := g.Wait(); err != nil {
		if opHandle != nil {
			_ = opHandle.Close()
		}
		if cpHandle != nil {
			_ = cpHandle.Close()
		}
		return err
	}

	opGen := p.operator.attach(opHandle)
	cpGen := p.counterparty.attach(cpHandle)

	p.wg.Add(2)
	go p.pump(ctx, p.operator, opHandle, opGen)
	go p.pump(ctx, p.counterparty, cpHandle, cpGen)
	return nil
}

// pump forwards one handle's transcripts and terminal error to the events
// channel. It exits when the handle's channels close (session ended) or the
// Pair shuts down.
func (p *Pair) pump(ctx context.Context, s *Session, handle stt.SessionHandle, gen int) {
	defer p.wg.Done()

	partials := handle.Partials()
	finals := handle.Finals()
	errs := handle.Err()

	for partials != nil || finals != nil || errs != nil {
		select {
		case <-p.done:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			p.emit(Event{Kind: EventTranscript, Role: s.role, Transcript: t})
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			t.IsFinal = true
			p.emit(Event{Kind: EventTranscript, Role: s.role, Transcript: t})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.handleTerminal(ctx, s, gen, err)
		}
	}
}

// handleTerminal reacts to a terminal session error. The duration limit is
// recovered silently via a paired restart; anything else leaves the session
// Failed and surfaces a warning while the sibling keeps flowing.
func (p *Pair) handleTerminal(ctx context.Context, s *Session, gen int, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, stt.ErrSessionDurationLimit) {
		p.requestRestart(ctx, s, gen)
		return
	}
	if s.markFailed(gen) {
		p.log.Warn("recognition stream failed", "role", string(s.role), "err", err)
		p.emit(Event{
			Kind: EventWarning,
			Role: s.role,
			Err: callerr.Recognition("stream_failed",
				fmt.Sprintf("%s recognition stream failed; the other side keeps transcribing", s.role), err),
		})
	}
}

// requestRestart runs at most one restart cycle at a time. The second sibling
// signalling the limit inside the same window finds the flag set and returns
// immediately; its session is already being replaced.
func (p *Pair) requestRestart(ctx context.Context, from *Session, gen int) {
	p.mu.Lock()
	if p.restarting || p.closed || !from.currentGeneration(gen) {
		p.mu.Unlock()
		return
	}
	p.restarting = true
	p.mu.Unlock()

	p.log.Info("duration limit reached; restarting both recognition sessions", "signalled_by", string(from.role))

	p.wg.Add(1)
	go p.restart(ctx)
}

// restart closes both sessions, waits for the provider to release resources,
// and opens two fresh streams with the same wiring. Audio written in the
// meantime is dropped by Session.Write.
func (p *Pair) restart(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.restarting = false
		p.mu.Unlock()
	}()

	for _, s := range []*Session{p.operator, p.counterparty} {
		if h := s.detach(StatusRestarting); h != nil {
			_ = h.Close()
		}
	}

	select {
	case <-time.After(p.restartDelay):
	case <-p.done:
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	if err := p.open(ctx); err != nil {
		p.log.Error("reopen after duration limit failed", "err", err)
		p.operator.detach(StatusFailed)
		p.counterparty.detach(StatusFailed)
		p.emit(Event{
			Kind: EventWarning,
			Err: callerr.Recognition("restart_failed",
				"could not reopen recognition streams after the provider session limit", err),
		})
		return
	}

	p.emit(Event{
		Kind:   EventRestarted,
		Notice: "speech recognition restarted transparently after the provider session limit",
	})
}

// emit delivers an event unless the Pair is shutting down.
func (p *Pair) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}
