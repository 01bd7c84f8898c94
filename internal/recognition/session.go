// Package recognition manages the pair of streaming STT sessions behind one
// connection: the operator's microphone and the counter-party's call leg.
//
// Streaming providers enforce a hard maximum session lifetime. The Pair
// coordinator recovers from that limit transparently: when either sibling
// session reports it, both sessions are closed and reopened together, and the
// transport is notified that a restart occurred. Audio arriving while no
// session is Active is dropped, never queued — a few hundred milliseconds of
// silence loss is preferable to unbounded buffering or duplicate streams.
package recognition

import (
	"log/slog"
	"sync"
	"time"

	"github.com/callpilot/callpilot/pkg/provider/stt"
	"github.com/callpilot/callpilot/pkg/types"
)

// Status is the lifecycle state of one recognition session.
type Status string

const (
	// StatusStarting means the provider stream is being opened.
	StatusStarting Status = "starting"

	// StatusActive means the session accepts audio and emits transcripts.
	StatusActive Status = "active"

	// StatusRestarting means the session is mid duration-limit restart.
	StatusRestarting Status = "restarting"

	// StatusClosed means the session ended normally.
	StatusClosed Status = "closed"

	// StatusFailed means the provider stream died and was not restarted.
	StatusFailed Status = "failed"
)

// Session is one role's live STT stream. Its handle is swapped out by the
// Pair coordinator across duration-limit restarts; callers hold the Session,
// never the handle.
type Session struct {
	role types.Role
	log  *slog.Logger

	mu        sync.Mutex
	status    Status
	handle    stt.SessionHandle
	startedAt time.Time
	// generation increments on every handle swap so stale pump goroutines
	// can be told apart from live ones.
	generation int
}

func newSession(role types.Role, log *slog.Logger) *Session {
	return &Session{
		role:   role,
		status: StatusStarting,
		log:    log.With("role", string(role)),
	}
}

// Role returns which side of the call this session transcribes.
func (s *Session) Role() types.Role { return s.role }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StartedAt returns when the current provider stream was opened. Reset on
// every restart.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Write forwards mono PCM to the provider stream. When the session is not
// Active (starting, restarting, failed, closed) the chunk is dropped; the
// demultiplexer keeps producing during a restart window and this is where
// those chunks go to die.
func (s *Session) Write(pcm []byte) {
	s.mu.Lock()
	handle := s.handle
	status := s.status
	s.mu.Unlock()

	if status != StatusActive || handle == nil {
		s.log.Warn("dropping audio chunk; session not active", "status", string(status), "bytes", len(pcm))
		return
	}
	if err := handle.SendAudio(pcm); err != nil {
		// The stream is going down; the error watcher decides what happens
		// next. Dropping here matches the restart-window policy.
		s.log.Warn("send audio failed; chunk dropped", "err", err)
	}
}

// attach installs a fresh provider handle and marks the session Active with a
// fresh start timestamp. Returns the new generation.
func (s *Session) attach(handle stt.SessionHandle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = handle
	s.status = StatusActive
	s.startedAt = time.Now()
	s.generation++
	return s.generation
}

// detach moves the session to the given non-active status and returns the old
// handle for the caller to close. Idempotent for a repeated status.
func (s *Session) detach(status Status) stt.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = nil
	s.status = status
	return h
}

// markFailed flags the session Failed if gen is still the live generation.
// A stale error from a pre-restart handle is ignored.
func (s *Session) markFailed(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.status != StatusActive {
		return false
	}
	s.status = StatusFailed
	s.handle = nil
	return true
}

// currentGeneration reports whether gen is the live handle generation.
func (s *Session) currentGeneration(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}
