package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/peerline/peerline/internal/feed"
	"github.com/peerline/peerline/internal/models"
	"github.com/peerline/peerline/internal/session"
	"github.com/peerline/peerline/internal/store"
)

// Config bundles the tuning knobs for one engine instance.
type Config struct {
	Supervisor SupervisorConfig
	Sync       SyncConfig
	Monitor    MonitorConfig
}

// Callbacks deliver state changes to the embedding UI. Any callback may
// be nil; none is invoked after Close returns.
type Callbacks struct {
	OnMessages  func([]LocalMessage)
	OnSession   func(models.Session)
	OnConn      func(ConnState)
	OnCountdown func(remaining time.Duration)
	OnWarning   func(remaining time.Duration)
	OnExpired   func()
	OnProposal  func(models.AppointmentProposal)
	OnNotice    func(text string)
}

// Engine owns the client-side state for one chat session: the lifecycle
// machine, the optimistic message view, the supervised feed connection,
// and the inactivity countdown. One Engine per open session; Close
// releases everything deterministically.
type Engine struct {
	gw        Gateway
	sessionID string
	actorID   string
	actorType string

	machine *session.Machine
	coord   *session.Coordinator
	sync    *Synchronizer
	sup     *Supervisor
	monitor *Monitor
	cb      Callbacks

	cancel context.CancelFunc
	done   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Open loads the session, starts the supervised feed connection, and
// returns a running Engine. The initial resync happens before the first
// event is delivered, so the view is complete from the start.
func Open(ctx context.Context, gw Gateway, transport Transport, sessionID, actorID, actorType string, cfg Config, cb Callbacks) (*Engine, error) {
	sess, err := gw.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: open session %s: %w", sessionID, err)
	}

	e := &Engine{
		gw:        gw,
		sessionID: sessionID,
		actorID:   actorID,
		actorType: actorType,
		machine:   session.NewMachine(sess, gw),
		coord:     session.NewCoordinator(gw),
		cb:        cb,
	}

	var claimFirst func() error
	if actorType == models.SenderSpecialist {
		claimFirst = e.autoClaim
	}
	e.sync = NewSynchronizer(gw, sessionID, actorID, actorType, cfg.Sync, claimFirst, e.emitMessages)
	e.monitor = NewMonitor(cfg.Monitor, e.currentSession, e.emitCountdown, e.emitWarning, e.expire)
	e.sup = NewSupervisor(transport, cfg.Supervisor, e.resync, e.dispatch, e.emitConn)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done.Add(2)
	go func() {
		defer e.done.Done()
		e.sup.Run(runCtx)
	}()
	go func() {
		defer e.done.Done()
		e.monitor.Run(runCtx)
	}()
	return e, nil
}

// Close stops the feed connection and the countdown and cancels pending
// send timers. Idempotent; callbacks are silenced before it returns.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.sync.Close()
	e.done.Wait()
}

// Session returns the current lifecycle snapshot.
func (e *Engine) Session() models.Session {
	return e.machine.Snapshot()
}

// Messages returns the merged ordered message view.
func (e *Engine) Messages() []LocalMessage {
	return e.sync.Messages()
}

// ConnState returns the connection health snapshot.
func (e *Engine) ConnState() ConnState {
	return e.sup.State()
}

// TimeUntilInactive returns the remaining idle budget, or false when no
// countdown applies.
func (e *Engine) TimeUntilInactive() (time.Duration, bool) {
	sess := e.machine.Snapshot()
	return TimeUntilInactive(&sess, time.Now(), e.monitor.cfg.IdleBudget)
}

// Send appends an optimistic message and delivers it in the background.
// Returns the client id usable with Retry.
func (e *Engine) Send(content, messageType, metadata string) string {
	return e.sync.Send(content, messageType, metadata)
}

// Retry re-issues a failed send.
func (e *Engine) Retry(clientID string) bool {
	return e.sync.Retry(clientID)
}

// Claim attaches this actor as the session's specialist. Losing the race
// is reported as a notice, not an error.
func (e *Engine) Claim() error {
	_, err := e.coord.ClaimForMachine(e.machine, e.actorID)
	if err != nil {
		if session.IsConflict(err) {
			e.notice(conflictNotice(err))
			return nil
		}
		return err
	}
	e.emitSession(e.machine.Snapshot())
	return nil
}

// End moves the session to its terminal state with the given reason.
// Ending an already-ended session is a no-op.
func (e *Engine) End(reason string) error {
	_, err := e.machine.Apply(session.End{Reason: reason, ActorID: e.actorID})
	if err != nil {
		return err
	}
	e.emitSession(e.machine.Snapshot())
	return nil
}

// Extend resets the inactivity countdown on an active session.
func (e *Engine) Extend() error {
	_, err := e.machine.Apply(session.Extended{})
	if err != nil {
		return err
	}
	e.emitSession(e.machine.Snapshot())
	return nil
}

// ForceReconnect redials immediately, resetting the attempt counter.
func (e *Engine) ForceReconnect() {
	e.sup.ForceReconnect()
}

// autoClaim claims the session when it is still waiting. Used as the
// first-send hook for specialists: typing a reply implicitly claims.
func (e *Engine) autoClaim() error {
	if e.machine.Snapshot().Status != models.SessionWaiting {
		return nil
	}
	_, err := e.coord.ClaimForMachine(e.machine, e.actorID)
	if err != nil && session.IsConflict(err) {
		e.notice(conflictNotice(err))
	}
	if err == nil {
		e.emitSession(e.machine.Snapshot())
	}
	return err
}

// expire terminates the session when the idle budget runs out. The
// terminal transition is conditional in the store, so a racing manual end
// keeps its own reason and this becomes a no-op.
func (e *Engine) expire() {
	if err := e.End(models.EndReasonInactivity); err != nil {
		log.Printf("engine: inactivity end failed [session=%s]: %v", e.sessionID, err)
	}
	e.emitExpired()
}

// resync reloads the authoritative session and message list. Runs after
// every (re)connect, before event delivery resumes.
func (e *Engine) resync() error {
	sess, err := e.gw.GetSession(e.sessionID)
	if err != nil {
		return fmt.Errorf("engine: resync session: %w", err)
	}
	if changed, err := e.machine.ApplyRemote(sess); err != nil {
		if !errors.Is(err, store.ErrBadTransition) {
			return err
		}
		// Stale snapshot; keep the local view.
	} else if changed {
		e.emitSession(e.machine.Snapshot())
	}

	msgs, err := e.gw.ListMessages(e.sessionID)
	if err != nil {
		return fmt.Errorf("engine: resync messages: %w", err)
	}
	e.sync.Resync(msgs)
	return nil
}

// dispatch routes one feed event.
func (e *Engine) dispatch(ev feed.Event) {
	switch ev.Type {
	case feed.EventMessageInserted:
		if ev.Message != nil {
			e.sync.OnIncoming(ev.Message)
		}
	case feed.EventSessionUpdated:
		if ev.Session == nil {
			return
		}
		changed, err := e.machine.ApplyRemote(ev.Session)
		if err != nil {
			log.Printf("engine: dropped session update [session=%s]: %v", e.sessionID, err)
			return
		}
		if changed {
			e.emitSession(e.machine.Snapshot())
		}
	case feed.EventProposalUpdated:
		if ev.Proposal != nil {
			e.emitProposal(*ev.Proposal)
		}
	default:
		log.Printf("engine: unknown feed event type %q", ev.Type)
	}
}

func conflictNotice(err error) string {
	if errors.Is(err, store.ErrAlreadyEnded) {
		return "session has already ended"
	}
	return "session was claimed by another specialist"
}

func (e *Engine) currentSession() *models.Session {
	sess := e.machine.Snapshot()
	return &sess
}

func (e *Engine) active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *Engine) emitMessages(msgs []LocalMessage) {
	if e.active() && e.cb.OnMessages != nil {
		e.cb.OnMessages(msgs)
	}
}

func (e *Engine) emitSession(sess models.Session) {
	if e.active() && e.cb.OnSession != nil {
		e.cb.OnSession(sess)
	}
}

func (e *Engine) emitConn(st ConnState) {
	if e.active() && e.cb.OnConn != nil {
		e.cb.OnConn(st)
	}
}

func (e *Engine) emitCountdown(remaining time.Duration) {
	if e.active() && e.cb.OnCountdown != nil {
		e.cb.OnCountdown(remaining)
	}
}

func (e *Engine) emitWarning(remaining time.Duration) {
	if e.active() && e.cb.OnWarning != nil {
		e.cb.OnWarning(remaining)
	}
}

func (e *Engine) emitExpired() {
	if e.active() && e.cb.OnExpired != nil {
		e.cb.OnExpired()
	}
}

func (e *Engine) emitProposal(p models.AppointmentProposal) {
	if e.active() && e.cb.OnProposal != nil {
		e.cb.OnProposal(p)
	}
}

func (e *Engine) notice(text string) {
	if e.active() && e.cb.OnNotice != nil {
		e.cb.OnNotice(text)
	}
}
