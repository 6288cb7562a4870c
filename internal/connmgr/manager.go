package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/postalsys/muti-metroo/internal/identity"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
)

// mailboxCapacity is the bound on outstanding ConnectionManagerRequests.
const mailboxCapacity = 128

// ConnectResult is what a Connect request's reply channel carries: the
// admitted peer id on success, or the zero id and a descriptive error
// otherwise.
type ConnectResult struct {
	PeerID identity.PeerID
	Err    error
}

// ConnectionManagerRequest is the mailbox's single request variant.
type ConnectionManagerRequest struct {
	addr  string
	reply chan<- ConnectResult
}

// ConnectionManager is the event loop driving outbound dials, inbound
// accepts, and their resulting admissions into a PeerRegistry. A single
// goroutine runs Run; everything else (handshake tasks, request handlers)
// runs on goroutines of its own spawning.
type ConnectionManager struct {
	endpoint Endpoint
	registry *PeerRegistry
	incoming Incoming
	handler  HandlerFactory

	mailbox chan ConnectionManagerRequest

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a ConnectionManager and returns it alongside the send half
// of its mailbox, which external callers use to enqueue Connect requests.
func New(endpoint Endpoint, registry *PeerRegistry, incoming Incoming, handler HandlerFactory, logger *slog.Logger, m *metrics.Metrics) (*ConnectionManager, chan<- ConnectionManagerRequest) {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}
	cm := &ConnectionManager{
		endpoint: endpoint,
		registry: registry,
		incoming: incoming,
		handler:  handler,
		mailbox:  make(chan ConnectionManagerRequest, mailboxCapacity),
		logger:   logger,
		metrics:  m,
	}
	return cm, cm.mailbox
}

// TryConnect enqueues a Connect request without blocking, failing if the
// mailbox is full or ctx is already done. reply receives the outcome and
// must have capacity for it: the event loop delivers replies with a
// non-blocking send, so an unbuffered channel (or one whose slot is still
// occupied by a previous request) would lose the result if the caller is
// not already receiving. Rejected here rather than dropped later.
func TryConnect(ctx context.Context, mailbox chan<- ConnectionManagerRequest, addr string, reply chan<- ConnectResult) error {
	if reply != nil && cap(reply) == 0 {
		return errors.New("connmgr: reply channel must be buffered")
	}
	select {
	case mailbox <- ConnectionManagerRequest{addr: addr, reply: reply}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("connmgr: mailbox full")
	}
}

// Connect enqueues a Connect request, blocking until it is accepted into the
// mailbox or ctx is cancelled, then waits for the manager's reply.
func Connect(ctx context.Context, mailbox chan<- ConnectionManagerRequest, addr string) (identity.PeerID, error) {
	reply := make(chan ConnectResult, 1)
	select {
	case mailbox <- ConnectionManagerRequest{addr: addr, reply: reply}:
	case <-ctx.Done():
		return identity.ZeroID, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.PeerID, r.Err
	case <-ctx.Done():
		return identity.ZeroID, ctx.Err()
	}
}

// acceptResult is what the dedicated accept-loop goroutine feeds back to Run.
type acceptResult struct {
	connecting Connecting
	err        error
}

// taskResult pairs a resolved task with its own handle so Run can remove it
// from the pending set without any goroutine but Run's own touching the map.
type taskResult struct {
	task *abortOnDropTask
	out  ConnectingOutput
}

// Run drives the event loop until the mailbox is closed, the incoming
// stream is exhausted, and every pending handshake has resolved, or until
// ctx is cancelled. A panic inside a handshake task is recovered in the
// task's own goroutine and re-raised in the goroutine awaiting it here,
// crashing Run: treated as a program bug, not a recoverable per-connection
// fault (unlike the request-handler boundary, which recovery.RecoverWithLog
// guards).
func (cm *ConnectionManager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptCh := make(chan acceptResult)
	go cm.acceptLoop(ctx, acceptCh)

	pending := make(map[*abortOnDropTask]struct{})
	resultCh := make(chan taskResult)

	mailbox := cm.mailbox
	incomingCh := acceptCh

	for {
		if mailbox == nil && incomingCh == nil && len(pending) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			for t := range pending {
				t.Abort()
			}
			return ctx.Err()

		case req, ok := <-mailbox:
			if !ok {
				mailbox = nil
				continue
			}
			cm.startOutbound(ctx, req, pending, resultCh)

		case res, ok := <-incomingCh:
			if !ok {
				incomingCh = nil
				continue
			}
			if res.err != nil {
				cm.logger.Warn("accept failed", logging.KeyError, res.err)
				continue
			}
			cm.startInbound(ctx, res.connecting, pending, resultCh)

		case tr := <-resultCh:
			delete(pending, tr.task)
			cm.finishHandshake(tr.out)
		}
	}
}

func (cm *ConnectionManager) acceptLoop(ctx context.Context, out chan<- acceptResult) {
	defer close(out)
	for {
		connecting, err := cm.incoming.Accept(ctx)
		select {
		case out <- acceptResult{connecting: connecting, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// startOutbound initiates an outbound handshake for a mailbox Connect
// request, tracking the resulting task in pending.
func (cm *ConnectionManager) startOutbound(ctx context.Context, req ConnectionManagerRequest, pending map[*abortOnDropTask]struct{}, resultCh chan<- taskResult) {
	cm.metrics.RecordDialStart()

	connecting, err := cm.endpoint.Connect(ctx, req.addr)
	if err != nil {
		cm.metrics.RecordDialEnd(err)
		cm.replyOrLog(req.reply, identity.ZeroID, err)
		return
	}

	task := spawnHandshakeTask(ctx, func(taskCtx context.Context) ConnectingOutput {
		start := time.Now()
		conn, err := connecting.Handshake(taskCtx)
		cm.metrics.RecordDialEnd(err)
		if err != nil {
			return ConnectingOutput{err: err, maybeReply: req.reply}
		}
		return ConnectingOutput{conn: &NewConnection{Connection: conn}, maybeReply: req.reply, latency: time.Since(start)}
	})
	pending[task] = struct{}{}
	cm.await(ctx, task, resultCh)
}

// startInbound initiates a handshake for a freshly accepted inbound
// connection; there is no requester to reply to.
func (cm *ConnectionManager) startInbound(ctx context.Context, connecting Connecting, pending map[*abortOnDropTask]struct{}, resultCh chan<- taskResult) {
	task := spawnHandshakeTask(ctx, func(taskCtx context.Context) ConnectingOutput {
		start := time.Now()
		conn, err := connecting.Handshake(taskCtx)
		if err != nil {
			return ConnectingOutput{err: err}
		}
		return ConnectingOutput{conn: &NewConnection{Connection: conn}, latency: time.Since(start)}
	})
	pending[task] = struct{}{}
	cm.await(ctx, task, resultCh)
}

// await waits on task from its own goroutine and forwards the result (or
// re-panics, per abortOnDropTask.Wait) so Run never blocks on any single
// handshake while others are still in flight.
func (cm *ConnectionManager) await(ctx context.Context, task *abortOnDropTask, resultCh chan<- taskResult) {
	go func() {
		out, err := task.Wait(ctx)
		if err != nil {
			// ctx was cancelled before the task resolved; Run is exiting and
			// will abort+drain pending itself, nothing more to deliver here.
			return
		}
		select {
		case resultCh <- taskResult{task: task, out: out}:
		case <-ctx.Done():
		}
	}()
}

// finishHandshake processes a resolved handshake: admits the connection
// into the registry (or records its failure) and replies to any waiting
// Connect caller.
func (cm *ConnectionManager) finishHandshake(out ConnectingOutput) {
	if out.err != nil {
		cm.metrics.RecordHandshakeError(classifyHandshakeError(out.err))
		cm.replyOrLog(out.maybeReply, identity.ZeroID, out.err)
		return
	}

	cm.metrics.RecordHandshake(out.latency.Seconds())

	peerID := out.conn.Connection.RemoteID
	conn, admitted := cm.registry.Admit(cm.endpoint.PeerID(), out.conn)
	if admitted {
		cm.handler(conn, cm.registry)
	}
	// Whether admitted or rejected by tie-breaking, the peer is connected
	// via whichever session survived, so the caller's postcondition holds
	// either way.
	cm.replyOrLog(out.maybeReply, peerID, nil)
}

// replyOrLog delivers a Connect outcome to its requester, or logs it when
// there is none (inbound handshakes). The send must not block the event
// loop, so it relies on the reply channel having a free buffer slot —
// guaranteed by Connect's own channel and enforced for external callers
// by TryConnect.
func (cm *ConnectionManager) replyOrLog(reply chan<- ConnectResult, peerID identity.PeerID, err error) {
	if reply == nil {
		if err != nil {
			cm.logger.Warn("inbound handshake failed", logging.KeyError, err)
		}
		return
	}
	select {
	case reply <- ConnectResult{PeerID: peerID, Err: err}:
	default:
		cm.logger.Warn("connect reply dropped, reply channel full", logging.KeyPeerID, peerID.ShortString())
	}
}

func classifyHandshakeError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "handshake"
}
