package connmgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/peer"
	"github.com/postalsys/muti-metroo/internal/protocol"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/transport"
)

// Service is the request/response capability an admitted connection is
// handed off to once its control-stream duties (keepalives, fault
// detection) are wired up. Handle runs on the per-connection handler's
// goroutine and should return promptly per request.
type Service interface {
	Handle(ctx context.Context, conn *peer.Connection, stream transport.Stream)
}

// KeepaliveConfig tunes the per-connection keepalive sender started
// alongside every admitted connection's request handler.
type KeepaliveConfig struct {
	// Interval is the target time between keepalives. Zero disables the
	// sender entirely.
	Interval time.Duration
	// Jitter is the fraction of Interval randomized on each tick, so
	// every connection's keepalive cadence doesn't line up.
	Jitter float64
	// Metrics receives RecordKeepaliveSent for each keepalive sent. A nil
	// Metrics disables counting but not sending.
	Metrics *metrics.Metrics
}

// NewDefaultHandlerFactory builds the default per-connection request handler:
// it sends periodic keepalives, accepts application streams and dispatches
// them to svc, and on any terminal condition removes its own session from
// the registry with RemoveIfStableID so it never clobbers a session that
// has since replaced it. svc may be nil, in which case accepted streams are
// simply closed.
func NewDefaultHandlerFactory(logger *slog.Logger, svc Service, ka KeepaliveConfig) HandlerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(conn *peer.Connection, registry *PeerRegistry) {
		go func() {
			defer recovery.RecoverWithLog(logger, "connmgr.request-handler")
			runRequestHandler(conn, registry, svc, ka, logger)
		}()
	}
}

func runRequestHandler(conn *peer.Connection, registry *PeerRegistry, svc Service, ka KeepaliveConfig, logger *slog.Logger) {
	peerID := conn.RemoteID
	stableID := conn.StableID()

	// Single-stream transports carry everything as frames on the control
	// stream; only transports with native stream multiplexing have further
	// streams to accept.
	if conn.TransportType().Multiplexed() {
		go acceptStreamLoop(conn, svc, logger)
	}
	if ka.Interval > 0 {
		go keepaliveLoop(conn, ka, logger)
	}

	reason := LostConnection
	select {
	case <-conn.Done():
	case <-conn.Context().Done():
	}

	logger.Debug("connection terminated", logging.KeyPeerID, peerID.ShortString())
	registry.RemoveIfStableID(peerID, stableID, reason)
}

// acceptStreamLoop hands every application stream the peer opens to svc,
// one goroutine per stream so a slow request never stalls accepting the
// next one.
func acceptStreamLoop(conn *peer.Connection, svc Service, logger *slog.Logger) {
	for {
		stream, err := conn.AcceptStream(conn.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logger.Debug("stream accept ended", logging.KeyPeerID, conn.RemoteID.ShortString(), logging.KeyError, err)
			}
			conn.Close()
			return
		}
		if svc == nil {
			stream.Close()
			continue
		}
		go func(s transport.Stream) {
			defer recovery.RecoverWithLog(logger, "connmgr.stream-handler")
			svc.Handle(conn.Context(), conn, s)
		}(stream)
	}
}

// keepaliveLoop sends a Keepalive frame on conn roughly every ka.Interval,
// jittered by ka.Jitter, until the connection closes. A send failure means
// the control stream is already gone, so it stops rather than retrying.
func keepaliveLoop(conn *peer.Connection, ka KeepaliveConfig, logger *slog.Logger) {
	timer := time.NewTimer(jittered(ka.Interval, ka.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-timer.C:
			if err := conn.SendKeepalive(); err != nil {
				logger.Debug("keepalive send failed", logging.KeyPeerID, conn.RemoteID.ShortString(), logging.KeyError, err)
				return
			}
			if ka.Metrics != nil {
				ka.Metrics.RecordKeepaliveSent()
			}
			timer.Reset(jittered(ka.Interval, ka.Jitter))
		}
	}
}

// jittered randomizes d by up to frac in either direction. frac <= 0
// returns d unchanged.
func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	offset := (float64(time.Now().UnixNano()%1000)/1000.0 - 0.5) * 2 * spread
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}

// ControlFrameHandler wires a Connection's OnFrame callback to respond to
// Keepalive frames with a Keepalive ack, to update RTT and the keepalive
// metrics on the ack side, for use as peer.ConnectionConfig.OnFrame.
func ControlFrameHandler(logger *slog.Logger, m *metrics.Metrics) func(*peer.Connection, *protocol.Frame) {
	return func(conn *peer.Connection, f *protocol.Frame) {
		switch f.Type {
		case protocol.FrameKeepalive:
			ka, err := protocol.DecodeKeepalive(f.Payload)
			if err != nil {
				logger.Warn("bad keepalive frame", logging.KeyPeerID, conn.RemoteID.ShortString(), logging.KeyError, err)
				return
			}
			if err := conn.SendKeepaliveAck(ka.Timestamp); err != nil {
				logger.Warn("keepalive ack failed", logging.KeyPeerID, conn.RemoteID.ShortString(), logging.KeyError, err)
			}
		case protocol.FrameKeepaliveAck:
			ka, err := protocol.DecodeKeepalive(f.Payload)
			if err == nil {
				conn.UpdateRTT(ka.Timestamp)
				if m != nil {
					m.RecordKeepaliveRecv(conn.RTT().Seconds())
				}
			}
		}
	}
}
