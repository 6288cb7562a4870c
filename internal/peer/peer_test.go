package peer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/muti-metroo/internal/identity"
	"github.com/postalsys/muti-metroo/internal/protocol"
	"github.com/postalsys/muti-metroo/internal/transport"
)

// ============================================================================
// Connection State Tests
// ============================================================================

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateHandshaking, "HANDSHAKING"},
		{StateConnected, "CONNECTED"},
		{StateReconnecting, "RECONNECTING"},
		{ConnectionState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestOrigin_String(t *testing.T) {
	tests := []struct {
		origin Origin
		want   string
	}{
		{Inbound, "inbound"},
		{Outbound, "outbound"},
		{Origin(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.origin.String(); got != tt.want {
			t.Errorf("Origin(%d).String() = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestDefaultConnectionConfig(t *testing.T) {
	localID, _ := identity.NewPeerID()
	cfg := DefaultConnectionConfig(localID)

	if cfg.LocalID != localID {
		t.Error("LocalID not set")
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 10s", cfg.HandshakeTimeout)
	}
	if cfg.Capabilities == nil {
		t.Error("Capabilities should not be nil")
	}
}

func TestConnection_StateTransitions(t *testing.T) {
	localID, _ := identity.NewPeerID()
	cfg := DefaultConnectionConfig(localID)

	mockConn := &mockPeerConn{}
	conn := NewConnection(mockConn, cfg)

	if conn.State() != StateHandshaking {
		t.Errorf("Initial state = %v, want StateHandshaking", conn.State())
	}

	conn.SetState(StateConnected)
	if conn.State() != StateConnected {
		t.Errorf("State = %v, want StateConnected", conn.State())
	}

	conn.SetState(StateReconnecting)
	if conn.State() != StateReconnecting {
		t.Errorf("State = %v, want StateReconnecting", conn.State())
	}

	conn.Close()
	if conn.State() != StateDisconnected {
		t.Errorf("State after close = %v, want StateDisconnected", conn.State())
	}
}

func TestConnection_OriginAndStableID(t *testing.T) {
	localID, _ := identity.NewPeerID()
	cfg := DefaultConnectionConfig(localID)

	dialerConn := NewConnection(&mockPeerConn{isDialer: true}, cfg)
	defer dialerConn.Close()
	if dialerConn.Origin() != Outbound {
		t.Errorf("dialer Origin() = %v, want Outbound", dialerConn.Origin())
	}

	listenerConn := NewConnection(&mockPeerConn{isDialer: false}, cfg)
	defer listenerConn.Close()
	if listenerConn.Origin() != Inbound {
		t.Errorf("listener Origin() = %v, want Inbound", listenerConn.Origin())
	}

	if dialerConn.StableID() == listenerConn.StableID() {
		t.Error("distinct connections should never share a stable id")
	}
	if dialerConn.StableID() == 0 || listenerConn.StableID() == 0 {
		t.Error("stable id should never be the zero value")
	}
}

func TestConnection_Activity(t *testing.T) {
	localID, _ := identity.NewPeerID()
	cfg := DefaultConnectionConfig(localID)
	mockConn := &mockPeerConn{}
	conn := NewConnection(mockConn, cfg)
	defer conn.Close()

	activity := conn.LastActivity()
	if time.Since(activity) > 100*time.Millisecond {
		t.Error("LastActivity should be recent after creation")
	}

	time.Sleep(10 * time.Millisecond)
	conn.updateActivity()
	newActivity := conn.LastActivity()

	if !newActivity.After(activity) {
		t.Error("Activity should be updated")
	}
}

func TestConnection_RTT(t *testing.T) {
	localID, _ := identity.NewPeerID()
	cfg := DefaultConnectionConfig(localID)
	mockConn := &mockPeerConn{}
	conn := NewConnection(mockConn, cfg)
	defer conn.Close()

	if conn.RTT() != 0 {
		t.Errorf("Initial RTT = %v, want 0", conn.RTT())
	}

	past := uint64(time.Now().Add(-50 * time.Millisecond).UnixNano())
	conn.UpdateRTT(past)

	rtt := conn.RTT()
	if rtt < 40*time.Millisecond || rtt > 100*time.Millisecond {
		t.Errorf("RTT = %v, expected ~50ms", rtt)
	}
}

func TestConnection_Done(t *testing.T) {
	localID, _ := identity.NewPeerID()
	cfg := DefaultConnectionConfig(localID)
	mockConn := &mockPeerConn{}
	conn := NewConnection(mockConn, cfg)

	select {
	case <-conn.Done():
		t.Error("Done channel should not be closed before Close()")
	default:
	}

	conn.Close()

	select {
	case <-conn.Done():
	default:
		t.Error("Done channel should be closed after Close()")
	}
}

func TestConnection_MultipleClose(t *testing.T) {
	localID, _ := identity.NewPeerID()
	cfg := DefaultConnectionConfig(localID)
	mockConn := &mockPeerConn{}
	conn := NewConnection(mockConn, cfg)

	for i := 0; i < 5; i++ {
		if err := conn.Close(); err != nil {
			t.Errorf("Close() error on attempt %d: %v", i, err)
		}
	}
}

func TestConnection_HasCapability(t *testing.T) {
	localID, _ := identity.NewPeerID()
	cfg := DefaultConnectionConfig(localID)
	cfg.Capabilities = []string{"cap1", "cap2", "cap3"}
	mockConn := &mockPeerConn{}
	conn := NewConnection(mockConn, cfg)
	defer conn.Close()

	conn.capabilities = cfg.Capabilities

	if !conn.HasCapability("cap1") {
		t.Error("Should have cap1")
	}
	if !conn.HasCapability("cap2") {
		t.Error("Should have cap2")
	}
	if conn.HasCapability("cap4") {
		t.Error("Should not have cap4")
	}
}

// ============================================================================
// Reconnection Tests
// ============================================================================

func TestReconnector_BackoffDelayGrowsToCap(t *testing.T) {
	r := NewReconnector(ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}, func(string) error { return nil })
	defer r.Stop()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // Capped at MaxDelay
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		got := r.delay(tt.attempt)
		if got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnector_ZeroConfigGetsDefaults(t *testing.T) {
	r := NewReconnector(ReconnectConfig{}, func(string) error { return nil })
	defer r.Stop()

	if r.delay(0) != 1*time.Second {
		t.Errorf("delay(0) = %v, want the 1s default", r.delay(0))
	}
	if r.delay(100) != 60*time.Second {
		t.Errorf("delay(100) = %v, want the 60s default cap", r.delay(100))
	}
}

func TestReconnector_RetriesUntilMaxAttempts(t *testing.T) {
	attempts := make(map[string]int)
	var mu sync.Mutex

	cfg := ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	}

	dial := func(addr string) error {
		mu.Lock()
		attempts[addr]++
		mu.Unlock()
		return context.DeadlineExceeded
	}

	r := NewReconnector(cfg, dial)
	defer r.Stop()

	r.Schedule("127.0.0.1:8080")

	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	count := attempts["127.0.0.1:8080"]
	mu.Unlock()

	if count != 3 {
		t.Errorf("Expected exactly MaxAttempts=3 dials, got %d", count)
	}
}

func TestReconnector_ScheduleWhileArmedIsNoOp(t *testing.T) {
	attemptCount := 0
	var mu sync.Mutex

	cfg := ReconnectConfig{
		InitialDelay: 30 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  1,
	}

	dial := func(addr string) error {
		mu.Lock()
		attemptCount++
		mu.Unlock()
		return nil
	}

	r := NewReconnector(cfg, dial)
	defer r.Stop()

	r.Schedule("127.0.0.1:8080")
	r.Schedule("127.0.0.1:8080")
	r.Schedule("127.0.0.1:8080")

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	count := attemptCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("Expected a single dial for repeated schedules, got %d", count)
	}
}

func TestReconnector_StopsAfterSuccess(t *testing.T) {
	attemptCount := 0
	var mu sync.Mutex

	cfg := ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  5,
	}

	dial := func(addr string) error {
		mu.Lock()
		attemptCount++
		count := attemptCount
		mu.Unlock()

		if count >= 3 {
			return nil
		}
		return context.DeadlineExceeded
	}

	r := NewReconnector(cfg, dial)
	defer r.Stop()

	r.Schedule("127.0.0.1:8080")

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	count := attemptCount
	mu.Unlock()

	if count != 3 {
		t.Errorf("Expected exactly 3 attempts (success on 3rd), got %d", count)
	}
}

func TestReconnector_Stop(t *testing.T) {
	attemptCount := 0
	var mu sync.Mutex

	cfg := ReconnectConfig{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	dial := func(addr string) error {
		mu.Lock()
		attemptCount++
		mu.Unlock()
		return context.DeadlineExceeded
	}

	r := NewReconnector(cfg, dial)

	r.Schedule("addr1")
	r.Schedule("addr2")
	r.Schedule("addr3")

	r.Stop()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	count := attemptCount
	mu.Unlock()

	if count != 0 {
		t.Errorf("No dial should fire after Stop(), got %d", count)
	}

	// Scheduling after Stop is refused outright.
	r.Schedule("addr4")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count = attemptCount
	mu.Unlock()

	if count != 0 {
		t.Errorf("Schedule after Stop() must not dial, got %d", count)
	}
}

// ============================================================================
// Handshaker Tests
// ============================================================================

func TestNewHandshaker(t *testing.T) {
	localID, _ := identity.NewPeerID()
	caps := []string{"cap1", "cap2"}

	h := NewHandshaker(localID, caps, 5*time.Second)

	if h.localID != localID {
		t.Error("localID not set correctly")
	}
	if len(h.capabilities) != 2 {
		t.Error("capabilities not set correctly")
	}
	if h.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", h.timeout)
	}
}

func TestNewHandshaker_DefaultTimeout(t *testing.T) {
	localID, _ := identity.NewPeerID()

	h := NewHandshaker(localID, nil, 0)

	if h.timeout != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", h.timeout)
	}
}

// ============================================================================
// Protocol Integration Tests
// ============================================================================

func TestPeerHello_Roundtrip(t *testing.T) {
	localID, _ := identity.NewPeerID()

	hello := &protocol.PeerHello{
		Version:      protocol.ProtocolVersion,
		PeerID:       localID,
		Timestamp:    uint64(time.Now().UnixNano()),
		Capabilities: []string{"exit", "relay"},
	}

	data := hello.Encode()

	decoded, err := protocol.DecodePeerHello(data)
	if err != nil {
		t.Fatalf("DecodePeerHello failed: %v", err)
	}

	if decoded.Version != hello.Version {
		t.Errorf("Version = %d, want %d", decoded.Version, hello.Version)
	}
	if decoded.PeerID != hello.PeerID {
		t.Errorf("PeerID mismatch")
	}
	if decoded.Timestamp != hello.Timestamp {
		t.Errorf("Timestamp = %d, want %d", decoded.Timestamp, hello.Timestamp)
	}
	if len(decoded.Capabilities) != len(hello.Capabilities) {
		t.Errorf("Capabilities count = %d, want %d", len(decoded.Capabilities), len(hello.Capabilities))
	}
}

// ============================================================================
// Mock implementations for testing
// ============================================================================

type mockPeerConn struct {
	localAddr  string
	remoteAddr string
	isDialer   bool
	closed     bool
	mu         sync.Mutex
	streams    []*mockStream
}

func (m *mockPeerConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &mockStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *mockPeerConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &mockStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *mockPeerConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockPeerConn) LocalAddr() net.Addr {
	return &mockAddr{addr: m.localAddr}
}

func (m *mockPeerConn) RemoteAddr() net.Addr {
	return &mockAddr{addr: m.remoteAddr}
}

func (m *mockPeerConn) IsDialer() bool {
	return m.isDialer
}

func (m *mockPeerConn) TransportType() transport.TransportType {
	return transport.TransportQUIC
}

type mockAddr struct {
	addr string
}

func (a *mockAddr) Network() string { return "mock" }
func (a *mockAddr) String() string  { return a.addr }

type mockStream struct {
	data     []byte
	readPos  int
	closed   bool
	mu       sync.Mutex
	streamID uint64
}

func (s *mockStream) StreamID() uint64 {
	return s.streamID
}

func (s *mockStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readPos >= len(s.data) {
		return 0, context.DeadlineExceeded // Simulate timeout
	}
	n := copy(p, s.data[s.readPos:])
	s.readPos += n
	return n, nil
}

func (s *mockStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	return len(p), nil
}

func (s *mockStream) CloseWrite() error {
	return nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockStream) SetDeadline(t time.Time) error {
	return nil
}

func (s *mockStream) SetReadDeadline(t time.Time) error {
	return nil
}

func (s *mockStream) SetWriteDeadline(t time.Time) error {
	return nil
}
