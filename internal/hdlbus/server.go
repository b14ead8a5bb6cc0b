package hdlbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for ServerConfig.
const (
	// DefaultPort is the HDL Buspro UDP port used by gateways.
	DefaultPort = 6000

	// readErrorBackoff is the pause after a transient read error.
	readErrorBackoff = 50 * time.Millisecond

	// maxConsecutiveReadErrors is the number of back-to-back read failures
	// after which the socket is treated as dead.
	maxConsecutiveReadErrors = 10
)

// ServerState is the lifecycle state of a Server.
type ServerState int32

// Server lifecycle states.
const (
	StateStopped ServerState = iota
	StateStarting
	StateRunning
)

// String returns the state name.
func (s ServerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ServerConfig holds transport and retry settings.
// Zero values select the defaults, so a zero RetryCount means three resends.
type ServerConfig struct {
	// ListenPort is used when the listen address passed to Start has no port.
	// Default: 6000.
	ListenPort int

	// GatewayPort is used when the gateway address passed to Start has no port.
	// Default: 6000.
	GatewayPort int

	// RetryCount is the number of resends after the initial send.
	// Zero selects the default; any negative value disables resends.
	// Default: 3.
	RetryCount int

	// RetryInterval is the delay between sends.
	// Default: 600ms.
	RetryInterval time.Duration
}

// ServerStats holds operational statistics.
type ServerStats struct {
	PacketsTx      uint64
	PacketsRx      uint64
	PacketsDropped uint64 // Datagrams that failed to decode
	Retries        uint64 // Resends issued by retry handles
	ErrorsTotal    uint64
	LastActivity   time.Time
	Running        bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Server owns the UDP socket to the HDL gateway.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Device.ProcessPacket is called on the single receive goroutine.
//   - Sends racing Stop either complete on the open socket or fail with
//     ErrNotStarted.
type Server struct {
	cfg       ServerConfig
	registry  *Registry
	scheduler *Scheduler

	// Socket state
	connMu   sync.RWMutex
	conn     *net.UDPConn
	state    ServerState
	listenIP netip.Addr
	gateway  *net.UDPAddr

	wg sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	packetsTx      atomic.Uint64
	packetsRx      atomic.Uint64
	packetsDropped atomic.Uint64
	retries        atomic.Uint64
	errorsTotal    atomic.Uint64
	lastActivity   atomic.Int64 // Unix timestamp
}

// NewServer creates a stopped server with an empty registry.
func NewServer(cfg ServerConfig) *Server {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultPort
	}
	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = DefaultPort
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	return &Server{
		cfg:       cfg,
		registry:  NewRegistry(),
		scheduler: NewScheduler(),
	}
}

// Start binds the listen address and starts the receive loop.
//
// Both addresses may carry a port ("0.0.0.0:6000"); without one the
// configured ListenPort or GatewayPort is used. The socket is opened with
// SO_BROADCAST so the gateway may be a broadcast address.
//
// Parameters:
//   - ctx: Context for cancellation of the bind
//   - listenAddr: Local IPv4 address, e.g. "0.0.0.0"
//   - gatewayAddr: Gateway or broadcast address, e.g. "255.255.255.255"
//
// Returns:
//   - error: ErrAlreadyStarted if not stopped, ErrListenFailed on bind errors
func (s *Server) Start(ctx context.Context, listenAddr, gatewayAddr string) error {
	s.connMu.Lock()
	if s.state != StateStopped {
		s.connMu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.connMu.Unlock()

	conn, listenIP, gateway, err := s.open(ctx, listenAddr, gatewayAddr)
	if err != nil {
		s.connMu.Lock()
		s.state = StateStopped
		s.connMu.Unlock()
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.listenIP = listenIP
	s.gateway = gateway
	s.state = StateRunning
	s.wg.Add(1)
	s.connMu.Unlock()

	s.lastActivity.Store(time.Now().Unix())
	go s.receiveLoop(conn)

	s.logInfo("hdl server started",
		"listen", conn.LocalAddr().String(),
		"gateway", gateway.String(),
	)
	return nil
}

// open resolves both endpoints and binds the socket.
func (s *Server) open(ctx context.Context, listenAddr, gatewayAddr string) (*net.UDPConn, netip.Addr, *net.UDPAddr, error) {
	listenHost, listenPort := splitHostPort(listenAddr, s.cfg.ListenPort)
	if listenHost == "" {
		listenHost = "0.0.0.0"
	}
	listenIP, err := netip.ParseAddr(listenHost)
	if err != nil || !listenIP.Unmap().Is4() {
		return nil, netip.Addr{}, nil, fmt.Errorf("%w: listen address %q is not IPv4", ErrListenFailed, listenAddr)
	}
	listenIP = listenIP.Unmap()

	gatewayHost, gatewayPort := splitHostPort(gatewayAddr, s.cfg.GatewayPort)
	gateway, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(gatewayHost, strconv.Itoa(gatewayPort)))
	if err != nil {
		return nil, netip.Addr{}, nil, fmt.Errorf("%w: resolve gateway %q: %w", ErrListenFailed, gatewayAddr, err)
	}

	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(listenIP.String(), strconv.Itoa(listenPort)))
	if err != nil {
		return nil, netip.Addr{}, nil, fmt.Errorf("%w: %w", ErrListenFailed, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, netip.Addr{}, nil, fmt.Errorf("%w: unexpected packet conn %T", ErrListenFailed, pc)
	}

	return conn, listenIP, gateway, nil
}

// splitHostPort returns host and port, using def when addr has no port.
func splitHostPort(addr string, def int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, def
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, def
	}
	return host, port
}

// Stop closes the socket and waits for the receive loop to exit.
// Calling Stop on a server that is not running does nothing.
//
// Pending retry handles are not cancelled; their next resend fails with
// ErrNotStarted and they stop on their own.
func (s *Server) Stop() {
	s.connMu.Lock()
	if s.state != StateRunning || s.conn == nil {
		s.connMu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	conn.Close() // unblocks ReadFromUDP
	s.connMu.Unlock()

	s.wg.Wait()

	s.connMu.Lock()
	s.state = StateStopped
	s.connMu.Unlock()

	s.logInfo("hdl server stopped")
}

// Close stops the server and cancels every pending retry.
func (s *Server) Close() error {
	s.Stop()
	s.scheduler.Close()
	return nil
}

// Send stamps the controller identity on p and writes one datagram to the
// gateway. Source, SourceType and ReplyAddress supplied by the caller are
// overwritten.
//
// Returns:
//   - error: ErrNotStarted, ErrEncodingFailed or ErrSendFailed
func (s *Server) Send(p Packet) error {
	_, err := s.send(p)
	return err
}

// SendWithRetry sends p and schedules resends with the configured policy.
func (s *Server) SendWithRetry(p Packet) (*RetryHandle, error) {
	return s.SendWithRetryPolicy(p, s.cfg.RetryCount, s.cfg.RetryInterval)
}

// SendWithRetryPolicy sends p once, then resends the identical frame every
// interval until count resends have happened or the handle is cancelled.
//
// Parameters:
//   - p: Packet to send
//   - count: Number of resends after the initial send
//   - interval: Delay between sends
//
// Returns:
//   - *RetryHandle: Handle the caller may cancel on acknowledgement
//   - error: Failure of the initial send; no handle is created
func (s *Server) SendWithRetryPolicy(p Packet, count int, interval time.Duration) (*RetryHandle, error) {
	frame, err := s.send(p)
	if err != nil {
		return nil, err
	}

	return s.scheduler.Schedule(frame, count, interval, s.resend), nil
}

// send stamps, encodes and writes p, returning the frame written.
func (s *Server) send(p Packet) ([]byte, error) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	if s.conn == nil {
		return nil, ErrNotStarted
	}

	p.Source = ControllerAddress
	p.SourceType = ControllerDeviceType
	p.ReplyAddress = s.listenIP

	frame, err := p.Encode()
	if err != nil {
		return nil, err
	}

	if err := s.writeLocked(frame); err != nil {
		return nil, err
	}

	s.logDebug("packet sent", "packet", p)
	return frame, nil
}

// resend writes a previously encoded frame. Used by retry handles.
func (s *Server) resend(frame []byte) error {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	if s.conn == nil {
		return ErrNotStarted
	}

	if err := s.writeLocked(frame); err != nil {
		return err
	}

	s.retries.Add(1)
	return nil
}

// writeLocked writes one datagram. Caller holds connMu for reading.
func (s *Server) writeLocked(frame []byte) error {
	if _, err := s.conn.WriteToUDP(frame, s.gateway); err != nil {
		s.errorsTotal.Add(1)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	s.packetsTx.Add(1)
	s.lastActivity.Store(time.Now().Unix())
	return nil
}

// datagramReader is the receive half of the server socket.
type datagramReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
}

// receiveLoop reads datagrams until the socket is closed or keeps failing.
// After maxConsecutiveReadErrors failures in a row the socket is closed and
// the server drops to StateStopped.
func (s *Server) receiveLoop(conn datagramReader) {
	defer s.wg.Done()

	buf := make([]byte, MaxPacketSize)
	failures := 0

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.errorsTotal.Add(1)
			failures++
			if failures >= maxConsecutiveReadErrors {
				s.logError("socket failed, receive loop stopped", err)
				s.abandon(conn)
				return
			}
			s.logError("read failed", err)
			time.Sleep(readErrorBackoff)
			continue
		}

		failures = 0
		s.handleDatagram(buf, n)
	}
}

// abandon closes a dead socket unless Stop has already replaced it.
func (s *Server) abandon(conn datagramReader) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil || datagramReader(s.conn) != conn {
		return
	}
	s.conn.Close()
	s.conn = nil
	s.state = StateStopped
}

// handleDatagram decodes one datagram and routes it by source address.
func (s *Server) handleDatagram(buf []byte, n int) {
	p := Decode(buf, n)
	if p == nil {
		s.packetsDropped.Add(1)
		return
	}

	s.packetsRx.Add(1)
	s.lastActivity.Store(time.Now().Unix())

	d, ok := s.registry.GetDevice(p.Source)
	if !ok {
		return
	}

	s.dispatch(d, p)
}

// dispatch delivers p to d, recovering from panics in device code so the
// receive loop survives.
func (s *Server) dispatch(d Device, p *Packet) {
	defer func() {
		if r := recover(); r != nil {
			s.errorsTotal.Add(1)
			s.logError("device panicked processing packet",
				fmt.Errorf("panic: %v (device %s, %s)", r, d.Address(), p.Command))
		}
	}()

	d.ProcessPacket(p)
}

// AddDevice registers d. Returns false if its address is already taken.
func (s *Server) AddDevice(d Device) bool {
	return s.registry.AddDevice(d)
}

// GetDevice returns the device registered at addr.
func (s *Server) GetDevice(addr Address) (Device, bool) {
	return s.registry.GetDevice(addr)
}

// Registry returns the server's device registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.state
}

// LocalAddr returns the bound socket address, or nil when not running.
func (s *Server) LocalAddr() *net.UDPAddr {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	if s.conn == nil {
		return nil
	}
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// PendingRetries returns the number of live retry handles.
func (s *Server) PendingRetries() int {
	return s.scheduler.Pending()
}

// Stats returns current operational statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		PacketsTx:      s.packetsTx.Load(),
		PacketsRx:      s.packetsRx.Load(),
		PacketsDropped: s.packetsDropped.Load(),
		Retries:        s.retries.Load(),
		ErrorsTotal:    s.errorsTotal.Load(),
		LastActivity:   time.Unix(s.lastActivity.Load(), 0),
		Running:        s.State() == StateRunning,
	}
}

// HealthCheck reports ErrNotStarted unless the socket is open.
func (s *Server) HealthCheck(_ context.Context) error {
	if s.State() != StateRunning {
		return ErrNotStarted
	}
	return nil
}

// SetLogger sets the logger for this server and its retry scheduler.
func (s *Server) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()

	s.scheduler.SetLogger(logger)
}

func (s *Server) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// logDebug logs a debug message if logger is set.
func (s *Server) logDebug(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (s *Server) logInfo(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (s *Server) logError(msg string, err error) {
	if logger := s.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
