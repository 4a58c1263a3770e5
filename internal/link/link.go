// Package link manages the two physical serial connections to the
// Actor and Arm peripherals: opening the port, decoding frames off the
// wire, and reconnecting with backoff when the link drops.
package link

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/wfunc/egg-collector/internal/config"
	apperrors "github.com/wfunc/egg-collector/internal/errors"
	"github.com/wfunc/egg-collector/internal/logger"
	"github.com/wfunc/egg-collector/internal/protocol"
)

// Port is the minimal serial port surface Link depends on, satisfied by
// *serial.Port in production and swapped out in tests.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a Port for the given peer link configuration.
type Opener func(cfg config.PeerLinkConfig) (Port, error)

// OpenSerialPort is the production Opener, backed by tarm/serial.
func OpenSerialPort(cfg config.PeerLinkConfig) (Port, error) {
	path := cfg.Port
	if cfg.AutoDetect {
		found, err := detectPort(cfg.AutoDetectGlob)
		if err != nil {
			return nil, err
		}
		path = found
	}

	sc := &serial.Config{
		Name:        path,
		Baud:        cfg.BaudRate,
		Size:        byte(cfg.DataBits),
		StopBits:    mapStopBits(cfg.StopBits),
		Parity:      mapParity(cfg.Parity),
		ReadTimeout: cfg.ReadTimeout,
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrLinkPortOpen, fmt.Sprintf("open %s", path))
	}
	return p, nil
}

func detectPort(glob string) (string, error) {
	matches, err := filepath.Glob(glob)
	if err != nil || len(matches) == 0 {
		return "", apperrors.Newf(apperrors.ErrLinkPortOpen, "no device matching %s", glob)
	}
	return matches[0], nil
}

func mapStopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.Stop2
	}
	return serial.Stop1
}

func mapParity(p string) serial.Parity {
	switch p {
	case "odd":
		return serial.ParityOdd
	case "even":
		return serial.ParityEven
	default:
		return serial.ParityNone
	}
}

// discardPort is the mock-mode Port: writes are dropped, reads block
// until the port is closed.
type discardPort struct {
	closed chan struct{}
	once   sync.Once
}

func newDiscardPort() *discardPort { return &discardPort{closed: make(chan struct{})} }

func (p *discardPort) Read(b []byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}

func (p *discardPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *discardPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// ReplyHandler is invoked for every reply frame decoded off the wire.
type ReplyHandler func(protocol.PeerReply)

// defaultWriteQueueSize bounds how many encoded frames can sit in a
// Link's outbound queue waiting for the writer worker.
const defaultWriteQueueSize = 32

// defaultWriteTimeout bounds how long Send/SendCommand/SendRaw block
// behind a full write queue before giving up.
const defaultWriteTimeout = 500 * time.Millisecond

// writeRequest is one pending frame for the writer worker to flush to
// the port.
type writeRequest struct {
	data     []byte
	dataType protocol.DataType
	words    int
}

// Link owns one physical serial connection, reconnecting with
// exponential backoff whenever it drops. Writes never touch the port
// on the caller's goroutine: Send/SendCommand/SendRaw only enqueue onto
// writeCh, and a dedicated writer worker drains it, so a stalled or
// slow port can never block the control engine's dispatch loop.
type Link struct {
	peer    protocol.Peer
	cfg     config.PeerLinkConfig
	open    Opener
	onReply ReplyHandler
	log     *zap.Logger

	writeCh chan writeRequest

	mu        sync.Mutex
	port      Port
	connected bool
	stopCh    chan struct{}
}

// New creates a Link for peer. A nil open defaults to OpenSerialPort.
func New(peer protocol.Peer, cfg config.PeerLinkConfig, open Opener, onReply ReplyHandler) *Link {
	if open == nil {
		open = OpenSerialPort
	}
	return &Link{
		peer:    peer,
		cfg:     cfg,
		open:    open,
		onReply: onReply,
		log:     logger.GetModuleLogger("link." + peer.String()),
		writeCh: make(chan writeRequest, defaultWriteQueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the connect/read loop and the writer worker in the
// background.
func (l *Link) Start() {
	go l.connectLoop()
	go l.writeLoop()
}

// writeLoop is the sole goroutine that ever touches port.Write: it
// drains writeCh and flushes each request to whatever port is
// currently connected, dropping frames queued while disconnected
// rather than blocking on them (the ACK-timeout retry path resends).
func (l *Link) writeLoop() {
	for {
		select {
		case <-l.stopCh:
			return
		case req := <-l.writeCh:
			l.mu.Lock()
			port := l.port
			connected := l.connected
			l.mu.Unlock()

			if !connected || port == nil {
				l.log.Warn("dropping queued frame, link not connected",
					zap.String("dataType", fmt.Sprintf("0x%02X", byte(req.dataType))))
				continue
			}
			if _, err := port.Write(req.data); err != nil {
				l.log.Warn("write failed", zap.Error(err))
				continue
			}
			logger.LogFrame(l.peer.String(), "tx", byte(req.dataType), req.words)
		}
	}
}

// Stop closes the current port and ends the connect/read loop.
func (l *Link) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	if l.port != nil {
		l.port.Close()
	}
}

// Connected reports whether the link currently has an open port.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Link) connectLoop() {
	initial := l.cfg.ReconnectInitial
	if initial <= 0 {
		initial = 5 * time.Second
	}
	max := l.cfg.ReconnectMax
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := initial

	if l.cfg.MockMode {
		port := newDiscardPort()
		l.setConnected(port, true)
		l.log.Info("mock mode active, no physical port opened")
		l.readLoop(port)
		l.setConnected(nil, false)
		return
	}

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		port, err := l.open(l.cfg)
		if err != nil {
			l.log.Warn("connect failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-l.stopCh:
				return
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
			continue
		}

		backoff = initial
		l.setConnected(port, true)
		l.log.Info("connected", zap.String("port", l.cfg.Port))
		l.readLoop(port)
		l.setConnected(nil, false)

		select {
		case <-l.stopCh:
			return
		default:
		}
	}
}

func (l *Link) setConnected(port Port, ok bool) {
	l.mu.Lock()
	l.port = port
	l.connected = ok
	l.mu.Unlock()
}

func (l *Link) readLoop(port Port) {
	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			l.log.Warn("read error, reconnecting", zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}

		for _, f := range dec.Feed(buf[:n]) {
			reply, err := protocol.DecodeReply(l.peer, f)
			if err != nil {
				l.log.Warn("undecodable frame", zap.Error(err))
				continue
			}
			logger.LogFrame(l.peer.String(), "rx", byte(f.DataType), len(f.Payload))
			if l.onReply != nil {
				l.onReply(reply)
			}
		}
	}
}

// Send encodes dataType/payload and queues it for the writer worker.
// It returns ErrLinkWriteQueueFull if the queue is still full after
// the configured write timeout; it does not wait for the frame to
// actually reach the wire.
func (l *Link) Send(dataType protocol.DataType, payload []uint16) error {
	data, err := protocol.Encode(dataType, payload)
	if err != nil {
		return err
	}
	return l.enqueue(writeRequest{data: data, dataType: dataType, words: len(payload)})
}

// SendCommand encodes and queues an OutboundCommand.
func (l *Link) SendCommand(cmd protocol.OutboundCommand) error {
	dt, payload := cmd.Encode()
	return l.Send(dt, payload)
}

// SendRaw queues pre-encoded wire bytes directly, used for the Arm's
// multi-coordinate detection output frame. dataType is only used for
// logging the queued frame.
func (l *Link) SendRaw(dataType protocol.DataType, data []byte) error {
	return l.enqueue(writeRequest{data: data, dataType: dataType})
}

func (l *Link) enqueue(req writeRequest) error {
	select {
	case l.writeCh <- req:
		return nil
	default:
	}

	timeout := l.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.writeCh <- req:
		return nil
	case <-l.stopCh:
		return apperrors.New(apperrors.ErrLinkNotConnected, fmt.Sprintf("%s link stopped", l.peer))
	case <-timer.C:
		return apperrors.New(apperrors.ErrLinkWriteQueueFull, fmt.Sprintf("%s write queue full", l.peer))
	}
}
