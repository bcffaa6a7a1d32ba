package atomberg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBroadcastPort   = 5625
	DefaultMinDatagramSize = 40

	maxDatagramSize = 2048
)

// StateEvent is one decoded broadcast.
type StateEvent struct {
	DeviceID   string
	State      DeviceState
	Source     string
	ReceivedAt time.Time
}

type ListenerOptions struct {
	Addr            string
	MinDatagramSize int
	Logger          zerolog.Logger
}

// Listener owns the broadcast UDP socket and fans decoded events out to
// subscribers.
type Listener struct {
	addr    string
	minSize int
	logger  zerolog.Logger
	decode  func([]byte, time.Time) (DeviceState, error)
	now     func() time.Time

	mu     sync.Mutex
	subs   map[int]chan StateEvent
	nextID int
	local  net.Addr

	ready     chan struct{}
	readyOnce sync.Once
}

func NewListener(opts ListenerOptions) *Listener {
	return &Listener{
		addr:    opts.Addr,
		minSize: opts.MinDatagramSize,
		logger:  opts.Logger.With().Str("component", "broadcast_listener").Logger(),
		decode:  DecodeBroadcastAt,
		now:     time.Now,
		subs:    make(map[int]chan StateEvent),
		ready:   make(chan struct{}),
	}
}

// ListenAddr formats the wildcard bind address for port.
func ListenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

// Subscribe registers a buffered event channel. cancel closes it.
func (l *Listener) Subscribe(buffer int) (<-chan StateEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StateEvent, buffer)
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// LocalAddr is the bound socket address, nil before Run binds.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

// Run binds the socket and reads until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", l.addr, err)
	}
	defer conn.Close()

	l.mu.Lock()
	l.local = conn.LocalAddr()
	l.mu.Unlock()
	l.readyOnce.Do(func() { close(l.ready) })
	l.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("broadcast listener started")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info().Msg("broadcast listener stopped")
				return nil
			}
			l.logger.Warn().Err(err).Msg("udp read failed")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		source := ""
		if from != nil {
			source = from.String()
		}
		l.handleDatagram(data, source)
	}
}

func (l *Listener) handleDatagram(data []byte, source string) {
	datagramsReceived.Inc()
	if len(data) < l.minSize {
		datagramsUndersized.Inc()
		l.logger.Debug().Int("size", len(data)).Str("source", source).Msg("undersized datagram dropped")
		return
	}

	at := l.now()
	state, err := l.decode(data, at)
	if err != nil {
		decodeFailures.Inc()
		l.logger.Warn().Err(err).Str("source", source).Int("size", len(data)).Msg("broadcast decode failed")
		return
	}
	l.logger.Debug().Str("device_id", state.DeviceID).Str("source", source).Msg("broadcast received")

	l.publish(StateEvent{DeviceID: state.DeviceID, State: state, Source: source, ReceivedAt: at})
}

func (l *Listener) publish(event StateEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
			subscriberDrops.Inc()
		}
	}
}
