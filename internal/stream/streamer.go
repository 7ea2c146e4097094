package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTooManyStreams is returned when every relay slot is taken.
	ErrTooManyStreams = errors.New("too many concurrent streams")
	// ErrPermanent wraps connect errors that must not be retried, such as an
	// upstream 4xx.
	ErrPermanent = errors.New("permanent stream error")
)

// Config tunes the relay. Zero values fall back to sane defaults.
type Config struct {
	ChunkSize         int
	MaxConnectRetries int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxConnections    int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1024
	}
	if c.MaxConnectRetries < 0 {
		c.MaxConnectRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 64
	}
	return c
}

// Metrics summarizes one relay.
type Metrics struct {
	BytesTransferred int64
	ChunkCount       int
	RetryCount       int
	Duration         time.Duration
}

// Throughput returns bytes per second over the relay's lifetime.
func (m Metrics) Throughput() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return float64(m.BytesTransferred) / m.Duration.Seconds()
}

// ConnectFunc opens the upstream stream. It is retried on transient failure;
// wrap an error with ErrPermanent to stop retrying.
type ConnectFunc func(ctx context.Context) (io.ReadCloser, error)

// Flusher is the subset of http.Flusher the relay needs.
type Flusher interface {
	Flush()
}

// Streamer relays upstream bytes to clients in fixed-size chunks, with a
// bounded number of concurrent relays and retried connection establishment.
// Only the connect phase is retried: once bytes have been forwarded a resume
// would duplicate output on the client side.
type Streamer struct {
	cfg    Config
	slots  chan struct{}
	logger zerolog.Logger
}

func NewStreamer(cfg Config, logger zerolog.Logger) *Streamer {
	cfg = cfg.withDefaults()
	return &Streamer{
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.MaxConnections),
		logger: logger.With().Str("component", "Streamer").Logger(),
	}
}

// ActiveStreams reports how many relays are currently open.
func (s *Streamer) ActiveStreams() int {
	return len(s.slots)
}

// Session is one open relay holding a slot and a connected upstream body.
type Session struct {
	streamer *Streamer
	body     io.ReadCloser
	metrics  Metrics
	start    time.Time
	closed   bool
}

// Open takes a relay slot and connects upstream, retrying transient connect
// failures with exponential backoff. The caller must Close the session.
func (s *Streamer) Open(ctx context.Context, dial ConnectFunc) (*Session, error) {
	select {
	case s.slots <- struct{}{}:
	default:
		return nil, ErrTooManyStreams
	}

	sess := &Session{streamer: s, start: time.Now()}
	body, err := s.connect(ctx, dial, &sess.metrics)
	if err != nil {
		<-s.slots
		return nil, err
	}
	sess.body = body
	return sess, nil
}

func (s *Streamer) connect(ctx context.Context, dial ConnectFunc, m *Metrics) (io.ReadCloser, error) {
	backoff := s.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxConnectRetries; attempt++ {
		if attempt > 0 {
			m.RetryCount++
			s.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying upstream connection")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		}

		body, err := dial(ctx)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrPermanent) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("connecting upstream after %d retries: %w", s.cfg.MaxConnectRetries, lastErr)
}

// Copy relays the upstream body to w, flushing once a full chunk has
// accumulated and again at end of stream. The returned metrics are valid
// even when the relay errors mid-flight.
func (sess *Session) Copy(ctx context.Context, w io.Writer, flusher Flusher) (Metrics, error) {
	cfg := sess.streamer.cfg
	m := &sess.metrics
	defer func() { m.Duration = time.Since(sess.start) }()

	emit := func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("writing chunk to client: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		m.BytesTransferred += int64(len(chunk))
		m.ChunkCount++
		return nil
	}

	buf := make([]byte, cfg.ChunkSize)
	pending := make([]byte, 0, cfg.ChunkSize*2)

	for {
		if ctx.Err() != nil {
			if len(pending) > 0 {
				_ = emit(pending)
			}
			return *m, ctx.Err()
		}

		n, readErr := sess.body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for len(pending) >= cfg.ChunkSize {
				if err := emit(pending[:cfg.ChunkSize]); err != nil {
					return *m, err
				}
				pending = pending[cfg.ChunkSize:]
			}
		}
		if readErr != nil {
			if len(pending) > 0 {
				if err := emit(pending); err != nil {
					return *m, err
				}
			}
			if readErr == io.EOF {
				return *m, nil
			}
			return *m, fmt.Errorf("reading upstream: %w", readErr)
		}
	}
}

// Metrics returns the session's counters so far.
func (sess *Session) Metrics() Metrics {
	return sess.metrics
}

// Close releases the relay slot and the upstream body. Safe to call once.
func (sess *Session) Close() error {
	if sess.closed {
		return nil
	}
	sess.closed = true
	var err error
	if sess.body != nil {
		err = sess.body.Close()
	}
	<-sess.streamer.slots
	return err
}
