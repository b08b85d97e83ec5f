package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const defaultPoolSize = 4

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
	// KeyPrefix is prepended to every key.
	KeyPrefix string
	PoolSize  int
}

// ValkeyProvider implements Provider against a Valkey server. Idle
// connections are kept for reuse up to PoolSize.
type ValkeyProvider struct {
	cfg  ValkeyConfig
	idle chan *valkeyConn

	mu     sync.Mutex
	closed bool
}

// NewValkeyProvider pings the target so bad credentials or addresses fail at startup.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	normalise(&cfg)
	p := &ValkeyProvider{cfg: cfg, idle: make(chan *valkeyConn, cfg.PoolSize)}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping valkey %s: %w", cfg.Addr, err)
	}
	return p, nil
}

// Ping checks connectivity.
func (p *ValkeyProvider) Ping(ctx context.Context) error {
	return p.do(ctx, func(r reply) error {
		if !r.is('+', "PONG") {
			return fmt.Errorf("unexpected PING reply %q", r.data)
		}
		return nil
	}, []byte("PING"))
}

// Get returns ErrCacheMiss when key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := p.do(ctx, func(r reply) error {
		switch {
		case r.null:
			return ErrCacheMiss
		case r.kind == '$':
			out = r.data
			return nil
		default:
			return fmt.Errorf("unexpected GET reply %q", r.kind)
		}
	}, []byte("GET"), p.key(key))
	return out, err
}

// Set stores value, expiring it after ttl when ttl > 0.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := withTTL([][]byte{[]byte("SET"), p.key(key), value}, ttl)
	return p.do(ctx, func(r reply) error {
		if !r.is('+', "OK") {
			return fmt.Errorf("unexpected SET reply %q", r.data)
		}
		return nil
	}, args...)
}

// SetNX stores value only when key is absent and reports whether it did.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := withTTL([][]byte{[]byte("SET"), p.key(key), value}, ttl)
	args = append(args, []byte("NX"))
	var stored bool
	err := p.do(ctx, func(r reply) error {
		switch {
		case r.null:
			stored = false
		case r.is('+', "OK"):
			stored = true
		default:
			return fmt.Errorf("unexpected SET NX reply %q", r.data)
		}
		return nil
	}, args...)
	return stored, err
}

// Del removes key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	return p.do(ctx, func(reply) error { return nil }, []byte("DEL"), p.key(key))
}

// Close drops every idle connection. Later calls dial fresh connections
// that are not pooled.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case vc := <-p.idle:
			vc.close()
		default:
			return nil
		}
	}
}

func (p *ValkeyProvider) key(k string) []byte {
	return []byte(p.cfg.KeyPrefix + k)
}

func withTTL(args [][]byte, ttl time.Duration) [][]byte {
	if ttl <= 0 {
		return args
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return append(args, []byte("PX"), strconv.AppendInt(nil, ms, 10))
}

// do sends one command and hands its reply to handle, retrying transient
// network failures on a fresh connection.
func (p *ValkeyProvider) do(ctx context.Context, handle func(reply) error, args ...[]byte) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}
		vc, err := p.acquire(ctx)
		if err != nil {
			lastErr = err
			if retryable(err) {
				continue
			}
			return err
		}
		r, err := vc.roundTrip(ctx, args...)
		if err != nil {
			vc.close()
			lastErr = err
			var srvErr ServerError
			if errors.As(err, &srvErr) {
				return err
			}
			if retryable(err) {
				continue
			}
			return err
		}
		p.release(vc)
		return handle(r)
	}
	return lastErr
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*valkeyConn, error) {
	select {
	case vc := <-p.idle:
		return vc, nil
	default:
	}
	return p.dial(ctx)
}

func (p *ValkeyProvider) release(vc *valkeyConn) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		vc.close()
		return
	}
	select {
	case p.idle <- vc:
	default:
		vc.close()
	}
}

func (p *ValkeyProvider) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostForTLS(p.cfg.Addr)}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	vc := &valkeyConn{
		conn:         conn,
		r:            bufio.NewReader(conn),
		w:            bufio.NewWriter(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}
	if err := p.handshake(ctx, vc); err != nil {
		vc.close()
		return nil, err
	}
	return vc, nil
}

func (p *ValkeyProvider) handshake(ctx context.Context, vc *valkeyConn) error {
	if p.cfg.Password != "" {
		args := [][]byte{[]byte("AUTH")}
		if p.cfg.Username != "" {
			args = append(args, []byte(p.cfg.Username))
		}
		args = append(args, []byte(p.cfg.Password))
		r, err := vc.roundTrip(ctx, args...)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if !r.is('+', "OK") {
			return fmt.Errorf("auth: unexpected reply %q", r.data)
		}
	}
	if p.cfg.DB > 0 {
		r, err := vc.roundTrip(ctx, []byte("SELECT"), []byte(strconv.Itoa(p.cfg.DB)))
		if err != nil {
			return fmt.Errorf("select %d: %w", p.cfg.DB, err)
		}
		if !r.is('+', "OK") {
			return fmt.Errorf("select %d: unexpected reply %q", p.cfg.DB, r.data)
		}
	}
	return nil
}

type valkeyConn struct {
	conn         net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (vc *valkeyConn) roundTrip(ctx context.Context, args ...[]byte) (reply, error) {
	if err := vc.conn.SetWriteDeadline(deadline(ctx, vc.writeTimeout)); err != nil {
		return reply{}, err
	}
	if err := writeCommand(vc.w, args...); err != nil {
		return reply{}, err
	}
	if err := vc.conn.SetReadDeadline(deadline(ctx, vc.readTimeout)); err != nil {
		return reply{}, err
	}
	return readReply(vc.r)
}

func (vc *valkeyConn) close() { _ = vc.conn.Close() }

func normalise(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
}

// deadline is the earlier of now+d and the context deadline.
func deadline(ctx context.Context, d time.Duration) time.Time {
	t := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(t) {
		return dl
	}
	return t
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 25 * time.Millisecond
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostForTLS(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
