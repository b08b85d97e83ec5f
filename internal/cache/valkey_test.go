package cache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-immune/internal/utils"
)

// fakeValkey speaks enough RESP to exercise the provider.
type fakeValkey struct {
	ln       net.Listener
	password string

	mu       sync.Mutex
	data     map[string]string
	commands []string
	wg       sync.WaitGroup
}

func startFakeValkey(t *testing.T, password string) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeValkey{ln: ln, password: password, data: make(map[string]string)}
	f.wg.Add(1)
	go f.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		f.wg.Wait()
	})
	return f
}

func (f *fakeValkey) serve() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	authed := f.password == ""
	for {
		args, err := readArray(r)
		if err != nil {
			return
		}
		cmd := strings.ToUpper(args[0])
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()

		var out string
		switch {
		case cmd == "AUTH":
			if args[len(args)-1] == f.password {
				authed = true
				out = "+OK\r\n"
			} else {
				out = "-WRONGPASS invalid password\r\n"
			}
		case !authed:
			out = "-NOAUTH Authentication required\r\n"
		case cmd == "PING":
			out = "+PONG\r\n"
		case cmd == "SELECT":
			out = "+OK\r\n"
		case cmd == "GET":
			f.mu.Lock()
			v, ok := f.data[args[1]]
			f.mu.Unlock()
			if ok {
				out = "$" + strconv.Itoa(len(v)) + "\r\n" + v + "\r\n"
			} else {
				out = "$-1\r\n"
			}
		case cmd == "SET":
			nx := strings.EqualFold(args[len(args)-1], "NX")
			f.mu.Lock()
			_, exists := f.data[args[1]]
			if nx && exists {
				out = "$-1\r\n"
			} else {
				f.data[args[1]] = args[2]
				out = "+OK\r\n"
			}
			f.mu.Unlock()
		case cmd == "DEL":
			f.mu.Lock()
			delete(f.data, args[1])
			f.mu.Unlock()
			out = ":1\r\n"
		default:
			out = "-ERR unknown command\r\n"
		}
		if _, err := io.WriteString(conn, out); err != nil {
			return
		}
	}
}

func (f *fakeValkey) seen(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func readArray(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, errProtocol
	}
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rep, err := readReply(r)
		if err != nil {
			return nil, err
		}
		args = append(args, string(rep.data))
	}
	return args, nil
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	srv := startFakeValkey(t, "s3cret")
	ctx := context.Background()
	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: srv.ln.Addr().String(), Password: "s3cret", DB: 2, KeyPrefix: "immune:"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer p.Close()

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	if err := p.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("get: %q %v", got, err)
	}

	srv.mu.Lock()
	_, prefixed := srv.data["immune:k"]
	srv.mu.Unlock()
	if !prefixed {
		t.Fatalf("expected prefixed key on server")
	}
	if !srv.seen("AUTH") || !srv.seen("SELECT") {
		t.Fatalf("expected handshake commands")
	}
}

func TestValkeyProviderSetNXAndDel(t *testing.T) {
	srv := startFakeValkey(t, "")
	ctx := context.Background()
	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: srv.ln.Addr().String()})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer p.Close()

	ok, err := p.SetNX(ctx, "lease", []byte("a"), 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first SetNX: %v %v", ok, err)
	}
	ok, err = p.SetNX(ctx, "lease", []byte("b"), 30*time.Second)
	if err != nil || ok {
		t.Fatalf("second SetNX should fail: %v %v", ok, err)
	}
	if err := p.Del(ctx, "lease"); err != nil {
		t.Fatalf("del: %v", err)
	}
	ok, err = p.SetNX(ctx, "lease", []byte("c"), 0)
	if err != nil || !ok {
		t.Fatalf("SetNX after Del: %v %v", ok, err)
	}
}

func TestValkeyProviderRejectsBadPassword(t *testing.T) {
	srv := startFakeValkey(t, "right")
	_, err := NewValkeyProvider(context.Background(), ValkeyConfig{Addr: srv.ln.Addr().String(), Password: "wrong"})
	var srvErr ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestNewValkeyProviderRequiresAddr(t *testing.T) {
	if _, err := NewValkeyProvider(context.Background(), ValkeyConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestWriteCommandEncoding(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeCommand(w, []byte("SET"), []byte("k"), []byte("")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}

func TestReadReplyVariants(t *testing.T) {
	cases := []struct {
		in   string
		kind byte
		data string
		null bool
		err  bool
	}{
		{in: "+OK\r\n", kind: '+', data: "OK"},
		{in: ":42\r\n", kind: ':', data: "42"},
		{in: "$5\r\nhello\r\n", kind: '$', data: "hello"},
		{in: "$-1\r\n", kind: '$', null: true},
		{in: "_\r\n", kind: '_', null: true},
		{in: "-ERR boom\r\n", err: true},
		{in: "$5\r\nhelloXX", err: true},
		{in: "!x\r\n", err: true},
	}
	for _, tc := range cases {
		got, err := readReply(bufio.NewReader(strings.NewReader(tc.in)))
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got.kind != tc.kind || string(got.data) != tc.data || got.null != tc.null {
			t.Fatalf("%q: got %+v", tc.in, got)
		}
	}
}

func TestMemoryProviderExpiry(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	p := NewMemoryProvider(clock)
	ctx := context.Background()

	ok, _ := p.SetNX(ctx, "lease", []byte("a"), time.Minute)
	if !ok {
		t.Fatalf("expected lease acquired")
	}
	if ok, _ := p.SetNX(ctx, "lease", []byte("b"), time.Minute); ok {
		t.Fatalf("expected lease held")
	}
	clock.Advance(time.Minute)
	if _, err := p.Get(ctx, "lease"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if ok, _ := p.SetNX(ctx, "lease", []byte("c"), 0); !ok {
		t.Fatalf("expected lease after expiry")
	}
	got, err := p.Get(ctx, "lease")
	if err != nil || string(got) != "c" {
		t.Fatalf("get: %q %v", got, err)
	}
}
