package framenet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRouter(t *testing.T, name string) *Router {
	t.Helper()
	r, err := NewRouter(name, HeaderLayout{HeaderLen: 6, ProtocolLen: 2})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return r
}

func TestDialInvalidAddress(t *testing.T) {
	r := testRouter(t, "client")
	for _, addr := range []string{"localhost:1234", "example.com:80", "nonsense", "1.2.3.4"} {
		if _, err := Dial(addr, r); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("%q: got %v, want ErrInvalidAddress", addr, err)
		}
	}
}

func TestDialRefused(t *testing.T) {
	// Grab a free port and release it so the connect gets refused.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	r := testRouter(t, "client")
	if _, err := Dial(addr, r); !errors.Is(err, ErrConnectRefused) {
		t.Fatalf("got %v, want ErrConnectRefused", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()
	go func() {
		if c, err := lis.Accept(); err == nil {
			defer c.Close()
			io.Copy(io.Discard, c)
		}
	}()

	r := testRouter(t, "client")
	conn, err := Dial(lis.Addr().String(), r)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	if err := conn.Write(1, []byte("late")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestWriteWireFormat(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	got := make(chan []byte, 1)
	go func() {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 9)
		if _, err := io.ReadFull(c, buf); err == nil {
			got <- buf
		}
	}()

	r := testRouter(t, "client")
	conn, err := Dial(lis.Addr().String(), r)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.Write(7, []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := []byte{0, 7, 0, 0, 0, 3, 'a', 'b', 'c'}
	select {
	case buf := <-got:
		if !bytes.Equal(buf, want) {
			t.Fatalf("wire bytes %v, want %v", buf, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame bytes")
	}
}

func TestReadLoopDispatchOrder(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	layout := HeaderLayout{HeaderLen: 6, ProtocolLen: 2}
	go func() {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		// Two back-to-back frames in one write.
		first, _ := EncodeFrame(layout, 1, []byte("first"))
		second, _ := EncodeFrame(layout, 2, []byte("second"))
		c.Write(append(first, second...))
	}()

	r := testRouter(t, "client")
	received := make(chan Frame, 2)
	for _, p := range []uint64{1, 2} {
		p := p
		if err := r.Register(p, func(ctx *Context, payload []byte) {
			received <- Frame{Protocol: p, Payload: payload}
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	conn, err := Dial(lis.Addr().String(), r)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	go conn.ReadLoop()

	for i, want := range []string{"first", "second"} {
		select {
		case f := <-received:
			if f.Protocol != uint64(i+1) || string(f.Payload) != want {
				t.Fatalf("frame %d: (%d, %q)", i, f.Protocol, f.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

// wrappedEOFConn ends the stream with an EOF wrapped by an intermediate
// transport layer.
type wrappedEOFConn struct{}

func (wrappedEOFConn) Read([]byte) (int, error) {
	return 0, fmt.Errorf("transport: %w", io.EOF)
}
func (wrappedEOFConn) Write(p []byte) (int, error) { return len(p), nil }
func (wrappedEOFConn) Close() error { return nil }
func (wrappedEOFConn) LocalAddr() net.Addr { return stubAddr("127.0.0.1:0") }
func (wrappedEOFConn) RemoteAddr() net.Addr { return stubAddr("127.0.0.1:1") }
func (wrappedEOFConn) SetDeadline(time.Time) error { return nil }
func (wrappedEOFConn) SetReadDeadline(time.Time) error { return nil }
func (wrappedEOFConn) SetWriteDeadline(time.Time) error { return nil }

func TestReadLoopWrappedEOFIsQuiet(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	r := testRouter(t, "client")
	conn := newConn(wrappedEOFConn{}, r, WithConnLogger(logger))
	conn.ReadLoop()

	if !conn.Closed() {
		t.Fatal("connection not closed after end-of-stream")
	}
	if strings.Contains(logs.String(), "read error") {
		t.Fatalf("wrapped EOF logged as read error:\n%s", logs.String())
	}
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	const writers = 8
	const perWriter = 25
	layout := HeaderLayout{HeaderLen: 6, ProtocolLen: 2}

	frames := make(chan Frame, writers*perWriter)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := lis.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		rs, _ := NewReassembler(layout)
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				got, ferr := rs.Feed(buf[:n])
				for _, f := range got {
					frames <- f
				}
				if ferr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	r := testRouter(t, "client")
	conn, err := Dial(lis.Addr().String(), r)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	payload := bytes.Repeat([]byte("x"), 700)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := conn.Write(11, payload); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	conn.Close()
	<-done

	close(frames)
	count := 0
	for f := range frames {
		if f.Protocol != 11 || !bytes.Equal(f.Payload, payload) {
			t.Fatalf("corrupted frame: protocol %d, %d payload bytes", f.Protocol, len(f.Payload))
		}
		count++
	}
	if count != writers*perWriter {
		t.Fatalf("got %d intact frames, want %d", count, writers*perWriter)
	}
}
