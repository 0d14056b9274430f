package client

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/austinkregel/local-media/musicstream/internal/ipc"
	"github.com/austinkregel/local-media/musicstream/internal/types"
)

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

// pipeServer returns a dial func handing out the client end of a pipe and
// sends the server end on the returned channel.
func pipeServer() (dialFunc, chan *ipc.Conn) {
	accepted := make(chan *ipc.Conn, 4)
	dial := func(context.Context, string, string) (net.Conn, error) {
		server, client := net.Pipe()
		go func() {
			conn := ipc.NewConn(server)
			if _, err := ipc.ReadClientID(conn); err != nil {
				conn.Close()
				return
			}
			accepted <- conn
		}()
		return client, nil
	}
	return dial, accepted
}

func TestConnectorRetriesRefusal(t *testing.T) {
	pipeDial, accepted := pipeServer()
	var calls atomic.Int32

	c := NewConnector("control", "server:9191", "111111", 0)
	c.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if calls.Add(1) <= 3 {
			return nil, refused()
		}
		return pipeDial(ctx, network, addr)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Expected connect to succeed after refusals, got %v", err)
	}
	if c.Attempts() != 4 {
		t.Errorf("Expected 4 attempts, got %d", c.Attempts())
	}
	if !c.Connected() {
		t.Error("Expected connector to be connected")
	}
	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
		t.Error("Server never received the handshake")
	}
}

func TestConnectorRetriesRealRefusal(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	c := NewConnector("audio", addr, "111111", time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		t.Error("Expected connect to keep retrying until the deadline")
	}
	if c.Attempts() < 2 {
		t.Errorf("Expected several attempts, got %d", c.Attempts())
	}
}

func TestConnectorAbandonsOtherErrors(t *testing.T) {
	c := NewConnector("control", "server:9191", "111111", 0)
	c.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}
	}

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Expected an error")
	}
	if errors.Is(err, ipc.ErrConnectionRefused) {
		t.Error("Unreachable network must not be reported as refusal")
	}
	if c.Attempts() != 1 {
		t.Errorf("Expected a single attempt, got %d", c.Attempts())
	}
	if c.Connected() {
		t.Error("Expected connector to stay disconnected")
	}
}

func TestConnectorReconnectTrigger(t *testing.T) {
	pipeDial, accepted := pipeServer()
	var fail atomic.Bool
	fail.Store(true)

	c := NewConnector("control", "server:9191", "111111", 0)
	c.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if fail.Load() {
			return nil, errors.New("no route to host")
		}
		return pipeDial(ctx, network, addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for c.Attempts() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Initial attempt never happened")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if c.Attempts() != 1 || c.Connected() {
		t.Fatalf("Expected one abandoned attempt, got %d attempts, connected=%v", c.Attempts(), c.Connected())
	}

	fail.Store(false)
	c.Reconnect()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if _, err := c.WaitConnected(waitCtx); err != nil {
		t.Fatalf("Expected reconnect to succeed, got %v", err)
	}
	(<-accepted).Close()
}

func TestPairedConnectorsReconnectTogether(t *testing.T) {
	controlDial, controlAccepted := pipeServer()
	audioDial, audioAccepted := pipeServer()

	control := NewConnector("control", "server:9191", "111111", 0)
	control.dial = controlDial
	audio := NewConnector("audio", "server:9090", "111111", 0)
	audio.dial = audioDial
	control.Pair(audio)

	var changes atomic.Int32
	control.SetOnChange(func(bool) { changes.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go control.Run(ctx)
	go audio.Run(ctx)

	firstControl := <-controlAccepted
	firstAudio := <-audioAccepted
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if _, err := control.WaitConnected(waitCtx); err != nil {
		t.Fatalf("Control never connected: %v", err)
	}
	if _, err := audio.WaitConnected(waitCtx); err != nil {
		t.Fatalf("Audio never connected: %v", err)
	}

	// Losing the audio channel alone must renew the control channel as well
	audio.Reconnect()

	for _, accepted := range []chan *ipc.Conn{controlAccepted, audioAccepted} {
		select {
		case conn := <-accepted:
			defer conn.Close()
		case <-time.After(time.Second):
			t.Fatal("Expected both channels to reconnect")
		}
	}
	if _, err := ipc.ReadMessage(firstControl); err == nil {
		t.Error("Expected the old control connection to be closed")
	}
	if _, err := ipc.ReadMessage(firstAudio); err == nil {
		t.Error("Expected the old audio connection to be closed")
	}

	waitCtx, waitCancel = context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if _, err := control.WaitConnected(waitCtx); err != nil {
		t.Fatalf("Control never reconnected: %v", err)
	}
	if _, err := audio.WaitConnected(waitCtx); err != nil {
		t.Fatalf("Audio never reconnected: %v", err)
	}

	// connected, dropped, connected again
	deadline := time.Now().Add(time.Second)
	for changes.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if changes.Load() != 3 {
		t.Errorf("Expected 3 connection changes, got %d", changes.Load())
	}
}

func TestControllerSearch(t *testing.T) {
	pipeDial, accepted := pipeServer()
	c := NewConnector("control", "server:9191", "111111", 0)
	c.dial = pipeDial
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	server := <-accepted
	defer server.Close()

	ctrl := NewController(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	go func() {
		payload, err := ipc.ReadMessage(server)
		if err != nil {
			return
		}
		cmd := ipc.ParseCommand(payload)
		if cmd.Name != ipc.CmdSearch || cmd.Arg != "daftpunk" {
			ipc.WriteSearchResults(server, nil)
			return
		}
		ipc.WriteSearchResults(server, []types.Song{{ID: 1, Name: "One More Time", Artist: "Daft Punk", Duration: 320}})
	}()

	songs, err := ctrl.Search(ctx, "  daft punk ")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(songs) != 1 || songs[0].Name != "One More Time" {
		t.Errorf("Expected the stripped term to match, got %+v", songs)
	}
}

func TestControllerBlankSearchSkipsNetwork(t *testing.T) {
	c := NewConnector("control", "server:9191", "111111", 0)
	ctrl := NewController(c)

	songs, err := ctrl.Search(context.Background(), " \t ")
	if err != nil || songs != nil {
		t.Errorf("Expected empty result without error, got %v (%v)", songs, err)
	}
}

func TestControllerTerminateAndReconnect(t *testing.T) {
	pipeDial, accepted := pipeServer()
	c := NewConnector("control", "server:9191", "111111", 0)
	c.dial = pipeDial
	c.Connect(context.Background())
	server := <-accepted

	ctrl := NewController(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ctrl.TerminateSongDataRecv()
	payload, err := ipc.ReadMessage(server)
	if err != nil {
		t.Fatalf("Failed to read command: %v", err)
	}
	if cmd := ipc.ParseCommand(payload); cmd.Name != ipc.CmdTerminateSongDataRecv {
		t.Errorf("Expected terminate command, got %q", cmd.Name)
	}

	// A broken connection during a search drops it and requests a reconnect
	server.Close()
	if _, err := ctrl.Search(ctx, "anything"); err == nil {
		t.Error("Expected search on a closed connection to fail")
	}
	if c.Connected() {
		t.Error("Expected the broken connection to be dropped")
	}
	select {
	case <-c.trigger:
	default:
		t.Error("Expected a reconnect to be requested")
	}
}
