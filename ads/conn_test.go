package ads_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adslink/ads"
	"adslink/adstest"
)

var plc = ads.AmsAddress{NetId: ads.AmsNetId{192, 168, 100, 174, 1, 1}, Port: ads.PortPLC1}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// serialSetup connects a serial Conn to a simulated peer.
func serialSetup(t *testing.T, respond adstest.RespondFunc, skipAcks int, opts ...ads.Option) (*ads.Conn, *adstest.SerialPeer) {
	t.Helper()
	client, device := adstest.Pipe()
	peer := adstest.NewSerialPeer(device, respond)
	peer.SkipAcks = skipAcks

	served := make(chan error, 1)
	go func() { served <- peer.Serve() }()

	conn := ads.NewSerialConn(adstest.Factory(client), plc, opts...)
	if err := conn.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		device.Close()
		if err := <-served; err != nil {
			t.Errorf("peer: %v", err)
		}
	})
	return conn, peer
}

func tcpSetup(t *testing.T, respond adstest.RespondFunc, opts ...ads.Option) *ads.Conn {
	t.Helper()
	client, device := adstest.Pipe()
	go adstest.ServeTCP(device, respond)

	conn := ads.NewTCPConn(adstest.Factory(client), plc, opts...)
	if err := conn.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		device.Close()
	})
	return conn
}

func TestSerialRead(t *testing.T) {
	conn, peer := serialSetup(t, adstest.ReadReply([]byte{0xAF, 0x27}), 0)

	resp, err := conn.Read(ads.RawAddress{IndexGroup: 0x4020, IndexOffset: 4}, 2).Wait(testContext(t))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{0xAF, 0x27}) {
		t.Errorf("data = % X, want AF 27", resp.Data)
	}
	if resp.Frame.InvokeId == 0 || resp.Frame.Command != ads.CmdRead {
		t.Errorf("response frame %s", resp.Frame)
	}

	want := []adstest.PeerState{adstest.ReceiveRequest, adstest.AckMessage, adstest.SendResponse, adstest.WaitForAck, adstest.Done}
	waitFor(t, "peer to finish the exchange", func() bool { return len(peer.States()) >= len(want) })
	got := peer.States()[:len(want)]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("peer states = %v, want %v", got, want)
		}
	}

	reqs := peer.Requests()
	if len(reqs) != 1 {
		t.Fatalf("peer saw %d requests", len(reqs))
	}
	if reqs[0].Target != plc || reqs[0].Source != conn.Source() || reqs[0].InvokeId != resp.Frame.InvokeId {
		t.Errorf("request header %s", reqs[0])
	}

	st := conn.Stats()
	if st.FramesSent != 1 || st.FramesReceived != 1 || st.AcksSent != 1 || st.AcksReceived != 1 || st.Retransmits != 0 {
		t.Errorf("stats = %+v", st)
	}
	if conn.State() != ads.LinkIdle {
		t.Errorf("state = %s, want Idle", conn.State())
	}
}

func TestSerialRetransmit(t *testing.T) {
	conn, peer := serialSetup(t, adstest.ReadReply([]byte{1, 2}), 1, ads.WithAckTimeout(30*time.Millisecond))

	resp, err := conn.Read(ads.RawAddress{IndexGroup: 0x4020}, 2).Wait(testContext(t))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{1, 2}) {
		t.Errorf("data = % X", resp.Data)
	}
	if st := conn.Stats(); st.Retransmits != 1 {
		t.Errorf("retransmits = %d, want 1", st.Retransmits)
	}
	if n := len(peer.Requests()); n != 1 {
		t.Errorf("peer answered %d requests, want 1", n)
	}
}

func TestSerialAckTimeoutFailsEverything(t *testing.T) {
	client, device := adstest.Pipe()
	defer device.Close()

	conn := ads.NewSerialConn(adstest.Factory(client), plc,
		ads.WithAckTimeout(20*time.Millisecond), ads.WithMaxRetries(2))
	if err := conn.Connect(testContext(t)); err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var futures []*ads.Future
	for i := 0; i < 3; i++ {
		futures = append(futures, conn.Read(ads.RawAddress{IndexGroup: 0x4020, IndexOffset: uint32(i)}, 2))
	}
	for i, f := range futures {
		_, err := f.Wait(testContext(t))
		if !errors.Is(err, ads.ErrConnectionClosed) || !errors.Is(err, ads.ErrAckTimeout) {
			t.Errorf("request %d: err = %v", i, err)
		}
	}

	<-conn.Done()
	if conn.State() != ads.LinkFailed {
		t.Errorf("state = %s, want Failed", conn.State())
	}
	if !errors.Is(conn.Err(), ads.ErrAckTimeout) {
		t.Errorf("Err() = %v", conn.Err())
	}
	if st := conn.Stats(); st.Retransmits != 2 || st.FramesSent != 1 || st.Pending != 0 {
		t.Errorf("stats = %+v", st)
	}

	// The original plus two identical retransmissions.
	raw := make([]byte, 256)
	n, _ := device.Read(raw)
	var d ads.Deframer
	d.Write(raw[:n])
	var envs []*ads.Envelope
	for {
		env, err := d.Next()
		if err != nil || env == nil {
			break
		}
		envs = append(envs, env)
	}
	if len(envs) != 3 {
		t.Fatalf("wire carried %d envelopes, want 3", len(envs))
	}
	for _, env := range envs[1:] {
		if env.Fragment != envs[0].Fragment || !bytes.Equal(env.Data, envs[0].Data) {
			t.Errorf("retransmission differs: %v", env)
		}
	}

	if _, err := conn.Read(ads.RawAddress{}, 1).Wait(testContext(t)); !errors.Is(err, ads.ErrConnectionClosed) {
		t.Errorf("read after failure: %v", err)
	}
}

// dropFirst swallows the first request so it never gets a response.
func dropFirst(next adstest.RespondFunc) adstest.RespondFunc {
	var n atomic.Int32
	return func(req *ads.Frame) *ads.Frame {
		if n.Add(1) == 1 {
			return nil
		}
		return next(req)
	}
}

func TestRequestTimeout(t *testing.T) {
	conn, _ := serialSetup(t, dropFirst(adstest.ReadReply([]byte{7})), 0)

	start := time.Now()
	_, err := conn.Submit(&ads.ReadRequest{Address: ads.RawAddress{IndexGroup: 0x4020}, Length: 1}, 50*time.Millisecond).Wait(testContext(t))
	if !errors.Is(err, ads.ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("timed out early")
	}
	waitFor(t, "pending to drain", func() bool { return conn.Stats().Pending == 0 })
	if st := conn.Stats(); st.Timeouts != 1 {
		t.Errorf("timeouts = %d", st.Timeouts)
	}

	// The link survives a request timeout.
	resp, err := conn.Read(ads.RawAddress{IndexGroup: 0x4020}, 1).Wait(testContext(t))
	if err != nil || !bytes.Equal(resp.Data, []byte{7}) {
		t.Fatalf("read after timeout: %v, %v", resp, err)
	}
}

func TestCancel(t *testing.T) {
	conn, peer := serialSetup(t, dropFirst(adstest.ReadReply([]byte{9})), 0)

	f := conn.Read(ads.RawAddress{IndexGroup: 0x4020}, 1)
	waitFor(t, "request on the wire", func() bool { return len(peer.Requests()) == 1 })
	f.Cancel()
	if _, err := f.Result(); !errors.Is(err, ads.ErrCanceled) {
		t.Fatalf("Result() = %v", err)
	}

	resp, err := conn.Read(ads.RawAddress{IndexGroup: 0x4020}, 1).Wait(testContext(t))
	if err != nil || !bytes.Equal(resp.Data, []byte{9}) {
		t.Fatalf("read after cancel: %v, %v", resp, err)
	}
}

func TestCloseFailsPending(t *testing.T) {
	never := func(*ads.Frame) *ads.Frame { return nil }
	client, device := adstest.Pipe()
	peer := adstest.NewSerialPeer(device, never)
	go peer.Serve()
	defer device.Close()

	conn := ads.NewSerialConn(adstest.Factory(client), plc)
	if err := conn.Connect(testContext(t)); err != nil {
		t.Fatal(err)
	}

	f := conn.Read(ads.RawAddress{IndexGroup: 0x4020}, 2)
	waitFor(t, "request on the wire", func() bool { return len(peer.Requests()) == 1 })

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Result(); !errors.Is(err, ads.ErrConnectionClosed) {
		t.Errorf("pending request: %v", err)
	}
	if conn.State() != ads.LinkClosed {
		t.Errorf("state = %s, want Closed", conn.State())
	}
	if _, err := conn.Read(ads.RawAddress{}, 1).Result(); !errors.Is(err, ads.ErrConnectionClosed) {
		t.Errorf("read after close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := conn.Connect(testContext(t)); !errors.Is(err, ads.ErrConnectionClosed) {
		t.Errorf("Connect after Close: %v", err)
	}
}

func TestNotConnected(t *testing.T) {
	conn := ads.NewSerialConn(ads.ChannelFactoryFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such port")
	}), plc)

	if _, err := conn.Read(ads.RawAddress{}, 1).Result(); !errors.Is(err, ads.ErrNotConnected) {
		t.Errorf("read before connect: %v", err)
	}
	if err := conn.Connect(testContext(t)); err == nil {
		t.Error("Connect succeeded with a failing factory")
	}
	conn.Close()
	<-conn.Done()
}

func TestSymbolicRead(t *testing.T) {
	mem := adstest.NewMemory()
	mem.Set(ads.RawAddress{IndexGroup: 0x4020, IndexOffset: 4}, []byte{1, 2, 3, 4})

	resolver, err := ads.NewStaticResolver(map[string]string{"MAIN.counter": "0x4020/4"})
	if err != nil {
		t.Fatal(err)
	}
	conn, peer := serialSetup(t, mem.Respond, 0, ads.WithSymbolResolver(resolver))

	resp, err := conn.Read(ads.MustParseAddress("main.COUNTER"), 4).Wait(testContext(t))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{1, 2, 3, 4}) {
		t.Errorf("data = % X", resp.Data)
	}
	reqs := peer.Requests()
	if len(reqs) != 1 || binary.LittleEndian.Uint32(reqs[0].Data[0:4]) != 0x4020 || binary.LittleEndian.Uint32(reqs[0].Data[4:8]) != 4 {
		t.Errorf("wire request %v", reqs)
	}

	if _, err := conn.Read(ads.SymbolicAddress{Name: "MAIN.missing"}, 4).Wait(testContext(t)); !errors.Is(err, ads.ErrSymbolNotFound) {
		t.Errorf("unknown symbol: %v", err)
	}
}

func TestAdsErrorSurfaces(t *testing.T) {
	conn, _ := serialSetup(t, adstest.ErrorReply(ads.CodeDeviceSymbolNotFound), 0)

	_, err := conn.Read(ads.RawAddress{IndexGroup: 0x4020}, 2).Wait(testContext(t))
	code, ok := ads.IsAdsError(err)
	if !ok || code != ads.CodeDeviceSymbolNotFound {
		t.Fatalf("err = %v", err)
	}
	if ads.IsConnectionError(err) {
		t.Error("device error reported as connection error")
	}
}

func TestTCPMemory(t *testing.T) {
	mem := adstest.NewMemory()
	mem.Name = "Plc30 App"
	conn := tcpSetup(t, mem.Respond)
	ctx := testContext(t)
	addr := ads.RawAddress{IndexGroup: 0x4020, IndexOffset: 100}

	if _, err := conn.Write(addr, []byte{0xDE, 0xAD}).Wait(ctx); err != nil {
		t.Fatalf("Write: %v", err)
	}
	resp, err := conn.Read(addr, 2).Wait(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{0xDE, 0xAD}) {
		t.Errorf("data = % X", resp.Data)
	}

	st, err := conn.ReadState(ctx)
	if err != nil || st.Ads != ads.StateRun {
		t.Errorf("ReadState = %+v, %v", st, err)
	}
	info, err := conn.ReadDeviceInfo(ctx)
	if err != nil || info.DeviceName != "Plc30 App" {
		t.Errorf("ReadDeviceInfo = %v, %v", info, err)
	}

	if _, err := conn.Read(ads.RawAddress{IndexGroup: 1}, 2).Wait(ctx); err == nil {
		t.Error("read of unset memory succeeded")
	}
}

func TestConcurrentRequests(t *testing.T) {
	tests := []struct {
		name string
		tcp  bool
	}{
		{"serial", false},
		{"tcp", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := adstest.NewMemory()
			for i := 0; i < 20; i++ {
				mem.Set(ads.RawAddress{IndexGroup: 0x4020, IndexOffset: uint32(i)}, []byte{byte(i), byte(i * 2)})
			}

			var mu sync.Mutex
			ids := make(map[uint32]bool)
			respond := func(req *ads.Frame) *ads.Frame {
				mu.Lock()
				ids[req.InvokeId] = true
				mu.Unlock()
				return mem.Respond(req)
			}

			var conn *ads.Conn
			if tt.tcp {
				conn = tcpSetup(t, respond)
			} else {
				conn, _ = serialSetup(t, respond, 0)
			}

			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					resp, err := conn.Read(ads.RawAddress{IndexGroup: 0x4020, IndexOffset: uint32(i)}, 2).Wait(testContext(t))
					if err != nil {
						errs <- err
						return
					}
					if !bytes.Equal(resp.Data, []byte{byte(i), byte(i * 2)}) {
						errs <- errors.New("response delivered to the wrong request")
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(ids) != 20 {
				t.Errorf("%d distinct invoke ids, want 20", len(ids))
			}
			if ids[0] {
				t.Error("invoke id 0 used")
			}
		})
	}
}

func TestStaleResponseDropped(t *testing.T) {
	client, device := adstest.Pipe()
	defer device.Close()

	conn := ads.NewTCPConn(adstest.Factory(client), plc)
	if err := conn.Connect(testContext(t)); err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	f := conn.Read(ads.RawAddress{IndexGroup: 0x4020}, 1)

	header := make([]byte, 6)
	if _, err := io.ReadFull(device, header); err != nil {
		t.Fatal(err)
	}
	body := make([]byte, binary.LittleEndian.Uint32(header[2:6]))
	if _, err := io.ReadFull(device, body); err != nil {
		t.Fatal(err)
	}
	req, err := ads.DecodeFrame(body)
	if err != nil {
		t.Fatal(err)
	}

	send := func(invokeId uint32, value byte) {
		reply := adstest.ReadReply([]byte{value})(req)
		reply.InvokeId = invokeId
		frame := ads.EncodeFrame(reply)
		out := make([]byte, 6+len(frame))
		binary.LittleEndian.PutUint32(out[2:6], uint32(len(frame)))
		copy(out[6:], frame)
		device.Write(out)
	}
	send(req.InvokeId+1000, 0xEE)
	send(req.InvokeId, 0x42)

	resp, err := f.Wait(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp.Data, []byte{0x42}) {
		t.Errorf("data = % X, want 42", resp.Data)
	}
	if st := conn.Stats(); st.StaleResponses != 1 {
		t.Errorf("stale responses = %d, want 1", st.StaleResponses)
	}
}

func TestReadValue(t *testing.T) {
	mem := adstest.NewMemory()
	addr := ads.RawAddress{IndexGroup: 0x4020, IndexOffset: 8}
	mem.Set(addr, []byte{0x2A, 0, 0, 0, 'a', 'b', 0, 0xFF})
	conn := tcpSetup(t, mem.Respond)
	ctx := testContext(t)

	tests := []struct {
		typeName string
		want     []byte
	}{
		{"DINT", []byte{0x2A, 0, 0, 0}},
		{"BOOL", []byte{0x2A}},
		{"LREAL", []byte{0x2A, 0, 0, 0, 'a', 'b', 0, 0xFF}},
		{"STRING(2)", []byte{0x2A, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			resp, err := conn.ReadValue(addr, tt.typeName).Wait(ctx)
			if err != nil {
				t.Fatalf("ReadValue: %v", err)
			}
			if !bytes.Equal(resp.Data, tt.want) {
				t.Errorf("data = % X, want % X", resp.Data, tt.want)
			}
		})
	}

	// Types without a fixed size fail before anything is sent.
	if _, err := conn.ReadValue(addr, "ST_Recipe").Wait(ctx); err == nil {
		t.Error("ReadValue of a struct type succeeded")
	}
	if st := conn.Stats(); st.FramesSent != uint64(len(tests)) {
		t.Errorf("frames sent = %d, want %d", st.FramesSent, len(tests))
	}
}

func TestUnknownCommandFailsRequest(t *testing.T) {
	conn := tcpSetup(t, func(req *ads.Frame) *ads.Frame {
		resp := adstest.Reply(req, 0, nil)
		resp.Command = ads.Command(0x0042)
		return resp
	})

	_, err := conn.Read(ads.RawAddress{IndexGroup: 0x4020}, 2).Wait(testContext(t))
	if !errors.Is(err, ads.ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	if ads.IsConnectionError(err) {
		t.Error("decode failure reported as connection error")
	}
	if conn.State() != ads.LinkIdle {
		t.Errorf("state = %s, connection should stay up", conn.State())
	}
}
