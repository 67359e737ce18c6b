package blockwise

import (
	"bytes"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/coapcore/pkg/coap"
	"github.com/junbin-yang/coapcore/pkg/coap/endpoint"
)

// loopbackSink records every outbound datagram so the test can play server
// by parsing the last one and feeding a synthesized reply back in.
type loopbackSink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *loopbackSink) PutData(datagram []byte, meta *endpoint.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), datagram...))
	return nil
}
func (s *loopbackSink) SetListener(endpoint.SinkListener) {}
func (s *loopbackSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type blockCapture struct {
	buf   []byte
	calls int
	done  bool
	err   error
}

func (c *blockCapture) OnBlock(offset, size uint32, more bool, code coap.Code, payload []byte) {
	c.buf = append(c.buf, payload...)
	c.calls++
	if !more {
		c.done = true
	}
}
func (c *blockCapture) OnError(err error) {
	c.err = err
	c.done = true
}

func respondBlock2(t *testing.T, req *coap.Message, content []byte) *coap.Message {
	t.Helper()
	offset, size := uint32(0), ClampSize(1024)
	if opt, ok := req.GetOption(coap.OptionBlock2); ok {
		v, err := opt.Uint32()
		if err != nil {
			t.Fatalf("decode BLOCK2: %v", err)
		}
		info := Decode(v)
		offset, size = info.Offset, info.Size
	}
	end := offset + size
	more := true
	if end >= uint32(len(content)) {
		end = uint32(len(content))
		more = false
	}
	v, err := Encode(BlockInfo{Offset: offset, Size: size, More: more})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	resp, err := coap.Build(coap.BuildParams{
		Type:      coap.ACK,
		Code:      coap.Content,
		MessageID: req.MessageID(),
		Token:     req.Token(),
		Options:   []coap.Option{coap.NewUintOption(coap.OptionBlock2, v)},
		Payload:   content[offset:end],
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return resp
}

// TestManagerBlockwiseGet reproduces the 10000-byte-GET-at-1024-bytes-per-
// block scenario: ceil(10000/1024) == 10 round trips, content received
// intact and in order.
func TestManagerBlockwiseGet(t *testing.T) {
	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i % 251)
	}

	sink := &loopbackSink{}
	ep := endpoint.NewEndpoint(sink, endpoint.NewScheduler(clockwork.NewFakeClock()), endpoint.Config{})
	mgr := NewManager(ep)
	capture := &blockCapture{}

	opts := []coap.Option{coap.NewStringOption(coap.OptionURIPath, "data")}
	if _, err := mgr.SendBlockwiseRequest(coap.GET, opts, nil, 1024, endpoint.ClientParams{}, capture); err != nil {
		t.Fatalf("SendBlockwiseRequest: %v", err)
	}

	for i := 0; i < 20 && !capture.done; i++ {
		req, err := coap.Parse(sink.last())
		if err != nil {
			t.Fatalf("parse request %d: %v", i, err)
		}
		resp := respondBlock2(t, req, content)
		if err := ep.AsDataSink().PutData(resp.ToDatagram(), nil); err != nil {
			t.Fatalf("deliver response %d: %v", i, err)
		}
	}

	if !capture.done {
		t.Fatal("transfer never completed")
	}
	if capture.err != nil {
		t.Fatalf("unexpected OnError: %v", capture.err)
	}
	if capture.calls != 10 {
		t.Fatalf("OnBlock called %d times, want 10", capture.calls)
	}
	if !bytes.Equal(capture.buf, content) {
		t.Fatal("reassembled content does not match source")
	}
}

// TestManagerBlockwisePutServerDownsize covers a server that accepts a
// smaller block size than the client's preference, per spec.md §4.6's
// BLOCK1 size-renegotiation rule.
func TestManagerBlockwisePutServerDownsize(t *testing.T) {
	body := make([]byte, 2000)
	for i := range body {
		body[i] = byte(i % 200)
	}

	sink := &loopbackSink{}
	ep := endpoint.NewEndpoint(sink, endpoint.NewScheduler(clockwork.NewFakeClock()), endpoint.Config{})
	mgr := NewManager(ep)
	capture := &blockCapture{}
	src := &testBufferSource{data: body}

	const serverBlockSize = 64
	var received []byte

	opts := []coap.Option{coap.NewStringOption(coap.OptionURIPath, "upload")}
	if _, err := mgr.SendBlockwiseRequest(coap.PUT, opts, src, 1024, endpoint.ClientParams{}, capture); err != nil {
		t.Fatalf("SendBlockwiseRequest: %v", err)
	}

	for i := 0; i < 80 && !capture.done; i++ {
		req, err := coap.Parse(sink.last())
		if err != nil {
			t.Fatalf("parse request %d: %v", i, err)
		}
		opt, ok := req.GetOption(coap.OptionBlock1)
		if !ok {
			t.Fatalf("request %d missing BLOCK1", i)
		}
		v, err := opt.Uint32()
		if err != nil {
			t.Fatalf("decode BLOCK1 %d: %v", i, err)
		}
		info := Decode(v)
		received = append(received, req.Payload()...)

		ackSize := uint32(serverBlockSize)
		code := coap.Continue
		if !info.More {
			code = coap.Changed
		}
		ackInfo := BlockInfo{Offset: info.Offset, Size: ackSize, More: info.More}
		ackV, err := Encode(ackInfo)
		if err != nil {
			t.Fatalf("encode ack %d: %v", i, err)
		}
		resp, err := coap.Build(coap.BuildParams{
			Type:      coap.ACK,
			Code:      code,
			MessageID: req.MessageID(),
			Token:     req.Token(),
			Options:   []coap.Option{coap.NewUintOption(coap.OptionBlock1, ackV)},
		})
		if err != nil {
			t.Fatalf("build ack %d: %v", i, err)
		}
		if err := ep.AsDataSink().PutData(resp.ToDatagram(), nil); err != nil {
			t.Fatalf("deliver ack %d: %v", i, err)
		}
	}

	if !capture.done {
		t.Fatal("upload never completed")
	}
	if capture.err != nil {
		t.Fatalf("unexpected OnError: %v", capture.err)
	}
	if !bytes.Equal(received, body) {
		t.Fatal("server did not receive the full body")
	}
}

type testBufferSource struct{ data []byte }

func (s *testBufferSource) ReadChunk(offset, size uint32) ([]byte, bool, error) {
	if offset >= uint32(len(s.data)) {
		return nil, false, nil
	}
	end := offset + size
	more := true
	if end >= uint32(len(s.data)) {
		end = uint32(len(s.data))
		more = false
	}
	return s.data[offset:end], more, nil
}

func TestManagerCancelUnknownHandle(t *testing.T) {
	sink := &loopbackSink{}
	ep := endpoint.NewEndpoint(sink, endpoint.NewScheduler(clockwork.NewFakeClock()), endpoint.Config{})
	mgr := NewManager(ep)

	if err := mgr.CancelBlockwiseRequest(Handle(999)); err != coap.ErrNoSuchItem {
		t.Fatalf("CancelBlockwiseRequest on unknown handle = %v, want ErrNoSuchItem", err)
	}
}
