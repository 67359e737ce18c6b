package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/coapcore/pkg/coap"
	"github.com/junbin-yang/coapcore/pkg/coap/blockwise"
	"github.com/junbin-yang/coapcore/pkg/coap/endpoint"
	udptransport "github.com/junbin-yang/coapcore/pkg/transport/udp"
	log "github.com/junbin-yang/coapcore/pkg/utils/logger"
)

func main() {
	var (
		mode      = flag.String("mode", "server", "server | client")
		bindAddr  = flag.String("bind", "0.0.0.0:5683", "address to bind (server mode)")
		peerAddr  = flag.String("peer", "127.0.0.1:5683", "server address to talk to (client mode)")
		path      = flag.String("path", "device_discover", "resource path")
		blockSize = flag.Uint("block", 1024, "preferred blockwise block size")
	)
	flag.Parse()

	log.SetLevel(log.DebugLevel)

	switch *mode {
	case "server":
		runServer(*bindAddr, *path)
	case "client":
		runClient(*peerAddr, *path, uint32(*blockSize))
	default:
		fmt.Fprintln(os.Stderr, "unknown -mode, want server or client")
		os.Exit(1)
	}
}

// deviceResource is the one blockwise-capable resource this demo serves:
// an in-memory document, downloadable with BLOCK2 and replaceable with a
// BLOCK1 upload.
type deviceResource struct {
	mu      sync.Mutex
	content []byte
	helper  *blockwise.ServerHelper
	upload  []byte
}

func newDeviceResource() *deviceResource {
	return &deviceResource{
		content: []byte(`{"deviceName":"GoDevice","deviceType":1,"version":"1.0.0"}`),
		helper:  blockwise.NewServerHelper(nil),
	}
}

func (r *deviceResource) handleGet(ep *endpoint.Endpoint, req *coap.Message) endpoint.Outcome {
	r.mu.Lock()
	content := r.content
	r.mu.Unlock()

	offset := uint32(0)
	size := blockwise.ClampSize(1024)
	if opt, ok := req.GetOption(coap.OptionBlock2); ok {
		v, err := opt.Uint32()
		if err != nil {
			return endpoint.Outcome{Code: coap.BadOption}
		}
		info := blockwise.Decode(v)
		offset, size = info.Offset, info.Size
	}
	if offset > uint32(len(content)) {
		return endpoint.Outcome{Code: coap.BadOption}
	}
	end := offset + size
	more := true
	if end >= uint32(len(content)) {
		end = uint32(len(content))
		more = false
	}
	chunk := content[offset:end]

	v, err := blockwise.Encode(blockwise.BlockInfo{Offset: offset, Size: size, More: more})
	if err != nil {
		return endpoint.Outcome{Err: err}
	}
	resp, err := ep.CreateResponse(req, coap.Content, []coap.Option{coap.NewUintOption(coap.OptionBlock2, v)}, chunk)
	if err != nil {
		return endpoint.Outcome{Err: err}
	}
	return endpoint.Outcome{Response: resp}
}

func (r *deviceResource) handlePut(ep *endpoint.Endpoint, req *coap.Message) endpoint.Outcome {
	r.mu.Lock()
	info, class, rejectCode := r.helper.OnRequest(req)
	if rejectCode != 0 {
		r.mu.Unlock()
		return endpoint.Outcome{Code: rejectCode}
	}
	if class == blockwise.FreshTransfer {
		r.upload = r.upload[:0]
	}
	if class != blockwise.Resent {
		r.upload = append(r.upload, req.Payload()...)
	}
	done := !info.More
	if done {
		r.content = append([]byte(nil), r.upload...)
		r.helper.SetETag([]byte(strconv.Itoa(len(r.content))))
	}
	r.mu.Unlock()

	code := coap.Continue
	if done {
		code = coap.Changed
	}
	resp, err := r.helper.CreateResponse(ep, req, code, info, nil)
	if err != nil {
		return endpoint.Outcome{Err: err}
	}
	return endpoint.Outcome{Response: resp}
}

// pollTimers ticks ep.Poll at a fixed interval from a goroutine this
// process owns, driving retransmission timeouts the way spec.md §9 expects:
// the endpoint itself never spawns one.
func pollTimers(ep *endpoint.Endpoint, stop <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ep.Poll()
		case <-stop:
			return
		}
	}
}

func runServer(bindAddr, path string) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		log.Fatalf("resolve -bind: %s", log.GetError(err))
	}
	tr, err := udptransport.NewServer(udpAddr)
	if err != nil {
		log.Fatalf("start udp server: %s", log.GetError(err))
	}
	defer tr.Close()

	ep := endpoint.NewEndpoint(tr, endpoint.NewScheduler(clockwork.NewRealClock()), endpoint.Config{})
	tr.SetDataSink(ep.AsDataSink())

	stopPoll := make(chan struct{})
	go pollTimers(ep, stopPoll)
	defer close(stopPoll)

	res := newDeviceResource()
	ep.RegisterRequestHandler(path, endpoint.MethodGet|endpoint.MethodPut, 0, false,
		func(ep *endpoint.Endpoint, req *coap.Message, _ *endpoint.Responder, _ *endpoint.Metadata) endpoint.Outcome {
			switch req.Code() {
			case coap.GET:
				return res.handleGet(ep, req)
			case coap.PUT:
				return res.handlePut(ep, req)
			default:
				return endpoint.Outcome{Code: coap.MethodNotAllowed}
			}
		})

	log.Infof("coap-tool server listening on %s, resource /%s", tr.LocalAddr(), path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("coap-tool server shutting down")
}

// bufferSource hands a flat byte slice to the blockwise client driver one
// chunk at a time.
type bufferSource struct{ data []byte }

func (s *bufferSource) ReadChunk(offset, size uint32) ([]byte, bool, error) {
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

// cliListener prints each received block and signals done on a channel
// once the transfer finishes or errors.
type cliListener struct {
	done chan struct{}
	buf  []byte
}

func (l *cliListener) OnBlock(offset, size uint32, more bool, code coap.Code, payload []byte) {
	l.buf = append(l.buf, payload...)
	if !more {
		fmt.Printf("< %s: %s\n", code, string(l.buf))
		close(l.done)
	}
}

func (l *cliListener) OnError(err error) {
	fmt.Fprintln(os.Stderr, "request failed:", err)
	close(l.done)
}

func runClient(peerAddr, path string, blockSize uint32) {
	udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		log.Fatalf("resolve -peer: %s", log.GetError(err))
	}
	tr, err := udptransport.NewClient(udpAddr)
	if err != nil {
		log.Fatalf("connect to peer: %s", log.GetError(err))
	}
	defer tr.Close()

	ep := endpoint.NewEndpoint(tr, endpoint.NewScheduler(clockwork.NewRealClock()), endpoint.Config{})
	tr.SetDataSink(ep.AsDataSink())

	stopPoll := make(chan struct{})
	go pollTimers(ep, stopPoll)
	defer close(stopPoll)

	mgr := blockwise.NewManager(ep)

	opts := []coap.Option{coap.NewStringOption(coap.OptionURIPath, path)}

	reader := bufio.NewReader(os.Stdin)
	fmt.Println("commands: 'get' | 'put <text>' | 'quit'")
	for {
		fmt.Print("> ")
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "get":
			l := &cliListener{done: make(chan struct{})}
			if _, err := mgr.SendBlockwiseRequest(coap.GET, opts, nil, blockSize, endpoint.ClientParams{}, l); err != nil {
				fmt.Fprintln(os.Stderr, "get failed:", err)
				continue
			}
			<-l.done
		case strings.HasPrefix(line, "put "):
			body := strings.TrimPrefix(line, "put ")
			l := &cliListener{done: make(chan struct{})}
			src := &bufferSource{data: []byte(body)}
			if _, err := mgr.SendBlockwiseRequest(coap.PUT, opts, src, blockSize, endpoint.ClientParams{}, l); err != nil {
				fmt.Fprintln(os.Stderr, "put failed:", err)
				continue
			}
			<-l.done
		case line == "quit":
			return
		default:
			fmt.Println("unknown command, type 'get', 'put <text>' or 'quit'")
		}
	}
}
