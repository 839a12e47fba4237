// Command rsocket-echo is a minimal demonstration of the engine end to end:
// a server that answers every RequestResponse with the payload it received
// and a client that sends one, over a WebSocket transport.
//
// Grounded on ck-client.go/ck-server.go's flag-driven main with a verbosity
// flag and logrus.TextFormatter, adapted from Cloak's proxy-relay role
// (accepting local proxy clients, dialling a remote covert server) to
// standing up one rsocket.Connection per side and driving it directly.
package main

import (
	"flag"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/rsocket-engine/core"
	"github.com/rsocket-engine/core/internal/lease"
	"github.com/rsocket-engine/core/transport/wsconn"
)

func main() {
	mode := flag.String("mode", "server", "server or client")
	addr := flag.String("addr", "127.0.0.1:7878", "server: address to listen on; client: address to dial")
	path := flag.String("path", "/rsocket", "WebSocket upgrade path")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	message := flag.String("message", "hello", "client: payload data to send")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	switch *mode {
	case "server":
		runServer(*addr, *path)
	case "client":
		runClient(*addr, *path, *message)
	default:
		log.Fatalf("unknown -mode %q, want server or client", *mode)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// currentDiag holds the diagnostics router for the most recently accepted
// connection. This demo serves one connection's stream table at a time;
// a real deployment would key diagnostics by connection id instead.
var currentDiag atomic.Value // http.Handler

func runServer(addr, path string) {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		wc, err := wsconn.Upgrade(&upgrader, w, r, nil)
		if err != nil {
			log.Errorf("rsocket-echo: upgrade failed: %v", err)
			return
		}
		c := rsocket.Connect(rsocket.Config{
			Transport: wc,
			Handler:   echoHandler{},
			Lease:     lease.New(time.Second, 1000),
			ErrSink:   rsocket.ErrorSinkFunc(func(err error) { log.Debugf("rsocket-echo: connection terminated: %v", err) }),
			IsClient:  false,
		})
		currentDiag.Store(http.StripPrefix("/diag", c.Diagnostics()))
		log.Infof("rsocket-echo: accepted connection from %s", r.RemoteAddr)
		if err := c.Run(); err != nil {
			log.Debugf("rsocket-echo: connection %s closed: %v", r.RemoteAddr, err)
		}
	})
	mux.HandleFunc("/diag/", func(w http.ResponseWriter, r *http.Request) {
		h, _ := currentDiag.Load().(http.Handler)
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})

	log.Infof("rsocket-echo: listening on %s%s", addr, path)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func runClient(addr, path, message string) {
	url := "ws://" + addr + path
	wc, err := wsconn.Dial(url, nil)
	if err != nil {
		log.Fatalf("rsocket-echo: dial %s: %v", url, err)
	}

	c := rsocket.Connect(rsocket.Config{
		Transport: wc,
		IsClient:  true,
	})
	go func() {
		if err := c.Run(); err != nil {
			log.Debugf("rsocket-echo: connection closed: %v", err)
		}
	}()

	reply := make(chan *rsocket.Payload, 1)
	failed := make(chan error, 1)
	c.RequestResponse(rsocket.NewPayload([]byte(message), nil)).Subscribe(singleReplySubscriber{reply: reply, failed: failed})

	select {
	case p := <-reply:
		log.Infof("rsocket-echo: received %q", string(p.Data))
		p.Release()
	case err := <-failed:
		log.Errorf("rsocket-echo: request failed: %v", err)
	}

	c.Close()
}

// singleReplySubscriber requests one payload and forwards it or the terminal
// error to a channel; it is used by the client's one-shot RequestResponse.
type singleReplySubscriber struct {
	reply  chan<- *rsocket.Payload
	failed chan<- error
}

func (s singleReplySubscriber) OnSubscribe(sub rsocket.Subscription) { sub.Request(1) }
func (s singleReplySubscriber) OnNext(p *rsocket.Payload)             { s.reply <- p }
func (s singleReplySubscriber) OnComplete()                          {}
func (s singleReplySubscriber) OnError(err error)                    { s.failed <- err }

// echoHandler answers every RequestResponse with the payload it was given,
// every RequestStream with three copies of its payload, and every
// RequestChannel by relaying inbound payloads back out; FireAndForget and
// MetadataPush are logged and completed.
type echoHandler struct{}

func (echoHandler) FireAndForget(p *rsocket.Payload) rsocket.Publisher {
	log.Infof("rsocket-echo: fire-and-forget %q", string(p.Data))
	p.Release()
	return rsocket.PublisherFunc(func(sub rsocket.Subscriber) {
		sub.OnSubscribe(rsocket.SubscriptionFunc{})
		sub.OnComplete()
	})
}

func (echoHandler) RequestResponse(p *rsocket.Payload) rsocket.Publisher {
	return rsocket.PublisherFunc(func(sub rsocket.Subscriber) {
		sub.OnSubscribe(rsocket.SubscriptionFunc{})
		sub.OnNext(p)
		sub.OnComplete()
	})
}

func (echoHandler) RequestStream(p *rsocket.Payload) rsocket.Publisher {
	data := p.Data
	p.Release()
	return rsocket.PublisherFunc(func(sub rsocket.Subscriber) {
		sent := 0
		sub.OnSubscribe(rsocket.SubscriptionFunc{
			RequestFn: func(n int64) {
				for ; n > 0 && sent < 3; n-- {
					sub.OnNext(rsocket.NewPayload(append([]byte(nil), data...), nil))
					sent++
				}
				if sent == 3 {
					sub.OnComplete()
				}
			},
		})
	})
}

func (echoHandler) RequestChannel(inbound rsocket.Publisher) rsocket.Publisher {
	return rsocket.PublisherFunc(func(sub rsocket.Subscriber) {
		var upstream rsocket.Subscription
		sub.OnSubscribe(rsocket.SubscriptionFunc{
			RequestFn: func(n int64) {
				if upstream != nil {
					upstream.Request(n)
				}
			},
			CancelFn: func() {
				if upstream != nil {
					upstream.Cancel()
				}
			},
		})
		inbound.Subscribe(echoRelay{downstream: sub, setUpstream: func(s rsocket.Subscription) { upstream = s }})
	})
}

func (echoHandler) MetadataPush(p *rsocket.Payload) rsocket.Publisher {
	log.Infof("rsocket-echo: metadata push (%d bytes)", len(p.Metadata))
	p.Release()
	return rsocket.PublisherFunc(func(sub rsocket.Subscriber) {
		sub.OnSubscribe(rsocket.SubscriptionFunc{})
		sub.OnComplete()
	})
}

// echoRelay forwards every inbound channel payload straight back out,
// relaying the channel's own demand and cancellation through unchanged.
type echoRelay struct {
	downstream  rsocket.Subscriber
	setUpstream func(rsocket.Subscription)
}

func (r echoRelay) OnSubscribe(s rsocket.Subscription) { r.setUpstream(s) }
func (r echoRelay) OnNext(p *rsocket.Payload)           { r.downstream.OnNext(p) }
func (r echoRelay) OnComplete()                         { r.downstream.OnComplete() }
func (r echoRelay) OnError(err error)                   { r.downstream.OnError(err) }
