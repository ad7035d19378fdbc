package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/tickbeat/tickbeat/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Agent exposes a worker's operations over HTTPS so that an interactive
// session on another host (or just another terminal) can drive the worker
// without sharing an execution context with its periodic loop.
// The agent requires mTLS for both traffic encryption and authz.
// The worker itself never sees the transport.
type Agent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	wkr   *worker.Worker
	ticks *TickBroadcaster

	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// HeartbeatFailureExit exits the process when no client has checked in within
// the heartbeat timeout.
func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// MessageResponse is the body of a successful GET /message.
type MessageResponse struct {
	Message  string
	WorkerID string
}

// WatchMessage is one frame of the /watch WebSocket stream.
type WatchMessage struct {
	Line string
}

// New constructs an agent serving the given worker. The ticks broadcaster
// must be the worker's configured output, otherwise /watch streams nothing.
func New(w *worker.Worker, ticks *TickBroadcaster, caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("agent").Sugar(),
		wkr:              w,
		ticks:            ticks,
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// startHeartbeatCheck starts a goroutine that invokes the failure handler when
// no client heartbeat arrives within the timeout.
func (a *Agent) startHeartbeatCheck() {
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *Agent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/message", a.message)
	router.POST("/done", a.done)
	router.GET("/watch", a.watch)

	server := http.Server{Handler: router}
	a.httpServer = &server

	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the agent and returns once the agent has stopped.
func (a *Agent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// message answers the worker's synchronous query. The worker's responder runs
// on its own goroutine, so this never waits out the periodic interval.
func (a *Agent) message(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	msg, err := a.wkr.Message(r.Context())
	if err != nil {
		if errors.Is(err, worker.ErrStopped) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b, err := json.Marshal(MessageResponse{Message: msg, WorkerID: a.wkr.ID()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// done forwards the fire-and-forget signal. There is no reply and no state
// change, so the only sensible status is 202.
func (a *Agent) done(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.wkr.Done()
	w.WriteHeader(http.StatusAccepted)
}

// watch streams the worker's periodic timestamp lines over a WebSocket until
// the client disconnects or the agent stops.
func (a *Agent) watch(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("watch WebSocket accept error: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	lines := a.ticks.Subscribe()
	defer a.ticks.Unsubscribe(lines)

	// Watchers never send anything after the handshake.
	ctx := wsConn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case <-a.closed:
			wsConn.Close(websocket.StatusGoingAway, "agent stopping")
			return
		case line := <-lines:
			err := wsjson.Write(ctx, wsConn, WatchMessage{Line: line})
			if err != nil {
				a.logger.Debugf("watch write error: %s", err)
				return
			}
		}
	}
}

func (a *Agent) Stop() error {
	a.closeOnce.Do(func() {
		close(a.closed)
	})
	return a.httpServer.Close()
}
