package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/CodeWitchBella/netvr-sub001/room"
)

const (
	writeQueueSize      = 127
	defaultWriteTimeout = 10 * time.Second
)

// WS accepts websocket connections and hands each one to the room as a
// Link. The transport knows nothing about the protocol: it moves frames
// and enforces deadlines, everything else is the room's business.
type WS struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr      string
	reuseport bool

	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader

	receiveTimeout time.Duration
	writeTimeout   time.Duration

	room *room.Room

	mu          sync.Mutex
	activeConns map[*WSConn]struct{}

	log *zap.Logger
}

func NewWS(options Options) *WS {
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	w := &WS{
		addr:      net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport: options.Reuseport,
		router:    options.Router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Dashboards connect from arbitrary origins; possession of an
			// identity token is the trust boundary, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		receiveTimeout: options.ReceiveTimeout,
		writeTimeout:   writeTimeout,
		room:           options.Room,
		activeConns:    make(map[*WSConn]struct{}),
		log:            options.Log,
	}

	w.router.GET("/ws", w.handleUpgrade)

	return w
}

func (w *WS) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	listener, err := w.listen()
	if err != nil {
		cancel()
		return err
	}

	w.server = &http.Server{Handler: w.router}

	w.log.Info("Listening for websocket clients", zap.String("addr", w.addr))

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := w.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("Websocket server errored", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		_ = w.closeConns()
	}()

	return nil
}

// Close immediately closes the listener and every active connection.
func (w *WS) Close() error {
	w.log.Info("Stopping websocket server")

	if w.cancel != nil {
		w.cancel()
	}

	var err error
	if w.server != nil {
		err = w.server.Close()
	}

	err = multierr.Append(err, w.closeConns())

	w.stopWaiter.Wait()

	return err
}

func (w *WS) listen() (net.Listener, error) {
	if w.reuseport {
		return reuseport.Listen("tcp", w.addr)
	}

	return net.Listen("tcp", w.addr)
}

func (w *WS) handleUpgrade(c *gin.Context) {
	socket, err := w.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		w.log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	conn := newWSConn(socket, w.receiveTimeout, w.writeTimeout, w.log.Named("conn"))
	w.addConn(conn)

	handle := w.room.Attach(conn)

	w.stopWaiter.Add(2)

	go func() {
		defer w.stopWaiter.Done()
		defer w.removeConn(conn)
		conn.readLoop(handle)
	}()

	go func() {
		defer w.stopWaiter.Done()
		conn.writeLoop()
	}()
}

func (w *WS) addConn(conn *WSConn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.activeConns[conn] = struct{}{}
}

func (w *WS) removeConn(conn *WSConn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.activeConns, conn)
}

func (w *WS) closeConns() error {
	w.mu.Lock()
	conns := make([]*WSConn, 0, len(w.activeConns))
	for conn := range w.activeConns {
		conns = append(conns, conn)
	}
	w.mu.Unlock()

	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

type outFrame struct {
	data   []byte
	binary bool
}

// WSConn is one live websocket session. Reads flow into the room through
// its Handle; writes flow through a bounded queue drained by a single
// writer goroutine, so frames never interleave and a slow consumer shows
// up as a full queue instead of a blocked room loop.
type WSConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn *websocket.Conn

	writeQueue chan outFrame

	receiveTimeout time.Duration
	writeTimeout   time.Duration

	closeOnce sync.Once

	log *zap.Logger
}

func newWSConn(
	conn *websocket.Conn,
	receiveTimeout time.Duration,
	writeTimeout time.Duration,
	log *zap.Logger,
) *WSConn {
	ctx, cancel := context.WithCancel(context.Background())

	return &WSConn{
		ctx:            ctx,
		cancel:         cancel,
		conn:           conn,
		writeQueue:     make(chan outFrame, writeQueueSize),
		receiveTimeout: receiveTimeout,
		writeTimeout:   writeTimeout,
		log:            log,
	}
}

// EnqueueText queues one text frame. Returns false when the outbound
// buffer is saturated or the connection is closed; it never blocks.
func (t *WSConn) EnqueueText(data []byte) bool {
	return t.enqueue(outFrame{data: data})
}

// EnqueueBinary queues one binary frame, same contract as EnqueueText.
func (t *WSConn) EnqueueBinary(data []byte) bool {
	return t.enqueue(outFrame{data: data, binary: true})
}

func (t *WSConn) enqueue(frame outFrame) bool {
	if !t.isRunning() {
		return false
	}

	select {
	case t.writeQueue <- frame:
		return true
	default:
		return false
	}
}

// Close is idempotent and safe to call from any goroutine, including the
// room loop.
func (t *WSConn) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
	})

	return err
}

func (t *WSConn) readLoop(handle *room.Handle) {
	defer func() {
		// Make sure the writer stops too.
		_ = t.Close()
	}()

	for {
		if t.receiveTimeout > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(t.receiveTimeout)); err != nil {
				handle.Closed(err)
				return
			}
		}

		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Debug("Connection read errored", zap.Error(err))
			}

			handle.Closed(err)
			return
		}

		handle.Receive(data, msgType == websocket.BinaryMessage)
	}
}

func (t *WSConn) writeLoop() {
	for {
		select {
		case <-t.ctx.Done():
			deadline := time.Now().Add(t.writeTimeout)
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case frame := <-t.writeQueue:
			msgType := websocket.TextMessage
			if frame.binary {
				msgType = websocket.BinaryMessage
			}

			if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
				_ = t.Close()
				return
			}

			if err := t.conn.WriteMessage(msgType, frame.data); err != nil {
				t.log.Debug("Connection write errored", zap.Error(err))
				_ = t.Close()
				return
			}
		}
	}
}

// isRunning returns true if Close has not been called
func (t *WSConn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		return false

	default:
		return true
	}
}

var _ room.Link = (*WSConn)(nil)
