package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
)

var errEvicted = errors.New("session evicted")

// SnapshotFunc returns the current state for each topic, sent to a session
// right after it connects.
type SnapshotFunc func(ctx context.Context) map[models.Topic]any

// TradeExecutor runs trades requested over the socket.
type TradeExecutor interface {
	Execute(ctx context.Context, req models.TradeRequest) (models.Trade, error)
}

// HandlerOptions tunes the websocket endpoint. Zero values select defaults.
type HandlerOptions struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
	MaxMessageSize int64
}

// Handler upgrades HTTP requests to dashboard websocket sessions.
type Handler struct {
	hub       *Hub
	snapshots SnapshotFunc
	trades    TradeExecutor
	opts      HandlerOptions
	log       zerolog.Logger
}

// NewHandler creates the endpoint. snapshots and trades may be nil.
func NewHandler(hub *Hub, snapshots SnapshotFunc, trades TradeExecutor, opts HandlerOptions) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	return &Handler{
		hub:       hub,
		snapshots: snapshots,
		trades:    trades,
		opts:      opts,
		log:       logger.With("realtime"),
	}
}

// clientMessage is a frame sent by the dashboard.
type clientMessage struct {
	Type   string          `json:"type"`
	Topics []models.Topic  `json:"topics,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Server-wide deadlines would otherwise cut long-lived sessions.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.opts.MaxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.hub.Register()
	defer h.hub.Unregister(sess)
	log := h.log.With().Str("session", sess.ID()).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("dashboard connected")

	if h.snapshots != nil {
		state := h.snapshots(ctx)
		for _, topic := range models.AllTopics {
			if data, ok := state[topic]; ok {
				h.hub.Send(sess, TypeSnapshot, topic, data)
			}
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return h.writeLoop(ctx, conn, sess)
	})
	g.Go(func() error {
		defer cancel()
		return h.readLoop(ctx, conn, sess)
	})
	err = g.Wait()

	switch {
	case errors.Is(err, errEvicted):
		_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer")
		log.Warn().Msg("dashboard dropped: too slow")
	case err == nil || errors.Is(err, context.Canceled) || isNormalClose(err):
		_ = conn.Close(websocket.StatusNormalClosure, "")
		log.Info().Msg("dashboard disconnected")
	default:
		log.Info().Err(err).Msg("dashboard connection ended")
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *Session) error {
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			if sess.Evicted() {
				return errEvicted
			}
			return nil
		case msg := <-sess.Messages():
			if err := h.write(ctx, conn, msg); err != nil {
				return err
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, msg)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.hub.Send(sess, TypeError, "", map[string]string{"error": "message must be a JSON object"})
			continue
		}
		h.handle(ctx, sess, msg)
	}
}

func (h *Handler) handle(ctx context.Context, sess *Session, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		sess.Subscribe(msg.Topics...)
		h.hub.Send(sess, TypeSubscribed, "", sess.Topics())
	case "unsubscribe":
		sess.Unsubscribe(msg.Topics...)
		h.hub.Send(sess, TypeSubscribed, "", sess.Topics())
	case "execute_trade":
		var req models.TradeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.hub.Send(sess, TypeTradeError, models.TopicTrades, tradeError(models.NewValidationError("trade request must be a JSON object")))
			return
		}
		if h.trades == nil {
			h.hub.Send(sess, TypeTradeError, models.TopicTrades, map[string]string{"error": "trading is disabled"})
			return
		}
		// Executed off the read loop so pongs keep being read; a disconnect
		// does not abandon a trade already sent to the broker.
		go func() {
			trade, err := h.trades.Execute(context.WithoutCancel(ctx), req)
			if err != nil {
				h.hub.Send(sess, TypeTradeError, models.TopicTrades, tradeError(err))
				return
			}
			h.hub.Send(sess, TypeTradeResult, models.TopicTrades, trade)
		}()
	default:
		h.hub.Send(sess, TypeError, "", map[string]string{"error": "unknown message type " + msg.Type})
	}
}

func tradeError(err error) map[string]string {
	kind := "internal"
	var (
		ve *models.ValidationError
		ee *models.ExecutionError
		pe *models.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		kind = "validation"
	case errors.As(err, &ee):
		kind = "execution"
	case errors.As(err, &pe):
		kind = "persistence"
	}
	return map[string]string{"error": err.Error(), "kind": kind}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
