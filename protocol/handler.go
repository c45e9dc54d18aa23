package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"codee-relay/document"
	"codee-relay/domain"
	"codee-relay/metrics"
)

const tracerName = "codee-relay/protocol"

// ErrUnexpectedKind is returned for kinds only the server may send.
var ErrUnexpectedKind = errors.New("unexpected message kind")

// Handler decodes inbound frames and dispatches them by kind. Handle is called
// from the connection's read loop, so frames of one connection are dispatched
// in arrival order.
type Handler struct {
	broadcaster domain.Broadcaster
	codec       *Codec
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

type HandlerOption func(*Handler)

func WithCodec(c *Codec) HandlerOption {
	return func(h *Handler) {
		h.codec = c
	}
}

func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTracerProvider sets where dispatch spans go (default: the global
// provider).
func WithTracerProvider(tp trace.TracerProvider) HandlerOption {
	return func(h *Handler) {
		h.tracer = tp.Tracer(tracerName)
	}
}

func NewHandler(b domain.Broadcaster, opts ...HandlerOption) *Handler {
	h := &Handler{
		broadcaster: b,
		codec:       NewCodec(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Welcome sends a joining client the full document state as one sync-update.
// Nothing is sent while the document is empty.
func (h *Handler) Welcome(conn domain.Connection, doc document.Document) {
	state := doc.EncodeStateAsUpdate()
	if len(state) == 0 {
		return
	}

	frame, err := h.codec.Encode(SyncUpdate{Update: state})
	if err != nil {
		slog.Error("snapshot encode error", "room", conn.Room(), "clientId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		slog.Warn("snapshot not delivered", "room", conn.Room(), "clientId", conn.ID(), "error", err)
		return
	}
	slog.Debug("snapshot sent", "room", conn.Room(), "clientId", conn.ID(), "bytes", len(state))
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	start := time.Now()
	_, span := h.tracer.Start(context.Background(), "relay.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("relay.room", conn.Room()),
			attribute.String("relay.client_id", conn.ID()),
			attribute.Int("relay.frame_bytes", len(data)),
		),
	)
	defer span.End()

	msg, err := Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnknownKind) {
			reason = "unknown_kind"
		}
		h.drop(conn, span, reason, err)
		return
	}

	kind := string(msg.Kind())
	span.SetAttributes(attribute.String("relay.kind", kind))
	h.metrics.FrameReceived(kind)
	defer func() {
		h.metrics.ObserveDispatch(kind, time.Since(start))
	}()

	if err := h.dispatch(conn, msg); err != nil {
		reason := "rejected"
		if errors.Is(err, ErrUnexpectedKind) {
			reason = "unexpected_kind"
		}
		h.drop(conn, span, reason, err)
	}
}

func (h *Handler) dispatch(conn domain.Connection, msg Message) error {
	switch m := msg.(type) {
	case SyncUpdate:
		frame, err := h.codec.Encode(m)
		if err != nil {
			return err
		}
		return h.broadcaster.Apply(conn, m.Update, frame)

	case SyncRequest:
		frame, err := h.codec.Encode(SyncResponse{StateVector: h.broadcaster.StateVector(conn.Room())})
		if err != nil {
			return err
		}
		if err := conn.Send(frame); err != nil {
			slog.Debug("sync response not delivered", "room", conn.Room(), "clientId", conn.ID(), "error", err)
		}
		return nil

	case AwarenessUpdate, CustomMessage:
		frame, err := h.codec.Encode(m)
		if err != nil {
			return err
		}
		h.broadcaster.Broadcast(conn, frame)
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedKind, msg.Kind())
	}
}

func (h *Handler) drop(conn domain.Connection, span trace.Span, reason string, err error) {
	h.metrics.FrameDropped(reason)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	slog.Warn("message dropped", "room", conn.Room(), "clientId", conn.ID(), "reason", reason, "error", err)
}
