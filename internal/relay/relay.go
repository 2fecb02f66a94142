package relay

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"
	"github.com/mirostanko/chatpipe/internal/models"
)

// EventChannel receives relayed chunks. Send is invoked from one goroutine per
// correlation id, in producer order; implementations decide how chunks reach the
// consumer.
type EventChannel interface {
	Send(correlationID string, chunk models.StreamChunk)
}

type stream struct {
	cancel context.CancelFunc
}

// Relay decouples chunk producers from their consumers. Open mints a correlation id
// and returns it immediately; a dedicated goroutine then pumps the producer's chunks
// to the event channel in FIFO order. Every opened stream ends with exactly one
// terminal chunk on the channel: the producer's own, a cancellation terminal, or an
// error terminal if the producer quit without one. No id is ever abandoned silently.
type Relay struct {
	channel EventChannel
	streams *haxmap.Map[string, *stream]
	wg      sync.WaitGroup

	logger *slog.Logger
}

// New creates a Relay forwarding to the given channel.
func New(channel EventChannel, logger *slog.Logger) *Relay {
	return &Relay{
		channel: channel,
		streams: haxmap.New[string, *stream](),
		logger:  logger.With(slog.String("module", "relay")),
	}
}

// Open registers a producer and starts pumping it. The producer is started under
// the stream's own context, so Cancel aborts it all the way down to the provider
// call. The returned correlation id is stamped on every forwarded chunk. Open never
// blocks on the producer.
func (r *Relay) Open(ctx context.Context, open func(ctx context.Context) iter.Seq[models.StreamChunk]) string {
	id := uuid.New().String()
	sctx, cancel := context.WithCancel(ctx)
	r.streams.Set(id, &stream{cancel: cancel})

	r.wg.Add(1)
	go r.pump(sctx, id, open(sctx))

	return id
}

// Cancel requests cooperative cancellation of a stream. The consumer still receives
// a terminal chunk with the cancelled finish reason. Cancelling an unknown or
// already finished id is a no-op.
func (r *Relay) Cancel(id string) bool {
	s, ok := r.streams.Get(id)
	if !ok {
		return false
	}
	s.cancel()
	return true
}

// Shutdown cancels every open stream and waits for the pumps to drain.
func (r *Relay) Shutdown() {
	r.streams.ForEach(func(_ string, s *stream) bool {
		s.cancel()
		return true
	})
	r.wg.Wait()
}

func (r *Relay) pump(ctx context.Context, id string, seq iter.Seq[models.StreamChunk]) {
	defer r.wg.Done()
	defer r.streams.Del(id)

	for chunk := range seq {
		if ctx.Err() != nil {
			break
		}
		chunk.ID = id
		r.channel.Send(id, chunk)
		if chunk.Terminal() {
			return
		}
	}

	// The producer stopped without delivering a terminal chunk. The consumer must
	// still see exactly one.
	if ctx.Err() != nil {
		r.logger.Debug("Stream cancelled", slog.String("correlationID", id))
		r.channel.Send(id, models.StreamChunk{
			ID:           id,
			FinishReason: models.FinishReasonCancelled,
			Done:         true,
		})
		return
	}

	r.logger.Error("Producer ended without terminal chunk", slog.String("correlationID", id))
	r.channel.Send(id, models.StreamChunk{
		ID: id,
		Error: &models.ChunkError{
			Code:    models.ErrCodeInternal,
			Message: "stream ended unexpectedly",
		},
	})
}
