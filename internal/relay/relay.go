// Package relay bridges the pub/sub bus to a long-lived client connection:
// it replays the last checkpoint on (re)connect, forwards live events as
// server-sent frames, and tears down on terminal events or client
// disconnect.
package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/finresearch/backend/internal/bus"
	"github.com/finresearch/backend/internal/checkpoint"
	"github.com/finresearch/backend/internal/coordinator"
	"github.com/finresearch/backend/internal/domain"
)

// Relay streams one conversation's events to one client connection.
type Relay struct {
	bus         bus.Bus
	checkpoints *checkpoint.Store
	coordinator *coordinator.Coordinator
	namespace   string
	heartbeat   time.Duration
}

// New creates a relay.
func New(b bus.Bus, checkpoints *checkpoint.Store, coord *coordinator.Coordinator, namespace string, heartbeat time.Duration) *Relay {
	return &Relay{
		bus:         b,
		checkpoints: checkpoints,
		coordinator: coord,
		namespace:   namespace,
		heartbeat:   heartbeat,
	}
}

// Stream serves one client connection. Frames are `data: <json>\n\n`; the
// heartbeat is a comment frame `:\n\n`.
func (r *Relay) Stream(c echo.Context, userID, conversationID, question string) error {
	ctx := c.Request().Context()
	topic := domain.EventTopic(r.namespace, userID, conversationID)

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	flusher, _ := c.Response().Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	// Subscribe before anything that could emit events, so a fast worker
	// cannot slip events past a client that is not yet listening. The
	// buffered channel preserves delivery order; done unblocks a handler
	// caught mid-send when the connection tears down.
	msgs := make(chan []byte, 256)
	done := make(chan struct{})
	defer close(done)
	sub, err := r.bus.Subscribe(ctx, topic, func(payload []byte) {
		select {
		case msgs <- payload:
		case <-done:
		}
	})
	if err != nil {
		log.Printf("ERROR: relay subscribe to %s failed: %v", topic, err)
		r.writeEvent(c, domain.NewEvent(domain.EventKindError, domain.ErrorPayload{
			Message: "subscription unavailable",
		}).Encode())
		flush()
		return nil
	}
	unsubscribe := func() {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if uerr := sub.Unsubscribe(uctx); uerr != nil {
			log.Printf("WARN: relay unsubscribe from %s failed: %v", topic, uerr)
		}
	}

	// Replay: a reconnecting client is never shown a blank state.
	cp, err := r.checkpoints.Get(ctx, userID, conversationID)
	if err != nil {
		log.Printf("ERROR: checkpoint replay for %s failed: %v", domain.RunID(userID, conversationID), err)
	} else if cp != nil {
		if werr := r.writeEvent(c, domain.NewEvent(domain.EventKindCheckpoint, cp).Encode()); werr != nil {
			unsubscribe()
			return nil
		}
		flush()
	}

	if _, err := r.coordinator.StartRun(ctx, userID, conversationID, question); err != nil {
		log.Printf("ERROR: relay start run for %s failed: %v", domain.RunID(userID, conversationID), err)
		r.writeEvent(c, domain.NewEvent(domain.EventKindError, domain.ErrorPayload{
			Message: err.Error(),
		}).Encode())
		flush()
		unsubscribe()
		return nil
	}

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; no event is synthesized.
			unsubscribe()
			return nil

		case <-ticker.C:
			// Keep-alive against intermediary idle timeouts. A write
			// failure here is caught by the next real write or by the
			// client-close path.
			if _, err := fmt.Fprint(c.Response().Writer, ":\n\n"); err != nil {
				log.Printf("WARN: heartbeat write failed on %s: %v", topic, err)
				continue
			}
			flush()

		case payload := <-msgs:
			ev, ok := domain.ParseEvent(payload)
			if !ok {
				payload = domain.EnsureJSON(payload)
			}
			if err := r.writeEvent(c, payload); err != nil {
				log.Printf("WARN: relay write on %s failed: %v", topic, err)
				unsubscribe()
				return nil
			}
			flush()

			if ok && ev.Event == domain.EventKindNodeOutput && len(ev.Payload) > 0 {
				var out domain.NodeOutputPayload
				if derr := ev.DecodePayload(&out); derr != nil {
					log.Printf("WARN: undecodable node_output payload on %s: %v", topic, derr)
				} else if merr := r.checkpoints.ApplyNodeOutput(ctx, userID, conversationID, out); merr != nil {
					log.Printf("ERROR: checkpoint merge for %s failed: %v", domain.RunID(userID, conversationID), merr)
				}
			}

			if ok && domain.IsTerminal(ev.Event) {
				unsubscribe()
				return nil
			}
		}
	}
}

func (r *Relay) writeEvent(c echo.Context, payload []byte) error {
	_, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", payload)
	return err
}
