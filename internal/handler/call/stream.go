package call

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/teletherapy-api/internal/handler"
	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/service/signaling"
	"github.com/jwalitptl/teletherapy-api/pkg/mailbox"
)

type sseEvent struct {
	name string
	data interface{}
	last bool
}

// StreamCall sends the call document as a "call" event on every change.
func (h *Handler) StreamCall(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := mailbox.New[sseEvent]()
	go events.Run(ctx)

	unsubscribe, err := h.service.SubscribeToCall(ctx, actor, c.Param("id"), signaling.CallHandlers{
		OnChange: func(call *model.CallDocument) {
			events.Push(sseEvent{name: "call", data: call, last: call.Status.IsTerminal()})
		},
		OnError: func(err error) {
			events.Push(sseEvent{name: "error", data: gin.H{"message": err.Error()}, last: true})
		},
	})
	if err != nil {
		c.Error(err)
		return
	}
	defer unsubscribe()

	h.stream(ctx, c, events.Out())
}

// StreamIncoming sends "incoming" events for calls ringing the actor and
// "removed" events when a call leaves that set.
func (h *Handler) StreamIncoming(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := mailbox.New[sseEvent]()
	go events.Run(ctx)

	unsubscribe, err := h.service.SubscribeToIncomingCalls(ctx, actor, actor.UserID, signaling.IncomingHandlers{
		OnIncoming: func(change model.CallChange) {
			events.Push(sseEvent{name: "incoming", data: change})
		},
		OnRemoved: func(call *model.CallDocument) {
			events.Push(sseEvent{name: "removed", data: call})
		},
		OnError: func(err error) {
			events.Push(sseEvent{name: "error", data: gin.H{"message": err.Error()}, last: true})
		},
	})
	if err != nil {
		c.Error(err)
		return
	}
	defer unsubscribe()

	h.stream(ctx, c, events.Out())
}

func (h *Handler) stream(ctx context.Context, c *gin.Context, events <-chan sseEvent) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(ev.name, ev.data)
			c.Writer.Flush()
			if ev.last {
				return
			}
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			c.Writer.Flush()
		}
	}
}
