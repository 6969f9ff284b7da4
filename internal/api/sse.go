package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/agent/eventlog"
	"github.com/hivemind/hivemind/internal/agent/manager"
	"github.com/hivemind/hivemind/internal/agent/stream"
)

// sseKeepAlive is the comment-ping period that keeps idle streams open
// through proxies.
const sseKeepAlive = 30 * time.Second

// sseBuffer is the per-subscriber queue; a consumer slower than this
// loses frames rather than blocking the hub.
const sseBuffer = 256

// streamEvents writes an agent's event stream as SSE. Entries after the
// given index are replayed first, then live events follow. When
// closeOnDone is set, a done event ends the response; the reconnection
// endpoint leaves it unset so replayed dones never terminate the stream.
// A destroyed event is terminal on every stream: the agent is gone, so
// the frame is delivered and the response ends.
func (h *Handlers) streamEvents(c *gin.Context, subscribe manager.SubscribeFunc, after int, closeOnDone bool) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	entries := make(chan eventlog.Entry, sseBuffer)
	unsub := subscribe(func(e eventlog.Entry) {
		select {
		case entries <- e:
		default:
			h.logger.Warn("SSE subscriber overflow, dropping event")
		}
	}, after)
	defer unsub()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		case e := <-entries:
			data, err := json.Marshal(e.Event)
			if err != nil {
				h.logger.Warn("Failed to encode SSE event", zap.Error(err))
				continue
			}
			if e.Index >= 0 {
				fmt.Fprintf(c.Writer, "id: %d\n", e.Index)
			}
			if typ := e.Event.Type(); typ != "" {
				fmt.Fprintf(c.Writer, "event: %s\n", typ)
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			c.Writer.Flush()

			switch typ := e.Event.Type(); {
			case typ == stream.TypeDestroyed:
				return
			case closeOnDone && typ == stream.TypeDone:
				return
			}
		}
	}
}
