package http

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// keepaliveInterval bounds how long an idle SSE connection goes without a
// comment line, so proxies do not reap it.
const keepaliveInterval = 15 * time.Second

// eventStreamHandler fans the Redis event channel out over SSE. Payloads are
// forwarded verbatim; consumers deduplicate on (run_id, seq, type).
func eventStreamHandler(c *fiber.Ctx) error {
	d := depsOf(c)
	if d.Subscriber == nil {
		return c.Status(http.StatusServiceUnavailable).JSON(ErrorResponse{
			Code:  "EVENTS_DISABLED",
			Error: "event streaming requires Redis",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Subscriber.Subscribe(ctx)
	logger := d.Logger

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case payload, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					// Client went away.
					return
				}
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					logger.Debug("sse client disconnected")
					return
				}
			}
		}
	}))
	return nil
}
