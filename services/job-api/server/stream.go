package server

import (
	"io"

	"github.com/gin-gonic/gin"
)

// StreamJob serves a job's progress as server-sent events. The event name is
// the event type and the data is the JSON event. The stream ends after a
// complete or error event, or when the client goes away.
func (h *Handlers) StreamJob(c *gin.Context) {
	obs, err := h.Jobs.ObserveJob(c.Request.Context(), operatorID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer obs.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		ev, open := <-obs.C
		if !open {
			return false
		}
		c.SSEvent(string(ev.Type), ev)
		return !ev.Terminal()
	})
}
