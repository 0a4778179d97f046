package requestid

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerKey  = "X-Request-ID"
	contextKey = "request_id"

	// Inbound IDs longer than this are replaced rather than echoed,
	// so a client cannot inject arbitrary text into log lines.
	maxInboundLen = 64
)

// Middleware tags every request with an ID so the log lines of a
// single queue operation can be correlated. An ID supplied by an
// upstream proxy is reused when it looks sane, otherwise a fresh
// UUID is issued.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerKey)
		if id == "" || len(id) > maxInboundLen {
			id = uuid.NewString()
		}

		c.Set(contextKey, id)
		c.Writer.Header().Set(headerKey, id)
		c.Next()
	}
}

// Value returns the request ID for the current request, or the empty
// string when the middleware did not run.
func Value(c *gin.Context) string {
	v, _ := c.Get(contextKey)
	id, _ := v.(string)
	return id
}
