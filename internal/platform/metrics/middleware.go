package metrics

import "github.com/gin-gonic/gin"

// RequestMiddleware counts control API requests by status class.
func RequestMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.IncRequests(c.Writer.Status())
	}
}
