package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chainboard/marketcache/internal/market"
	"github.com/chainboard/marketcache/internal/realtime"
)

// Stream upgrades GET /api/market/stream to a websocket. Clients may pass an
// initial comma-separated list of streams via the "streams" query parameter
// and manage subscriptions afterwards with control messages.
func Stream(hub *realtime.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var streams []string
		for _, stream := range strings.Split(c.Query("streams"), ",") {
			stream = strings.TrimSpace(stream)
			if stream == "" {
				continue
			}
			if !strings.HasPrefix(stream, market.StreamPrefix) {
				stream = market.StreamPrefix + stream
			}
			streams = append(streams, stream)
		}

		hub.Serve(streams, c.Writer, c.Request)
	}
}
