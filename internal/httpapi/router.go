package httpapi

import (
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with CORS and request logging.
func NewRouter(h *Handlers, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(slogLogger(logger))
	router.Use(cors())

	api := router.Group("/api")
	{
		api.GET("/rooms/:room_id/call", h.GetRoomCall)
		api.POST("/rooms/:room_id/call", h.CreateRoomCall)
		api.POST("/rooms/:room_id/call/connect", h.ConnectRoomCall)
		api.POST("/rooms/:room_id/call/disconnect", h.DisconnectRoomCall)
		api.POST("/view-room", h.ViewRoom)

		api.POST("/rooms/:room_id/direct-call", h.PlaceDirectCall)
		api.POST("/rooms/:room_id/direct-call/answer", h.AnswerDirectCall)
		api.POST("/rooms/:room_id/direct-call/hangup", h.HangupDirectCall)
		api.GET("/ice-config", h.ICEConfig)

		api.GET("/widget/token", h.WidgetToken)
		api.GET("/widget/ws", h.WidgetWS)
		api.POST("/widget/dock", h.WidgetDock)

		api.POST("/sync/state", h.SyncState)
		api.POST("/sync/devices", h.SyncDevices)
		api.POST("/sync/media-devices", h.MediaDevices)

		api.GET("/settings", h.GetSettings)
		api.PUT("/settings", h.UpdateSettings)

		api.GET("/push/vapid-key", h.VAPIDPublicKey)
		api.POST("/push/subscribe", h.SubscribePush)
		api.POST("/push/unsubscribe", h.UnsubscribePush)
	}

	return router
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func slogLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
