package transport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CodeWitchBella/netvr-sub001/room"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Router hosts the websocket endpoint next to whatever HTTP surface
	// the caller already has.
	Router *gin.Engine

	// ReceiveTimeout treats silence on a connection as disconnect. Zero
	// disables it. Any inbound traffic, including `keep alive`, refreshes
	// the deadline.
	ReceiveTimeout time.Duration

	// WriteTimeout bounds a single outbound write.
	WriteTimeout time.Duration

	Room *room.Room

	Log *zap.Logger
}
