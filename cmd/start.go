package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CodeWitchBella/netvr-sub001/internal/env"
	"github.com/CodeWitchBella/netvr-sub001/room"
	"github.com/CodeWitchBella/netvr-sub001/storage"
	"github.com/CodeWitchBella/netvr-sub001/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for websocket clients and http requests on
	port int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen for client connections on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the netvr relay server",
	Long: `Start up the netvr relay server

Usage
	netvr start

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		r := room.New(room.Options{
			Log:              log.Named("room"),
			ProtocolVersion:  conf.ProtocolVersion,
			TickInterval:     conf.TickInterval(),
			HandshakeTimeout: conf.HandshakeTimeout(),
			SelfEcho:         conf.SelfEcho,
			Snapshot:         storage.NewSnapshotFile(conf.SnapshotPath),
			Features: []room.Feature{
				room.NewCalibrationFeature(nil),
			},
		})

		if err := r.RestoreFromDisk(); err != nil {
			return err
		}

		roomCtx, roomStop := context.WithCancel(context.Background())
		defer roomStop()

		roomDone := make(chan struct{})
		go func() {
			defer close(roomDone)

			if err := r.Run(roomCtx); err != nil {
				log.Error("Room loop errored", zap.Error(err))
			}
		}()

		router := setupRouter(conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Current room document, handy for dashboards and debugging
		router.GET("/state", func(c *gin.Context) {
			doc, err := r.StateSnapshot(c.Request.Context())
			if err != nil {
				c.String(http.StatusServiceUnavailable, err.Error())
				return
			}

			c.Data(http.StatusOK, "application/json", doc)
		})

		ws := transport.NewWS(transport.Options{
			Host:           host,
			Port:           port,
			Reuseport:      true,
			Router:         router,
			ReceiveTimeout: conf.ReceiveTimeout(),
			Room:           r,
			Log:            log.Named("transport"),
		})

		if err := ws.Start(ctx); err != nil {
			return err
		}

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("host", host),
			zap.Int("port", port))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		if err := ws.Close(); err != nil {
			log.Error("Websocket server forced to shutdown", zap.Error(err))
		}

		// Give the room loop a moment to tear its connections down.
		roomStop()
		select {
		case <-roomDone:
		case <-time.After(5 * time.Second):
			log.Error("Room loop did not stop in time")
		}

		log.Info("Exiting")
		return nil
	},
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.Ginzap(log, time.RFC3339, true))

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
