package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/zocket-go/zocket"
	zmw "github.com/zocket-go/zocket/pkg/middleware"
	"github.com/zocket-go/zocket/pkg/router"
	"github.com/zocket-go/zocket/pkg/schema"
	"github.com/zocket-go/zocket/pkg/server"
	"github.com/zocket-go/zocket/pkg/transport/ws"
)

// Demo chat payloads.

type pingInput struct {
	Message string `json:"message" validate:"required"`
}

type joinInput struct {
	Room string `json:"room" validate:"required"`
}

type sayInput struct {
	Room string `json:"room" validate:"required"`
	Text string `json:"text" validate:"required,max=2048"`
}

type chatMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Room string `json:"room"`
	Text string `json:"text"`
}

type serverTime struct {
	Now string `json:"now"`
}

func serveCmd() *cobra.Command {
	var configPath string
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo chat server",
		Long: `Run a small chat server that exercises the whole runtime: RPC,
events, rooms, handshake validation, metrics, and server push.

Connect with any WebSocket client:

    {"type":"echo.ping","payload":{"message":"hi"},"rpcId":"r1"}
    {"type":"chat.join","payload":{"room":"general"}}
    {"type":"chat.say","payload":{"room":"general","text":"hello"}}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Address = address
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")
	cmd.Flags().StringVarP(&address, "address", "a", "", "listen address (overrides config)")
	return cmd
}

func runServe(cfg *serveConfig) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	table, err := router.Flatten(router.Group{
		"echo": router.Group{
			"ping": router.In{
				Input:   schema.Struct[pingInput](),
				Handler: handlePing,
			},
			"onPong": router.Out{Output: schema.Any()},
		},
		"chat": router.Group{
			"join": router.In{
				Input:   schema.Struct[joinInput](),
				Handler: handleJoin,
			},
			"leave": router.In{
				Input:   schema.Struct[joinInput](),
				Handler: handleLeave,
			},
			"say": router.In{
				Input: schema.Struct[sayInput](),
				Middleware: []server.Middleware{
					requireMembership(),
				},
				Handler: handleSay,
			},
			"onMessage": router.Out{Output: schema.Struct[chatMessage]()},
		},
		"clock": router.Group{
			"onTick": router.Out{Output: schema.Struct[serverTime]()},
		},
	})
	if err != nil {
		return err
	}

	serverCfg := server.DefaultConfig()
	serverCfg.Logger = logger
	serverCfg.MaxConnections = cfg.MaxConnections
	serverCfg.Handshake = schema.Func(requireName)
	serverCfg.Middleware = []server.Middleware{
		zmw.Prometheus(),
		zmw.OpenTelemetry(),
	}
	serverCfg.OnConnect = func(ctx context.Context, clientID string, values zocket.Values) (map[string]any, error) {
		zmw.RecordConnectionOpen()
		return map[string]any{"name": values.Get("name")}, nil
	}
	serverCfg.OnDisconnect = func(clientID string, userCtx map[string]any, rooms []string) {
		zmw.RecordConnectionClose()
		logger.Info("client left", "client_id", clientID, "rooms", rooms)
	}
	serverCfg.OnSendError = func(clientID string, err error) {
		zmw.RecordSendError()
	}

	wsCfg := ws.DefaultConfig()
	wsCfg.RateLimit = &ws.RateLimitConfig{
		MessagesPerSecond: rate.Limit(cfg.MessagesPerSecond),
		Burst:             cfg.Burst,
	}
	if cfg.AllowAllOrigins {
		wsCfg.CheckOrigin = ws.AllOrigins
	}

	app, err := zocket.New(table, serverCfg, wsCfg)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Handle("/ws", app.Handler())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Server-initiated push: a clock tick to every connection.
	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickerDone:
				return
			case t := <-ticker.C:
				app.Send("clock.onTick", serverTime{Now: t.UTC().Format(time.RFC3339)}).Broadcast()
			}
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", cfg.Address)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		close(tickerDone)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-shutdown:
		logger.Info("shutting down...")
		close(tickerDone)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.Shutdown(ctx)
		return httpServer.Shutdown(ctx)
	}
}

// requireName validates the handshake: a non-empty name must arrive via
// header or query string.
func requireName(_ context.Context, raw any) (any, []schema.Issue) {
	bag, _ := raw.(map[string]any)
	name, _ := bag["name"].(string)
	if name == "" {
		return nil, []schema.Issue{{Path: "name", Message: "required"}}
	}
	return raw, nil
}

// requireMembership rejects chat.say frames for rooms the sender is not
// currently a member of. The rejection is silent on the wire by design.
func requireMembership() server.Middleware {
	return server.Refine(func(c *server.Ctx, payload any) (map[string]any, error) {
		in, ok := payload.(sayInput)
		if !ok {
			return nil, fmt.Errorf("unexpected payload type %T", payload)
		}
		if !c.Rooms().Has(in.Room) {
			return nil, fmt.Errorf("not a member of %q", in.Room)
		}
		return nil, nil
	})
}

func handlePing(c *server.Ctx, input any) (any, error) {
	in := input.(pingInput)
	reply := "pong: " + in.Message
	c.Send("echo.onPong", map[string]any{"reply": reply}).To(c.ClientID())
	return reply, nil
}

func handleJoin(c *server.Ctx, input any) (any, error) {
	in := input.(joinInput)
	if err := c.Rooms().Join(in.Room); err != nil {
		return nil, err
	}
	return map[string]any{"room": in.Room, "joined": true}, nil
}

func handleLeave(c *server.Ctx, input any) (any, error) {
	in := input.(joinInput)
	if err := c.Rooms().Leave(in.Room); err != nil {
		return nil, err
	}
	return map[string]any{"room": in.Room, "joined": false}, nil
}

func handleSay(c *server.Ctx, input any) (any, error) {
	in := input.(sayInput)
	msg := chatMessage{
		ID:   uuid.NewString(),
		From: c.GetString("name"),
		Room: in.Room,
		Text: in.Text,
	}
	if err := c.Send("chat.onMessage", msg).ToRoom(in.Room); err != nil {
		return nil, err
	}
	return msg.ID, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
