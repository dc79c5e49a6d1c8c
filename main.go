package main

import (
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"cloudvault/billing"
	"cloudvault/collab"
	"cloudvault/config"
	"cloudvault/core"
	billingHandlers "cloudvault/handlers/api/billing"
	"cloudvault/handlers/api/files"
	"cloudvault/handlers/api/rooms"
	"cloudvault/handlers/auth"
	"cloudvault/handlers/websocket"
	authMiddleware "cloudvault/middleware"
	"cloudvault/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func allowOrigin(allowed []string) func(r *http.Request, origin string) bool {
	return func(r *http.Request, origin string) bool {
		if origin == "" {
			return false
		}
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		case "tauri":
			return parsed.Hostname() == "localhost"
		}

		return false
	}
}

func setupRouter(cfg *config.Config, store core.ObjectStore, roomRegistry core.RoomRegistry, payments core.PaymentProvider, authService *auth.Service, gw *collab.Gateway) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  allowOrigin(cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		ExposedHeaders:   []string{"X-Version-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	requireSession := authMiddleware.AuthJWT(authService)

	r.Route("/api/v2", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			files.RegisterRoutes(r, store, authService, cfg.ShareLinkTTL)
			billingHandlers.RegisterRoutes(r, payments, billing.Catalog(cfg.BillingPriceIDs))
		})
		r.Get("/share/{token}", files.HandleShared(store, authService))
	})

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(requireSession)
		r.Get("/", rooms.HandleList(gw.Manager(), roomRegistry))
		r.Get("/{roomId}", rooms.HandleGet(gw.Manager()))
		r.Delete("/{roomId}", rooms.HandleDelete(roomRegistry))
	})

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authService.HandleLogin)
		r.Get("/callback", authService.HandleCallback)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func waitForShutdown(ioo *socketio.Server, gw *collab.Gateway) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down...")
	gw.Shutdown()
	ioo.Close(nil)
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	listenAddress := flag.String("listen", cfg.ListenAddr, "The address to listen on.")
	logLevel := flag.String("loglevel", cfg.LogLevel, "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	store := stores.GetStore(cfg)
	var roomRegistry core.RoomRegistry
	if registry, ok := store.(core.RoomRegistry); ok {
		roomRegistry = registry
	}

	var payments core.PaymentProvider
	if cfg.BillingEnabled() {
		payments = billing.NewUpstreamProvider(cfg.BillingAPIURL, cfg.BillingAPIKey, cfg.BillingTimeout)
		logrus.WithField("url", cfg.BillingAPIURL).Info("Use billing backend")
	} else {
		logrus.Warn("BILLING_API_URL is not set. Billing routes will answer 501.")
	}

	authService := auth.NewService(cfg)
	gw := collab.NewGateway(collab.GatewayOptions{
		Verifier:      authService,
		Registry:      roomRegistry,
		VerifyTimeout: cfg.AuthVerifyTimeout,
		EventRate:     cfg.CollabEventRate,
		EventBurst:    cfg.CollabEventBurst,
		MaxChanges:    cfg.CollabMaxChanges,
	})

	r := setupRouter(cfg, store, roomRegistry, payments, authService, gw)
	ioo := websocket.SetupSocketIO(gw, cfg)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := http.ListenAndServe(*listenAddress, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(ioo, gw)
}
