package cmd

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ticket-engine/config"
	"ticket-engine/internal/gateway"
	"ticket-engine/internal/gateway/kpay"
	"ticket-engine/internal/gateway/vpay"
	"ticket-engine/internal/handlers"
	"ticket-engine/internal/inventory"
	"ticket-engine/internal/notify"
	"ticket-engine/internal/settlement"
	"ticket-engine/internal/ticket"
	"ticket-engine/monitoring"
	"ticket-engine/security"
	"ticket-engine/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
)

func Start() error {
	app := pocketbase.New()

	cfg := config.LoadConfig()

	redisClient, err := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.PubNubPublishKey != "" {
		notifier = notify.NewPubNubNotifier(&notify.PubNubConfig{
			PublishKey:   cfg.PubNubPublishKey,
			SubscribeKey: cfg.PubNubSubscribeKey,
			SecretKey:    cfg.PubNubSecretKey,
			UUID:         cfg.PubNubUUID,
		})
	}

	gateways := gateway.NewRegistry()
	if cfg.VPay.BaseURL != "" {
		gateways.Register(vpay.New(&cfg.VPay))
	}
	if cfg.KPay.BaseURL != "" {
		kp, err := kpay.New(ctx, &cfg.KPay)
		if err != nil {
			return err
		}
		gateways.Register(kp)
	}

	rateLimiter := security.NewRateLimiter(redisClient)

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		db := app.DB()

		counters := inventory.NewSQLCounterStore(db)
		ledger := inventory.NewLedger(counters)
		tickets := ticket.NewSQLStore(db)
		machine := ticket.NewMachine(tickets, ledger)
		attempts := settlement.NewSQLAttemptStore(db)
		sessions := settlement.NewSessionStore(redisClient, cfg.SessionTTL)

		coordinator := settlement.NewCoordinator(settlement.Config{
			Catalog:            counters,
			Ledger:             ledger,
			Machine:            machine,
			Tickets:            tickets,
			Attempts:           attempts,
			Sessions:           sessions,
			Gateways:           gateways,
			Notifier:           notifier,
			Currency:           cfg.Currency,
			ReservationTimeout: cfg.ReservationTimeout,
		})

		// Pending reservations survive a restart; rebuild the
		// in-memory allocations before serving traffic.
		if err := coordinator.RestoreReservations(ctx); err != nil {
			slog.Error("restore reservations", "error", err)
			return err
		}

		sweeper := settlement.NewSweeper(machine, tickets, coordinator, notifier,
			slog.Default(), cfg.SweepInterval, cfg.ReservationTimeout)
		go sweeper.Run(ctx)

		purchaseHandler := handlers.NewPurchaseHandler(app, coordinator, counters)
		callbackHandler := handlers.NewCallbackHandler(app, coordinator)
		checkinHandler := handlers.NewCheckinHandler(app, coordinator)

		// Purchase endpoints
		e.Router.GET("/api/v1/ticket-types", purchaseHandler.ListTicketTypes)
		e.Router.POST("/api/v1/purchases", purchaseHandler.StartPurchase).
			BindFunc(rateLimiter.PurchaseRateLimit(30))
		e.Router.GET("/api/v1/orders/{orderId}", purchaseHandler.GetOrderStatus)
		e.Router.POST("/api/v1/orders/{orderId}/refund", purchaseHandler.RefundOrder)

		// Provider callbacks
		e.Router.POST("/api/v1/callbacks/{provider}", callbackHandler.HandleCallback).
			BindFunc(rateLimiter.CallbackRateLimit(120))

		// Gate check-in
		e.Router.POST("/api/v1/tickets/check-in", checkinHandler.CheckIn)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		if cfg.EnableMetrics {
			monitoring.NewMonitor(counters, ledger)
			monitoring.StartMetricsServer(cfg.MetricsPort, redisClient)
		}

		log.Println("Server routes registered")

		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		if err := gateways.Close(context.Background()); err != nil {
			slog.Error("close gateways", "error", err)
		}
		if c, ok := notifier.(interface{ Close() }); ok {
			c.Close()
		}
		return e.Next()
	})

	return app.Start()
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
