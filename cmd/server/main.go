package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/acme/autocert"

	"github.com/roomvoice/groupcall/internal/call"
	"github.com/roomvoice/groupcall/internal/config"
	"github.com/roomvoice/groupcall/internal/database"
	"github.com/roomvoice/groupcall/internal/dispatcher"
	"github.com/roomvoice/groupcall/internal/httpapi"
	"github.com/roomvoice/groupcall/internal/legacy"
	"github.com/roomvoice/groupcall/internal/media"
	"github.com/roomvoice/groupcall/internal/notify"
	"github.com/roomvoice/groupcall/internal/settings"
	"github.com/roomvoice/groupcall/internal/state"
	"github.com/roomvoice/groupcall/internal/turn"
	"github.com/roomvoice/groupcall/internal/widget"
)

const AppVersion = "1.0.0"

func main() {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP instead of HTTPS with Let's Encrypt")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("groupcall server starting", "version", AppVersion)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *httpOnly {
		cfg.HTTPOnly = true
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	settingsStore := settings.New(db)
	stateStore := state.NewStore(cfg.UserID, cfg.DeviceID)
	messagingStore := widget.NewMessagingStore()
	deviceRegistry := media.NewRegistry()
	notifier := notify.NewNotifier(db, cfg.VAPIDKeys, logger)
	bus := dispatcher.NewBus()

	turnServer, err := turn.Start(cfg.TURNPort, cfg.TURNRealm, config.KeysDir(), logger)
	if err != nil {
		logger.Error("failed to start TURN server", "error", err)
		os.Exit(1)
	}
	defer turnServer.Close()

	legacyHandler := legacy.NewHandler(stateStore, turnServer, bus, logger)
	defer legacyHandler.Close()

	callStore := call.NewStore(call.Deps{
		State:          stateStore,
		Settings:       settingsStore,
		Messaging:      messagingStore,
		Devices:        deviceRegistry,
		Bus:            bus,
		Logger:         logger,
		ElementCallURL: cfg.ElementCallURL,
		JitsiDomain:    cfg.JitsiDomain,
	})
	watchCallEnds(callStore, stateStore, notifier)
	readyCtx, cancelReady := context.WithTimeout(context.Background(), 30*time.Second)
	callStore.Ready(readyCtx)
	cancelReady()
	defer callStore.Close()

	h := httpapi.New(cfg, callStore, legacyHandler, stateStore, settingsStore,
		messagingStore, deviceRegistry, notifier, bus, logger)
	router := httpapi.NewRouter(h, logger)

	go serve(router, cfg, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	bus.Dispatch(dispatcher.Action{Type: dispatcher.ActionHangupAll})
}

// watchCallEnds pushes a notification when this device leaves a call.
func watchCallEnds(calls *call.Store, st *state.Store, notifier *notify.Notifier) {
	calls.CallEnded().Subscribe(func(roomID string) {
		name := ""
		if room := st.Room(roomID); room != nil {
			name = room.Name()
		}
		notifier.NotifyCallEnded(roomID, name)
	})
}

func serve(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	if cfg.HTTPOnly {
		srv := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logger.Info("http server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	certsDir := filepath.Join(config.KeysDir(), "certs")
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		logger.Error("failed to create certs directory", "error", err)
		os.Exit(1)
	}

	domain := normalizeDomain(cfg.Domain)
	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured", host)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	// Port 80 answers ACME challenges and redirects everything else.
	go func() {
		httpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
				m.HTTPHandler(nil).ServeHTTP(w, r)
				return
			}
			http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
		})
		srv := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      httpHandler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http redirect server failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      router,
		TLSConfig:    m.TLSConfig(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     log.New(newTLSErrorWriter(logger), "", log.LstdFlags),
	}
	logger.Info("https server listening", "port", cfg.HTTPSPort, "domain", domain)
	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		logger.Error("https server failed", "error", err)
		os.Exit(1)
	}
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
