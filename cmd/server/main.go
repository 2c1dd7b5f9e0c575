package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/storyloom/backend/internal/api"
	"github.com/storyloom/backend/internal/config"
	"github.com/storyloom/backend/internal/db"
	"github.com/storyloom/backend/internal/presence"
	"github.com/storyloom/backend/internal/suggest"
	"github.com/storyloom/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	syncer := presence.NewSyncer(database)

	hub := ws.NewHub(database, syncer, ws.Options{
		SuppressEcho:      cfg.SuppressEcho,
		SendBuffer:        cfg.SendBuffer,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})
	go hub.Run()

	sweeper := presence.NewSweeper(database, presence.SweeperConfig{
		Interval:   cfg.SweepInterval,
		StaleAfter: cfg.SessionStaleAfter,
	})
	sweeper.Start()

	suggester := suggest.New(suggest.Config{
		APIKey:  cfg.OpenAIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
	})

	apiHandler := api.New(hub, database, suggester)

	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})

	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/stats", apiHandler.StatsHandler)
	mux.HandleFunc("/api/stories", apiHandler.StoriesRouter)
	mux.HandleFunc("/api/stories/", apiHandler.StoriesRouter)
	mux.HandleFunc("/api/suggestions/", apiHandler.SuggestionsRouter)

	handler := corsMiddleware(mux)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logrus.Info("Shutting down server...")
		sweeper.Stop()
		database.Close()
		os.Exit(0)
	}()

	logrus.WithFields(logrus.Fields{
		"addr": cfg.Addr,
		"db":   cfg.DBPath,
	}).Info("Storyloom server starting")
	logrus.Info("Endpoints:")
	logrus.Info("  - WebSocket:   /ws?story={storyId}&user={name}")
	logrus.Info("  - Health:      GET /health")
	logrus.Info("  - Stats:       GET /api/stats")
	logrus.Info("  - Stories:     GET/POST /api/stories")
	logrus.Info("  - Story:       GET/DELETE /api/stories/{id}")
	logrus.Info("  - Nodes:       GET/POST /api/stories/{id}/nodes")
	logrus.Info("  - Comments:    POST /api/stories/{id}/comments")
	logrus.Info("  - Suggestion:  GET /api/stories/{id}/suggestion?type=X")
	logrus.Info("  - Sessions:    POST /api/stories/{id}/join|leave")
	logrus.Info("  - Writers:     GET /api/stories/{id}/writers")

	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		logrus.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
