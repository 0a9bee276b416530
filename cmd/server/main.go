package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/admin"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/api"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/auth"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/config"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/db"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/llm"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/pipeline"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/quota"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/retrieval"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/usage"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
		if level == logrus.DebugLevel {
			log.SetFormatter(&logrus.TextFormatter{})
		}
	}

	database, err := db.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}
	defer database.Close()

	counter, err := quota.NewRedisCounter(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to initialize quota counter: ", err)
	}
	defer counter.Close()

	chunkSource, err := retrieval.NewRedisChunkSource(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to initialize context index: ", err)
	}
	defer chunkSource.Close()

	resolver := auth.NewResolver(database)
	limiter := quota.NewLimiter(counter, cfg.FreeTierHourlyLimit, log)

	embedder := retrieval.NewHTTPEmbedder(cfg.EmbeddingServiceURL)
	searcher := retrieval.NewSearcher(embedder, chunkSource, cfg.SearchLimit, cfg.ScoreThreshold, log)

	router := llm.NewRouter(
		[]llm.Provider{
			llm.NewOpenAIProvider(cfg.OpenAIAPIKey),
			llm.NewAnthropicProvider(cfg.AnthropicAPIKey),
		},
		llm.RouterOptions{
			TierModels:  llm.TierModels{Free: cfg.FreeTierModel, Paid: cfg.PaidTierModel},
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		},
		log,
	)

	var publisher usage.Publisher
	if cfg.KafkaBroker != "" {
		kafkaPublisher := usage.NewKafkaPublisher(cfg.KafkaBroker, cfg.UsageEventTopic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}
	recorder := usage.NewRecorder(database, publisher, log)
	defer recorder.Close()

	chatPipeline := pipeline.New(resolver, limiter, searcher, router, recorder, cfg.RequestTimeout, log)

	r := mux.NewRouter()
	r.Use(api.RequestID(log))

	checks := map[string]func(context.Context) error{
		"database": database.Ping,
		"redis":    counter.Ping,
	}
	apiHandler := api.NewHandler(chatPipeline, checks, log)
	apiHandler.RegisterRoutes(r)

	r.HandleFunc("/auth/token", tokenHandler(cfg.InternalSecret, cfg.JWTSecret, log)).Methods("POST")

	adminMiddleware := auth.NewMiddleware(cfg.JWTSecret)
	adminHandler := admin.NewHandler(database, log)
	adminRouter := r.PathPrefix("/admin").Subrouter()
	adminRouter.Use(adminMiddleware.RequireAdmin)
	adminHandler.RegisterRoutes(adminRouter)

	log.Infof("Server starting on port %s", cfg.ServerPort)
	log.Info("Widget API available at /api/widget/*")
	log.Info("Admin API available at /admin/*")
	if err := http.ListenAndServe(":"+cfg.ServerPort, r); err != nil {
		log.Fatal("Server failed: ", err)
	}
}

// tokenHandler exchanges the internal secret for an admin JWT. Used by the
// dashboard backend, never by widgets.
func tokenHandler(internalSecret, jwtSecret string, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Secret") != internalSecret {
			http.Error(w, "Invalid internal secret", http.StatusUnauthorized)
			return
		}

		token, err := auth.GenerateAdminToken(jwtSecret)
		if err != nil {
			log.WithError(err).Error("token generation failed")
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}
