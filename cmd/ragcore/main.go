// Command ragcore is the RAG core's process entrypoint: it loads
// configuration, initializes every singleton gateway and the chunk
// store, then serves the HTTP API, per spec.md §5's disciplined
// single-entry-point requirement.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/chunker"
	"github.com/hexabank/ragcore/internal/composer"
	"github.com/hexabank/ragcore/internal/config"
	"github.com/hexabank/ragcore/internal/embedding"
	"github.com/hexabank/ragcore/internal/extractor"
	"github.com/hexabank/ragcore/internal/httpapi"
	"github.com/hexabank/ragcore/internal/ingestion"
	"github.com/hexabank/ragcore/internal/llm"
	"github.com/hexabank/ragcore/internal/planner"
	"github.com/hexabank/ragcore/internal/reranker"
	"github.com/hexabank/ragcore/internal/retriever"
	"github.com/hexabank/ragcore/internal/store"
)

func main() {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()

	st := store.New(store.Config{
		DatabaseURL: cfg.DatabaseURL,
		VectorDim:   cfg.VectorDim,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Connect(ctx); err != nil {
		cancel()
		logger.WithError(err).Fatal("failed to connect to chunk store")
	}
	cancel()
	defer st.Close()

	extractorC := extractor.New(logger)

	chunkerC := chunker.New(chunker.Config{
		ChunkSizeTokens:    cfg.ChunkSizeTokens,
		ChunkOverlapTokens: cfg.ChunkOverlapTokens,
		ChunkMinTokens:     cfg.ChunkMinTokens,
		ChunkSizeHardCap:   cfg.ChunkSizeHardCap,
	})

	embedGW := embedding.New(embedding.Config{
		Endpoint:  cfg.EmbeddingEndpoint,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.VectorDim,
		Timeout:   cfg.EmbeddingTimeout,
	}, logger)

	rerankGW := reranker.New(reranker.Config{
		Endpoint: cfg.RerankerEndpoint,
		Model:    cfg.RerankerModel,
		Timeout:  cfg.RerankerTimeout,
	}, logger)

	llmGW := llm.New(llm.Config{
		Endpoint: cfg.LLMEndpoint,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
		Timeout:  cfg.LLMStreamTimeout,
	}, logger)

	coordinator := ingestion.New(extractorC, chunkerC, embedGW, st, cfg.StoragePath, logger)

	queryPlanner := planner.New(llmGW, embedGW, logger)

	retrieverC := retriever.New(retriever.Config{
		InitialTopK:         cfg.InitialTopK,
		FinalTopK:           cfg.TopKResults,
		RerankThreshold:     cfg.RerankThreshold,
		SimilarityThreshold: cfg.SimilarityThreshold,
		EnforceDiversity:    cfg.EnforceDiversity,
		MaxPerDocument:      cfg.MaxPerDoc,
	}, st, rerankGW, logger)

	answerComposer := composer.New(composer.Config{
		FuzzyAccept:      cfg.FuzzyAccept,
		StrictCitations:  cfg.StrictCitations,
		HistoryTurns:     cfg.ChatHistoryTurns,
		Temperature:      cfg.LLMTemperatureAnswer,
		MaxTokens:        cfg.LLMMaxTokens,
		InputPricePer1M:  cfg.LLMInputPricePer1M,
		OutputPricePer1M: cfg.LLMOutputPricePer1M,
	}, llmGW, logger)

	router := httpapi.NewRouter(httpapi.Deps{
		Store:       st,
		Coordinator: coordinator,
		Planner:     queryPlanner,
		Retriever:   retrieverC,
		Composer:    answerComposer,
		MaxUploadMB: cfg.MaxUploadMB,
		AllowedExts: cfg.AllowedExtensions,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.HTTPAddr}).Info("ragcore listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
}
