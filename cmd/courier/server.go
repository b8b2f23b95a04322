package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"courier/internal/constants"
	"courier/internal/models"
	"courier/internal/service"
	"courier/internal/tracing"
	"courier/pkg/transport"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type serverDeps struct {
	storage    service.Storage
	dispatcher *service.EnvelopeDispatcher
	aggregator *service.ReadReceiptAggregator
	runner     *service.JobRunner
	client     transport.Client
	expirer    service.DeletionScheduler
	notifier   service.Notifier
	prefs      service.Preferences
	clock      service.Clock
}

type Server struct {
	router *mux.Router
	logger *logrus.Logger
	cfg    *models.Config
	deps   serverDeps
	server *http.Server
}

func NewServer(cfg *models.Config, deps serverDeps, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		cfg:    cfg,
		deps:   deps,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/messages", s.handleSendMessage()).Methods(http.MethodPost)
	api.HandleFunc("/envelope", s.handleEnvelope()).Methods(http.MethodPost)
	api.HandleFunc("/threads/{threadID}/read", s.handleThreadRead()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.ServerPort),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.ServerPort)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.WithError(err).Warn("Failed to write health response")
		}
	}
}

type sendMessageRequest struct {
	Destination string `json:"destination"`
	Body        string `json:"body"`
	ExpiresInMs int64  `json:"expires_in_ms,omitempty"`
	IsGroup     bool   `json:"is_group,omitempty"`
}

type sendMessageResponse struct {
	MessageID int64  `json:"message_id"`
	JobID     string `json:"job_id"`
}

// handleSendMessage stores a pending outbound message and enqueues its
// delivery job.
func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "server.sendMessage")
		defer span.End()

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Destination == "" {
			http.Error(w, "destination is required", http.StatusBadRequest)
			return
		}

		record := &models.MessageRecord{
			Address:   models.Address(req.Destination),
			Body:      req.Body,
			Outgoing:  true,
			SentAt:    s.deps.clock.NowMillis(),
			ExpiresIn: req.ExpiresInMs,
			IsGroup:   req.IsGroup,
			Status:    models.MessageStatusPending,
		}

		id, err := s.deps.storage.InsertMessage(ctx, record)
		if err != nil {
			tracing.RecordError(ctx, err)
			s.logger.WithError(err).Error("Failed to store outbound message")
			http.Error(w, "failed to store message", http.StatusInternalServerError)
			return
		}

		job := service.NewSendJob(models.JobParameters{
			TemplateMessageID: id,
			MessageID:         id,
			Destination:       record.Address,
		}, s.deps.storage, s.deps.client, s.deps.expirer, s.deps.notifier, s.deps.prefs, s.deps.clock, s.logger)

		if err := s.deps.runner.Enqueue(job); err != nil {
			tracing.RecordError(ctx, err)
			s.logger.WithError(err).Warn("Failed to enqueue send job")
			http.Error(w, "delivery queue unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(sendMessageResponse{MessageID: id, JobID: job.ID()}); err != nil {
			s.logger.WithError(err).Warn("Failed to write send response")
		}
	}
}

// handleEnvelope injects one envelope, as delivered by an out-of-band
// push notification.
func (s *Server) handleEnvelope() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "server.envelope")
		defer span.End()

		var envelope models.Envelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		}

		s.deps.dispatcher.ProcessEnvelope(ctx, envelope, true)
		w.WriteHeader(http.StatusOK)
	}
}

type threadReadRequest struct {
	ReadAtMs int64 `json:"read_at_ms,omitempty"`
}

type threadReadResponse struct {
	MarkedRead int `json:"marked_read"`
}

// handleThreadRead marks every message in a thread read up to the given
// instant, then runs the read-receipt and expiration follow-up.
func (s *Server) handleThreadRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "server.threadRead")
		defer span.End()

		threadID, err := strconv.ParseInt(mux.Vars(r)["threadID"], 10, 64)
		if err != nil {
			http.Error(w, "invalid thread id", http.StatusBadRequest)
			return
		}

		var req threadReadRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}
		readAt := req.ReadAtMs
		if readAt <= 0 {
			readAt = s.deps.clock.NowMillis()
		}

		marked, err := s.deps.storage.MarkThreadRead(ctx, threadID, readAt)
		if err != nil {
			tracing.RecordError(ctx, err)
			s.logger.WithError(err).Error("Failed to mark thread read")
			http.Error(w, "failed to mark thread read", http.StatusInternalServerError)
			return
		}

		s.deps.aggregator.Process(ctx, marked)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(threadReadResponse{MarkedRead: len(marked)}); err != nil {
			s.logger.WithError(err).Warn("Failed to write thread-read response")
		}
	}
}
