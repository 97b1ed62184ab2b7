// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package server exposes chats, messages, live events and the mutating
// actions over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lrhodin/webmessages/pkg/actions"
	"github.com/lrhodin/webmessages/pkg/bridge"
	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/events"
	"github.com/lrhodin/webmessages/pkg/identity"
	"github.com/lrhodin/webmessages/pkg/merge"
	"github.com/lrhodin/webmessages/pkg/metrics"
)

// Store is the read side of *chatdb.DB used by the handlers.
type Store interface {
	ChatList(ctx context.Context) ([]*chatdb.Chat, error)
	MessagesByChat(ctx context.Context, chatIDs []int64, limit, offset int) ([]*chatdb.Message, error)
	Participants(ctx context.Context, chatID int64) ([]chatdb.Participant, error)
	AttachmentsByMessage(ctx context.Context, messageRowID int64) ([]chatdb.Attachment, error)
	AttachmentByID(ctx context.Context, id int64) (*chatdb.Attachment, error)
	Search(ctx context.Context, query string, limit int) ([]*chatdb.Message, error)
	Probe(ctx context.Context) error
}

// Actor is implemented by *actions.Actions.
type Actor interface {
	React(ctx context.Context, req actions.ReactRequest) error
	Unsend(ctx context.Context, req actions.UnsendRequest) error
	Edit(ctx context.Context, req actions.EditRequest) error
	Reply(ctx context.Context, req actions.ReplyRequest) (*chatdb.Message, error)
	Send(ctx context.Context, req actions.SendRequest) (*chatdb.Message, error)
	SendFile(ctx context.Context, chatGUID, path string) (*chatdb.Message, error)
	MarkRead(ctx context.Context, chatGUID string) error
	Eligibility(ctx context.Context) (map[string]chatdb.Eligibility, error)

	ListScheduled(ctx context.Context, chatGUID string) []bridge.ScheduledMessage
	Schedule(ctx context.Context, req actions.ScheduleRequest) (*bridge.ScheduledMessage, error)
	EditScheduled(ctx context.Context, req actions.EditScheduledRequest) error
	CancelScheduled(ctx context.Context, id, chatGUID string) error
}

// AttachmentProber is implemented by *attachmeta.Prober.
type AttachmentProber interface {
	Probe(att *chatdb.Attachment)
	ResolvePath(filename string) string
}

type Options struct {
	Store    Store
	Actions  Actor
	Hub      *events.Hub
	Contacts *identity.Directory
	Pins     merge.PinSource
	Prober   AttachmentProber
	Metrics  *metrics.Metrics

	// RateLimit and Burst configure the token bucket shared by all
	// mutating routes. A zero RateLimit disables limiting.
	RateLimit rate.Limit
	Burst     int

	// UploadDir receives files posted to /api/attachments/upload. Defaults
	// to a directory under os.TempDir.
	UploadDir string
}

type Server struct {
	store    Store
	actions  Actor
	hub      *events.Hub
	contacts *identity.Directory
	merger   *merge.Merger
	prober   AttachmentProber
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	upload   string
	log      zerolog.Logger

	engine *gin.Engine
}

func New(opts Options, log zerolog.Logger) *Server {
	s := &Server{
		store:    opts.Store,
		actions:  opts.Actions,
		hub:      opts.Hub,
		contacts: opts.Contacts,
		merger:   merge.NewMerger(opts.Contacts, opts.Pins),
		prober:   opts.Prober,
		metrics:  opts.Metrics,
		upload:   opts.UploadDir,
		log:      log.With().Str("component", "server").Logger(),
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(opts.RateLimit, max(opts.Burst, 1))
	}
	if s.upload == "" {
		s.upload = filepath.Join(os.TempDir(), "webmessages-uploads")
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.recordMetrics())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := router.Group("/api")
	api.GET("/events", gin.WrapF(s.hub.ServeSSE))
	api.GET("/chats", s.listChats)
	api.GET("/messages/:chatId", s.listMessages)
	api.GET("/message-eligibility", s.eligibility)
	api.GET("/search", s.search)
	api.GET("/attachments/:id", s.serveAttachment)
	api.GET("/scheduled-messages", s.listScheduled)

	mutating := api.Group("/", s.rateLimit())
	mutating.POST("/react", s.react)
	mutating.POST("/unsend", s.unsend)
	mutating.POST("/edit", s.edit)
	mutating.POST("/reply", s.reply)
	mutating.POST("/send", s.send)
	mutating.POST("/mark-read", s.markRead)
	mutating.POST("/attachments/upload", s.uploadAttachment)
	mutating.POST("/scheduled-messages", s.createScheduled)
	mutating.PUT("/scheduled-messages/:id", s.editScheduled)
	mutating.DELETE("/scheduled-messages/:id", s.cancelScheduled)
	return router
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled and then shuts down
// gracefully. Open event streams end when their request contexts do.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if listenErr := <-errCh; !errors.Is(listenErr, http.ErrServerClosed) && err == nil {
		err = listenErr
	}
	return err
}
