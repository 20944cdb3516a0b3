package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/apperrors"
	"github.com/mattyhall/rexml/internal/config"
	"github.com/mattyhall/rexml/internal/feed"
	"github.com/mattyhall/rexml/internal/hash/sha256"
	"github.com/mattyhall/rexml/internal/metrics"
	"github.com/mattyhall/rexml/internal/watch"
)

const requestTimeout = 30 * time.Second

// maxCutoffSeconds is the largest cutoff representable as a time.Duration.
const maxCutoffSeconds = math.MaxInt64 / int64(time.Second)

// FeedRenderer renders a channel's Atom document.
type FeedRenderer interface {
	Render(ctx context.Context, channelName string) ([]byte, error)
}

// Waker is signalled after a channel is registered.
type Waker interface {
	Signal()
}

// Server wires HTTP handlers to the store, renderer and scheduler.
type Server struct {
	channels watch.ChannelStore
	renderer FeedRenderer
	wake     Waker
	idGen    watch.IDGenerator
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server.
func NewServer(
	channels watch.ChannelStore,
	renderer FeedRenderer,
	wake Waker,
	idGen watch.IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		channels: channels,
		renderer: renderer,
		wake:     wake,
		idGen:    idGen,
		cfg:      cfg,
		logger:   logger,
	}
}

// FeedHandler returns the public feed router.
func (s *Server) FeedHandler() http.Handler {
	r := s.newRouter()
	r.Get("/{channel}", s.getFeed)
	return r
}

// AdminHandler returns the registration router.
func (s *Server) AdminHandler() http.Handler {
	r := s.newRouter()
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		if s.cfg.Admin.Auth.Enabled {
			r.Use(apiKeyMiddleware(s.cfg.Admin.Auth.APIKey))
		}
		r.Get("/channels", s.listChannels)
		r.Post("/{channel}", s.registerChannel)
	})
	return r
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	if !watch.ValidChannelName(name) {
		s.writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	body, err := s.renderer.Render(r.Context(), name)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("render feed failed", zap.String("channel", name), zap.Error(err))
		}
		s.writeError(w, status, http.StatusText(status))
		return
	}
	etag := sha256.ETag(body)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", feed.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("write feed failed", zap.String("channel", name), zap.Error(err))
	}
}

type registerRequest struct {
	UpvoteThreshold   *int64 `json:"upvote_threshold"`
	TimeCutoffSeconds *int64 `json:"time_cutoff_seconds"`
}

func (req registerRequest) validate() error {
	switch {
	case req.UpvoteThreshold == nil:
		return errors.New("upvote_threshold is required")
	case req.TimeCutoffSeconds == nil:
		return errors.New("time_cutoff_seconds is required")
	case *req.UpvoteThreshold < 0:
		return errors.New("upvote_threshold must be >= 0")
	case *req.TimeCutoffSeconds <= 0:
		return errors.New("time_cutoff_seconds must be > 0")
	case *req.TimeCutoffSeconds > maxCutoffSeconds:
		return fmt.Errorf("time_cutoff_seconds must be <= %d", maxCutoffSeconds)
	}
	return nil
}

func (s *Server) registerChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")
	if !watch.ValidChannelName(name) {
		s.writeError(w, http.StatusBadRequest, "channel name must be 1-64 letters, digits or underscores")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("generate channel id", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	channel := watch.Channel{
		ID:              id,
		Name:            name,
		UpvoteThreshold: *req.UpvoteThreshold,
		TimeCutoff:      time.Duration(*req.TimeCutoffSeconds) * time.Second,
	}
	if err := s.channels.CreateChannel(r.Context(), channel); err != nil {
		status := statusFor(err)
		if status == http.StatusConflict {
			s.logger.Info("channel already registered", zap.String("channel", name))
			s.writeError(w, status, "channel already registered")
			return
		}
		s.logger.Error("register channel failed", zap.String("channel", name), zap.Error(err))
		s.writeError(w, status, http.StatusText(status))
		return
	}

	s.logger.Info("channel registered",
		zap.String("channel", name),
		zap.Int64("upvote_threshold", channel.UpvoteThreshold),
		zap.Duration("time_cutoff", channel.TimeCutoff),
	)
	if s.wake != nil {
		s.wake.Signal()
	}
	w.WriteHeader(http.StatusOK)
}

type channelResponse struct {
	Name              string `json:"name"`
	UpvoteThreshold   int64  `json:"upvote_threshold"`
	TimeCutoffSeconds int64  `json:"time_cutoff_seconds"`
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.ListChannels(r.Context())
	if err != nil {
		s.logger.Error("list channels failed", zap.Error(err))
		s.writeError(w, statusFor(err), "failed to list channels")
		return
	}
	s.writeJSON(w, http.StatusOK, lo.Map(channels, func(c watch.Channel, _ int) channelResponse {
		return channelResponse{
			Name:              c.Name,
			UpvoteThreshold:   c.UpvoteThreshold,
			TimeCutoffSeconds: c.CutoffSeconds(),
		}
	}))
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindInvalidArgument:
		return http.StatusBadRequest
	case apperrors.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
