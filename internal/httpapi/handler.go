// Package httpapi exposes the sync server over HTTP: resource CRUD with
// idempotent mutation replay, the websocket endpoint for the realtime
// channel, and the rate-limit gate that fronts every request.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/hub"
	"github.com/AmbitiousRealism2025/syncd/internal/ratelimit"
	"github.com/AmbitiousRealism2025/syncd/internal/resourcestore"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

const (
	// HeaderMutationID carries the client-generated idempotency key.
	HeaderMutationID = "X-Syncd-Mutation-ID"
	// HeaderCreatedAt carries the client-side mutation creation time (Unix ms).
	HeaderCreatedAt = "X-Syncd-Created-At"
)

// ErrAuthExpired is returned by token validators for unusable tokens.
var ErrAuthExpired = errors.New("httpapi: auth expired")

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	Validate(token string) (userID string, err error)
}

// StaticTokens validates against a fixed token -> user map.
type StaticTokens map[string]string

// Validate implements TokenValidator.
func (st StaticTokens) Validate(token string) (string, error) {
	user, ok := st[token]
	if !ok {
		return "", ErrAuthExpired
	}
	return user, nil
}

// Config wires the handler's collaborators.
type Config struct {
	Store   *resourcestore.Store
	Hub     *hub.Hub
	Limiter *ratelimit.Limiter
	Auth    TokenValidator
	// MaxBodyBytes bounds mutation payload size.
	MaxBodyBytes int64
	Logger       pslog.Logger
}

// Handler serves the sync API.
type Handler struct {
	cfg      Config
	logger   pslog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New builds the handler and its route table.
func New(cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	h := &Handler{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "server.httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/resource/{type}/{id}", h.withGate(h.handleGet))
	mux.HandleFunc("POST /v1/resource/{type}/{id}", h.withGate(h.handleMutation(api.ActionCreate)))
	mux.HandleFunc("PUT /v1/resource/{type}/{id}", h.withGate(h.handleMutation(api.ActionUpdate)))
	mux.HandleFunc("DELETE /v1/resource/{type}/{id}", h.withGate(h.handleMutation(api.ActionDelete)))
	mux.HandleFunc("GET /v1/ws", h.handleWS)
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withGate authenticates the caller and applies the rate limiter before the
// request reaches business logic.
func (h *Handler) withGate(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.authenticate(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, api.ErrorResponse{ErrorCode: api.ErrCodeAuthExpired, Detail: "invalid or expired token"})
			return
		}
		identity := userID
		if identity == "" {
			identity = remoteHost(r)
		}
		if h.cfg.Limiter != nil {
			decision := h.cfg.Limiter.Check(identity, classify(r))
			if !decision.Allowed {
				h.writeRateLimited(w, decision)
				return
			}
		}
		next(w, r, userID)
	}
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	if h.cfg.Auth == nil {
		return "", nil
	}
	token := bearerToken(r)
	if token == "" {
		return "", ErrAuthExpired
	}
	return h.cfg.Auth.Validate(token)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, _ string) {
	res, err := h.cfg.Store.Get(r.PathValue("type"), r.PathValue("id"))
	switch {
	case errors.Is(err, resourcestore.ErrNotFound):
		h.writeError(w, http.StatusNotFound, api.ErrorResponse{ErrorCode: api.ErrCodeNotFound})
	case errors.Is(err, resourcestore.ErrResourceGone):
		h.writeError(w, http.StatusGone, api.ErrorResponse{ErrorCode: api.ErrCodeResourceGone})
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, api.ErrorResponse{ErrorCode: api.ErrCodeInternal, Detail: err.Error()})
	default:
		h.writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) handleMutation(action api.Action) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		var payload []byte
		if action != api.ActionDelete {
			body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1))
			if err != nil {
				h.writeError(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: api.ErrCodeValidationFailed, Detail: "unreadable body"})
				return
			}
			if int64(len(body)) > h.cfg.MaxBodyBytes {
				h.writeError(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{ErrorCode: api.ErrCodeValidationFailed, Detail: "payload too large"})
				return
			}
			if len(body) > 0 && !json.Valid(body) {
				h.writeError(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: api.ErrCodeValidationFailed, Detail: "payload is not valid JSON"})
				return
			}
			payload = body
		}

		m := api.MutationRequest{
			MutationID:   r.Header.Get(HeaderMutationID),
			Action:       action,
			ResourceType: r.PathValue("type"),
			ResourceID:   r.PathValue("id"),
			Payload:      payload,
			CreatedAt:    parseUnixMs(r.Header.Get(HeaderCreatedAt)),
		}
		result, err := h.cfg.Store.Apply(m)
		switch {
		case errors.Is(err, resourcestore.ErrInvalid):
			h.writeError(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: api.ErrCodeValidationFailed, Detail: "invalid mutation"})
			return
		case errors.Is(err, resourcestore.ErrResourceGone):
			h.writeError(w, http.StatusGone, api.ErrorResponse{ErrorCode: api.ErrCodeResourceGone, Detail: "resource was deleted"})
			return
		case err != nil:
			h.writeError(w, http.StatusInternalServerError, api.ErrorResponse{ErrorCode: api.ErrCodeInternal, Detail: err.Error()})
			return
		}

		if !result.Replayed {
			h.broadcast(userID, result.Resource)
		}
		status := http.StatusOK
		if action == api.ActionCreate && !result.Replayed {
			status = http.StatusCreated
		}
		h.writeJSON(w, status, result)
	}
}

// broadcast announces an applied mutation on the owner's user topic and the
// per-resource topic so every device and collaborator sees it.
func (h *Handler) broadcast(userID string, res api.Resource) {
	if h.cfg.Hub == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		h.logger.Error("syncd.httpapi.broadcast_encode_failed", "error", err)
		return
	}
	if userID != "" {
		h.cfg.Hub.Publish(api.Event{Type: api.EventResourceChanged, Topic: api.UserTopic(userID), Payload: payload})
	}
	h.cfg.Hub.Publish(api.Event{Type: api.EventResourceChanged, Topic: api.ResourceTopic(res.Type, res.ID), Payload: payload})
}

// handleWS authenticates, rate-limits, and upgrades the realtime channel.
// Auth failures terminate before the upgrade with a non-retryable status.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.wsAuthenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, api.ErrorResponse{ErrorCode: api.ErrCodeAuthExpired, Detail: "invalid or expired token"})
		return
	}
	if h.cfg.Limiter != nil {
		identity := userID
		if identity == "" {
			identity = remoteHost(r)
		}
		if decision := h.cfg.Limiter.Check(identity, ratelimit.ClassGeneral); !decision.Allowed {
			h.writeRateLimited(w, decision)
			return
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("syncd.httpapi.ws_upgrade_failed", "error", err)
		return
	}
	session := hub.NewSession(h.cfg.Hub, conn, userID)
	h.logger.Debug("syncd.httpapi.ws_connected", "session_id", session.ID, "user_id", userID)
	go session.Run()
}

// wsAuthenticate accepts the token from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query param.
func (h *Handler) wsAuthenticate(r *http.Request) (string, error) {
	if h.cfg.Auth == nil {
		return "", nil
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", ErrAuthExpired
	}
	return h.cfg.Auth.Validate(token)
}

func (h *Handler) writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	seconds := int64(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	h.writeError(w, http.StatusTooManyRequests, api.ErrorResponse{
		ErrorCode:         api.ErrCodeRateLimited,
		Detail:            d.Reason,
		RetryAfterSeconds: seconds,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, body api.ErrorResponse) {
	h.writeJSON(w, status, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("syncd.httpapi.write_failed", "error", err)
	}
}

// classify maps request paths onto rate-limit endpoint classes.
func classify(r *http.Request) ratelimit.Class {
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/auth/"):
		return ratelimit.ClassAuth
	case strings.HasPrefix(r.URL.Path, "/v1/admin/"):
		return ratelimit.ClassSensitive
	default:
		return ratelimit.ClassGeneral
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseUnixMs(raw string) int64 {
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
