// Package httpapi is the HTTP surface used by the driver, student and
// security UIs: live bus views, connection status, the mutation API and
// the activity log.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/activity"
	"bus-tracker/internal/auth"
	"bus-tracker/internal/bus"
	"bus-tracker/internal/coordinator"
	"bus-tracker/internal/quota"
	"bus-tracker/internal/supervisor"
)

type Mutator interface {
	Advance(busID int) (*quota.Ticket, error)
	Retreat(busID int) (*quota.Ticket, error)
	SetETA(busID, minutes int) (*quota.Ticket, error)
	Reset(busID int) (*quota.Ticket, error)
	SetStudentCount(busID, n int) (*quota.Ticket, error)
}

type StatusSource interface {
	Status() supervisor.Status
	OnStatus(fn func(supervisor.Status)) (unsubscribe func())
}

type Authenticator interface {
	SignIn(ctx context.Context, identifier, secret string) (auth.Identity, error)
	Verify(token string) (auth.Identity, error)
	SignOut(identifier string)
}

type QueueDepth interface {
	Pending() int
}

// ResetSchedule reports when the next daily reset runs.
type ResetSchedule interface {
	Next() time.Time
}

type Deps struct {
	Fleet       *bus.Fleet
	Mutator     Mutator
	Status      StatusSource
	Queue       QueueDepth
	Auth        Authenticator
	Activity    *activity.Log
	Notices     *Notices
	Schedule    ResetSchedule // nil when the daily reset is disabled
	Log         logrus.FieldLogger
	CORSOrigins []string
	// Heartbeat is the idle interval between stream keep-alive comments.
	Heartbeat time.Duration
}

type Server struct {
	Deps
	log logrus.FieldLogger
}

func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Notices == nil {
		d.Notices = NewNotices()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	s := &Server{Deps: d, log: d.Log.WithField("component", "http")}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.log), cors.New(corsConfig(d.CORSOrigins)))

	api := r.Group("/api")
	api.POST("/auth/sign-in", s.signIn)
	api.GET("/buses", s.listBuses)
	api.GET("/buses/:id", s.getBus)
	api.GET("/status", s.status)
	api.GET("/stream", s.stream)

	authed := api.Group("", AuthMiddleware(d.Auth))
	authed.POST("/auth/sign-out", s.signOut)
	authed.GET("/activity", s.listActivity)
	authed.POST("/activity", RequireActivityWriter(), s.appendActivity)

	driver := authed.Group("/buses/:id", RequireBusAccess())
	driver.POST("/advance", s.mutation(coordinator.ActionAdvance, func(id int, _ *gin.Context) (*quota.Ticket, error) {
		return d.Mutator.Advance(id)
	}))
	driver.POST("/retreat", s.mutation(coordinator.ActionRetreat, func(id int, _ *gin.Context) (*quota.Ticket, error) {
		return d.Mutator.Retreat(id)
	}))
	driver.POST("/reset", s.mutation(coordinator.ActionReset, func(id int, _ *gin.Context) (*quota.Ticket, error) {
		return d.Mutator.Reset(id)
	}))
	driver.PUT("/eta", s.mutation(coordinator.ActionSetETA, func(id int, c *gin.Context) (*quota.Ticket, error) {
		var req struct {
			Minutes *int `json:"minutes" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, badRequest{err}
		}
		return d.Mutator.SetETA(id, *req.Minutes)
	}))
	driver.PUT("/students", s.mutation(coordinator.ActionStudents, func(id int, c *gin.Context) (*quota.Ticket, error) {
		var req struct {
			Count *int `json:"count" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, badRequest{err}
		}
		return d.Mutator.SetStudentCount(id, *req.Count)
	}))

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }

func (s *Server) signIn(c *gin.Context) {
	var req struct {
		Identifier string `json:"identifier" binding:"required"`
		Secret     string `json:"secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "Identifier and secret are required", "INVALID_REQUEST")
		return
	}
	id, err := s.Auth.SignIn(c.Request.Context(), req.Identifier, req.Secret)
	if err != nil {
		status, code := http.StatusInternalServerError, "SIGN_IN_FAILED"
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			status, code = http.StatusUnauthorized, "INVALID_CREDENTIALS"
		case errors.Is(err, auth.ErrTooManyAttempts):
			status, code = http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS"
		case errors.Is(err, auth.ErrNetwork):
			status, code = http.StatusServiceUnavailable, "AUTH_UNAVAILABLE"
		}
		_ = c.Error(err)
		abort(c, status, "sign_in_failed", auth.UserMessage(err), code)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     id.Token,
		"expiresAt": id.ExpiresAt,
		"identity":  id,
	})
}

func (s *Server) signOut(c *gin.Context) {
	id, _ := identity(c)
	s.Auth.SignOut(id.Subject)
	c.JSON(http.StatusOK, gin.H{"message": "Signed out"})
}

func (s *Server) listBuses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.Fleet.Version(),
		"buses":   s.Fleet.Views(),
	})
}

func (s *Server) getBus(c *gin.Context) {
	busID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "Bus id must be a number", "INVALID_BUS_ID")
		return
	}
	v, ok := s.Fleet.View(busID)
	if !ok {
		abort(c, http.StatusNotFound, "not_found", coordinator.Describe(coordinator.ErrUnknownBus), "UNKNOWN_BUS")
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{
		"connection":    s.Status.Status(),
		"pendingWrites": s.Queue.Pending(),
		"version":       s.Fleet.Version(),
	}
	if s.Schedule != nil {
		if next := s.Schedule.Next(); !next.IsZero() {
			body["nextReset"] = next
		}
	}
	c.JSON(http.StatusOK, body)
}

// mutation wraps a driver action: it runs the optimistic update, records
// it in the activity log and answers with the resulting view.
func (s *Server) mutation(action coordinator.Action, run func(busID int, c *gin.Context) (*quota.Ticket, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		busID, _ := strconv.Atoi(c.Param("id"))
		tk, err := run(busID, c)
		var br badRequest
		switch {
		case errors.As(err, &br):
			abort(c, http.StatusBadRequest, "invalid_request", br.Error(), "INVALID_REQUEST")
			return
		case errors.Is(err, coordinator.ErrUnknownBus):
			abort(c, http.StatusNotFound, "not_found", coordinator.Describe(err), "UNKNOWN_BUS")
			return
		case err != nil:
			_ = c.Error(err)
			abort(c, http.StatusInternalServerError, "mutation_failed", coordinator.Describe(err), "MUTATION_FAILED")
			return
		}

		v, _ := s.Fleet.View(busID)
		if tk == nil {
			c.JSON(http.StatusOK, gin.H{"noop": true, "bus": v})
			return
		}
		if s.Activity != nil {
			id, _ := identity(c)
			if _, err := s.Activity.Append(activity.Entry{
				Kind:   activity.KindDriver,
				BusID:  busID,
				Action: string(action),
				Actor:  id.Subject,
			}); err != nil {
				s.log.WithError(err).Warn("record driver activity failed")
			}
		}
		c.JSON(http.StatusAccepted, gin.H{"noop": false, "write": tk.Name, "bus": v})
	}
}

// listActivity returns the newest entries, or with ?since=N every entry
// after sequence N, oldest first.
func (s *Server) listActivity(c *gin.Context) {
	if v := c.Query("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			abort(c, http.StatusBadRequest, "invalid_request", "since must be a sequence number", "INVALID_SINCE")
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": s.Activity.Since(seq)})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, "invalid_request", "limit must be a positive number", "INVALID_LIMIT")
			return
		}
		limit = min(n, 500)
	}
	c.JSON(http.StatusOK, gin.H{"entries": s.Activity.Recent(limit)})
}

func (s *Server) appendActivity(c *gin.Context) {
	var req struct {
		BusID int    `json:"busId"`
		Kind  string `json:"kind" binding:"required,oneof=entry exit"`
		Gate  string `json:"gate"`
		Note  string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "kind must be entry or exit", "INVALID_REQUEST")
		return
	}
	if req.BusID != 0 {
		if _, ok := s.Fleet.View(req.BusID); !ok {
			abort(c, http.StatusNotFound, "not_found", coordinator.Describe(coordinator.ErrUnknownBus), "UNKNOWN_BUS")
			return
		}
	}
	id, _ := identity(c)
	e, err := s.Activity.Append(activity.Entry{
		Kind:  activity.Kind(req.Kind),
		BusID: req.BusID,
		Gate:  req.Gate,
		Note:  req.Note,
		Actor: id.Subject,
	})
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error(), "INVALID_ENTRY")
		return
	}
	c.JSON(http.StatusCreated, e)
}
