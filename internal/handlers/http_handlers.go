package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/google/uuid"

	"raffle/internal/apperr"
	"raffle/internal/auth"
	"raffle/internal/services"
)

const requestIDHeader = "X-Request-ID"

// HTTPHandler holds the dependencies for the HTTP handlers, like the raffle service.
type HTTPHandler struct {
	service   *services.RaffleService
	jwtSecret []byte
	now       func() time.Time
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(service *services.RaffleService, jwtSecret []byte) *HTTPHandler {
	return &HTTPHandler{
		service:   service,
		jwtSecret: jwtSecret,
		now:       time.Now,
	}
}

// RegisterRoutes registers all the application routes. Reads are public;
// writes need a bearer token naming the caller.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.Use(RequestID())
	router.GET("/healthz", h.Health)

	router.GET("/raffles", h.GetAllRaffles)
	router.GET("/raffles/:id", h.GetRaffle)
	router.GET("/raffles/:id/detail", h.GetRaffleDetail)
	router.GET("/raffles/:id/participants", h.GetParticipants)
	router.GET("/raffles/:id/participants/count", h.GetParticipantCount)
	router.GET("/raffles/:id/winners", h.GetWinners)
	router.GET("/usernames/:username", h.IsUsernameTaken)

	writes := router.Group("/")
	writes.Use(auth.Middleware(h.jwtSecret))
	writes.POST("/raffles", h.CreateRaffle)
	writes.POST("/raffles/:id/entries", h.EnterRaffle)
	writes.POST("/raffles/:id/select-winners", h.SelectWinners)
}

// RequestID tags every request with an id, reusing one sent by the client.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// respondError writes err with the status for its code.
func (h *HTTPHandler) respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		logger.Errorf("Request %s %s failed: %v", c.GetString(requestIDHeader), c.FullPath(), err)
	}
	c.JSON(code.HTTPStatus(), gin.H{
		"error": gin.H{
			"code":      code,
			"message":   err.Error(),
			"retryable": code.Transient(),
		},
	})
}

func (h *HTTPHandler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

// Health reports liveness.
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRaffleRequest struct {
	Reason     string `json:"reason"`
	NumWinners int    `json:"num_winners"`
	CreatedAt  string `json:"created_at"`
	EndDate    string `json:"end_date"`
}

// CreateRaffle handles create_raffle.
func (h *HTTPHandler) CreateRaffle(c *gin.Context) {
	var req createRaffleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
		return
	}
	if req.CreatedAt == "" {
		req.CreatedAt = h.timestamp()
	}

	id, err := h.service.CreateRaffle(c.Request.Context(), auth.Caller(c), req.Reason, req.NumWinners, req.CreatedAt, req.EndDate)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"raffle_id": id})
}

type enterRaffleRequest struct {
	Username       string `json:"username"`
	Reason         string `json:"reason"`
	EntryTimestamp string `json:"entry_timestamp"`
}

// EnterRaffle handles enter_raffle.
func (h *HTTPHandler) EnterRaffle(c *gin.Context) {
	var req enterRaffleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
		return
	}
	if req.EntryTimestamp == "" {
		req.EntryTimestamp = h.timestamp()
	}

	err := h.service.EnterRaffle(c.Request.Context(), c.Param("id"), req.Username, req.Reason, req.EntryTimestamp)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SelectWinners handles select_winners. It blocks until the oracle replicas
// have agreed or the resolution failed.
func (h *HTTPHandler) SelectWinners(c *gin.Context) {
	winners, err := h.service.SelectWinners(c.Request.Context(), auth.Caller(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"winners": winners})
}

// GetRaffle handles get_raffle.
func (h *HTTPHandler) GetRaffle(c *gin.Context) {
	view, err := h.service.GetRaffle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetAllRaffles handles get_all_raffles.
func (h *HTTPHandler) GetAllRaffles(c *gin.Context) {
	raffles, err := h.service.GetAllRaffles(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, raffles)
}

// GetRaffleDetail returns a raffle with its participants.
func (h *HTTPHandler) GetRaffleDetail(c *gin.Context) {
	detail, err := h.service.GetRaffleDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetParticipants handles get_participants.
func (h *HTTPHandler) GetParticipants(c *gin.Context) {
	participants, err := h.service.GetParticipants(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, participants)
}

// GetParticipantCount handles get_participant_count.
func (h *HTTPHandler) GetParticipantCount(c *gin.Context) {
	n, err := h.service.GetParticipantCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// GetWinners handles get_winners.
func (h *HTTPHandler) GetWinners(c *gin.Context) {
	winners, err := h.service.GetWinners(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, winners)
}

// IsUsernameTaken handles is_username_taken.
func (h *HTTPHandler) IsUsernameTaken(c *gin.Context) {
	taken, err := h.service.IsUsernameTaken(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": c.Param("username"), "taken": taken})
}
