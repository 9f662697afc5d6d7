package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mimuc/sense-agent/internal/api"
	"github.com/mimuc/sense-agent/internal/notify"
	"github.com/mimuc/sense-agent/internal/readings"
	"github.com/mimuc/sense-agent/internal/upload"
	"go.uber.org/zap"
)

var (
	errMissingScheduler     = errors.New("scheduler dependency required")
	errMissingPipeline      = errors.New("upload pipeline dependency required")
	errMissingReadingStore  = errors.New("reading store dependency required")
	errMissingConfigStore   = errors.New("config store dependency required")
	errMissingNotifications = errors.New("notification center dependency required")
)

// EventHandler is the scheduler surface the control API invokes for runtime
// events injected by the capture subsystem or the UI layer.
type EventHandler interface {
	HandleEvent(ctx context.Context, eventName string) error
}

// CycleRunner runs one upload cycle on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context, token string) upload.Outcome
}

// SessionReader exposes the config-store fields the status endpoint reports.
type SessionReader interface {
	Token(ctx context.Context) (string, error)
	ParticipantID(ctx context.Context) (string, error)
	StudyID(ctx context.Context) (int64, error)
	QuestionnairesVersion(ctx context.Context) (int64, error)
}

// ReadingSink is the reading-store surface exposed to the capture subsystem.
type ReadingSink interface {
	Append(ctx context.Context, sensorName, data string, timestampMillis int64) (readings.SensorReading, error)
	UnsyncedCount(ctx context.Context) (int64, error)
}

// Dependencies bundles the control surface's collaborators.
type Dependencies struct {
	Scheduler     EventHandler
	Pipeline      CycleRunner
	Readings      ReadingSink
	Config        SessionReader
	Notifications *notify.Center
	Logger        *zap.Logger
}

// NewHTTPHandler builds the local control API consumed by the capture
// subsystem and the questionnaire UI.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}
	if deps.Readings == nil {
		return nil, errMissingReadingStore
	}
	if deps.Config == nil {
		return nil, errMissingConfigStore
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		scheduler:     deps.Scheduler,
		pipeline:      deps.Pipeline,
		readings:      deps.Readings,
		config:        deps.Config,
		notifications: deps.Notifications,
		logger:        logger,
	}

	router.POST("/v1/events", handler.handleEvent)
	router.POST("/v1/readings", handler.handleAppendReading)
	router.POST("/v1/sync", handler.handleSync)
	router.GET("/v1/status", handler.handleStatus)
	router.GET("/v1/notifications", handler.handleListNotifications)
	router.POST("/v1/notifications/:triggerId/open", handler.handleOpenNotification)
	router.GET("/v1/launch", handler.handleCurrentLaunch)

	return router, nil
}

type httpHandler struct {
	scheduler     EventHandler
	pipeline      CycleRunner
	readings      ReadingSink
	config        SessionReader
	notifications *notify.Center
	logger        *zap.Logger
}

type eventRequestPayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleEvent(c *gin.Context) {
	var request eventRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.scheduler.HandleEvent(c.Request.Context(), request.Name); err != nil {
		h.logger.Error("event handling failed", zap.String("event", request.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type readingRequestPayload struct {
	SensorName string `json:"sensorName"`
	Timestamp  int64  `json:"timestamp"`
	Data       string `json:"data"`
}

func (h *httpHandler) handleAppendReading(c *gin.Context) {
	var request readingRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SensorName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	reading, err := h.readings.Append(c.Request.Context(), request.SensorName, request.Data, request.Timestamp)
	if err != nil {
		h.logger.Error("reading append failed", zap.String("sensor", request.SensorName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "append_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": reading.ID})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	token, err := h.config.Token(c.Request.Context())
	if err != nil {
		h.logger.Error("token read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	outcome := h.pipeline.RunCycle(c.Request.Context(), token)
	c.JSON(http.StatusOK, gin.H{"outcome": string(outcome)})
}

type statusResponsePayload struct {
	Enrolled              bool   `json:"enrolled"`
	ParticipantID         string `json:"participantId,omitempty"`
	StudyID               int64  `json:"studyId,omitempty"`
	TokenExpiresAt        string `json:"tokenExpiresAt,omitempty"`
	QuestionnairesVersion int64  `json:"questionnairesVersion"`
	UnsyncedReadings      int64  `json:"unsyncedReadings"`
	ActiveNotifications   int    `json:"activeNotifications"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	token, err := h.config.Token(ctx)
	if err != nil {
		h.logger.Error("status read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	participantID, err := h.config.ParticipantID(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	studyID, err := h.config.StudyID(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	version, err := h.config.QuestionnairesVersion(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	unsynced, err := h.readings.UnsyncedCount(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}

	response := statusResponsePayload{
		Enrolled:              token != "" && participantID != "",
		ParticipantID:         participantID,
		StudyID:               studyID,
		QuestionnairesVersion: version,
		UnsyncedReadings:      unsynced,
		ActiveNotifications:   len(h.notifications.Active()),
	}
	if expiry, ok := api.TokenExpiry(token); ok {
		response.TokenExpiresAt = expiry.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.notifications.Active()})
}

func (h *httpHandler) handleOpenNotification(c *gin.Context) {
	triggerID, err := strconv.Atoi(c.Param("triggerId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_trigger_id"})
		return
	}

	reminder, ok := h.notifications.Open(triggerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggerId": reminder.TriggerID, "title": reminder.Title})
}

func (h *httpHandler) handleCurrentLaunch(c *gin.Context) {
	launch, ok := h.notifications.CurrentLaunch()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, launch)
}
