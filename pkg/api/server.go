// Package api exposes the worker's HTTP surface: the push-subscription
// webhook that feeds the ingestion pipeline and a health endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/linguaclip/ingest-worker/pkg/models"
	"github.com/linguaclip/ingest-worker/pkg/workflow"
)

// Processor runs the ingestion pipeline for one event.
type Processor interface {
	Process(ctx context.Context, event models.ObjectEvent) error
}

// HealthChecker reports backend availability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server handles webhook deliveries. Events are acknowledged
// immediately and processed asynchronously; redelivery of lost events
// is the publisher's job, idempotency the pipeline's.
type Server struct {
	processor Processor
	health    HealthChecker
	logger    *slog.Logger

	inFlight sync.WaitGroup
}

// NewServer creates the HTTP server around the pipeline.
func NewServer(processor Processor, health HealthChecker) *Server {
	return &Server{
		processor: processor,
		health:    health,
		logger:    slog.Default().With("component", "api"),
	}
}

// Router builds the gin handler.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.POST("/webhooks/video-ingestion", s.handleVideoIngestion)
	router.GET("/health", s.handleHealth)
	return router
}

// Drain blocks until all in-flight ingestions have finished or the
// context expires.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pushEnvelope is the push-subscription delivery wrapper.
type pushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// objectPayload is the storage notification inside the envelope data.
type objectPayload struct {
	Bucket      string    `json:"bucket"`
	Name        string    `json:"name"`
	ETag        string    `json:"etag"`
	MD5Hash     string    `json:"md5Hash"`
	Generation  int64     `json:"generation,string"`
	TimeCreated time.Time `json:"timeCreated"`
}

func (s *Server) handleVideoIngestion(c *gin.Context) {
	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push envelope: " + err.Error()})
		return
	}

	event, err := parseObjectEvent(envelope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	videoUID := models.DeriveVideoUID(event.ObjectKey)
	s.logger.Info("Ingestion event accepted",
		"message_id", envelope.Message.MessageID,
		"object_key", event.ObjectKey,
		"video_uid", videoUID)

	// Acknowledge before processing: the run can outlive the publisher's
	// delivery deadline by a wide margin.
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		s.process(event, videoUID)
	}()

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "video_uid": videoUID})
}

func (s *Server) process(event models.ObjectEvent, videoUID string) {
	err := s.processor.Process(context.Background(), event)
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrAlreadyDone), errors.Is(err, workflow.ErrInFlight):
		s.logger.Info("Ingestion skipped", "video_uid", videoUID, "reason", err)
	default:
		// Already recorded and notified by the pipeline.
		s.logger.Error("Ingestion failed", "video_uid", videoUID, "error", err)
	}
}

// parseObjectEvent decodes the storage notification. The envelope data
// arrives base64-decoded already by encoding/json ([]byte field).
func parseObjectEvent(envelope pushEnvelope) (models.ObjectEvent, error) {
	if len(envelope.Message.Data) == 0 {
		return models.ObjectEvent{}, errors.New("push envelope has no message data")
	}

	var payload objectPayload
	if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
		return models.ObjectEvent{}, errors.New("message data is not a storage notification: " + err.Error())
	}
	if payload.Bucket == "" || payload.Name == "" {
		return models.ObjectEvent{}, errors.New("storage notification is missing bucket or name")
	}

	contentHash := payload.ETag
	if contentHash == "" {
		contentHash = payload.MD5Hash
	}
	if contentHash == "" {
		return models.ObjectEvent{}, errors.New("storage notification has no etag or md5Hash")
	}

	return models.ObjectEvent{
		Bucket:      payload.Bucket,
		ObjectKey:   payload.Name,
		ContentHash: contentHash,
		Generation:  payload.Generation,
		EventTime:   payload.TimeCreated,
		Attributes:  envelope.Message.Attributes,
	}, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.health.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
