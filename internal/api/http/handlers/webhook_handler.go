package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/api/dto"
	"github.com/opsdesk/tracker-sync/internal/config"
	"github.com/opsdesk/tracker-sync/internal/observability"
	"github.com/opsdesk/tracker-sync/internal/service"
	apperrors "github.com/opsdesk/tracker-sync/pkg/util/errorutil"
)

const signatureHeader = "X-Hub-Signature"

// Ingester applies a tracker delivery to the local store.
type Ingester interface {
	Ingest(ctx context.Context, event service.InboundEvent) (service.IngestResult, error)
}

// Enqueuer buffers deliveries for the ingest worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// WebhookHandler receives tracker deliveries.
type WebhookHandler struct {
	secret   []byte
	fieldIDs dto.CustomFieldIDs
	inbound  Ingester
	queue    Enqueuer
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewWebhookHandler builds the receiver. A nil queue makes ingestion inline.
func NewWebhookHandler(webhookCfg config.WebhookConfig, trackerCfg config.TrackerConfig, inbound Ingester, queue Enqueuer, metrics *observability.Metrics, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !webhookCfg.AsyncMode {
		queue = nil
	}
	if webhookCfg.Secret == "" {
		logger.Warn("WEBHOOK_SECRET is empty; tracker webhook signatures are not verified")
	}
	return &WebhookHandler{
		secret: []byte(webhookCfg.Secret),
		fieldIDs: dto.CustomFieldIDs{
			Channel:    trackerCfg.ChannelFieldID,
			TargetDate: trackerCfg.TargetDateFieldID,
		},
		inbound: inbound,
		queue:   queue,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Receive handles POST /webhooks/tracker.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	body := c.Body()
	if err := h.verify(c, body); err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		return apperrors.NewUnauthorized("invalid webhook signature")
	}

	var payload dto.TrackerWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return apperrors.NewValidationError("malformed webhook payload", map[string]any{"payload": err.Error()})
	}
	if details := dto.Validate(&payload); details != nil {
		return apperrors.NewValidationError("malformed webhook payload", details)
	}
	if _, ok := payload.Kind(); !ok {
		h.logger.Debug("webhook event ignored", zap.String("event", payload.WebhookEvent))
		h.metrics.RecordIngest(string(service.IngestIgnored))
		return c.Status(http.StatusOK).JSON(fiber.Map{"data": fiber.Map{"result": service.IngestIgnored}})
	}
	event, err := payload.ToInboundEvent(h.fieldIDs, h.now())
	if err != nil {
		return apperrors.NewValidationError("malformed webhook payload", map[string]any{"payload": err.Error()})
	}

	if h.queue != nil {
		encoded, err := json.Marshal(event)
		if err != nil {
			return apperrors.NewInternalError(err)
		}
		if err := h.queue.Enqueue(c.UserContext(), encoded); err != nil {
			h.logger.Error("enqueue webhook", zap.String("external_key", event.IssueKey), zap.Error(err))
			return apperrors.NewDomainError("QUEUE_UNAVAILABLE", "webhook could not be queued", http.StatusServiceUnavailable, nil)
		}
		return c.Status(http.StatusAccepted).JSON(fiber.Map{"data": fiber.Map{"queued": true}})
	}

	result, err := h.inbound.Ingest(c.UserContext(), event)
	if err != nil {
		if errors.Is(err, service.ErrInvalidEvent) {
			return apperrors.NewValidationError(err.Error(), nil)
		}
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"data": fiber.Map{"result": result}})
}

// verify accepts an HMAC-SHA256 signature header or, for trackers that cannot
// sign deliveries, the shared secret as a query parameter.
func (h *WebhookHandler) verify(c *fiber.Ctx, body []byte) error {
	if len(h.secret) == 0 {
		return nil
	}
	if signature := c.Get(signatureHeader); signature != "" {
		return verifySignature(h.secret, body, signature)
	}
	if token := c.Query("secret"); token != "" {
		if subtle.ConstantTimeCompare([]byte(token), h.secret) == 1 {
			return nil
		}
		return errors.New("secret mismatch")
	}
	return errors.New("missing signature")
}

func verifySignature(secret, body []byte, signature string) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errors.New("invalid hex signature")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), raw) {
		return errors.New("signature mismatch")
	}
	return nil
}
