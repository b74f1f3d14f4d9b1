// Package webhook receives signed provider events and drives them through the reconcilers.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miragespace/billsync/billing"
	"github.com/miragespace/billsync/event"
	"github.com/miragespace/billsync/guard"
	resp "github.com/miragespace/billsync/response"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds the size of an inbound event
const DefaultMaxBodyBytes = 64 << 10

// DefaultProcessingTimeout bounds the reconciliation of a single delivery
const DefaultProcessingTimeout = 30 * time.Second

// Delivery outcomes reported in the response body
const (
	StatusProcessed   = "processed"
	StatusDuplicate   = "duplicate"
	StatusUnsupported = "unsupported"
	StatusIgnored     = "ignored"
)

// Locker serializes work on the same entities
type Locker interface {
	Lock(keys ...string) (unlock func())
}

// ServiceOptions contains the configuration for the webhook Service
type ServiceOptions struct {
	Verifier *Verifier
	Deduper  guard.Deduper
	Locker   Locker
	Router   *Router
	Logger   *zap.Logger
	// ProcessingTimeout bounds reconciliation, which outlives the client connection
	ProcessingTimeout time.Duration
	MaxBodyBytes      int64
}

// Service is the HTTP endpoint receiving provider webhooks
type Service struct {
	ServiceOptions
}

// NewService returns a new webhook Service
func NewService(option ServiceOptions) (*Service, error) {
	if option.Verifier == nil {
		return nil, fmt.Errorf("nil Verifier is invalid")
	}
	if option.Deduper == nil {
		return nil, fmt.Errorf("nil Deduper is invalid")
	}
	if option.Locker == nil {
		return nil, fmt.Errorf("nil Locker is invalid")
	}
	if option.Router == nil {
		return nil, fmt.Errorf("nil Router is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.ProcessingTimeout <= 0 {
		option.ProcessingTimeout = DefaultProcessingTimeout
	}
	if option.MaxBodyBytes <= 0 {
		option.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// Result is the body of an acknowledged delivery
type Result struct {
	Received  bool   `json:"received"`
	Status    string `json:"status"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
}

// Handle runs a verified event through dedup, locking and the reconcilers.
// The returned status is one of the Status constants when err is nil.
func (s *Service) Handle(ctx context.Context, ev *event.Event) (string, error) {
	calls, err := s.ServiceOptions.Router.Route(ev)
	if err != nil {
		return "", err
	}
	if len(calls) == 0 {
		return StatusIgnored, nil
	}

	already, err := s.Deduper.Do(ctx, ev.ID, func(ctx context.Context) error {
		for _, call := range calls {
			if err := s.run(ctx, call); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if already {
		return StatusDuplicate, nil
	}
	return StatusProcessed, nil
}

func (s *Service) run(ctx context.Context, call Call) error {
	unlock := s.Locker.Lock(call.Keys...)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return extErrors.Wrapf(billing.ErrTransient, "%s: %v", call.Name, err)
	}
	return call.Run(ctx)
}

func (s *Service) receive(w http.ResponseWriter, r *http.Request) {
	logger := s.Logger.With(
		zap.String("DeliveryID", uuid.New().String()),
	)

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn("Unable to read webhook body",
			zap.Error(err),
		)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			resp.WriteError(w, r, resp.ErrPayloadTooLarge())
		} else {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Cannot read request body"))
		}
		return
	}

	raw, err := s.Verifier.Verify(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		logger.Warn("Rejected webhook delivery",
			zap.Error(err),
		)
		if errors.Is(err, billing.ErrAuthentication) {
			resp.WriteError(w, r, resp.ErrSignature())
		} else {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Event body is malformed"))
		}
		return
	}

	logger = logger.With(
		zap.String("EventID", raw.ID),
		zap.String("EventType", raw.Type),
	)

	ev, err := event.Parse(raw, time.Now().UTC())
	if err != nil {
		switch billing.KindOf(err) {
		case billing.KindUnsupported:
			logger.Debug("Acknowledging unsupported event")
			resp.WriteResponse(w, r, Result{Received: true, Status: StatusUnsupported, EventID: raw.ID, EventType: raw.Type})
		default:
			logger.Warn("Rejected malformed event",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Event payload is malformed", err.Error()))
		}
		return
	}

	// reconciliation keeps going when the provider hangs up
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.ProcessingTimeout)
	defer cancel()

	start := time.Now()
	status, err := s.Handle(ctx, ev)
	if err != nil {
		kind := billing.KindOf(err)
		if kind.StatusCode() == http.StatusOK {
			logger.Debug("Acknowledging event without processing",
				zap.Error(err),
			)
			resp.WriteResponse(w, r, Result{Received: true, Status: StatusUnsupported, EventID: ev.ID, EventType: ev.Type.String()})
			return
		}
		logger.Error("Unable to process event",
			zap.String("Kind", string(kind)),
			zap.Duration("Elapsed", time.Since(start)),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrNotProcessed().AddMessages(err.Error()))
		return
	}

	logger.Info("Webhook delivery handled",
		zap.String("Status", status),
		zap.Duration("Elapsed", time.Since(start)),
	)
	resp.WriteResponse(w, r, Result{Received: true, Status: status, EventID: ev.ID, EventType: ev.Type.String()})
}

// Router will return the routes under the webhook endpoint
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.receive)

	return r
}
