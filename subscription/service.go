package subscription

import (
	"fmt"
	"net/http"

	resp "github.com/miragespace/billsync/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Reconciler *Reconciler
	Logger     *zap.Logger
}

// Service exposes the reconciled subscription state read-only
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the subscription API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// ActiveResponse is the active subscription along with its pending plan change
type ActiveResponse struct {
	Subscription *Subscription `json:"subscription"`
	Change       Change        `json:"change"`
	NextPhase    *Phase        `json:"nextPhase,omitempty"`
}

func (s *Service) getActive(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	logger := s.Logger.With(zap.String("UserID", userID))

	sub, err := s.Reconciler.GetActiveForUser(r.Context(), userID)
	if err != nil {
		logger.Error("Unable to get active subscription",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the active subscription"))
		return
	}
	if sub == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("User has no active subscription"))
		return
	}

	change, next := sub.ScheduledChange()
	resp.WriteResponse(w, r, ActiveResponse{
		Subscription: sub,
		Change:       change,
		NextPhase:    next,
	})
}

func (s *Service) list(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	subs, err := s.Reconciler.ListForUser(r.Context(), userID)
	if err != nil {
		s.Logger.Error("Unable to list subscriptions",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of subscriptions"))
		return
	}
	resp.WriteResponse(w, r, subs)
}

// Router will return the routes under subscription API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/{userID}", s.list)
	r.Get("/{userID}/active", s.getActive)

	return r
}
