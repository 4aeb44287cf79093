package api

import (
	"net/http"

	"github.com/kazz187/phaseguild/pkg/cerr"
)

type pushSubscriptionRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key,omitempty"`
	AuthKey   string `json:"auth_key,omitempty"`
}

type pushSubscriptionResponse struct {
	ID             string `json:"id"`
	VAPIDPublicKey string `json:"vapid_public_key"`
}

func (s *Server) registerPushSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.env.VAPIDEnv.Enabled() {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "VAPID keys not configured", nil)
		return
	}
	var req pushSubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	sub, err := s.subs.Register(ctx, req.Endpoint, req.P256dhKey, req.AuthKey)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, pushSubscriptionResponse{
		ID:             sub.ID,
		VAPIDPublicKey: s.env.VAPIDEnv.PublicKey,
	})
}

func (s *Server) unregisterPushSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req pushSubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if req.Endpoint == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint is required", nil)
		return
	}
	if err := s.subs.Unregister(ctx, req.Endpoint); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, struct{}{})
}
