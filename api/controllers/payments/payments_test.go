package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/bazaar-backend/api/middleware"
	internalpayments "github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

type stubIntentService struct {
	createInput internalpayments.CreateIntentInput
	createRes   *internalpayments.IntentResult
	confirmCtx  context.Context
	confirmRes  *internalpayments.ConfirmResult
	getActor    uuid.UUID
	getRole     enums.Role
	err         error
}

func (s *stubIntentService) CreateIntent(_ context.Context, input internalpayments.CreateIntentInput) (*internalpayments.IntentResult, error) {
	s.createInput = input
	if s.err != nil {
		return nil, s.err
	}
	if input.AmountMinorUnits <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidAmount, "amount_minor_units must be greater than zero")
	}
	return s.createRes, nil
}

func (s *stubIntentService) Confirm(ctx context.Context, intentID string, _ uuid.UUID) (*internalpayments.ConfirmResult, error) {
	s.confirmCtx = ctx
	if s.err != nil {
		return nil, s.err
	}
	return s.confirmRes, nil
}

func (s *stubIntentService) Get(_ context.Context, intentID string, actorID uuid.UUID, role enums.Role) (*internalpayments.IntentView, error) {
	s.getActor = actorID
	s.getRole = role
	if s.err != nil {
		return nil, s.err
	}
	return &internalpayments.IntentView{Intent: models.PaymentIntent{IntentID: intentID}}, nil
}

func asBuyer(req *http.Request, buyerID uuid.UUID) *http.Request {
	return req.WithContext(middleware.WithActor(req.Context(), buyerID, enums.RoleBuyer))
}

func withIntentParam(req *http.Request, intentID string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add("intentId", intentID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestCreateIntent(t *testing.T) {
	buyerID := uuid.New()
	svc := &stubIntentService{createRes: &internalpayments.IntentResult{
		IntentID:     "pi_1",
		ClientSecret: "pi_1_secret",
		State:        enums.PaymentStateCreated,
	}}

	body := `{"amount_minor_units":5000,"currency":"lkr","idempotency_key":"K1","shipping_address":"  12 Galle Road  "}`
	req := asBuyer(httptest.NewRequest(http.MethodPost, "/api/v1/payments/intents", strings.NewReader(body)), buyerID)
	rec := httptest.NewRecorder()
	CreateIntent(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, buyerID, svc.createInput.BuyerID)
	require.Equal(t, int64(5000), svc.createInput.AmountMinorUnits)
	require.Equal(t, "K1", svc.createInput.IdempotencyKey)
	require.Equal(t, "12 Galle Road", svc.createInput.ShippingAddress)

	var envelope struct {
		Data internalpayments.IntentResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "pi_1", envelope.Data.IntentID)
	require.Equal(t, "pi_1_secret", envelope.Data.ClientSecret)
}

func TestCreateIntentReplayReturnsOK(t *testing.T) {
	svc := &stubIntentService{createRes: &internalpayments.IntentResult{IntentID: "pi_1", Replayed: true}}
	body := `{"amount_minor_units":5000,"currency":"lkr","idempotency_key":"K1"}`
	req := asBuyer(httptest.NewRequest(http.MethodPost, "/api/v1/payments/intents", strings.NewReader(body)), uuid.New())
	rec := httptest.NewRecorder()
	CreateIntent(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateIntentRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
		code pkgerrors.Code
	}{
		{"zero amount", `{"amount_minor_units":0,"currency":"lkr","idempotency_key":"K1"}`, pkgerrors.CodeInvalidAmount},
		{"negative amount", `{"amount_minor_units":-5,"currency":"lkr","idempotency_key":"K1"}`, pkgerrors.CodeInvalidAmount},
		{"missing key", `{"amount_minor_units":5000,"currency":"lkr"}`, pkgerrors.CodeValidation},
		{"unknown field", `{"amount_minor_units":5000,"currency":"lkr","idempotency_key":"K1","tip":1}`, pkgerrors.CodeValidation},
		{"bad currency", `{"amount_minor_units":5000,"currency":"rupees","idempotency_key":"K1"}`, pkgerrors.CodeValidation},
	}
	for _, tc := range cases {
		svc := &stubIntentService{}
		req := asBuyer(httptest.NewRequest(http.MethodPost, "/api/v1/payments/intents", strings.NewReader(tc.body)), uuid.New())
		rec := httptest.NewRecorder()
		CreateIntent(svc, nil).ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
		var envelope types.ErrorEnvelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), tc.name)
		require.Equal(t, string(tc.code), envelope.Error.Code, tc.name)
	}
}

func TestCreateIntentRequiresActor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/intents", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	CreateIntent(&stubIntentService{}, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConfirmDetachesFromRequestContext(t *testing.T) {
	svc := &stubIntentService{confirmRes: &internalpayments.ConfirmResult{
		IntentID:    "pi_1",
		State:       enums.PaymentStateSucceeded,
		Disposition: enums.DispositionApplied,
	}}
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/intents/pi_1/confirm", nil).WithContext(ctx)
	req = withIntentParam(asBuyer(req, uuid.New()), "pi_1")
	cancel()

	rec := httptest.NewRecorder()
	Confirm(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, svc.confirmCtx.Err())
}

func TestConfirmMapsConsistencyAlert(t *testing.T) {
	svc := &stubIntentService{err: pkgerrors.New(pkgerrors.CodeConsistencyAlert, "payment is under manual reconciliation")}
	req := withIntentParam(asBuyer(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New()), "pi_1")
	rec := httptest.NewRecorder()
	Confirm(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetPassesActor(t *testing.T) {
	adminID := uuid.New()
	svc := &stubIntentService{}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/intents/pi_9", nil)
	req = req.WithContext(middleware.WithActor(req.Context(), adminID, enums.RoleAdmin))
	req = withIntentParam(req, "pi_9")
	rec := httptest.NewRecorder()
	Get(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, adminID, svc.getActor)
	require.Equal(t, enums.RoleAdmin, svc.getRole)
}
