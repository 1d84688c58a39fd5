package mutation

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/companionchat/chat-api/internal/domain/idempotency"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/pkg/response"
	"github.com/companionchat/chat-api/internal/pkg/validator"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

type Handler struct {
	svc   *Service
	store idempotency.Store
}

func NewHandler(svc *Service, store idempotency.Store) *Handler {
	return &Handler{svc: svc, store: store}
}

type changeRequest struct {
	OperationKind string `json:"operation_kind" validate:"required,oneof=credit debit setAsset consumeAsset"`
	AssetType     string `json:"asset_type"`
	Amount        int64  `json:"amount" validate:"gte=0"`
}

type mutationRequest struct {
	TargetUserID   uuid.UUID       `json:"target_user_id"`
	OperationKind  string          `json:"operation_kind" validate:"required,oneof=credit debit setAsset consumeAsset"`
	AssetType      string          `json:"asset_type"`
	Amount         int64           `json:"amount" validate:"gte=0"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=255,idemkey"`
	Reason         string          `json:"reason" validate:"max=500"`
	Linked         []changeRequest `json:"linked" validate:"max=10,dive"`
}

func (r mutationRequest) descriptor() ledger.Descriptor {
	d := ledger.Descriptor{
		TargetUserID:   r.TargetUserID,
		OperationKind:  ledger.OperationKind(r.OperationKind),
		AssetType:      ledger.AssetType(r.AssetType),
		Amount:         r.Amount,
		IdempotencyKey: r.IdempotencyKey,
		Reason:         r.Reason,
	}
	for _, c := range r.Linked {
		d.Linked = append(d.Linked, ledger.Change{
			OperationKind: ledger.OperationKind(c.OperationKind),
			AssetType:     ledger.AssetType(c.AssetType),
			Amount:        c.Amount,
		})
	}
	return d
}

// Execute handles POST /admin/ledger/mutations
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	}
	if req.IdempotencyKey == "" {
		response.BadRequest(w, "idempotency_key or Idempotency-Key header is required")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	out, err := h.svc.Execute(r.Context(), req.descriptor())
	WriteOutcome(w, out, err)
}

// GetRecord handles GET /admin/idempotency/{key}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		response.BadRequest(w, "invalid idempotency key")
		return
	}

	record, err := h.store.Lookup(r.Context(), key)
	if err != nil {
		if errors.Is(err, idempotency.ErrNotFound) {
			response.NotFound(w, "idempotency record not found")
			return
		}
		response.ServiceUnavailable(w, "idempotency store unavailable")
		return
	}
	response.OK(w, record)
}

// WriteOutcome writes a mutation result as its canonical bytes, or maps an
// error that produced no result.
func WriteOutcome(w http.ResponseWriter, out Outcome, err error) {
	if len(out.Body) > 0 {
		if out.Replayed {
			w.Header().Set(HeaderReplayed, "true")
		}
		response.Raw(w, out.StatusCode(), out.Body)
		return
	}
	WriteError(w, err)
}

func WriteError(w http.ResponseWriter, err error) {
	switch kindOf(err) {
	case KindDuplicateInFlight:
		w.Header().Set("Retry-After", "1")
		response.Error(w, http.StatusConflict, "DUPLICATE_IN_FLIGHT", "A request with this idempotency key is still in progress")
	case KindKeyReused:
		response.UnprocessableEntity(w, "IDEMPOTENCY_KEY_REUSED", "Idempotency key was already used for a different request")
	case KindInvalidDescriptor:
		response.BadRequest(w, err.Error())
	case KindUserNotFound:
		response.NotFound(w, "ledger not found")
	case KindInsufficientFunds:
		response.Conflict(w, "insufficient coin balance")
	case KindInsufficientAssets:
		response.Conflict(w, "insufficient asset quantity")
	case KindStoreUnavailable, KindMutationFailed:
		w.Header().Set("Retry-After", "1")
		response.ServiceUnavailable(w, "Mutation could not be completed, retry with the same idempotency key")
	default:
		response.InternalError(w)
	}
}

// AdminRoutes mounts under /admin. ledgerHandler serves the snapshot view.
func (h *Handler) AdminRoutes(ledgerHandler *ledger.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/ledger/mutations", h.Execute)
	r.Get("/ledger/{userID}", ledgerHandler.AdminSnapshot)
	r.Get("/idempotency/{key}", h.GetRecord)
	return r
}
