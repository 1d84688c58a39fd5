package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/companionchat/chat-api/internal/middleware"
	"github.com/companionchat/chat-api/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Create handles POST /ledger
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	snapshot, err := h.svc.Create(r.Context(), userID)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.Created(w, snapshot)
}

// Snapshot handles GET /ledger
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	h.writeSnapshot(w, r, userID)
}

// Transactions handles GET /ledger/transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	page, err := h.svc.ListAuditEntries(r.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}

	pages := (page.Total + page.Limit - 1) / page.Limit
	response.WithMeta(w, page.Items, response.Meta{
		Total:   page.Total,
		Page:    page.Offset/page.Limit + 1,
		Limit:   page.Limit,
		Pages:   pages,
		HasNext: page.Offset+len(page.Items) < page.Total,
		HasPrev: page.Offset > 0,
	})
}

// AdminSnapshot handles GET /admin/ledger/{userID}
func (h *Handler) AdminSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "invalid user id")
		return
	}
	h.writeSnapshot(w, r, userID)
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	snapshot, err := h.svc.GetSnapshot(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			response.NotFound(w, "ledger not found")
			return
		}
		response.InternalError(w)
		return
	}
	response.OK(w, snapshot)
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Create)
	r.Get("/", h.Snapshot)
	r.Get("/transactions", h.Transactions)
	return r
}
