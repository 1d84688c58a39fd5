package shop

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/companionchat/chat-api/internal/domain/catalog"
	"github.com/companionchat/chat-api/internal/domain/mutation"
	"github.com/companionchat/chat-api/internal/middleware"
	"github.com/companionchat/chat-api/internal/pkg/response"
	"github.com/companionchat/chat-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type characterRequest struct {
	CharacterID string `json:"character_id" validate:"required,max=64"`
}

type bundleRequest struct {
	Items []BundleItem `json:"items" validate:"required,min=1,max=20,dive"`
}

type unlockRequest struct {
	UseCard bool `json:"use_card"`
}

type cardUseRequest struct {
	TargetID string `json:"target_id" validate:"required,max=64"`
}

// ListCatalog handles GET /shop/catalog
func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.svc.ListCatalog())
}

// PurchaseAssetPackage handles POST /shop/asset-packages/{sku}/purchase
func (h *Handler) PurchaseAssetPackage(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := caller(w, r)
	if !ok {
		return
	}
	out, err := h.svc.PurchaseAssetPackage(r.Context(), userID, chi.URLParam(r, "sku"), key)
	writeResult(w, out, err)
}

// PurchaseBundle handles POST /shop/bundles/purchase
func (h *Handler) PurchaseBundle(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := caller(w, r)
	if !ok {
		return
	}
	var req bundleRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.svc.PurchaseBundle(r.Context(), userID, req.Items, key)
	writeResult(w, out, err)
}

// SendGift handles POST /shop/gifts/{giftID}
func (h *Handler) SendGift(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := caller(w, r)
	if !ok {
		return
	}
	var req characterRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.svc.SendGift(r.Context(), userID, req.CharacterID, chi.URLParam(r, "giftID"), key)
	writeResult(w, out, err)
}

// UnlockCharacter handles POST /shop/characters/{characterID}/unlock
func (h *Handler) UnlockCharacter(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := caller(w, r)
	if !ok {
		return
	}
	var req unlockRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.svc.UnlockCharacter(r.Context(), userID, chi.URLParam(r, "characterID"), key, req.UseCard)
	writeResult(w, out, err)
}

// UsePhotoUnlock handles POST /shop/photo-unlocks
func (h *Handler) UsePhotoUnlock(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := caller(w, r)
	if !ok {
		return
	}
	var req cardUseRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.svc.UsePhotoUnlock(r.Context(), userID, req.TargetID, key)
	writeResult(w, out, err)
}

// UseVideoUnlock handles POST /shop/video-unlocks
func (h *Handler) UseVideoUnlock(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := caller(w, r)
	if !ok {
		return
	}
	var req cardUseRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.svc.UseVideoUnlock(r.Context(), userID, req.TargetID, key)
	writeResult(w, out, err)
}

// PurchasePotion handles POST /shop/potions/{potionID}/purchase
func (h *Handler) PurchasePotion(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := caller(w, r)
	if !ok {
		return
	}
	out, err := h.svc.PurchasePotion(r.Context(), userID, chi.URLParam(r, "potionID"), key)
	writeResult(w, out, err)
}

// UsePotion handles POST /shop/potions/{potionID}/use
func (h *Handler) UsePotion(w http.ResponseWriter, r *http.Request) {
	userID, key, ok := caller(w, r)
	if !ok {
		return
	}
	var req characterRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.svc.UsePotion(r.Context(), userID, chi.URLParam(r, "potionID"), req.CharacterID, key)
	writeResult(w, out, err)
}

// GrantCoinPackage handles POST /admin/shop/users/{userID}/coin-packages/{packageID}.
// Called once the payment provider has confirmed the order.
func (h *Handler) GrantCoinPackage(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "invalid user id")
		return
	}
	key := strings.TrimSpace(r.Header.Get(mutation.HeaderIdempotencyKey))
	if key == "" {
		response.BadRequest(w, "Idempotency-Key header is required")
		return
	}
	out, err := h.svc.PurchaseCoinPackage(r.Context(), userID, chi.URLParam(r, "packageID"), key)
	writeResult(w, out, err)
}

func caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return uuid.Nil, "", false
	}
	key := strings.TrimSpace(r.Header.Get(mutation.HeaderIdempotencyKey))
	if key == "" {
		response.BadRequest(w, "Idempotency-Key header is required")
		return uuid.Nil, "", false
	}
	return userID, key, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	// An empty body is treated as an empty object.
	if err := response.DecodeJSON(r.Body, v); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "Invalid JSON body")
		return false
	}
	if errs := validator.Validate(v); errs != nil {
		response.ValidationError(w, errs)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, out mutation.Outcome, err error) {
	switch {
	case errors.Is(err, catalog.ErrUnknownPackage),
		errors.Is(err, catalog.ErrUnknownSKU),
		errors.Is(err, catalog.ErrUnknownGift),
		errors.Is(err, catalog.ErrUnknownFeature),
		errors.Is(err, catalog.ErrUnknownPotion):
		response.NotFound(w, err.Error())
	case errors.Is(err, catalog.ErrPackageInactive):
		response.Error(w, http.StatusGone, "PACKAGE_DISCONTINUED", "This package is no longer for sale")
	default:
		mutation.WriteOutcome(w, out, err)
	}
}

// Routes mounts under /shop. Catalog listing is public; everything else needs
// auth and is rate limited per user.
func (h *Handler) Routes(authMiddleware, limiter func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/catalog", h.ListCatalog)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.With(limiter).Post("/asset-packages/{sku}/purchase", h.PurchaseAssetPackage)
		r.With(limiter).Post("/bundles/purchase", h.PurchaseBundle)
		r.With(limiter).Post("/gifts/{giftID}", h.SendGift)
		r.With(limiter).Post("/characters/{characterID}/unlock", h.UnlockCharacter)
		r.With(limiter).Post("/photo-unlocks", h.UsePhotoUnlock)
		r.With(limiter).Post("/video-unlocks", h.UseVideoUnlock)
		r.With(limiter).Post("/potions/{potionID}/purchase", h.PurchasePotion)
		r.With(limiter).Post("/potions/{potionID}/use", h.UsePotion)
	})
	return r
}

// AdminRoutes mounts under /admin/shop.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/users/{userID}/coin-packages/{packageID}", h.GrantCoinPackage)
	return r
}
