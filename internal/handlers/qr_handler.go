package handlers

import (
	"context"
	"net/http"

	"github.com/ruralpay/cooperative/internal/services"
)

// QRRenderer turns text into a base64 PNG QR code.
type QRRenderer interface {
	Render(ctx context.Context, content string) (string, error)
}

type QRHandler struct {
	service   QRRenderer
	validator *services.ValidationHelper
}

func NewQRHandler(service QRRenderer) *QRHandler {
	return &QRHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR handles POST /qr. Tellers print these for members scanning consent or payment links.
func (h *QRHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	var req struct {
		Content string `json:"content" validate:"required,max=1024"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	image, err := h.service.Render(r.Context(), req.Content)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"qrImage": image,
	})
}
