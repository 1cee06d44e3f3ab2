package handlers

import (
	"net/http"

	"github.com/ruralpay/cooperative/internal/services"
)

// BankLister lists the banks members can be paid into.
type BankLister interface {
	List() []services.Bank
}

type BankHandler struct {
	banks BankLister
}

func NewBankHandler(banks BankLister) *BankHandler {
	return &BankHandler{banks: banks}
}

func (h *BankHandler) ListBanks(w http.ResponseWriter, r *http.Request) {
	banks := h.banks.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    banks,
		"count":   len(banks),
	})
}
