package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"money-transfer/internal/domain"
	"money-transfer/internal/logging"
	"money-transfer/internal/registry"
)

// LedgerHandlers serve the account endpoints of the ledger service. Balance
// and mutation endpoints refuse STOPPED accounts.
type LedgerHandlers struct {
	reg *registry.Registry
	log *zap.Logger
}

func NewLedgerHandlers(reg *registry.Registry, log *zap.Logger) *LedgerHandlers {
	return &LedgerHandlers{reg: reg, log: logging.OrNop(log)}
}

// POST /v1/accounts
func (h *LedgerHandlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, domain.CodeValidation, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	l, err := h.reg.Create(ctx, req.Name, req.InitialBalance)
	if err != nil {
		fail(w, h.log, err)
		return
	}
	status, err := h.reg.Status(ctx, l.Name())
	if err != nil {
		fail(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.Account{Name: l.Name(), Balance: l.Balance(), Status: status})
}

// GET /v1/accounts
func (h *LedgerHandlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	accs, err := h.reg.List(ctx)
	if err != nil {
		fail(w, h.log, err)
		return
	}
	if accs == nil {
		accs = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, accs)
}

// GET /v1/accounts/{name}/balance
func (h *LedgerHandlers) Balance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	l, err := h.reg.Open(ctx, name)
	if err != nil {
		fail(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BalanceResponse{Name: name, Balance: l.Balance()})
}

// POST /v1/accounts/{name}/deposit
func (h *LedgerHandlers) Deposit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, domain.OpDeposit)
}

// POST /v1/accounts/{name}/withdraw
func (h *LedgerHandlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, domain.OpWithdraw)
}

func (h *LedgerHandlers) mutate(w http.ResponseWriter, r *http.Request, op domain.Operation) {
	name := r.PathValue("name")

	var req domain.MutationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, domain.CodeValidation, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	l, err := h.reg.Open(ctx, name)
	if err != nil {
		fail(w, h.log, err)
		return
	}

	var txID string
	if op == domain.OpDeposit {
		txID, err = l.Deposit(ctx, req.Amount, req.IdempotencyKey)
	} else {
		txID, err = l.Withdraw(ctx, req.Amount, req.IdempotencyKey)
	}
	if err != nil {
		fail(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.MutationResponse{TransactionID: txID})
}

// GET /v1/accounts/{name}/status
func (h *LedgerHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, err := h.reg.Status(ctx, name)
	if err != nil {
		fail(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.StatusResponse{Name: name, Status: status})
}

// PUT /v1/accounts/{name}/status
func (h *LedgerHandlers) SetStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req domain.StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, domain.CodeValidation, "invalid json")
		return
	}
	status, err := domain.ParseAccountStatus(req.Status)
	if err != nil {
		fail(w, h.log, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// SetStatus only acts on loaded accounts.
	if _, err := h.reg.GetOrLoad(ctx, name); err != nil {
		fail(w, h.log, err)
		return
	}
	ok, err := h.reg.SetStatus(ctx, name, status)
	if err != nil {
		fail(w, h.log, err)
		return
	}
	if !ok {
		fail(w, h.log, domain.ErrAccountNotFound)
		return
	}
	writeJSON(w, http.StatusOK, domain.StatusResponse{Name: name, Status: status})
}
