// Package api exposes the provider's four operations over plain HTTP and
// JSON instead of the teacher's gRPC, after internal/signer's RPC surface
// lost its generated stubs in the move to this module (see DESIGN.md).
// Handler keeps the teacher's shape — a thin struct wrapping the thing
// that actually does the work — and Server keeps its Unix-domain-socket
// lifecycle; only the wire format and the routing underneath changed.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/privatetx/provider/internal/chain"
	"github.com/privatetx/provider/internal/provider"
)

// Handler implements the four RPCs §6 describes upstream callers using, each
// as its own endpoint rather than one generic JSON-RPC dispatch method —
// closer to the teacher's one-method-per-RPC Handler than to a json-rpc 2.0
// envelope, since there is no shared client library to satisfy here.
type Handler struct {
	provider *provider.Provider
}

// NewHandler creates a Handler wired to the given Provider.
func NewHandler(p *provider.Provider) *Handler {
	return &Handler{provider: p}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps a sentinel pipeline error to an HTTP status code the way
// the teacher's handler mapped session errors to gRPC codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chain.ErrBadTransactionType),
		errors.Is(err, chain.ErrSignerAccountNotSet),
		errors.Is(err, chain.ErrKeyServerNotSet):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrContractDoesNotExist),
		errors.Is(err, chain.ErrStatePruned):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrStateIncorrect):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decodeHexTx(raw string) (*types.Transaction, error) {
	data, err := hex.DecodeString(trimHexPrefix(raw))
	if err != nil {
		return nil, fmt.Errorf("api: decode transaction hex: %w", err)
	}
	tx := new(types.Transaction)
	if err := rlp.DecodeBytes(data, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrRlpDecode, err)
	}
	return tx, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// createPrivateTransactionRequest carries the already-signed inner
// transaction, RLP-encoded and hex-strung, exactly as it would be returned
// by eth_signTransaction upstream.
type createPrivateTransactionRequest struct {
	SignedTransaction string `json:"signed_transaction"`
}

type createPrivateTransactionResponse struct {
	Hash            common.Hash     `json:"hash"`
	ContractAddress *common.Address `json:"contract_address,omitempty"`
	StatusCode      int             `json:"status_code"`
}

// CreatePrivateTransaction handles POST /create_private_transaction.
func (h *Handler) CreatePrivateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createPrivateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := decodeHexTx(req.SignedTransaction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := h.provider.CreatePrivateTransaction(r.Context(), tx)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, createPrivateTransactionResponse{
		Hash:            receipt.Hash,
		ContractAddress: receipt.ContractAddress,
		StatusCode:      receipt.StatusCode,
	})
}

type rawMessageRequest struct {
	Data string `json:"data"`
}

// ImportPrivateTransaction handles POST /import_private_transaction. The
// body carries the RLP-encoded wire.PrivateTransaction as hex, the same
// shape a relay connection would have delivered it in.
func (h *Handler) ImportPrivateTransaction(w http.ResponseWriter, r *http.Request) {
	var req rawMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := hex.DecodeString(trimHexPrefix(req.Data))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.provider.ImportPrivateTransaction(r.Context(), data); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ImportSignedPrivateTransaction handles POST /import_signed_private_transaction.
func (h *Handler) ImportSignedPrivateTransaction(w http.ResponseWriter, r *http.Request) {
	var req rawMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := hex.DecodeString(trimHexPrefix(req.Data))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.provider.ImportSignedPrivateTransaction(r.Context(), data); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type privateCallRequest struct {
	Transaction string `json:"transaction"`
	BlockNumber *uint64 `json:"block_number,omitempty"`
}

type privateCallResponse struct {
	GasUsed         uint64          `json:"gas_used"`
	Output          string          `json:"output"`
	ContractAddress *common.Address `json:"contract_address,omitempty"`
}

// PrivateCall handles POST /private_call.
func (h *Handler) PrivateCall(w http.ResponseWriter, r *http.Request) {
	var req privateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := decodeHexTx(req.Transaction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	block := chain.Latest
	if req.BlockNumber != nil {
		block = chain.AtNumber(*req.BlockNumber)
	}

	result, err := h.provider.PrivateCall(r.Context(), block, tx)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, privateCallResponse{
		GasUsed:         result.GasUsed,
		Output:          "0x" + hex.EncodeToString(result.Output),
		ContractAddress: result.ContractAddress,
	})
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /create_private_transaction", h.CreatePrivateTransaction)
	mux.HandleFunc("POST /import_private_transaction", h.ImportPrivateTransaction)
	mux.HandleFunc("POST /import_signed_private_transaction", h.ImportSignedPrivateTransaction)
	mux.HandleFunc("POST /private_call", h.PrivateCall)
}

