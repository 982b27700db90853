package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowd/core/types"
	"escrowd/escrow"
	"escrowd/state"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type escrowCreateParams struct {
	OrderID uint64 `json:"orderId"`
	Payer   string `json:"payer"`
	Payee   string `json:"payee"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type escrowOrderParams struct {
	OrderID uint64 `json:"orderId"`
}

type escrowPartialRefundParams struct {
	OrderID      uint64 `json:"orderId"`
	RefundAmount string `json:"refundAmount"`
}

type escrowBalanceParams struct {
	Account string `json:"account,omitempty"`
	OrderID uint64 `json:"orderId,omitempty"`
	Asset   string `json:"asset"`
}

type escrowJSON struct {
	OrderID   uint64 `json:"orderId"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	Expiry    int64  `json:"expiry"`
}

type balanceResult struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, authErr := s.requireAuth(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowCreateParams
	if !decodeParams(w, req, &params) {
		return
	}
	payer, err := types.ParseAddress(params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payee, err := types.ParseAddress(params.Payee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.node.CreateEscrow(params.OrderID, payer, payee, params.Asset, amount, caller)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(esc))
}

func (s *Server) handleEscrowComplete(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowTransition(w, r, req, s.node.CompleteOrder)
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowTransition(w, r, req, s.node.CancelOrder)
}

func (s *Server) handleEscrowTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func(uint64, types.Address) error) {
	caller, authErr := s.requireAuth(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowOrderParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := fn(params.OrderID, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowPartialRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, authErr := s.requireAuth(r)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowPartialRefundParams
	if !decodeParams(w, req, &params) {
		return
	}
	refund, err := parseNonNegativeBigInt(params.RefundAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PartialRefund(params.OrderID, refund, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowOrderParams
	if !decodeParams(w, req, &params) {
		return
	}
	esc, err := s.node.GetEscrowDetails(params.OrderID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(esc))
}

func (s *Server) handleEscrowBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowBalanceParams
	if !decodeParams(w, req, &params) {
		return
	}
	var (
		balance *big.Int
		err     error
	)
	switch {
	case strings.TrimSpace(params.Account) != "":
		var addr types.Address
		addr, err = types.ParseAddress(params.Account)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
		balance, err = s.node.Balance(addr, params.Asset)
	default:
		balance, err = s.node.EscrowBalance(params.OrderID, params.Asset)
	}
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{Asset: strings.ToUpper(strings.TrimSpace(params.Asset)), Balance: balance.String()})
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	amount, err := parseNonNegativeBigInt(value)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func formatEscrowJSON(esc *escrow.Escrow) escrowJSON {
	amount := "0"
	if esc.Amount != nil {
		amount = esc.Amount.String()
	}
	return escrowJSON{
		OrderID:   esc.OrderID,
		Payer:     esc.Payer.String(),
		Payee:     esc.Payee.String(),
		Asset:     esc.Asset,
		Amount:    amount,
		Status:    esc.Status.String(),
		CreatedAt: esc.CreatedAt,
		Expiry:    esc.Expiry,
	}
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrDuplicateOrder), errors.Is(err, escrow.ErrNotLocked), errors.Is(err, state.ErrInsufficientFunds):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrRefundTooLarge), errors.Is(err, escrow.ErrRefundNegative), errors.Is(err, escrow.ErrAmountNotPositive):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
