package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nursefi/nursefi"
	"github.com/nursefi/nursefi/ledger"
	"github.com/nursefi/nursefi/offline"
)

// SyncResult is the response body of the bulk sync endpoint.
type SyncResult struct {
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
	Rejected   int             `json:"rejected"`
	Errors     []SyncItemError `json:"errors,omitempty"`
}

// syncItem mirrors offline.SyncItem without validation tags so binding accepts the
// batch and items are checked individually.
type syncItem struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body"`
}

// SyncItemError explains why one batch item was not applied.
type SyncItemError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *Server) health(_ http.ResponseWriter, r *http.Request) {
	nursefi.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createTransaction(_ http.ResponseWriter, r *http.Request) {
	auth, _ := nursefi.AuthFromContext(r.Context())

	var req ledger.CreateTransactionRequest
	if !nursefi.JSON(r, &req) {
		return
	}

	var clientID string
	if v, ok := nursefi.HeaderFromContext(r.Context(), clientRequestIDKey); ok {
		clientID, _ = v.(string)
	}

	tx, created, err := s.repo.Create(r.Context(), req.Transaction(auth.Subject, clientID))
	if err != nil {
		s.internalError(r, "create transaction", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	nursefi.SetResponse(r, status, tx)
}

func (s *Server) listTransactions(_ http.ResponseWriter, r *http.Request) {
	auth, _ := nursefi.AuthFromContext(r.Context())

	var filter ledger.ListFilter
	if !nursefi.Query(r, &filter) {
		return
	}

	txs, err := s.repo.List(r.Context(), auth.Subject, filter)
	if err != nil {
		s.internalError(r, "list transactions", err)
		return
	}
	nursefi.SetResponse(r, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) deleteTransaction(_ http.ResponseWriter, r *http.Request) {
	auth, _ := nursefi.AuthFromContext(r.Context())

	err := s.repo.Delete(r.Context(), auth.Subject, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		nursefi.SetError(r, nursefi.ErrNotFound.With("Transaction not found"))
	case err != nil:
		s.internalError(r, "delete transaction", err)
	default:
		nursefi.SetResponse(r, http.StatusNoContent, nil)
	}
}

// syncTransactions applies a replayed batch. Items are judged one by one; a bad item
// is reported in the result and does not fail the batch.
func (s *Server) syncTransactions(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth, _ := nursefi.AuthFromContext(ctx)

	var items []syncItem
	if !nursefi.JSON(r, &items) {
		return
	}

	var (
		result  SyncResult
		creates []ledger.Transaction
		deletes []syncItem
	)
	reject := func(item syncItem, msg string) {
		result.Rejected++
		result.Errors = append(result.Errors, SyncItemError{ID: item.ID, Message: msg})
	}

	for _, item := range items {
		if err := nursefi.Validate(offline.SyncItem(item)); err != nil {
			reject(item, validationMessage(err))
			continue
		}
		u, err := url.Parse(item.Path)
		if err != nil {
			reject(item, "invalid path")
			continue
		}
		path := strings.TrimSuffix(u.Path, "/")

		switch {
		case item.Method == http.MethodPost && path == offline.DefaultPrefix:
			var req ledger.CreateTransactionRequest
			if err := json.Unmarshal(item.Body, &req); err != nil {
				reject(item, "invalid JSON body")
				continue
			}
			if err := nursefi.Validate(&req); err != nil {
				reject(item, validationMessage(err))
				continue
			}
			creates = append(creates, req.Transaction(auth.Subject, item.ID))
		case item.Method == http.MethodDelete && strings.HasPrefix(path, offline.DefaultPrefix+"/"):
			deletes = append(deletes, item)
		default:
			reject(item, "unsupported operation "+item.Method+" "+path)
		}
	}

	if len(creates) > 0 {
		created, duplicates, err := s.repo.CreateBatch(ctx, creates)
		if err != nil {
			s.internalError(r, "sync transactions", err)
			return
		}
		result.Accepted += created
		result.Duplicates += duplicates
	}

	for _, item := range deletes {
		switch err := s.deleteByPath(ctx, auth.Subject, item.Path); {
		case errors.Is(err, ledger.ErrNotFound):
			result.Duplicates++
		case err != nil:
			s.internalError(r, "sync transactions", err)
			return
		default:
			result.Accepted++
		}
	}

	nursefi.SetResponse(r, http.StatusOK, result)
}

func (s *Server) deleteByPath(ctx context.Context, userID, rawPath string) error {
	u, err := url.Parse(rawPath)
	if err != nil {
		return err
	}
	id := strings.TrimPrefix(strings.TrimSuffix(u.Path, "/"), offline.DefaultPrefix+"/")
	return s.repo.Delete(ctx, userID, id)
}

// resetRateLimits clears admission counters: one key when ?key= is given, all of
// them otherwise.
func (s *Server) resetRateLimits(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if key := r.URL.Query().Get("key"); key != "" {
		if err := s.counters.Reset(ctx, key); err != nil {
			s.internalError(r, "reset rate limit", err)
			return
		}
		nursefi.SetResponse(r, http.StatusOK, map[string]string{"reset": key})
		return
	}

	switch c := s.counters.(type) {
	case interface{ ResetAll() }:
		c.ResetAll()
	case interface{ ResetAll(context.Context) error }:
		if err := c.ResetAll(ctx); err != nil {
			s.internalError(r, "reset rate limits", err)
			return
		}
	default:
		nursefi.SetError(r, nursefi.ErrBadRequest.With("Counter store does not support a full reset; pass ?key="))
		return
	}

	s.logger.Info("Rate limit counters reset")
	nursefi.SetResponse(r, http.StatusOK, map[string]string{"reset": "all"})
}

func (s *Server) internalError(r *http.Request, op string, err error) {
	s.logger.Error("Request failed",
		zap.String("op", op),
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.Error(err))
	nursefi.SetError(r, nursefi.ErrInternal)
}

func validationMessage(err error) string {
	var apiErr *nursefi.APIError
	if !errors.As(err, &apiErr) || len(apiErr.Errors) == 0 {
		return err.Error()
	}
	fe := apiErr.Errors[0]
	return fe.Param + ": " + fe.Message
}
