// Package rpc implements the replicated-interface transport: a
// JSON-over-HTTP surface exposing the consensus peer protocol, one handler
// per message kind, rate limited and routed with gorilla/mux and
// golang.org/x/time/rate.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/synnergy-network/chainkernel/core"
	"github.com/synnergy-network/chainkernel/internal/driver"
	"github.com/synnergy-network/chainkernel/internal/statemgr"
)

// Server exposes the driver's block pipeline over HTTP.
type Server struct {
	drv     *driver.Driver
	mgr     *statemgr.Manager
	chainID string
	log     *logrus.Entry
	limiter *rate.Limiter
	httpSrv *http.Server
}

// New constructs a Server bound to listenAddr. Call ListenAndServe to start
// accepting requests.
func New(drv *driver.Driver, mgr *statemgr.Manager, chainID, listenAddr string, log *logrus.Entry) *Server {
	s := &Server{
		drv:     drv,
		mgr:     mgr,
		chainID: chainID,
		log:     log.WithField("component", "rpc"),
		limiter: rate.NewLimiter(200, 100),
	}

	router := mux.NewRouter()
	router.Use(s.rateLimit)
	router.Use(s.requestID)
	router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	router.HandleFunc("/init_chain", s.handleInitChain).Methods(http.MethodPost)
	router.HandleFunc("/check_tx", s.handleCheckTx).Methods(http.MethodPost)
	router.HandleFunc("/prepare_proposal", s.handlePrepareProposal).Methods(http.MethodPost)
	router.HandleFunc("/process_proposal", s.handleProcessProposal).Methods(http.MethodPost)
	router.HandleFunc("/finalize_block", s.handleFinalizeBlock).Methods(http.MethodPost)
	router.HandleFunc("/commit", s.handleCommit).Methods(http.MethodPost)
	router.HandleFunc("/query", s.handleQuery).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.httpSrv.Addr).Info("rpc server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type infoResponse struct {
	ChainID         string `json:"chain_id"`
	LastBlockHeight uint64 `json:"last_block_height"`
	LastBlockAppHash string `json:"last_block_app_hash"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	height, appHash := s.drv.LastCommitted()
	writeJSON(w, http.StatusOK, infoResponse{
		ChainID:          s.chainID,
		LastBlockHeight:  height,
		LastBlockAppHash: appHash.String(),
	})
}

type initChainRequest struct {
	ChainID string `json:"chain_id"`
}

func (s *Server) handleInitChain(w http.ResponseWriter, r *http.Request) {
	var req initChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chain_id": s.chainID})
}

type checkTxRequest struct {
	TxBytes   string `json:"tx_bytes"`
	GasWanted uint64 `json:"gas_wanted"`
}

func (s *Server) handleCheckTx(w http.ResponseWriter, r *http.Request) {
	var req checkTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.drv.CheckTx(r.Context(), []byte(req.TxBytes), req.GasWanted)
	writeJSON(w, http.StatusOK, res)
}

// handlePrepareProposal and handleProcessProposal are pass-through: this
// driver does not reorder or reject proposed transactions beyond what
// CheckTx already screens for.
func (s *Server) handlePrepareProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Txs []string `json:"txs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"txs": req.Txs})
}

func (s *Server) handleProcessProposal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ACCEPT"})
}

type finalizeBlockRequest struct {
	Height             uint64          `json:"height"`
	TimeUnix           uint64          `json:"time_unix"`
	ProposerAddress    string          `json:"proposer_address"`
	GasLimit           uint64          `json:"gas_limit"`
	MinGasPrice        uint64          `json:"min_gas_price"`
	LastCommitInfo     json.RawMessage `json:"last_commit_info"`
	ByzantineValidators []json.RawMessage `json:"byzantine_validators"`
	Txs                [][]byte        `json:"txs"`
}

func (s *Server) handleFinalizeBlock(w http.ResponseWriter, r *http.Request) {
	var req finalizeBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bctx := core.BlockContext{
		Height:      req.Height,
		TimeUnix:    req.TimeUnix,
		ChainID:     s.chainID,
		Proposer:    core.BytesToAddress([]byte(req.ProposerAddress)),
		GasLimit:    req.GasLimit,
		MinGasPrice: req.MinGasPrice,
	}
	result, err := s.drv.FinalizeBlock(r.Context(), bctx, req.LastCommitInfo, req.ByzantineValidators, req.Txs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	height, appHash := s.drv.LastCommitted()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"height":   height,
		"app_hash": appHash.String(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace")
	key := r.URL.Query().Get("key")
	if ns == "" || key == "" {
		writeError(w, http.StatusBadRequest, errors.New("namespace and key are required"))
		return
	}
	namespace, err := s.mgr.Get(ns)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	value, present, proof, err := namespace.GetWithProof([]byte(key))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"value":   value,
		"present": present,
		"proof":   proof,
	})
}
