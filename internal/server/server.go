package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bridgerelay/internal/auth"
	"bridgerelay/internal/claims"
	"bridgerelay/internal/ledger"
	"bridgerelay/internal/log"
	"bridgerelay/internal/relay"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	maxBodyBytes    = 1 << 20
	healthTimeout   = 2 * time.Second
	defaultPage     = 1
	defaultPageSize = 5
)

type Options struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	AuthToken     string
	HMACSecret    string
	HMACClockSkew time.Duration
}

type Server struct {
	relay      *relay.Relay
	ledgers    *ledger.Registry
	logger     *log.Logger
	dbHealthFn func(context.Context) error
	router     *mux.Router
	httpServer *http.Server
}

func New(opts Options, rl *relay.Relay, ledgers *ledger.Registry, store claims.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	s := &Server{
		relay:   rl,
		ledgers: ledgers,
		logger:  logger,
	}
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	bearer := &auth.BearerVerifier{Token: opts.AuthToken}
	signed := &auth.Verifier{Secret: opts.HMACSecret, MaxSkew: opts.HMACClockSkew}
	guard := func(h http.HandlerFunc) http.Handler {
		return bearer.Middleware(signed.Middleware(h))
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/transfer", guard(s.handleTransfer)).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{wallet}", s.handleTransactions).Methods(http.MethodPost)
	r.HandleFunc("/getTxDetails/{wallet}", s.handleTransactions).Methods(http.MethodPost)
	r.HandleFunc("/claims/{txHash}", s.handleClaim).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", rl.Metrics().Handler()).Methods(http.MethodGet)
	r.Use(requestIDMiddleware, s.accessLogMiddleware)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Infof("API listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

type transferResponse struct {
	Message        string `json:"message"`
	TxHash         string `json:"txHash"`
	PayoutNetwork  string `json:"payoutNetwork"`
	PayoutTxHash   string `json:"payoutTxHash"`
	SentAmount     string `json:"sentAmount"`
	ReceivedAmount string `json:"receivedAmount"`
}

// claimView renders amounts as decimal strings so clients never round them.
type claimView struct {
	TxHash         string        `json:"txHash"`
	From           string        `json:"from"`
	To             string        `json:"to"`
	Network        string        `json:"network"`
	Processed      bool          `json:"processed"`
	Status         claims.Status `json:"status"`
	LastError      string        `json:"lastError,omitempty"`
	PayoutTxHash   string        `json:"payoutTxHash,omitempty"`
	SentAmount     string        `json:"sentAmount,omitempty"`
	ReceivedAmount string        `json:"receivedAmount,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func newClaimView(c claims.Claim) claimView {
	return claimView{
		TxHash:         c.TxHash,
		From:           c.From,
		To:             c.To,
		Network:        c.Network,
		Processed:      c.Processed,
		Status:         c.Status,
		LastError:      c.LastError,
		PayoutTxHash:   c.PayoutTxHash,
		SentAmount:     amountString(c.SentAmount),
		ReceivedAmount: amountString(c.ReceivedAmount),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req relay.ClaimRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.relay.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, transferResponse{
		Message:        "payout successful",
		TxHash:         res.TxHash,
		PayoutNetwork:  res.PayoutNetwork,
		PayoutTxHash:   res.PayoutTxHash,
		SentAmount:     res.SentAmount.String(),
		ReceivedAmount: res.ReceivedAmount.String(),
	})
}

type pageRequest struct {
	Page             flexInt `json:"page"`
	DocumentsPerPage flexInt `json:"documentsPerPage"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	list, err := s.relay.ListTransactions(r.Context(), mux.Vars(r)["wallet"],
		req.Page.or(defaultPage), req.DocumentsPerPage.or(defaultPageSize))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]claimView, 0, len(list))
	for _, c := range list {
		out = append(out, newClaimView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	c, err := s.relay.Claim(r.Context(), mux.Vars(r)["txHash"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{ErrorKind: "NotFound", Message: "no claim for this transaction"})
		return
	}
	writeJSON(w, http.StatusOK, newClaimView(*c))
}

type networkHealth struct {
	Connected bool   `json:"connected"`
	ChainID   string `json:"chainId"`
	POA       bool   `json:"poa"`
	Error     string `json:"error,omitempty"`
}

type dbHealth struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	healthy := true

	pings := s.ledgers.PingAll(ctx)
	networks := make(map[string]networkHealth, len(pings))
	for name, err := range pings {
		c, _ := s.ledgers.Get(name)
		n := c.Network()
		h := networkHealth{Connected: err == nil, ChainID: n.ChainID.String(), POA: n.POA}
		if err != nil {
			h.Error = err.Error()
			healthy = false
		}
		networks[name] = h
	}

	db := dbHealth{Connected: true}
	if s.dbHealthFn != nil {
		if err := s.dbHealthFn(ctx); err != nil {
			db = dbHealth{Error: err.Error()}
			healthy = false
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status   string                   `json:"status"`
		Networks map[string]networkHealth `json:"networks"`
		Database dbHealth                 `json:"database"`
	}{status, networks, db})
}

// statusFor maps an error kind to the HTTP status the API answers with.
func statusFor(kind relay.Kind) int {
	switch kind {
	case relay.KindInvalidArgument, relay.KindInvalidTarget, relay.KindUnsupportedNetwork,
		relay.KindNoTransferFound, relay.KindFromMismatch, relay.KindTargetMismatch:
		return http.StatusBadRequest
	case relay.KindAlreadyProcessed:
		return http.StatusConflict
	case relay.KindUnknownTransaction:
		return http.StatusNotFound
	case relay.KindNotFinal:
		return http.StatusTooEarly
	case relay.KindPayoutBroadcastFailed, relay.KindNetworkUnreachable, relay.KindRPCError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := relay.KindOf(err)
	msg := err.Error()
	if kind == relay.KindInternal {
		s.logger.Errorf("request %s: %v", r.Header.Get("X-Request-Id"), err)
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorResponse{ErrorKind: string(kind), Message: msg})
}

// decodeBody reads a JSON body into dst. An empty body is accepted only when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	err := dec.Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && allowEmpty:
		return nil
	case errors.Is(err, io.EOF):
		return invalidArgument("request body is required")
	default:
		return invalidArgument("invalid json payload: " + err.Error())
	}
}

type argError string

func (e argError) Error() string        { return string(e) }
func (e argError) Is(target error) bool { return target == relay.ErrInvalidArgument }

func invalidArgument(msg string) error { return argError(msg) }

// flexInt accepts 2 as well as "2".
type flexInt struct {
	v   int
	set bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	n, err := strconv.Atoi(strings.Trim(s, `"`))
	if err != nil {
		return invalidArgument("invalid pagination parameters")
	}
	f.v, f.set = n, true
	return nil
}

func (f flexInt) or(fallback int) int {
	if !f.set {
		return fallback
	}
	return f.v
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugf("%s %s -> %d in %s (request %s)",
			r.Method, r.URL.Path, rec.status, time.Since(start), r.Header.Get("X-Request-Id"))
	})
}
