package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"boxwallet/internal/amount"
	"boxwallet/internal/box"
	"boxwallet/internal/catalog"
	"boxwallet/internal/config"
	"boxwallet/internal/eligibility"
	"boxwallet/internal/hmacauth"
	"boxwallet/internal/idempotency"
	"boxwallet/internal/ledger"
	"boxwallet/internal/notify"
	"boxwallet/internal/observability"
	"boxwallet/internal/signals"
	"boxwallet/internal/txflow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deps are the wallet components the control API drives.
type Deps struct {
	Config   *config.AppConfig
	Session  *signals.Session
	Form     *eligibility.Form
	Boxes    *box.Service
	Cache    *box.Cache
	Catalogs *catalog.Registry
	Store    idempotency.Store
	Messages *notify.Recorder
	Busy     *notify.Indicator
	Metrics  *observability.Metrics
	Health   ledger.HealthChecker
	Log      zerolog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	session     *signals.Session
	hub         *signals.Hub
	form        *eligibility.Form
	boxes       *box.Service
	cache       *box.Cache
	catalogs    *catalog.Registry
	store       idempotency.Store
	messages    *notify.Recorder
	busy        *notify.Indicator
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *observability.Metrics
	log         zerolog.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(d Deps) *Server {
	messages := d.Messages
	if messages == nil {
		messages = &notify.Recorder{}
	}
	busy := d.Busy
	if busy == nil {
		busy = &notify.Indicator{}
	}

	s := &Server{
		cfg:      d.Config,
		session:  d.Session,
		hub:      d.Session.Hub(),
		form:     d.Form,
		boxes:    d.Boxes,
		cache:    d.Cache,
		catalogs: d.Catalogs,
		store:    d.Store,
		messages: messages,
		busy:     busy,
		metrics:  d.Metrics,
		log:      d.Log,
		hmac: &hmacauth.Verifier{
			Secret:  d.Config.Seed.Secrets.HMACSalt,
			MaxSkew: d.Config.Service.HMACClockSkew,
			Log:     d.Log,
		},
	}

	if checker, ok := d.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if d.Health != nil {
		s.rpcHealthFn = d.Health.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/action", s.handleGetAction)
	mux.HandleFunc("POST /api/v1/action", s.handleInvoke)
	mux.HandleFunc("PUT /api/v1/form", s.handlePutForm)
	mux.HandleFunc("GET /api/v1/boxes", s.handleListBoxes)
	mux.HandleFunc("POST /api/v1/boxes", s.handleCreateBox)
	mux.HandleFunc("POST /api/v1/boxes/{index}/cancel", s.handleCancelBox)
	mux.HandleFunc("POST /api/v1/boxes/{index}/accept", s.handleAcceptBox)
	mux.HandleFunc("POST /api/v1/dispense/{symbol}", s.handleDispense)
	mux.HandleFunc("POST /api/v1/session/refresh", s.handleRefreshSession)
	mux.HandleFunc("GET /api/v1/messages", s.handleMessages)
	mux.Handle("GET /api/v1/metrics", d.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(d.Config.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.metricsMiddleware(s.hmac.Middleware(mux))),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("control API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type signalsView struct {
	ChainID        int64  `json:"chainId"`
	ChainSupported bool   `json:"chainSupported"`
	Account        string `json:"account,omitempty"`
	AppReady       bool   `json:"appReady"`
}

type balanceView struct {
	Symbol           string `json:"symbol"`
	Value            string `json:"value"`
	Allowance        string `json:"allowance"`
	UnlimitedAllowed bool   `json:"unlimitedAllowance"`
}

type actionResponse struct {
	Message string       `json:"message"`
	Enabled bool         `json:"enabled"`
	Kind    string       `json:"kind"`
	Busy    bool         `json:"busy"`
	Signals signalsView  `json:"signals"`
	Balance *balanceView `json:"balance,omitempty"`
}

type formRequest struct {
	Password  string `json:"password"`
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
}

type receiptResponse struct {
	Action      string `json:"action"`
	Status      string `json:"status"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

type invokeResponse struct {
	Action string         `json:"action"`
	Status string         `json:"status"`
	Next   actionResponse `json:"next"`
}

type passwordRequest struct {
	Password string `json:"password"`
	// Approve answers the token approval dialog of an accept.
	Approve bool `json:"approve"`
}

type createBoxRequest struct {
	Password      string `json:"password"`
	Recipient     string `json:"recipient"`
	SendToken     string `json:"sendToken"`
	SendAmount    string `json:"sendAmount"`
	RequestToken  string `json:"requestToken"`
	RequestAmount string `json:"requestAmount"`
	Release       string `json:"release"`
}

type boxView struct {
	Index           uint64 `json:"index"`
	State           string `json:"state"`
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	SendToken       string `json:"sendToken"`
	SendSymbol      string `json:"sendSymbol,omitempty"`
	SendAmount      string `json:"sendAmount"`
	RequestToken    string `json:"requestToken"`
	RequestSymbol   string `json:"requestSymbol,omitempty"`
	RequestAmount   string `json:"requestAmount"`
	ReleaseUnix     int64  `json:"releaseUnix"`
	ReleaseReadable string `json:"releaseReadable"`
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.actionView(s.form.Descriptor()))
}

func (s *Server) handlePutForm(w http.ResponseWriter, r *http.Request) {
	var payload formRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	fields := eligibility.Fields{
		Password:  payload.Password,
		Recipient: strings.TrimSpace(payload.Recipient),
		Amount:    strings.TrimSpace(payload.Amount),
	}
	if payload.Token != "" {
		asset, err := s.resolveToken(payload.Token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		fields.Asset = &asset
	}

	d := s.form.SetFields(r.Context(), fields)
	writeJSON(w, http.StatusOK, s.actionView(d))
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	kind := s.form.Descriptor().Kind
	s.once(w, r, kind.String(), func(ctx context.Context) (interface{}, string, error) {
		if err := s.form.Invoke(ctx); err != nil {
			return nil, "", err
		}
		return invokeResponse{
			Action: kind.String(),
			Status: "done",
			Next:   s.actionView(s.form.Descriptor()),
		}, "", nil
	})
}

func (s *Server) handleListBoxes(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if raw := r.URL.Query().Get("tzOffset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "tzOffset must be minutes", http.StatusBadRequest)
			return
		}
		offset = parsed
	}

	boxes, err := s.cache.Boxes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cat, _ := s.catalogs.ForChain(s.hub.Snapshot().ChainID)
	now := time.Now()
	out := make([]boxView, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, toBoxView(b, cat, now, offset))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBox(w http.ResponseWriter, r *http.Request) {
	var payload createBoxRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if err := validateCreateBoxRequest(payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	in := box.CreateInputs{
		Password:      payload.Password,
		Recipient:     common.HexToAddress(payload.Recipient),
		SendAmount:    payload.SendAmount,
		RequestAmount: payload.RequestAmount,
	}
	send, err := s.resolveToken(payload.SendToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in.SendAsset = send.Address
	if payload.RequestToken != "" {
		request, err := s.resolveToken(payload.RequestToken)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		in.RequestAsset = request.Address
	}
	if payload.Release != "" {
		release, err := time.Parse(time.RFC3339, payload.Release)
		if err != nil {
			http.Error(w, "release must be RFC3339", http.StatusBadRequest)
			return
		}
		in.Release = release
	}

	s.once(w, r, "create", func(ctx context.Context) (interface{}, string, error) {
		receipt, err := s.boxes.Create(ctx, in)
		return settled("create", receipt), hashOf(receipt), err
	})
}

func (s *Server) handleCancelBox(w http.ResponseWriter, r *http.Request) {
	b, payload, ok := s.boxRequest(w, r)
	if !ok {
		return
	}
	s.once(w, r, "cancel", func(ctx context.Context) (interface{}, string, error) {
		receipt, err := s.boxes.CancelWithPrompt(withAnswers(ctx, payload), b)
		return settled("cancel", receipt), hashOf(receipt), err
	})
}

func (s *Server) handleAcceptBox(w http.ResponseWriter, r *http.Request) {
	b, payload, ok := s.boxRequest(w, r)
	if !ok {
		return
	}
	s.once(w, r, "accept", func(ctx context.Context) (interface{}, string, error) {
		receipt, err := s.boxes.Accept(withAnswers(ctx, payload), b, payload.Password)
		return settled("accept", receipt), hashOf(receipt), err
	})
}

func (s *Server) handleDispense(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	s.once(w, r, "dispense", func(ctx context.Context) (interface{}, string, error) {
		receipt, err := s.boxes.Dispense(ctx, symbol)
		return settled("dispense", receipt), hashOf(receipt), err
	})
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Refresh(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.actionView(s.form.Descriptor()))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.messages.Drain()
	if msgs == nil {
		msgs = []notify.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) boxRequest(w http.ResponseWriter, r *http.Request) (box.Box, passwordRequest, bool) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		http.Error(w, "box index must be an unsigned integer", http.StatusBadRequest)
		return box.Box{}, passwordRequest{}, false
	}
	var payload passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return box.Box{}, passwordRequest{}, false
	}
	if payload.Password == "" {
		http.Error(w, "password is required", http.StatusBadRequest)
		return box.Box{}, passwordRequest{}, false
	}
	b, err := s.cache.Find(r.Context(), index)
	if err != nil {
		s.writeError(w, r, err)
		return box.Box{}, passwordRequest{}, false
	}
	return b, payload, true
}

// once runs a submission at most once per X-Idempotency-Key and account. A
// repeated key replays the stored response.
func (s *Server) once(w http.ResponseWriter, r *http.Request, action string, run func(ctx context.Context) (interface{}, string, error)) {
	ctx := r.Context()

	var scoped string
	if key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key")); key != "" {
		scoped = idempotency.ScopedKey(s.cfg.Seed.Secrets.IdempotencyKeySalt, s.hub.Snapshot().Account, key)
		if existing, _ := s.store.Get(ctx, scoped); existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}
	}

	payload, txHash, err := run(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if scoped != "" {
		record := s.cfg.Service.Idempotency.Record(action, txHash, http.StatusOK, body, time.Now())
		if err := s.store.Save(ctx, scoped, record); err != nil {
			s.log.Error().Err(err).Str("action", action).Msg("idempotency save failed")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) resolveToken(token string) (catalog.AssetRef, error) {
	snap := s.hub.Snapshot()
	cat, ok := s.catalogs.ForChain(snap.ChainID)
	if !ok {
		return catalog.AssetRef{}, fmt.Errorf("%w: no token catalog for chain %d", box.ErrNotReady, snap.ChainID)
	}
	if common.IsHexAddress(token) {
		if asset, ok := cat.Lookup(common.HexToAddress(token)); ok {
			return asset, nil
		}
	} else if asset, ok := cat.BySymbol(token); ok {
		return asset, nil
	}
	return catalog.AssetRef{}, fmt.Errorf("%w: %s", catalog.ErrUnknownToken, token)
}

func (s *Server) actionView(d eligibility.Descriptor) actionResponse {
	snap := s.hub.Snapshot()
	resp := actionResponse{
		Message: d.Message,
		Enabled: d.Enabled,
		Kind:    d.Kind.String(),
		Busy:    s.busy.Active(),
		Signals: signalsView{
			ChainID:        snap.ChainID,
			ChainSupported: snap.ChainSupported,
			AppReady:       snap.AppReady,
		},
	}
	if snap.Account != (common.Address{}) {
		resp.Signals.Account = snap.Account.Hex()
	}
	if bal := s.form.Balance(); bal != nil {
		resp.Balance = &balanceView{
			Symbol:           bal.Asset.Symbol,
			Value:            bal.DecimalValue,
			Allowance:        bal.DecimalAllowance,
			UnlimitedAllowed: bal.HasUnlimitedAllowance,
		}
	}
	return resp
}

func toBoxView(b box.Box, cat *catalog.Catalog, now time.Time, offset int) boxView {
	v := boxView{
		Index:         b.Index,
		State:         b.State(now).String(),
		Sender:        b.Sender.Hex(),
		Recipient:     b.Recipient.Hex(),
		SendToken:     b.SendAsset.Hex(),
		SendAmount:    amountOf(cat, b.SendAsset, b.SendAmount),
		RequestToken:  b.RequestAsset.Hex(),
		RequestAmount: amountOf(cat, b.RequestAsset, b.RequestAmount),
	}
	if cat != nil {
		if a, ok := cat.Lookup(b.SendAsset); ok {
			v.SendSymbol = a.Symbol
		}
		if a, ok := cat.Lookup(b.RequestAsset); ok {
			v.RequestSymbol = a.Symbol
		}
	}
	if d, err := b.ReleaseTime(offset); err == nil {
		v.ReleaseUnix = d.Unix
		v.ReleaseReadable = d.Readable
	}
	return v
}

// amountOf formats base units in the asset's decimals, or raw when the asset
// is not in the catalog.
func amountOf(cat *catalog.Catalog, asset common.Address, base *big.Int) string {
	if base == nil {
		return "0"
	}
	if cat != nil {
		if v, err := cat.FromBaseUnits(asset, base); err == nil {
			return v
		}
	}
	return base.String()
}

func validateCreateBoxRequest(req createBoxRequest) error {
	if req.Password == "" {
		return errors.New("password is required")
	}
	if !common.IsHexAddress(req.Recipient) {
		return errors.New("recipient is invalid")
	}
	if req.SendToken == "" {
		return errors.New("sendToken is required")
	}
	if !amount.IsWellFormed(req.SendAmount) {
		return errors.New("sendAmount is invalid")
	}
	if req.RequestAmount != "" && !amount.IsWellFormed(req.RequestAmount) {
		return errors.New("requestAmount is invalid")
	}
	return nil
}

func settled(action string, receipt *ledger.Receipt) receiptResponse {
	resp := receiptResponse{Action: action, Status: "settled"}
	if receipt != nil {
		resp.TxHash = receipt.TxHash.Hex()
		resp.BlockNumber = receipt.BlockNumber
	}
	return resp
}

func hashOf(receipt *ledger.Receipt) string {
	if receipt == nil {
		return ""
	}
	return receipt.TxHash.Hex()
}

// writeError maps the wallet error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, amount.ErrMalformedDecimal),
		errors.Is(err, amount.ErrExcessPrecision),
		errors.Is(err, catalog.ErrUnknownToken):
		status = http.StatusBadRequest
	case errors.Is(err, box.ErrPassphraseMismatch),
		errors.Is(err, box.ErrNotSender),
		errors.Is(err, box.ErrNotRecipient):
		status = http.StatusForbidden
	case errors.Is(err, box.ErrBoxNotFound),
		errors.Is(err, box.ErrUnknownTestToken):
		status = http.StatusNotFound
	case errors.Is(err, box.ErrTerminal),
		errors.Is(err, box.ErrDeclined),
		errors.Is(err, eligibility.ErrDisabled),
		errors.Is(err, eligibility.ErrStale),
		errors.Is(err, txflow.ErrInFlight),
		errors.Is(err, txflow.ErrUserDeclined):
		status = http.StatusConflict
	case errors.Is(err, box.ErrNotReady),
		errors.Is(err, signals.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, txflow.ErrCallReverted),
		errors.Is(err, txflow.ErrNodeRejected):
		status = http.StatusBadGateway
	}

	event := s.log.Warn()
	if status >= http.StatusInternalServerError {
		event = s.log.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Str("request_id", r.Header.Get("X-Request-Id")).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]string{"error": errorText(err, status)})
}

// errorText keeps node detail out of responses; it goes to the log only.
func errorText(err error, status int) string {
	switch {
	case errors.Is(err, txflow.ErrCallReverted):
		return "transaction reverted"
	case errors.Is(err, txflow.ErrNodeRejected):
		return "transaction rejected by the node"
	case errors.Is(err, txflow.ErrUserDeclined):
		return "signature declined"
	case status == http.StatusInternalServerError:
		return "internal error"
	}
	return err.Error()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	snap := s.hub.Snapshot()
	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status    string      `json:"status"`
		RPC       interface{} `json:"rpc"`
		Database  interface{} `json:"database"`
		AppReady  bool        `json:"app_ready"`
		BoxesSeen time.Time   `json:"boxes_fetched_at"`
	}{
		Status:    status,
		RPC:       rpcInfo,
		Database:  dbInfo,
		AppReady:  snap.AppReady,
		BoxesSeen: s.cache.FetchedAt(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.IncHTTP(route, strconv.Itoa(rec.status))
	})
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
