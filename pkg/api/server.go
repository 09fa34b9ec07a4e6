package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/onboarding92/bitchange/pkg/app/core/market"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/app/exchange"
	"github.com/onboarding92/bitchange/pkg/metrics"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

type Config struct {
	AllowedOrigins []string
	// EnableFunding exposes deposit and withdrawal endpoints
	EnableFunding bool
}

func DefaultConfig() Config {
	return Config{AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"}}
}

// Server handles REST API and WebSocket connections
type Server struct {
	ex      *exchange.Exchange
	router  *mux.Router
	hub     *Hub // WebSocket hub
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	cfg     Config
}

// NewServer creates a new API server. Register Hub() as a notification sink
// before the exchange starts to push updates to WebSocket clients.
func NewServer(ex *exchange.Exchange, log *zap.SugaredLogger, m *metrics.Metrics, cfg Config) *Server {
	s := &Server{
		ex:      ex,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		metrics: m,
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Order endpoints
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	if s.cfg.EnableFunding {
		api.HandleFunc("/accounts/{address}/deposits", s.handleDeposit).Methods("POST")
		api.HandleFunc("/accounts/{address}/withdrawals", s.handleWithdraw).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Idempotency-Key"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	// Start WebSocket hub
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnw("api_shutdown_failed", "err", err)
		}
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func marketInfo(m *market.Market) MarketInfo {
	return MarketInfo{
		Symbol:      m.Symbol,
		BaseAsset:   m.BaseAsset,
		QuoteAsset:  m.QuoteAsset,
		Status:      m.Status().String(),
		TickSize:    m.TickSize,
		LotSize:     m.LotSize,
		MinQuantity: m.MinQuantity,
		MinNotional: m.MinNotional,
		TakerFeeBps: m.Fees.TakerBps,
		MakerFeeBps: m.Fees.MakerBps,
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.ex.Markets()

	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}

	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	for _, m := range s.ex.Markets() {
		if m.Symbol == symbol {
			respondJSON(w, marketInfo(m))
			return
		}
	}
	respondError(w, http.StatusNotFound, "unknown_market", "market "+symbol+" not found", false)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	depth, err := intQuery(r, "depth", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}

	snap, err := s.ex.GetOrderBookSnapshot(symbol, depth)
	if err != nil {
		s.respondMarketError(w, err)
		return
	}

	respondJSON(w, OrderbookSnapshot{
		Symbol:    snap.Pair,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		LastPrice: snap.LastPrice,
		Sequence:  snap.Sequence,
		Timestamp: snap.At,
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	limit, err := intQuery(r, "limit", defaultTradeLimit)
	if err != nil || limit <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", false)
		return
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	trades, err := s.ex.RecentTrades(symbol, limit)
	if err != nil {
		s.respondMarketError(w, err)
		return
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error(), false)
		return
	}

	user, ok := parseAddress(req.Address)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid address", false)
		return
	}
	side, err := types.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error(), false)
		return
	}
	typ, err := types.ParseOrderType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error(), false)
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	res, err := s.ex.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		UserID:         user,
		Pair:           req.Pair,
		Side:           side,
		Type:           typ,
		Price:          req.Price,
		Quantity:       req.Quantity,
		IdempotencyKey: key,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, orderResponse(res))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error(), false)
		return
	}

	// Validate request
	if req.OrderID == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing orderId", false)
		return
	}
	user, ok := parseAddress(req.Address)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid address", false)
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	res, err := s.ex.CancelOrder(r.Context(), user, req.OrderID, key)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, orderResponse(res))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid order id", false)
		return
	}
	o, err := s.ex.GetOrder(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	user, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid address", false)
		return
	}

	balances := s.ex.Balances(user)
	response := AccountBalances{Address: user.Hex(), Balances: make([]BalanceInfo, 0, len(balances))}
	for asset, b := range balances {
		response.Balances = append(response.Balances, BalanceInfo{
			Asset:     asset,
			Available: b.Available,
			Reserved:  b.Reserved,
			Total:     b.Total(),
		})
	}
	sort.Slice(response.Balances, func(i, j int) bool { return response.Balances[i].Asset < response.Balances[j].Asset })

	respondJSON(w, response)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid address", false)
		return
	}
	orders, err := s.ex.OpenOrders(user)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, orders)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.ex.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.ex.Withdraw)
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request, apply func(common.Address, string, decimal.Decimal) error) {
	user, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid address", false)
		return
	}
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error(), false)
		return
	}
	if err := apply(user, strings.ToUpper(req.Asset), req.Amount); err != nil {
		s.respondErr(w, err)
		return
	}
	b := s.ex.Balances(user)[strings.ToUpper(req.Asset)]
	respondJSON(w, BalanceInfo{Asset: strings.ToUpper(req.Asset), Available: b.Available, Reserved: b.Reserved, Total: b.Total()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func orderResponse(res *types.Result) OrderResponse {
	trades := res.Trades
	if trades == nil {
		trades = []types.Trade{}
	}
	return OrderResponse{Order: res.Order, Trades: trades, Released: res.Released, Duplicate: res.Duplicate}
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

// statusFor maps the error taxonomy onto HTTP
func statusFor(err error) (status int, code string, retryable bool) {
	switch {
	case errors.Is(err, types.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_order", false
	case errors.Is(err, types.ErrNotOwner):
		return http.StatusForbidden, "not_owner", false
	case errors.Is(err, types.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found", false
	case errors.Is(err, types.ErrOrderNotCancellable):
		return http.StatusConflict, "order_not_cancellable", false
	case errors.Is(err, types.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance", false
	case errors.Is(err, types.ErrPersistenceFailure), errors.Is(err, types.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "persistence_failure", true
	case errors.Is(err, types.ErrSequencerStopped):
		return http.StatusServiceUnavailable, "unavailable", true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout", true
	default:
		return http.StatusInternalServerError, "internal", false
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, code, retryable := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "code", code, "err", err)
	}
	respondError(w, status, code, err.Error(), retryable)
}

// respondMarketError reports unknown markets on market paths as 404
func (s *Server) respondMarketError(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrUnknownMarket) {
		respondError(w, http.StatusNotFound, "unknown_market", err.Error(), false)
		return
	}
	s.respondErr(w, err)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		Retryable: retryable,
	})
}
