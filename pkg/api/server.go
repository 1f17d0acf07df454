// Package api exposes the exchange over REST and WebSocket. The server is a
// thin translation layer: it validates request shapes, hands signed payloads
// to the engine untouched, and maps engine errors to HTTP statuses.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"bifrost/pkg/core"
	"bifrost/pkg/exchange"
)

type Server struct {
	engine   *exchange.Engine
	router   *mux.Router
	hub      *Hub
	validate *validator.Validate
	log      *zap.Logger
	httpSrv  *http.Server
}

func NewServer(engine *exchange.Engine, log *zap.Logger) *Server {
	s := &Server{
		engine:   engine,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		validate: validator.New(),
		log:      log.Named("api"),
	}
	s.setupRoutes()

	// Market data fan-out: every settled trade pushes the trade itself plus
	// the new book snapshot to subscribers.
	engine.SetTradeHook(func(t *core.Trade) {
		now := time.Now().UnixMilli()
		s.hub.BroadcastToChannel("trades:"+t.Symbol(), TradeUpdate{
			Type: "trade", Symbol: t.Symbol(), Trade: t, Timestamp: now,
		})
		if bids, asks, err := engine.Depth(t.Symbol(), 20); err == nil {
			s.hub.BroadcastToChannel("book:"+t.Symbol(), BookUpdate{
				Type: "book", Symbol: t.Symbol(), Bids: bids, Asks: asks, Timestamp: now,
			})
		}
	})
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/oco", s.handlePlaceOCO).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/settle", s.handleSettle).Methods("POST")

	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")

	api.HandleFunc("/pairs", s.handleGetPairs).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/book", s.handleGetBook).Methods("GET")

	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/nonce", s.handleGetNonce).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOpenOrders).Methods("GET")

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.log.Info("api server listening", zap.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if !s.decode(w, r, &req) {
		return
	}

	o, sig, err := req.toOrder()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed order", err)
		return
	}

	res, err := s.engine.PlaceOrder(o, sig)
	if err != nil {
		s.respondError(w, statusFor(err), "order rejected", err)
		return
	}
	respondJSON(w, PlaceOrderResponse{Order: res.Order, Trades: res.Trades})
}

func (s *Server) handlePlaceOCO(w http.ResponseWriter, r *http.Request) {
	var req PlaceOCORequest
	if !s.decode(w, r, &req) {
		return
	}

	first, sigFirst, err := req.First.toOrder()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed first leg", err)
		return
	}
	second, sigSecond, err := req.Second.toOrder()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed second leg", err)
		return
	}

	resFirst, resSecond, err := s.engine.PlaceOCO(first, second, sigFirst, sigSecond)
	if err != nil {
		s.respondError(w, statusFor(err), "oco rejected", err)
		return
	}
	respondJSON(w, PlaceOCOResponse{
		First:  &PlaceOrderResponse{Order: resFirst.Order, Trades: resFirst.Trades},
		Second: &PlaceOrderResponse{Order: resSecond.Order, Trades: resSecond.Trades},
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !s.decode(w, r, &req) {
		return
	}

	sig, err := decodeHex(req.Signature)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed signature", err)
		return
	}

	o, err := s.engine.CancelOrder(req.OrderID, common.HexToAddress(req.Trader), req.Nonce, sig)
	if err != nil {
		s.respondError(w, statusFor(err), "cancel rejected", err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !s.decode(w, r, &req) {
		return
	}

	batch := make([]exchange.SignedTrade, 0, len(req.Trades))
	for _, entry := range req.Trades {
		sig, err := decodeHex(entry.Signature)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "malformed trade signature", err)
			return
		}
		batch = append(batch, exchange.SignedTrade{Trade: entry.Trade, Signature: sig})
	}

	reports := s.engine.SettleBatch(batch)
	results := make([]SettleResult, len(reports))
	for i, rep := range reports {
		results[i] = SettleResult{TradeID: rep.TradeID, Settled: rep.Err == nil}
		if rep.Err != nil {
			results[i].Error = rep.Err.Error()
		}
	}
	respondJSON(w, results)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := common.HexToAddress(req.Principal)
	if err := s.engine.Deposit(p, req.Asset, req.Amount); err != nil {
		s.respondError(w, statusFor(err), "deposit rejected", err)
		return
	}
	respondJSON(w, s.balanceOf(p, req.Asset))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := common.HexToAddress(req.Principal)
	if err := s.engine.Withdraw(p, req.Asset, req.Amount); err != nil {
		s.respondError(w, statusFor(err), "withdrawal rejected", err)
		return
	}
	respondJSON(w, s.balanceOf(p, req.Asset))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid order id", err)
		return
	}
	o, err := s.engine.Order(id)
	if err != nil {
		s.respondError(w, statusFor(err), "order not found", err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Pairs())
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	bids, asks, err := s.engine.Depth(symbol, 50)
	if err != nil {
		s.respondError(w, statusFor(err), "unknown pair", err)
		return
	}
	respondJSON(w, BookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		LastPrice: s.engine.LastPrice(symbol),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		s.respondError(w, http.StatusBadRequest, "invalid address", nil)
		return
	}
	respondJSON(w, s.balanceOf(common.HexToAddress(vars["address"]), vars["asset"]))
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addr) {
		s.respondError(w, http.StatusBadRequest, "invalid address", nil)
		return
	}
	p := common.HexToAddress(addr)
	respondJSON(w, NonceResponse{Principal: p.Hex(), Nonce: s.engine.ExpectedNonce(p)})
}

func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addr) {
		s.respondError(w, http.StatusBadRequest, "invalid address", nil)
		return
	}
	orders := s.engine.OpenOrders(common.HexToAddress(addr))
	if orders == nil {
		orders = []*core.Order{}
	}
	respondJSON(w, orders)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusResponse{
		Height: s.engine.Height(),
		Pairs:  len(s.engine.Pairs()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) balanceOf(p common.Address, asset string) BalanceResponse {
	b := s.engine.Balance(p, asset)
	return BalanceResponse{
		Principal: p.Hex(),
		Asset:     asset,
		Available: b.Available,
		Locked:    b.Locked,
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, label string, err error) {
	resp := ErrorResponse{Error: label}
	if err != nil {
		resp.Message = err.Error()
	}
	s.log.Debug("request rejected", zap.String("error", label), zap.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
