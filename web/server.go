package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"lines-service/config"
	"lines-service/logger"
	"lines-service/pkg/models"
	"lines-service/services"
)

// GameReader 查询已保存的线路
type GameReader interface {
	GetGames(ctx context.Context, limit, offset int) ([]models.GameSnapshot, error)
	GetGame(ctx context.Context, id int64) (*models.GameSnapshot, error)
}

// WorkerStatus 工作器运行状态
type WorkerStatus interface {
	State() services.CycleState
	Cycles() int64
	FailedCycles() int64
}

// BrokerStatus broker 连接状态
type BrokerStatus interface {
	ConnectionClosed() bool
}

// Dependencies Server 的可选依赖，nil 表示未启用
type Dependencies struct {
	Games    GameReader
	Worker   WorkerStatus
	Broker   BrokerStatus
	Stats    *services.MessageStatsTracker
	Gatherer prometheus.Gatherer
	Cache    *services.QueryCache
}

type Server struct {
	config     *config.Config
	deps       Dependencies
	wsHub      *Hub
	httpServer *http.Server
	upgrader   websocket.Upgrader
	started    time.Time
}

func NewServer(cfg *config.Config, hub *Hub, deps Dependencies) *Server {
	return &Server{
		config:  cfg,
		deps:    deps,
		wsHub:   hub,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源(生产环境需要限制)
			},
		},
	}
}

// Handler 组装路由和 CORS
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/games", s.handleGetGames).Methods("GET")
	api.HandleFunc("/games/{game_id:[0-9]+}", s.handleGetGame).Methods("GET")
	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")

	router.HandleFunc("/ws", s.handleWebSocket)

	if s.deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return c.Handler(router)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("HTTP server listening", nil, zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Error(err, "Server shutdown error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("Failed to encode response", nil, zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth 健康检查；broker 断开时返回 503
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	body := map[string]interface{}{
		"time":   time.Now().Unix(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}

	if s.deps.Worker != nil {
		body["state"] = s.deps.Worker.State().String()
		body["cycles"] = s.deps.Worker.Cycles()
		body["failed_cycles"] = s.deps.Worker.FailedCycles()
	}
	if s.deps.Broker != nil {
		connected := !s.deps.Broker.ConnectionClosed()
		body["broker_connected"] = connected
		if !connected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.wsHub != nil {
		body["ws_clients"] = s.wsHub.ClientCount()
	}

	body["status"] = status
	writeJSON(w, code, body)
}

// handleGetGames 获取比赛列表
func (s *Server) handleGetGames(w http.ResponseWriter, r *http.Request) {
	if s.deps.Games == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(query.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	cacheKey := services.GenerateCacheKey("games", map[string]int{"limit": limit, "offset": offset})
	if s.deps.Cache != nil {
		if cached, ok := s.deps.Cache.Get(cacheKey); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	games, err := s.deps.Games.GetGames(r.Context(), limit, offset)
	if err != nil {
		logger.Error(err, "Failed to query games", nil)
		writeError(w, http.StatusInternalServerError, "failed to query games")
		return
	}

	body := map[string]interface{}{
		"games":  games,
		"limit":  limit,
		"offset": offset,
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Set(cacheKey, body)
	}
	writeJSON(w, http.StatusOK, body)
}

// handleGetGame 获取单场比赛
func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	if s.deps.Games == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["game_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}

	game, err := s.deps.Games.GetGame(r.Context(), id)
	if errors.Is(err, services.ErrGameNotFound) {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	if err != nil {
		logger.Error(err, "Failed to query game", logger.GameID(id))
		writeError(w, http.StatusInternalServerError, "failed to query game")
		return
	}

	writeJSON(w, http.StatusOK, game)
}

// handleGetStats 获取统计信息
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{}
	if s.deps.Stats != nil {
		body["received"] = s.deps.Stats.Snapshot()
	}
	if s.deps.Worker != nil {
		body["cycles"] = s.deps.Worker.Cycles()
		body["failed_cycles"] = s.deps.Worker.FailedCycles()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleWebSocket WebSocket连接处理
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket disabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade error", nil, zap.Error(err))
		return
	}

	client := &Client{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	client.send <- marshalMessage(&WSMessage{
		Type: "connected",
		Data: map[string]interface{}{
			"message": "Connected to lines WebSocket",
			"time":    time.Now().Unix(),
		},
	})
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
