// Package httpapi implements the required HTTP/RPC surface of spec §6:
// POST /sim/start, POST /sim/stop, GET /sim/status, GET /health, and the
// GET /ws streaming endpoint. Grounded on server/unified/unified_server.go
// and server/hgql/server.go's gin + gin-contrib/cors wiring (the gin
// route/middleware idiom the teacher's go.mod stack is built for), with
// the WebSocket upgrade grounded on core/webserver/websocket.go's
// register/send-channel client shape, swapped onto
// github.com/gorilla/websocket since that -- not golang.org/x/net/
// websocket -- is the dependency actually declared in the teacher's
// go.mod.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/utilityfog/simcore/internal/config"
	"github.com/utilityfog/simcore/internal/runmanager"
	"github.com/utilityfog/simcore/internal/simbridge"
)

// Server owns the gin engine and its binding to a runmanager.Manager.
type Server struct {
	engine  *gin.Engine
	manager *runmanager.Manager
	started time.Time
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds a Server wired to manager, with CORS and recovery middleware
// matching the teacher's unified_server.go setup.
func New(manager *runmanager.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"*"}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	engine.Use(cors.New(corsCfg))

	s := &Server{engine: engine, manager: manager, started: time.Now()}
	s.routes()
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for http.ListenAndServe.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.POST("/sim/start", s.handleStart)
	s.engine.POST("/sim/stop", s.handleStop)
	s.engine.GET("/sim/status", s.handleStatus)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws", s.handleStream)
}

// handleStart implements `POST /sim/start` (spec §6): body = config,
// returns { run_id, status: "starting" }.
func (s *Server) handleStart(c *gin.Context) {
	cfg := config.Default()
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "configuration_error", "field": "body", "detail": err.Error()})
		return
	}

	runID, err := s.manager.CreateRun(cfg)
	if err != nil {
		if cfgErr, ok := err.(*config.Error); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "configuration_error", "field": cfgErr.Field, "detail": cfgErr.Detail})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run construction failed", "detail": err.Error()})
		return
	}

	if err := s.manager.Start(runID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run start failed", "detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "starting"})
}

type stopRequest struct {
	RunID string `json:"run_id"`
}

// handleStop implements `POST /sim/stop` (spec §6): body = { run_id },
// returns { status: "stopped" } or 404 if unknown.
func (s *Server) handleStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RunID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id is required"})
		return
	}

	if err := s.manager.Stop(req.RunID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run_id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleStatus implements `GET /sim/status` (spec §6): optional run_id,
// returns a single snapshot or the full list.
func (s *Server) handleStatus(c *gin.Context) {
	runID := c.Query("run_id")
	if runID == "" {
		c.JSON(http.StatusOK, gin.H{"runs": s.manager.List()})
		return
	}
	snap, err := s.manager.Status(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run_id"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleHealth implements `GET /health` (spec §6): liveness probe
// reporting each live run's bridge subscriber count.
func (s *Server) handleHealth(c *gin.Context) {
	bridgeStatus := make(map[string]int)
	for _, snap := range s.manager.List() {
		if b, ok := s.manager.Bridge(snap.RunID); ok {
			bridgeStatus[snap.RunID] = b.SubscriberCount()
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "bridge_status": bridgeStatus})
}

type clientMessage struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"event_types"`
}

// handleStream implements the `GET /ws?run_id=` streaming endpoint (spec
// §6): server-to-client messages are the seven simbridge wire messages;
// client-to-server supports `ping`->`pong` and `subscribe`. An unknown
// run_id closes the stream with a terminal error message.
func (s *Server) handleStream(c *gin.Context) {
	runID := c.Query("run_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	bridge, ok := s.manager.Bridge(runID)
	if !ok {
		_ = conn.WriteJSON(simbridge.Message{Type: simbridge.MessageError, Data: map[string]any{
			"error": "unknown_run_id", "detail": runID,
		}})
		return
	}

	sub := bridge.Subscribe(nil)
	defer func() {
		sub.Close()
		s.manager.ReleaseIfDone(runID)
	}()

	done := make(chan struct{})
	go s.readClientMessages(conn, sub, done)

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readClientMessages(conn *websocket.Conn, sub *simbridge.Subscription, done chan<- struct{}) {
	defer close(done)
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "ping":
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		case "subscribe":
			sub.SetFilter(msg.EventTypes)
		}
	}
}
