// Package server is a small document store speaking the protocol of
// remote.HTTPClient. It backs `crmsync serve` for local development and
// the end-to-end tests of the HTTP client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/thisai/crmsync/internal/remote"
)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8787")
	Addr string

	// DBPath of the SQLite database ("" = in-memory)
	DBPath string

	// Token required as a bearer token ("" = no auth)
	Token string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr: ":8787",
	}
}

// Server is the development document store.
type Server struct {
	cfg    *Config
	store  *docStore
	hub    *hub
	engine *gin.Engine

	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
	logger   *log.Logger
}

// New opens the database and builds the router.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	store, err := openDocStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		store:  store,
		hub:    newHub(logger),
		logger: logger,
	}
	s.engine = s.router()
	return s, nil
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Tenant-ID"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1/collections/:collection")
	v1.Use(auth(s.cfg.Token))
	{
		v1.GET("/docs", s.listDocs)
		v1.POST("/docs", s.createDoc)
		v1.PUT("/docs/:id", s.putDoc)
		v1.PATCH("/docs/:id", s.patchDoc)
		v1.DELETE("/docs/:id", s.deleteDoc)
		v1.GET("/subscribe", s.subscribe)
	}
	return r
}

// Handler returns the HTTP handler, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Document server listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop shuts the server down and closes the database.
func (s *Server) Stop() error {
	s.hub.closeAll()
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		s.wg.Wait()
	}
	return s.store.Close()
}

func (s *Server) writeError(c *gin.Context, err error) {
	if errors.Is(err, errDocNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.Printf("Request failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func bindDoc(c *gin.Context) (map[string]any, bool) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return nil, false
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, true
}

func (s *Server) listDocs(c *gin.Context) {
	docs, err := s.store.list(c.Request.Context(), tenantFromContext(c), c.Param("collection"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (s *Server) createDoc(c *gin.Context) {
	body, ok := bindDoc(c)
	if !ok {
		return
	}
	tenant, collection := tenantFromContext(c), c.Param("collection")
	doc, err := s.store.create(c.Request.Context(), tenant, collection, body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, _ := doc["id"].(string)
	s.hub.publish(tenant, remote.Event{Type: remote.EventCreated, Collection: collection, ID: id, Data: doc})
	c.JSON(http.StatusCreated, doc)
}

func (s *Server) putDoc(c *gin.Context) {
	body, ok := bindDoc(c)
	if !ok {
		return
	}
	tenant, collection, id := tenantFromContext(c), c.Param("collection"), c.Param("id")
	if err := s.store.put(c.Request.Context(), tenant, collection, id, body); err != nil {
		s.writeError(c, err)
		return
	}
	doc := withID(body, id)
	s.hub.publish(tenant, remote.Event{Type: remote.EventCreated, Collection: collection, ID: id, Data: doc})
	c.JSON(http.StatusOK, doc)
}

func (s *Server) patchDoc(c *gin.Context) {
	body, ok := bindDoc(c)
	if !ok {
		return
	}
	tenant, collection, id := tenantFromContext(c), c.Param("collection"), c.Param("id")
	doc, err := s.store.patch(c.Request.Context(), tenant, collection, id, body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.hub.publish(tenant, remote.Event{Type: remote.EventUpdated, Collection: collection, ID: id, Data: doc})
	c.JSON(http.StatusOK, doc)
}

func (s *Server) deleteDoc(c *gin.Context) {
	tenant, collection, id := tenantFromContext(c), c.Param("collection"), c.Param("id")
	if err := s.store.delete(c.Request.Context(), tenant, collection, id); err != nil {
		s.writeError(c, err)
		return
	}
	s.hub.publish(tenant, remote.Event{Type: remote.EventDeleted, Collection: collection, ID: id})
	c.Status(http.StatusNoContent)
}

// subscribe upgrades to a websocket and streams collection events.
func (s *Server) subscribe(c *gin.Context) {
	tenant, collection := tenantFromContext(c), c.Param("collection")

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	n := s.hub.add(tenant, collection, conn)
	s.logger.Printf("Subscriber connected to %s/%s (total: %d)", tenant, collection, n)
	defer s.hub.remove(tenant, collection, conn)

	// Keep the connection open until the client goes away.
	ctx := c.Request.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Subscribers returns the number of live subscriptions for a collection.
func (s *Server) Subscribers(tenant, collection string) int {
	return s.hub.count(tenant, collection)
}
