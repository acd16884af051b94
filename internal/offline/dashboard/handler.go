package dashboard

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/thisai/crmsync/internal/connectivity"
	"github.com/thisai/crmsync/internal/offline/queue"
	"github.com/thisai/crmsync/internal/offline/repository"
	"github.com/thisai/crmsync/internal/offline/store"
	offsync "github.com/thisai/crmsync/internal/offline/sync"
)

// StatusData is the payload of a status message and of GET /status.
type StatusData struct {
	Sync   offsync.Status           `json:"sync"`
	Stores []repository.StoreStatus `json:"stores,omitempty"`
	Queue  *queue.Counts            `json:"queue,omitempty"`
	Resets []store.ResetEvent       `json:"resets,omitempty"`
}

// DrainCompleteData describes a finished drain.
type DrainCompleteData struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Cancelled int           `json:"cancelled"`
	Passes    int           `json:"passes"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
}

// ConnectivityData reports a connectivity transition.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// Handler bridges engine, monitor and store events to dashboard messages.
type Handler struct {
	server *Server
	engine *offsync.Engine
	repos  *repository.Set
	logger *log.Logger

	mu      sync.Mutex
	syncing bool
	resets  []store.ResetEvent
	unsubs  []func()
}

// NewHandler creates a handler publishing to server and installs its
// Snapshot as the server's status source. repos may be nil, in which case
// status messages carry no per-store counts.
func NewHandler(server *Server, engine *offsync.Engine, repos *repository.Set, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	h := &Handler{
		server: server,
		engine: engine,
		repos:  repos,
		logger: logger,
	}
	server.SetSnapshot(h.Snapshot)
	return h
}

// Attach subscribes to engine status changes and, when monitor is not nil,
// to connectivity transitions.
func (h *Handler) Attach(monitor *connectivity.Monitor) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubs = append(h.unsubs, h.engine.Subscribe(h.OnStatus))
	if monitor != nil {
		h.unsubs = append(h.unsubs, monitor.Subscribe(h.OnConnectivity))
	}
}

// Detach drops every subscription made by Attach.
func (h *Handler) Detach() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Snapshot builds the current status payload. It matches SnapshotFunc.
func (h *Handler) Snapshot(ctx context.Context) (any, error) {
	return h.snapshot(ctx, h.engine.Status(ctx))
}

func (h *Handler) snapshot(ctx context.Context, st offsync.Status) (*StatusData, error) {
	data := &StatusData{Sync: st}
	if h.repos != nil {
		stats, err := h.repos.Stats(ctx)
		if err != nil {
			return nil, err
		}
		data.Stores = stats.Stores
		data.Queue = &stats.Queue
	}
	h.mu.Lock()
	data.Resets = append([]store.ResetEvent(nil), h.resets...)
	h.mu.Unlock()
	return data, nil
}

// OnStatus publishes a status message, plus drain_complete when a drain
// just finished.
func (h *Handler) OnStatus(st offsync.Status) {
	h.mu.Lock()
	finished := h.syncing && !st.Syncing
	h.syncing = st.Syncing
	h.mu.Unlock()

	data, err := h.snapshot(context.Background(), st)
	if err != nil {
		h.logger.Printf("Failed to build status: %v", err)
		data = &StatusData{Sync: st}
	}
	if err := h.server.Publish(MessageTypeStatus, data); err != nil {
		h.logger.Print(err)
	}

	if finished && st.LastResult != nil {
		h.OnDrainComplete(st.LastResult)
	}
}

// OnDrainComplete publishes a drain summary.
func (h *Handler) OnDrainComplete(res *offsync.DrainResult) {
	if res.Skipped || res.Offline {
		return
	}
	data := DrainCompleteData{
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Deferred:  res.Deferred,
		Cancelled: res.Cancelled,
		Passes:    res.Passes,
		Duration:  res.Duration,
		Errors:    res.Errors,
	}
	if err := h.server.Publish(MessageTypeDrainComplete, data); err != nil {
		h.logger.Print(err)
	}
}

// OnConnectivity publishes a connectivity transition.
func (h *Handler) OnConnectivity(online bool) {
	h.logger.Printf("Connectivity changed: online=%v", online)
	if err := h.server.Publish(MessageTypeConnectivity, ConnectivityData{Online: online}); err != nil {
		h.logger.Print(err)
	}
}

// OnSchemaReset records and publishes a destructive database reset. It
// matches store.Options.OnReset.
func (h *Handler) OnSchemaReset(ev store.ResetEvent) {
	h.mu.Lock()
	h.resets = append(h.resets, ev)
	h.mu.Unlock()

	if err := h.server.Publish(MessageTypeSchemaReset, ev); err != nil {
		h.logger.Print(err)
	}
}
