// Package api exposes the tunnel state machine over a local HTTP control
// socket.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"

	"github.com/fosrl/tunnelctl/logger"
	"github.com/fosrl/tunnelctl/tunnelstate"
)

// CommandSender is the state machine's command ingress.
type CommandSender interface {
	Send(cmd tunnelstate.TunnelCommand) error
}

// AllowLANRequest is the body of /allow-lan.
type AllowLANRequest struct {
	Allow bool `json:"allow"`
}

// BlockWhenDisconnectedRequest is the body of /block-when-disconnected.
type BlockWhenDisconnectedRequest struct {
	Block bool `json:"block"`
}

// OfflineRequest is the body of /offline.
type OfflineRequest struct {
	Offline bool `json:"offline"`
}

// CustomDNSRequest is the body of /custom-dns. An empty list turns custom
// DNS off.
type CustomDNSRequest struct {
	Servers []string `json:"servers"`
}

// BlockRequest is the body of /block.
type BlockRequest struct {
	Kind   tunnelstate.CauseKind `json:"kind"`
	Detail string                `json:"detail,omitempty"`
}

// API represents the HTTP server and its state
type API struct {
	addr       string
	socketPath string
	listener   net.Listener
	server     *http.Server

	mu     sync.RWMutex
	sender CommandSender

	status       *Status
	events       *eventHub
	metrics      http.Handler
	shutdownChan chan struct{}
}

// NewAPI creates a new HTTP server that listens on a TCP address. sender
// may be nil and attached later with SetCommandSender; commands are refused
// until then.
func NewAPI(addr string, sender CommandSender, status *Status) *API {
	return &API{
		addr:         addr,
		sender:       sender,
		status:       status,
		events:       newEventHub(),
		shutdownChan: make(chan struct{}, 1),
	}
}

// NewAPISocket creates a new HTTP server that listens on a Unix socket
func NewAPISocket(socketPath string, sender CommandSender, status *Status) *API {
	s := NewAPI("", sender, status)
	s.socketPath = socketPath
	return s
}

// SetCommandSender attaches the state machine once it is running.
func (s *API) SetCommandSender(sender CommandSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

func (s *API) commandSender() CommandSender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sender
}

// SetMetricsHandler serves h on /metrics.
func (s *API) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

func (s *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/block", s.handleBlock)
	mux.HandleFunc("/allow-lan", s.handleAllowLAN)
	mux.HandleFunc("/block-when-disconnected", s.handleBlockWhenDisconnected)
	mux.HandleFunc("/custom-dns", s.handleCustomDNS)
	mux.HandleFunc("/offline", s.handleOffline)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/exit", s.handleExit)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start starts the HTTP server
func (s *API) Start() error {
	s.server = &http.Server{Handler: s.Handler()}

	var err error
	if s.socketPath != "" {
		s.listener, err = createSocketListener(s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to create socket listener: %w", err)
		}
		logger.Info("api: starting HTTP server on socket %s", s.socketPath)
	} else {
		s.listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to create TCP listener: %w", err)
		}
		logger.Info("api: starting HTTP server on %s", s.addr)
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api: HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop stops the HTTP server
func (s *API) Stop() error {
	logger.Info("api: stopping server")
	s.events.closeAll()
	if s.server != nil {
		s.server.Close()
	}
	if s.socketPath != "" {
		cleanupSocket(s.socketPath)
	}
	return nil
}

// GetShutdownChannel returns the channel for receiving shutdown requests
func (s *API) GetShutdownChannel() <-chan struct{} {
	return s.shutdownChan
}

// Publish records a transition and pushes it to event subscribers.
func (s *API) Publish(tr tunnelstate.TunnelStateTransition) {
	s.status.Update(tr)
	s.events.broadcast(EventMessage{Type: "transition", Data: s.status.Snapshot()})
}

// send forwards cmd to the state machine and writes the response.
func (s *API) send(w http.ResponseWriter, cmd tunnelstate.TunnelCommand, after func()) {
	sender := s.commandSender()
	if sender == nil {
		http.Error(w, tunnelstate.ErrCommandChannelClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := sender.Send(cmd); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if after != nil {
		after()
	}
	logger.Debug("api: forwarded %s", cmd)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.send(w, tunnelstate.Connect{}, nil)
}

func (s *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.send(w, tunnelstate.Disconnect{}, nil)
}

func (s *API) handleBlock(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req BlockRequest
	if !decode(w, r, &req) {
		return
	}
	s.send(w, tunnelstate.Block{Cause: tunnelstate.ErrorStateCause{Kind: req.Kind, Detail: req.Detail}}, nil)
}

func (s *API) handleAllowLAN(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req AllowLANRequest
	if !decode(w, r, &req) {
		return
	}
	s.send(w, tunnelstate.AllowLAN{Allow: req.Allow}, func() { s.status.SetAllowLAN(req.Allow) })
}

func (s *API) handleBlockWhenDisconnected(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req BlockWhenDisconnectedRequest
	if !decode(w, r, &req) {
		return
	}
	s.send(w, tunnelstate.BlockWhenDisconnected{Block: req.Block}, func() { s.status.SetBlockWhenDisconnected(req.Block) })
}

func (s *API) handleOffline(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req OfflineRequest
	if !decode(w, r, &req) {
		return
	}
	s.send(w, tunnelstate.IsOffline{Offline: req.Offline}, func() { s.status.SetOffline(req.Offline) })
}

func (s *API) handleCustomDNS(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req CustomDNSRequest
	if !decode(w, r, &req) {
		return
	}
	servers := make([]netip.Addr, 0, len(req.Servers))
	for _, raw := range req.Servers {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid server %q: %v", raw, err), http.StatusBadRequest)
			return
		}
		servers = append(servers, addr)
	}
	s.send(w, tunnelstate.CustomDNS{Servers: servers}, func() { s.status.SetCustomDNS(servers) })
}

func (s *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	s.events.serve(w, r, EventMessage{Type: "status", Data: s.status.Snapshot()})
}

// handleExit handles the /exit endpoint
func (s *API) handleExit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	logger.Info("api: received exit request")
	select {
	case s.shutdownChan <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutdown initiated"})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("api: writing response: %v", err)
	}
}
