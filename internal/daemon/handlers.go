package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/omerta-net/netcore/internal/auth"
	"github.com/omerta-net/netcore/internal/job"
	"github.com/omerta-net/netcore/pkg/vmnet"
	"github.com/omerta-net/netcore/pkg/wire"
)

// maxRequestBodySize limits JSON request bodies to prevent unbounded
// memory consumption from oversized or malicious payloads.
const maxRequestBodySize = 1 << 20 // 1 MB

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/connections", s.handleConnectionList)
	mux.HandleFunc("GET /v1/auth", s.handleAuthList)
	mux.HandleFunc("POST /v1/auth", s.handleAuthAdd)
	mux.HandleFunc("DELETE /v1/auth/{peer_id}", s.handleAuthRemove)
	mux.HandleFunc("POST /v1/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
}

func wantsText(r *http.Request) bool {
	if r.URL.Query().Get("format") == "text" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/plain")
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprint(w, text)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rt := s.runtime
	h := rt.Host()

	listenAddrs := make([]string, 0, len(h.Addrs()))
	for _, addr := range h.Addrs() {
		listenAddrs = append(listenAddrs, addr.String())
	}

	resp := StatusResponse{
		PeerID:         h.ID().String(),
		Version:        rt.Version(),
		UptimeSeconds:  int(time.Since(rt.StartTime()).Seconds()),
		ConnectedPeers: len(h.Network().Peers()),
		ListenAddrs:    listenAddrs,
	}

	if wantsText(r) {
		var sb strings.Builder
		fmt.Fprintf(&sb, "peer_id: %s\n", resp.PeerID)
		fmt.Fprintf(&sb, "version: %s\n", resp.Version)
		fmt.Fprintf(&sb, "uptime: %ds\n", resp.UptimeSeconds)
		fmt.Fprintf(&sb, "connected_peers: %d\n", resp.ConnectedPeers)
		fmt.Fprintf(&sb, "listen_addresses: %d\n", len(resp.ListenAddrs))
		for _, a := range resp.ListenAddrs {
			fmt.Fprintf(&sb, "  %s\n", a)
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnectionList(w http.ResponseWriter, r *http.Request) {
	sess := s.runtime.Session()
	if sess == nil {
		respondJSON(w, http.StatusOK, []ConnectionInfo{})
		return
	}

	conns := sess.ListConnections()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, pc := range conns {
		info := ConnectionInfo{
			PeerID:         pc.PeerID,
			ConnectionType: string(pc.ConnectionType),
			IsRelayed:      pc.IsRelayed,
		}
		if pc.Session != nil {
			info.TunnelState = string(pc.Session.State())
		}
		infos = append(infos, info)
	}

	if wantsText(r) {
		var sb strings.Builder
		for _, c := range infos {
			fmt.Fprintf(&sb, "%s\t%s\trelayed=%v\tstate=%s\n", c.PeerID, c.ConnectionType, c.IsRelayed, c.TunnelState)
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}

	respondJSON(w, http.StatusOK, infos)
}

func (s *Server) handleAuthList(w http.ResponseWriter, r *http.Request) {
	authPath := s.runtime.AuthKeysPath()
	if authPath == "" {
		respondJSON(w, http.StatusOK, []AuthEntry{})
		return
	}

	peers, err := auth.ListPeers(authPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]AuthEntry, 0, len(peers))
	for _, p := range peers {
		e := AuthEntry{
			PeerID:   p.PeerID.String(),
			Comment:  p.Comment,
			Verified: p.Verified,
			Role:     auth.GetPeerRole(authPath, p.PeerID),
		}
		if !p.ExpiresAt.IsZero() {
			e.ExpiresAt = p.ExpiresAt.Format(time.RFC3339)
		}
		entries = append(entries, e)
	}

	if wantsText(r) {
		var sb strings.Builder
		for _, e := range entries {
			if e.Comment != "" {
				fmt.Fprintf(&sb, "%s\t# %s\n", e.PeerID, e.Comment)
			} else {
				fmt.Fprintf(&sb, "%s\n", e.PeerID)
			}
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuthAdd(w http.ResponseWriter, r *http.Request) {
	var req AuthAddRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PeerID == "" {
		respondError(w, http.StatusBadRequest, "peer_id is required")
		return
	}

	authPath := s.runtime.AuthKeysPath()
	if authPath == "" {
		respondError(w, http.StatusBadRequest, "connection gating is not enabled")
		return
	}

	if err := auth.AddPeer(authPath, req.PeerID, req.Comment); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.reloadGater(); err != nil {
		slog.Error("failed to reload gater after adding peer", "error", err)
		respondError(w, http.StatusInternalServerError, "peer added but gater reload failed: "+err.Error())
		return
	}

	slog.Info("authorized peer added via API", "peer", shortPeerID(req.PeerID))
	respondJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleAuthRemove(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peer_id")
	if peerID == "" {
		respondError(w, http.StatusBadRequest, "peer_id is required")
		return
	}

	authPath := s.runtime.AuthKeysPath()
	if authPath == "" {
		respondError(w, http.StatusBadRequest, "connection gating is not enabled")
		return
	}

	if err := auth.RemovePeer(authPath, peerID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.reloadGater(); err != nil {
		slog.Error("failed to reload gater after removing peer", "error", err)
	}

	slog.Info("authorized peer removed via API", "peer", shortPeerID(peerID))
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) reloadGater() error {
	gater := s.runtime.GaterForHotReload()
	if gater == nil {
		return nil
	}
	return gater.ReloadFromFile()
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PeerID == "" {
		respondError(w, http.StatusBadRequest, "peer_id is required")
		return
	}

	targetPeerID, err := peer.Decode(req.PeerID)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid peer id %q: %v", req.PeerID, err))
		return
	}

	if err := s.runtime.ConnectToPeer(r.Context(), targetPeerID); err != nil {
		respondError(w, http.StatusBadGateway, fmt.Sprintf("cannot reach peer %q: %v", req.PeerID, err))
		return
	}

	sess := s.runtime.Session()
	if sess == nil {
		respondError(w, http.StatusInternalServerError, "session manager not available")
		return
	}
	pc, ok := sess.GetConnection(req.PeerID)
	if !ok {
		respondError(w, http.StatusInternalServerError, "connect succeeded but no connection cached")
		return
	}

	slog.Info("peer connected via API", "peer", shortPeerID(req.PeerID), "connectionType", pc.ConnectionType)
	respondJSON(w, http.StatusOK, ConnectResponse{
		PeerID:         pc.PeerID,
		ConnectionType: string(pc.ConnectionType),
		IsRelayed:      pc.IsRelayed,
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobID == "" || req.ConsumerPeerID == "" {
		respondError(w, http.StatusBadRequest, "job_id and consumer_peer_id are required")
		return
	}

	netCfg := job.VMNetworkConfig{
		Mode:        vmnet.Mode(req.Mode),
		SampleRate:  req.SampleRate,
		FlowTimeout: time.Duration(req.FlowTimeoutSeconds) * time.Second,
		MTU:         req.MTU,
	}
	if req.ConsumerAddr != "" {
		ep, err := wire.NewEndpoint(req.ConsumerAddr, req.ConsumerPort)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid consumer_addr: %v", err))
			return
		}
		netCfg.ConsumerEndpoint = &ep
	}

	submission := job.JobSubmission{
		JobID:          req.JobID,
		ConsumerPeerID: req.ConsumerPeerID,
		Network:        netCfg,
	}

	result := s.runtime.SubmitJob(r.Context(), submission)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	slog.Info("job submission handled", "jobId", result.JobID, "success", result.Success, "failure", result.Failure)
	respondJSON(w, status, SubmitJobResponse{
		JobID:   result.JobID,
		Success: result.Success,
		Failure: string(result.Failure),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	go func() {
		time.Sleep(100 * time.Millisecond) // let response flush
		close(s.shutdownCh)
	}()
}

func shortPeerID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16] + "..."
}
