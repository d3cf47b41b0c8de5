// Package diag serves a node's live state and Prometheus metrics over
// HTTP, the way the teacher's cmd/exporter_example2 wires promhttp.Handler
// onto a plain net/http server (no router/JSON library appears anywhere
// in the example corpus, so this stays on net/http and encoding/json).
package diag

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/dkrupke/mlst-mesh/pkg/mlst"
	"github.com/dkrupke/mlst-mesh/pkg/pvn"
	"github.com/dkrupke/mlst-mesh/pkg/rsu"
)

// Fder is implemented by the radio channels that expose their underlying
// socket (pkg/radio/udpradio's Broadcast/Unicast), surfaced here purely for
// operator diagnostics; the in-memory sim medium used in tests need not
// implement it, so every Channels field is optional.
type Fder interface {
	FD() int
}

// Channels names the node's three sockets for fd reporting at /state. A nil
// field reports as -1.
type Channels struct {
	Broadcast Fder
	Data      Fder
	Ack       Fder
}

// Server exposes /state (a JSON snapshot of node, neighbor and RSU state)
// and /metrics (Prometheus exposition) for one node.
type Server struct {
	node     *mlst.Node
	pvn      *pvn.PVN
	rsu      *rsu.RSU
	channels Channels
	log      logrus.FieldLogger
	mux      *http.ServeMux
}

// stateResponse is the JSON body served at /state.
type stateResponse struct {
	Node      mlst.State   `json:"node"`
	Neighbors []pvn.Entry  `json:"neighbors"`
	PVN       pvn.PVNState `json:"pvn"`
	RSU       rsu.RSUState `json:"rsu"`
	FDs       fdState      `json:"fds"`
}

type fdState struct {
	Broadcast int `json:"broadcast"`
	Data      int `json:"data"`
	Ack       int `json:"ack"`
}

// New builds a Server. gatherer is usually prometheus.DefaultGatherer.
func New(node *mlst.Node, p *pvn.PVN, r *rsu.RSU, channels Channels, gatherer prometheus.Gatherer, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{node: node, pvn: p, rsu: r, channels: channels, log: log.WithField("component", "diag"), mux: http.NewServeMux()}
	s.mux.HandleFunc("/state", s.withRequestID(s.handleState))
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s
}

// withRequestID tags every /state request with a unique id, logged and
// echoed back in a response header, the way cmd/exporter_example2 tags
// each accepted connection with xid.New().String() for correlation.
func (s *Server) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()
		w.Header().Set("X-Request-Id", id)
		s.log.WithFields(logrus.Fields{"request_id": id, "remote": r.RemoteAddr}).Debug("diag: request")
		next(w, r)
	}
}

// ListenAndServe blocks, serving on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

// Handler returns the underlying mux for embedding in a larger server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		Node:      s.node.State(),
		Neighbors: s.pvn.Neighbors(),
		PVN:       s.pvn.State(),
		RSU:       s.rsu.State(),
		FDs: fdState{
			Broadcast: fdOrUnset(s.channels.Broadcast),
			Data:      fdOrUnset(s.channels.Data),
			Ack:       fdOrUnset(s.channels.Ack),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func fdOrUnset(f Fder) int {
	if f == nil {
		return -1
	}
	return f.FD()
}
