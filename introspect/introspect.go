// Package introspect serves a read-only JSON snapshot of a running
// core's node/port/link/driver state over a debug HTTP endpoint. It
// never mutates anything it reads: all topology edits still travel
// through core.Invoke per the data-loop ownership rule, and this
// package only ever takes the same locks those accessors already take
// internally.
//
// Grounded on the teacher's internal/core/health.go: a handful of
// http.HandlerFunc methods registered on a plain http.ServeMux behind
// a *http.Server with explicit timeouts, started in its own goroutine
// by a Serve/Start function mirroring StartHealthServer. JSON encoding
// uses github.com/sugawarayuuta/sonnet (codewanderer42820-evm_triarb's
// drop-in encoding/json replacement) instead of encoding/json.
package introspect

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/e7canasta/graphcore/core"
	"github.com/e7canasta/graphcore/gid"
	"github.com/e7canasta/graphcore/port"
)

// PortSnapshot describes one port's visible state.
type PortSnapshot struct {
	ID          gid.PortID   `json:"id"`
	Direction   string       `json:"direction"`
	State       string       `json:"state"`
	ReadyLinks  int          `json:"ready_links"`
	UsedLinks   int          `json:"used_links"`
	LinkIDs     []gid.LinkID `json:"link_ids,omitempty"`
}

// NodeSnapshot describes one node's visible state.
type NodeSnapshot struct {
	ID        gid.NodeID     `json:"id"`
	Name      string         `json:"name"`
	State     string         `json:"state"`
	LastError string         `json:"last_error,omitempty"`
	Driver    gid.NodeID     `json:"driver"`
	IsMaster  bool           `json:"is_master"`
	Inputs    []PortSnapshot `json:"inputs,omitempty"`
	Outputs   []PortSnapshot `json:"outputs,omitempty"`
}

// LinkSnapshot describes one link's visible state.
type LinkSnapshot struct {
	ID     gid.LinkID `json:"id"`
	State  string     `json:"state"`
	Output gid.PortRef `json:"output"`
	Input  gid.PortRef `json:"input"`
}

// Snapshot is the full graph view served at GET /graph.
type Snapshot struct {
	Nodes         []NodeSnapshot        `json:"nodes"`
	Links         []LinkSnapshot        `json:"links"`
	Drivers       map[gid.NodeID][]gid.NodeID `json:"drivers"`
	OverrunCount  uint64                `json:"overrun_count"`
}

// Build takes a point-in-time snapshot of c's node/link/driver state.
// Safe to call concurrently with the data-loop; every field it reads
// comes from accessors that already take their own lock.
func Build(c *core.Core) Snapshot {
	nodes := c.AllNodes()
	out := Snapshot{
		Nodes:        make([]NodeSnapshot, 0, len(nodes)),
		Drivers:      c.Graph().Drivers(),
		OverrunCount: c.Graph().OverrunCount(),
	}
	for _, n := range nodes {
		ns := NodeSnapshot{
			ID:        n.ID(),
			Name:      n.Name(),
			State:     n.State().String(),
			LastError: n.LastError(),
			Driver:    n.Driver(),
			IsMaster:  n.IsMaster(),
		}
		for _, p := range n.Ports(gid.DirInput) {
			ns.Inputs = append(ns.Inputs, portSnapshot(p))
		}
		for _, p := range n.Ports(gid.DirOutput) {
			ns.Outputs = append(ns.Outputs, portSnapshot(p))
		}
		out.Nodes = append(out.Nodes, ns)
	}
	for _, l := range c.AllLinks() {
		out.Links = append(out.Links, LinkSnapshot{
			ID:     l.ID(),
			State:  l.State().String(),
			Output: l.Output(),
			Input:  l.Input(),
		})
	}
	return out
}

func portSnapshot(p *port.Port) PortSnapshot {
	ready, used := p.LinkCounts()
	return PortSnapshot{
		ID:         p.ID(),
		Direction:  p.Direction().String(),
		State:      p.State().String(),
		ReadyLinks: ready,
		UsedLinks:  used,
		LinkIDs:    p.Links(),
	}
}

// Handler returns the http.Handler serving the introspection
// endpoints: GET /graph for the full Snapshot, GET /healthz for a
// trivial liveness probe, mirroring the teacher's /health and
// /readiness split without needing the worker-health fields this
// server has no equivalent of.
func Handler(c *core.Core) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/graph", func(w http.ResponseWriter, r *http.Request) {
		snap := Build(c)
		w.Header().Set("Content-Type", "application/json")
		if err := sonnet.NewEncoder(w).Encode(snap); err != nil {
			slog.Error("introspect: encode snapshot failed", "error", err)
		}
	})
	return mux
}

// Serve starts the introspection HTTP server on addr in its own
// goroutine and returns immediately, matching the teacher's
// StartHealthServer shape. The returned function shuts the server
// down gracefully; callers invoke it during core.Shutdown.
func Serve(addr string, c *core.Core) (shutdown func(context.Context) error) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      Handler(c),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("introspect server failed", "error", err)
		}
	}()

	slog.Info("introspect server listening", "addr", addr)
	return srv.Shutdown
}
