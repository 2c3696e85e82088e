// Package web serves the run status API and a small dashboard: recent
// runs and their stage ledger over HTTP, live run results over a
// websocket fed from the pipeline's subscription stream.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"neuroprep/internal/engines"
	"neuroprep/internal/pipeline"
	"neuroprep/internal/storage"
)

// Server exposes pipeline state over HTTP and websocket.
type Server struct {
	addr     string
	log      *slog.Logger
	store    *storage.Store
	pipe     *pipeline.Pipeline
	mgr      *engines.Manager
	upgrader websocket.Upgrader
	hub      *hub
}

type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewServer wires the status server to a pipeline, its run ledger and the
// engine manager.
func NewServer(addr string, logger *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, mgr *engines.Manager) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:  addr,
		log:   logger,
		store: store,
		pipe:  pipe,
		mgr:   mgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: &hub{
			clients:    make(map[*websocket.Conn]bool),
			broadcast:  make(chan []byte, 16),
			register:   make(chan *websocket.Conn),
			unregister: make(chan *websocket.Conn),
		},
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.forwardResults(ctx)

	server := &http.Server{Addr: s.addr, Handler: s.routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info("status server listening", "addr", s.addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", s.handleDashboard).Methods("GET")
	router.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	router.HandleFunc("/api/runs/{id}/stages", s.handleStages).Methods("GET")
	router.HandleFunc("/api/runs/{id}/meta", s.handleMeta).Methods("GET")
	router.HandleFunc("/api/engines", s.handleEngines).Methods("GET")
	router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return router
}

// runEvent is the websocket payload for one finished run.
type runEvent struct {
	RunID    string         `json:"runId"`
	Type     string         `json:"type"`
	Subject  string         `json:"subject"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Finished time.Time      `json:"finished"`
}

func (s *Server) forwardResults(ctx context.Context) {
	if s.pipe == nil {
		return
	}
	results, unsub := s.pipe.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			ev := runEvent{
				RunID:    res.Job.ID,
				Type:     string(res.Job.Type),
				Subject:  res.Job.Subject,
				Status:   "completed",
				Meta:     res.Meta,
				Finished: time.Now(),
			}
			if res.Error != nil {
				ev.Status = "failed"
				ev.Error = res.Error.Error()
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case s.hub.broadcast <- payload:
			default:
				s.log.Warn("websocket broadcast buffer full, dropping event", "run", ev.RunID)
			}
		}
	}
}

type runView struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Subject     string     `json:"subject"`
	InputPath   string     `json:"inputPath"`
	OutputPath  string     `json:"outputPath"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentRuns(50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]runView, len(runs))
	for i, rec := range runs {
		views[i] = runView{
			ID:          rec.ID,
			Type:        rec.JobType,
			Status:      rec.Status,
			Subject:     rec.Subject,
			InputPath:   rec.InputPath,
			OutputPath:  rec.OutputPath,
			Error:       rec.Error,
			CreatedAt:   rec.CreatedAt,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		}
	}
	writeJSON(w, views)
}

type stageView struct {
	Modality string `json:"modality"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	Artifact string `json:"artifact"`
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.store.StageEvents(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]stageView, len(events))
	for i, ev := range events {
		views[i] = stageView{
			Modality: ev.Modality,
			Stage:    ev.Stage,
			Status:   ev.Status,
			Artifact: ev.Artifact,
		}
	}
	writeJSON(w, views)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.RunMeta(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, meta)
}

type engineView struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	views := make(map[string]engineView)
	for name, st := range s.mgr.EngineStatus() {
		v := engineView{Available: st.Available, Path: st.Path}
		if st.Err != nil {
			v.Error = st.Err.Error()
		}
		views[name] = v
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>neuroprep</title>
    <style>
        :root {
            --bg: #0f172a;
            --panel: #1e293b;
            --text: #f8fafc;
            --muted: #94a3b8;
            --accent: #3b82f6;
            --ok: #10b981;
            --fail: #ef4444;
            --border: #475569;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { font-family: 'Segoe UI', sans-serif; background: var(--bg); color: var(--text); }
        .header { background: var(--panel); padding: 1rem 2rem; border-bottom: 1px solid var(--border); }
        .logo { font-size: 1.3rem; font-weight: bold; color: var(--accent); }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 1rem; padding: 2rem; }
        .card { background: var(--panel); border: 1px solid var(--border); border-radius: 8px; padding: 1.2rem; }
        .card h2 { font-size: 1rem; margin-bottom: 0.8rem; color: var(--muted); }
        table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
        th, td { text-align: left; padding: 0.4rem 0.6rem; border-bottom: 1px solid var(--border); }
        .completed { color: var(--ok); }
        .failed { color: var(--fail); }
        .running, .queued { color: var(--accent); }
        #events div { padding: 0.3rem 0; font-size: 0.8rem; border-bottom: 1px solid var(--border); }
    </style>
</head>
<body>
    <div class="header"><span class="logo">neuroprep</span></div>
    <div class="grid">
        <div class="card">
            <h2>Recent runs</h2>
            <table>
                <thead><tr><th>Subject</th><th>Type</th><th>Status</th><th>Created</th></tr></thead>
                <tbody id="runs"></tbody>
            </table>
        </div>
        <div class="card">
            <h2>Live events</h2>
            <div id="events"></div>
        </div>
    </div>
    <script>
        async function refreshRuns() {
            const res = await fetch('/api/runs');
            const runs = await res.json();
            const body = document.getElementById('runs');
            body.innerHTML = '';
            for (const run of runs) {
                const tr = document.createElement('tr');
                tr.innerHTML = '<td>' + (run.subject || run.id) + '</td>' +
                    '<td>' + run.type + '</td>' +
                    '<td class="' + run.status + '">' + run.status + '</td>' +
                    '<td>' + new Date(run.createdAt).toLocaleString() + '</td>';
                body.appendChild(tr);
            }
        }

        const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const ws = new WebSocket(proto + location.host + '/ws');
        ws.onmessage = (msg) => {
            const ev = JSON.parse(msg.data);
            const div = document.createElement('div');
            div.className = ev.status;
            div.textContent = ev.subject + ' ' + ev.type + ': ' + ev.status + (ev.error ? ' (' + ev.error + ')' : '');
            const events = document.getElementById('events');
            events.prepend(div);
            while (events.children.length > 20) events.removeChild(events.lastChild);
            refreshRuns();
        };

        refreshRuns();
        setInterval(refreshRuns, 10000);
    </script>
</body>
</html>`
