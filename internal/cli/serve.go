package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lemon07r/gauntlet/internal/result"
)

var (
	serveDir   string
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a results browser over HTTP",
	Long: `Starts a small HTTP server that lists completed sessions and serves
their run records as JSON.

Endpoints:
  /              HTML index of sessions
  /api/list      session IDs as {"files": [...]}
  /api/data      one run record (?file=<session-id>)

With --watch, the session directory is monitored and the index refreshes
as new runs complete.

Examples:
  gauntlet serve
  gauntlet serve --dir ./results/batch-2026-01-07T120000/sessions
  gauntlet serve --addr 0.0.0.0:8090 --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := serveDir
		if dir == "" {
			dir = cfg.Harness.SessionDir
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("session directory does not exist: %s", dir)
		}

		srv := newResultServer(dir, serveWatch, logger)
		mux := http.NewServeMux()
		mux.HandleFunc("/", srv.handleIndex)
		mux.HandleFunc("/api/list", srv.handleList)
		mux.HandleFunc("/api/data", srv.handleData)

		httpSrv := &http.Server{
			Addr:              serveAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Setup context with cancellation
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				fmt.Println("\nReceived interrupt, shutting down...")
				cancel()
			case <-ctx.Done():
			}
		}()

		fmt.Printf("Results server running at http://%s\n", serveAddr)
		fmt.Printf("Serving data from: %s\n", dir)
		fmt.Println("Press Ctrl+C to stop")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
		if serveWatch {
			w := result.NewWatcher(dir, 500*time.Millisecond, srv.invalidate, logger)
			g.Go(func() error {
				if err := w.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "session directory to serve (default from config)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8090", "listen address")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "refresh the index when sessions change")
}

// resultServer serves run records from a session directory. Records are
// cached; the watcher marks the cache stale instead of reloading inline so
// bursts of file events cost one reload.
type resultServer struct {
	dir    string
	watch  bool
	logger *slog.Logger

	mu    sync.Mutex
	runs  []*result.RunResult
	stale bool
}

func newResultServer(dir string, watch bool, logger *slog.Logger) *resultServer {
	return &resultServer{dir: dir, watch: watch, logger: logger, stale: true}
}

func (s *resultServer) invalidate() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// snapshot returns the cached runs, reloading from disk when the cache is
// stale. Without a watcher every call reloads, matching what a plain file
// server would show.
func (s *resultServer) snapshot() ([]*result.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stale || !s.watch {
		runs, err := result.LoadDir(s.dir)
		if err != nil {
			return nil, err
		}
		s.runs = runs
		s.stale = false
	}
	return s.runs, nil
}

func (s *resultServer) handleList(w http.ResponseWriter, req *http.Request) {
	runs, err := s.snapshot()
	if err != nil {
		http.Error(w, fmt.Sprintf("listing sessions: %v", err), http.StatusInternalServerError)
		return
	}

	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_ = json.NewEncoder(w).Encode(map[string][]string{"files": ids})
}

func (s *resultServer) handleData(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("file")
	if name == "" {
		http.Error(w, "missing file parameter", http.StatusBadRequest)
		return
	}
	// Session IDs never contain path separators.
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		http.Error(w, "invalid file parameter", http.StatusBadRequest)
		return
	}

	res, err := result.Load(filepath.Join(s.dir, name, "result.json"))
	if err != nil {
		http.Error(w, fmt.Sprintf("session not found: %s", name), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
}

func (s *resultServer) handleIndex(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" && req.URL.Path != "/index.html" {
		http.NotFound(w, req)
		return
	}

	runs, err := s.snapshot()
	if err != nil {
		http.Error(w, fmt.Sprintf("listing sessions: %v", err), http.StatusInternalServerError)
		return
	}

	type row struct {
		ID         string
		Task       string
		Controller string
		Status     string
		Emoji      string
		Verdict    string
		Iterations string
		Duration   string
		Started    string
	}

	data := struct {
		Dir  string
		Rows []row
	}{Dir: s.dir}

	for _, r := range runs {
		verdict := "-"
		if r.Verdict != nil {
			switch {
			case r.Verdict.State != result.VerdictEvaluated:
				verdict = string(r.Verdict.State)
			case r.Verdict.Passed:
				verdict = "PASS"
			default:
				verdict = "FAIL"
			}
		}
		data.Rows = append(data.Rows, row{
			ID:         r.ID,
			Task:       r.TaskName,
			Controller: r.Controller,
			Status:     string(r.Status),
			Emoji:      result.StatusEmoji[r.Status],
			Verdict:    verdict,
			Iterations: fmt.Sprintf("%d/%d", r.IterationsUsed, r.MaxIterations),
			Duration:   r.Duration.Round(time.Millisecond).String(),
			Started:    r.StartedAt.Format("2006-01-02 15:04:05"),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Debug("rendering index", "error", err)
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Gauntlet Results</title>
<style>
  body { font-family: monospace; margin: 2em; background: #1e1e1e; color: #ddd; }
  h1 { font-size: 1.2em; }
  table { border-collapse: collapse; width: 100%; }
  th, td { text-align: left; padding: 0.4em 0.8em; border-bottom: 1px solid #444; }
  th { color: #999; }
  a { color: #7cb7ff; text-decoration: none; }
  .muted { color: #777; }
</style>
</head>
<body>
<h1>Gauntlet Results</h1>
<p class="muted">{{.Dir}}</p>
<table>
<tr><th></th><th>Task</th><th>Controller</th><th>Status</th><th>Verdict</th><th>Iterations</th><th>Duration</th><th>Started</th><th>Session</th></tr>
{{range .Rows}}
<tr>
  <td>{{.Emoji}}</td>
  <td>{{.Task}}</td>
  <td>{{.Controller}}</td>
  <td>{{.Status}}</td>
  <td>{{.Verdict}}</td>
  <td>{{.Iterations}}</td>
  <td>{{.Duration}}</td>
  <td>{{.Started}}</td>
  <td><a href="/api/data?file={{.ID}}">{{.ID}}</a></td>
</tr>
{{end}}
</table>
</body>
</html>
`))
