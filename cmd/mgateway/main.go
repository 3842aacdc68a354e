// Command mgateway is the browser-facing process: it spawns and
// discovers per-session mthost processes, serves the session list and
// mux WebSocket, and survives restarts by reattaching to hosts still
// running from a previous instance.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"mthub/internal/hostversion"
	"mthub/internal/muxconn"
	"mthub/internal/session"
)

type gatewayOptions struct {
	port         int
	bind         string
	service      bool
	spawned      bool
	hashPassword string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &gatewayOptions{
		port: 2000,
		bind: "0.0.0.0",
	}

	cmd := &cobra.Command{
		Use:     "mgateway",
		Short:   "Browser-facing terminal multiplexer gateway",
		Version: hostversion.Current,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEnvOverrides(opts)
			if opts.hashPassword != "" {
				fmt.Println(hashPassword(opts.hashPassword))
				return nil
			}
			return run(opts)
		},
	}

	cmd.Flags().IntVar(&opts.port, "port", opts.port, "listen port")
	cmd.Flags().StringVar(&opts.bind, "bind", opts.bind, "listen address")
	cmd.Flags().BoolVar(&opts.service, "service", opts.service, "run in host-process mode as a long-lived service")
	cmd.Flags().BoolVar(&opts.spawned, "spawned", opts.spawned, "run in host-process mode, spawned on demand")
	cmd.Flags().StringVar(&opts.hashPassword, "hash-password", "", "hash a password and exit")

	return cmd
}

func applyEnvOverrides(opts *gatewayOptions) {
	if v := os.Getenv("MGATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.port = n
		}
	}
	if v := os.Getenv("MGATEWAY_BIND"); v != "" {
		opts.bind = v
	}
}

// hashPassword is a minimal utility for the --hash-password flag.
// Authentication itself isn't handled by this gateway; this only
// gives operators a way to produce a credential to store elsewhere.
func hashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}

func buildLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func resolveMthostBin() string {
	if v := os.Getenv("MTHOST_BIN"); v != "" {
		return v
	}
	if p, err := exec.LookPath("mthost"); err == nil {
		return p
	}
	return "mthost"
}

func run(opts *gatewayOptions) error {
	logger := buildLogger()

	// --service/--spawned both select the host-process architecture this
	// build implements; direct in-process PTY mode is not provided.
	if !opts.service && !opts.spawned {
		logger.Info("no --service/--spawned flag given; running in host-process mode anyway")
	}

	sessions := session.New(resolveMthostBin(), logger)
	sessions.DiscoverAndAdopt()

	muxMgr := muxconn.New(sessions, logger)
	for _, info := range sessions.ListSessions() {
		muxMgr.TrackSession(info.ID)
	}

	mux := newHTTPMux(sessions, muxMgr, logger)

	addr := net.JoinHostPort(opts.bind, strconv.Itoa(opts.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen failed", "addr", addr, "error", err)
		fmt.Fprintf(os.Stderr, "mgateway: cannot listen on %s: %v\n", addr, err)
		os.Exit(1)
	}

	server := &http.Server{Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down gateway (host processes keep running)")
		_ = server.Close()
	}()

	logger.Info("listening", "addr", addr)
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}

func newHTTPMux(sessions *session.Manager, muxMgr *muxconn.Manager, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessions": sessions.ListSessions(),
		})
	})

	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ShellType string `json:"shellType"`
			Cwd       string `json:"cwd"`
			Cols      int    `json:"cols"`
			Rows      int    `json:"rows"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Cols <= 0 {
			req.Cols = 80
		}
		if req.Rows <= 0 {
			req.Rows = 24
		}

		id, info, err := sessions.Create(req.ShellType, req.Cwd, req.Cols, req.Rows)
		if err != nil {
			logger.Error("create session failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		muxMgr.TrackSession(id)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Error("websocket accept failed", "error", err)
			return
		}
		muxMgr.Attach(r.Context(), conn)
	})

	return mux
}
