package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/docstore"
	"github.com/roach88/docsync/internal/replication"
)

// StatusLine is one JSON line printed by sync.
type StatusLine struct {
	Endpoint string            `json:"endpoint"`
	State    replication.State `json:"state"`
	Error    string            `json:"error,omitempty"`
	Code     string            `json:"code,omitempty"`
	Conflict *ConflictLine     `json:"conflict,omitempty"`
	Delay    string            `json:"delay,omitempty"`
	Attempt  int               `json:"attempt,omitempty"`
}

// ConflictLine identifies a conflict in status output.
type ConflictLine struct {
	ID     string `json:"id"`
	Winner string `json:"winner"`
	Loser  string `json:"loser"`
}

func newStatusLine(st replication.Status) StatusLine {
	line := StatusLine{Endpoint: st.Endpoint, State: st.State, Attempt: st.Attempt}
	if st.Err != nil {
		line.Error = st.Err.Error()
		line.Code = ErrorCode(st.Err)
	}
	if st.Conflict != nil {
		line.Conflict = &ConflictLine{
			ID:     st.Conflict.DocID,
			Winner: st.Conflict.WinnerRev.String(),
			Loser:  st.Conflict.LoserRev.String(),
		}
	}
	if st.Delay > 0 {
		line.Delay = st.Delay.String()
	}
	return line
}

func (l StatusLine) text() string {
	s := fmt.Sprintf("%s %s", l.Endpoint, l.State)
	if l.Delay != "" {
		s += fmt.Sprintf(" in %s (attempt %d)", l.Delay, l.Attempt)
	}
	if l.Conflict != nil {
		s += fmt.Sprintf(" conflict %s: winner %s loser %s", l.Conflict.ID, l.Conflict.Winner, l.Conflict.Loser)
	}
	if l.Error != "" {
		s += ": " + l.Error
	}
	return s
}

// lineWriter prints one event per line: a JSON object or a text line.
type lineWriter struct {
	format string
	w      io.Writer
	enc    *json.Encoder
}

func newLineWriter(format string, w io.Writer) *lineWriter {
	return &lineWriter{format: format, w: w, enc: json.NewEncoder(w)}
}

func (lw *lineWriter) write(v any, text string) {
	if lw.format == "json" {
		lw.enc.Encode(v)
		return
	}
	fmt.Fprintln(lw.w, text)
}

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Remote string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate with a remote gateway until interrupted",
		Long: `Replicate with the remote gateway until interrupted.

Local changes are pushed, remote changes are pulled, and the session
reconnects with exponential backoff after failures. Status changes are
printed one per line.

Examples:
  docsync sync --remote ws://localhost:8420/sync
  docsync sync --config docsync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Remote, "remote", "", "gateway url (overrides config remoteEndpoint)")

	return cmd
}

func remoteOverride(remote string) func(*config.Config) {
	return func(c *config.Config) {
		if remote != "" {
			c.RemoteEndpoint = remote
		}
	}
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	s, err := openSession(commandContext(cmd), opts.RootOptions, cmd, remoteOverride(opts.Remote))
	if err != nil {
		return err
	}
	defer s.close()
	if s.cfg.RemoteEndpoint == "" {
		return NewExitError(ExitCommandError, "no remote endpoint: set remoteEndpoint or --remote")
	}

	ctx, stop := withSignals(commandContext(cmd), s.logger)
	defer stop()

	status, err := s.db.SyncStatus("")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start sync", err)
	}
	if err := s.db.StartSync(""); err != nil {
		return WrapExitError(ExitCommandError, "failed to start sync", err)
	}
	defer s.db.StopSync("")

	out := newLineWriter(opts.Format, cmd.OutOrStdout())
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-status:
			line := newStatusLine(st)
			out.write(line, line.text())
		}
	}
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Remote string
	Count  int
	NoSync bool
}

// EventLine is one JSON line printed by watch.
type EventLine struct {
	Seq    int64  `json:"seq"`
	ID     string `json:"id"`
	Op     string `json:"op"`
	Rev    string `json:"rev"`
	Origin string `json:"origin"`
	Gap    bool   `json:"gap,omitempty"`
	Missed int    `json:"missed,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print change events as they are committed",
		Long: `Subscribe to the notification bus and print every change event.

Unless --no-sync is given, watch also syncs with the configured remote, so
changes made elsewhere show up as they are pulled. A "gap" line means
events were lost and the watcher should re-read the documents it tracks.

Examples:
  docsync watch --remote ws://localhost:8420/sync
  docsync watch --count 1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Remote, "remote", "", "gateway url (overrides config remoteEndpoint)")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many events (0: run until interrupted)")
	cmd.Flags().BoolVar(&opts.NoSync, "no-sync", false, "do not sync with the remote")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	s, err := openSession(commandContext(cmd), opts.RootOptions, cmd, remoteOverride(opts.Remote))
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := withSignals(commandContext(cmd), s.logger)
	defer stop()

	// done releases a callback blocked on a full channel before Unsubscribe
	// waits for it.
	done := make(chan struct{})
	events := make(chan docstore.ChangeEvent, 64)
	sub, err := s.db.OnChange(func(ev docstore.ChangeEvent) {
		select {
		case events <- ev:
		case <-done:
		}
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	defer sub.Unsubscribe()
	defer close(done)

	if !opts.NoSync && s.cfg.RemoteEndpoint != "" {
		if err := s.db.StartSync(""); err != nil {
			return WrapExitError(ExitCommandError, "failed to start sync", err)
		}
		defer s.db.StopSync("")
	}

	out := newLineWriter(opts.Format, cmd.OutOrStdout())
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			line := EventLine{
				Seq:    ev.Seq,
				ID:     ev.ID,
				Op:     string(ev.Op),
				Rev:    ev.Rev.String(),
				Origin: string(ev.Origin),
				Gap:    ev.Gap,
				Missed: ev.Missed,
			}
			text := fmt.Sprintf("%d\t%s\t%s\t%s\t%s", line.Seq, line.Op, line.ID, line.Rev, line.Origin)
			if ev.Gap {
				text = fmt.Sprintf("gap: %d event(s) missed\n", ev.Missed) + text
			}
			out.write(line, text)

			seen++
			if opts.Count > 0 && seen >= opts.Count {
				return nil
			}
		}
	}
}

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen      string
	SyncPath    string
	MetricsPath string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the database as a sync gateway",
		Long: `Serve the database to other replicas over WebSocket, and its
metrics in Prometheus text format.

Examples:
  docsync serve --db ./hub.db --listen :8420
  docsync serve --metrics-path ""   # disable metrics`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", ":8420", "address to listen on")
	cmd.Flags().StringVar(&opts.SyncPath, "sync-path", "/sync", "WebSocket endpoint path")
	cmd.Flags().StringVar(&opts.MetricsPath, "metrics-path", "/metrics", "metrics endpoint path (empty disables)")

	return cmd
}

// newServeMux routes the gateway and, if metricsPath is set, metrics.
func newServeMux(db *docstore.DB, syncPath, metricsPath string) (*http.ServeMux, error) {
	srv, err := db.GatewayHandler()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(syncPath, srv)
	if metricsPath != "" {
		mux.Handle(metricsPath, db.MetricsHandler())
	}
	return mux, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	s, err := openSession(commandContext(cmd), opts.RootOptions, cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	mux, err := newServeMux(s.db, opts.SyncPath, opts.MetricsPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start gateway", err)
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	ctx, stop := withSignals(commandContext(cmd), s.logger)
	defer stop()

	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "sync_path", opts.SyncPath)
	s.formatter.VerboseLog("Serving %s on %s", s.cfg.Database, ln.Addr())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "gateway failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// WebSocket sessions are hijacked; closing the database ends them.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("gateway shutdown", "error", err)
	}
	return nil
}
