package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/gamestats-cli/internal/gamesync"
	"github.com/sells-group/gamestats-cli/internal/model"
	"github.com/sells-group/gamestats-cli/internal/report"
	"github.com/sells-group/gamestats-cli/internal/scheduler"
	"github.com/sells-group/gamestats-cli/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and serve the games API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		noSchedule, _ := cmd.Flags().GetBool("no-schedule")

		env, err := initPipeline(ctx, "serve", false)
		if err != nil {
			return err
		}
		defer env.Close()

		runner := &exclusiveRunner{next: env.Pipeline}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(env.Store, runner),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		if !noSchedule {
			g.Go(func() error {
				return newScheduler(runner).Run(gctx)
			})
		}

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().Bool("no-schedule", false, "serve the API without the periodic harvest")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the HTTP API over st. POST /runs is only routed when
// runner is non-nil.
func newRouter(st store.Store, runner scheduler.Runner) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/games", gamesHandler(st))
	r.Get("/runs", runsHandler(st))
	if runner != nil {
		r.Post("/runs", triggerRunHandler(runner))
	}

	return r
}

var errRunInProgress = eris.New("a harvest run is already in progress")

// exclusiveRunner admits one harvest at a time across the scheduler and the
// API. A run requested while another is active fails with errRunInProgress.
type exclusiveRunner struct {
	next scheduler.Runner
	mu   sync.Mutex
}

func (r *exclusiveRunner) HarvestAndSync(ctx context.Context) (*gamesync.Report, error) {
	if !r.mu.TryLock() {
		return nil, errRunInProgress
	}
	defer r.mu.Unlock()
	return r.next.HarvestAndSync(ctx)
}

// triggerRunHandler runs a harvest and sync on demand and responds with its
// report once it finishes. The run is aborted if the client disconnects.
func triggerRunHandler(runner scheduler.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := runner.HarvestAndSync(r.Context())
		switch {
		case errors.Is(err, errRunInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			zap.L().Error("triggered run failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "run failed")
		default:
			writeJSON(w, http.StatusOK, rep)
		}
	}
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func gamesHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r, report.DefaultLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		rows, err := report.TopGames(r.Context(), st, limit)
		if err != nil {
			zap.L().Error("games query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "games query failed")
			return
		}

		switch r.URL.Query().Get("format") {
		case "", "json":
			writeJSON(w, http.StatusOK, rows)
		case "xlsx":
			w.Header().Set("Content-Type", xlsxContentType)
			w.Header().Set("Content-Disposition", `attachment; filename="top-games.xlsx"`)
			if err := report.WriteXLSX(w, rows); err != nil {
				zap.L().Error("xlsx export failed", zap.Error(err))
			}
		default:
			writeError(w, http.StatusBadRequest, "format must be json or xlsx")
		}
	}
}

func runsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r, 50)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		runs, err := st.ListRuns(r.Context(), store.RunFilter{
			Kind:  model.RunKind(r.URL.Query().Get("kind")),
			Limit: limit,
		})
		if err != nil {
			zap.L().Error("runs query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "runs query failed")
			return
		}
		if runs == nil {
			runs = []model.SyncRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, eris.New("limit must be between 1 and 1000")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
