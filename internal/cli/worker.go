package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/hlclip/internal/server"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <input>",
		Short: "Queue a job for a worker and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := requestFromFlags(cmd, args[0])
			if err != nil {
				return err
			}
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Params(req, time.Now())
			if err != nil {
				return err
			}
			id, err := submitDeferred(cmd.Context(), app, p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	addRequestFlags(cmd)
	cmd.Flags().String("out", "", "Output directory")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued jobs and serve /metrics, /healthz, /keys and /jobs",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
	cmd.Flags().String("listen", "", "Status server address (default from config; use --no-server to disable it)")
	cmd.Flags().Int("concurrency", 0, "Jobs run in parallel (default from config)")
	cmd.Flags().Bool("no-server", false, "Do not start the status server")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		app.Config.Worker.Concurrency = n
	}
	ctx := cmd.Context()
	w, err := app.Worker(ctx)
	if err != nil {
		return err
	}

	var srv *http.Server
	if noServer, _ := cmd.Flags().GetBool("no-server"); !noServer {
		srv = &http.Server{
			Addr:              app.Config.Server.Listen,
			Handler:           server.New(app.Store, app.Pool, app.Metrics.Handler(), app.Log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			app.Log.Info(ctx, "status server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Log.Error(ctx, "status server: %v", err)
			}
		}()
	}

	runErr := w.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Log.Warn(ctx, "status server shutdown: %v", err)
		}
	}
	app.Log.Info(ctx, "worker stopped")
	return runErr
}
