package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rsu-history/internal/api"
	"rsu-history/internal/catalog"
	"rsu-history/internal/config"
	"rsu-history/internal/db"
	"rsu-history/internal/engine"
	"rsu-history/internal/geo"
	"rsu-history/internal/logging"
	"rsu-history/internal/metrics"
	"rsu-history/internal/models"
	"rsu-history/internal/output"
	"rsu-history/internal/parser"

	"github.com/spf13/cobra"
)

var (
	dbPath    string
	logLevel  string
	logFormat string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rsu-history",
		Short: "Map vehicle positions to roadside units and print their recent history",
		Long: `Classifies every position against a list of roadside units (RSUs) and
prints, per vehicle, a sliding window of the last K RSUs it was seen in.
Positions covered by no RSU are recorded as N/A.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite run archive (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOr("LOG_FORMAT", "text"), "Log format (text, json)")

	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(stationsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(serverCmd())
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(cmd *cobra.Command, level string) logging.Logger {
	return logging.New(logging.Config{Level: level, Format: logFormat, Output: cmd.ErrOrStderr()})
}

// diagnosticLevel keeps info-level diagnostics visible when -v is given,
// whatever --log-level says.
func diagnosticLevel(level string, verbose bool) string {
	if verbose && logging.ParseLevel(level) > slog.LevelInfo {
		return "info"
	}
	return level
}

func openDB() (*db.Database, error) {
	if dbPath == "" {
		return nil, errors.New("no run archive configured (use --db)")
	}
	database, err := db.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return database, nil
}

// classifyCmd runs the classification over a positions file
func classifyCmd() *cobra.Command {
	var cfg config.Config
	var format string

	cmd := &cobra.Command{
		Use:     "classify",
		Short:   "Classify positions and print per-vehicle RSU history",
		Example: `  rsu-history classify -d datasets/positions.csv -r rsu.csv -k 5 > datasets/dataset5.csv`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.DBPath = dbPath
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runClassify(cmd, cfg, parser.NewParser(format))
		},
	}

	cmd.Flags().StringVarP(&cfg.DatasetFile, "dataset", "d", "", "Positions file (entity_id, latitude, longitude)")
	cmd.Flags().StringVarP(&cfg.StationFile, "rsu", "r", "", "RSU file (id, latitude, longitude, radius_km)")
	cmd.Flags().IntVarP(&cfg.HistorySize, "history", "k", 0, "Number of RSUs kept per vehicle (required)")
	cmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Log the distance to every RSU scanned")
	cmd.Flags().StringVar(&cfg.Distance, "distance", geo.Default, "Distance function (geodesic, haversine)")
	cmd.Flags().IntVarP(&cfg.Workers, "workers", "w", 1, "Classify positions with this many workers")
	cmd.Flags().StringVarP(&cfg.Output, "output", "o", config.OutputText, "Output format (text, json)")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Input file format (csv, json)")
	return cmd
}

func runClassify(cmd *cobra.Command, cfg config.Config, p *parser.Parser) error {
	log := newLogger(cmd, logLevel)
	ctx := logging.WithLogger(cmd.Context(), newLogger(cmd, diagnosticLevel(logLevel, cfg.Verbose)))
	start := time.Now()

	stations, err := p.ParseStationsFile(cfg.StationFile)
	if err != nil {
		return fmt.Errorf("reading rsu file: %w", err)
	}
	positions, err := p.ParsePositionsFile(cfg.DatasetFile)
	if err != nil {
		return fmt.Errorf("reading dataset: %w", err)
	}

	var database *db.Database
	if cfg.DBPath != "" {
		if database, err = openDB(); err != nil {
			return err
		}
		defer database.Close()
	}

	eng, err := engine.New(catalog.New(stations, cfg.DistanceFunc()), engine.Config{
		HistorySize: cfg.HistorySize,
		Verbose:     cfg.Verbose,
		Workers:     cfg.Workers,
	})
	if err != nil {
		return err
	}

	w, err := output.New(cfg.Output, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	var archived []models.HistoryRow
	err = eng.Run(ctx, positions, func(row models.HistoryRow) error {
		if database != nil {
			archived = append(archived, row)
		}
		return w.WriteRow(row)
	})
	if err != nil {
		return err
	}

	stats := eng.Stats()
	if database != nil {
		run := &models.Run{
			DatasetFile: cfg.DatasetFile,
			StationFile: cfg.StationFile,
			HistorySize: cfg.HistorySize,
			Distance:    cfg.Distance,
			Stats:       stats,
		}
		if err := database.SaveRun(run, archived); err != nil {
			return fmt.Errorf("archiving run: %w", err)
		}
		log = log.With(logging.String("run_id", run.ID))
	}

	log.Info(ctx, "run complete",
		logging.Int("stations", len(stations)),
		logging.Int("positions", stats.Positions),
		logging.Int("unassigned", stats.Unassigned),
		logging.Int("rows", stats.Emitted),
		logging.Int("entities", stats.Entities),
		logging.Any("elapsed", time.Since(start)))
	return nil
}

// stationsCmd lists the RSU catalog in scan order
func stationsCmd() *cobra.Command {
	var stationFile string
	var format string

	cmd := &cobra.Command{
		Use:   "stations",
		Short: "List RSUs in the order they are matched",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stationFile == "" {
				return config.ErrMissingStations
			}
			stations, err := parser.NewParser(format).ParseStationsFile(stationFile)
			if err != nil {
				return fmt.Errorf("reading rsu file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-4s %-12s %12s %12s %10s\n", "#", "ID", "Latitude", "Longitude", "Radius km")
			for i, s := range stations {
				fmt.Fprintf(out, "%-4d %-12s %12.6f %12.6f %10.3f\n",
					i+1, s.ID, s.Center.Latitude, s.Center.Longitude, s.RadiusKM)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&stationFile, "rsu", "r", "", "RSU file")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Input file format (csv, json)")
	return cmd
}

// runsCmd browses the run archive
func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse archived runs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			runs, err := database.ListRuns(limit)
			if err != nil {
				return fmt.Errorf("error listing runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs archived. Use 'rsu-history classify --db ...' to record one.")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-20s %3s %10s %8s\n", "ID", "Created", "K", "Positions", "Rows")
			for _, r := range runs {
				fmt.Fprintf(out, "%-36s %-20s %3d %10d %8d\n",
					r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.HistorySize, r.Stats.Positions, r.Stats.Emitted)
			}
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum runs to list")

	var entity string
	var rowLimit int
	var outputFormat string
	rowsCmd := &cobra.Command{
		Use:   "rows [run_id]",
		Short: "Print the rows emitted by an archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			if _, err := database.GetRun(args[0]); err != nil {
				return err
			}
			rows, err := database.QueryRows(models.RowQuery{
				RunID:    args[0],
				EntityID: models.ParseEntityID(entity),
				Limit:    rowLimit,
			})
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}

			w, err := output.New(outputFormat, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			for _, r := range rows {
				if err := w.WriteRow(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	rowsCmd.Flags().StringVarP(&entity, "vehicle", "V", "", "Filter by entity ID")
	rowsCmd.Flags().IntVarP(&rowLimit, "limit", "l", 0, "Maximum rows to print (0 for all)")
	rowsCmd.Flags().StringVarP(&outputFormat, "output", "o", config.OutputText, "Output format (text, json)")

	var showJSON bool
	showCmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "Show an archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			run, err := database.GetRun(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if showJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			}
			fmt.Fprintf(out, "Run %s\n", run.ID)
			fmt.Fprintf(out, "  Created:      %s\n", run.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "  Dataset:      %s\n", run.DatasetFile)
			fmt.Fprintf(out, "  RSU file:     %s\n", run.StationFile)
			fmt.Fprintf(out, "  History size: %d\n", run.HistorySize)
			fmt.Fprintf(out, "  Distance:     %s\n", run.Distance)
			fmt.Fprintf(out, "  Positions:    %d (%d unassigned)\n", run.Stats.Positions, run.Stats.Unassigned)
			fmt.Fprintf(out, "  Vehicles:     %d\n", run.Stats.Entities)
			fmt.Fprintf(out, "  Rows:         %d\n", run.Stats.Emitted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print as JSON")

	cmd.AddCommand(listCmd, rowsCmd, showCmd)
	return cmd
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd, logLevel)

			var database *db.Database
			if dbPath != "" {
				var err error
				if database, err = openDB(); err != nil {
					return err
				}
				defer database.Close()
			}

			collector, err := metrics.NewCollector(nil)
			if err != nil {
				return fmt.Errorf("metrics: %w", err)
			}

			server := api.NewServer(database, collector, log)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx := logging.WithLogger(cmd.Context(), log)
			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
				case <-done:
					return
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Error(ctx, "api server shutdown", logging.Err(err))
				}
			}()

			log.Info(ctx, "api server listening", logging.String("addr", srv.Addr), logging.String("db", dbPath))
			err = srv.ListenAndServe()
			close(done)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "api server stopped", logging.Err(err))
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port")
	return cmd
}
