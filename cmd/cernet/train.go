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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sanonone/cernet/pkg/config"
	"github.com/sanonone/cernet/pkg/engine"
	"github.com/sanonone/cernet/pkg/expression"
	"github.com/spf13/cobra"
)

var trainFlags struct {
	configPath  string
	edges       string
	expression  string
	orientation string
	out         string
	resume      bool
	metricsAddr string
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainFlags.configPath, "config", "", "YAML configuration file (defaults apply when omitted)")
	f.StringVar(&trainFlags.edges, "edges", "", "ceRNA edge list (TSV or CSV)")
	f.StringVar(&trainFlags.expression, "expression", "", "Normalized expression matrix (TSV or CSV)")
	f.StringVar(&trainFlags.orientation, "orientation", string(expression.CellsByRNA), "Expression layout: cells_by_rna or rnas_by_cell")
	f.StringVar(&trainFlags.out, "out", "", "Output directory, overrides output_dir of the config")
	f.BoolVar(&trainFlags.resume, "resume", false, "Resume from the checkpoint of the output directory")
	f.StringVar(&trainFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	_ = trainCmd.MarkFlagRequired("edges")
	_ = trainCmd.MarkFlagRequired("expression")
	rootCmd.AddCommand(trainCmd)
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train on a ceRNA network and an expression matrix",
	Long: `Train loads the edge list and the expression matrix, builds the cell graph,
trains the dual-view model with periodic edge pruning and writes the refined
edge list, the embedding tables and the reconstructed expression to the output
directory.`,
	RunE: runTrain,
}

// TrainResult is printed as JSON on success.
type TrainResult struct {
	RunID          string  `json:"run_id"`
	Steps          int     `json:"steps"`
	Loss           float64 `json:"loss"`
	ActiveEdges    int     `json:"active_edges"`
	Edges          string  `json:"edges"`
	CellEmbeddings string  `json:"cell_embeddings"`
	RNAEmbeddings  string  `json:"rna_embeddings"`
	Reconstruction string  `json:"reconstruction,omitempty"`
	Checkpoint     string  `json:"checkpoint"`
	Journal        string  `json:"journal"`
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(trainFlags.configPath)
	if err != nil {
		return err
	}
	if trainFlags.out != "" {
		cfg.OutputDir = trainFlags.out
	}
	orientation := expression.Orientation(trainFlags.orientation)
	if orientation != expression.CellsByRNA && orientation != expression.RNAsByCell {
		return &usageError{fmt.Errorf("invalid --orientation %q", trainFlags.orientation)}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if trainFlags.metricsAddr != "" {
		srv := serveMetrics(trainFlags.metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	e, err := engine.Open(ctx, engine.Options{
		Config:         cfg,
		EdgesPath:      trainFlags.edges,
		ExpressionPath: trainFlags.expression,
		Orientation:    orientation,
		Resume:         trainFlags.resume,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.Run(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(TrainResult{
		RunID:          res.Summary.RunID,
		Steps:          res.Summary.Steps,
		Loss:           res.Summary.Final.Composite,
		ActiveEdges:    res.Summary.ActiveEdges,
		Edges:          res.Outputs.Edges,
		CellEmbeddings: res.Outputs.CellEmbeddings,
		RNAEmbeddings:  res.Outputs.RNAEmbeddings,
		Reconstruction: res.Outputs.Reconstruction,
		Checkpoint:     e.CheckpointPath(),
		Journal:        e.JournalPath(),
	})
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
	return srv
}
