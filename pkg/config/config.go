// Package config holds the run configuration: model shape, pruning policy,
// loss weights, batching and the cell-graph construction parameters.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

// ConfidenceConfig configures the input edge filter.
type ConfidenceConfig struct {
	// MinScore drops edges whose collapsed score is below it.
	MinScore float64 `yaml:"min_score" validate:"gte=0,lte=1"`
	// Quantile is a percentile in [0,100] of the collapsed scores; edges below it
	// are dropped as well. Zero disables it.
	Quantile float64 `yaml:"quantile" validate:"gte=0,lte=100"`
}

// CellGraphConfig configures the cell-similarity kNN graph.
type CellGraphConfig struct {
	Metric    string `yaml:"metric" validate:"oneof=cosine euclidean"`
	Precision string `yaml:"precision" validate:"oneof=float32 float16"`
	// HNSW parameters, used once the cell count reaches ExactBelow.
	M              int `yaml:"m" validate:"gte=2"`
	EfConstruction int `yaml:"ef_construction" validate:"gte=1"`
	EfSearch       int `yaml:"ef_search" validate:"gte=1"`
	ExactBelow     int `yaml:"exact_below" validate:"gte=0"`
}

// Config is the full set of recognized options.
type Config struct {
	K               int     `yaml:"k" validate:"gte=1"`
	EncoderDepth    int     `yaml:"encoder_depth" validate:"gte=1,lte=3"`
	EmbeddingDim    int     `yaml:"embedding_dim" validate:"gte=1"`
	HiddenDim       int     `yaml:"hidden_dim" validate:"gte=0"`
	PruneEvery      int     `yaml:"prune_every" validate:"gte=1"`
	PrunePercentile float64 `yaml:"prune_percentile" validate:"gte=0,lte=100"`
	MinDegree       int     `yaml:"min_degree" validate:"gte=0"`
	MinActiveEdges  int     `yaml:"min_active_edges" validate:"gte=1"`
	NegativeRatio   float64 `yaml:"negative_ratio" validate:"gt=0"`

	Alpha  float64 `yaml:"alpha" validate:"gte=0"`
	Beta   float64 `yaml:"beta" validate:"gte=0"`
	Lambda float64 `yaml:"lambda" validate:"gte=0"`

	BatchSize        int     `yaml:"batch_size" validate:"gte=1"`
	Epochs           int     `yaml:"epochs" validate:"gte=1"`
	LearningRate     float64 `yaml:"learning_rate" validate:"gt=0"`
	Seed             int64   `yaml:"seed"`
	MaxPositiveEdges int     `yaml:"max_positive_edges" validate:"gte=0"`

	HVGCount      int `yaml:"hvg_count" validate:"gte=0"`
	PCAComponents int `yaml:"pca_components" validate:"gte=0"`

	Confidence ConfidenceConfig `yaml:"confidence"`
	CellGraph  CellGraphConfig  `yaml:"cell_graph"`

	// Workers bounds per-step parallelism; zero means one per CPU.
	Workers         int    `yaml:"workers" validate:"gte=0"`
	CheckpointEvery int    `yaml:"checkpoint_every" validate:"gte=0"`
	LogEvery        int    `yaml:"log_every" validate:"gte=1"`
	OutputDir       string `yaml:"output_dir" validate:"required"`
}

// Default returns a complete working configuration.
func Default() Config {
	return Config{
		K:               15,
		EncoderDepth:    2,
		EmbeddingDim:    32,
		PruneEvery:      50,
		PrunePercentile: 10,
		MinDegree:       1,
		MinActiveEdges:  2,
		NegativeRatio:   1.0,

		Alpha:  1,
		Beta:   1,
		Lambda: 1e-4,

		BatchSize:    128,
		Epochs:       10,
		LearningRate: 0.005,
		Seed:         42,

		HVGCount:      2000,
		PCAComponents: 50,

		CellGraph: CellGraphConfig{
			Metric:         "cosine",
			Precision:      "float32",
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
			ExactBelow:     5000,
		},

		LogEvery:  10,
		OutputDir: "out",
	}
}

// Load reads the YAML file at path over the defaults using strict parsing and
// validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: YAML error in %s: %v", ErrInvalid, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every field against its range.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.Alpha == 0 && c.Beta == 0 {
		return fmt.Errorf("%w: alpha and beta cannot both be zero", ErrInvalid)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte":
		return fmt.Sprintf("%s must be at least %s, got %v", field, e.Param(), e.Value())
	case "lte":
		return fmt.Sprintf("%s must be at most %s, got %v", field, e.Param(), e.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s, got %v", field, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
