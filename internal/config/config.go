package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Datasources understood by the learner.
const (
	Sinusoid     = "sinusoid"
	Omniglot     = "omniglot"
	MiniImagenet = "miniimagenet"
	CIFARFS      = "cifarfs"
)

// Model families for the convolutional extractor.
const (
	ModelR2D2 = "r2d2"
	ModelMAML = "maml"
)

// Config captures the runtime knobs for a meta-training run. It is treated
// as immutable once Validate has passed.
type Config struct {
	Datasource string  `yaml:"datasource"`
	Model      string  `yaml:"model"`
	Conv       bool    `yaml:"conv"`
	Norm       string  `yaml:"norm"`
	MaxPool    bool    `yaml:"max_pool"`
	UpdateLR   float64 `yaml:"update_lr"`
	MetaLR     float64 `yaml:"meta_lr"`
	// MetaLRDecay multiplies the meta learning rate every MetaLRDecayEvery
	// iterations; 0 or 1 disables decay.
	MetaLRDecay      float64 `yaml:"meta_lr_decay"`
	MetaLRDecayEvery int     `yaml:"meta_lr_decay_every"`
	MetaBatchSize    int     `yaml:"meta_batch_size"`
	UpdateBatchSize  int     `yaml:"update_batch_size"`
	NumClasses       int     `yaml:"num_classes"`
	NumQuery         int     `yaml:"num_query"`
	NumUpdates       int     `yaml:"num_updates"`
	// Dropout and ClipGradients fall back to per-datasource values when unset.
	Dropout               *float64 `yaml:"dropout,omitempty"`
	ClipGradients         *bool    `yaml:"clip_gradients,omitempty"`
	ClipMin               float64  `yaml:"clip_min"`
	ClipMax               float64  `yaml:"clip_max"`
	BackpropThroughSolver bool     `yaml:"backprop_through_solver"`
	Parallelism           int      `yaml:"parallelism"`
	InitLambda            float64  `yaml:"init_lambda"`
	InitAlpha             float64  `yaml:"init_alpha"`
	InitBeta              float64  `yaml:"init_beta"`
	LambdaFloor           float64  `yaml:"lambda_floor"`
	// ImageSize is the side length of square images; 0 selects the
	// datasource's native size.
	ImageSize           int    `yaml:"image_size"`
	Seed                int64  `yaml:"seed"`
	PretrainIterations  int    `yaml:"pretrain_iterations"`
	MetatrainIterations int    `yaml:"metatrain_iterations"`
	LogEvery            int    `yaml:"log_every"`
	ValEvery            int    `yaml:"val_every"`
	NumWorkers          int    `yaml:"num_workers"`
	SummaryPath         string `yaml:"summary_path"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Datasource          string
	Model               string
	Norm                string
	MetaLR              float64
	MetaBatchSize       int
	UpdateBatchSize     int
	NumClasses          int
	Parallelism         int
	Seed                int64
	PretrainIterations  int
	MetatrainIterations int
	LogEvery            int
	ValEvery            int
	NumWorkers          int
	SummaryPath         string
}

// Defaults returns the baseline configuration for a datasource. Unknown
// datasources get the omniglot baseline and fail Validate.
func Defaults(datasource string) *Config {
	cfg := &Config{
		Datasource:          datasource,
		Model:               ModelR2D2,
		Conv:                true,
		Norm:                "batch_norm",
		MaxPool:             true,
		UpdateLR:            1e-3,
		MetaLR:              1e-3,
		MetaBatchSize:       4,
		UpdateBatchSize:     1,
		NumClasses:          5,
		NumQuery:            15,
		NumUpdates:          1,
		ClipMin:             -10,
		ClipMax:             10,
		Parallelism:         4,
		InitLambda:          1,
		InitAlpha:           1,
		InitBeta:            0,
		LambdaFloor:         1e-4,
		Seed:                1,
		MetatrainIterations: 1000,
		LogEvery:            50,
		ValEvery:            500,
		NumWorkers:          2,
	}
	if datasource == Sinusoid {
		cfg.Conv = false
		cfg.Norm = "None"
		cfg.MaxPool = false
		cfg.UpdateBatchSize = 5
		cfg.NumClasses = 1
		cfg.NumQuery = 10
		cfg.InitLambda = 0.01
		cfg.InitAlpha = 0
		cfg.MetaLR = 0.01
	}
	return cfg
}

// Load reads a Config from YAML on top of the defaults for its datasource
// and validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML on top of Defaults for the document's datasource.
// Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	return ParseAs(r, "")
}

// ParseAs is Parse with the datasource forced to datasource when it is not
// empty. The defaults are those of the forced datasource, so keys the
// document leaves unset follow the new domain rather than the file's.
func ParseAs(r io.Reader, datasource string) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if datasource == "" {
		var head struct {
			Datasource string `yaml:"datasource"`
		}
		if err := yaml.Unmarshal(raw, &head); err != nil {
			return nil, err
		}
		datasource = head.Datasource
	}
	if datasource == "" {
		return nil, &Error{Field: "datasource", Reason: "must be set"}
	}

	cfg := Defaults(datasource)
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.Datasource = datasource
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Datasource != "" {
		c.Datasource = o.Datasource
	}
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.Norm != "" {
		c.Norm = o.Norm
	}
	if o.MetaLR > 0 {
		c.MetaLR = o.MetaLR
	}
	if o.MetaBatchSize > 0 {
		c.MetaBatchSize = o.MetaBatchSize
	}
	if o.UpdateBatchSize > 0 {
		c.UpdateBatchSize = o.UpdateBatchSize
	}
	if o.NumClasses > 0 {
		c.NumClasses = o.NumClasses
	}
	if o.Parallelism > 0 {
		c.Parallelism = o.Parallelism
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.PretrainIterations > 0 {
		c.PretrainIterations = o.PretrainIterations
	}
	if o.MetatrainIterations > 0 {
		c.MetatrainIterations = o.MetatrainIterations
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.ValEvery > 0 {
		c.ValEvery = o.ValEvery
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.SummaryPath != "" {
		c.SummaryPath = o.SummaryPath
	}
}

// Validate verifies the config is runnable. Failures are *Error.
func (c *Config) Validate() error {
	if c == nil {
		return &Error{Field: "config", Reason: "is nil"}
	}
	switch c.Datasource {
	case Sinusoid, Omniglot, MiniImagenet, CIFARFS:
	default:
		return &Error{Field: "datasource", Reason: fmt.Sprintf("unrecognized data source %q", c.Datasource)}
	}
	switch c.Model {
	case ModelR2D2, ModelMAML:
	default:
		return &Error{Field: "model", Reason: fmt.Sprintf("unknown model %q", c.Model)}
	}
	switch c.Norm {
	case "None", "batch_norm", "layer_norm":
	default:
		return &Error{Field: "norm", Reason: fmt.Sprintf("unknown norm %q (want None, batch_norm or layer_norm)", c.Norm)}
	}

	positive := []struct {
		field string
		v     int
	}{
		{"meta_batch_size", c.MetaBatchSize},
		{"update_batch_size", c.UpdateBatchSize},
		{"num_classes", c.NumClasses},
		{"num_query", c.NumQuery},
		{"num_updates", c.NumUpdates},
		{"parallelism", c.Parallelism},
		{"num_workers", c.NumWorkers},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return &Error{Field: p.field, Reason: fmt.Sprintf("must be > 0 (got %d)", p.v)}
		}
	}
	if c.MetatrainIterations < 0 || c.PretrainIterations < 0 {
		return &Error{Field: "iterations", Reason: "must be >= 0"}
	}
	if !(c.MetaLR > 0) {
		return &Error{Field: "meta_lr", Reason: fmt.Sprintf("must be > 0 (got %g)", c.MetaLR)}
	}
	if !(c.UpdateLR > 0) {
		return &Error{Field: "update_lr", Reason: fmt.Sprintf("must be > 0 (got %g)", c.UpdateLR)}
	}
	if c.MetaLRDecay < 0 || c.MetaLRDecay > 1 {
		return &Error{Field: "meta_lr_decay", Reason: fmt.Sprintf("must be in [0,1] (got %g)", c.MetaLRDecay)}
	}
	if c.MetaLRDecay > 0 && c.MetaLRDecay < 1 && c.MetaLRDecayEvery <= 0 {
		return &Error{Field: "meta_lr_decay_every", Reason: "must be > 0 when decay is enabled"}
	}
	if d := c.EffectiveDropout(); d < 0 || d >= 1 {
		return &Error{Field: "dropout", Reason: fmt.Sprintf("must be in [0,1) (got %g)", d)}
	}
	if c.EffectiveClip() && !(c.ClipMin < c.ClipMax) {
		return &Error{Field: "clip_min", Reason: fmt.Sprintf("clip range [%g, %g] is empty", c.ClipMin, c.ClipMax)}
	}
	if c.InitLambda < 0 {
		return &Error{Field: "init_lambda", Reason: fmt.Sprintf("must be >= 0 (got %g)", c.InitLambda)}
	}
	if c.LambdaFloor < 0 {
		return &Error{Field: "lambda_floor", Reason: fmt.Sprintf("must be >= 0 (got %g)", c.LambdaFloor)}
	}
	if c.ImageSize < 0 {
		return &Error{Field: "image_size", Reason: fmt.Sprintf("must be >= 0 (got %d)", c.ImageSize)}
	}
	if c.Classification() && c.NumClasses < 2 {
		return &Error{Field: "num_classes", Reason: "classification needs at least 2 classes"}
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Classification reports whether the datasource is a classification domain.
func (c *Config) Classification() bool { return c.Datasource != Sinusoid }

// DimInput is the flattened width of one example.
func (c *Config) DimInput() int {
	if !c.Classification() {
		return 1
	}
	s := c.EffectiveImageSize()
	return s * s * c.Channels()
}

// DimOutput is the label width: the number of classes, or 1 for regression.
func (c *Config) DimOutput() int {
	if !c.Classification() {
		return 1
	}
	return c.NumClasses
}

// Channels is 3 for the colour datasources and 1 otherwise.
func (c *Config) Channels() int {
	switch c.Datasource {
	case MiniImagenet, CIFARFS:
		return 3
	}
	return 1
}

// EffectiveImageSize resolves image_size against the datasource default.
func (c *Config) EffectiveImageSize() int {
	if c.ImageSize > 0 {
		return c.ImageSize
	}
	switch c.Datasource {
	case MiniImagenet:
		return 84
	case CIFARFS:
		return 32
	case Omniglot:
		return 28
	}
	return 0
}

// EffectiveDropout resolves dropout against the per-model default: the
// r2d2 conv family drops 0.1 on miniimagenet and 0.4 on cifarfs.
func (c *Config) EffectiveDropout() float64 {
	if c.Dropout != nil {
		return *c.Dropout
	}
	if !c.Conv || c.Model != ModelR2D2 || !c.Classification() {
		return 0
	}
	switch c.Datasource {
	case MiniImagenet:
		return 0.1
	case CIFARFS:
		return 0.4
	}
	return 0
}

// EffectiveClip resolves clip_gradients: on for miniimagenet and cifarfs.
func (c *Config) EffectiveClip() bool {
	if c.ClipGradients != nil {
		return *c.ClipGradients
	}
	return c.Datasource == MiniImagenet || c.Datasource == CIFARFS
}

// LRAt returns the meta learning rate for a zero-based iteration.
func (c *Config) LRAt(iteration int) float64 {
	lr := c.MetaLR
	if c.MetaLRDecay <= 0 || c.MetaLRDecay >= 1 || c.MetaLRDecayEvery <= 0 {
		return lr
	}
	for i := c.MetaLRDecayEvery; i <= iteration; i += c.MetaLRDecayEvery {
		lr *= c.MetaLRDecay
	}
	return lr
}
