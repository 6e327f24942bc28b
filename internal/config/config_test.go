package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDatasourceDefaults(t *testing.T) {
	path := writeConfig(t, "datasource: cifarfs\nmeta_batch_size: 8\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MetaBatchSize)
	assert.Equal(t, ModelR2D2, cfg.Model)
	assert.Equal(t, 32, cfg.EffectiveImageSize())
	assert.Equal(t, 3, cfg.Channels())
	assert.Equal(t, 32*32*3, cfg.DimInput())
	assert.InDelta(t, 0.4, cfg.EffectiveDropout(), 0)
	assert.True(t, cfg.EffectiveClip())
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "datasource: omniglot\nnum_filters: 32\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_filters")
}

func TestLoadRejectsUnknownDatasource(t *testing.T) {
	path := writeConfig(t, "datasource: imagenet\n")
	_, err := Load(path)
	var cerr *Error
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "datasource", cerr.Field)
}

func TestParseRequiresDatasource(t *testing.T) {
	_, err := Parse(strings.NewReader("meta_lr: 0.1\n"))
	var cerr *Error
	assert.ErrorAs(t, err, &cerr)
}

func TestParseAsUsesForcedDatasourceDefaults(t *testing.T) {
	doc := "datasource: sinusoid\nupdate_batch_size: 5\nmeta_batch_size: 6\n"
	cfg, err := ParseAs(strings.NewReader(doc), Omniglot)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, Omniglot, cfg.Datasource)
	assert.Equal(t, 5, cfg.NumClasses)
	assert.True(t, cfg.Conv)
	assert.Equal(t, "batch_norm", cfg.Norm)
	assert.Equal(t, 5, cfg.UpdateBatchSize, "keys set in the file still win")
	assert.Equal(t, 6, cfg.MetaBatchSize)

	plain, err := ParseAs(strings.NewReader(doc), "")
	require.NoError(t, err)
	assert.Equal(t, Sinusoid, plain.Datasource)
	assert.False(t, plain.Conv)
}

func TestValidateCatchesBadKnobs(t *testing.T) {
	cases := map[string]func(c *Config){
		"model":               func(c *Config) { c.Model = "protonet" },
		"norm":                func(c *Config) { c.Norm = "group_norm" },
		"num_updates":         func(c *Config) { c.NumUpdates = 0 },
		"meta_lr":             func(c *Config) { c.MetaLR = 0 },
		"init_lambda":         func(c *Config) { c.InitLambda = -1 },
		"lambda_floor":        func(c *Config) { c.LambdaFloor = -1 },
		"clip_min":            func(c *Config) { c.ClipMin, c.ClipMax = 1, -1 },
		"dropout":             func(c *Config) { d := 1.0; c.Dropout = &d },
		"num_classes":         func(c *Config) { c.NumClasses = 1 },
		"meta_lr_decay_every": func(c *Config) { c.MetaLRDecay = 0.5 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := Defaults(MiniImagenet)
			mutate(cfg)
			err := cfg.Validate()
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, field, cerr.Field)
		})
	}
}

func TestSinusoidDefaults(t *testing.T) {
	cfg := Defaults(Sinusoid)
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Classification())
	assert.Equal(t, 1, cfg.DimInput())
	assert.Equal(t, 1, cfg.DimOutput())
	assert.Zero(t, cfg.EffectiveDropout())
	assert.False(t, cfg.EffectiveClip())
}

func TestApplyOverrides(t *testing.T) {
	cfg := Defaults(Omniglot)
	cfg.ApplyOverrides(Overrides{Model: ModelMAML, MetaBatchSize: 16, Seed: 7, SummaryPath: "out.jsonl"})
	assert.Equal(t, ModelMAML, cfg.Model)
	assert.Equal(t, 16, cfg.MetaBatchSize)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, "out.jsonl", cfg.SummaryPath)
	assert.Equal(t, 5, cfg.NumClasses, "zero overrides leave values alone")
}

func TestValidateDefaultsLogEvery(t *testing.T) {
	cfg := Defaults(Omniglot)
	cfg.LogEvery = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.LogEvery)
}

func TestLRAtDecays(t *testing.T) {
	cfg := Defaults(Omniglot)
	cfg.MetaLR = 1
	cfg.MetaLRDecay = 0.5
	cfg.MetaLRDecayEvery = 10
	assert.Equal(t, 1.0, cfg.LRAt(9))
	assert.Equal(t, 0.5, cfg.LRAt(10))
	assert.Equal(t, 0.25, cfg.LRAt(25))
}

func TestYAMLRoundTripsThroughParse(t *testing.T) {
	cfg := Defaults(CIFARFS)
	d := 0.2
	cfg.Dropout = &d
	out, err := cfg.YAML()
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Datasource, back.Datasource)
	require.NotNil(t, back.Dropout)
	assert.InDelta(t, 0.2, *back.Dropout, 0)

	parsed, err := Parse(strings.NewReader(string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}
