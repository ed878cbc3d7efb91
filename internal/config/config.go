// Package config loads the sampler configuration: defaults, then an
// optional YAML file, then AL_* environment overrides. Command-line flags
// are applied last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matteoLorenzini/dataset-utils/internal/artifact"
	"github.com/matteoLorenzini/dataset-utils/internal/corpus"
	"github.com/matteoLorenzini/dataset-utils/internal/harvest"
	"github.com/matteoLorenzini/dataset-utils/internal/store"
)

type Config struct {
	Harvest     HarvestConfig     `yaml:"harvest"`
	Corpus      CorpusConfig      `yaml:"corpus"`
	State       StateConfig       `yaml:"state"`
	Sampling    SamplingConfig    `yaml:"sampling"`
	Batch       BatchConfig       `yaml:"batch"`
	Output      OutputConfig      `yaml:"output"`
	S3          S3Config          `yaml:"s3"`
	LabelStudio LabelStudioConfig `yaml:"labelstudio"`
	Notify      NotifyConfig      `yaml:"notify"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// HarvestConfig points at the OAI-PMH repository the corpus is collected
// from. Each set is written to Dir as <set>.csv.
type HarvestConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	MetadataPrefix string   `yaml:"metadata_prefix"`
	Sets           []string `yaml:"sets"`
	Dir            string   `yaml:"dir"`
	Limit          int      `yaml:"limit"`
}

type CorpusConfig struct {
	Sources          []string       `yaml:"sources"`
	Columns          corpus.Columns `yaml:"columns"`
	DomainFromSource bool           `yaml:"domain_from_source"`
	Query            string         `yaml:"query"`
}

type StateConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SamplingConfig drives the initial training selection.
type SamplingConfig struct {
	Strategy string `yaml:"strategy"`
	// PerGroup is the per-group quota; 0 means the smallest group size,
	// raised to MinPerGroup.
	PerGroup     int    `yaml:"per_group"`
	MinPerGroup  int    `yaml:"min_per_group"`
	Clusters     int    `yaml:"clusters"`
	Seed         uint64 `yaml:"seed"`
	StripAccents bool   `yaml:"strip_accents"`
	Stopwords    string `yaml:"stopwords"`
	Concurrency  int    `yaml:"concurrency"`
}

type BatchConfig struct {
	PerDomain       int    `yaml:"per_domain"`
	StratifyByLabel bool   `yaml:"stratify_by_label"`
	Seed            uint64 `yaml:"seed"`
}

type OutputConfig struct {
	Dir         string   `yaml:"dir"`
	Format      string   `yaml:"format"`
	Overwrite   bool     `yaml:"overwrite"`
	S3          S3Output `yaml:"s3"`
	HuggingFace HFOutput `yaml:"huggingface"`
}

type S3Output struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type HFOutput struct {
	Repo   string `yaml:"repo"`
	Branch string `yaml:"branch"`
	Prefix string `yaml:"prefix"`
	Token  string `yaml:"-"`
}

type S3Config struct {
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	MaxRetries uint64 `yaml:"max_retries"`
}

type LabelStudioConfig struct {
	URL       string `yaml:"url"`
	ProjectID int    `yaml:"project_id"`
	Title     string `yaml:"title"`
	PAT       string `yaml:"-"`
}

type NotifyConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"-"`
	NATSURL       string `yaml:"nats_url"`
	NATSSubject   string `yaml:"nats_subject"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
	PushURL  string `yaml:"push_url"`
	Job      string `yaml:"job"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Harvest: HarvestConfig{
			Endpoint:       "https://www.culturaitalia.it/oaiProviderCI/OAIHandler",
			MetadataPrefix: harvest.DefaultMetadataPrefix,
			Dir:            "corpus",
		},
		Corpus: CorpusConfig{Columns: corpus.DefaultColumns()},
		State:  StateConfig{Driver: store.DriverSQLite, DSN: "al_state.db"},
		Sampling: SamplingConfig{
			Strategy:     "balanced",
			PerGroup:     250,
			MinPerGroup:  5,
			Clusters:     10,
			Seed:         42,
			StripAccents: true,
			Stopwords:    "italian",
			Concurrency:  4,
		},
		Batch: BatchConfig{PerDomain: 100, Seed: 42},
		Output: OutputConfig{
			Dir:    "unlabelled_batches",
			Format: string(artifact.FormatCSV),
			HuggingFace: HFOutput{
				Branch: "main",
			},
		},
		S3:          S3Config{Region: "us-east-1", MaxRetries: 3},
		LabelStudio: LabelStudioConfig{Title: "Active learning"},
		Notify:      NotifyConfig{NATSSubject: "al.events"},
		Metrics:     MetricsConfig{Job: "al_sampler"},
		Log:         LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeKnownFields(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func decodeKnownFields(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Harvest.Endpoint = getEnvOrDefault("AL_OAI_ENDPOINT", c.Harvest.Endpoint)
	if v := os.Getenv("AL_OAI_SETS"); v != "" {
		c.Harvest.Sets = splitList(v)
	}
	c.Harvest.Dir = getEnvOrDefault("AL_HARVEST_DIR", c.Harvest.Dir)

	if v := os.Getenv("AL_SOURCES"); v != "" {
		c.Corpus.Sources = splitList(v)
	}
	c.Corpus.Query = getEnvOrDefault("AL_CORPUS_QUERY", c.Corpus.Query)
	c.State.Driver = getEnvOrDefault("AL_STATE_DRIVER", c.State.Driver)
	c.State.DSN = getEnvOrDefault("AL_STATE_DSN", c.State.DSN)

	c.Sampling.Strategy = getEnvOrDefault("AL_STRATEGY", c.Sampling.Strategy)
	c.Sampling.PerGroup = getIntEnvOrDefault("AL_PER_GROUP", c.Sampling.PerGroup)
	c.Sampling.Clusters = getIntEnvOrDefault("AL_CLUSTERS", c.Sampling.Clusters)
	c.Sampling.Seed = getUintEnvOrDefault("AL_SEED", c.Sampling.Seed)
	c.Batch.PerDomain = getIntEnvOrDefault("AL_PER_DOMAIN", c.Batch.PerDomain)
	c.Batch.Seed = getUintEnvOrDefault("AL_BATCH_SEED", c.Batch.Seed)
	c.Batch.StratifyByLabel = getBoolEnvOrDefault("AL_STRATIFY_BY_LABEL", c.Batch.StratifyByLabel)

	c.Output.Dir = getEnvOrDefault("AL_OUTPUT_DIR", c.Output.Dir)
	c.Output.Format = getEnvOrDefault("AL_OUTPUT_FORMAT", c.Output.Format)
	c.Output.S3.Bucket = getEnvOrDefault("AL_S3_BUCKET", c.Output.S3.Bucket)
	c.Output.HuggingFace.Repo = getEnvOrDefault("AL_HF_REPO", c.Output.HuggingFace.Repo)
	c.Output.HuggingFace.Token = getEnvOrDefault("HF_TOKEN", c.Output.HuggingFace.Token)

	c.S3.Region = getEnvOrDefault("AWS_REGION", c.S3.Region)
	c.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", c.S3.Endpoint)

	c.LabelStudio.URL = getEnvOrDefault("LS_URL", c.LabelStudio.URL)
	c.LabelStudio.PAT = getEnvOrDefault("LS_PAT", c.LabelStudio.PAT)
	c.LabelStudio.ProjectID = getIntEnvOrDefault("AL_LS_PROJECT_ID", c.LabelStudio.ProjectID)

	c.Notify.WebhookURL = getEnvOrDefault("AL_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.WebhookSecret = getEnvOrDefault("AL_WEBHOOK_SECRET", c.Notify.WebhookSecret)
	c.Notify.NATSURL = getEnvOrDefault("AL_NATS_URL", c.Notify.NATSURL)

	c.Metrics.Textfile = getEnvOrDefault("AL_METRICS_TEXTFILE", c.Metrics.Textfile)
	c.Metrics.PushURL = getEnvOrDefault("AL_PUSHGATEWAY_URL", c.Metrics.PushURL)

	c.Log.Level = getEnvOrDefault("AL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("AL_LOG_FORMAT", c.Log.Format)
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Harvest.Endpoint != "" && !strings.HasPrefix(c.Harvest.Endpoint, "http") {
		add("harvest.endpoint must be an http(s) URL")
	}
	if c.Harvest.Limit < 0 {
		add("harvest.limit must not be negative, got %d", c.Harvest.Limit)
	}

	switch c.State.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		add("state.driver must be %s or %s, got %q", store.DriverSQLite, store.DriverPostgres, c.State.Driver)
	}
	if c.State.DSN == "" {
		add("state.dsn is required")
	}

	cols := c.Corpus.Columns
	if cols.Text == "" || cols.Label == "" {
		add("corpus.columns.text and corpus.columns.label are required")
	}
	if cols.Domain == "" && !c.Corpus.DomainFromSource {
		add("corpus.columns.domain is required unless corpus.domain_from_source is set")
	}

	switch c.Sampling.Strategy {
	case "balanced", "diverse":
	default:
		add("sampling.strategy must be balanced or diverse, got %q", c.Sampling.Strategy)
	}
	if c.Sampling.PerGroup < 0 || c.Sampling.MinPerGroup < 0 || c.Sampling.Clusters < 0 {
		add("sampling.per_group, min_per_group and clusters must not be negative")
	}
	switch c.Sampling.Stopwords {
	case "", "none", "italian":
	default:
		add("sampling.stopwords must be italian or none, got %q", c.Sampling.Stopwords)
	}
	if c.Batch.PerDomain <= 0 {
		add("batch.per_domain must be positive, got %d", c.Batch.PerDomain)
	}

	if _, err := artifact.ParseFormat(c.Output.Format); err != nil {
		add("output.format: %v", err)
	}
	if c.Output.HuggingFace.Repo != "" && c.Output.HuggingFace.Token == "" {
		add("HF_TOKEN is required when output.huggingface.repo is set")
	}
	if c.Notify.WebhookURL != "" && !strings.HasPrefix(c.Notify.WebhookURL, "http") {
		add("notify.webhook_url must be an http(s) URL")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		add("log.format must be json or console, got %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

// StopwordList resolves the configured stopword set.
func (s SamplingConfig) StopwordList(italian []string) []string {
	if s.Stopwords == "italian" {
		return italian
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getUintEnvOrDefault(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}
