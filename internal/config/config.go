// Package config loads facequeue settings from a YAML file and FACEQUEUE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFile is read when no --config is given and it exists in the working directory.
const DefaultFile = "facequeue.yaml"

// Config holds all application configuration.
type Config struct {
	AWS       AWSConfig       `mapstructure:"aws"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Index     IndexConfig     `mapstructure:"index"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Invoke    InvokeConfig    `mapstructure:"invoke"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Health    HealthConfig    `mapstructure:"health"`
	Log       LogConfig       `mapstructure:"log"`
}

type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"` // e.g. LocalStack
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig names the queues. With the sqs backend names are queue URLs,
// with nats they are subject suffixes.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"`
	Request           string        `mapstructure:"request"`
	Response          string        `mapstructure:"response"`
	Chain             string        `mapstructure:"chain"`
	Events            string        `mapstructure:"events"`
	DeadLetter        string        `mapstructure:"dead_letter"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
	BatchSize         int           `mapstructure:"batch_size"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
}

type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	BoltPath     string `mapstructure:"bolt_path"`
	InputBucket  string `mapstructure:"input_bucket"`
	OutputBucket string `mapstructure:"output_bucket"`
	StageBucket  string `mapstructure:"stage_bucket"`
	ResultFormat string `mapstructure:"result_format"`
	ResultSuffix string `mapstructure:"result_suffix"`
}

type IndexConfig struct {
	Source  string `mapstructure:"source"` // file | blob | postgres
	Path    string `mapstructure:"path"`
	Bucket  string `mapstructure:"bucket"`
	Key     string `mapstructure:"key"`
	Matcher string `mapstructure:"matcher"` // linear | qdrant
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

type ExtractorConfig struct {
	Backend  string `mapstructure:"backend"` // python | native
	Python   string `mapstructure:"python"`
	Script   string `mapstructure:"script"`
	Engines  int    `mapstructure:"engines"`
	ModelDir string `mapstructure:"model_dir"`
}

type TranscodeConfig struct {
	FFmpeg string `mapstructure:"ffmpeg"`
}

type InvokeConfig struct {
	Backend  string `mapstructure:"backend"` // queue | lambda
	Function string `mapstructure:"function"`
}

type WorkerConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	Handlers           int           `mapstructure:"handlers"`
	IdleBackoffInitial time.Duration `mapstructure:"idle_backoff_initial"`
	IdleBackoffMax     time.Duration `mapstructure:"idle_backoff_max"`
	ReleaseInitial     time.Duration `mapstructure:"release_initial"`
	ReleaseMax         time.Duration `mapstructure:"release_max"`
	RetryMaxTries      uint          `mapstructure:"retry_max_tries"`
	Poison             string        `mapstructure:"poison"` // ack | dead-letter
	MaxReceives        int           `mapstructure:"max_receives"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type TracingConfig struct {
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("queue.backend", "sqs")
	v.SetDefault("queue.request", "")
	v.SetDefault("queue.response", "")
	v.SetDefault("queue.chain", "")
	v.SetDefault("queue.events", "")
	v.SetDefault("queue.dead_letter", "")
	v.SetDefault("queue.visibility_timeout", 30*time.Second)
	v.SetDefault("queue.wait_time", 10*time.Second)
	v.SetDefault("queue.batch_size", 1)
	v.SetDefault("queue.dedup_window", 5*time.Minute)

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.bolt_path", "data/blobs.db")
	v.SetDefault("storage.input_bucket", "")
	v.SetDefault("storage.output_bucket", "")
	v.SetDefault("storage.stage_bucket", "")
	v.SetDefault("storage.result_format", "json")
	v.SetDefault("storage.result_suffix", "")

	v.SetDefault("index.source", "file")
	v.SetDefault("index.path", "data/index.msgpack")
	v.SetDefault("index.bucket", "")
	v.SetDefault("index.key", "index.msgpack")
	v.SetDefault("index.matcher", "linear")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "facequeue_identities")

	v.SetDefault("extractor.backend", "python")
	v.SetDefault("extractor.python", "python3")
	v.SetDefault("extractor.script", "python/worker.py")
	v.SetDefault("extractor.engines", 1)
	v.SetDefault("extractor.model_dir", "models")

	v.SetDefault("transcode.ffmpeg", "ffmpeg")

	v.SetDefault("invoke.backend", "queue")
	v.SetDefault("invoke.function", "")

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.handlers", 1)
	v.SetDefault("worker.idle_backoff_initial", 500*time.Millisecond)
	v.SetDefault("worker.idle_backoff_max", 30*time.Second)
	v.SetDefault("worker.release_initial", time.Second)
	v.SetDefault("worker.release_max", 5*time.Minute)
	v.SetDefault("worker.retry_max_tries", 3)
	v.SetDefault("worker.poison", "ack")
	v.SetDefault("worker.max_receives", 0)

	v.SetDefault("database.url", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "facequeue")
	v.SetDefault("mqtt.topic_prefix", "facequeue/results")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("health.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path (optional) and the environment.
// An explicit path that cannot be read is an error; the default file is
// only read if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FACEQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			v.SetConfigFile(DefaultFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value)
}

// Check rejects values no command can run with.
func (c *Config) Check() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(oneOf("queue.backend", c.Queue.Backend, "sqs", "nats"))
	add(oneOf("storage.backend", c.Storage.Backend, "s3", "bolt"))
	add(oneOf("storage.result_format", c.Storage.ResultFormat, "json", "text"))
	add(oneOf("index.source", c.Index.Source, "file", "blob", "postgres"))
	add(oneOf("index.matcher", c.Index.Matcher, "linear", "qdrant"))
	add(oneOf("extractor.backend", c.Extractor.Backend, "python", "native"))
	add(oneOf("invoke.backend", c.Invoke.Backend, "queue", "lambda"))
	add(oneOf("worker.poison", c.Worker.Poison, "ack", "dead-letter"))
	add(oneOf("log.format", c.Log.Format, "text", "json"))
	add(oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"))
	if c.Queue.BatchSize < 1 || c.Queue.BatchSize > 10 {
		add(fmt.Errorf("queue.batch_size must be between 1 and 10, got %d", c.Queue.BatchSize))
	}
	if c.Worker.Concurrency < 1 {
		add(fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency))
	}
	if c.Extractor.Engines < 1 {
		add(fmt.Errorf("extractor.engines must be at least 1, got %d", c.Extractor.Engines))
	}
	return errors.Join(errs...)
}

// Validate returns warnings for settings that are legal but likely wrong.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Queue.VisibilityTimeout > 0 && c.Queue.WaitTime >= c.Queue.VisibilityTimeout {
		warnings = append(warnings, fmt.Sprintf("queue.wait_time %s is not shorter than queue.visibility_timeout %s", c.Queue.WaitTime, c.Queue.VisibilityTimeout))
	}
	if c.Queue.Backend == "sqs" && c.Queue.WaitTime > 20*time.Second {
		warnings = append(warnings, fmt.Sprintf("queue.wait_time %s exceeds the SQS maximum of 20s and will be clamped", c.Queue.WaitTime))
	}
	if c.Worker.Poison == "dead-letter" && c.Queue.DeadLetter == "" {
		warnings = append(warnings, "worker.poison is dead-letter but queue.dead_letter is empty; poison messages will be dropped")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing.sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}
	if c.Worker.Handlers > c.Queue.BatchSize {
		warnings = append(warnings, fmt.Sprintf("worker.handlers %d exceeds queue.batch_size %d; extra handlers stay idle", c.Worker.Handlers, c.Queue.BatchSize))
	}
	return warnings
}
