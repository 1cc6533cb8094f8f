package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/andresmejia3/facequeue/internal/blob"
	"github.com/andresmejia3/facequeue/internal/index"
	"github.com/andresmejia3/facequeue/internal/invoke"
	"github.com/andresmejia3/facequeue/internal/match"
	"github.com/andresmejia3/facequeue/internal/notify"
	"github.com/andresmejia3/facequeue/internal/observability"
	"github.com/andresmejia3/facequeue/internal/pipeline"
	"github.com/andresmejia3/facequeue/internal/queue"
	"github.com/andresmejia3/facequeue/internal/server"
	"github.com/andresmejia3/facequeue/internal/store"
	"github.com/andresmejia3/facequeue/internal/worker"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/nats-io/nats.go"
)

// resources builds the backends a command needs from Cfg and releases them
// in reverse order on Close.
type resources struct {
	closers []func()

	aws   *aws.Config
	nc    *nats.Conn
	blobs blob.Store
	ix    *index.Index
	m     match.Matcher
}

func (r *resources) onClose(f func()) { r.closers = append(r.closers, f) }

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *resources) awsConfig(ctx context.Context) (aws.Config, error) {
	if r.aws != nil {
		return *r.aws, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(Cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	r.aws = &cfg
	return cfg, nil
}

func (r *resources) blobStore(ctx context.Context) (blob.Store, error) {
	if r.blobs != nil {
		return r.blobs, nil
	}
	switch Cfg.Storage.Backend {
	case "bolt":
		b, err := blob.NewBolt(Cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		r.onClose(func() { b.Close() })
		r.blobs = b
	default:
		awsCfg, err := r.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		r.blobs = blob.NewS3(awsCfg, Cfg.AWS.Endpoint)
	}
	return r.blobs, nil
}

func (r *resources) natsConn() (*nats.Conn, error) {
	if r.nc != nil {
		return r.nc, nil
	}
	nc, err := nats.Connect(Cfg.NATS.URL, nats.Name("facequeue"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", Cfg.NATS.URL, err)
	}
	r.onClose(nc.Close)
	r.nc = nc
	return nc, nil
}

// streamName turns a queue name into a JetStream stream name.
func streamName(name string) string {
	return "FACEQUEUE_" + strings.ToUpper(sanitize(name))
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

// queue opens the named queue on the configured backend.
func (r *resources) queue(ctx context.Context, name string) (queue.Queue, error) {
	if name == "" {
		return nil, errors.New("queue name is empty; set it under queue.* in the config")
	}
	switch Cfg.Queue.Backend {
	case "nats":
		nc, err := r.natsConn()
		if err != nil {
			return nil, err
		}
		return queue.NewJetStream(ctx, nc, queue.JetStreamConfig{
			Stream:      streamName(name),
			Subject:     "facequeue." + sanitize(name),
			Durable:     sanitize(name) + "_workers",
			AckWait:     Cfg.Queue.VisibilityTimeout,
			DedupWindow: Cfg.Queue.DedupWindow,
			MaxInFlight: Cfg.Queue.BatchSize * Cfg.Worker.Handlers,
		})
	default:
		awsCfg, err := r.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return queue.NewSQS(awsCfg, Cfg.AWS.Endpoint, name, Cfg.Queue.VisibilityTimeout), nil
	}
}

// extractor starts the embedding backend.
func (r *resources) extractor(ctx context.Context) (worker.Extractor, error) {
	if Cfg.Extractor.Backend == "native" {
		n, err := worker.NewNative(Cfg.Extractor.ModelDir)
		if err != nil {
			return nil, err
		}
		r.onClose(n.Close)
		return n, nil
	}
	pool, err := worker.NewPool(ctx, Cfg.Extractor.Engines, worker.EngineConfig{
		Python:   Cfg.Extractor.Python,
		Script:   Cfg.Extractor.Script,
		ModelDir: Cfg.Extractor.ModelDir,
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("start embedding engines: %w", err)
	}
	r.onClose(pool.Close)
	return pool, nil
}

func (r *resources) indexSource(ctx context.Context) (index.Source, error) {
	switch Cfg.Index.Source {
	case "blob":
		blobs, err := r.blobStore(ctx)
		if err != nil {
			return nil, err
		}
		return index.BlobSource{Store: blobs, Bucket: Cfg.Index.Bucket, Key: Cfg.Index.Key}, nil
	case "postgres":
		db, err := openDB(ctx, true)
		if err != nil {
			return nil, err
		}
		return store.IdentitySource{Store: db}, nil
	default:
		return index.FileSource{Path: Cfg.Index.Path}, nil
	}
}

// index loads the reference snapshot once; every handler shares it.
func (r *resources) index(ctx context.Context) (*index.Index, error) {
	if r.ix != nil {
		return r.ix, nil
	}
	src, err := r.indexSource(ctx)
	if err != nil {
		return nil, err
	}
	ix, err := index.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	slog.Info("index loaded", "source", src.String(), "entries", ix.Len(), "dim", ix.Dim())
	r.ix = ix
	return ix, nil
}

func (r *resources) matcher(ctx context.Context) (match.Matcher, error) {
	if r.m != nil {
		return r.m, nil
	}
	if Cfg.Index.Matcher == "qdrant" {
		q, err := match.NewQdrant(Cfg.Qdrant.Host, Cfg.Qdrant.Port, Cfg.Qdrant.Collection)
		if err != nil {
			return nil, err
		}
		r.onClose(func() { q.Close() })
		r.m = q
		return q, nil
	}
	ix, err := r.index(ctx)
	if err != nil {
		return nil, err
	}
	r.m = match.NewLinear(ix)
	return r.m, nil
}

func (r *resources) invoker(ctx context.Context) (invoke.Invoker, error) {
	if Cfg.Invoke.Backend == "lambda" {
		if Cfg.Invoke.Function == "" {
			return nil, errors.New("invoke.function is required for the lambda backend")
		}
		awsCfg, err := r.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return invoke.NewLambda(awsCfg, Cfg.AWS.Endpoint, Cfg.Invoke.Function), nil
	}
	q, err := r.queue(ctx, Cfg.Queue.Chain)
	if err != nil {
		return nil, fmt.Errorf("chain queue: %w", err)
	}
	return invoke.NewQueue(q), nil
}

func retryConfig() pipeline.RetryConfig {
	return pipeline.RetryConfig{MaxTries: Cfg.Worker.RetryMaxTries}
}

// recognizer assembles the recognition stage writing to outputBucket.
func (r *resources) recognizer(ctx context.Context, outputBucket string) (*pipeline.Recognizer, error) {
	blobs, err := r.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	m, err := r.matcher(ctx)
	if err != nil {
		return nil, err
	}
	ext, err := r.extractor(ctx)
	if err != nil {
		return nil, err
	}
	responses, err := r.queue(ctx, Cfg.Queue.Response)
	if err != nil {
		return nil, fmt.Errorf("response queue: %w", err)
	}

	rec := pipeline.NewRecognizer(pipeline.RecognizerConfig{
		InputBucket:  Cfg.Storage.InputBucket,
		OutputBucket: outputBucket,
		ResultFormat: pipeline.ResultFormat(Cfg.Storage.ResultFormat),
		ResultSuffix: Cfg.Storage.ResultSuffix,
		Retry:        retryConfig(),
	}, blobs, ext, m, responses, slog.Default())

	db, err := openDB(ctx, false)
	if err != nil {
		return nil, err
	}
	if db != nil {
		rec.WithLedger(db)
	}

	if Cfg.MQTT.Broker != "" {
		n := notify.NewMQTT(notify.MQTTConfig{
			Broker:      Cfg.MQTT.Broker,
			ClientID:    Cfg.MQTT.ClientID,
			TopicPrefix: Cfg.MQTT.TopicPrefix,
			QoS:         1,
		})
		if err := n.Connect(ctx); err != nil {
			return nil, err
		}
		r.onClose(n.Close)
		rec.WithNotifier(n)
	}
	return rec, nil
}

func driverConfig(name string) pipeline.DriverConfig {
	return pipeline.DriverConfig{
		Name:           name,
		BatchSize:      Cfg.Queue.BatchSize,
		Wait:           Cfg.Queue.WaitTime,
		Concurrency:    Cfg.Worker.Concurrency,
		IdleInitial:    Cfg.Worker.IdleBackoffInitial,
		IdleMax:        Cfg.Worker.IdleBackoffMax,
		ReleaseInitial: Cfg.Worker.ReleaseInitial,
		ReleaseMax:     Cfg.Worker.ReleaseMax,
	}
}

// runDriver consumes name with h until ctx is cancelled, with tracing and
// the health endpoints when configured.
func (r *resources) runDriver(ctx context.Context, name string, h pipeline.Handler) error {
	q, err := r.queue(ctx, name)
	if err != nil {
		return err
	}

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "facequeue",
		ServiceVersion: Version,
		OTLPEndpoint:   Cfg.Tracing.Endpoint,
		SampleRate:     Cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	r.onClose(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	})

	d := pipeline.NewDriver(driverConfig(name), q, h, slog.Default())
	d.WithPolicy(pipeline.DefaultPolicy{MaxReceives: Cfg.Worker.MaxReceives})
	if Cfg.Worker.Poison == "dead-letter" {
		d.WithPolicy(pipeline.DeadLetterPolicy{MaxReceives: Cfg.Worker.MaxReceives})
		if Cfg.Queue.DeadLetter != "" {
			dlq, err := r.queue(ctx, Cfg.Queue.DeadLetter)
			if err != nil {
				return fmt.Errorf("dead-letter queue: %w", err)
			}
			d.WithDeadLetter(dlq)
		}
	}

	if Cfg.Health.Addr != "" {
		health := server.NewHealth()
		health.Register("driver", func(ctx context.Context) error {
			if d.Running() == 0 {
				return errors.New("not polling")
			}
			return nil
		})
		if c, ok := r.m.(match.Checker); ok {
			health.Register("matcher", c.Ready)
		}
		go func() {
			if err := health.Serve(ctx, Cfg.Health.Addr); err != nil {
				slog.Error("health server failed", "error", err)
			}
		}()
		slog.Info("health endpoints listening", "addr", Cfg.Health.Addr)
	}

	return d.Start(ctx, Cfg.Worker.Handlers)
}
