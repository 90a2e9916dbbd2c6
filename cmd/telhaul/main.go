// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"

	"github.com/telhaul/telhaul"
	"github.com/telhaul/telhaul/config"
	"github.com/telhaul/telhaul/cost"
	"github.com/telhaul/telhaul/enrich"
	"github.com/telhaul/telhaul/export"
	"github.com/telhaul/telhaul/health"
	"github.com/telhaul/telhaul/ingest"
	"github.com/telhaul/telhaul/otelconfig"
	"github.com/telhaul/telhaul/pipeline"
	"github.com/telhaul/telhaul/sink/hec"
	"github.com/telhaul/telhaul/sink/pubsub"
	"github.com/telhaul/telhaul/sink/sqs"

	gcppubsub "cloud.google.com/go/pubsub/apiv1"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

//go:embed config.yaml
var cfgDir embed.FS

func main() {
	app := telhaul.New(
		telhaul.Name("telhaul"),
		telhaul.Config(config.FromYaml(config.NewFileReader(cfgDir, "config.yaml"))),
		telhaul.Config(config.FromEnv("TELHAUL_")),
		telhaul.WithRuntimeBuilderFunc(buildRuntime),
	)

	err := app.Run(os.Args[1:]...)
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// sinkConfig binds one sink of a pipeline. Exactly one of the fields must
// be set.
type sinkConfig struct {
	HEC    *hec.Config    `config:"hec"`
	SQS    *sqs.Config    `config:"sqs"`
	PubSub *pubsub.Config `config:"pubsub"`
}

type pipelineConfig struct {
	pipeline.Config `config:",squash"`

	Sinks []sinkConfig `config:"sinks"`
}

type appConfig struct {
	Logging struct {
		Level string `config:"level"`
	} `config:"logging"`

	OTel struct {
		// Mode selects how spans leave the process: none, local or otlp.
		Mode   string `config:"mode"`
		Target string `config:"target"`
	} `config:"otel"`

	Ingest ingest.Config `config:"ingest"`

	Identity enrich.Identity `config:"identity"`

	Pricing cost.Pricing `config:"pricing"`

	Pipelines []pipelineConfig `config:"pipelines"`
}

func buildRuntime(ctx context.Context) (telhaul.Runtime, error) {
	var cfg appConfig
	err := telhaul.ConfigFromContext(ctx).Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Pipelines) == 0 {
		return nil, errors.New("at least one pipeline must be configured")
	}

	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	telhaul.LifecycleFromContext(ctx).PostRun(func(context.Context) error {
		// stderr sync failures on shutdown are not actionable
		_ = log.Sync()
		return nil
	})

	err = initTracing(ctx, cfg)
	if err != nil {
		return nil, err
	}

	metrics := health.New()
	identity := cfg.Identity.Overrides()

	rts := make([]telhaul.Runtime, 0, len(cfg.Pipelines)+1)
	pipes := make([]*pipeline.Pipeline, 0, len(cfg.Pipelines))
	for _, pc := range cfg.Pipelines {
		sinks, err := buildSinks(ctx, pc.Sinks, log)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", pc.Name, err)
		}

		pcfg := pc.Config
		pcfg.ResourceOverrides = mergeOverrides(identity, pcfg.ResourceOverrides)

		p, err := pipeline.New(pcfg, sinks, metrics, pipeline.Logger(log))
		if err != nil {
			return nil, err
		}
		pipes = append(pipes, p)
		rts = append(rts, p)
	}

	var recvOpts []pipeline.ReceiverOption
	if cfg.Pricing.InPerKToken > 0 || cfg.Pricing.OutPerKToken > 0 {
		recvOpts = append(recvOpts, pipeline.Pricing(cfg.Pricing))
		log.Info("cost annotation enabled",
			zap.Float64("price_in_per_ktoken", cfg.Pricing.InPerKToken),
			zap.Float64("price_out_per_ktoken", cfg.Pricing.OutPerKToken),
			zap.Float64("cost_scale", cfg.Pricing.Scale),
		)
	}
	recv := pipeline.NewReceiver(pipeline.NewRouter(metrics, log, pipes...), metrics, recvOpts...)

	rts = append(rts, ingest.NewRuntime(recv, metrics,
		ingest.ListenOnPort(cfg.Ingest.Port),
		ingest.Logger(log),
	))

	return telhaul.Runtimes(rts...), nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

func initTracing(ctx context.Context, cfg appConfig) error {
	var init otelconfig.Initializer
	switch cfg.OTel.Mode {
	case "", "none":
		init = otelconfig.Noop
	case "local":
		init = otelconfig.Local(
			otelconfig.ServiceName(cfg.Identity.ServiceName),
			otelconfig.ServiceNamespace(cfg.Identity.ServiceNamespace),
			otelconfig.Environment(cfg.Identity.Environment),
		)
	case "otlp":
		init = otelconfig.OTLP(
			otelconfig.Target(cfg.OTel.Target),
			otelconfig.ServiceName(cfg.Identity.ServiceName),
			otelconfig.ServiceNamespace(cfg.Identity.ServiceNamespace),
			otelconfig.Environment(cfg.Identity.Environment),
		)
	default:
		return fmt.Errorf("unknown otel mode: %s", cfg.OTel.Mode)
	}

	tp, err := init.Init()
	if err != nil {
		return err
	}
	otel.SetTracerProvider(tp)

	telhaul.LifecycleFromContext(ctx).PostRun(func(ctx context.Context) error {
		sd, ok := tp.(interface{ Shutdown(context.Context) error })
		if !ok {
			return nil
		}
		return sd.Shutdown(ctx)
	})
	return nil
}

func buildSinks(ctx context.Context, scs []sinkConfig, log *zap.Logger) ([]export.Deliverer, error) {
	sinks := make([]export.Deliverer, 0, len(scs))
	for i, sc := range scs {
		var s export.Deliverer
		var err error
		switch {
		case sc.HEC != nil:
			s, err = hec.New(*sc.HEC, hec.Logger(log))
		case sc.SQS != nil:
			cfg, cfgErr := awsconfig.LoadDefaultConfig(ctx)
			if cfgErr != nil {
				return nil, fmt.Errorf("sink %d: load aws config: %w", i, cfgErr)
			}
			s, err = sqs.New(*sc.SQS, sqs.Client(awssqs.NewFromConfig(cfg)), sqs.Logger(log))
		case sc.PubSub != nil:
			client, clientErr := gcppubsub.NewPublisherClient(ctx)
			if clientErr != nil {
				return nil, fmt.Errorf("sink %d: create pubsub client: %w", i, clientErr)
			}
			s, err = pubsub.New(*sc.PubSub, pubsub.Client(client), pubsub.Logger(log))
		default:
			return nil, fmt.Errorf("sink %d: one of hec, sqs or pubsub must be set", i)
		}
		if err != nil {
			return nil, fmt.Errorf("sink %d: %w", i, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// mergeOverrides unions identity overrides into the pipeline-level ones.
// Keys set explicitly on the pipeline win over the process identity.
func mergeOverrides(identity, overrides map[string]string) map[string]string {
	if len(identity) == 0 {
		return overrides
	}
	out := make(map[string]string, len(identity)+len(overrides))
	for k, v := range identity {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
