package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/pemistahl/lingua-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nederlandskie/feedgen/ai"
	"github.com/nederlandskie/feedgen/algos"
	"github.com/nederlandskie/feedgen/bluesky"
	"github.com/nederlandskie/feedgen/feedserver"
	"github.com/nederlandskie/feedgen/firehose"
	"github.com/nederlandskie/feedgen/store"
)

var handleOpHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "handle_op_duration",
	Help:    "A histogram of op handling durations",
	Buckets: prometheus.ExponentialBuckets(1, 2, 15),
}, []string{"op", "collection"})

var firehoseCursorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "firehose_cursor",
}, []string{"stage"})

var postsIndexedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "posts_indexed",
	Help: "Number of posts accepted into the feed index",
})

func main() {
	app := cli.App{
		Name:  "nederlandskie",
		Usage: "bluesky feed generator",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:  "max-db-connections",
			Value: store.DefaultMaxConns,
		},
		&cli.StringFlag{
			Name:    "firehose-host",
			EnvVars: []string{"FIREHOSE_HOST"},
			Value:   firehose.DefaultHost,
		},
		&cli.StringFlag{
			Name:    "hostname",
			EnvVars: []string{"FEED_GENERATOR_HOSTNAME"},
		},
		&cli.StringFlag{
			Name:    "publisher-did",
			EnvVars: []string{"PUBLISHER_DID"},
		},
		&cli.StringFlag{
			Name:    "publisher-handle",
			EnvVars: []string{"PUBLISHER_BLUESKY_HANDLE"},
		},
		&cli.StringFlag{
			Name:    "publisher-password",
			EnvVars: []string{"PUBLISHER_BLUESKY_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "chat-gpt-api-key",
			EnvVars: []string{"CHAT_GPT_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "pds-host",
			EnvVars: []string{"BLUESKY_PDS_HOST"},
			Value:   bluesky.DefaultHost,
		},
		&cli.StringFlag{
			Name:    "jaeger-url",
			EnvVars: []string{"JAEGER_URL"},
		},
		&cli.StringFlag{
			Name:  "metrics-listen",
			Value: ":4445",
		},
	}

	app.Action = runEverything
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "serve the feed skeleton endpoints only",
			Action: runServe,
		},
		{
			Name:   "index",
			Usage:  "consume the firehose and index posts only",
			Action: runIndex,
		},
		{
			Name:   "classify",
			Usage:  "classify unprocessed profiles only",
			Action: runClassify,
		},
		{
			Name:   "janitor",
			Usage:  "trim old posts once an hour",
			Action: runJanitor,
		},
		{
			Name:  "publish-feed",
			Usage: "publish the feed record so it shows up in the app",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Value: "nederlandskie"},
				&cli.StringFlag{Name: "display-name", Value: "Nederlandskie"},
				&cli.StringFlag{Name: "description"},
				&cli.StringFlag{Name: "avatar", Usage: "path to a png or jpeg"},
			},
			Action: runPublishFeed,
		},
		{
			Name:      "force-profile-country",
			Usage:     "override the classified country for a did",
			ArgsUsage: "<did> <country>",
			Action:    runForceProfileCountry,
		},
		{
			Name:   "who-am-i",
			Usage:  "log in as the publisher and print the resolved did",
			Action: runWhoAmI,
		},
	}

	app.RunAndExitOnError()
}

func runEverything(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := setupTracing(cctx.String("jaeger-url")); err != nil {
		return err
	}

	st, err := store.Connect(ctx, cctx.String("db-url"), int32(cctx.Int("max-db-connections")))
	if err != nil {
		return err
	}
	defer st.Close()

	hostname := cctx.String("hostname")
	if hostname == "" {
		return fmt.Errorf("hostname is required")
	}

	registry := buildAlgos(st)

	srv := feedserver.NewServer(registry, hostname, cctx.String("publisher-did"))
	go func() {
		if err := srv.Start(); err != nil {
			fmt.Println("feed server exited: ", err)
		}
	}()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.ListenAndServe(cctx.String("metrics-listen"), nil)
	}()

	classifier := NewProfileClassifier(
		st,
		bluesky.NewClient(cctx.String("pds-host")),
		ai.NewClassifier(cctx.String("chat-gpt-api-key")),
	)
	go classifier.Start(ctx)

	go NewJanitor(st).Start(ctx)

	indexer := NewPostIndexer(st, registry, firehose.NewSubscriber(cctx.String("firehose-host")), "did:web:"+hostname)
	return indexer.Start(ctx)
}

func runServe(cctx *cli.Context) error {
	ctx := cctx.Context

	if err := setupTracing(cctx.String("jaeger-url")); err != nil {
		return err
	}

	st, err := store.Connect(ctx, cctx.String("db-url"), int32(cctx.Int("max-db-connections")))
	if err != nil {
		return err
	}
	defer st.Close()

	srv := feedserver.NewServer(buildAlgos(st), cctx.String("hostname"), cctx.String("publisher-did"))
	return srv.Start()
}

func runIndex(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cctx.String("db-url"), int32(cctx.Int("max-db-connections")))
	if err != nil {
		return err
	}
	defer st.Close()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.ListenAndServe(cctx.String("metrics-listen"), nil)
	}()

	indexer := NewPostIndexer(st, buildAlgos(st),
		firehose.NewSubscriber(cctx.String("firehose-host")),
		"did:web:"+cctx.String("hostname"))
	return indexer.Start(ctx)
}

func runClassify(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cctx.String("db-url"), int32(cctx.Int("max-db-connections")))
	if err != nil {
		return err
	}
	defer st.Close()

	classifier := NewProfileClassifier(
		st,
		bluesky.NewClient(cctx.String("pds-host")),
		ai.NewClassifier(cctx.String("chat-gpt-api-key")),
	)
	return classifier.Start(ctx)
}

func runJanitor(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cctx.String("db-url"), int32(cctx.Int("max-db-connections")))
	if err != nil {
		return err
	}
	defer st.Close()

	return NewJanitor(st).Start(ctx)
}

func runPublishFeed(cctx *cli.Context) error {
	ctx := cctx.Context

	client, did, err := publisherLogin(cctx)
	if err != nil {
		return err
	}

	var avatar *lexutil.LexBlob
	if path := cctx.String("avatar"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading avatar: %w", err)
		}
		avatar, err = client.UploadBlob(ctx, data)
		if err != nil {
			return err
		}
	}

	feedGenDid := "did:web:" + cctx.String("hostname")
	err = client.PublishFeed(ctx, did, feedGenDid,
		cctx.String("name"),
		cctx.String("display-name"),
		cctx.String("description"),
		avatar)
	if err != nil {
		return err
	}

	fmt.Printf("published feed %s as %s\n", cctx.String("name"), did)
	return nil
}

func runForceProfileCountry(cctx *cli.Context) error {
	ctx := cctx.Context

	if cctx.NArg() != 2 {
		return fmt.Errorf("usage: force-profile-country <did> <country>")
	}
	did := cctx.Args().Get(0)
	country := cctx.Args().Get(1)

	st, err := store.Connect(ctx, cctx.String("db-url"), int32(cctx.Int("max-db-connections")))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetProfileCountry(ctx, did, country); err != nil {
		return err
	}

	fmt.Printf("set country of %s to %s\n", did, country)
	return nil
}

func runWhoAmI(cctx *cli.Context) error {
	_, did, err := publisherLogin(cctx)
	if err != nil {
		return err
	}

	fmt.Println(did)
	return nil
}

func publisherLogin(cctx *cli.Context) (*bluesky.Client, string, error) {
	handle := cctx.String("publisher-handle")
	if handle == "" {
		return nil, "", fmt.Errorf("publisher-handle is required")
	}

	client := bluesky.NewClient(cctx.String("pds-host"))
	if err := client.Login(cctx.Context, handle, cctx.String("publisher-password")); err != nil {
		return nil, "", err
	}
	return client, client.Did(), nil
}

// buildAlgos constructs the feed registry. The lingua detector loads all of
// its language models up front, which takes a while and a chunk of memory,
// so it is built exactly once.
func buildAlgos(st *store.Store) *algos.Algos {
	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(lingua.AllLanguages()...).
		WithPreloadedLanguageModels().
		Build()

	return algos.NewBuilder().
		Add("nederlandskie", algos.NewNederlandskie(detector, st)).
		Build()
}

// setupTracing points the global tracer provider at a jaeger collector. With
// no url configured, spans stay no-ops.
func setupTracing(url string) error {
	if url == "" {
		return nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
	if err != nil {
		return fmt.Errorf("setting up jaeger exporter: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "nederlandskie"),
		)),
	)
	otel.SetTracerProvider(tp)
	return nil
}
