package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	recorder "github.com/matrix-org/matrix-recorder"
	"github.com/matrix-org/matrix-recorder/internal"
	"github.com/matrix-org/matrix-recorder/kvstore"
	"github.com/matrix-org/matrix-recorder/orchestrator"
	"github.com/matrix-org/matrix-recorder/sync2"
)

var GitCommit string

const version = "0.1.0"

const (
	EnvDB           = "RECORDER_DB"
	EnvMetrics      = "RECORDER_METRICS"
	EnvDebug        = "RECORDER_LOG_LEVEL"
	EnvSentryDsn    = "SENTRY_DSN"
	EnvOTLP         = "RECORDER_OTLP_URL"
	EnvOTLPUsername = "RECORDER_OTLP_USERNAME"
	EnvOTLPPassword = "RECORDER_OTLP_PASSWORD"
)

var (
	flagDB           = flag.String("db", os.Getenv(EnvDB), "Postgres DB connection string (see lib/pq docs). Defaults to an SQLite database in the recorder directory")
	flagInitialLimit = flag.Int("initial-limit", 0, "Number of events per room to retrieve on the first run. Asked for if unset")
	flagFetchTimeout = flag.Duration("fetch-timeout", time.Minute, "Timeout for each media download attempt")
	flagMetrics      = flag.String("metrics", os.Getenv(EnvMetrics), "Bind address for Prometheus metrics, e.g. :2112. Disabled if empty")
	flagLogLevel     = flag.String("log-level", os.Getenv(EnvDebug), "One of trace, debug, info, warn, error")
	flagOTLP         = flag.String("otlp-url", os.Getenv(EnvOTLP), "OTLP HTTP endpoint to send traces to. Disabled if empty")
)

var homeserverFormat = regexp.MustCompile(`^(https?://[a-z0-9A-Z.-]+(:[0-9]+)?(/.*)?|/.+)$`)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <recorder directory>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(start(flag.Arg(0)))
}

// start returns the exit code, so deferred flushes run before exiting.
func start(dir string) int {
	fullVersion := version
	if GitCommit != "" {
		fullVersion += "-" + GitCommit
	}
	sync2.Version = fullVersion
	recorder.Version = fullVersion
	fmt.Printf("Matrix Recorder %s\n", fullVersion)

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *flagLogLevel != "" {
		lvl, err := zerolog.ParseLevel(*flagLogLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid log level %q: %s\n", *flagLogLevel, err)
			return 1
		}
		zerolog.SetGlobalLevel(lvl)
	}

	if dsn := os.Getenv(EnvSentryDsn); dsn != "" {
		if err := internal.ConfigureSentry(dsn, fullVersion); err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure sentry: %s\n", err)
			return 1
		}
		defer sentry.Flush(2 * time.Second)
	}
	if *flagOTLP != "" {
		shutdown, err := internal.ConfigureOTLP(*flagOTLP, os.Getenv(EnvOTLPUsername), os.Getenv(EnvOTLPPassword), fullVersion)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure OTLP: %s\n", err)
			return 1
		}
		defer shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, dir); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, dir string) error {
	if _, err := recorder.EnsureLayout(dir); err != nil {
		return err
	}
	kv, err := kvstore.Open(filepath.Join(dir, kvstore.Filename))
	if err != nil {
		return err
	}

	initialLimit := *flagInitialLimit
	if kv.Get(kvstore.KeyAccessToken) == "" {
		fmt.Printf("No login found in %s, setting up a new recorder.\n", dir)
		p := newPrompter(os.Stdin, os.Stdout)
		if err = firstRun(ctx, p, kv); err != nil {
			return err
		}
		if initialLimit <= 0 {
			initialLimit, err = p.askLimit()
			if err != nil {
				return err
			}
		}
	}

	r, err := recorder.Setup(ctx, dir, kv, recorder.Opts{
		DBURL:          *flagDB,
		InitialLimit:   initialLimit,
		FetchTimeout:   *flagFetchTimeout,
		RecentMediaTTL: time.Hour,
		MetricsAddr:    *flagMetrics,
	})
	if err != nil {
		return err
	}
	fmt.Println("Recording. Press Ctrl+C to stop.")
	return r.Run(ctx)
}

func firstRun(ctx context.Context, p *prompter, kv kvstore.Store) error {
	homeserver, err := p.ask("Your homeserver (give full URL)", homeserverFormat)
	if err != nil {
		return err
	}
	user, err := p.ask("Your username at the homeserver", regexp.MustCompile(`^.+$`))
	if err != nil {
		return err
	}
	password, err := p.askSecret("Your password at the homeserver")
	if err != nil {
		return err
	}
	fmt.Fprintln(p.out, "Trying to log in...")
	if err = recorder.Login(ctx, kv, homeserver, user, password); err != nil {
		return fmt.Errorf("error when trying to log in: %w", err)
	}
	fmt.Fprintf(p.out, "Logged in as %s\n", kv.Get(kvstore.KeyUserID))
	return nil
}

type prompter struct {
	in  *bufio.Reader
	fd  int
	out io.Writer
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	return &prompter{
		in:  bufio.NewReader(in),
		fd:  int(in.Fd()),
		out: out,
	}
}

// ask repeats question until the trimmed answer matches format.
func (p *prompter) ask(question string, format *regexp.Regexp) (string, error) {
	for {
		fmt.Fprintf(p.out, "%s: ", question)
		line, err := p.in.ReadString('\n')
		answer := strings.TrimSpace(line)
		if format.MatchString(answer) {
			return answer, nil
		}
		if err != nil {
			return "", fmt.Errorf("reading answer: %w", err)
		}
		fmt.Fprintf(p.out, "It should match: %s\n", format)
	}
}

// askSecret reads a line without echoing it when stdin is a terminal.
func (p *prompter) askSecret(question string) (string, error) {
	if !term.IsTerminal(p.fd) {
		return p.ask(question, regexp.MustCompile(`^.+$`))
	}
	for {
		fmt.Fprintf(p.out, "%s: ", question)
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		if len(b) > 0 {
			return string(b), nil
		}
	}
}

func (p *prompter) askLimit() (int, error) {
	answer, err := p.ask(fmt.Sprintf("No of items to retrieve for initial sync [%d]", orchestrator.DefaultInitialLimit), regexp.MustCompile(`^[0-9]*$`))
	if err != nil {
		return 0, err
	}
	return parseLimit(answer), nil
}

func parseLimit(answer string) int {
	n, err := strconv.Atoi(answer)
	if err != nil || n <= 0 {
		return orchestrator.DefaultInitialLimit
	}
	return n
}
