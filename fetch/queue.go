package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/matrix-org/matrix-recorder/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Every task is attempted once and then retried once, immediately.
const maxAttempts = 2

// Func downloads url. It is called by exactly one goroutine at a time.
type Func func(ctx context.Context, url string) ([]byte, error)

// Result is the outcome of a queued download.
type Result struct {
	Body []byte
	Err  error
}

type task struct {
	ctx      context.Context
	url      string
	attempts int
	result   chan Result
}

type Options struct {
	// Per-attempt timeout. Zero leaves timeouts to the transport.
	Timeout time.Duration
	// How many tasks may be waiting before Enqueue blocks.
	Backlog          int
	EnablePrometheus bool
}

// Queue runs downloads one at a time in submission order. Task N+1 never starts before
// task N has either succeeded or failed twice, so a single homeserver never sees more than
// one media request from us at once.
type Queue struct {
	fn      Func
	ch      chan *task
	timeout time.Duration

	attempts prometheus.Counter
	retries  prometheus.Counter
	failures prometheus.Counter
}

func NewQueue(fn Func, opts Options) *Queue {
	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = 1024
	}
	q := &Queue{
		fn:      fn,
		ch:      make(chan *task, backlog),
		timeout: opts.Timeout,
	}
	if opts.EnablePrometheus {
		q.addPrometheusMetrics()
	}
	return q
}

// Start the worker. Only call this once.
func (q *Queue) Start() {
	go q.worker()
}

// Stop the worker once the queued tasks have drained. Only call this once, and never
// call Enqueue afterwards.
func (q *Queue) Stop() {
	close(q.ch)
	if q.attempts != nil {
		prometheus.Unregister(q.attempts)
		prometheus.Unregister(q.retries)
		prometheus.Unregister(q.failures)
	}
}

// Enqueue schedules a download of url. The returned channel receives exactly one Result.
// May block if the backlog is full.
func (q *Queue) Enqueue(ctx context.Context, url string) <-chan Result {
	t := &task{
		ctx:    ctx,
		url:    url,
		result: make(chan Result, 1),
	}
	q.ch <- t
	return t.result
}

// Fetch enqueues url and waits for its result.
func (q *Queue) Fetch(ctx context.Context, url string) ([]byte, error) {
	res := <-q.Enqueue(ctx, url)
	return res.Body, res.Err
}

func (q *Queue) worker() {
	for t := range q.ch {
		q.run(t)
	}
}

func (q *Queue) run(t *task) {
	var err error
	for t.attempts < maxAttempts {
		t.attempts++
		if t.attempts > 1 {
			inc(q.retries)
		}
		inc(q.attempts)
		logger.Info().Str("url", t.url).Int("attempt", t.attempts).Msg("retrieving")
		var body []byte
		body, err = q.attempt(t)
		if err == nil {
			t.result <- Result{Body: body}
			return
		}
		logger.Warn().Err(err).Str("url", t.url).Int("attempt", t.attempts).Msg("failed to retrieve")
	}
	inc(q.failures)
	t.result <- Result{
		Err: fmt.Errorf("%w: %s after %d attempts: %w", internal.ErrFetch, t.url, t.attempts, err),
	}
}

func (q *Queue) attempt(t *task) ([]byte, error) {
	ctx := t.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	return q.fn(ctx, t.url)
}

func (q *Queue) addPrometheusMetrics() {
	q.attempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matrix_recorder",
		Subsystem: "fetch",
		Name:      "attempts",
		Help:      "Number of download attempts made, including retries",
	})
	q.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matrix_recorder",
		Subsystem: "fetch",
		Name:      "retries",
		Help:      "Number of downloads which failed once and were retried",
	})
	q.failures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matrix_recorder",
		Subsystem: "fetch",
		Name:      "failures",
		Help:      "Number of downloads which failed on both attempts",
	})
	prometheus.MustRegister(q.attempts, q.retries, q.failures)
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// HTTPFunc returns a Func which GETs the URL with client, treating any non-2xx status as a
// failure.
func HTTPFunc(client *http.Client, accessToken string) Func {
	return func(ctx context.Context, url string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		res, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode > 299 {
			io.Copy(io.Discard, res.Body)
			return nil, fmt.Errorf("GET returned %s", res.Status)
		}
		return io.ReadAll(res.Body)
	}
}
