package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-org/matrix-recorder/internal"
)

// Check that N successful tasks resolve in submission order and never overlap.
func TestQueueOrderingNoOverlap(t *testing.T) {
	var inFlight int32
	var mu sync.Mutex
	var started []string
	fn := func(ctx context.Context, url string) ([]byte, error) {
		if n := atomic.AddInt32(&inFlight, 1); n != 1 {
			t.Errorf("%d fetches in flight at once", n)
		}
		mu.Lock()
		started = append(started, url)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return []byte(url), nil
	}
	q := NewQueue(fn, Options{})
	q.Start()
	defer q.Stop()

	var results []<-chan Result
	var want []string
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://localhost/media/%d", i)
		want = append(want, url)
		results = append(results, q.Enqueue(context.Background(), url))
	}

	// record the order in which callers observe their responses
	observed := make(chan string, len(results))
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(ch <-chan Result) {
			defer wg.Done()
			res := <-ch
			if res.Err != nil {
				t.Errorf("unexpected error: %s", res.Err)
				return
			}
			observed <- string(res.Body)
		}(results[i])
	}
	wg.Wait()
	close(observed)

	for i, url := range want {
		if started[i] != url {
			t.Fatalf("task %d: started %s want %s", i, started[i], url)
		}
	}
	count := 0
	for range observed {
		count++
	}
	if count != len(want) {
		t.Fatalf("got %d responses want %d", count, len(want))
	}
}

func TestQueueRetriesOnce(t *testing.T) {
	attempts := map[string]int{}
	var mu sync.Mutex
	fn := func(ctx context.Context, url string) ([]byte, error) {
		mu.Lock()
		attempts[url]++
		n := attempts[url]
		mu.Unlock()
		switch url {
		case "flaky":
			if n == 1 {
				return nil, errors.New("connection reset")
			}
			return []byte("ok"), nil
		case "broken":
			return nil, errors.New("connection refused")
		default:
			return []byte(url), nil
		}
	}
	q := NewQueue(fn, Options{})
	q.Start()
	defer q.Stop()

	flaky := q.Enqueue(context.Background(), "flaky")
	broken := q.Enqueue(context.Background(), "broken")
	after := q.Enqueue(context.Background(), "after")

	res := <-flaky
	if res.Err != nil {
		t.Fatalf("flaky: want success after a retry, got %s", res.Err)
	}
	if string(res.Body) != "ok" {
		t.Fatalf("flaky: got body %q", res.Body)
	}

	res = <-broken
	if res.Err == nil {
		t.Fatalf("broken: want error, got body %q", res.Body)
	}
	if !errors.Is(res.Err, internal.ErrFetch) {
		t.Fatalf("broken: want ErrFetch, got %s", res.Err)
	}

	res = <-after
	if res.Err != nil || string(res.Body) != "after" {
		t.Fatalf("after: queue did not advance past a failed task: %v %q", res.Err, res.Body)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts["flaky"] != 2 {
		t.Errorf("flaky: got %d attempts want 2", attempts["flaky"])
	}
	if attempts["broken"] != 2 {
		t.Errorf("broken: got %d attempts want 2", attempts["broken"])
	}
	if attempts["after"] != 1 {
		t.Errorf("after: got %d attempts want 1", attempts["after"])
	}
}

// A retry holds the worker: nothing else may start until the failing task is resolved.
func TestQueueRetryHoldsTurn(t *testing.T) {
	var order []string
	var mu sync.Mutex
	fn := func(ctx context.Context, url string) ([]byte, error) {
		mu.Lock()
		order = append(order, url)
		mu.Unlock()
		if url == "a" {
			return nil, errors.New("nope")
		}
		return nil, nil
	}
	q := NewQueue(fn, Options{})
	q.Start()
	defer q.Stop()
	a := q.Enqueue(context.Background(), "a")
	b := q.Enqueue(context.Background(), "b")
	<-a
	<-b
	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "a", "b"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("got attempt order %v want %v", order, want)
	}
}

func TestQueueTimeout(t *testing.T) {
	fn := func(ctx context.Context, url string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	q := NewQueue(fn, Options{Timeout: 10 * time.Millisecond})
	q.Start()
	defer q.Stop()
	_, err := q.Fetch(context.Background(), "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestHTTPFunc(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(401)
			return
		}
		if r.URL.Path == "/missing" {
			w.WriteHeader(404)
			return
		}
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	fn := HTTPFunc(srv.Client(), "secret")
	body, err := fn(context.Background(), srv.URL+"/file")
	if err != nil {
		t.Fatalf("HTTPFunc: %s", err)
	}
	if string(body) != "hello" {
		t.Fatalf("got body %q", body)
	}
	if _, err = fn(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatalf("HTTPFunc: want error on 404")
	}
}
