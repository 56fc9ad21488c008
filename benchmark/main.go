package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	hqm "github.com/aneuhaus/http-queue-manager"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var (
	redisAddr = flag.String("redis", "localhost:6379", "Redis server address")
	dbDSN     = flag.String("dsn", "hqm:hqm@tcp(localhost:3306)/hqm?parseTime=true", "MySQL DSN")
)

type BenchmarkResult struct {
	Name     string
	Requests int
	Workers  int
	Duration time.Duration
	Rate     float64
	RateK    float64
	Success  int64
	Failed   int64
}

var allResults []BenchmarkResult

func clearRedis() {
	client := redis.NewClient(&redis.Options{
		Addr: *redisAddr,
	})
	defer client.Close()
	client.FlushAll(context.Background())
}

func clearDatabase() {
	db, err := sql.Open("mysql", *dbDSN)
	if err != nil {
		log.Fatalf("could not open database: %v", err)
	}
	defer db.Close()
	db.Exec("DELETE FROM request_attempts")
	db.Exec("DELETE FROM requests")
}

func newEngine(extra func(*hqm.Config)) *hqm.Engine {
	cfg := hqm.Config{
		DatabaseDSN: *dbDSN,
		LogLevel:    hqm.ErrorLevel,
	}
	if extra != nil {
		extra(&cfg)
	}
	eng, err := hqm.NewEngine(hqm.RedisClientOpt{Addr: *redisAddr}, cfg)
	if err != nil {
		log.Fatalf("could not create engine: %v", err)
	}
	return eng
}

// nopHTTPClient replies 200 without touching the network, so dispatch
// benchmarks measure engine machinery rather than a target server.
type nopHTTPClient struct{}

func (nopHTTPClient) Do(ctx context.Context, req *hqm.HTTPRequest) (*hqm.HTTPResponse, error) {
	return &hqm.HTTPResponse{StatusCode: 200, Duration: time.Microsecond}, nil
}

// BenchmarkEnqueue tests raw enqueue throughput.
func BenchmarkEnqueue(numRequests, concurrency int, enqueueRate rate.Limit) BenchmarkResult {
	log.Printf("\n=== ENQUEUE BENCHMARK ===")
	log.Printf("Requests: %d, Concurrency: %d goroutines, Rate: %v/s", numRequests, concurrency, enqueueRate)

	eng := newEngine(nil)
	defer eng.Shutdown()

	payload, _ := json.Marshal(map[string]interface{}{
		"data":      "benchmark payload data for testing throughput",
		"timestamp": time.Now().Unix(),
	})

	var wg sync.WaitGroup
	var successCount int64
	var failCount int64

	limiter := rate.NewLimiter(enqueueRate, concurrency)
	requestsPerWorker := numRequests / concurrency
	ctx := context.Background()
	start := time.Now()

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < requestsPerWorker; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				req := hqm.NewRequest("POST", "https://bench.example.com/sink", payload)
				_, err := eng.Enqueue(ctx, req)
				if err != nil {
					atomic.AddInt64(&failCount, 1)
				} else {
					atomic.AddInt64(&successCount, 1)
				}
			}
		}()
	}

	wg.Wait()
	duration := time.Since(start)

	r := float64(successCount) / duration.Seconds()
	result := BenchmarkResult{
		Name:     fmt.Sprintf("Enqueue (concurrency=%d)", concurrency),
		Requests: numRequests,
		Workers:  concurrency,
		Duration: duration,
		Rate:     r,
		RateK:    r / 1000,
		Success:  successCount,
		Failed:   failCount,
	}

	log.Printf("Results:")
	log.Printf("  Duration: %v", duration)
	log.Printf("  Success: %d, Failed: %d", successCount, failCount)
	log.Printf("  Enqueue Rate: %.2f requests/sec", r)

	return result
}

// BenchmarkDispatch tests dispatch throughput against a no-op HTTP client.
func BenchmarkDispatch(numRequests, concurrency int) BenchmarkResult {
	log.Printf("\n=== DISPATCH BENCHMARK ===")
	log.Printf("Requests: %d, Concurrency: %d", numRequests, concurrency)

	// First, enqueue all requests with a paused-equivalent engine (never
	// started, so nothing dispatches yet).
	log.Println("Pre-enqueueing requests...")
	enq := newEngine(nil)
	payload := []byte(`{"data":"benchmark"}`)
	const batchSize = 100
	ctx := context.Background()
	for i := 0; i < numRequests; i += batchSize {
		reqs := make([]*hqm.Request, 0, batchSize)
		for j := 0; j < batchSize && i+j < numRequests; j++ {
			reqs = append(reqs, hqm.NewRequest("POST", "https://bench.example.com/sink", payload))
		}
		if _, err := enq.EnqueueMany(ctx, reqs); err != nil {
			log.Fatalf("could not enqueue batch: %v", err)
		}
	}
	enq.Shutdown()
	log.Printf("Pre-enqueued %d requests", numRequests)

	var processedCount int64
	eng := newEngine(func(cfg *hqm.Config) {
		cfg.HTTPClient = nopHTTPClient{}
		cfg.Backpressure.MaxConcurrency = concurrency
	})
	eng.OnComplete(func(ev *hqm.CompleteEvent) error {
		atomic.AddInt64(&processedCount, 1)
		return nil
	})

	start := time.Now()
	if err := eng.Start(); err != nil {
		log.Fatalf("could not start engine: %v", err)
	}

	timeout := time.After(120 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			count := atomic.LoadInt64(&processedCount)
			if count >= int64(numRequests) {
				duration := time.Since(start)
				r := float64(count) / duration.Seconds()
				log.Printf("Results:")
				log.Printf("  Duration: %v", duration)
				log.Printf("  Dispatched: %d requests", count)
				log.Printf("  Dispatch Rate: %.2f requests/sec", r)
				eng.Shutdown()
				return BenchmarkResult{
					Name:     fmt.Sprintf("Dispatch (concurrency=%d)", concurrency),
					Requests: numRequests,
					Workers:  concurrency,
					Duration: duration,
					Rate:     r,
					RateK:    r / 1000,
					Success:  count,
				}
			}
		case <-timeout:
			count := atomic.LoadInt64(&processedCount)
			duration := time.Since(start)
			r := float64(count) / duration.Seconds()
			log.Printf("TIMEOUT - Results so far:")
			log.Printf("  Dispatched: %d requests in %v", count, duration)
			eng.Shutdown()
			return BenchmarkResult{
				Name:     fmt.Sprintf("Dispatch (concurrency=%d)", concurrency),
				Requests: numRequests,
				Workers:  concurrency,
				Duration: duration,
				Rate:     r,
				RateK:    r / 1000,
				Success:  count,
				Failed:   int64(numRequests) - count,
			}
		}
	}
}

func printSummaryTable() {
	fmt.Println("\n==============================================================================")
	fmt.Println("                          BENCHMARK RESULTS SUMMARY")
	fmt.Println("==============================================================================")
	fmt.Printf("%-40s %10s %10s %12s\n", "Test", "Requests", "Workers", "Rate (K/s)")
	for _, r := range allResults {
		fmt.Printf("%-40s %10d %10d %10.2f K\n", r.Name, r.Requests, r.Workers, r.RateK)
	}
	fmt.Println("==============================================================================")
}

func main() {
	flag.Parse()
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Printf("hqm benchmark suite")
	log.Printf("CPU Cores: %d | GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	for _, concurrency := range []int{10, 50} {
		clearRedis()
		clearDatabase()
		allResults = append(allResults, BenchmarkEnqueue(10000, concurrency, rate.Inf))
	}

	// Rate-shaped enqueue mimics a steady producer rather than a burst.
	clearRedis()
	clearDatabase()
	allResults = append(allResults, BenchmarkEnqueue(5000, 10, rate.Limit(1000)))

	for _, concurrency := range []int{10, 50} {
		clearRedis()
		clearDatabase()
		allResults = append(allResults, BenchmarkDispatch(10000, concurrency))
	}

	printSummaryTable()
	log.Printf("Benchmark complete")
}
