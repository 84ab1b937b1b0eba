package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "payload size bytes")
	keys := flag.Int("keys", 64, "distinct identifiers")
	qps := flag.Float64("rate", 0, "write+read pairs per second, 0 for unlimited")
	flag.Parse()

	limit := rate.NewLimiter(rate.Inf, 0)
	if *qps > 0 {
		limit = rate.NewLimiter(rate.Limit(*qps), *conc)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var ok, conflicts, failed atomic.Int64
	ctx := context.Background()
	g := new(errgroup.Group)
	g.SetLimit(*conc)
	start := time.Now()

	for i := 0; i < *n; i++ {
		if err := limit.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			id := fmt.Sprintf("bench-%d", i%*keys)
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)

			switch status := do(client, http.MethodPost, *addr+"/msg/"+id, payload); status {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusConflict:
				conflicts.Add(1)
				do(client, http.MethodPost, *addr+"/resolve", nil)
			default:
				failed.Add(1)
			}
			if do(client, http.MethodGet, *addr+"/msg/"+id, nil) != http.StatusOK {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s)\n", *n*2, dur, float64(*n*2)/dur.Seconds())
	fmt.Printf("writes ok=%d conflicts=%d, failures=%d\n", ok.Load(), conflicts.Load(), failed.Load())
}

func do(client *http.Client, method, url string, body []byte) int {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode
}
