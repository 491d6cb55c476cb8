// Package main provides a standalone CLI tool for enqueueing test messages
// through the mailqueue HTTP API. It supports batch sending with rate
// limiting and can hash client API keys for the server config.
//
// Usage:
//
//	enqueue-client --api-key secret --to member@example.org --subject "Test"
//	enqueue-client --count 100 --rate 10 --to member@example.org
//	enqueue-client --hash-key secret
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docmchurch/mailqueue/internal/auth"
	"github.com/docmchurch/mailqueue/internal/queue"
)

type config struct {
	server      string
	apiKey      string
	to          stringSlice
	sender      string
	subject     string
	html        string
	text        string
	maxAttempts int
	trackOpens  bool
	count       int
	rate        float64
	timeout     time.Duration
	hashKey     string
}

// stringSlice implements flag.Value for repeatable --to flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type enqueueResult struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	Error         string `json:"error"`
}

func main() {
	cfg := parseFlags()

	if cfg.hashKey != "" {
		hash, err := auth.HashAPIKey(cfg.hashKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if len(cfg.to) == 0 {
		fmt.Fprintln(os.Stderr, "error: at least one --to is required")
		flag.Usage()
		os.Exit(2)
	}

	fmt.Printf("Enqueue Client\n")
	fmt.Printf("  Server:   %s\n", cfg.server)
	fmt.Printf("  To:       %s\n", strings.Join(cfg.to, ", "))
	fmt.Printf("  Count:    %d\n", cfg.count)
	if cfg.count > 1 {
		fmt.Printf("  Rate:     %.1f messages/sec\n", cfg.rate)
	}
	fmt.Println()

	client := &http.Client{Timeout: cfg.timeout}

	var (
		successCount int
		failCount    int
		totalSend    time.Duration
	)

	interval := time.Duration(0)
	if cfg.count > 1 && cfg.rate > 0 {
		interval = time.Duration(float64(time.Second) / cfg.rate)
	}

	total := cfg.count * len(cfg.to)
	seq := 0
	for i := 0; i < cfg.count; i++ {
		for _, to := range cfg.to {
			if seq > 0 && interval > 0 {
				time.Sleep(interval)
			}
			seq++

			req := cfg.request(to, i+1)
			start := time.Now()
			res, err := enqueue(client, cfg, req)
			d := time.Since(start)
			totalSend += d

			if err != nil {
				failCount++
				fmt.Printf("  [%d/%d] FAIL (%s): %v\n", seq, total, d, err)
				continue
			}
			successCount++
			fmt.Printf("  [%d/%d] OK   (%s) id=%s correlation=%s\n", seq, total, d, res.ID, res.CorrelationID)
		}
	}

	fmt.Println()
	fmt.Printf("Results: %d accepted, %d failed, total time %s\n", successCount, failCount, totalSend)

	if failCount > 0 {
		os.Exit(1)
	}
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.server, "server", "http://localhost:8080", "mailqueue API base URL")
	flag.StringVar(&cfg.apiKey, "api-key", os.Getenv("MAILQUEUE_API_KEY"), "Client API key (default $MAILQUEUE_API_KEY)")
	flag.Var(&cfg.to, "to", "Recipient email address (can be specified multiple times)")
	flag.StringVar(&cfg.sender, "sender", "", "Preferred sending account")
	flag.StringVar(&cfg.subject, "subject", "Test Message", "Message subject")
	flag.StringVar(&cfg.html, "html", "<p>This is a test message sent by mailqueue enqueue-client.</p>", "HTML body")
	flag.StringVar(&cfg.text, "text", "", "Plain text body")
	flag.IntVar(&cfg.maxAttempts, "max-attempts", 0, "Delivery attempts before failing (0 uses the server default)")
	flag.BoolVar(&cfg.trackOpens, "track-opens", false, "Embed an open tracking pixel")
	flag.IntVar(&cfg.count, "count", 1, "Number of messages per recipient (for batch testing)")
	flag.Float64Var(&cfg.rate, "rate", 1, "Messages per second for batch sending")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "HTTP request timeout")
	flag.StringVar(&cfg.hashKey, "hash-key", "", "Print the bcrypt hash of the given API key and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: enqueue-client [options]\n\n")
		fmt.Fprintf(os.Stderr, "A CLI tool for enqueueing test messages through the mailqueue API.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  enqueue-client --api-key secret --to member@example.org\n")
		fmt.Fprintf(os.Stderr, "  enqueue-client --sender news@example.org --track-opens --to member@example.org\n")
		fmt.Fprintf(os.Stderr, "  enqueue-client --count 100 --rate 10 --to member@example.org\n")
		fmt.Fprintf(os.Stderr, "  enqueue-client --hash-key secret\n")
	}

	flag.Parse()
	return cfg
}

func (cfg config) request(to string, seq int) queue.EnqueueRequest {
	req := queue.EnqueueRequest{
		To:          to,
		Subject:     cfg.subject,
		HTMLBody:    cfg.html,
		TextBody:    cfg.text,
		Sender:      cfg.sender,
		MaxAttempts: cfg.maxAttempts,
		Metadata:    map[string]any{"source": "enqueue-client"},
	}
	if cfg.count > 1 {
		req.Subject = fmt.Sprintf("%s [%d/%d]", cfg.subject, seq, cfg.count)
	}
	if cfg.trackOpens {
		req.Metadata["track_opens"] = true
	}
	return req
}

func enqueue(client *http.Client, cfg config, req queue.EnqueueRequest) (*enqueueResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, strings.TrimRight(cfg.server, "/")+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.apiKey != "" {
		httpReq.Header.Set("X-API-Key", cfg.apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var res enqueueResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode != http.StatusAccepted {
		if res.Error == "" {
			res.Error = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, res.Error)
	}
	return &res, nil
}
