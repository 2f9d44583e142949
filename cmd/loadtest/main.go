package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	userHeader       = "X-User-ID"
	outcomeAccepted  = "accepted"
	outcomeHTTPError = "http_error"
)

type loadMode string

const (
	modePurchase loadMode = "purchase"
	modeShop     loadMode = "shop"
)

type config struct {
	baseURL       string
	mode          loadMode
	voucherID     int64
	publishStock  int
	shopID        int64
	total         int
	concurrency   int
	duplicateRate int
	userOffset    int64
	timeout       time.Duration
	outputPath    string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type report struct {
	StartedAt       time.Time        `json:"started_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	Mode            loadMode         `json:"mode"`
	VoucherID       int64            `json:"voucher_id,omitempty"`
	Stock           int              `json:"stock,omitempty"`
	Requests        int64            `json:"requests"`
	Failed          int64            `json:"failed"`
	ErrorRate       float64          `json:"error_rate"`
	RPS             float64          `json:"rps"`
	Outcomes        map[string]int64 `json:"outcomes"`
	DistinctOrders  int              `json:"distinct_orders"`
	Oversold        bool             `json:"oversold"`
	LatencyMs       latencySummary   `json:"latency_ms"`
}

// apiResponse повторяет конверт ответа HTTP API.
type apiResponse struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	ErrorMsg string          `json:"errorMsg"`
}

type collector struct {
	mu        sync.Mutex
	outcomes  map[string]int64
	orders    map[int64]struct{}
	failed    int64
	latencies []float64
}

func newCollector() *collector {
	return &collector{
		outcomes: make(map[string]int64),
		orders:   make(map[int64]struct{}),
	}
}

func (c *collector) record(outcome string, latency time.Duration, orderID int64, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes[outcome]++
	if failed {
		c.failed++
	}
	if orderID != 0 {
		c.orders[orderID] = struct{}{}
	}
	c.latencies = append(c.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(cfg config, startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcomes := make(map[string]int64, len(c.outcomes))
	var total int64
	for outcome, count := range c.outcomes {
		outcomes[outcome] = count
		total += count
	}

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Mode:            cfg.mode,
		VoucherID:       cfg.voucherID,
		Stock:           cfg.publishStock,
		Requests:        total,
		Failed:          c.failed,
		ErrorRate:       ratio(c.failed, total),
		Outcomes:        outcomes,
		DistinctOrders:  len(c.orders),
		LatencyMs:       buildLatencySummary(c.latencies),
	}
	if cfg.publishStock > 0 && outcomes[outcomeAccepted] > int64(cfg.publishStock) {
		result.Oversold = true
	}
	if duration > 0 {
		result.RPS = float64(total) / duration.Seconds()
	}
	return result
}

func parseConfig(args []string) (config, error) {
	var (
		cfg       config
		modeValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8081", "seckill HTTP API base URL")
	fs.StringVar(&modeValue, "mode", string(modePurchase), "load mode: purchase | shop")
	fs.Int64Var(&cfg.voucherID, "voucher", 0, "voucher id to flood; ignored when -publish-stock > 0")
	fs.IntVar(&cfg.publishStock, "publish-stock", 0, "publish a fresh seckill voucher with this stock before the run")
	fs.Int64Var(&cfg.shopID, "shop", 1, "shop id for shop mode")
	fs.IntVar(&cfg.total, "total", 1000, "total requests")
	fs.IntVar(&cfg.concurrency, "concurrency", 50, "number of concurrent clients")
	fs.IntVar(&cfg.duplicateRate, "duplicate-rate", 0, "percent of purchase requests that reuse an earlier user (0..100)")
	fs.Int64Var(&cfg.userOffset, "user-offset", 1, "first user id")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
	case cfg.total <= 0:
		return cfg, errors.New("total must be > 0")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.duplicateRate < 0 || cfg.duplicateRate > 100:
		return cfg, errors.New("duplicate-rate must be between 0 and 100")
	case cfg.userOffset <= 0:
		return cfg, errors.New("user-offset must be > 0")
	case cfg.publishStock < 0:
		return cfg, errors.New("publish-stock must be >= 0")
	case cfg.mode == modePurchase && cfg.publishStock == 0 && cfg.voucherID <= 0:
		return cfg, errors.New("purchase mode requires -voucher or -publish-stock")
	case cfg.mode == modeShop && cfg.shopID <= 0:
		return cfg, errors.New("shop must be > 0")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modePurchase:
		return modePurchase, nil
	case modeShop:
		return modeShop, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{
		Timeout: cfg.timeout,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency,
			MaxIdleConnsPerHost: cfg.concurrency,
		},
	}

	result, err := run(context.Background(), cfg, client)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.Oversold || result.Failed > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, client *http.Client) (report, error) {
	if cfg.mode == modePurchase && cfg.publishStock > 0 {
		id, err := publishVoucher(ctx, client, cfg)
		if err != nil {
			return report{}, fmt.Errorf("publish voucher: %w", err)
		}
		cfg.voucherID = id
	}

	col := newCollector()
	startedAt := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i := 0; i < cfg.total; i++ {
		index := i
		g.Go(func() error {
			switch cfg.mode {
			case modeShop:
				getShop(gctx, client, cfg, col)
			default:
				purchase(gctx, client, cfg, userFor(cfg, index), col)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report{}, err
	}

	return col.buildReport(cfg, startedAt, time.Since(startedAt)), nil
}

// userFor возвращает пользователя для запроса index. Каждый запрос из доли
// duplicateRate повторяет пользователя предыдущего запроса.
func userFor(cfg config, index int) int64 {
	if index > 0 && index%100 < cfg.duplicateRate {
		return cfg.userOffset + int64(index-1)
	}
	return cfg.userOffset + int64(index)
}

func publishVoucher(ctx context.Context, client *http.Client, cfg config) (int64, error) {
	now := time.Now().UTC()
	body, err := json.Marshal(map[string]any{
		"shopId":      cfg.shopID,
		"title":       "loadtest flash sale",
		"payValue":    100,
		"actualValue": 1000,
		"stock":       cfg.publishStock,
		"beginTime":   now.Add(-time.Minute),
		"endTime":     now.Add(time.Hour),
	})
	if err != nil {
		return 0, err
	}

	resp, status, err := doJSON(ctx, client, http.MethodPost, cfg.baseURL+"/api/v1/vouchers/seckill", body, nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusCreated || !resp.Success {
		return 0, fmt.Errorf("unexpected response %d: %s", status, resp.ErrorMsg)
	}
	return strconv.ParseInt(string(resp.Data), 10, 64)
}

func purchase(ctx context.Context, client *http.Client, cfg config, userID int64, col *collector) {
	start := time.Now()
	url := fmt.Sprintf("%s/api/v1/vouchers/%d/seckill", cfg.baseURL, cfg.voucherID)
	resp, status, err := doJSON(ctx, client, http.MethodPost, url, nil, map[string]string{
		userHeader: strconv.FormatInt(userID, 10),
	})
	latency := time.Since(start)

	switch {
	case err != nil || status >= http.StatusInternalServerError:
		col.record(outcomeHTTPError, latency, 0, true)
	case resp.Success:
		orderID, _ := strconv.ParseInt(string(resp.Data), 10, 64)
		col.record(outcomeAccepted, latency, orderID, false)
	case status == http.StatusOK:
		col.record(resp.ErrorMsg, latency, 0, false)
	default:
		col.record(fmt.Sprintf("status_%d", status), latency, 0, true)
	}
}

func getShop(ctx context.Context, client *http.Client, cfg config, col *collector) {
	start := time.Now()
	resp, status, err := doJSON(ctx, client, http.MethodGet, fmt.Sprintf("%s/api/v1/shops/%d", cfg.baseURL, cfg.shopID), nil, nil)
	latency := time.Since(start)

	switch {
	case err != nil || status >= http.StatusInternalServerError:
		col.record(outcomeHTTPError, latency, 0, true)
	case resp.Success:
		col.record("found", latency, 0, false)
	default:
		col.record(fmt.Sprintf("status_%d", status), latency, 0, status != http.StatusNotFound)
	}
}

func doJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (apiResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := client.Do(req)
	if err != nil {
		return apiResponse{}, 0, err
	}
	defer res.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return apiResponse{}, res.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp, res.StatusCode, nil
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s requests=%d failed=%d error_rate=%.4f duration=%.2fs rps=%.2f\n",
		result.Mode, result.Requests, result.Failed, result.ErrorRate, result.DurationSeconds, result.RPS)
	if result.Mode == modePurchase {
		_, _ = fmt.Fprintf(w, "voucher=%d stock=%d distinct_orders=%d oversold=%t\n",
			result.VoucherID, result.Stock, result.DistinctOrders, result.Oversold)
	}
	_, _ = fmt.Fprintf(w, "latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.LatencyMs.Min, result.LatencyMs.Avg, result.LatencyMs.P50,
		result.LatencyMs.P95, result.LatencyMs.P99, result.LatencyMs.Max)

	outcomes := make([]string, 0, len(result.Outcomes))
	for outcome := range result.Outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		_, _ = fmt.Fprintf(w, "%s: %d\n", outcome, result.Outcomes[outcome])
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
