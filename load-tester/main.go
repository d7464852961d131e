package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type options struct {
	baseURL     string
	requests    int
	rate        int
	workers     int
	repeat      int
	eventPages  int
	mix         map[string]int
	workspace   string
	website     string
	gateway     string
	warehouse   string
	timezone    string
	httpTimeout time.Duration
}

const (
	workloadQuery     = "query"
	workloadEvents    = "events"
	workloadRetention = "retention"
)

func parseOptions() (*options, error) {
	o := &options{}
	var mix string
	flag.StringVar(&o.baseURL, "base", "http://localhost:8080", "insights API base URL")
	flag.IntVar(&o.requests, "requests", 5000, "workload runs to issue")
	flag.IntVar(&o.rate, "rate", 100, "workload runs started per second")
	flag.IntVar(&o.workers, "workers", 16, "concurrent clients")
	flag.IntVar(&o.repeat, "repeat", 20, "percent of aggregate queries replayed verbatim, to exercise the result cache")
	flag.IntVar(&o.eventPages, "event-pages", 3, "pages followed through nextCursor per events run")
	flag.StringVar(&mix, "mix", "query=70,events=20,retention=10", "weighted workload mix")
	flag.StringVar(&o.workspace, "workspace", "ws-load", "workspace id")
	flag.StringVar(&o.website, "website", "site-load", "website insight id")
	flag.StringVar(&o.gateway, "gateway", "gateway-load", "AI gateway insight id")
	flag.StringVar(&o.warehouse, "warehouse", "", "wide-table warehouse application for retention runs")
	flag.StringVar(&o.timezone, "timezone", "UTC", "sent as X-Timezone")
	flag.DurationVar(&o.httpTimeout, "timeout", 30*time.Second, "per-request timeout")
	flag.Parse()

	if o.rate <= 0 || o.workers <= 0 || o.requests <= 0 {
		return nil, errors.New("requests, rate and workers must be positive")
	}
	if o.repeat < 0 || o.repeat > 100 {
		return nil, fmt.Errorf("repeat must be within 0..100, got %d", o.repeat)
	}
	m, err := parseMix(mix)
	if err != nil {
		return nil, err
	}
	if m[workloadRetention] > 0 && o.warehouse == "" {
		log.Printf("no -warehouse given, dropping retention from the mix")
		delete(m, workloadRetention)
	}
	if len(m) == 0 {
		return nil, errors.New("workload mix is empty")
	}
	o.mix = m
	o.baseURL = strings.TrimRight(o.baseURL, "/")
	return o, nil
}

func parseMix(s string) (map[string]int, error) {
	m := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		name, weight, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("bad mix entry %q, want name=weight", part)
		}
		switch name {
		case workloadQuery, workloadEvents, workloadRetention:
		default:
			return nil, fmt.Errorf("unknown workload %q", name)
		}
		w, err := strconv.Atoi(weight)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("bad weight for %s: %q", name, weight)
		}
		if w > 0 {
			m[name] = w
		}
	}
	return m, nil
}

// recorder aggregates outcomes per workload.
type recorder struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	status    map[string]map[int]int
	failures  map[string]int
	window    int
}

func newRecorder() *recorder {
	return &recorder{
		latencies: map[string][]time.Duration{},
		status:    map[string]map[int]int{},
		failures:  map[string]int{},
	}
}

func (r *recorder) observe(workload string, code int, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window++
	if err != nil {
		r.failures[workload]++
		return
	}
	if r.status[workload] == nil {
		r.status[workload] = map[int]int{}
	}
	r.status[workload][code/100*100]++
	if code < 300 {
		r.latencies[workload] = append(r.latencies[workload], elapsed)
	}
}

func (r *recorder) tick() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.window
	r.window = 0
	return n
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func (r *recorder) report(w io.Writer, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.status)+len(r.failures))
	seen := map[string]bool{}
	for n := range r.status {
		names, seen[n] = append(names, n), true
	}
	for n := range r.failures {
		if !seen[n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	fmt.Fprintf(w, "finished in %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "%-10s %7s %6s %6s %6s %9s %9s %9s\n", "workload", "2xx", "4xx", "5xx", "net", "p50", "p95", "p99")
	for _, n := range names {
		lat := append([]time.Duration(nil), r.latencies[n]...)
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		codes := r.status[n]
		fmt.Fprintf(w, "%-10s %7d %6d %6d %6d %9s %9s %9s\n", n,
			codes[200], codes[400], codes[500], r.failures[n],
			percentile(lat, 0.50).Round(time.Microsecond),
			percentile(lat, 0.95).Round(time.Microsecond),
			percentile(lat, 0.99).Round(time.Microsecond),
		)
	}
}

type client struct {
	http    *http.Client
	opts    *options
	rec     *recorder
	rng     *rand.Rand
	replays *replayBuffer
}

func (c *client) post(ctx context.Context, workload, path string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timezone", c.opts.timezone)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.rec.observe(workload, 0, 0, err)
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	c.rec.observe(workload, resp.StatusCode, time.Since(started), nil)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return out, decodeErr
}

func (c *client) runQuery(ctx context.Context) {
	if c.rng.Intn(100) < c.opts.repeat {
		if body, ok := c.replays.pick(c.rng); ok {
			c.post(ctx, workloadQuery, "/insights/query", body)
			return
		}
	}
	var q insightQuery
	if c.rng.Intn(3) == 0 {
		q = gatewayQuery(c.rng, c.opts)
	} else {
		q = websiteQuery(c.rng, c.opts)
	}
	body, _ := json.Marshal(q)
	c.replays.add(body)
	c.post(ctx, workloadQuery, "/insights/query", body)
}

func (c *client) runEvents(ctx context.Context) {
	q := websiteQuery(c.rng, c.opts)
	q.Groups, q.Compare = nil, false
	q.Limit = 50
	for page := 0; page < c.opts.eventPages; page++ {
		body, _ := json.Marshal(q)
		out, err := c.post(ctx, workloadEvents, "/insights/events", body)
		if err != nil {
			return
		}
		next, _ := out["nextCursor"].(string)
		if next == "" {
			return
		}
		q.Cursor = next
	}
}

func (c *client) runRetention(ctx context.Context) {
	end := time.Now().Truncate(24 * time.Hour)
	days := []int{7, 14, 28}[c.rng.Intn(3)]
	body, _ := json.Marshal(retentionQuery{
		InsightID:   c.opts.warehouse,
		WorkspaceID: c.opts.workspace,
		StartAt:     end.AddDate(0, 0, -days).UnixMilli(),
		EndAt:       end.UnixMilli() - 1,
		Unit:        "day",
		Periods:     7,
		Timezone:    c.opts.timezone,
	})
	c.post(ctx, workloadRetention, "/insights/retention", body)
}

func (c *client) run(ctx context.Context, workload string) {
	switch workload {
	case workloadEvents:
		c.runEvents(ctx)
	case workloadRetention:
		c.runRetention(ctx)
	default:
		c.runQuery(ctx)
	}
}

// pickWorkload draws from the weighted mix in a fixed name order.
func pickWorkload(rng *rand.Rand, mix map[string]int) string {
	names := make([]string, 0, len(mix))
	total := 0
	for n, w := range mix {
		names = append(names, n)
		total += w
	}
	sort.Strings(names)
	x := rng.Intn(total)
	for _, n := range names {
		if x < mix[n] {
			return n
		}
		x -= mix[n]
	}
	return names[len(names)-1]
}

func main() {
	opts, err := parseOptions()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	httpClient := &http.Client{
		Timeout: opts.httpTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        opts.workers,
			MaxIdleConnsPerHost: opts.workers,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	rec := newRecorder()
	replays := &replayBuffer{max: 500}

	log.Printf("load: base=%s runs=%d rate=%d/s workers=%d mix=%v", opts.baseURL, opts.requests, opts.rate, opts.workers, opts.mix)

	runs := make(chan string)
	var wg sync.WaitGroup
	seed := time.Now().UnixNano()
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		c := &client{http: httpClient, opts: opts, rec: rec, rng: rand.New(rand.NewSource(seed + int64(i))), replays: replays}
		go func() {
			defer wg.Done()
			for workload := range runs {
				c.run(ctx, workload)
			}
		}()
	}

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				log.Printf("load: %d responses in the last second", rec.tick())
			}
		}
	}()

	started := time.Now()
	pace := time.NewTicker(time.Second / time.Duration(opts.rate))
	defer pace.Stop()
	picker := rand.New(rand.NewSource(seed - 1))

dispatch:
	for i := 0; i < opts.requests; i++ {
		select {
		case <-ctx.Done():
			break dispatch
		case <-pace.C:
		}
		select {
		case <-ctx.Done():
			break dispatch
		case runs <- pickWorkload(picker, opts.mix):
		}
	}
	close(runs)
	wg.Wait()

	rec.report(os.Stdout, time.Since(started))
}

type metric struct {
	Name  string `json:"name"`
	Math  string `json:"math"`
	Alias string `json:"alias,omitempty"`
}

type condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type customGroup struct {
	Label          string `json:"label,omitempty"`
	FilterOperator string `json:"filterOperator"`
	FilterValue    any    `json:"filterValue"`
}

type group struct {
	Value        string        `json:"value"`
	CustomGroups []customGroup `json:"customGroups,omitempty"`
}

type timeRange struct {
	StartAt int64  `json:"startAt"`
	EndAt   int64  `json:"endAt"`
	Unit    string `json:"unit,omitempty"`
}

type insightQuery struct {
	InsightID   string      `json:"insightId"`
	InsightType string      `json:"insightType"`
	WorkspaceID string      `json:"workspaceId"`
	Metrics     []metric    `json:"metrics"`
	Filters     []condition `json:"filters,omitempty"`
	Groups      []group     `json:"groups,omitempty"`
	Time        timeRange   `json:"time"`
	Compare     bool        `json:"compare,omitempty"`
	Cursor      string      `json:"cursor,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

type retentionQuery struct {
	InsightID   string `json:"insightId"`
	WorkspaceID string `json:"workspaceId"`
	StartAt     int64  `json:"startAt"`
	EndAt       int64  `json:"endAt"`
	Unit        string `json:"unit"`
	Periods     int    `json:"periods"`
	Timezone    string `json:"timezone"`
}

// replayBuffer holds recent aggregate payloads for verbatim replays.
type replayBuffer struct {
	mu     sync.Mutex
	bodies [][]byte
	max    int
}

func (b *replayBuffer) add(body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bodies) == b.max {
		copy(b.bodies, b.bodies[1:])
		b.bodies = b.bodies[:b.max-1]
	}
	b.bodies = append(b.bodies, body)
}

func (b *replayBuffer) pick(rng *rand.Rand) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bodies) == 0 {
		return nil, false
	}
	return b.bodies[rng.Intn(len(b.bodies))], true
}

var (
	websiteEvents  = []string{"$all_event", "$page_view", "signup", "add_to_cart", "purchase"}
	websiteMaths   = []string{"events", "sessions", "uniques"}
	websiteGroups  = []string{"country", "browser", "os", "device", "referrerDomain"}
	browsers       = []string{"Chrome", "Safari", "Firefox", "Edge"}
	countries      = []string{"US", "DE", "FR", "TR", "JP"}
	gatewayMetrics = []string{"inputToken", "outputToken", "duration", "price"}
	gatewayMaths   = []string{"sum", "avg", "p50", "p95"}
	providers      = []string{"openai", "anthropic", "deepseek"}
	spans          = []struct {
		span time.Duration
		unit string
	}{
		{time.Hour, "minute"},
		{24 * time.Hour, "hour"},
		{7 * 24 * time.Hour, "day"},
		{30 * 24 * time.Hour, "day"},
	}
)

func randomRange(rng *rand.Rand) timeRange {
	s := spans[rng.Intn(len(spans))]
	end := time.Now().Truncate(time.Minute)
	return timeRange{StartAt: end.Add(-s.span).UnixMilli(), EndAt: end.UnixMilli() - 1, Unit: s.unit}
}

func websiteQuery(rng *rand.Rand, o *options) insightQuery {
	q := insightQuery{
		InsightID:   o.website,
		InsightType: "website",
		WorkspaceID: o.workspace,
		Metrics: []metric{{
			Name: websiteEvents[rng.Intn(len(websiteEvents))],
			Math: websiteMaths[rng.Intn(len(websiteMaths))],
		}},
		Time: randomRange(rng),
	}
	if rng.Intn(2) == 0 {
		q.Metrics = append(q.Metrics, metric{Name: "$all_event", Math: "events", Alias: "total"})
	}
	if rng.Intn(2) == 0 {
		q.Filters = []condition{{
			Field:    "browser",
			Operator: "in list",
			Value:    []string{browsers[rng.Intn(len(browsers))], browsers[rng.Intn(len(browsers))]},
		}}
	}
	switch rng.Intn(3) {
	case 0:
		q.Groups = []group{{Value: websiteGroups[rng.Intn(len(websiteGroups))]}}
	case 1:
		q.Groups = []group{{
			Value: "country",
			CustomGroups: []customGroup{
				{Label: "focus", FilterOperator: "in list", FilterValue: countries[:2]},
				{Label: "rest-eu", FilterOperator: "equals", FilterValue: countries[2]},
			},
		}}
	default:
		q.Compare = true
	}
	return q
}

func gatewayQuery(rng *rand.Rand, o *options) insightQuery {
	return insightQuery{
		InsightID:   o.gateway,
		InsightType: "aigateway",
		WorkspaceID: o.workspace,
		Metrics: []metric{{
			Name: gatewayMetrics[rng.Intn(len(gatewayMetrics))],
			Math: gatewayMaths[rng.Intn(len(gatewayMaths))],
		}},
		Filters: []condition{{Field: "provider", Operator: "equals", Value: providers[rng.Intn(len(providers))]}},
		Groups:  []group{{Value: "modelName"}},
		Time:    randomRange(rng),
	}
}
