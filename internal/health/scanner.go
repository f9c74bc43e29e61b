// Package health implements the periodic background prober of spec §4.D:
// one cooperative cycle per enabled group probing provider reachability,
// per-key validity, and per-model availability, feeding results back into
// the key-state store and a durable history.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/keystate"
	"github.com/kestrelproxy/kestrel/internal/provider"
	"github.com/kestrelproxy/kestrel/internal/storage"
)

// Config controls scan cadence and probe concurrency.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Concurrency  int
}

// Scanner is the §4.D background prober. It implements worker.Worker.
type Scanner struct {
	groups   storage.GroupStore
	health   storage.HealthStore
	keyState *keystate.Store
	cfg      Config

	trigger chan string // group IDs queued by manual-trigger endpoints
}

// New constructs a Scanner. keyState receives key-validity updates observed
// during probing (spec §4.D: "update KeyValidity in B").
func New(groups storage.GroupStore, health storage.HealthStore, keyState *keystate.Store, cfg Config) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Scanner{
		groups:   groups,
		health:   health,
		keyState: keyState,
		cfg:      cfg,
		trigger:  make(chan string, 64),
	}
}

// Name returns the worker identifier.
func (s *Scanner) Name() string { return "health_scanner" }

// TriggerProbe enqueues a one-shot probe for groupID outside the regular
// cycle (spec §4.D "Manual trigger endpoints enqueue one-shot probes").
// Non-blocking: dropped silently if the trigger queue is saturated.
func (s *Scanner) TriggerProbe(groupID string) {
	select {
	case s.trigger <- groupID:
	default:
		slog.Warn("health trigger queue full, dropping manual probe", "group_id", groupID)
	}
}

// Run drives the periodic scan cycle until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		case groupID := <-s.trigger:
			s.probeOne(ctx, groupID)
		}
	}
}

// runCycle probes every enabled group, bounded by cfg.Concurrency.
func (s *Scanner) runCycle(ctx context.Context) {
	groups, err := s.groups.ListGroups(ctx)
	if err != nil {
		slog.Error("health scan: list groups failed", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, grp := range groups {
		if !grp.Routable() {
			continue
		}
		grp := grp
		g.Go(func() error {
			s.probeGroup(gctx, grp)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scanner) probeOne(ctx context.Context, groupID string) {
	grp, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		slog.Warn("health trigger: group not found", "group_id", groupID, "error", err)
		return
	}
	s.probeGroup(ctx, grp)
}

// probeGroup runs all three probe axes for one group and computes the
// per-cycle analysis record.
func (s *Scanner) probeGroup(ctx context.Context, g *kestrel.Group) {
	client := s.buildProbeClient(g)

	providerHealthy := s.probeProvider(ctx, client, g)

	keysHealthy := true
	for _, key := range g.APIKeys {
		ok := s.probeKey(ctx, client, g, key)
		if !ok {
			keysHealthy = false
		}
	}

	modelsHealthy := true
	for _, model := range g.Models {
		ok := s.probeModel(ctx, client, g, model)
		if !ok {
			modelsHealthy = false
		}
	}

	analysis := analyze(g.ID, providerHealthy, keysHealthy, modelsHealthy)
	if analysis.Inconsistent {
		slog.Warn("health scan: inconsistent result", "group_id", g.ID, "reason", analysis.Reason)
	}
}

// buildProbeClient returns a client distinct from the dispatch hot path's:
// it carries the group's proxy settings but a shorter timeout (spec §4.D
// Scheduling).
func (s *Scanner) buildProbeClient(g *kestrel.Group) *http.Client {
	transport := provider.NewTransport(nil, true)
	if g.Proxy != nil && g.Proxy.URL != "" {
		if u, err := url.Parse(g.Proxy.URL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: transport, Timeout: s.cfg.ProbeTimeout}
}

func (s *Scanner) recordResult(ctx context.Context, groupID string, checkType kestrel.HealthCheckType, subject string, success bool, latency time.Duration, probeErr error) {
	errMsg := ""
	if probeErr != nil {
		errMsg = probeErr.Error()
	}
	result := &kestrel.HealthCheckResult{
		GroupID: groupID, CheckType: checkType, Subject: subject,
		Success: success, LatencyMs: int(latency.Milliseconds()), Error: errMsg,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.health.InsertHealthCheckResult(ctx, result); err != nil {
		slog.Error("health scan: insert result failed", "error", err)
	}
	s.rollupStats(ctx, groupID, checkType, subject, success, latency)
}

func (s *Scanner) rollupStats(ctx context.Context, groupID string, checkType kestrel.HealthCheckType, subject string, success bool, latency time.Duration) {
	stats, err := s.health.GetHealthCheckStats(ctx, groupID)
	if err != nil || stats == nil {
		stats = &kestrel.HealthCheckStats{GroupID: groupID, CheckType: checkType, Subject: subject}
	}
	n := stats.SuccessCount + stats.FailCount
	stats.AvgLatencyMs = (stats.AvgLatencyMs*float64(n) + float64(latency.Milliseconds())) / float64(n+1)
	if success {
		stats.SuccessCount++
		stats.ConsecutiveFailures = 0
	} else {
		stats.FailCount++
		stats.ConsecutiveFailures++
	}
	stats.UpdatedAt = time.Now().UTC()
	if err := s.health.UpsertHealthCheckStats(ctx, stats); err != nil {
		slog.Error("health scan: upsert stats failed", "error", err)
	}
}

// probeProvider checks bare reachability of the group's base URL.
func (s *Scanner) probeProvider(ctx context.Context, client *http.Client, g *kestrel.Group) bool {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL, nil)
	if err != nil {
		s.recordResult(ctx, g.ID, kestrel.CheckProvider, g.ID, false, time.Since(start), err)
		return false
	}
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.recordResult(ctx, g.ID, kestrel.CheckProvider, g.ID, false, latency, err)
		return false
	}
	resp.Body.Close()
	success := resp.StatusCode < 500
	s.recordResult(ctx, g.ID, kestrel.CheckProvider, g.ID, success, latency, nil)
	return success
}

// probeKey issues a lightweight models-list call with the given key and
// updates the key-state store with the observed validity.
func (s *Scanner) probeKey(ctx context.Context, client *http.Client, g *kestrel.Group, apiKey string) bool {
	keyHash := kestrel.HashKey(apiKey)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/models", nil)
	if err != nil {
		s.recordResult(ctx, g.ID, kestrel.CheckKey, keyHash, false, time.Since(start), err)
		return false
	}
	header, prefix := provider.AuthHeader(g.Kind, g.Hosting)
	req.Header.Set(header, prefix+apiKey)

	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.recordResult(ctx, g.ID, kestrel.CheckKey, keyHash, false, latency, err)
		_ = s.keyState.RecordOutcome(ctx, g.ID, keyHash, g.Kind, keystate.OutcomeConnErr, 0, err.Error())
		return false
	}
	defer resp.Body.Close()

	success := resp.StatusCode < 400
	s.recordResult(ctx, g.ID, kestrel.CheckKey, keyHash, success, latency, nil)

	outcome := classifyProbeStatus(resp.StatusCode)
	_ = s.keyState.RecordOutcome(ctx, g.ID, keyHash, g.Kind, outcome, resp.StatusCode, "")
	return success
}

// probeModel checks whether a configured model is present in the group's
// models listing. Since the dispatcher treats bodies as opaque, this reuses
// the same models-list call rather than issuing a generation request.
func (s *Scanner) probeModel(ctx context.Context, client *http.Client, g *kestrel.Group, model string) bool {
	start := time.Now()
	if len(g.APIKeys) == 0 {
		s.recordResult(ctx, g.ID, kestrel.CheckModel, model, false, time.Since(start), fmt.Errorf("no keys configured"))
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/models/"+model, nil)
	if err != nil {
		s.recordResult(ctx, g.ID, kestrel.CheckModel, model, false, time.Since(start), err)
		return false
	}
	header, prefix := provider.AuthHeader(g.Kind, g.Hosting)
	req.Header.Set(header, prefix+g.APIKeys[0])

	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.recordResult(ctx, g.ID, kestrel.CheckModel, model, false, latency, err)
		return false
	}
	defer resp.Body.Close()
	success := resp.StatusCode < 400
	s.recordResult(ctx, g.ID, kestrel.CheckModel, model, success, latency, nil)
	return success
}

// classifyProbeStatus maps a probe's HTTP status onto the same outcome
// classification the dispatcher uses (spec §4.E table), so both paths
// agree on what invalidates a key.
func classifyProbeStatus(status int) keystate.Outcome {
	switch {
	case status >= 200 && status < 300:
		return keystate.OutcomeSuccess
	case status == 401 || status == 403:
		return keystate.OutcomeAuthFail
	case status == 429:
		return keystate.OutcomeRateLimit
	case status >= 500:
		return keystate.OutcomeServerErr
	default:
		return keystate.OutcomeRejected
	}
}

// analyze computes the per-cycle human-diagnostic record (spec §4.D
// Analysis). inconsistent flags disagreement between axes, e.g. a reachable
// provider with a key that failed its probe.
func analyze(groupID string, providerHealthy, keysHealthy, modelsHealthy bool) kestrel.HealthAnalysis {
	a := kestrel.HealthAnalysis{
		GroupID: groupID, ProviderHealthy: providerHealthy,
		KeysHealthy: keysHealthy, ModelsHealthy: modelsHealthy,
	}
	switch {
	case providerHealthy && !keysHealthy:
		a.Inconsistent = true
		a.Reason = "provider reachable but at least one key failed its probe"
	case !providerHealthy && keysHealthy:
		a.Inconsistent = true
		a.Reason = "provider unreachable despite valid keys"
	case providerHealthy && keysHealthy && !modelsHealthy:
		a.Inconsistent = true
		a.Reason = "provider and keys healthy but at least one configured model failed its probe"
	}
	return a
}
