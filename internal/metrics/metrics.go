package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the control plane.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	runsTotal     = make(map[string]int64)
	attemptsTotal = make(map[attemptKey]int64)

	recordsExtractedTotal int64

	providerCreditsTotal = make(map[string]int64)
	interventionsTotal   = make(map[string]int64)
	sessionEventsTotal   = make(map[string]int64)

	retentionRunsDeleted int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type attemptKey struct {
	Tier    string
	Outcome string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordRun counts a run reaching a terminal status.
func RecordRun(status string) {
	mu.Lock()
	defer mu.Unlock()
	runsTotal[status]++
}

// RecordAttempt counts one engine attempt by tier and verdict.
func RecordAttempt(tier, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	attemptsTotal[attemptKey{Tier: tier, Outcome: outcome}]++
}

// RecordRecords counts extracted records persisted to the store.
func RecordRecords(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	recordsExtractedTotal += int64(n)
}

// RecordProviderCredits counts provider credits spent, per provider.
func RecordProviderCredits(provider string, credits int64) {
	if credits <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	providerCreditsTotal[provider] += credits
}

// RecordIntervention counts created interventions by type.
func RecordIntervention(interventionType string) {
	mu.Lock()
	defer mu.Unlock()
	interventionsTotal[interventionType]++
}

// RecordSessionEvent counts session pool lifecycle events
// (captured, reused, retired, breaker_open).
func RecordSessionEvent(event string) {
	mu.Lock()
	defer mu.Unlock()
	sessionEventsTotal[event]++
}

// RecordRetentionRuns increments the counter of runs deleted by TTL.
func RecordRetentionRuns(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionRunsDeleted += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP harvester_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE harvester_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "harvester_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP harvester_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE harvester_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP harvester_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE harvester_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "harvester_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, sum)
		fmt.Fprintf(&b, "harvester_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, cnt)
	}

	b.WriteString("# HELP harvester_runs_total Total runs by terminal status\n")
	b.WriteString("# TYPE harvester_runs_total counter\n")

	var statuses []string
	for s := range runsTotal {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "harvester_runs_total{status=\"%s\"} %d\n", s, runsTotal[s])
	}

	b.WriteString("# HELP harvester_attempts_total Total engine attempts by tier and outcome\n")
	b.WriteString("# TYPE harvester_attempts_total counter\n")

	var attKeys []attemptKey
	for k := range attemptsTotal {
		attKeys = append(attKeys, k)
	}
	sort.Slice(attKeys, func(i, j int) bool {
		if attKeys[i].Tier != attKeys[j].Tier {
			return attKeys[i].Tier < attKeys[j].Tier
		}
		return attKeys[i].Outcome < attKeys[j].Outcome
	})
	for _, k := range attKeys {
		fmt.Fprintf(&b, "harvester_attempts_total{tier=\"%s\",outcome=\"%s\"} %d\n",
			k.Tier, k.Outcome, attemptsTotal[k])
	}

	b.WriteString("# HELP harvester_records_extracted_total Total records extracted\n")
	b.WriteString("# TYPE harvester_records_extracted_total counter\n")
	fmt.Fprintf(&b, "harvester_records_extracted_total %d\n", recordsExtractedTotal)

	b.WriteString("# HELP harvester_provider_credits_total Total provider credits spent\n")
	b.WriteString("# TYPE harvester_provider_credits_total counter\n")

	var providers []string
	for p := range providerCreditsTotal {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		fmt.Fprintf(&b, "harvester_provider_credits_total{provider=\"%s\"} %d\n", p, providerCreditsTotal[p])
	}

	b.WriteString("# HELP harvester_interventions_total Total interventions created by type\n")
	b.WriteString("# TYPE harvester_interventions_total counter\n")

	var ivTypes []string
	for t := range interventionsTotal {
		ivTypes = append(ivTypes, t)
	}
	sort.Strings(ivTypes)
	for _, t := range ivTypes {
		fmt.Fprintf(&b, "harvester_interventions_total{type=\"%s\"} %d\n", t, interventionsTotal[t])
	}

	b.WriteString("# HELP harvester_sessions_total Total session pool events\n")
	b.WriteString("# TYPE harvester_sessions_total counter\n")

	var sessEvents []string
	for e := range sessionEventsTotal {
		sessEvents = append(sessEvents, e)
	}
	sort.Strings(sessEvents)
	for _, e := range sessEvents {
		fmt.Fprintf(&b, "harvester_sessions_total{event=\"%s\"} %d\n", e, sessionEventsTotal[e])
	}

	b.WriteString("# HELP harvester_retention_runs_deleted_total Total runs deleted by TTL\n")
	b.WriteString("# TYPE harvester_retention_runs_deleted_total counter\n")
	fmt.Fprintf(&b, "harvester_retention_runs_deleted_total %d\n", retentionRunsDeleted)

	return b.String()
}
