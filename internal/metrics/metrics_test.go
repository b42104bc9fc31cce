package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T) string {
	t.Helper()
	handler := promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	return string(body)
}

func TestCountersAppearInScrape(t *testing.T) {
	IncSpawn()
	IncSpawnFailure()
	IncSignal()
	IncOrphanCached()
	RecordExit(0)
	RecordExit(-9)
	AddWatched(2)
	AddWatched(-1)

	body := scrape(t)
	for _, metric := range []string{
		"childminder_spawns_total",
		"childminder_spawn_failures_total",
		"childminder_signals_sent_total",
		"childminder_orphan_exits_cached_total",
		`childminder_exits_total{kind="code"}`,
		`childminder_exits_total{kind="signal"}`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("scrape missing %s:\n%s", metric, body)
		}
	}
	if !strings.Contains(body, "childminder_watched_processes 1") {
		t.Fatalf("expected watched gauge at 1:\n%s", body)
	}
}

func TestEmitBuildInfo(t *testing.T) {
	EmitBuildInfo()
	EmitBuildInfo()

	body := scrape(t)
	if !strings.Contains(body, "childminder_build_info") {
		t.Fatalf("scrape missing build info:\n%s", body)
	}
	if !strings.Contains(body, `go_version="go`) {
		t.Fatalf("expected go_version label in build info:\n%s", body)
	}
}
