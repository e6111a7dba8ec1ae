//go:build integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"hlledger/internal/api"
	"hlledger/internal/domain"
	"hlledger/internal/fetch"
	"hlledger/internal/service"
	"hlledger/internal/store"
)

// Integration test requires Docker for the PostgreSQL container.
//
// Run with: go test -tags=integration ./internal/api/ -v

const user = "0x2222222222222222222222222222222222222222"

// emptyUpstream reports no new fills, so every response comes from storage.
type emptyUpstream struct{}

func (emptyUpstream) Since(ctx context.Context, address string, since int64) (*fetch.Collection, error) {
	return &fetch.Collection{Fills: []domain.RawFill{}}, nil
}

func (emptyUpstream) Funding(ctx context.Context, address string, start, end int64) ([]domain.RawFunding, error) {
	return nil, nil
}

func setupRepo(t *testing.T) *store.Repository {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("hlledger"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	repo, err := store.NewRepository(ctx, dsn)
	if err != nil {
		t.Fatalf("connect to db: %v", err)
	}
	t.Cleanup(repo.Close)

	if err := store.RunMigrations(ctx, repo.Pool()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return repo
}

func TestImportThenQueryIntegration(t *testing.T) {
	repo := setupRepo(t)

	l := service.NewLedger(emptyUpstream{}, service.NewTargetResolver(repo, ""), service.WithStore(repo))
	srv := api.NewServer(l, repo)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Test GET /health
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("health: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Import a round trip and an open position
	importBody := `{"user":"` + user + `","fills":[
		{"coin":"BTC","side":"B","sz":"1","px":"40000","fee":"20","time":1717236000000,"tid":1},
		{"coin":"BTC","side":"A","sz":"1","px":"42000","fee":"21","time":1717322400000,"tid":2},
		{"coin":"ETH","side":"B","sz":"2","px":"3000","fee":"3","time":1717408800000,"tid":3}
	]}`
	resp, err = http.Post(ts.URL+"/v1/import", "application/json", bytes.NewBufferString(importBody))
	if err != nil {
		t.Fatalf("import request: %v", err)
	}
	var imported api.ImportResponse
	json.NewDecoder(resp.Body).Decode(&imported)
	resp.Body.Close()
	if imported.Inserted != 3 {
		t.Fatalf("expected 3 inserted, got %+v", imported)
	}

	// Settings round trip through Postgres
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/settings/target-builder",
		bytes.NewBufferString(`{"targetBuilder":"0x00000000000000000000000000000000000000bb"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put setting: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("put setting: expected 200, got %d", resp.StatusCode)
	}

	// Inclusive PnL over stored fills
	resp, err = http.Get(ts.URL + "/v1/pnl?builderOnly=false&user=" + user)
	if err != nil {
		t.Fatalf("pnl request: %v", err)
	}
	var pnl map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&pnl)
	resp.Body.Close()
	if pnl["realizedPnl"] != "2000" {
		t.Errorf("expected realizedPnl 2000, got %v", pnl["realizedPnl"])
	}
	if pnl["tradeCount"] != float64(3) {
		t.Errorf("expected 3 trades, got %v", pnl["tradeCount"])
	}

	// Stored fills listing
	resp, err = http.Get(ts.URL + "/v1/fills?coin=BTC&user=" + user)
	if err != nil {
		t.Fatalf("fills request: %v", err)
	}
	var page store.FillPage
	json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	if len(page.Fills) != 2 {
		t.Errorf("expected 2 BTC fills, got %d", len(page.Fills))
	}
}
