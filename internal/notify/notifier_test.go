package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func f64(v float64) *float64 { return &v }

func dur(d time.Duration) *time.Duration { return &d }

func sampleSnapshot() Snapshot {
	count := 3
	return Snapshot{
		Status:           "running",
		OpenOrders:       4,
		BuyOrders:        2,
		SellOrders:       2,
		ExposureLong:     1,
		ExposureShort:    0,
		LastMid:          f64(60000.5),
		GridCenter:       f64(60000),
		BestBid:          f64(60000),
		BestAsk:          f64(60001),
		AvailableBalance: f64(9876.54),
		AccountEquity:    f64(10123.45),
		MarketAge:        dur(2 * time.Second),
		UserAge:          dur(3 * time.Second),
		LastRecenterAge:  dur(90 * time.Second),
		TradesLastHour:   &count,
	}
}

func TestRenderBody(t *testing.T) {
	t.Parallel()
	n := New("test-key", 60, 2, testLogger())
	body := n.renderBody(sampleSnapshot(), "running", false)

	for _, want := range []string{
		"status: running",
		"orders: total 4 (buy 2 / sell 2)",
		"exposure: long 1 / short 0",
		"last_mid: 60000.50",
		"grid_center: 60000.00",
		"best_bid/best_ask: 60000.00 / 60001.00",
		"market_age: 2s",
		"available_balance: 9876.54 USDT",
		"account_equity: 10123.45 USDT",
		"user_age: 3s",
		"trades_last_hour: 3",
		"last_recenter_age: 90s",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\n%s", want, body)
		}
	}
	if strings.Contains(body, "issues:") {
		t.Error("body contains issues section with no issues")
	}
	if strings.Contains(body, "event: shutdown") {
		t.Error("non-final body contains shutdown marker")
	}
}

func TestRenderBodyIssuesAndFinal(t *testing.T) {
	t.Parallel()
	n := New("test-key", 60, 2, testLogger())
	snap := Snapshot{
		Status:       "stalled",
		Issues:       []string{"market data stale 120s", "no resting orders"},
		BalanceError: "rest error 503",
	}
	body := n.renderBody(snap, "stopped", true)

	for _, want := range []string{
		"status: stopped",
		"issues:",
		"- market data stale 120s",
		"- no resting orders",
		"balance_error: rest error 503",
		"event: shutdown",
		"last_mid: n/a",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\n%s", want, body)
		}
	}
}

func TestPostSendsFormBody(t *testing.T) {
	t.Parallel()
	var gotTitle, gotDesp, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotTitle = r.PostFormValue("title")
		gotDesp = r.PostFormValue("desp")
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	n := New("test-key", 60, 2, testLogger())
	n.url = srv.URL
	n.post(context.Background(), sampleSnapshot(), false)

	if !strings.Contains(gotContentType, "application/x-www-form-urlencoded") {
		t.Errorf("content type = %q, want form encoding", gotContentType)
	}
	if gotTitle != "Aster Bot running" {
		t.Errorf("title = %q, want \"Aster Bot running\"", gotTitle)
	}
	if !strings.Contains(gotDesp, "orders: total 4") {
		t.Errorf("desp missing order line:\n%s", gotDesp)
	}
}

func TestPostFinalOverridesStatus(t *testing.T) {
	t.Parallel()
	var gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotTitle = r.PostFormValue("title")
	}))
	defer srv.Close()

	n := New("test-key", 60, 2, testLogger())
	n.url = srv.URL
	n.post(context.Background(), sampleSnapshot(), true)

	if gotTitle != "Aster Bot stopped" {
		t.Errorf("title = %q, want \"Aster Bot stopped\"", gotTitle)
	}
}

func TestPostErrorsAreNonFatal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New("test-key", 60, 2, testLogger())
	n.url = srv.URL
	// Must not panic or return anything — failures are logged only.
	n.post(context.Background(), sampleSnapshot(), false)

	n.url = "http://127.0.0.1:0"
	n.post(context.Background(), sampleSnapshot(), false)
}

func TestIntervalClamp(t *testing.T) {
	t.Parallel()
	n := New("k", 1, 2, testLogger())
	if n.interval != minInterval {
		t.Errorf("interval = %v, want clamped to %v", n.interval, minInterval)
	}
	n = New("k", 120, 2, testLogger())
	if n.interval != 2*time.Minute {
		t.Errorf("interval = %v, want 2m", n.interval)
	}
}

func TestRunSendsFinalSnapshotOnCancel(t *testing.T) {
	t.Parallel()
	posts := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		posts <- r.PostFormValue("title")
	}))
	defer srv.Close()

	n := New("test-key", 60, 2, testLogger())
	n.url = srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx, func(context.Context) Snapshot { return sampleSnapshot() })
		close(done)
	}()

	// Initial post arrives immediately; then cancel and expect the final.
	select {
	case title := <-posts:
		if title != "Aster Bot running" {
			t.Errorf("initial title = %q", title)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no initial snapshot posted")
	}
	cancel()
	select {
	case title := <-posts:
		if title != "Aster Bot stopped" {
			t.Errorf("final title = %q, want stopped", title)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no final snapshot posted")
	}
	<-done
}
