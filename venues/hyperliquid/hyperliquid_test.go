package hyperliquid

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/config"
	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/internal/rest"
	"github.com/perpgate/perpgate/schema"
)

// Throwaway key; address is derived, never asserted against a fixture.
const testWalletKey = "0000000000000000000000000000000000000000000000000000000000000001"

const metaBody = `{"universe":[
	{"name":"BTC","szDecimals":5,"maxLeverage":50},
	{"name":"ETH","szDecimals":4,"maxLeverage":50},
	{"name":"SOL","szDecimals":2,"maxLeverage":20,"delisted":true}]}`

func testDriver(t *testing.T, handler http.Handler) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.APIPrivateKey = testWalletKey
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.rest = rest.New(venueID, rest.Config{BaseURL: srv.URL}, d.Breaker, d.Metrics, d.Logger)
	t.Cleanup(func() { d.Disconnect(context.Background()) })
	return d
}

type exchangeCapture struct {
	Action    map[string]any `json:"action"`
	Nonce     int64          `json:"nonce"`
	Signature string         `json:"signature"`
}

func infoOrExchange(t *testing.T, exchangeBody string, captured *[]exchangeCapture) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			w.Write([]byte(metaBody))
		case "/exchange":
			body, _ := io.ReadAll(r.Body)
			var call exchangeCapture
			if err := json.Unmarshal(body, &call); err != nil {
				t.Errorf("exchange body: %v", err)
			}
			*captured = append(*captured, call)
			w.Write([]byte(exchangeBody))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
}

func TestCreateOrderSignedAction(t *testing.T) {
	var captured []exchangeCapture
	d := testDriver(t, infoOrExchange(t,
		`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":4242}}]}}}`,
		&captured))

	order, err := d.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:   "BTC/USDC:USDC",
		Type:     schema.OrderTypeLimit,
		Side:     schema.OrderSideBuy,
		Amount:   0.5,
		Price:    60000,
		PostOnly: true,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if len(captured) != 1 {
		t.Fatalf("exchange calls = %d", len(captured))
	}
	call := captured[0]
	if call.Nonce == 0 {
		t.Error("nonce missing")
	}
	if !strings.HasPrefix(call.Signature, "0x") || len(call.Signature) != 132 {
		t.Errorf("signature format: %q", call.Signature)
	}
	if call.Action["type"] != "order" {
		t.Errorf("action type = %v", call.Action["type"])
	}
	orders := call.Action["orders"].([]any)
	wire := orders[0].(map[string]any)
	if wire["a"].(float64) != 0 {
		t.Errorf("asset index = %v, want 0 (BTC)", wire["a"])
	}
	tif := wire["t"].(map[string]any)["limit"].(map[string]any)["tif"]
	if tif != "Alo" {
		t.Errorf("tif = %v, want Alo for post-only", tif)
	}
	if order.ID != "4242" || order.Status != schema.OrderStatusOpen {
		t.Errorf("order = %+v", order)
	}
	if order.Remaining != 0.5 {
		t.Errorf("remaining = %v", order.Remaining)
	}
}

func TestNoncesStrictlyIncrease(t *testing.T) {
	var captured []exchangeCapture
	d := testDriver(t, infoOrExchange(t,
		`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":1}}]}}}`,
		&captured))

	req := schema.OrderRequest{
		Symbol: "ETH/USDC:USDC",
		Type:   schema.OrderTypeLimit,
		Side:   schema.OrderSideSell,
		Amount: 1,
		Price:  3000,
	}
	for i := 0; i < 3; i++ {
		if _, err := d.CreateOrder(context.Background(), req); err != nil {
			t.Fatalf("CreateOrder %d: %v", i, err)
		}
	}
	for i := 1; i < len(captured); i++ {
		if captured[i].Nonce <= captured[i-1].Nonce {
			t.Fatalf("nonce %d (%d) not above previous (%d)",
				i, captured[i].Nonce, captured[i-1].Nonce)
		}
	}
}

func TestBuilderCodeAttribution(t *testing.T) {
	var captured []exchangeCapture
	srv := httptest.NewServer(infoOrExchange(t,
		`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":1}}]}}}`,
		&captured))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.APIPrivateKey = testWalletKey
	cfg.BuilderCode = "0xbuilder"
	cfg.BuilderCodeEnabled = true
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Disconnect(context.Background()) })
	d.rest = rest.New(venueID, rest.Config{BaseURL: srv.URL}, d.Breaker, d.Metrics, d.Logger)

	_, err = d.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol: "BTC/USDC:USDC",
		Type:   schema.OrderTypeLimit,
		Side:   schema.OrderSideBuy,
		Amount: 1,
		Price:  50000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	builder, ok := captured[0].Action["builder"].(map[string]any)
	if !ok || builder["b"] != "0xbuilder" {
		t.Fatalf("builder attribution missing: %+v", captured[0].Action)
	}
}

func TestOrderRejectionMapped(t *testing.T) {
	var captured []exchangeCapture
	d := testDriver(t, infoOrExchange(t,
		`{"status":"ok","response":{"type":"order","data":{"statuses":[
			{"error":"Insufficient margin to place order."}]}}}`,
		&captured))

	_, err := d.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol: "BTC/USDC:USDC",
		Type:   schema.OrderTypeLimit,
		Side:   schema.OrderSideBuy,
		Amount: 100,
		Price:  60000,
	})
	if errs.KindOf(err) != errs.KindInsufficientMargin {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
}

func TestSetMarginModeNotSupported(t *testing.T) {
	d := testDriver(t, http.NotFoundHandler())
	err := d.SetMarginMode(context.Background(), "BTC/USDC:USDC", schema.MarginModeIsolated)
	if errs.KindOf(err) != errs.KindNotSupported {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
}

func TestSymbolMapping(t *testing.T) {
	d := testDriver(t, http.NotFoundHandler())
	if got := d.SymbolToVenue("BTC/USDC:USDC"); got != "BTC" {
		t.Errorf("to venue = %q", got)
	}
	if got := d.SymbolFromVenue("BTC"); got != "BTC/USDC:USDC" {
		t.Errorf("from venue = %q", got)
	}
}

func TestFetchMarketsBuildsAssetIndex(t *testing.T) {
	d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(metaBody))
	}))
	markets, err := d.FetchMarkets(context.Background())
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}
	if len(markets) != 3 {
		t.Fatalf("markets = %d", len(markets))
	}
	if markets[0].Symbol != "BTC/USDC:USDC" || markets[0].MaxLeverage != 50 {
		t.Errorf("market = %+v", markets[0])
	}
	if markets[2].Active {
		t.Error("delisted asset should be inactive")
	}
	idx, err := d.assetIndex(context.Background(), "ETH")
	if err != nil || idx != 1 {
		t.Errorf("assetIndex(ETH) = %d, %v", idx, err)
	}
}

func TestClearinghouseNormalization(t *testing.T) {
	d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"assetPositions":[{"position":{
				"coin":"BTC","szi":"-0.2","entryPx":"61000",
				"liquidationPx":"72000","unrealizedPnl":"-55.5",
				"marginUsed":"1220","leverage":{"type":"cross","value":10}}},
			  {"position":{"coin":"ETH","szi":"0","entryPx":"0",
				"marginUsed":"0","leverage":{"type":"cross","value":1}}}],
			"marginSummary":{"accountValue":"5000","totalMarginUsed":"1220"},
			"withdrawable":"3780","time":1700000000000}`))
	}))

	positions, err := d.FetchPositions(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("flat position not filtered: %+v", positions)
	}
	p := positions[0]
	if p.Side != schema.PositionSideShort || p.Size != 0.2 {
		t.Errorf("position = %+v", p)
	}
	if p.MarginMode != schema.MarginModeCross || p.Leverage != 10 {
		t.Errorf("margin = %+v", p)
	}

	balances, err := d.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("balances = %+v", balances)
	}
	b := balances[0]
	if b.Currency != "USDC" || b.Total != 5000 || b.Free != 3780 || b.Used != 1220 {
		t.Errorf("balance = %+v", b)
	}
}

func TestFetchOrderBookNormalized(t *testing.T) {
	d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"coin":"BTC","time":1700000000000,"levels":[
			[{"px":"60000","sz":"1"},{"px":"60010","sz":"2"}],
			[{"px":"60030","sz":"1"},{"px":"60020","sz":"3"}]]}`))
	}))

	book, err := d.FetchOrderBook(context.Background(), "BTC/USDC:USDC", 0)
	if err != nil {
		t.Fatalf("FetchOrderBook: %v", err)
	}
	if !book.IsMonotonic() {
		t.Fatalf("book not monotonic: %+v", book)
	}
	if book.Bids[0].Price != 60010 || book.Asks[0].Price != 60020 {
		t.Errorf("best levels: %+v / %+v", book.Bids[0], book.Asks[0])
	}
}

func TestSignedActionWithoutWallet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(metaBody))
	}))
	t.Cleanup(srv.Close)

	d, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Disconnect(context.Background()) })
	d.rest = rest.New(venueID, rest.Config{BaseURL: srv.URL}, d.Breaker, d.Metrics, d.Logger)

	_, err = d.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol: "BTC/USDC:USDC",
		Type:   schema.OrderTypeLimit,
		Side:   schema.OrderSideBuy,
		Amount: 1,
		Price:  50000,
	})
	if errs.KindOf(err) != errs.KindInsufficientPermissions {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
}

func TestRouteFrameKeys(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{`{"channel":"l2Book","data":{"coin":"BTC","time":1,"levels":[[],[]]}}`, "l2Book:BTC", true},
		{`{"channel":"trades","data":[{"coin":"ETH","side":"B","px":"1","sz":"1","time":1,"tid":1}]}`, "trades:ETH", true},
		{`{"channel":"activeAssetCtx","data":{"coin":"BTC","ctx":{}}}`, "activeAssetCtx:BTC", true},
		{`{"channel":"candle","data":{"s":"BTC","i":"1m","t":1}}`, "candle:BTC:1m", true},
		{`{"channel":"orderUpdates","data":[]}`, "orderUpdates", true},
		{`{"channel":"subscriptionResponse","data":{}}`, "", false},
		{`{"channel":"pong"}`, "", false},
	}
	for _, tc := range cases {
		got, _, ok := routeFrame([]byte(tc.raw))
		if ok != tc.ok || got != tc.want {
			t.Errorf("route(%s) = %q,%v want %q,%v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}
