package binancef

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/config"
	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/internal/rest"
	"github.com/perpgate/perpgate/schema"
)

func testDriver(t *testing.T, handler http.Handler) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.APIKey = "test-key"
	cfg.APISecret = "test-secret"
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.rest = rest.New(venueID, rest.Config{BaseURL: srv.URL}, d.Breaker, d.Metrics, d.Logger)
	t.Cleanup(func() { d.Disconnect(context.Background()) })
	return d
}

func TestCreateOrderPostOnlyWire(t *testing.T) {
	var gotTIF, gotType, gotQty string
	d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" || r.Method != http.MethodPost {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		gotTIF = q.Get("timeInForce")
		gotType = q.Get("type")
		gotQty = q.Get("quantity")
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			t.Error("request not signed")
		}
		if r.Header.Get("X-MBX-APIKEY") != "test-key" {
			t.Error("api key header missing")
		}
		w.Write([]byte(`{"orderId":123,"symbol":"BTCUSDT","status":"NEW",
			"clientOrderId":"abc","price":"50000","avgPrice":"0",
			"origQty":"0.1","executedQty":"0","timeInForce":"GTX",
			"type":"LIMIT","side":"BUY","updateTime":1700000000000}`))
	}))

	order, err := d.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:   "BTC/USDT:USDT",
		Type:     schema.OrderTypeLimit,
		Side:     schema.OrderSideBuy,
		Amount:   0.1,
		Price:    50000,
		PostOnly: true,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if gotTIF != "GTX" {
		t.Fatalf("wire timeInForce = %q, want GTX", gotTIF)
	}
	if gotType != "LIMIT" || gotQty != "0.1" {
		t.Fatalf("wire type=%q qty=%q", gotType, gotQty)
	}
	if !order.PostOnly {
		t.Error("normalized order lost post-only")
	}
	if order.Status != schema.OrderStatusOpen {
		t.Errorf("status = %s, want open", order.Status)
	}
	if order.Filled != 0 || order.Remaining != 0.1 {
		t.Errorf("filled=%v remaining=%v", order.Filled, order.Remaining)
	}
	if err := order.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestFetchOrderBookNormalized(t *testing.T) {
	d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unsorted with a duplicate bid price.
		w.Write([]byte(`{"lastUpdateId":99,"E":1700000000000,
			"bids":[["100","1"],["101","2"],["100","3"]],
			"asks":[["103","1"],["102","2"]]}`))
	}))

	book, err := d.FetchOrderBook(context.Background(), "BTC/USDT:USDT", 20)
	if err != nil {
		t.Fatalf("FetchOrderBook: %v", err)
	}
	if !book.IsMonotonic() {
		t.Fatalf("book not monotonic: %+v", book)
	}
	if len(book.Bids) != 2 {
		t.Fatalf("duplicate bid not collapsed: %+v", book.Bids)
	}
	if book.Bids[0].Price != 101 || book.Asks[0].Price != 102 {
		t.Fatalf("best levels wrong: %+v / %+v", book.Bids[0], book.Asks[0])
	}
	if book.Venue != venueID {
		t.Errorf("venue = %q", book.Venue)
	}
}

func TestVenueErrorMapping(t *testing.T) {
	cases := []struct {
		body string
		want errs.Kind
	}{
		{`{"code":-2019,"msg":"Margin is insufficient."}`, errs.KindInsufficientMargin},
		{`{"code":-1021,"msg":"Timestamp outside recvWindow."}`, errs.KindExpiredAuth},
		{`{"code":-2013,"msg":"Order does not exist."}`, errs.KindOrderNotFound},
		{`{"code":-1121,"msg":"Invalid symbol."}`, errs.KindInvalidSymbol},
		{`{"code":-4164,"msg":"Order notional must be no smaller than 5.0"}`, errs.KindMinimumOrderSize},
		{`{"code":-99999,"msg":"strange new failure"}`, errs.KindUnknown},
	}
	for _, tc := range cases {
		body := tc.body
		d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(body))
		}))
		_, err := d.FetchOrder(context.Background(), "1", "BTC/USDT:USDT")
		if err == nil {
			t.Fatalf("body %s: expected error", tc.body)
		}
		if got := errs.KindOf(err); got != tc.want {
			t.Errorf("body %s: kind = %s, want %s", tc.body, got, tc.want)
		}
		e, ok := errs.AsE(err)
		if !ok {
			t.Fatalf("body %s: not an *E", tc.body)
		}
		if e.Venue != venueID {
			t.Errorf("venue = %q", e.Venue)
		}
		if e.HTTP != http.StatusBadRequest {
			t.Errorf("http = %d", e.HTTP)
		}
	}
}

func TestSymbolRoundTrip(t *testing.T) {
	d := testDriver(t, http.NotFoundHandler())
	for _, symbol := range []string{"BTC/USDT:USDT", "ETH/USDT:USDT", "1000PEPE/USDT:USDT"} {
		wire := d.SymbolToVenue(symbol)
		if back := d.SymbolFromVenue(wire); back != symbol {
			t.Errorf("%s -> %s -> %s", symbol, wire, back)
		}
	}
}

func TestFetchMarketsFiltersNonPerpetual(t *testing.T) {
	calls := 0
	d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL",
			 "baseAsset":"BTC","quoteAsset":"USDT","marginAsset":"USDT",
			 "pricePrecision":2,"quantityPrecision":3,
			 "filters":[{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			            {"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"}]},
			{"symbol":"BTCUSDT_240927","status":"TRADING","contractType":"CURRENT_QUARTER",
			 "baseAsset":"BTC","quoteAsset":"USDT","marginAsset":"USDT","filters":[]}
		]}`))
	}))

	markets, err := d.FetchMarkets(context.Background())
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("markets = %d, want 1 (quarterly filtered)", len(markets))
	}
	if markets[0].Symbol != "BTC/USDT:USDT" {
		t.Errorf("symbol = %s", markets[0].Symbol)
	}

	// Second fetch is served from the cache.
	if _, err := d.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("cached FetchMarkets: %v", err)
	}
	if calls != 1 {
		t.Errorf("venue calls = %d, want 1", calls)
	}
}

func TestCancelAllOrdersMarksCanceled(t *testing.T) {
	d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/fapi/v1/openOrders":
			w.Write([]byte(`[{"orderId":1,"symbol":"BTCUSDT","status":"NEW",
				"origQty":"0.5","executedQty":"0","price":"40000",
				"type":"LIMIT","side":"SELL","timeInForce":"GTC"}]`))
		case r.URL.Path == "/fapi/v1/allOpenOrders" && r.Method == http.MethodDelete:
			w.Write([]byte(`{"code":200,"msg":"success"}`))
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	}))

	canceled, err := d.CancelAllOrders(context.Background(), "BTC/USDT:USDT")
	if err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
	if len(canceled) != 1 || canceled[0].Status != schema.OrderStatusCanceled {
		t.Fatalf("canceled = %+v", canceled)
	}
}

func TestSetLeverageBounds(t *testing.T) {
	d := testDriver(t, http.NotFoundHandler())
	err := d.SetLeverage(context.Background(), "BTC/USDT:USDT", 0)
	if errs.KindOf(err) != errs.KindInvalidParameter {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
	err = d.SetLeverage(context.Background(), "BTC/USDT:USDT", 126)
	if errs.KindOf(err) != errs.KindInvalidParameter {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
}

func TestSignedRequestWithoutCredentials(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	d, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Disconnect(context.Background()) })
	d.rest = rest.New(venueID, rest.Config{BaseURL: srv.URL}, d.Breaker, d.Metrics, d.Logger)

	_, err = d.FetchBalance(context.Background())
	if errs.KindOf(err) != errs.KindInsufficientPermissions {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
}

func TestOrderUpdateNormalization(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000001000,"o":{
		"s":"BTCUSDT","c":"cli-1","S":"BUY","o":"LIMIT","f":"GTX",
		"q":"0.2","p":"50000","ap":"49990","X":"PARTIALLY_FILLED",
		"i":42,"l":"0.1","z":"0.1","L":"49990","T":1700000001000,
		"t":777,"m":true,"R":false}}`)

	var ev wsOrderUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	order := ev.normalizeOrder("BTC/USDT:USDT", raw)
	if order.Status != schema.OrderStatusPartiallyFilled {
		t.Errorf("status = %s", order.Status)
	}
	if order.Filled != 0.1 || order.Remaining != 0.1 {
		t.Errorf("filled=%v remaining=%v", order.Filled, order.Remaining)
	}
	if !order.PostOnly {
		t.Error("GTX should map to post-only")
	}
	if err := order.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}

	trade, ok := ev.normalizeFill("BTC/USDT:USDT")
	if !ok {
		t.Fatal("expected a fill")
	}
	if trade.ID != "777" || trade.Amount != 0.1 || trade.Price != 49990 {
		t.Errorf("trade = %+v", trade)
	}

	// Lifecycle-only update carries no fill.
	ev.Order.LastFillQty = "0"
	if _, ok := ev.normalizeFill("BTC/USDT:USDT"); ok {
		t.Error("zero-quantity update should not produce a trade")
	}
}

func TestAccountUpdateFanOut(t *testing.T) {
	raw := []byte(`{"e":"ACCOUNT_UPDATE","E":1700000002000,"a":{
		"B":[{"a":"USDT","wb":"1000.5","cw":"1000.5"}],
		"P":[{"s":"BTCUSDT","pa":"-0.25","ep":"50000","up":"-12.5",
		      "cr":"3.0","mt":"isolated","iw":"120.0"}]}}`)

	var ev wsAccountUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ev.Data.Balances) != 1 || len(ev.Data.Positions) != 1 {
		t.Fatalf("batch sizes: %+v", ev.Data)
	}
	pos := ev.Data.Positions[0].normalize("BTC/USDT:USDT", ev.EventTime)
	if pos.Side != schema.PositionSideShort || pos.Size != 0.25 {
		t.Errorf("position = %+v", pos)
	}
	if pos.MarginMode != schema.MarginModeIsolated || pos.Margin != 120 {
		t.Errorf("margin = %+v", pos)
	}
	bal := ev.Data.Balances[0].normalize()
	if bal.Currency != "USDT" || bal.Total != 1000.5 {
		t.Errorf("balance = %+v", bal)
	}
}

func TestFetchPositionsShortKeepsSizePositive(t *testing.T) {
	d := testDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v2/positionRisk" {
			t.Errorf("unexpected call %s", r.URL.Path)
		}
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"-0.25","entryPrice":"50000",
			 "markPrice":"49500","unRealizedProfit":"125","liquidationPrice":"61000",
			 "leverage":"10","marginType":"cross","isolatedMargin":"0",
			 "updateTime":1700000000000},
			{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0",
			 "markPrice":"3000","unRealizedProfit":"0","liquidationPrice":"0",
			 "leverage":"20","marginType":"cross","isolatedMargin":"0",
			 "updateTime":1700000000000}
		]`))
	}))

	positions, err := d.FetchPositions(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %+v, want the flat row filtered", positions)
	}
	pos := positions[0]
	if pos.Side != schema.PositionSideShort {
		t.Errorf("side = %s, want short", pos.Side)
	}
	// Direction lives in Side; Size is always the absolute quantity.
	if pos.Size != 0.25 {
		t.Errorf("size = %v, want 0.25", pos.Size)
	}
	if pos.Symbol != "BTC/USDT:USDT" || pos.Leverage != 10 {
		t.Errorf("position = %+v", pos)
	}
}

func TestUnknownOrderFieldsStayCanonical(t *testing.T) {
	v := venueOrder{
		OrderID: 1, Symbol: "BTCUSDT", Status: "PENDING_CANCEL",
		Type: "TRAILING_STOP_MARKET", Side: "SELL", OrigQty: "1", Price: "50000",
	}
	order := v.normalize("BTC/USDT:USDT", nil)
	if order.Status != schema.OrderStatusOpen {
		t.Errorf("status = %s, want open", order.Status)
	}
	if order.Type != schema.OrderTypeLimit {
		t.Errorf("type = %s, want limit", order.Type)
	}
}
