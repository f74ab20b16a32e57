package schema

import "testing"

func TestOrderBookNormalizeSortsAndDedupes(t *testing.T) {
	book := OrderBook{
		Symbol: "BTC/USDT:USDT",
		Bids: []BookLevel{
			{Price: 49990, Size: 2},
			{Price: 50000, Size: 1.5},
			{Price: 49990, Size: 3},
		},
		Asks: []BookLevel{
			{Price: 50020, Size: 1},
			{Price: 50010, Size: 4},
		},
	}
	book.Normalize()

	if len(book.Bids) != 2 {
		t.Fatalf("duplicate bid price not collapsed: %+v", book.Bids)
	}
	if book.Bids[0].Price != 50000 || book.Bids[0].Size != 1.5 {
		t.Fatalf("bids not descending: %+v", book.Bids)
	}
	if book.Bids[1].Size != 3 {
		t.Fatalf("duplicate price must keep last size: %+v", book.Bids)
	}
	if book.Asks[0].Price != 50010 {
		t.Fatalf("asks not ascending: %+v", book.Asks)
	}
	if !book.IsMonotonic() {
		t.Fatal("normalized book must be strictly monotonic")
	}
}

func TestParseLevelsSkipsMalformed(t *testing.T) {
	levels := ParseLevels([][]string{
		{"49990", "2"},
		{"50000", "1.5"},
		{"oops", "1"},
		{"50010"},
	})
	if len(levels) != 2 {
		t.Fatalf("expected 2 valid levels, got %d", len(levels))
	}
	if levels[0].Price != 49990 || levels[1].Size != 1.5 {
		t.Fatalf("unexpected levels: %+v", levels)
	}
}

func TestVenueBidsNormalizedDescending(t *testing.T) {
	book := OrderBook{
		Symbol: "BTC/USDT:USDT",
		Bids:   ParseLevels([][]string{{"49990", "2"}, {"50000", "1.5"}}),
	}
	book.Normalize()
	if book.Bids[0].Price != 50000 || book.Bids[0].Size != 1.5 {
		t.Fatalf("expected [[50000,1.5],[49990,2]], got %+v", book.Bids)
	}
	if book.Bids[1].Price != 49990 || book.Bids[1].Size != 2 {
		t.Fatalf("expected [[50000,1.5],[49990,2]], got %+v", book.Bids)
	}
}
