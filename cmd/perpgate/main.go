// Command perpgate exercises a venue driver from the command line: list
// markets, fetch market data, check venue health, or tail a stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/config"
	"github.com/perpgate/perpgate/driver"
	_ "github.com/perpgate/perpgate/venues/backpack"
	_ "github.com/perpgate/perpgate/venues/binancef"
	_ "github.com/perpgate/perpgate/venues/hyperliquid"
)

const defaultFetchTimeout = 30 * time.Second

type options struct {
	venue     string
	op        string
	symbol    string
	timeframe string
	limit     int
	testnet   bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "perpgate ", log.LstdFlags)

	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, os.Stdout, logger, opts); err != nil {
		logger.Fatalf("%s %s: %v", opts.venue, opts.op, err)
	}
}

func parseFlags(args []string, out io.Writer) (options, error) {
	fs := flag.NewFlagSet("perpgate", flag.ContinueOnError)
	fs.SetOutput(out)
	var opts options
	fs.StringVar(&opts.venue, "venue", "", "venue id (see -op venues)")
	fs.StringVar(&opts.op, "op", "ticker", "operation: venues, markets, ticker, book, trades, funding, ohlcv, health, watch-book, watch-trades, watch-ticker")
	fs.StringVar(&opts.symbol, "symbol", "BTC/USDT:USDT", "unified symbol, e.g. BTC/USDT:USDT")
	fs.StringVar(&opts.timeframe, "timeframe", "1m", "candle timeframe for ohlcv")
	fs.IntVar(&opts.limit, "limit", 20, "row limit for list operations")
	fs.BoolVar(&opts.testnet, "testnet", false, "use the venue testnet endpoints")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.op != "venues" && strings.TrimSpace(opts.venue) == "" {
		fmt.Fprintln(out, "missing -venue")
		fs.Usage()
		return options{}, errors.New("missing -venue")
	}
	return opts, nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func run(ctx context.Context, out io.Writer, logger *log.Logger, opts options) error {
	if opts.op == "venues" {
		for _, id := range driver.IDs() {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	// Credentials come from the environment only, keyed by the venue id:
	// BINANCEF_API_KEY, HYPERLIQUID_API_PRIVATE_KEY and so on.
	cfg := config.Default().FromEnv(opts.venue)
	cfg.Testnet = cfg.Testnet || opts.testnet

	d, err := driver.New(opts.venue, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Disconnect(shutdownCtx); err != nil {
			logger.Printf("disconnect: %v", err)
		}
	}()

	if strings.HasPrefix(opts.op, "watch-") {
		return runWatch(ctx, out, d, opts)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()
	return runFetch(fetchCtx, out, d, opts)
}

func runFetch(ctx context.Context, out io.Writer, d driver.Driver, opts options) error {
	var result any
	var err error
	switch opts.op {
	case "markets":
		result, err = d.FetchMarkets(ctx)
	case "ticker":
		result, err = d.FetchTicker(ctx, opts.symbol)
	case "book":
		result, err = d.FetchOrderBook(ctx, opts.symbol, opts.limit)
	case "trades":
		result, err = d.FetchTrades(ctx, opts.symbol, opts.limit)
	case "funding":
		result, err = d.FetchFundingRate(ctx, opts.symbol)
	case "ohlcv":
		result, err = d.FetchOHLCV(ctx, opts.symbol, opts.timeframe, 0, opts.limit)
	case "health":
		result, err = d.HealthCheck(ctx)
	default:
		return fmt.Errorf("unknown operation %q", opts.op)
	}
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

// runWatch tails a stream until the context is cancelled (ctrl-c).
func runWatch(ctx context.Context, out io.Writer, d driver.Driver, opts options) error {
	emit := func(v any) error { return printJSON(out, v) }
	switch opts.op {
	case "watch-book":
		seq, err := d.WatchOrderBook(ctx, opts.symbol)
		if err != nil {
			return err
		}
		defer seq.Close()
		return tail(ctx, seq, emit)
	case "watch-trades":
		seq, err := d.WatchTrades(ctx, opts.symbol)
		if err != nil {
			return err
		}
		defer seq.Close()
		return tail(ctx, seq, emit)
	case "watch-ticker":
		seq, err := d.WatchTicker(ctx, opts.symbol)
		if err != nil {
			return err
		}
		defer seq.Close()
		return tail(ctx, seq, emit)
	default:
		return fmt.Errorf("unknown operation %q", opts.op)
	}
}

func tail[T any](ctx context.Context, seq *driver.Sequence[T], emit func(any) error) error {
	for {
		item, err := seq.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := emit(item); err != nil {
			return err
		}
	}
}

func printJSON(out io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(payload))
	return err
}
