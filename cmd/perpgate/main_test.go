package main

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
)

func TestParseFlagsRequiresVenue(t *testing.T) {
	var out bytes.Buffer
	if _, err := parseFlags([]string{"-op", "ticker"}, &out); err == nil {
		t.Fatal("expected error for missing -venue")
	}
	if !strings.Contains(out.String(), "missing -venue") {
		t.Errorf("usage output = %q", out.String())
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	opts, err := parseFlags([]string{"-venue", "binancef"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.op != "ticker" || opts.symbol != "BTC/USDT:USDT" || opts.limit != 20 {
		t.Errorf("defaults = %+v", opts)
	}
}

func TestVenuesOpListsRegisteredDrivers(t *testing.T) {
	var out bytes.Buffer
	logger := log.New(&bytes.Buffer{}, "", 0)
	opts := options{op: "venues"}
	if err := run(context.Background(), &out, logger, opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, id := range []string{"backpack", "binancef", "hyperliquid"} {
		if !strings.Contains(out.String(), id) {
			t.Errorf("venue list missing %s: %q", id, out.String())
		}
	}
}

func TestRunRejectsUnknownVenue(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	opts := options{op: "ticker", venue: "nosuch"}
	if err := run(context.Background(), &bytes.Buffer{}, logger, opts); err == nil {
		t.Fatal("expected error for unknown venue")
	}
}
