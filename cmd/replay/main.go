package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/accounting"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/lending"
	"github.com/wnt/subledger/internal/logger"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/oracle"
	"github.com/wnt/subledger/internal/position"
	"github.com/wnt/subledger/internal/queue"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/rpc"
	"github.com/wnt/subledger/internal/store"
)

// offlineReader answers every contract read with a revert
type offlineReader struct{}

func (offlineReader) Call(context.Context, int64, string, string, ...any) chain.Result[[]any] {
	return chain.Revert[[]any]()
}

func main() {
	// Parse command line arguments
	var (
		envFile    string
		eventsPath string
		pricesPath string
		badgerPath string
		rpcURLs    string
		protocolID string
		network    string
		ratio      string
		logLevel   string
	)
	flag.StringVar(&envFile, "envFile", "", "Optional .env file")
	flag.StringVar(&eventsPath, "events", "", "JSON-lines event file to replay (required)")
	flag.StringVar(&pricesPath, "prices", "", "JSON object of token address to USD price")
	flag.StringVar(&badgerPath, "badger", "", "Replay into a badger store at this path instead of memory")
	flag.StringVar(&rpcURLs, "rpc", "", "Comma separated RPC endpoints for contract reads")
	flag.StringVar(&protocolID, "protocol", "", "Protocol address (required)")
	flag.StringVar(&network, "network", "mainnet", "Network name for the starting block rate")
	flag.StringVar(&ratio, "liquidation-ratio", "0.1", "Fallback protocol-side share of liquidation profit")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level")
	flag.Parse()

	if eventsPath == "" || protocolID == "" {
		fmt.Println("Usage: replay -events <file.jsonl> -protocol <address> [-prices <prices.json>] [-badger <dir>] [-rpc <urls>]")
		os.Exit(1)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("Error loading %s: %v", envFile, err)
		}
	}

	fallbackRatio, err := decimal.NewFromString(ratio)
	if err != nil {
		log.Fatalf("Invalid -liquidation-ratio: %v", err)
	}

	appLogger := logger.New(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	ctx := context.Background()

	events, err := readEvents(eventsPath)
	if err != nil {
		log.Fatalf("Failed to read events: %v", err)
	}
	fmt.Printf("📄 Loaded %d events from %s\n", len(events), eventsPath)

	var reader chain.ContractReader = offlineReader{}
	if rpcURLs != "" {
		pool, err := rpc.NewPool(ctx, strings.Split(rpcURLs, ","), 10, appLogger)
		if err != nil {
			log.Fatalf("Failed to create RPC pool: %v", err)
		}
		reader = rpc.NewReader(pool, appLogger)
	}

	prices, err := readPrices(pricesPath)
	if err != nil {
		log.Fatalf("Failed to read prices: %v", err)
	}
	priceOracle := oracle.NewCache(oracle.NewChain(appLogger, oracle.NewStatic(prices)), 1, nil, appLogger)

	kv := store.NewMemory()
	if badgerPath != "" {
		if kv, err = store.Open(badgerPath); err != nil {
			log.Fatalf("Failed to open badger store: %v", err)
		}
	}
	defer kv.Close()

	reg := registry.New(reader, registry.ProtocolInfo{
		ID:      chain.NormalizeAddress(protocolID),
		Name:    "replay",
		Slug:    "replay",
		Network: network,
	}, appLogger)
	handler := lending.New(
		reg,
		position.New(reg, appLogger),
		accounting.New(reg, reader, priceOracle, appLogger),
		reader,
		fallbackRatio,
		appLogger,
	)

	var applied, skipped int
	for _, ev := range events {
		err := store.Atomically(ctx, kv, func(s store.Store) error {
			return handler.Dispatch(ctx, s, ev)
		})
		switch {
		case err == nil:
			applied++
		case errors.Is(err, lending.ErrUnknownEvent), errors.Is(err, chain.ErrBadParam):
			fmt.Printf("⚠️  Skipping %s %s: %v\n", ev.Type, ev.ID(), err)
			skipped++
		default:
			log.Fatalf("❌ Event %s %s at block %d failed: %v", ev.Type, ev.ID(), ev.BlockNumber, err)
		}
	}

	fmt.Printf("✅ Applied %d events, skipped %d\n", applied, skipped)
	fmt.Println(strings.Repeat("=", 80))

	if err := printAggregates(ctx, kv, reg.ProtocolID(), os.Stdout); err != nil {
		log.Fatalf("Failed to print aggregates: %v", err)
	}
}

// readEvents loads a JSON-lines file and orders it by block and log index
func readEvents(path string) ([]chain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []chain.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev chain.Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return queue.Score(events[i]) < queue.Score(events[j])
	})
	return events, nil
}

func readPrices(path string) (map[string]decimal.Decimal, error) {
	prices := map[string]decimal.Decimal{}
	if path == "" {
		return prices, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, err
	}
	return prices, nil
}

// aggregates is the replay summary
type aggregates struct {
	Protocol *models.Protocol `json:"protocol"`
	Markets  []*models.Market `json:"markets"`
}

func printAggregates(ctx context.Context, s store.Store, protocolID string, w io.Writer) error {
	protocol, err := registry.Load[models.Protocol](ctx, s, protocolID)
	if err != nil {
		return err
	}
	if protocol == nil {
		fmt.Fprintln(w, "📭 No protocol entity was written")
		return nil
	}

	out := aggregates{Protocol: protocol}
	for _, id := range protocol.MarketIDs {
		market, err := registry.Load[models.Market](ctx, s, id)
		if err != nil {
			return err
		}
		if market != nil {
			out.Markets = append(out.Markets, market)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
