// Command loanexport writes the lending loan book to a Snappy-compressed
// parquet file with a BLAKE3 digest beside it. It opens the lendingd state
// directory directly, so run it against a stopped daemon or a snapshot copy.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"revenuechannels/native/lending"
	"revenuechannels/native/oracle"
	"revenuechannels/native/token"
	"revenuechannels/services/lendingd/config"
	"revenuechannels/storage"
)

func main() {
	configPath := flag.String("config", "services/lendingd/config.yaml", "Path to the lendingd configuration file")
	outDir := flag.String("out", "./exports", "Directory receiving the export")
	onlyOpen := flag.Bool("open-only", false, "Skip closed and liquidated loans")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.Path == "" {
		fmt.Fprintln(os.Stderr, "storage.path is empty; an in-memory daemon has nothing to export")
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open state: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	engine, err := openEngine(db, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to assemble engine: %v\n", err)
		os.Exit(1)
	}

	path, digest, count, err := Export(engine, *outDir, *onlyOpen, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d loans to %s\nblake3 %s\n", count, path, digest)
}

// openEngine builds a read-only view of the engine. Rates come from the
// genesis oracle section since live feeds are not persisted.
func openEngine(db storage.Database, cfg config.Config) (*lending.Engine, error) {
	ledger, err := token.NewLedger(db)
	if err != nil {
		return nil, err
	}
	feeds := oracle.NewPriceFeeds(cfg.Oracle.MaxAge)
	if cfg.Storage.Genesis != "" {
		genesis, err := lending.LoadGenesis(cfg.Storage.Genesis)
		if err != nil {
			return nil, err
		}
		if err := feeds.ApplyGenesis(genesis.Oracle); err != nil {
			return nil, err
		}
	}
	for _, meta := range ledger.Tokens() {
		if err := feeds.SetDecimals(meta.Address, meta.Decimals); err != nil {
			return nil, err
		}
	}
	return lending.NewEngine(lending.NewStore(db), ledger, feeds, nil), nil
}
