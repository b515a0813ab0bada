// mmrmirrord - Local mirror of an on-ledger Merkle Mountain Range accumulator
//
// The daemon rebuilds the accumulator from ledger events, verifies every
// step against the ledger's published state and keeps following new appends:
//
//	mmrmirrord run       Backward sync, then follow the ledger
//	mmrmirrord status    Show what the local store has verified
//	mmrmirrord decode    Decode a packed metadata word
//	mmrmirrord version   Print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"mmrmirror/internal/config"
	"mmrmirror/internal/health"
	"mmrmirror/internal/kv"
	"mmrmirror/internal/leaves"
	"mmrmirror/internal/ledger"
	"mmrmirror/internal/syncer"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "decode":
		cmdDecode()
	case "version":
		fmt.Printf("mmrmirrord %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`mmrmirrord - Merkle Mountain Range ledger mirror

USAGE:
    mmrmirrord <command> [options]

COMMANDS:
    run                 Sync backward from the ledger head, then follow it
    status              Show the highest stored leaf and verified marker
    decode <word>       Decode a hex encoded accumulator metadata word
    version             Print the version
    help                Show this help

OPTIONS:
    -config <path>      Configuration file (.toml, .yaml, .yml or .json)

Settings can be overridden with MMRMIRROR_* environment variables,
for example MMRMIRROR_RPC_URL and MMRMIRROR_CONTRACT_ADDRESS.`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// configFlag parses the flags shared by commands that need configuration.
func configFlag(name string) string {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", config.ConfigPath(), "configuration file")
	fs.Parse(os.Args[2:])
	return *path
}

func cmdStatus() {
	path := configFlag("status")
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.MemoryStorage() {
		fatalf("storage type is memory; nothing is persisted")
	}

	store, err := kv.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()

	ctx := context.Background()
	maxIndex, ok, err := leaves.NewStore(store).MaxIndex(ctx)
	if err != nil {
		fatalf("read leaves: %v", err)
	}
	verified, err := syncer.VerifiedThrough(ctx, store)
	if err != nil {
		fatalf("read marker: %v", err)
	}

	report := health.NewChecker(health.Component{Name: "store", Critical: true, Check: health.StoreCheck(store)}).Run(ctx)

	fmt.Printf("Store:            %s (%s)\n", cfg.Storage.Path, report.Status)
	fmt.Printf("Contract:         %s\n", cfg.Ledger.ContractAddress)
	if ok {
		fmt.Printf("Highest leaf:     %d\n", maxIndex)
	} else {
		fmt.Println("Highest leaf:     none")
	}
	if verified >= 0 {
		fmt.Printf("Verified through: %d\n", verified)
	} else {
		fmt.Println("Verified through: none")
	}
}

func cmdDecode() {
	if len(os.Args) < 3 {
		fatalf("usage: mmrmirrord decode <hex-word>")
	}
	raw := strings.TrimSpace(os.Args[2])
	b := common.FromHex(raw)
	if len(b) > 32 {
		fatalf("metadata word is %d bytes, want at most 32", len(b))
	}
	meta, err := ledger.DecodeMetadataBytes(common.LeftPadBytes(b, 32))
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("Leaf count:            %d\n", meta.LeafCount)
	fmt.Printf("Peak count:            %d\n", meta.PeakCount)
	heights := make([]string, 0, meta.PeakCount)
	for i := 0; i < int(meta.PeakCount) && i < ledger.MaxPeaks; i++ {
		heights = append(heights, fmt.Sprint(meta.PeakHeights[i]))
	}
	fmt.Printf("Peak heights:          [%s]\n", strings.Join(heights, " "))
	fmt.Printf("Previous insert block: %d\n", meta.PreviousInsertBlockNumber)
	fmt.Printf("Deploy block:          %d\n", meta.DeployBlockNumber)
}
