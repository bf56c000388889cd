// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo/v2"
	"github.com/mitchellh/go-homedir"
	cp "github.com/otiai10/copy"
	"github.com/sethvargo/go-retry"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/hemilabs/txdb/config"
	"github.com/hemilabs/txdb/database"
	"github.com/hemilabs/txdb/database/kvdb"
	"github.com/hemilabs/txdb/database/txdb"
	"github.com/hemilabs/txdb/database/txdb/level"
	"github.com/hemilabs/txdb/version"
)

const (
	daemonName      = "txdbctl"
	defaultLogLevel = daemonName + "=INFO;level=INFO;kvdb=INFO;txdb=INFO"
	defaultHome     = "~/.txdb"
)

var (
	log     = loggo.GetLogger(daemonName)
	welcome string

	home        string
	engine      string
	cacheSize   string
	logLevel    string
	openRetries uint64
	cm          = config.CfgMap{
		"TXDBCTL_HOME": config.Config{
			Value:        &home,
			DefaultValue: defaultHome,
			Help:         "database home directory",
			Print:        config.PrintAll,
		},
		"TXDBCTL_ENGINE": config.Config{
			Value:        &engine,
			DefaultValue: kvdb.EngineLevel,
			Help:         "key-value engine: " + strings.Join(kvdb.Engines(), ", "),
			Print:        config.PrintAll,
			Parse: func(envValue string) (any, error) {
				if !slices.Contains(kvdb.Engines(), envValue) {
					return nil, fmt.Errorf("unknown engine %v", envValue)
				}
				return envValue, nil
			},
		},
		"TXDBCTL_CACHE_SIZE": config.Config{
			Value:        &cacheSize,
			DefaultValue: level.DefaultCacheSize,
			Help:         "engine cache size, e.g. 100MiB",
			Print:        config.PrintAll,
		},
		"TXDBCTL_LOG_LEVEL": config.Config{
			Value:        &logLevel,
			DefaultValue: defaultLogLevel,
			Help:         "loglevel for various packages; INFO, DEBUG and TRACE",
			Print:        config.PrintAll,
		},
		"TXDBCTL_OPEN_RETRIES": config.Config{
			Value:        &openRetries,
			DefaultValue: uint64(5),
			Help:         "attempts to open a locked database",
			Print:        config.PrintAll,
		},
	}
)

func init() {
	version.Component = daemonName
	welcome = "Hemi Transaction Database Tool " + version.BuildInfo()
}

// dumper walks raw keys of a store.
type dumper interface {
	Dump(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
}

type coinsStore interface {
	txdb.CoinsDatabase
	dumper
}

type blockStore interface {
	txdb.BlockDatabase
	dumper
	CacheStats() level.CacheStats
}

// Stores an action operates on.
const (
	storeNone = iota
	storeCoins
	storeBlocks
)

type ctl struct {
	cfg    *level.Config
	out    io.Writer
	coins  coinsStore
	blocks blockStore
}

type action struct {
	store int
	usage string
	run   func(ctx context.Context, c *ctl, args map[string]string) error
}

var actions = map[string]action{
	"addrindex": {
		store: storeBlocks,
		usage: "address=<hash160 hex>|script=<hex> print address index",
		run:   addrIndex,
	},
	"backup": {
		store: storeNone,
		usage: "dst=<dir> copy the closed database to dst",
		run:   backup,
	},
	"bestblock": {
		store: storeCoins,
		usage: "print the best block of the coin set",
		run:   bestBlock,
	},
	"blockindex": {
		store: storeBlocks,
		usage: "load and link the block index, print roots and tip",
		run:   blockIndex,
	},
	"blockindexbyhash": {
		store: storeBlocks,
		usage: "hash=<block hash> print a block index record",
		run:   blockIndexByHash,
	},
	"coins": {
		store: storeCoins,
		usage: "txid=<txid> print the unspent outputs of a transaction",
		run:   coins,
	},
	"dump": {
		store: storeNone,
		usage: "db=chainstate|blocks [prefix=<hex>] dump raw keys and values",
		run:   dump,
	},
	"fileinfo": {
		store: storeBlocks,
		usage: "file=<number> print block file statistics",
		run:   fileInfo,
	},
	"flag": {
		store: storeBlocks,
		usage: "name=<flag> print a named flag",
		run:   flagGet,
	},
	"lastfile": {
		store: storeBlocks,
		usage: "print the last block file number",
		run:   lastFile,
	},
	"reindexing": {
		store: storeBlocks,
		usage: "print whether a reindex is in progress",
		run:   reindexing,
	},
	"setflag": {
		store: storeBlocks,
		usage: "name=<flag> value=<bool> set a named flag",
		run:   setFlag,
	},
	"stats": {
		store: storeCoins,
		usage: "walk the coin set and print statistics",
		run:   stats,
	},
	"txindex": {
		store: storeBlocks,
		usage: "txid=<txid> print the position of a transaction",
		run:   txIndex,
	},
}

func parseArgs(args []string) (string, map[string]string, error) {
	if len(args) < 1 {
		return "", nil, errors.New("action required")
	}

	action := args[0]
	parsed := make(map[string]string, 10)
	for _, v := range args[1:] {
		k, val, ok := strings.Cut(v, "=")
		if !ok {
			return "", nil, fmt.Errorf("invalid argument: %v", v)
		}
		if len(k) == 0 || len(val) == 0 {
			return "", nil, fmt.Errorf("expected a=b, got %v", v)
		}
		parsed[k] = val
	}
	return action, parsed, nil
}

func required(args map[string]string, k string) (string, error) {
	v := args[k]
	if v == "" {
		return "", fmt.Errorf("%v: must be set", k)
	}
	return v, nil
}

func hashArg(args map[string]string, k string) (chainhash.Hash, error) {
	v, err := required(args, k)
	if err != nil {
		return chainhash.Hash{}, err
	}
	h, err := chainhash.NewHashFromStr(v)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%v: %w", k, err)
	}
	return *h, nil
}

// openRetry opens a store, retrying while another process holds the lock.
func openRetry[T any](ctx context.Context, open func(context.Context) (T, error)) (T, error) {
	backoff := retry.WithMaxRetries(openRetries,
		retry.WithCappedDuration(5*time.Second,
			retry.NewExponential(250*time.Millisecond)))
	var db T
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		db, err = open(ctx)
		if errors.Is(err, database.ErrStore) {
			log.Infof("Retrying open: %v", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return db, err
}

func (c *ctl) open(ctx context.Context, store int) error {
	switch store {
	case storeCoins:
		db, err := openRetry(ctx, func(ctx context.Context) (coinsStore, error) {
			return level.NewCoinsDB(ctx, c.cfg)
		})
		if err != nil {
			return fmt.Errorf("open chainstate: %w", err)
		}
		c.coins = db
	case storeBlocks:
		db, err := openRetry(ctx, func(ctx context.Context) (blockStore, error) {
			return level.NewBlockTreeDB(ctx, c.cfg)
		})
		if err != nil {
			return fmt.Errorf("open block index: %w", err)
		}
		c.blocks = db
	}
	return nil
}

func (c *ctl) close(ctx context.Context) error {
	var errs []error
	if c.coins != nil {
		errs = append(errs, c.coins.Close(ctx))
		c.coins = nil
	}
	if c.blocks != nil {
		errs = append(errs, c.blocks.Close(ctx))
		c.blocks = nil
	}
	return errors.Join(errs...)
}

func (c *ctl) run(ctx context.Context, name string, args map[string]string) error {
	a, ok := actions[name]
	if !ok {
		return fmt.Errorf("unknown action: %v", name)
	}
	if err := c.open(ctx, a.store); err != nil {
		return err
	}
	err := a.run(ctx, c, args)
	if cerr := c.close(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close: %w", cerr))
	}
	return err
}

func bestBlock(ctx context.Context, c *ctl, _ map[string]string) error {
	hash, err := c.coins.BestBlock(ctx)
	if err != nil {
		return fmt.Errorf("best block: %w", err)
	}
	fmt.Fprintf(c.out, "%v\n", hash)
	return nil
}

func coins(ctx context.Context, c *ctl, args map[string]string) error {
	txId, err := hashArg(args, "txid")
	if err != nil {
		return err
	}
	cs, err := c.coins.CoinsByTxId(ctx, txId)
	if err != nil {
		return fmt.Errorf("coins: %w", err)
	}
	fmt.Fprintf(c.out, "version : %v\n", cs.Version)
	fmt.Fprintf(c.out, "coinbase: %v\n", cs.Coinbase)
	fmt.Fprintf(c.out, "height  : %v\n", cs.Height)
	for k, out := range cs.Outputs {
		if out == nil {
			continue
		}
		fmt.Fprintf(c.out, "%4v: %v %x\n", k, out.Value, out.PkScript)
	}
	return nil
}

func stats(ctx context.Context, c *ctl, _ map[string]string) error {
	start := time.Now()
	s, err := c.coins.CoinsStats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fmt.Fprintf(c.out, "best block     : %v\n", s.BestBlock)
	fmt.Fprintf(c.out, "transactions   : %v\n", humanize.Comma(int64(s.Transactions)))
	fmt.Fprintf(c.out, "outputs        : %v\n", humanize.Comma(int64(s.TransactionOutputs)))
	fmt.Fprintf(c.out, "serialized size: %v\n", humanize.IBytes(s.SerializedSize))
	fmt.Fprintf(c.out, "serialized hash: %v\n", s.HashSerialized)
	fmt.Fprintf(c.out, "total amount   : %v\n", s.TotalAmount)
	log.Infof("Walked coin set in %v", time.Since(start))
	return nil
}

// rss returns the resident set size of this process.
func rss(ctx context.Context) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

func blockIndex(ctx context.Context, c *ctl, _ map[string]string) error {
	start := time.Now()
	records, err := c.blocks.BlockIndexLoad(ctx)
	if err != nil {
		if !errors.Is(err, database.ErrCorruptRecord) || len(records) == 0 {
			return fmt.Errorf("block index load: %w", err)
		}
		log.Errorf("block index load: %v", err)
	}
	loaded := time.Since(start)
	bi, err := txdb.NewBlockIndex(records)
	if err != nil {
		return fmt.Errorf("block index: %w", err)
	}

	fmt.Fprintf(c.out, "records: %v loaded in %v\n", humanize.Comma(int64(len(records))), loaded)
	fmt.Fprintf(c.out, "linked : %v in %v\n", humanize.Comma(int64(bi.Len())),
		time.Since(start)-loaded)
	for _, r := range bi.Roots() {
		fmt.Fprintf(c.out, "root   : %v height %v\n", r.Hash, r.Height())
	}
	if tip := bi.Tip(); tip != nil {
		fmt.Fprintf(c.out, "tip    : %v height %v work %v\n", tip.Hash,
			tip.Height(), tip.Work)
	}
	if m, err := rss(ctx); err == nil {
		fmt.Fprintf(c.out, "rss    : %v\n", humanize.IBytes(m))
	}
	return nil
}

func blockIndexByHash(ctx context.Context, c *ctl, args map[string]string) error {
	hash, err := hashArg(args, "hash")
	if err != nil {
		return err
	}
	bi, err := c.blocks.BlockIndexByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("block index by hash: %w", err)
	}
	fmt.Fprintf(c.out, "%v", spew.Sdump(bi))
	fmt.Fprintf(c.out, "status: %v\n", bi.Status)
	return nil
}

func fileInfo(ctx context.Context, c *ctl, args map[string]string) error {
	v, err := required(args, "file")
	if err != nil {
		return err
	}
	file, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("file: %w", err)
	}
	bfi, err := c.blocks.BlockFileInfoByNumber(ctx, uint32(file))
	if err != nil {
		return fmt.Errorf("file info: %w", err)
	}
	fmt.Fprintf(c.out, "%v\n", bfi)
	fmt.Fprintf(c.out, "size: %v undo: %v\n", humanize.IBytes(uint64(bfi.Size)),
		humanize.IBytes(uint64(bfi.UndoSize)))
	return nil
}

func lastFile(ctx context.Context, c *ctl, _ map[string]string) error {
	file, err := c.blocks.LastBlockFile(ctx)
	if err != nil {
		return fmt.Errorf("last file: %w", err)
	}
	fmt.Fprintf(c.out, "%v\n", file)
	return nil
}

func reindexing(ctx context.Context, c *ctl, _ map[string]string) error {
	r, err := c.blocks.Reindexing(ctx)
	if err != nil {
		return fmt.Errorf("reindexing: %w", err)
	}
	fmt.Fprintf(c.out, "%v\n", r)
	return nil
}

func txIndex(ctx context.Context, c *ctl, args map[string]string) error {
	txId, err := hashArg(args, "txid")
	if err != nil {
		return err
	}
	pos, err := c.blocks.TxIndexByTxId(ctx, txId)
	if err != nil {
		return fmt.Errorf("tx index: %w", err)
	}
	fmt.Fprintf(c.out, "%v\n", pos)
	return nil
}

// addressArg returns the address id from either a hash160 or a script.
func addressArg(args map[string]string) (txdb.AddressId, error) {
	address, script := args["address"], args["script"]
	switch {
	case address != "" && script != "":
		return txdb.AddressId{}, errors.New("address and script are exclusive")
	case address != "":
		return txdb.NewAddressIdFromString(address)
	case script != "":
		s, err := hex.DecodeString(script)
		if err != nil {
			return txdb.AddressId{}, fmt.Errorf("script: %w", err)
		}
		return txdb.NewAddressIdFromScript(s), nil
	}
	return txdb.AddressId{}, errors.New("address or script: must be set")
}

func addrIndex(ctx context.Context, c *ctl, args map[string]string) error {
	addr, err := addressArg(args)
	if err != nil {
		return err
	}
	list, err := c.blocks.AddrIndexByAddress(ctx, addr)
	if err != nil {
		return fmt.Errorf("addr index: %w", err)
	}
	fmt.Fprintf(c.out, "%v: %v entries\n", addr, len(list))
	for _, pos := range list {
		fmt.Fprintf(c.out, "%v\n", pos)
	}
	return nil
}

func flagGet(ctx context.Context, c *ctl, args map[string]string) error {
	name, err := required(args, "name")
	if err != nil {
		return err
	}
	v, err := c.blocks.Flag(ctx, name)
	if err != nil {
		return fmt.Errorf("flag: %w", err)
	}
	fmt.Fprintf(c.out, "%v\n", v)
	return nil
}

func setFlag(ctx context.Context, c *ctl, args map[string]string) error {
	name, err := required(args, "name")
	if err != nil {
		return err
	}
	v, err := required(args, "value")
	if err != nil {
		return err
	}
	value, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	if err := c.blocks.FlagUpdate(ctx, name, value); err != nil {
		return fmt.Errorf("set flag: %w", err)
	}
	log.Infof("Flag %v set to %v", name, value)
	return nil
}

func dump(ctx context.Context, c *ctl, args map[string]string) error {
	db, err := required(args, "db")
	if err != nil {
		return err
	}
	var prefix []byte
	if p := args["prefix"]; p != "" {
		prefix, err = hex.DecodeString(p)
		if err != nil {
			return fmt.Errorf("prefix: %w", err)
		}
	}

	var d dumper
	switch db {
	case "chainstate":
		if err := c.open(ctx, storeCoins); err != nil {
			return err
		}
		d = c.coins
	case "blocks":
		if err := c.open(ctx, storeBlocks); err != nil {
			return err
		}
		d = c.blocks
	default:
		return fmt.Errorf("unknown db: %v", db)
	}
	var n int
	err = d.Dump(ctx, prefix, func(key, value []byte) error {
		n++
		_, err := fmt.Fprintf(c.out, "%x %x\n", key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	log.Infof("Dumped %v keys", n)
	return nil
}

func backup(ctx context.Context, c *ctl, args map[string]string) error {
	dst, err := required(args, "dst")
	if err != nil {
		return err
	}
	src, err := homedir.Expand(c.cfg.Home)
	if err != nil {
		return fmt.Errorf("home: %w", err)
	}
	dst, err = homedir.Expand(dst)
	if err != nil {
		return fmt.Errorf("dst: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination exists: %v", dst)
	}

	// Make sure nobody has the stores open.
	for _, store := range []int{storeCoins, storeBlocks} {
		if err := c.open(ctx, store); err != nil {
			return err
		}
	}
	if err := c.close(ctx); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	start := time.Now()
	err = cp.Copy(src, dst, cp.Options{
		PreserveTimes:     true,
		PermissionControl: cp.PerservePermission,
	})
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	log.Infof("Copied %v to %v in %v", src, dst, time.Since(start))
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "%v\n", welcome)
	fmt.Fprintf(os.Stderr, "\t%v <action> [key=value ...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Actions:\n")
	names := make([]string, 0, len(actions))
	for k := range actions {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "\t%-16v %v\n", name, actions[name].usage)
	}
	fmt.Fprintf(os.Stderr, "\thelp             (this help)\n")
	fmt.Fprintf(os.Stderr, "Environment:\n")
	config.Help(os.Stderr, cm)
}

func _main() error {
	if err := config.Parse(cm); err != nil {
		return err
	}
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		return err
	}
	log.Debugf("%v", welcome)
	for _, line := range config.PrintableConfig(cm) {
		log.Debugf("%v", line)
	}

	name, args, err := parseArgs(flag.Args())
	if err != nil {
		usage()
		return err
	}
	if name == "help" {
		usage()
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level.Welcome = false
	cfg := level.NewDefaultConfig(home)
	cfg.Engine = engine
	cfg.CacheSize = cacheSize
	c := &ctl{cfg: cfg, out: os.Stdout}
	return c.run(ctx, name, args)
}

func main() {
	flag.Parse()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := _main(); err != nil {
		fmt.Fprintf(os.Stderr, "\n%v: %v\n", daemonName, err)
		os.Exit(1)
	}
}
