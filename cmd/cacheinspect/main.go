// cacheinspect is thin wiring glue that assembles a Coordinator from an
// in-memory L1 and an optional Redis L2, then exposes a handful of
// subcommands for exercising it end to end. It is deliberately minimal:
// attribute/annotation scanning, HTTP surfaces, and production wiring are
// out of scope (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/layercache/methodcache/coordinator"
	"github.com/layercache/methodcache/memtier"
	redisprovider "github.com/layercache/methodcache/providers/redis"
	"github.com/layercache/methodcache/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "cacheinspect:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cacheinspect", flag.ContinueOnError)
	redisAddr := fs.String("redis", "", "optional redis address for the L2 tier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: cacheinspect [-redis addr] <get|set|remove|health|stats> [args...]")
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	l1 := memtier.New(0, "l1")
	tiers := []coordinator.Tier{{Provider: l1}}

	if *redisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: *redisAddr})
		l2 := redisprovider.New(client, 32, 1, "l2", redisprovider.WithLogger(log))
		tiers = append(tiers, coordinator.Tier{Provider: l2})
	}

	coord := coordinator.New(tiers, coordinator.WithLogger(log))
	defer coord.Dispose(context.Background())

	ctx := context.Background()
	switch cmd, rest := fs.Arg(0), fs.Args()[1:]; cmd {
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		res, err := coord.Get(ctx, rest[0])
		if err != nil {
			return err
		}
		if !res.Found {
			fmt.Println("(miss)")
			return nil
		}
		fmt.Printf("%s (expires %s)\n", res.Value, res.ExpiresAt.Format(time.RFC3339))
		return nil

	case "set":
		if len(rest) != 3 {
			return fmt.Errorf("usage: set <key> <value> <ttlSeconds>")
		}
		ttlSeconds, err := time.ParseDuration(rest[2] + "s")
		if err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
		return coord.Set(ctx, rest[0], []byte(rest[1]), ttlSeconds, nil)

	case "remove":
		if len(rest) != 1 {
			return fmt.Errorf("usage: remove <key>")
		}
		return coord.Remove(ctx, rest[0])

	case "health":
		fmt.Println(coord.Health(ctx).String())
		return nil

	case "stats":
		for name, v := range telemetry.ToFlatMap("cache", coord.Snapshot()) {
			fmt.Printf("%s %g\n", name, v)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
