// Command waitfordeps blocks until the configured Postgres and Redis
// instances answer a ping.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

type pinger struct {
	name string
	ping func(ctx context.Context) error
}

func main() {
	flags := pflag.NewFlagSet("waitfordeps", pflag.ExitOnError)
	dsn := flags.String("postgres", os.Getenv("TEST_POSTGRES_DSN"), "Postgres DSN to wait for")
	redisURL := flags.String("redis", os.Getenv("TEST_REDIS_URL"), "Redis URL to wait for")
	timeout := flags.Duration("timeout", 60*time.Second, "give up after this long")
	interval := flags.Duration("interval", 2*time.Second, "delay between attempts")
	_ = flags.Parse(os.Args[1:])

	if *dsn == "" && *redisURL == "" {
		fmt.Fprintln(os.Stderr, "at least one of --postgres or --redis is required")
		os.Exit(2)
	}
	if *timeout <= 0 || *interval <= 0 {
		fmt.Fprintln(os.Stderr, "--timeout and --interval must be > 0")
		os.Exit(2)
	}

	var targets []pinger
	if *dsn != "" {
		db, err := sql.Open("postgres", *dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open postgres: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		targets = append(targets, pinger{name: "postgres", ping: db.PingContext})
	}
	if *redisURL != "" {
		opts, err := redis.ParseURL(*redisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "parse redis url: %v\n", err)
			os.Exit(2)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		targets = append(targets, pinger{name: "redis", ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}

	deadline := time.Now().Add(*timeout)
	for _, t := range targets {
		if err := waitFor(t, deadline, *interval); err != nil {
			fmt.Fprintf(os.Stderr, "%s not ready within %s: %v\n", t.name, *timeout, err)
			os.Exit(1)
		}
		fmt.Printf("%s ready\n", t.name)
	}
}

func waitFor(t pinger, deadline time.Time, interval time.Duration) error {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := t.ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(interval)
	}
}
