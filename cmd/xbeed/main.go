package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/xbeed/pkg/facade"
	"github.com/librescoot/xbeed/pkg/redis"
)

var (
	serialDevice = flag.String("serial", "/dev/ttymxc1", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")

	fragmentTimeout = flag.Duration("fragment-timeout", 500*time.Millisecond, "Time without a new fragment before an incomplete message is NACKed")
	sessionTimeout  = flag.Duration("session-timeout", 30*time.Second, "Total time before an in-flight message is abandoned")
	maxNackRounds   = flag.Int("max-nack-rounds", 10, "Maximum NACK rounds before a message is abandoned")
	payloadSize     = flag.Int("payload-size", 30, "Fragment payload size in bytes (max 34)")
)

const statsRefreshInterval = time.Second

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting xbeed")
	log.Printf("Serial device: %s", *serialDevice)
	log.Printf("Baud rate: %d", *baudRate)
	log.Printf("Redis address: %s", *redisAddr)

	redisClient, err := redis.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	cfg := facade.DefaultConfig()
	cfg.PayloadSize = *payloadSize
	cfg.MaxNackRounds = *maxNackRounds
	cfg.Session.FragmentTimeout = *fragmentTimeout
	cfg.Session.SessionTimeout = *sessionTimeout
	cfg.Session.MaxNackRounds = *maxNackRounds

	var f *facade.Facade
	f = facade.New(cfg, func(data []byte, src64 uint64) {
		log.Printf("received %d bytes from 0x%016X", len(data), src64)
		f.PublishReceived(redisClient, data, src64)
	})

	if err := f.Connect(*serialDevice, *baudRate); err != nil {
		log.Fatalf("Failed to connect to XBee radio: %v", err)
	}
	defer f.Disconnect()
	log.Printf("Connected to XBee radio, own address 0x%016X", f.Address64())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.WatchCommands(ctx, redisClient)

	go func() {
		ticker := time.NewTicker(statsRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.RefreshStats(redisClient)
			}
		}
	}()

	log.Printf("Watching %s, publishing to %s, stats in %s", facade.KeyTXList, facade.KeyRXChannel, facade.KeyStatsHash)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	cancel()
	log.Printf("Shutting down...")
}
