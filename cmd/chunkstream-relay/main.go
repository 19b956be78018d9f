// Command chunkstream-relay is a thin demonstration binary wiring a
// Sender or Receiver from a TOML config file. It exists to exercise the
// library end to end, not as part of chunkstream's core scope.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tjohn327/chunkstream"
	"github.com/tjohn327/chunkstream/config"
)

func main() {
	configFile := flag.String("c", "", "location of the config file")
	flag.Parse()

	log := logrus.New()
	entry := log.WithField("cmd", "chunkstream-relay")

	if *configFile == "" {
		entry.Fatal("config file required (-c)")
	}
	cfg, err := config.Load(*configFile)
	check(entry, err)

	if level, lerr := logrus.ParseLevel(cfg.LogLevel); lerr == nil {
		log.SetLevel(level)
	}

	watcher, err := config.NewWatcher(*configFile, cfg, entry)
	check(entry, err)
	defer watcher.Close()

	switch cfg.Role {
	case "sender":
		runSender(entry, cfg)
	case "receiver":
		runReceiver(entry, cfg)
	default:
		entry.Fatalf("invalid role %q, expected sender or receiver", cfg.Role)
	}
}

func runSender(log *logrus.Entry, cfg *config.Config) {
	opts := senderOpts(log, cfg)
	sender, err := chunkstream.NewSender(cfg.RemoteAddr, cfg.Port, opts...)
	check(log, err)
	defer sender.Close()

	go func() {
		check(log, sender.Start())
	}()

	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if sendErr := sender.Send(line); sendErr != nil {
				log.WithError(sendErr).Warn("send failed")
			}
		}
		if err == io.EOF {
			return
		}
		check(log, err)
	}
}

func runReceiver(log *logrus.Entry, cfg *config.Config) {
	receiver, err := chunkstream.NewReceiver(cfg.Port, func(data []byte, release func()) {
		defer release()
		fmt.Printf("frame: %d bytes\n", len(data))
	}, receiverOpts(log, cfg)...)
	check(log, err)
	defer receiver.Close()

	check(log, receiver.Start())
}

func senderOpts(log *logrus.Entry, cfg *config.Config) []chunkstream.Option {
	opts := commonOpts(log, cfg)
	return opts
}

func receiverOpts(log *logrus.Entry, cfg *config.Config) []chunkstream.Option {
	opts := commonOpts(log, cfg)
	return opts
}

func commonOpts(log *logrus.Entry, cfg *config.Config) []chunkstream.Option {
	var opts []chunkstream.Option
	if cfg.MTU > 0 {
		opts = append(opts, chunkstream.WithMTU(cfg.MTU))
	}
	if cfg.BufferSize > 0 {
		opts = append(opts, chunkstream.WithBufferSize(cfg.BufferSize))
	}
	if cfg.MaxData > 0 {
		opts = append(opts, chunkstream.WithMaxDataSize(cfg.MaxData))
	}
	opts = append(opts, chunkstream.WithLogger(log))
	if cfg.Metrics.Enabled {
		opts = append(opts, chunkstream.WithMetrics(true))
	}
	return opts
}

func check(log *logrus.Entry, err error) {
	if err != nil {
		log.Fatal(err)
	}
}
