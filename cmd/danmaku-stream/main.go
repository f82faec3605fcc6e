package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	danmaku "github.com/redcircle/danmaku-stream"
	"github.com/redcircle/danmaku-stream/internal/logging"
	"github.com/redcircle/danmaku-stream/internal/metrics"
)

func main() {
	roomID := flag.Uint64("room", 510, "room id to open")
	logFormat := flag.String("log-format", "text", "log format: text|json")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090); empty disables")
	flag.Parse()

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logging.Set(logging.New(*logFormat, level, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *metricsAddr != "" {
		srv := metrics.StartHTTP(*metricsAddr)
		defer srv.Close()
	}

	stream, sub, err := danmaku.Open(ctx, *roomID)
	if err != nil {
		logging.L().Error("failed to open stream", "room_id", *roomID, "error", err)
		os.Exit(1)
	}
	defer stream.Close()

	for {
		pkt, err := sub.Recv(ctx)
		if err != nil {
			var lagged *danmaku.Lagged
			if asLagged(err, &lagged) {
				logging.L().Warn("subscriber lagged", "dropped", lagged.Count)
				continue
			}
			if ctx.Err() != nil {
				logging.L().Info("stopped")
				return
			}
			logging.L().Error("stream ended", "error", err)
			return
		}
		fmt.Printf("op=%d protoVer=%d seq=%d body_len=%d\n", pkt.Operation, pkt.ProtoVer, pkt.SeqID, len(pkt.Body))
	}
}

func asLagged(err error, target **danmaku.Lagged) bool {
	l, ok := err.(*danmaku.Lagged)
	if !ok {
		return false
	}
	*target = l
	return true
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log-level: %s", s)
	}
}
