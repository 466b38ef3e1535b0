// Package redisctl listens on a Redis pub/sub channel for out-of-band
// admin commands (kill-session, close-stream), ported from the
// teacher's redis_cmds.go setupRedisCommandReceiver/parseRedisCommand.
// It is an alternative/supplement to internal/control's websocket
// STREAM-KILL message for deployments that prefer a Redis-based admin
// channel over a persistent coordinator connection.
package redisctl

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riverstream/rtmpd/internal/rtmplog"
)

const defaultChannel = "rtmp_commands"

// KillSwitch is the seam used to act on parsed commands, shared with
// internal/control's coordinator so both surfaces can terminate the
// same publishers.
type KillSwitch interface {
	KillPublisher(streamPath, streamID string)
}

// Config mirrors REDIS_HOST/REDIS_PORT/REDIS_PASSWORD/REDIS_CHANNEL/
// REDIS_TLS.
type Config struct {
	Host     string
	Port     string
	Password string
	Channel  string
	UseTLS   bool
}

// Run connects to Redis and blocks, dispatching parsed commands to kill
// until ctx is cancelled. On a connection error it logs and retries
// after 10 seconds, matching the teacher's reconnect loop. Call it in
// its own goroutine.
func Run(ctx context.Context, cfg Config, kill KillSwitch) {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}

	opts := &redis.Options{Addr: host + ":" + port, Password: cfg.Password}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{}
	}
	client := redis.NewClient(opts)
	defer client.Close()

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	rtmplog.Info("[REDIS] Listening for commands on channel '" + channel + "'")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rtmplog.Warning("Could not connect to Redis: " + err.Error())
			time.Sleep(10 * time.Second)
			continue
		}
		parseCommand(kill, msg.Payload)
	}
}

// parseCommand decodes one "name>arg1|arg2" message and applies it to
// kill. Malformed input is logged and dropped, matching the teacher's
// recover-and-warn behavior (here expressed without panic/recover,
// since nothing in this parser can actually panic).
func parseCommand(kill KillSwitch, cmd string) {
	parts := strings.SplitN(cmd, ">", 2)
	if len(parts) != 2 {
		rtmplog.Warning("Invalid message from Redis: " + cmd)
		return
	}

	name := parts[0]
	args := strings.Split(parts[1], "|")

	switch name {
	case "kill-session":
		if len(args) < 1 {
			rtmplog.Warning("Invalid message from Redis: " + cmd)
			return
		}
		kill.KillPublisher(args[0], "")
	case "close-stream":
		if len(args) < 2 {
			rtmplog.Warning("Invalid message from Redis: " + cmd)
			return
		}
		kill.KillPublisher(args[0], args[1])
	default:
		rtmplog.Warning("Unknown Redis command: " + cmd)
	}
}
