// Command rtmpserver is the entry point wiring every internal package
// together, grounded on the teacher's main.go/rtmp_server.go Start flow:
// load environment, build the optional coordinator/webhook/redis
// collaborators, then start the accept loop.
package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/riverstream/rtmpd/internal/conn"
	"github.com/riverstream/rtmpd/internal/control"
	"github.com/riverstream/rtmpd/internal/control/redisctl"
	"github.com/riverstream/rtmpd/internal/rtmplog"
	"github.com/riverstream/rtmpd/internal/server"
	"github.com/riverstream/rtmpd/internal/session"
	"github.com/riverstream/rtmpd/internal/tlsutil"
	"github.com/riverstream/rtmpd/internal/webhook"
)

const version = "1.0.0"

func main() {
	// A missing .env is not an error: every setting also has an
	// os.Getenv fallback, matching the teacher's direct os.Getenv use.
	_ = godotenv.Load()

	rtmplog.Info("RTMP Go Server (Version " + version + ")")

	cfg := server.Config{
		BindAddress:      os.Getenv("BIND_ADDRESS"),
		RTMPPort:         envInt("RTMP_PORT", 1935),
		SSLPort:          envInt("SSL_PORT", 0),
		NumWorkers:       envInt("RTMP_WORKERS", 4),
		MaxStreamIDLength: 255,
		MaxGOPFrames:      0, // 0 keeps the session package's own default
		GOPByteLimitMB:    envInt("GOP_CACHE_SIZE_MB", 0),
		MaxIPConnections:  envInt("MAX_IP_CONCURRENT_CONNECTIONS", 0),
		IPWhitelist:       os.Getenv("CONCURRENT_LIMIT_WHITELIST"),
		PlayWhitelist:     os.Getenv("RTMP_PLAY_WHITELIST"),
		SweepInterval:     30 * time.Second,
	}

	if certFile, keyFile := os.Getenv("SSL_CERT"), os.Getenv("SSL_KEY"); certFile != "" && keyFile != "" {
		tlsCfg, err := tlsutil.LoadHotReloading(certFile, keyFile, 0)
		if err != nil {
			rtmplog.Error(err)
		} else {
			cfg.TLSConfig = tlsCfg
			if cfg.SSLPort == 0 {
				cfg.SSLPort = 443
			}
		}
	}

	// Built before the Server itself so it can double as both the
	// coordinator's KillSwitch (via buildHooks) and the Server's own
	// registry (via cfg.Registry), resolving what would otherwise be a
	// circular dependency between control.New and server.New.
	registry := session.NewRegistry()
	cfg.Registry = registry

	srv := server.New(cfg, buildHooks(cfg, registry))

	setupRedis(srv)

	rtmplog.Info("Listening on RTMP port " + strconv.Itoa(cfg.RTMPPort))
	if err := srv.Serve(); err != nil {
		rtmplog.Error(err)
		os.Exit(1)
	}
}

// buildHooks wires exactly one of {coordinator, webhook} for publish
// approval and lifecycle notifications, per spec.md §6.8 — whichever
// CONTROL_BASE_URL/CALLBACK_URL is set, or neither (stand-alone mode).
// registry is passed in so the coordinator's STREAM-KILL messages reach
// the same session.Registry the Server is about to be built around.
func buildHooks(cfg server.Config, registry *session.Registry) conn.Hooks {
	if baseURL := os.Getenv("CONTROL_BASE_URL"); baseURL != "" {
		coord := control.New(control.Config{
			BaseURL:      baseURL,
			Secret:       os.Getenv("CONTROL_SECRET"),
			ExternalIP:   os.Getenv("EXTERNAL_IP"),
			ExternalPort: os.Getenv("EXTERNAL_PORT"),
			ExternalSSL:  os.Getenv("EXTERNAL_SSL") == "YES",
			Debug:        os.Getenv("LOG_DEBUG") == "YES",
		}, registry)

		return conn.Hooks{
			ApprovePublish: func(app, streamName, ip string) (string, bool) {
				accepted, streamID := coord.RequestPublish(app+"/"+streamName, streamName, ip)
				return streamID, accepted
			},
			OnEvent: func(event, streamPath string) {
				if event == "publish.stop" {
					coord.PublishEnd(streamPath, "")
				}
			},
		}
	}

	if callbackURL := os.Getenv("CALLBACK_URL"); callbackURL != "" {
		notifier := webhook.New(webhook.Config{
			URL:     callbackURL,
			Secret:  os.Getenv("JWT_SECRET"),
			Subject: os.Getenv("CUSTOM_JWT_SUBJECT"),
			Host:    os.Getenv("BIND_ADDRESS"),
			Port:    cfg.RTMPPort,
		})

		return conn.Hooks{
			ApprovePublish: func(app, streamName, ip string) (string, bool) {
				return notifier.NotifyStart(0, ip, app+"/"+streamName, streamName)
			},
			OnEvent: func(event, streamPath string) {
				if event == "publish.stop" {
					notifier.NotifyStop(0, "", streamPath, "", "")
				}
			},
		}
	}

	return conn.Hooks{}
}

func setupRedis(srv *server.Server) {
	if os.Getenv("REDIS_USE") != "YES" {
		return
	}
	cfg := redisctl.Config{
		Host:     os.Getenv("REDIS_HOST"),
		Port:     os.Getenv("REDIS_PORT"),
		Password: os.Getenv("REDIS_PASSWORD"),
		Channel:  os.Getenv("REDIS_CHANNEL"),
		UseTLS:   os.Getenv("REDIS_TLS") == "YES",
	}
	go redisctl.Run(context.Background(), cfg, srv.Registry())
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
