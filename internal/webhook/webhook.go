// Package webhook implements the JWT-signed HTTP publish start/stop
// callback, ported from the teacher's rtmp_callback.go
// SendStartCallback/SendStopCallback. Mutually exclusive with
// internal/control's websocket coordinator per spec.md §6.8: a
// deployment configures one or the other, never both.
package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/riverstream/rtmpd/internal/rtmplog"
)

const jwtExpirationSeconds = 120

// Config holds the callback wiring, equivalent to the teacher's
// CALLBACK_URL/JWT_SECRET/CUSTOM_JWT_SUBJECT environment variables.
type Config struct {
	URL     string
	Secret  string
	Subject string // defaults to "rtmp_event"
	Host    string
	Port    int
}

// Notifier posts publish.start/publish.stop events to the callback URL.
// A zero-value Notifier (empty URL) is a harmless no-op, matching the
// teacher's "no CALLBACK_URL set" fallthrough.
type Notifier struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Notifier {
	if cfg.Subject == "" {
		cfg.Subject = "rtmp_event"
	}
	return &Notifier{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// Enabled reports whether a callback URL was configured.
func (n *Notifier) Enabled() bool { return n.cfg.URL != "" }

// NotifyStart signals a stream has begun publishing. It returns the
// stream-id reported by the callback's response header ("stream-id"),
// matching the teacher's s.stream_id assignment, and whether the
// callback accepted the publish (a non-200 status rejects it).
func (n *Notifier) NotifyStart(sessionID uint64, ip, channel, key string) (streamID string, ok bool) {
	if !n.Enabled() {
		return "", true
	}
	rtmplog.DebugSession(sessionID, ip, "POST "+n.cfg.URL+" | Event: START | Channel: "+channel)

	claims := jwt.MapClaims{
		"sub":       n.cfg.Subject,
		"event":     "start",
		"channel":   channel,
		"key":       key,
		"client_ip": ip,
		"rtmp_host": n.cfg.Host,
		"rtmp_port": n.cfg.Port,
		"exp":       time.Now().Unix() + jwtExpirationSeconds,
	}

	res, err := n.post(claims)
	if err != nil {
		rtmplog.Error(err)
		return "", false
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		rtmplog.DebugSession(sessionID, ip, "Callback request ended with status code: "+fmt.Sprint(res.StatusCode))
		return "", false
	}

	sid := res.Header.Get("stream-id")
	rtmplog.DebugSession(sessionID, ip, "Stream ID: "+sid)
	return sid, true
}

// NotifyStop signals a stream has stopped publishing.
func (n *Notifier) NotifyStop(sessionID uint64, ip, channel, key, streamID string) bool {
	if !n.Enabled() {
		return true
	}
	rtmplog.DebugSession(sessionID, ip, "POST "+n.cfg.URL+" | Event: STOP | Channel: "+channel)

	claims := jwt.MapClaims{
		"sub":       n.cfg.Subject,
		"event":     "stop",
		"channel":   channel,
		"key":       key,
		"stream_id": streamID,
		"client_ip": ip,
		"exp":       time.Now().Unix() + jwtExpirationSeconds,
	}

	res, err := n.post(claims)
	if err != nil {
		rtmplog.Error(err)
		return false
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		rtmplog.DebugSession(sessionID, ip, "Callback request ended with status code: "+fmt.Sprint(res.StatusCode))
		return false
	}
	return true
}

func (n *Notifier) post(claims jwt.MapClaims) (*http.Response, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(n.cfg.Secret))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, n.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("rtmp-event", signed)

	return n.client.Do(req)
}
