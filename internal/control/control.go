// Package control implements the optional websocket coordinator client
// described in spec.md §6.8: a remote server approves publish requests
// and can kill active streams out of band. Ported from the teacher's
// control_connection.go/control_auth.go, generalized from the
// channel/key model to SPEC_FULL's stream_path and from *RTMPServer
// callbacks to the KillSwitch seam defined here and internal/conn's
// Hooks.ApprovePublish.
//
// Mutually exclusive with internal/webhook: a deployment runs the
// coordinator or the HTTP callback, never both (spec.md §6.8).
package control

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/riverstream/rtmpd/internal/rtmplog"
)

const (
	heartbeatInterval = 20 * time.Second
	requestTimeout    = 20 * time.Second
	reconnectDelay    = 10 * time.Second
	readDeadline      = 60 * time.Second
)

// KillSwitch is the seam the coordinator uses to terminate a publisher
// in response to a STREAM-KILL message, and to kill every active
// publisher after a reconnect (the coordinator may have lost track of
// them while the connection was down).
type KillSwitch interface {
	KillPublisher(streamPath, streamID string)
	KillAllPublishers()
}

type pendingRequest struct {
	waiter chan publishResponse
}

type publishResponse struct {
	accepted bool
	streamID string
}

// Config mirrors CONTROL_BASE_URL/CONTROL_SECRET plus the external
// address hints the teacher forwards as headers so the coordinator can
// tell streaming servers apart behind a load balancer.
type Config struct {
	BaseURL      string
	Secret       string
	ExternalIP   string
	ExternalPort string
	ExternalSSL  bool
	Debug        bool
}

// Connection manages the websocket session with the coordinator,
// reconnecting automatically and routing PUBLISH-ACCEPT/PUBLISH-DENY
// responses back to the goroutine that issued the matching request.
type Connection struct {
	cfg           Config
	connURL       string
	kill          KillSwitch

	mu            sync.Mutex
	ws            *websocket.Conn
	nextRequestID uint64
	requests      map[string]*pendingRequest

	enabled bool
}

// New builds and starts a Connection. If cfg.BaseURL is empty, the
// returned Connection runs in stand-alone mode: every RequestPublish
// call is accepted locally without contacting anything, matching the
// teacher's "CONTROL_BASE_URL not provided" fallback.
func New(cfg Config, kill KillSwitch) *Connection {
	c := &Connection{
		cfg:      cfg,
		kill:     kill,
		requests: make(map[string]*pendingRequest),
	}

	if cfg.BaseURL == "" {
		rtmplog.Warning("CONTROL_BASE_URL not provided. The server will run in stand-alone mode.")
		return c
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		rtmplog.Error(err)
		rtmplog.Warning("CONTROL_BASE_URL not provided. The server will run in stand-alone mode.")
		return c
	}
	path, _ := url.Parse("/ws/control/rtmp")
	c.connURL = base.ResolveReference(path).String()
	c.enabled = true

	go c.connect()
	go c.heartbeatLoop()
	return c
}

// Enabled reports whether a coordinator URL was configured.
func (c *Connection) Enabled() bool { return c.enabled }

func (c *Connection) connect() {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return
	}
	rtmplog.Info("[WS-CONTROL] Connecting to " + c.connURL)

	headers := http.Header{}
	if tok := c.authToken(); tok != "" {
		headers.Set("x-control-auth-token", tok)
	}
	if c.cfg.ExternalIP != "" {
		headers.Set("x-external-ip", c.cfg.ExternalIP)
	}
	if c.cfg.ExternalPort != "" {
		headers.Set("x-custom-port", c.cfg.ExternalPort)
	}
	if c.cfg.ExternalSSL {
		headers.Set("x-ssl-use", "true")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.connURL, headers)
	if err != nil {
		c.mu.Unlock()
		rtmplog.Warning("[WS-CONTROL] Connection error: " + err.Error())
		go c.reconnect()
		return
	}
	c.ws = conn
	c.mu.Unlock()

	// The coordinator thinks the streaming server went down while
	// disconnected; any publishers it still believes are live must die.
	if c.kill != nil {
		c.kill.KillAllPublishers()
	}

	go c.readLoop(conn)
}

func (c *Connection) reconnect() {
	time.Sleep(reconnectDelay)
	c.connect()
}

func (c *Connection) onDisconnect(err error) {
	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	rtmplog.Info("[WS-CONTROL] Disconnected: " + err.Error())
	go c.connect()
}

func (c *Connection) send(msg messages.RPCMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return false
	}
	_ = c.ws.WriteMessage(websocket.TextMessage, []byte(msg.Serialize()))
	if c.cfg.Debug {
		rtmplog.Debug("[WS-CONTROL] >>>\n" + msg.Serialize())
	}
	return true
}

func (c *Connection) nextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextRequestID
	c.nextRequestID++
	return fmt.Sprint(id)
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			conn.Close()
			c.onDisconnect(err)
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.onDisconnect(err)
			return
		}
		if c.cfg.Debug {
			rtmplog.Debug("[WS-CONTROL] <<<\n" + string(raw))
		}
		msg := messages.ParseRPCMessage(string(raw))
		c.dispatch(&msg)
	}
}

func (c *Connection) dispatch(msg *messages.RPCMessage) {
	switch msg.Method {
	case "ERROR":
		rtmplog.Warning("[WS-CONTROL] Remote error. Code=" + msg.GetParam("Error-Code") + " / Details: " + msg.GetParam("Error-Message"))
	case "PUBLISH-ACCEPT":
		c.resolve(msg.GetParam("Request-Id"), publishResponse{accepted: true, streamID: msg.GetParam("Stream-Id")})
	case "PUBLISH-DENY":
		c.resolve(msg.GetParam("Request-Id"), publishResponse{accepted: false})
	case "STREAM-KILL":
		if c.kill != nil {
			c.kill.KillPublisher(msg.GetParam("Stream-Channel"), msg.GetParam("Stream-Id"))
		}
	}
}

func (c *Connection) resolve(requestID string, res publishResponse) {
	c.mu.Lock()
	req := c.requests[requestID]
	c.mu.Unlock()
	if req == nil {
		return
	}
	req.waiter <- res
}

func (c *Connection) heartbeatLoop() {
	for {
		time.Sleep(heartbeatInterval)
		c.send(messages.RPCMessage{Method: "HEARTBEAT"})
	}
}

// RequestPublish asks the coordinator whether streamPath/key may start
// publishing, blocking until a response arrives or requestTimeout
// elapses. In stand-alone mode it always accepts immediately.
func (c *Connection) RequestPublish(streamPath, key, userIP string) (accepted bool, streamID string) {
	if !c.enabled {
		return true, ""
	}

	reqID := c.nextID()
	req := &pendingRequest{waiter: make(chan publishResponse)}

	c.mu.Lock()
	c.requests[reqID] = req
	c.mu.Unlock()

	ok := c.send(messages.RPCMessage{
		Method: "PUBLISH-REQUEST",
		Params: map[string]string{
			"Request-ID":     reqID,
			"Stream-Channel": streamPath,
			"Stream-Key":     key,
			"User-IP":        userIP,
		},
	})
	if !ok {
		c.mu.Lock()
		delete(c.requests, reqID)
		c.mu.Unlock()
		return false, ""
	}

	timer := time.AfterFunc(requestTimeout, func() {
		req.waiter <- publishResponse{accepted: false}
	})
	res := <-req.waiter
	timer.Stop()

	c.mu.Lock()
	delete(c.requests, reqID)
	c.mu.Unlock()

	return res.accepted, res.streamID
}

// PublishEnd notifies the coordinator that a stream has stopped.
func (c *Connection) PublishEnd(streamPath, streamID string) bool {
	return c.send(messages.RPCMessage{
		Method: "PUBLISH-END",
		Params: map[string]string{
			"Stream-Channel": streamPath,
			"Stream-ID":      streamID,
		},
	})
}

func (c *Connection) authToken() string {
	if c.cfg.Secret == "" {
		return ""
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "rtmp-control"})
	signed, err := token.SignedString([]byte(c.cfg.Secret))
	if err != nil {
		rtmplog.Error(err)
		return ""
	}
	return signed
}
