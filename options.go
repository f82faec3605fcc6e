package danmaku

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Option configures Open.
type Option func(*config)

type config struct {
	httpClient     *http.Client
	roomInitURL    string
	danmakuConfURL string
	subscriberBuf  int

	// Test-only knobs: never exposed as Options, set directly by tests
	// in this package to avoid real dials and real 30s/100ms waits.
	dialer            *websocket.Dialer
	heartbeatInterval time.Duration
	failoverDebounce  time.Duration
}

func defaultConfig() *config {
	return &config{
		httpClient:     http.DefaultClient,
		roomInitURL:    defaultRoomInitURL,
		danmakuConfURL: defaultDanmakuConfURL,
		subscriberBuf:  defaultSubscriberBuffer,
	}
}

// WithHTTPClient overrides the HTTP client used for RoomLookup's two GETs.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRoomInitURL overrides the room_init endpoint template (must contain
// exactly one %d for the room id).
func WithRoomInitURL(url string) Option {
	return func(c *config) { c.roomInitURL = url }
}

// WithDanmakuConfURL overrides the getDanmuInfo endpoint template (must
// contain exactly one %d for the canonical room id).
func WithDanmakuConfURL(url string) Option {
	return func(c *config) { c.danmakuConfURL = url }
}

// WithSubscriberBuffer sets the bounded buffer size every Subscription
// gets. Defaults to 10 when unset or <= 0.
func WithSubscriberBuffer(n int) Option {
	return func(c *config) { c.subscriberBuf = n }
}
