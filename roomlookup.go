package danmaku

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/redcircle/danmaku-stream/internal/logging"
)

// Default endpoints. These are configuration, not hard-coded contract —
// override with WithRoomInitURL / WithDanmakuConfURL.
const (
	defaultRoomInitURL     = "https://api.live.bilibili.com/room/v1/Room/room_init?id=%d"
	defaultDanmakuConfURL  = "https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo?id=%d&type=0"
	defaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultReferer         = "https://live.bilibili.com/"
	defaultOrigin          = "https://live.bilibili.com"
)

// envelope is the common response wrapper every RoomLookup endpoint
// returns: { code, msg?, message?, data? }. code == 0 means success.
// Modeled on the original client's generic ApiResponse<T>.
type envelope[T any] struct {
	Code    int64   `json:"code"`
	Msg     *string `json:"msg,omitempty"`
	Message *string `json:"message,omitempty"`
	Data    T       `json:"data"`
}

func (e envelope[T]) rejectionMessage() string {
	if e.Msg != nil && *e.Msg != "" {
		return *e.Msg
	}
	if e.Message != nil {
		return *e.Message
	}
	return ""
}

// RoomIdentity is the result of resolving a (possibly short) room ID.
// Raw preserves the full `data` object byte-for-byte so a caller that
// re-marshals RoomIdentity reproduces fields the core never interprets.
type RoomIdentity struct {
	RoomID uint64
	Raw    json.RawMessage
}

func (r *RoomIdentity) UnmarshalJSON(data []byte) error {
	var probe struct {
		RoomID uint64 `json:"room_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	r.RoomID = probe.RoomID
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (r RoomIdentity) MarshalJSON() ([]byte, error) {
	if r.Raw != nil {
		return r.Raw, nil
	}
	return json.Marshal(struct {
		RoomID uint64 `json:"room_id"`
	}{r.RoomID})
}

// Host is one candidate WebSocket endpoint. Only WSSPort is used by the
// core — TLS is mandatory.
type Host struct {
	Host    string `json:"host"`
	WSSPort uint16 `json:"wss_port"`
	WSPort  uint16 `json:"ws_port"`
}

// ServerDirectory is the result of resolving a canonical room ID's
// candidate server list. Hosts has length >= 1; ordering matters —
// failover walks it modulo length.
type ServerDirectory struct {
	Token       string `json:"token"`
	Hosts       []Host `json:"host_list"`
	RefreshRate uint32 `json:"refresh_rate,omitempty"`
	MaxDelay    uint32 `json:"max_delay,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

func (d *ServerDirectory) UnmarshalJSON(data []byte) error {
	type alias ServerDirectory
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = ServerDirectory(a)
	d.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (d ServerDirectory) MarshalJSON() ([]byte, error) {
	if d.Raw != nil {
		return d.Raw, nil
	}
	type alias ServerDirectory
	return json.Marshal(alias(d))
}

// ResolveRoom performs a GET on roomInitURL with roomID substituted for
// its %d verb. The returned
// RoomIdentity.RoomID may differ from roomID (short id → canonical id);
// callers must use the returned id for ResolveDirectory.
func ResolveRoom(ctx context.Context, hc *http.Client, roomInitURL string, roomID uint64) (RoomIdentity, error) {
	var out RoomIdentity
	env, err := fetchEnvelope[RoomIdentity](ctx, hc, fmt.Sprintf(roomInitURL, roomID))
	if err != nil {
		return out, err
	}
	return env.Data, nil
}

// ResolveDirectory performs a GET on danmakuConfURL with canonicalRoomID
// substituted for its %d verb.
func ResolveDirectory(ctx context.Context, hc *http.Client, danmakuConfURL string, canonicalRoomID uint64) (ServerDirectory, error) {
	var out ServerDirectory
	env, err := fetchEnvelope[ServerDirectory](ctx, hc, fmt.Sprintf(danmakuConfURL, canonicalRoomID))
	if err != nil {
		return out, err
	}
	if len(env.Data.Hosts) == 0 {
		return out, fmt.Errorf("%w: server directory has no hosts", ErrProtocolFailure)
	}
	return env.Data, nil
}

func fetchEnvelope[T any](ctx context.Context, hc *http.Client, url string) (envelope[T], error) {
	var env envelope[T]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return env, fmt.Errorf("%w: build request: %v", ErrTransportFailure, err)
	}
	setCommonHeaders(req)

	resp, err := hc.Do(req)
	if err != nil {
		return env, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, fmt.Errorf("%w: read response: %v", ErrTransportFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return env, fmt.Errorf("%w: HTTP %d", ErrTransportFailure, resp.StatusCode)
	}

	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: parse envelope: %v", ErrProtocolFailure, err)
	}
	if env.Code != 0 {
		logging.L().Warn("upstream rejected request", "url", url, "code", env.Code)
		return env, &UpstreamRejected{Code: env.Code, Message: env.rejectionMessage()}
	}
	return env, nil
}

func setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Referer", defaultReferer)
	req.Header.Set("Origin", defaultOrigin)
}
