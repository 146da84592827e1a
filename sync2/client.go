package sync2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matrix-org/matrix-recorder/internal"
)

var Version = ""
var HTTP401 error = fmt.Errorf("HTTP 401")

// Shown to other users in the device list.
const DeviceDisplayName = "Matrix Recorder"

type Client interface {
	// WhoAmI asks the homeserver to lookup the access token using the CSAPI /whoami
	// endpoint.
	WhoAmI(ctx context.Context, accessToken string) (userID, deviceID string, err error)
	// DoSyncV2 performs one /sync request returning at most limit timeline events per room.
	DoSyncV2(ctx context.Context, accessToken, since string, limit int, isFirst bool) (*SyncResponse, int, error)
}

// HTTPClient talks to a single homeserver.
type HTTPClient struct {
	Client            *http.Client
	DestinationServer string
}

// NewHTTPClient returns a client for hsURL with traced requests. Unix socket URLs are
// dialled directly. timeout bounds each request, including long-polling syncs, so it must
// be well above the 30s sync timeout; zero means no timeout.
func NewHTTPClient(hsURL internal.HomeServerUrl, timeout time.Duration) *HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if hsURL.IsUnixSocket() {
		socket := hsURL.GetUnixSocket()
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
	}
	return &HTTPClient{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		DestinationServer: hsURL.GetBaseUrl(),
	}
}

type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Login exchanges a password for an access token on a new device.
func (v *HTTPClient) Login(ctx context.Context, user, password string) (*LoginResponse, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"type": "m.login.password",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": user,
		},
		"user":                        user,
		"password":                    password,
		"initial_device_display_name": DeviceDisplayName,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", v.DestinationServer+"/_matrix/client/v3/login", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "matrix-recorder-"+Version)
	req.Header.Set("Content-Type", "application/json")
	res, err := v.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Login: request failed: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("Login: HTTP %d: %s %s", res.StatusCode,
			gjson.GetBytes(body, "errcode").Str, gjson.GetBytes(body, "error").Str)
	}
	var lr LoginResponse
	if err = json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("Login: response body decode JSON failed: %w", err)
	}
	if lr.AccessToken == "" {
		return nil, fmt.Errorf("Login: response has no access_token")
	}
	return &lr, nil
}

// Return sync2.HTTP401 if this request returns 401
func (v *HTTPClient) WhoAmI(ctx context.Context, accessToken string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", v.DestinationServer+"/_matrix/client/v3/account/whoami", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "matrix-recorder-"+Version)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	res, err := v.Client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		if res.StatusCode == 401 {
			return "", "", HTTP401
		}
		return "", "", fmt.Errorf("/whoami returned HTTP %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", "", err
	}
	response := gjson.ParseBytes(body)
	return response.Get("user_id").Str, response.Get("device_id").Str, nil
}

// DoSyncV2 performs a sync v2 request. Returns the sync response and the response status code
// or an error. Set isFirst=true on the first sync to force a timeout=0 sync to ensure snapiness.
func (v *HTTPClient) DoSyncV2(ctx context.Context, accessToken, since string, limit int, isFirst bool) (*SyncResponse, int, error) {
	syncURL := v.createSyncURL(since, limit, isFirst)
	req, err := http.NewRequestWithContext(ctx, "GET", syncURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("DoSyncV2: NewRequest failed: %w", err)
	}
	req.Header.Set("User-Agent", "matrix-recorder-"+Version)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	res, err := v.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("DoSyncV2: request failed: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		var svr SyncResponse
		if err := json.NewDecoder(res.Body).Decode(&svr); err != nil {
			return nil, 0, fmt.Errorf("DoSyncV2: response body decode JSON failed: %w", err)
		}
		return &svr, 200, nil
	default:
		return nil, res.StatusCode, fmt.Errorf("DoSyncV2: response returned %s", res.Status)
	}
}

func (v *HTTPClient) createSyncURL(since string, limit int, isFirst bool) string {
	qps := "?"
	if isFirst { // first time syncing in this process
		qps += "timeout=0"
	} else {
		qps += "timeout=30000"
	}
	if since != "" {
		qps += "&since=" + url.QueryEscape(since)
	}
	qps += "&set_presence=offline"
	filter, _ := sjson.Set(`{}`, "presence.not_types", []string{"*"})
	filter, _ = sjson.Set(filter, "room.timeline.limit", limit)
	filter, _ = sjson.Set(filter, "room.include_leave", true)
	qps += "&filter=" + url.QueryEscape(filter)
	return v.DestinationServer + "/_matrix/client/v3/sync" + qps
}

// MXCURLToHTTP resolves a content URI to its authenticated download URL on this homeserver.
// Requests to it need the access token. Anything which is not a content URI is returned
// unchanged.
func (v *HTTPClient) MXCURLToHTTP(mxcURL string) string {
	if !strings.HasPrefix(mxcURL, "mxc://") {
		return mxcURL
	}
	serverAndID := strings.SplitN(strings.TrimPrefix(mxcURL, "mxc://"), "/", 2)
	if len(serverAndID) != 2 {
		return mxcURL
	}
	return v.DestinationServer + "/_matrix/client/v1/media/download/" + url.PathEscape(serverAndID[0]) + "/" + url.PathEscape(serverAndID[1])
}

type SyncResponse struct {
	NextBatch   string            `json:"next_batch"`
	AccountData EventsResponse    `json:"account_data"`
	Rooms       SyncRoomsResponse `json:"rooms"`
}

type SyncRoomsResponse struct {
	Join  map[string]SyncV2JoinResponse  `json:"join"`
	Leave map[string]SyncV2LeaveResponse `json:"leave"`
}

// JoinResponse represents a /sync response for a room which is under the 'join' or 'peek' key.
type SyncV2JoinResponse struct {
	Summary  RoomSummary      `json:"summary"`
	State    EventsResponse   `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}

type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

type TimelineResponse struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

type EventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type SyncV2LeaveResponse struct {
	State    EventsResponse   `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}
