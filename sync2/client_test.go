package sync2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/matrix-recorder/internal"
)

func TestSyncURL(t *testing.T) {
	baseURL := "https://atreus.gow"
	wantBaseURL := baseURL + "/_matrix/client/v3/sync"
	client := HTTPClient{
		DestinationServer: baseURL,
	}
	testCases := []struct {
		since     string
		limit     int
		isFirst   bool
		wantQuery string
	}{
		{
			since:     "",
			limit:     100,
			isFirst:   true,
			wantQuery: `?timeout=0&set_presence=offline&filter=`,
		},
		{
			since:     "112233",
			limit:     100000,
			isFirst:   true,
			wantQuery: `?timeout=0&since=112233&set_presence=offline&filter=`,
		},
		{
			since:     "112233",
			limit:     100000,
			isFirst:   false,
			wantQuery: `?timeout=30000&since=112233&set_presence=offline&filter=`,
		},
		{
			since:     "112233#145",
			limit:     1,
			isFirst:   false,
			wantQuery: `?timeout=30000&since=112233%23145&set_presence=offline&filter=`,
		},
	}
	for i, tc := range testCases {
		gotURL := client.createSyncURL(tc.since, tc.limit, tc.isFirst)
		prefix := wantBaseURL + tc.wantQuery
		if len(gotURL) < len(prefix) || gotURL[:len(prefix)] != prefix {
			t.Errorf("Case %d/%d: got %v want prefix %v", i+1, len(testCases), gotURL, prefix)
			continue
		}
		u, err := url.Parse(gotURL)
		if err != nil {
			t.Fatalf("Case %d/%d: bad URL: %s", i+1, len(testCases), err)
		}
		filter := gjson.Parse(u.Query().Get("filter"))
		if got := filter.Get("room.timeline.limit").Int(); got != int64(tc.limit) {
			t.Errorf("Case %d/%d: timeline limit got %d want %d", i+1, len(testCases), got, tc.limit)
		}
		if got := filter.Get("presence.not_types.0").Str; got != "*" {
			t.Errorf("Case %d/%d: presence not filtered out: %s", i+1, len(testCases), filter.Raw)
		}
	}
}

func TestMXCURLToHTTP(t *testing.T) {
	client := HTTPClient{
		DestinationServer: "https://matrix.example.org",
	}
	testCases := []struct {
		in   string
		want string
	}{
		{in: "mxc://localhost/abc", want: "https://matrix.example.org/_matrix/client/v1/media/download/localhost/abc"},
		{in: "mxc://example.com:8448/AbC123", want: "https://matrix.example.org/_matrix/client/v1/media/download/example.com:8448/AbC123"},
		{in: "https://elsewhere/image.png", want: "https://elsewhere/image.png"},
		{in: "mxc://nomediaid", want: "mxc://nomediaid"},
	}
	for _, tc := range testCases {
		if got := client.MXCURLToHTTP(tc.in); got != tc.want {
			t.Errorf("MXCURLToHTTP(%q) got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/_matrix/client/v3/login" || req.Method != "POST" {
			t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
			w.WriteHeader(404)
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("bad login body: %s", err)
		}
		if body["type"] != "m.login.password" || body["user"] != "alice" || body["password"] != "hunter2" {
			t.Errorf("unexpected login body: %v", body)
		}
		if body["initial_device_display_name"] != DeviceDisplayName {
			t.Errorf("device display name got %v", body["initial_device_display_name"])
		}
		w.Write([]byte(`{"user_id":"@alice:localhost","access_token":"syt_token","device_id":"ABCDEF"}`))
	}))
	defer srv.Close()
	hsURL, err := internal.ParseHomeServerUrl(srv.URL)
	if err != nil {
		t.Fatalf("ParseHomeServerUrl: %s", err)
	}
	client := NewHTTPClient(hsURL, 0)
	res, err := client.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %s", err)
	}
	if res.UserID != "@alice:localhost" || res.AccessToken != "syt_token" || res.DeviceID != "ABCDEF" {
		t.Fatalf("Login returned %+v", res)
	}
}

func TestLoginForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(403)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"Invalid password"}`))
	}))
	defer srv.Close()
	client := &HTTPClient{Client: srv.Client(), DestinationServer: srv.URL}
	if _, err := client.Login(context.Background(), "alice", "wrong"); err == nil {
		t.Fatalf("Login succeeded with a 403")
	}
}

func TestWhoAmI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(401)
			return
		}
		w.Write([]byte(`{"user_id":"@alice:localhost","device_id":"ABCDEF"}`))
	}))
	defer srv.Close()
	client := &HTTPClient{Client: srv.Client(), DestinationServer: srv.URL}
	userID, deviceID, err := client.WhoAmI(context.Background(), "good")
	if err != nil {
		t.Fatalf("WhoAmI: %s", err)
	}
	if userID != "@alice:localhost" || deviceID != "ABCDEF" {
		t.Fatalf("WhoAmI got %s %s", userID, deviceID)
	}
	if _, _, err = client.WhoAmI(context.Background(), "bad"); err != HTTP401 {
		t.Fatalf("WhoAmI with bad token got %v want HTTP401", err)
	}
}

func TestDoSyncV2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("since") == "broken" {
			w.WriteHeader(502)
			return
		}
		w.Write([]byte(`{
			"next_batch": "s2",
			"rooms": {
				"join": {
					"!a:localhost": {
						"summary": {"m.heroes": ["@bob:localhost"], "m.joined_member_count": 2},
						"timeline": {"events": [{"type":"m.room.message","event_id":"$1","content":{"body":"hi"}}]}
					}
				}
			}
		}`))
	}))
	defer srv.Close()
	client := &HTTPClient{Client: srv.Client(), DestinationServer: srv.URL}
	res, code, err := client.DoSyncV2(context.Background(), "token", "s1", 10, false)
	if err != nil {
		t.Fatalf("DoSyncV2: %s", err)
	}
	if code != 200 || res.NextBatch != "s2" {
		t.Fatalf("DoSyncV2 got code %d next_batch %q", code, res.NextBatch)
	}
	room := res.Rooms.Join["!a:localhost"]
	if len(room.Timeline.Events) != 1 || *room.Summary.JoinedMemberCount != 2 {
		t.Fatalf("DoSyncV2 room parsed as %+v", room)
	}
	if _, code, err = client.DoSyncV2(context.Background(), "token", "broken", 10, false); err == nil || code != 502 {
		t.Fatalf("DoSyncV2 got code %d err %v want 502", code, err)
	}
}
