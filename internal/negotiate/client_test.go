package negotiate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/protocol"
)

// recorder remembers the last request URL seen by a test server.
type recorder struct {
	mu  sync.Mutex
	url *url.URL
}

func (r *recorder) last() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// newTestClient serves body for every request and records the last URL.
func newTestClient(t *testing.T, body string) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.url = r.URL
		rec.mu.Unlock()
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return NewClientURL(srv.URL, Options{UniqueID: "0123456789ABCDEF", MAC: "aa:bb", DeviceName: "den"}), rec
}

func TestPairState(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{`<?xml version="1.0"?><root status_code="200"><paired>1</paired></root>`, true},
		{`<root><paired>0</paired></root>`, false},
		{`<root><currentgame>0</currentgame><paired> 1 </paired></root>`, true},
	}
	for _, tc := range cases {
		c, rec := newTestClient(t, tc.body)
		got, err := c.PairState(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Fatalf("PairState(%s) = %v, want %v", tc.body, got, tc.want)
		}
		if rec.last().Path != "/pairstate" || rec.last().Query().Get("mac") != "aa:bb" {
			t.Fatalf("unexpected request %s", rec.last())
		}
		if rec.last().Query().Get("uniqueid") != "0123456789ABCDEF" {
			t.Fatalf("missing uniqueid in %s", rec.last())
		}
	}
}

func TestPairStateMissingField(t *testing.T) {
	c, _ := newTestClient(t, `<root><hostname>box</hostname></root>`)
	_, err := c.PairState(context.Background())
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestPairStateNonNumeric(t *testing.T) {
	c, _ := newTestClient(t, `<root><paired>yes</paired></root>`)
	_, err := c.PairState(context.Background())
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestPairStateMalformedXML(t *testing.T) {
	c, _ := newTestClient(t, `<root><paired>1</pai`)
	_, err := c.PairState(context.Background())
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestRootStatusCode(t *testing.T) {
	c, _ := newTestClient(t, `<root status_code="401" status_message="The client is not authorized"><paired>0</paired></root>`)
	_, err := c.PairState(context.Background())
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if !strings.Contains(err.Error(), "not authorized") {
		t.Fatalf("error should carry host message: %v", err)
	}
}

func TestUnreachableHostIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewClientURL(addr, Options{})
	_, err := c.PairState(context.Background())
	if !errors.Is(err, protocol.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestHTTPErrorIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := NewClientURL(srv.URL, Options{})
	_, err := c.PairState(context.Background())
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestSessionID(t *testing.T) {
	c, rec := newTestClient(t, `<root><sessionid>12345</sessionid></root>`)
	id, err := c.SessionID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != 12345 {
		t.Fatalf("session id: got %d", id)
	}
	if rec.last().Query().Get("devicename") != "den" {
		t.Fatalf("missing devicename in %s", rec.last())
	}
}

func TestSessionIDDeclined(t *testing.T) {
	c, _ := newTestClient(t, `<root><sessionid>0</sessionid></root>`)
	id, err := c.SessionID(context.Background())
	if err != nil {
		t.Fatalf("declined pairing is not an error: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected 0, got %d", id)
	}
}

func TestAppList(t *testing.T) {
	body := `<root status_code="200">
<App><AppTitle>Steam</AppTitle><ID>1001</ID><IsRunning>0</IsRunning></App>
<App><AppTitle>Broken</AppTitle><ID>abc</ID><IsRunning>0</IsRunning></App>
<App><ID>77</ID></App>
<App><IsRunning>1</IsRunning><AppTitle>Portal 2</AppTitle><ID>1002</ID></App>
</root>`
	c, rec := newTestClient(t, body)
	apps, err := c.AppList(context.Background(), 55)
	if err != nil {
		t.Fatal(err)
	}
	if rec.last().Query().Get("session") != "55" {
		t.Fatalf("missing session in %s", rec.last())
	}
	want := []App{{Name: "Steam", ID: 1001}, {Name: "Portal 2", ID: 1002, Running: true}}
	if len(apps) != len(want) {
		t.Fatalf("got %d apps (%+v), want %d", len(apps), apps, len(want))
	}
	for i := range want {
		if apps[i] != want[i] {
			t.Fatalf("app %d: got %+v, want %+v", i, apps[i], want[i])
		}
	}
}

func TestLaunchApp(t *testing.T) {
	c, rec := newTestClient(t, `<root><gamesession>987</gamesession></root>`)
	key := identity.RemoteInputKey{ID: 42}
	key.Key[0] = 0xab
	gs, err := c.LaunchApp(context.Background(), 1, 1001, LaunchParams{Width: 1280, Height: 720, FPS: 60, RIKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if gs != 987 {
		t.Fatalf("game session: got %d", gs)
	}
	q := rec.last().Query()
	if q.Get("appid") != "1001" || q.Get("mode") != "1280x720x60" || q.Get("rikeyid") != "42" {
		t.Fatalf("unexpected launch query %s", rec.last().RawQuery)
	}
	if !strings.HasPrefix(q.Get("rikey"), "ab00") {
		t.Fatalf("rikey: got %q", q.Get("rikey"))
	}
}

func TestLaunchAppMissingSession(t *testing.T) {
	c, _ := newTestClient(t, `<root status_code="200"></root>`)
	_, err := c.LaunchApp(context.Background(), 1, 1001, LaunchParams{Width: 1, Height: 1, FPS: 1})
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestQuitApp(t *testing.T) {
	c, rec := newTestClient(t, `<root><cancel>1</cancel></root>`)
	if err := c.QuitApp(context.Background(), 9); err != nil {
		t.Fatal(err)
	}
	if rec.last().Path != "/cancel" {
		t.Fatalf("path: got %s", rec.last().Path)
	}

	c, _ = newTestClient(t, `<root><cancel>0</cancel></root>`)
	if err := c.QuitApp(context.Background(), 9); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestAppVersion(t *testing.T) {
	c, _ := newTestClient(t, `<root><appversion>7.1.431.0</appversion></root>`)
	v, err := c.AppVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "7.1.431.0" {
		t.Fatalf("version: got %q", v)
	}
}

func TestFindApp(t *testing.T) {
	apps := []App{{Name: "Steam", ID: 1}, {Name: "Desktop", ID: 2}}
	if a, ok := FindApp(apps, 2, "Steam"); !ok || a.Name != "Desktop" {
		t.Fatalf("by id: got %+v %v", a, ok)
	}
	if a, ok := FindApp(apps, 0, "Steam"); !ok || a.ID != 1 {
		t.Fatalf("by name: got %+v %v", a, ok)
	}
	if _, ok := FindApp(apps, 0, "Nope"); ok {
		t.Fatal("expected no match")
	}
}

func FuzzFindField(f *testing.F) {
	f.Add(`<root><paired>1</paired></root>`)
	f.Add(`<root status_code="500"><x/></root>`)
	f.Fuzz(func(t *testing.T, doc string) {
		findField(strings.NewReader(doc), "paired")
	})
}

func FuzzParseAppList(f *testing.F) {
	f.Add(`<root><App><AppTitle>a</AppTitle><ID>1</ID></App></root>`)
	f.Fuzz(func(t *testing.T, doc string) {
		parseAppList(strings.NewReader(doc))
	})
}
