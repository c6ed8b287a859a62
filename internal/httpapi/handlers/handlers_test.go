package handlers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beantrade/syncgw/internal/auth"
	"github.com/beantrade/syncgw/internal/chat"
	"github.com/beantrade/syncgw/internal/config"
	"github.com/beantrade/syncgw/internal/httpapi"
	"github.com/beantrade/syncgw/internal/httpapi/handlers"
	"github.com/beantrade/syncgw/internal/marketplace"
	"github.com/beantrade/syncgw/internal/order"
	"github.com/beantrade/syncgw/internal/transport"
	"github.com/beantrade/syncgw/internal/transport/loopback"
)

const (
	secret  = "test-secret"
	buyerID = "buyer-1"
	sellID  = "seller-9"
)

type stubHistory struct {
	mu      sync.Mutex
	entries []chat.HistoryEntry
	err     error
}

func (s *stubHistory) FetchHistory(ctx context.Context, viewerID string, key chat.Key) ([]chat.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries, s.err
}

func (s *stubHistory) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type stubOrders map[string]*order.Record

func (s stubOrders) Order(ctx context.Context, viewerID, orderID string) (*order.Record, error) {
	if orderID == "boom" {
		return nil, &marketplace.APIError{StatusCode: 500, Message: "upstream"}
	}
	rec, ok := s[orderID]
	if !ok {
		return nil, marketplace.ErrNotFound
	}
	return rec, nil
}

type env struct {
	h       *handlers.Handler
	router  *gin.Engine
	history *stubHistory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := transport.NewRegistry()
	reg.Register("loopback", loopback.NewHub().Factory())

	hist := &stubHistory{entries: []chat.HistoryEntry{
		{ID: "m1", SenderID: sellID, Message: "Sample ships Monday", CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}}
	views := chat.NewManager(chat.ManagerConfig{
		Transports:    reg,
		TransportName: "loopback",
		History:       hist,
		SendTimeout:   time.Second,
	})
	t.Cleanup(views.CloseAll)

	orders := stubOrders{
		"o-1": {ID: "o-1", Status: "container_on_board"},
		"o-2": {ID: "o-2", Status: "cancelled", PreviousStatus: "payment_confirmed", CancelledReason: "buyer withdrew"},
	}
	h := handlers.NewHandler(config.Config{JWTSecret: secret}, views, orders)
	return &env{h: h, router: httpapi.NewRouter(h), history: hist}
}

func token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := auth.SignJWT(uid, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

type apiResp struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *env) do(t *testing.T, method, path, uid, body string) (int, apiResp) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, uid))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp apiResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestPing(t *testing.T) {
	e := newEnv(t)
	code, resp := e.do(t, http.MethodGet, "/ping", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"pong":true,"views":0}`, string(resp.Data))
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	code, resp := e.do(t, http.MethodGet, "/orders/o-1/progress", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 40100, resp.Code)

	req := httptest.NewRequest(http.MethodGet, "/orders/o-1/progress", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNoRouteAndMethod(t *testing.T) {
	e := newEnv(t)
	code, resp := e.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40400, resp.Code)

	code, _ = e.do(t, http.MethodPut, "/ping", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestOrderProgress(t *testing.T) {
	e := newEnv(t)

	code, resp := e.do(t, http.MethodGet, "/orders/o-1/progress", buyerID, "")
	require.Equal(t, http.StatusOK, code)
	var data struct {
		OrderID  string         `json:"order_id"`
		Progress order.Progress `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "o-1", data.OrderID)
	assert.Equal(t, order.StatusContainerOnBoard, data.Progress.Status)
	assert.False(t, data.Progress.HasIssue)
	assert.Len(t, data.Progress.Steps, 9)

	code, resp = e.do(t, http.MethodGet, "/orders/o-2/progress", buyerID, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.True(t, data.Progress.HasIssue)
	assert.Equal(t, "buyer withdrew", data.Progress.IssueDescription)

	code, resp = e.do(t, http.MethodGet, "/orders/missing/progress", buyerID, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40402, resp.Code)

	code, _ = e.do(t, http.MethodGet, "/orders/boom/progress", buyerID, "")
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestViewEndpoints(t *testing.T) {
	e := newEnv(t)
	view, err := e.h.Views.Open(context.Background(), buyerID, chat.Key{CounterpartID: sellID, ListingID: "lot-7"})
	require.NoError(t, err)
	base := "/views/" + view.ID

	code, resp := e.do(t, http.MethodPost, base+"/history", buyerID, "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Messages []chat.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "m1", list.Messages[0].ID)

	code, resp = e.do(t, http.MethodPost, base+"/messages", buyerID, `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10004, resp.Code)

	code, _ = e.do(t, http.MethodPost, base+"/messages", buyerID, `{"message":"Can you hold 20 bags?"}`)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		msgs := view.Reconciler().Messages()
		return len(msgs) == 2 && msgs[1].Confirmed()
	}, time.Second, 5*time.Millisecond)

	code, resp = e.do(t, http.MethodGet, base+"/messages", buyerID, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list.Messages, 2)

	// other users cannot see the view
	code, _ = e.do(t, http.MethodGet, base+"/messages", sellID, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodDelete, "/views/"+view.ID, buyerID, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, e.h.Views.Len())

	code, _ = e.do(t, http.MethodPost, base+"/messages", buyerID, `{"message":"hello?"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReloadHistoryFailure(t *testing.T) {
	e := newEnv(t)
	e.history.fail(errors.New("marketplace down"))

	view, err := e.h.Views.Open(context.Background(), buyerID, chat.Key{CounterpartID: sellID})
	require.NoError(t, err)

	code, resp := e.do(t, http.MethodPost, "/views/"+view.ID+"/history", buyerID, "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, 50202, resp.Code)

	e.history.fail(nil)
	code, _ = e.do(t, http.MethodPost, "/views/"+view.ID+"/history", buyerID, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestStreamConversation_RejectsSelf(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodGet, "/conversations/"+buyerID+"/stream", buyerID, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(sc *bufio.Scanner, out chan<- sseEvent) {
	defer close(out)
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if ev.name != "" {
				out <- ev
			}
			ev = sseEvent{}
		}
	}
}

func next(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended before %q", name)
			if ev.name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event", name)
		}
	}
}

func TestStreamConversation(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := srv.URL + "/conversations/" + sellID + "/stream?listing_id=lot-7&access_token=" + token(t, buyerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go readEvents(bufio.NewScanner(res.Body), events)

	var opened struct {
		ViewID string `json:"view_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(next(t, events, "open").data), &opened))
	require.NotEmpty(t, opened.ViewID)
	assert.Equal(t, 1, e.h.Views.Len())

	// history arrives as a later snapshot
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			return ev.name == "snapshot" && strings.Contains(ev.data, "Sample ships Monday")
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	code, _ := e.do(t, http.MethodPost, "/views/"+opened.ViewID+"/messages", buyerID, `{"message":"Confirming 20 bags"}`)
	require.Equal(t, http.StatusAccepted, code)
	for {
		ev := next(t, events, "snapshot")
		if strings.Contains(ev.data, "Confirming 20 bags") && strings.Count(ev.data, `"status":"confirmed"`) == 2 {
			break
		}
	}

	cancel()
	require.Eventually(t, func() bool { return e.h.Views.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
