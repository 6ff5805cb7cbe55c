package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-dispatch/internal/auth"
	"github.com/example/rider-dispatch/internal/dispatch"
	"github.com/example/rider-dispatch/internal/events"
	"github.com/example/rider-dispatch/internal/geo"
	"github.com/example/rider-dispatch/internal/matcher"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/orders"
	"github.com/example/rider-dispatch/internal/registry"
	"github.com/example/rider-dispatch/internal/storage"
)

type stack struct {
	reg      *registry.Registry
	store    storage.OrderStore
	svc      *matcher.Service
	sessions *dispatch.WSRegistry
	srv      *Server
}

type positionSink struct {
	mu   sync.Mutex
	reps []models.PositionReport
	err  error
}

func (p *positionSink) PublishPosition(_ context.Context, rep models.PositionReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reps = append(p.reps, rep)
	return p.err
}

type failingCreates struct{ storage.OrderStore }

func (failingCreates) Create(context.Context, *models.Order) error { return errors.New("db down") }

func newStack(t *testing.T, mutate func(*Deps)) *stack {
	t.Helper()
	idx := geo.NewGridIndex(geo.DefaultCellDegrees)
	st := &stack{reg: registry.New(idx, nil), store: storage.NewMemoryStore(), sessions: dispatch.NewWSRegistry(nil)}
	pub := events.NewFanout(nil).Add("ws", st.sessions)
	st.svc = &matcher.Service{Geo: idx, Riders: st.reg, Store: st.store, Events: pub}
	d := Deps{
		Riders:     st.reg,
		Dispatcher: st.svc,
		Orders:     orders.NewMachine(st.store, st.reg, pub, nil),
		Sessions:   st.sessions,
	}
	if mutate != nil {
		mutate(&d)
	}
	st.srv = NewServer(d)
	return st
}

func (st *stack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	st.srv.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) orderView {
	t.Helper()
	var v orderView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

var orderBody = map[string]any{
	"restaurant_id": "rest-1",
	"address":       "12 Residency Rd",
	"location":      map[string]float64{"lat": 0, "lon": 0.01},
	"items":         []map[string]any{{"item_id": "dosa", "quantity": 2}},
}

func TestCreateOrderAssignsRider(t *testing.T) {
	st := newStack(t, nil)
	rec := st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Name: "Ravi", Loc: models.Coord{}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = st.do(t, http.MethodPost, "/api/v1/orders", orderBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decodeView(t, rec)
	assert.Equal(t, models.StatusAssigned, v.Order.Status)
	assert.Equal(t, "u1", v.Order.RequesterID)
	require.NotNil(t, v.Rider)
	assert.Equal(t, "Ravi", v.Rider.Name)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = st.do(t, http.MethodGet, "/api/v1/orders/"+v.Order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, v.Order.ID, decodeView(t, rec).Order.ID)
}

func TestCreateOrderWithoutRiderIsPlaced(t *testing.T) {
	st := newStack(t, nil)
	rec := st.do(t, http.MethodPost, "/api/v1/orders", orderBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	v := decodeView(t, rec)
	assert.Equal(t, models.StatusPlaced, v.Order.Status)
	assert.Nil(t, v.Order.RiderID)
	assert.Nil(t, v.Rider)
}

func TestCreateOrderBadInput(t *testing.T) {
	st := newStack(t, nil)
	rec := st.do(t, http.MethodPost, "/api/v1/orders", map[string]any{"restaurant_id": "x", "location": map[string]float64{"lat": 100}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	st.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	st := newStack(t, nil)
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})
	id := decodeView(t, st.do(t, http.MethodPost, "/api/v1/orders", orderBody)).Order.ID
	path := "/api/v1/orders/" + id + "/events"

	assert.Equal(t, http.StatusConflict, st.do(t, http.MethodPost, path, map[string]string{"event": "delivered"}).Code)
	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodPost, path, map[string]string{"event": "teleported"}).Code)
	assert.Equal(t, http.StatusConflict, st.do(t, http.MethodDelete, "/internal/riders/r1", nil).Code)

	rec := st.do(t, http.MethodPost, path, map[string]string{"event": "picked_up"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = st.do(t, http.MethodPost, path, map[string]string{"event": "delivered"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusDelivered, decodeView(t, rec).Order.Status)

	r, _ := st.reg.Get("r1")
	assert.True(t, r.Available)
	assert.Equal(t, http.StatusConflict, st.do(t, http.MethodPost, path, map[string]string{"event": "cancelled"}).Code)
}

func TestRedispatchOverHTTP(t *testing.T) {
	st := newStack(t, nil)
	id := decodeView(t, st.do(t, http.MethodPost, "/api/v1/orders", orderBody)).Order.ID
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})

	rec := st.do(t, http.MethodPost, "/api/v1/orders/"+id+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusAssigned, decodeView(t, rec).Order.Status)

	assert.Equal(t, http.StatusConflict, st.do(t, http.MethodPost, "/api/v1/orders/"+id+"/dispatch", nil).Code)
}

func TestUnknownOrder(t *testing.T) {
	st := newStack(t, nil)
	rec := st.do(t, http.MethodGet, "/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestPersistenceFailureIsUnavailable(t *testing.T) {
	st := newStack(t, nil)
	st.svc.Store = failingCreates{st.store}
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})

	rec := st.do(t, http.MethodPost, "/api/v1/orders", orderBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	r, _ := st.reg.Get("r1")
	assert.True(t, r.Available)
}

func TestRiderLocationAppliedDirectly(t *testing.T) {
	st := newStack(t, nil)
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})

	rec := st.do(t, http.MethodPost, "/internal/riders/locations", models.PositionReport{RiderID: "r1", Loc: models.Coord{Lat: 5, Lon: 5}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	r, _ := st.reg.Get("r1")
	assert.Equal(t, models.Coord{Lat: 5, Lon: 5}, r.Loc)

	rec = st.do(t, http.MethodPost, "/internal/riders/locations", models.PositionReport{RiderID: "ghost", Loc: models.Coord{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = st.do(t, http.MethodPost, "/internal/riders/locations", models.PositionReport{RiderID: "r1", Loc: models.Coord{Lon: 200}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiderLocationQueuedOnFeed(t *testing.T) {
	sink := &positionSink{}
	st := newStack(t, func(d *Deps) { d.Positions = sink })
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})

	rec := st.do(t, http.MethodPost, "/internal/riders/locations", models.PositionReport{RiderID: "r1", Loc: models.Coord{Lat: 5, Lon: 5}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sink.reps, 1)
	r, _ := st.reg.Get("r1")
	assert.Equal(t, models.Coord{}, r.Loc, "feed consumer applies the report")
}

func TestRiderRoutes(t *testing.T) {
	st := newStack(t, nil)
	assert.Equal(t, http.StatusBadRequest, st.do(t, http.MethodPost, "/internal/riders", models.Rider{Loc: models.Coord{}}).Code)
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})
	assert.Equal(t, http.StatusOK, st.do(t, http.MethodGet, "/internal/riders/r1", nil).Code)
	assert.Equal(t, http.StatusNoContent, st.do(t, http.MethodDelete, "/internal/riders/r1", nil).Code)
	assert.Equal(t, http.StatusNotFound, st.do(t, http.MethodGet, "/internal/riders/r1", nil).Code)
}

func TestPaymentsDisabled(t *testing.T) {
	st := newStack(t, nil)
	rec := st.do(t, http.MethodPost, "/api/v1/payments", map[string]any{"amount": 100, "payment_method_id": "pm_card_visa"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	st := newStack(t, func(d *Deps) { d.JWTSecret = "s3cret" })

	rec := st.do(t, http.MethodGet, "/api/v1/orders/x", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := auth.Issue("s3cret", "alice", "", time.Minute)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(orderBody))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", &buf)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	st.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", decodeView(t, rec).Order.RequesterID)

	assert.Equal(t, http.StatusOK, st.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestRiderSessionReceivesAssignment(t *testing.T) {
	st := newStack(t, nil)
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})
	ts := httptest.NewServer(st.srv)
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "r1"), http.Header{"X-User-Id": {"r1"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return st.sessions.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(models.Coord{Lat: 0.001, Lon: 0}))
	require.Eventually(t, func() bool {
		r, _ := st.reg.Get("r1")
		return r.Loc.Lat == 0.001
	}, time.Second, 5*time.Millisecond)

	rec := st.do(t, http.MethodPost, "/api/v1/orders", orderBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.OrderEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.StatusAssigned, ev.Status)
	assert.Equal(t, "r1", ev.RiderID)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "ghost"), http.Header{"X-User-Id": {"ghost"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func wsURL(ts *httptest.Server, riderID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/riders/" + riderID
}

func TestRiderSessionRejectsOtherCallers(t *testing.T) {
	st := newStack(t, func(d *Deps) { d.JWTSecret = "s3cret" })
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})
	ts := httptest.NewServer(st.srv)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "r1"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := auth.Issue("s3cret", "r2", auth.RoleRider, time.Minute)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "r1"), http.Header{"Authorization": {"Bearer " + other}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, st.sessions.Len())

	own, err := auth.Issue("s3cret", "r1", auth.RoleRider, time.Minute)
	require.NoError(t, err)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "r1"), http.Header{"Authorization": {"Bearer " + own}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return st.sessions.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRiderSessionPositionsGoThroughFeed(t *testing.T) {
	sink := &positionSink{}
	st := newStack(t, func(d *Deps) { d.Positions = sink })
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})
	ts := httptest.NewServer(st.srv)
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "r1"), http.Header{"X-User-Id": {"r1"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.Coord{Lat: 0.002, Lon: 0}))
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.reps) == 1
	}, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, "r1", sink.reps[0].RiderID)
	assert.Equal(t, models.Coord{Lat: 0.002, Lon: 0}, sink.reps[0].Loc)
	sink.mu.Unlock()
	r, _ := st.reg.Get("r1")
	assert.Equal(t, models.Coord{}, r.Loc, "feed consumer applies the report")
}

func TestCustomerCannotReportDelivery(t *testing.T) {
	st := newStack(t, nil)
	st.do(t, http.MethodPost, "/internal/riders", models.Rider{ID: "r1", Loc: models.Coord{}})
	rec := st.do(t, http.MethodPost, "/api/v1/orders", orderBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeView(t, rec).Order.ID

	event := func(role, ev string) int {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{"event": ev}))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+id+"/events", &buf)
		req.Header.Set("X-User-ID", "u1")
		req.Header.Set("X-User-Role", role)
		rec := httptest.NewRecorder()
		st.srv.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusForbidden, event(auth.RoleCustomer, "delivered"))
	assert.Equal(t, http.StatusForbidden, event(auth.RoleCustomer, "picked_up"))
	assert.Equal(t, http.StatusOK, event(auth.RoleRider, "picked_up"))
	assert.Equal(t, http.StatusOK, event(auth.RoleRider, "delivered"))
}

func TestMiddlewareRecoversAndKeepsRequestID(t *testing.T) {
	st := newStack(t, nil)
	st.srv.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("bad handler") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	st.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", clientIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
