package fluxoml

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxoml/pkg/api"
	"github.com/petrijr/fluxoml/pkg/server"
)

func serveModel(t *testing.T, m *Model, opts ServeOptions) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	stop := m.Serve(mux, opts)
	srv := httptest.NewServer(server.New(mux, server.Config{}).Handler())
	t.Cleanup(func() {
		srv.Close()
		stop()
	})
	return srv
}

func postJSON(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServe_TrainAndPredict(t *testing.T) {
	m := newLineModel(t)
	srv := serveModel(t, m, ServeOptions{})

	status, body := postJSON(t, srv.URL+"/train", map[string]any{
		"inputs": map[string]any{"rows": 10},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "hyperparameters must be provided")

	status, body = postJSON(t, srv.URL+"/predict", map[string]any{
		"inputs": map[string]any{"rows": 3},
	})
	require.Equal(t, http.StatusConflict, status, body)

	status, body = postJSON(t, srv.URL+"/train", map[string]any{
		"hyperparameters": map[string]any{"scale": 1},
		"inputs":          map[string]any{"rows": 10},
	})
	require.Equal(t, http.StatusOK, status, body)
	id, _ := body["instance_id"].(string)
	require.NotEmpty(t, id)
	require.Contains(t, body["metrics"], "train")

	status, body = postJSON(t, srv.URL+"/predict", map[string]any{
		"inputs": map[string]any{"rows": 3},
	})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, []any{2.0, 4.0, 6.0}, body["predictions"])

	status, body = postJSON(t, srv.URL+"/predict", map[string]any{
		"features": []map[string]float64{{"x": 5}},
	})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, []any{10.0}, body["predictions"])

	status, body = getJSON(t, srv.URL+"/executions/"+id)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(StatusCompleted), body["status"])
	require.Equal(t, "lines.train", body["workflow"])
	outputs, ok := body["outputs"].(map[string]any)
	require.True(t, ok, body)
	require.Contains(t, outputs, MetricsOutput)
	require.Contains(t, outputs, TrainedModelOutput)
}

func TestServe_BadRequests(t *testing.T) {
	m := newLineModel(t)
	srv := serveModel(t, m, ServeOptions{})

	cases := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown field", "/train", map[string]any{"hyperparams": 1}, http.StatusBadRequest},
		{"unknown input", "/train", map[string]any{"hyperparameters": map[string]any{"scale": 1}, "inputs": map[string]any{"cols": 1}}, http.StatusBadRequest},
		{"wrong input type", "/train", map[string]any{"hyperparameters": map[string]any{"scale": 1}, "inputs": map[string]any{"rows": "ten"}}, http.StatusBadRequest},
		{"missing input", "/train", map[string]any{"hyperparameters": map[string]any{"scale": 1}}, http.StatusBadRequest},
		{"remote without config", "/train", map[string]any{"hyperparameters": map[string]any{"scale": 1}, "remote": true}, http.StatusConflict},
		{"unknown model source", "/predict", map[string]any{"model_source": "s3"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := postJSON(t, srv.URL+tc.path, tc.body)
			require.Equal(t, tc.want, status, body)
			require.NotEmpty(t, body["error"])
		})
	}

	status, _ := getJSON(t, srv.URL+"/executions/unknown")
	require.Equal(t, http.StatusNotFound, status)
}

func TestServe_Summary(t *testing.T) {
	m := newLineModel(t)
	srv := serveModel(t, m, ServeOptions{NoDefaultEndpoints: true})

	status, body := getJSON(t, srv.URL+"/")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "lines", body["name"])
	require.Equal(t, "lines", body["dataset"])

	workflows, ok := body["workflows"].(map[string]any)
	require.True(t, ok, body)
	require.Len(t, workflows, 3)
	train := workflows["lines.train"].(map[string]any)
	inputs := train["inputs"].([]any)
	require.Equal(t, HyperparametersInput, inputs[0].(map[string]any)["name"])
	require.Equal(t, "rows", inputs[1].(map[string]any)["name"])
	require.Equal(t, "int", inputs[1].(map[string]any)["type"])

	resp, err := http.Post(srv.URL+"/train", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestServe_CustomEndpoints(t *testing.T) {
	m := newLineModel(t)
	srv := serveModel(t, m, ServeOptions{TrainEndpoint: "/v1/fit", PredictEndpoint: "/v1/infer"})

	status, body := postJSON(t, srv.URL+"/v1/fit", map[string]any{
		"hyperparameters": map[string]any{"scale": 1},
		"inputs":          map[string]any{"rows": 4},
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = postJSON(t, srv.URL+"/v1/infer", map[string]any{
		"features": []map[string]float64{{"x": 1}},
	})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, []any{2.0}, body["predictions"])
}

func TestServe_EventStream(t *testing.T) {
	m := newLineModel(t)
	hub := server.NewHub(nil)
	srv := serveModel(t, m, ServeOptions{Events: true, Hub: hub})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?workflow=lines.train"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	status, body := postJSON(t, srv.URL+"/train", map[string]any{
		"hyperparameters": map[string]any{"scale": 1},
		"inputs":          map[string]any{"rows": 4},
	})
	require.Equal(t, http.StatusOK, status, body)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev api.WorkflowEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, api.EventWorkflowStarted, ev.Type)
	require.Equal(t, "lines.train", ev.WorkflowName)
	require.Equal(t, body["instance_id"], ev.InstanceID)
}
