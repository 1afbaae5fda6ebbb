package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedCall struct {
	method  string
	target  string
	body    interface{}
	headers map[string]string
}

func stubAPI(t *testing.T, status int, response string) *[]capturedCall {
	t.Helper()
	calls := &[]capturedCall{}
	original := apiCall
	apiCall = func(method, target string, body interface{}, headers map[string]string) (int, json.RawMessage, error) {
		*calls = append(*calls, capturedCall{method: method, target: target, body: body, headers: headers})
		return status, json.RawMessage(response), nil
	}
	t.Cleanup(func() { apiCall = original })
	return calls
}

func compactOutput(t *testing.T) {
	t.Helper()
	original := stdoutIsTerm
	stdoutIsTerm = func() bool { return false }
	t.Cleanup(func() { stdoutIsTerm = original })
}

func TestUsageAndUnknownCommand(t *testing.T) {
	stubAPI(t, http.StatusOK, `{}`)
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run(nil, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Usage:")

	stderr.Reset()
	require.Equal(t, 1, run([]string{"bogus"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestCreateBuildsRequest(t *testing.T) {
	compactOutput(t)
	calls := stubAPI(t, http.StatusCreated, `{"orderId":"o-1", "escrowRef":"esc-1"}`)
	var stdout, stderr bytes.Buffer

	code := run([]string{
		"--server", "http://approvald:8085/",
		"create", "--amount", "2500", "--signers", "alice@example.com, bob@example.com",
		"--delay", "2m", "--memo", "rent", "--idempotency-key", "k-1",
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "{\"orderId\":\"o-1\",\"escrowRef\":\"esc-1\"}\n", stdout.String())

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	require.Equal(t, http.MethodPost, call.method)
	require.Equal(t, "http://approvald:8085/v1/orders", call.target)
	require.Equal(t, "k-1", call.headers["Idempotency-Key"])
	body := call.body.(map[string]interface{})
	require.Equal(t, int64(2500), body["amount"])
	require.Equal(t, []string{"alice@example.com", "bob@example.com"}, body["signers"])
	require.Equal(t, int64(120), body["delaySeconds"])
	require.Equal(t, "rent", body["memo"])
}

func TestCreateValidatesFlags(t *testing.T) {
	calls := stubAPI(t, http.StatusCreated, `{}`)
	cases := map[string][]string{
		"missing amount":   {"create", "--signers", "a@example.com"},
		"missing signers":  {"create", "--amount", "10"},
		"fractional delay": {"create", "--amount", "10", "--signers", "a@example.com", "--delay", "1500ms"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			require.Equal(t, 1, run(args, &stdout, &stderr))
			require.Contains(t, stderr.String(), "Error:")
		})
	}
	require.Empty(t, *calls)
}

func TestApproveAndStatusTargets(t *testing.T) {
	t.Setenv("QUORUMCTL_SERVER", "")
	compactOutput(t)
	calls := stubAPI(t, http.StatusOK, `{"orderId":"o 1"}`)
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, run([]string{"approve", "--id", "o 1", "--signer", "alice@example.com"}, &stdout, &stderr))
	require.Equal(t, 0, run([]string{"status", "--id", "o 1"}, &stdout, &stderr))
	require.Equal(t, 0, run([]string{"list", "--state", "finalize_failed"}, &stdout, &stderr))

	require.Len(t, *calls, 3)
	require.Equal(t, defaultServer+"/v1/orders/o%201/approvals", (*calls)[0].target)
	require.Equal(t, map[string]string{"signer": "alice@example.com"}, (*calls)[0].body)
	require.Equal(t, http.MethodGet, (*calls)[1].method)
	require.Equal(t, defaultServer+"/v1/orders/o%201", (*calls)[1].target)
	require.Equal(t, defaultServer+"/v1/orders?state=finalize_failed", (*calls)[2].target)
}

func TestAPIErrorIsReported(t *testing.T) {
	stubAPI(t, http.StatusConflict, `{"error":{"code":"OrderClosed","message":"approval window elapsed","orderId":"o-1","confirmedSigners":1,"totalSigners":2}}`)
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run([]string{"approve", "--id", "o-1", "--signer", "bob@example.com"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Error (OrderClosed): approval window elapsed")
	require.Contains(t, stderr.String(), "Approvals: 1/2")
	require.Empty(t, stdout.String())
}

func TestPrettyOutputOnTerminal(t *testing.T) {
	original := stdoutIsTerm
	stdoutIsTerm = func() bool { return true }
	t.Cleanup(func() { stdoutIsTerm = original })

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, json.RawMessage(`{"a":1}`)))
	require.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}

func TestCallAPIAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k-9", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderId":"o-9"}`))
	}))
	t.Cleanup(srv.Close)

	status, payload, err := callAPI(http.MethodPost, srv.URL+"/v1/orders", map[string]int{"amount": 1}, map[string]string{"Idempotency-Key": "k-9"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	require.JSONEq(t, `{"orderId":"o-9"}`, string(payload))
}
