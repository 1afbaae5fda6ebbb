package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

const defaultServer = "http://localhost:8085"

// apiError mirrors the error envelope returned by approvald.
type apiError struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	OrderID          string `json:"orderId,omitempty"`
	Signer           string `json:"signer,omitempty"`
	ConfirmedSigners *int   `json:"confirmedSigners,omitempty"`
	TotalSigners     *int   `json:"totalSigners,omitempty"`
}

var (
	apiCall      = callAPI
	stdoutIsTerm = func() bool { return term.IsTerminal(int(os.Stdout.Fd())) }
	httpClient   = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	server := strings.TrimSpace(os.Getenv("QUORUMCTL_SERVER"))
	if server == "" {
		server = defaultServer
	}
	global := flag.NewFlagSet("quorumctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprintln(stderr, usage()) }
	global.StringVar(&server, "server", server, "approvald base URL")
	if err := global.Parse(args); err != nil {
		return 1
	}
	args = global.Args()
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	server = strings.TrimRight(server, "/")

	switch args[0] {
	case "create":
		return runCreate(server, args[1:], stdout, stderr)
	case "approve":
		return runApprove(server, args[1:], stdout, stderr)
	case "status":
		return runStatus(server, args[1:], stdout, stderr)
	case "list":
		return runList(server, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runCreate(server string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		amount  int64
		signers string
		delay   time.Duration
		memo    string
		key     string
	)
	fs.Int64Var(&amount, "amount", 0, "amount to escrow in ledger base units")
	fs.StringVar(&signers, "signers", "", "comma separated signer e-mail addresses")
	fs.DurationVar(&delay, "delay", 0, "approval window (default: server default)")
	fs.StringVar(&memo, "memo", "", "optional memo shown to signers")
	fs.StringVar(&key, "idempotency-key", "", "optional Idempotency-Key header")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if amount <= 0 {
		return printError(stderr, "--amount must be positive")
	}
	list := splitSigners(signers)
	if len(list) == 0 {
		return printError(stderr, "--signers is required")
	}
	if delay < 0 || delay%time.Second != 0 {
		return printError(stderr, "--delay must be a positive whole number of seconds")
	}
	body := map[string]interface{}{
		"amount":  amount,
		"signers": list,
	}
	if delay > 0 {
		body["delaySeconds"] = int64(delay / time.Second)
	}
	if memo != "" {
		body["memo"] = memo
	}
	headers := map[string]string{}
	if key != "" {
		headers["Idempotency-Key"] = key
	}
	return execute(stdout, stderr, http.MethodPost, server+"/v1/orders", body, headers)
}

func runApprove(server string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("approve", stderr)
	var id, signer string
	fs.StringVar(&id, "id", "", "order id")
	fs.StringVar(&signer, "signer", "", "approving signer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id = strings.TrimSpace(id)
	signer = strings.TrimSpace(signer)
	if id == "" {
		return printError(stderr, "--id is required")
	}
	if signer == "" {
		return printError(stderr, "--signer is required")
	}
	target := server + "/v1/orders/" + url.PathEscape(id) + "/approvals"
	return execute(stdout, stderr, http.MethodPost, target, map[string]string{"signer": signer}, nil)
}

func runStatus(server string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", stderr)
	var id string
	fs.StringVar(&id, "id", "", "order id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return printError(stderr, "--id is required")
	}
	return execute(stdout, stderr, http.MethodGet, server+"/v1/orders/"+url.PathEscape(strings.TrimSpace(id)), nil, nil)
}

func runList(server string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	var state string
	fs.StringVar(&state, "state", "", "filter by state (pending, finalizing, finished, cancelled, finalize_failed)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	target := server + "/v1/orders"
	if state = strings.TrimSpace(state); state != "" {
		target += "?" + url.Values{"state": {state}}.Encode()
	}
	return execute(stdout, stderr, http.MethodGet, target, nil, nil)
}

func execute(stdout, stderr io.Writer, method, target string, body interface{}, headers map[string]string) int {
	status, payload, err := apiCall(method, target, body, headers)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if status >= 400 {
		return printAPIError(stderr, status, payload)
	}
	if err := printJSON(stdout, payload); err != nil {
		return printError(stderr, err.Error())
	}
	return 0
}

func callAPI(method, target string, body interface{}, headers map[string]string) (int, json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, json.RawMessage(data), nil
}

func printJSON(w io.Writer, payload json.RawMessage) error {
	var buf bytes.Buffer
	if stdoutIsTerm() {
		if err := json.Indent(&buf, payload, "", "  "); err != nil {
			return fmt.Errorf("malformed response: %w", err)
		}
	} else if err := json.Compact(&buf, payload); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

func printAPIError(w io.Writer, status int, payload json.RawMessage) int {
	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Error == nil {
		fmt.Fprintf(w, "Error: HTTP %d: %s\n", status, strings.TrimSpace(string(payload)))
		return 1
	}
	e := envelope.Error
	fmt.Fprintf(w, "Error (%s): %s\n", e.Code, e.Message)
	if e.ConfirmedSigners != nil && e.TotalSigners != nil {
		fmt.Fprintf(w, "Approvals: %d/%d\n", *e.ConfirmedSigners, *e.TotalSigners)
	}
	return 1
}

func splitSigners(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("quorumctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func usage() string {
	return strings.TrimSpace(`Usage:
  quorumctl [--server URL] <command> [flags]

Commands:
  create   Escrow a payment and request approval from every signer
  approve  Record a signer's approval
  status   Show an order's approval status
  list     List orders, optionally filtered by --state

Environment:
  QUORUMCTL_SERVER  approvald base URL (default http://localhost:8085)`)
}
