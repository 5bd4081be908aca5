package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/jordanhubbard/llmproxy/internal/auth"
)

var version = "dev"

// loadEnvFile reads ~/.llmproxy/env. Variables already present in the
// process environment take precedence.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	_ = godotenv.Load(filepath.Join(home, ".llmproxy", "env"))
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("llmproxyctl %s\n", version)
	case "health", "status":
		doHealth()
	case "catalog", "models":
		doCatalog(args)
	case "refresh":
		doRefresh()
	case "credentials":
		doCredentials()
	case "ratelimits":
		doRateLimits()
	case "reset":
		doReset(args)
	case "attempts":
		doAttempts(args)
	case "plan":
		doPlan(args)
	case "events":
		doEvents()
	case "rotate-admin-token":
		doRotateAdminToken()
	case "hash-token":
		doHashToken(args)
	case "gen-token":
		doGenToken(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `llmproxyctl: CLI for the llmproxy admin API

Usage: llmproxyctl <command> [arguments]

Environment:
  LLMPROXY_URL           Base URL (default: http://localhost:8080)
  LLMPROXY_ADMIN_TOKEN   Bearer token for admin endpoints
  LLMPROXY_TOKEN         Caller token for plan (optional)

  ~/.llmproxy/env        Auto-loaded on startup. Explicit environment
                         variables take precedence.

Commands:
  health                        Show server health and catalog version
  catalog [--json]              List catalog models
  refresh                       Reload the catalog from its source
  credentials                   List environment credentials (no secrets)
  ratelimits                    Show tracked rate-limit and circuit state
  reset <candidate-key>         Forget the state of one candidate
  attempts [flags]              Show the attempt log
      --request-id <id>  --provider <p>  --outcome <o>  --limit <n>
  plan [--mode <m>] <prompt>    Show the fallback chain for a prompt
  events                        Stream routing events (SSE)
  rotate-admin-token            Replace the admin token

  hash-token <token>            Print the bcrypt hash for LLMPROXY_CALLER_TOKENS
  gen-token <name>              Generate a caller token and its config entry

  version                       Print version
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("LLMPROXY_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func adminToken() string {
	return os.Getenv("LLMPROXY_ADMIN_TOKEN")
}

func doRequest(method, path, token string, body io.Reader) (*http.Response, error) {
	return send(http.DefaultClient, method, path, token, body)
}

func send(client *http.Client, method, path, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest(http.MethodGet, path, adminToken(), nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, token, bodyJSON string) map[string]any {
	var body io.Reader
	if bodyJSON != "" {
		body = strings.NewReader(bodyJSON)
	}
	resp, err := doRequest(http.MethodPost, path, token, body)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	if len(data) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: llmproxyctl %s\n", usage)
		os.Exit(1)
	}
}

// flagValue returns the value following name, or "".
func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

// positional drops "--flag value" pairs from args.
func positional(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") {
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// --- Commands ---

func doHealth() {
	resp, err := doRequest(http.MethodGet, "/healthz", "", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	var h map[string]any
	fatal(json.NewDecoder(resp.Body).Decode(&h))
	fmt.Printf("Status:          %v (HTTP %d)\n", h["status"], resp.StatusCode)
	fmt.Printf("Models:          %s\n", fmtNum(h["models"]))
	fmt.Printf("Catalog version: %s\n", fmtNum(h["catalog_version"]))
	fmt.Printf("Credentials:     %s\n", fmtNum(h["credentials"]))
}

func doCatalog(args []string) {
	data := doGet("/admin/v1/catalog")
	if hasFlag(args, "--json") {
		fmt.Println(prettyJSON(data))
		return
	}
	printCatalog(os.Stdout, data)
}

func printCatalog(w io.Writer, data map[string]any) {
	_, _ = fmt.Fprintf(w, "Source: %v  Version: %s  Loaded: %s\n\n", data["source"], fmtNum(data["version"]), fmtTime(data["loaded_at"]))
	models, _ := data["models"].([]any)
	if len(models) == 0 {
		_, _ = fmt.Fprintln(w, "No models.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tMODEL\tCONTEXT\tIN $/MTOK\tOUT $/MTOK\tFREE")
	for _, m := range models {
		e, _ := m.(map[string]any)
		prov, _ := e["provider"].(string)
		name, _ := e["model"].(string)
		free, _ := e["free_tier"].(bool)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\n", prov, name, fmtNum(e["context_window"]),
			fmtPrice(e["input_price_per_mtok"]), fmtPrice(e["output_price_per_mtok"]), free)
	}
	_ = tw.Flush()
}

func doRefresh() {
	data := doPost("/admin/v1/catalog/refresh", adminToken(), "")
	models, _ := data["models"].([]any)
	fmt.Printf("Catalog refreshed: version %s, %d models\n", fmtNum(data["version"]), len(models))
}

func doCredentials() {
	data := doGet("/admin/v1/credentials")
	creds, _ := data["credentials"].([]any)
	if len(creds) == 0 {
		fmt.Println("No environment credentials.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tPROVIDER\tENDPOINT\tFREE\tPRIORITY\tLABEL")
	for _, c := range creds {
		e, _ := c.(map[string]any)
		id, _ := e["id"].(string)
		prov, _ := e["provider_type"].(string)
		ep, _ := e["endpoint"].(string)
		free, _ := e["free_tier"].(bool)
		label, _ := e["label"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\n", id, prov, ep, free, fmtNum(e["priority_weight"]), label)
	}
	_ = tw.Flush()
}

func doRateLimits() {
	printRateLimits(os.Stdout, doGet("/admin/v1/ratelimits"))
}

func printRateLimits(w io.Writer, data map[string]any) {
	entries, _ := data["entries"].([]any)
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "No tracked candidates.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CANDIDATE\tCIRCUIT\tFAILURES\tREQ LEFT\tTOK LEFT\tREQ RESET\tLAST ERROR")
	for _, e := range entries {
		m, _ := e.(map[string]any)
		key, _ := m["key"].(string)
		st, _ := m["state"].(map[string]any)
		circuit, _ := st["circuit"].(map[string]any)
		state, _ := circuit["state"].(string)
		lastErr, _ := st["last_error_kind"].(string)
		if lastErr == "" {
			lastErr = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", key, state, fmtNum(circuit["consecutive_failures"]),
			fmtRemaining(st["remaining_requests"]), fmtRemaining(st["remaining_tokens"]), fmtTime(st["requests_reset_at"]), lastErr)
	}
	_ = tw.Flush()
}

// resetPath escapes the candidate key; keys carry "/" and "@".
func resetPath(key string) string {
	return "/admin/v1/ratelimits/" + url.PathEscape(key)
}

func doReset(args []string) {
	requireArgs(args, 1, "reset <candidate-key>")
	resp, err := doRequest(http.MethodDelete, resetPath(args[0]), adminToken(), nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	_ = readJSON(resp)
	fmt.Printf("State of %s reset.\n", args[0])
}

func attemptsPath(args []string) string {
	q := url.Values{}
	for flag, param := range map[string]string{
		"--request-id": "request_id",
		"--provider":   "provider",
		"--outcome":    "outcome",
	} {
		if v := flagValue(args, flag); v != "" {
			q.Set(param, v)
		}
	}
	limit := 50
	if n, err := strconv.Atoi(flagValue(args, "--limit")); err == nil && n > 0 {
		limit = n
	}
	q.Set("limit", strconv.Itoa(limit))
	return "/admin/v1/attempts?" + q.Encode()
}

func doAttempts(args []string) {
	data := doGet(attemptsPath(args))
	rows, _ := data["attempts"].([]any)
	if len(rows) == 0 {
		fmt.Println("No attempts.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tREQUEST ID\tCANDIDATE\tTRY\tOUTCOME\tERROR\tLATENCY\tTOKENS IN/OUT")
	for _, r := range rows {
		m, _ := r.(map[string]any)
		reqID, _ := m["request_id"].(string)
		cand, _ := m["candidate"].(string)
		outcome, _ := m["outcome"].(string)
		kind, _ := m["error_kind"].(string)
		if kind == "" {
			kind = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s/%s\n", fmtTime(m["started_at"]), reqID, cand,
			fmtNum(m["try"]), outcome, kind, fmtDuration(m["latency_ms"]), fmtNum(m["input_tokens"]), fmtNum(m["output_tokens"]))
	}
	_ = tw.Flush()
}

func planBody(prompt, mode string) string {
	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}
	if mode != "" {
		body["mode"] = mode
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func doPlan(args []string) {
	words := positional(args)
	requireArgs(words, 1, "plan [--mode <mode>] <prompt>")
	data := doPost("/v1/plan", os.Getenv("LLMPROXY_TOKEN"), planBody(strings.Join(words, " "), flagValue(args, "--mode")))

	profile, _ := data["profile"].(map[string]any)
	fmt.Printf("Request:  %v\n", data["request_id"])
	fmt.Printf("Mode:     %v\n", data["mode"])
	fmt.Printf("Type:     %v  complexity=%v  ~%s input tokens\n", profile["type"], profile["complexity_score"], fmtNum(profile["estimated_input_tokens"]))

	sel, _ := data["selection"].(map[string]any)
	ranked, _ := sel["ranked"].([]any)
	fmt.Printf("Chain:    %d of %s candidates\n\n", len(ranked), fmtNum(sel["considered"]))
	if len(ranked) == 0 {
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "#\tCANDIDATE\tSOURCE\tFREE\tSCORE\tMAX OUTPUT")
	for i, r := range ranked {
		m, _ := r.(map[string]any)
		c, _ := m["candidate"].(map[string]any)
		b, _ := m["budget"].(map[string]any)
		key, _ := c["key"].(string)
		src, _ := c["source"].(string)
		free, _ := c["free_tier"].(bool)
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%s\t%s\n", i+1, key, src, free, fmtNum(m["score"]), fmtNum(b["max_output_tokens"]))
	}
	_ = tw.Flush()
}

func doEvents() {
	// No client timeout: the stream stays open until interrupted.
	resp, err := send(&http.Client{}, http.MethodGet, "/admin/v1/events", adminToken(), nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		_ = readJSON(resp)
	}

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		if s := formatEvent(strings.TrimSpace(strings.TrimPrefix(line, "data:"))); s != "" {
			fmt.Println(s)
		}
	}
	fmt.Println("Event stream closed.")
}

func formatEvent(payload string) string {
	var evt map[string]any
	if json.Unmarshal([]byte(payload), &evt) != nil {
		return ""
	}
	evtType, _ := evt["type"].(string)
	if evtType == "" {
		return ""
	}
	ts := fmtClock(evt["timestamp"])
	str := func(k string) string { s, _ := evt[k].(string); return s }
	switch evtType {
	case "attempt":
		return fmt.Sprintf("[%s] attempt  %s try=%s outcome=%s %s latency=%s", ts, str("candidate"), fmtNum(evt["try"]),
			str("outcome"), str("error_kind"), fmtDuration(evt["latency_ms"]))
	case "circuit_change":
		return fmt.Sprintf("[%s] circuit  %s %s -> %s", ts, str("candidate"), str("old_state"), str("new_state"))
	case "catalog_refresh":
		if e := str("error"); e != "" {
			return fmt.Sprintf("[%s] catalog  refresh failed: %s", ts, e)
		}
		return fmt.Sprintf("[%s] catalog  %s models", ts, fmtNum(evt["model_count"]))
	default:
		return fmt.Sprintf("[%s] %s  request=%s", ts, evtType, str("request_id"))
	}
}

func doRotateAdminToken() {
	data := doPost("/admin/v1/admin-token/rotate", adminToken(), "")
	tok, _ := data["admin_token"].(string)
	fmt.Println("Admin token rotated. New token:")
	fmt.Println(tok)
	fmt.Println("\nUpdate LLMPROXY_ADMIN_TOKEN before the next command.")
}

func doHashToken(args []string) {
	requireArgs(args, 1, "hash-token <token>")
	hash, err := auth.HashToken(args[0])
	fatal(err)
	fmt.Println(hash)
}

func doGenToken(args []string) {
	requireArgs(args, 1, "gen-token <name>")
	tok, hash, err := auth.GenerateToken()
	fatal(err)
	fmt.Printf("Token (give to the caller, shown once):\n  %s\n\n", tok)
	fmt.Printf("Add to LLMPROXY_CALLER_TOKENS:\n  %s:%s\n", args[0], hash)
}

// --- Formatting ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// fmtRemaining renders a remaining quota; negative means unknown.
func fmtRemaining(v any) string {
	if f, ok := v.(float64); ok && f < 0 {
		return "?"
	}
	return fmtNum(v)
}

func fmtPrice(v any) string {
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.2f", f)
	}
	return "-"
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func fmtTime(v any) string {
	if t, ok := parseTime(v); ok {
		return t.Local().Format("2006-01-02 15:04:05")
	}
	return "-"
}

func fmtClock(v any) string {
	if t, ok := parseTime(v); ok {
		return t.Local().Format("15:04:05")
	}
	return time.Now().Format("15:04:05")
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
