package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/davidahmann/tollgate/internal/authz"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/internal/telemetry"
	"github.com/davidahmann/tollgate/pkg/types"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

var httpClient = telemetry.InstrumentClient(nil)

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "decide":
		return handleDecide(args[2:], stdout, stderr)
	case "consume":
		return handleConsume(args[2:], stdout, stderr)
	case "audit":
		return handleAudit(args[2:], stdout, stderr)
	case "verify-chain":
		return handleVerifyChain(args[2:], stdout, stderr)
	case "explain":
		return handleExplain(args[2:], stdout, stderr)
	case "authz":
		return handleAuthz(args[2:], stdout, stderr)
	case "policy":
		return handlePolicy(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

type client struct {
	addr    string
	token   string
	jsonOut bool
}

func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *client) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &client{}
	fs.StringVar(&c.addr, "addr", envOrDefault("TOLLGATE_ADDR", defaultAddr), "tollgate API address")
	fs.StringVar(&c.token, "token", os.Getenv("TOLLGATE_TOKEN"), "bearer token")
	fs.BoolVar(&c.jsonOut, "json", false, "print raw JSON response")
	return fs, c
}

// do sends body as JSON and returns the raw response. Transport errors are
// the only error; HTTP status is left to the caller.
func (c *client) do(method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.addr, "/")+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// call performs the request, prints raw JSON when asked, and decodes into
// out. It returns a non-zero exit code on failure.
func (c *client) call(method, path string, body, out any, okStatus []int, stdout, stderr io.Writer) int {
	respBody, status, err := c.do(method, path, body)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if c.jsonOut {
		_, _ = stdout.Write(respBody)
	}
	if !containsStatus(okStatus, status) {
		fmt.Fprintf(stderr, "request failed (%d): %s\n", status, strings.TrimSpace(string(respBody)))
		return 1
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			fmt.Fprintln(stderr, "invalid response:", err)
			return 1
		}
	}
	return 0
}

func containsStatus(list []int, status int) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func handleDecide(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, c := newFlagSet("decide", stderr)
	var req types.DecideRequest
	fs.StringVar(&req.ToolName, "tool", "", "tool name")
	fs.StringVar(&req.AgentID, "agent", "", "agent id")
	fs.StringVar(&req.Persona, "persona", "", "persona")
	fs.StringVar(&req.Principal, "principal", "", "authz principal (defaults to agent)")
	fs.StringVar(&req.Action, "action", "", "authz action (defaults to tool)")
	fs.StringVar(&req.Resource, "resource", "", "authz resource (defaults to tool)")
	fs.StringVar(&req.ActingAs, "acting-as", "", "authz acting_as")
	signalFlags := fs.StringArray("signal", nil, "signal as name=value (repeatable)")
	argsJSON := fs.String("args", "", "tool arguments as a JSON object")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if req.ToolName == "" {
		fmt.Fprintln(stderr, "decide requires --tool")
		return 2
	}
	sigs, err := parseSignals(*signalFlags)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	req.Signals = sigs
	if req.Args, err = parseArgs(*argsJSON); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	respBody, status, err := c.do(http.MethodPost, "/v1/decide", req)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if c.jsonOut {
		_, _ = stdout.Write(respBody)
	}
	var resp types.DecideResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.Decision == "" {
		fmt.Fprintf(stderr, "decide failed (%d): %s\n", status, strings.TrimSpace(string(respBody)))
		return 1
	}
	if !c.jsonOut {
		fmt.Fprintf(stdout, "decision=%s reason=%s integrity=%.4f threshold=%.4f persona=%s\n",
			resp.Decision, resp.Reason, resp.IntegrityScore, resp.Threshold, resp.Persona)
		if resp.Ticket != "" {
			fmt.Fprintf(stdout, "jti=%s expires_in=%d\nticket=%s\n", resp.JTI, resp.ExpiresIn, resp.Ticket)
		}
	}
	if resp.Decision != types.VerdictAllow {
		return 1
	}
	return 0
}

func handleConsume(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, c := newFlagSet("consume", stderr)
	var req types.ConsumeRequest
	fs.StringVar(&req.Ticket, "ticket", "", "ticket from decide")
	fs.StringVar(&req.ToolName, "tool", "", "tool name")
	fs.StringVar(&req.AgentID, "agent", "", "agent id")
	argsJSON := fs.String("args", "", "tool arguments as a JSON object")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if req.Ticket == "" || req.ToolName == "" {
		fmt.Fprintln(stderr, "consume requires --ticket and --tool")
		return 2
	}
	var err error
	if req.Args, err = parseArgs(*argsJSON); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	respBody, status, err := c.do(http.MethodPost, "/v1/consume", req)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if c.jsonOut {
		_, _ = stdout.Write(respBody)
	}
	var resp types.ConsumeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.Status == "" {
		fmt.Fprintf(stderr, "consume failed (%d): %s\n", status, strings.TrimSpace(string(respBody)))
		return 1
	}
	if !c.jsonOut {
		fmt.Fprintf(stdout, "status=%s reason=%s tool=%s jti=%s\n", resp.Status, resp.Reason, resp.Tool, resp.JTI)
	}
	if resp.Status != types.ConsumeAllowed {
		return 1
	}
	return 0
}

func handleAudit(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, c := newFlagSet("audit", stderr)
	limit := fs.Int("limit", 20, "number of recent events")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var resp types.AuditListResponse
	if code := c.call(http.MethodGet, "/v1/audit?limit="+strconv.Itoa(*limit), nil, &resp, []int{http.StatusOK}, stdout, stderr); code != 0 || c.jsonOut {
		return code
	}
	for _, ev := range resp.Events {
		printEvent(stdout, ev)
	}
	return 0
}

func handleVerifyChain(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, c := newFlagSet("verify-chain", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var resp types.ChainVerifyResponse
	if code := c.call(http.MethodGet, "/v1/audit/verify", nil, &resp, []int{http.StatusOK}, stdout, stderr); code != 0 {
		return code
	}
	if !c.jsonOut {
		fmt.Fprintf(stdout, "valid=%t checked=%d bad_links=%d bad_hashes=%d", resp.Valid, resp.Checked, resp.BadLinks, resp.BadHashes)
		if resp.FirstBad != nil {
			fmt.Fprintf(stdout, " first_bad_sequence=%d", *resp.FirstBad)
		}
		fmt.Fprintln(stdout)
	}
	if !resp.Valid {
		return 1
	}
	return 0
}

func handleExplain(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, c := newFlagSet("explain", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "explain requires <jti>")
		return 2
	}
	var resp types.ExplainResponse
	if code := c.call(http.MethodGet, "/v1/explain/"+url.PathEscape(fs.Arg(0)), nil, &resp, []int{http.StatusOK}, stdout, stderr); code != 0 || c.jsonOut {
		return code
	}
	printEvent(stdout, resp.Event)
	fmt.Fprintf(stdout, "body=%s\n", string(resp.Event.Body))
	return 0
}

func handleAuthz(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	fs, c := newFlagSet("authz "+args[0], stderr)
	var rule types.AuthzGrantRequest
	switch args[0] {
	case "grant", "check":
		fs.StringVar(&rule.Principal, "principal", "", "principal or *")
		fs.StringVar(&rule.Action, "action", "", "action or *")
		fs.StringVar(&rule.Resource, "resource", "", "resource or *")
		fs.StringVar(&rule.ActingAs, "acting-as", "", "acting_as or *")
	}
	if args[0] == "grant" {
		fs.StringVar(&rule.Effect, "effect", string(authz.EffectAllow), "allow or deny")
		fs.StringVar(&rule.Note, "note", "", "free-form note")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "list":
		var set authz.RuleSet
		if code := c.call(http.MethodGet, "/v1/authz/rules", nil, &set, []int{http.StatusOK}, stdout, stderr); code != 0 || c.jsonOut {
			return code
		}
		fmt.Fprintf(stdout, "version=%d rules=%d\n", set.Version, len(set.Rules))
		for _, r := range set.Rules {
			printRule(stdout, r)
		}
		return 0
	case "grant":
		var granted authz.Rule
		if code := c.call(http.MethodPost, "/v1/authz/rules", rule, &granted, []int{http.StatusCreated}, stdout, stderr); code != 0 || c.jsonOut {
			return code
		}
		printRule(stdout, granted)
		return 0
	case "revoke":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "authz revoke requires <rule_id>")
			return 2
		}
		var resp types.AuthzRevokeResponse
		code := c.call(http.MethodDelete, "/v1/authz/rules/"+url.PathEscape(fs.Arg(0)), nil, &resp, []int{http.StatusOK}, stdout, stderr)
		if code == 0 && !c.jsonOut {
			fmt.Fprintf(stdout, "revoked id=%s\n", resp.ID)
		}
		return code
	case "check":
		req := authz.Request{Principal: rule.Principal, Action: rule.Action, Resource: rule.Resource, ActingAs: rule.ActingAs}
		var res authz.Result
		if code := c.call(http.MethodPost, "/v1/authz/check", req, &res, []int{http.StatusOK}, stdout, stderr); code != 0 {
			return code
		}
		if !c.jsonOut {
			ruleID := "-"
			if res.Rule != nil {
				ruleID = res.Rule.ID
			}
			fmt.Fprintf(stdout, "allowed=%t reason=%s rule=%s\n", res.Allowed, res.Reason, ruleID)
		}
		if !res.Allowed {
			return 1
		}
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func handlePolicy(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := pflag.NewFlagSet("policy lint", pflag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "policy lint requires <policy_path>")
			return 2
		}
		loaded, err := policy.LoadPolicy(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok policy_id=%s policy_version=%s rules=%d policy_hash=%s\n",
			loaded.Policy.PolicyID, loaded.Policy.PolicyVersion, len(loaded.Policy.Rules), loaded.Hash)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func parseSignals(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --signal %q: want name=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --signal %q: %w", pair, err)
		}
		out[name] = v
	}
	return out, nil
}

func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid --args: %w", err)
	}
	if out == nil {
		return nil, errors.New("invalid --args: want a JSON object")
	}
	return out, nil
}

func printEvent(w io.Writer, ev types.AuditEvent) {
	fmt.Fprintf(w, "%d %s type=%s agent=%s jti=%s decision=%s reason=%s hash=%s\n",
		ev.Sequence, ev.CreatedAt, ev.Type, dash(ev.AgentID), dash(ev.JTI), dash(ev.Decision), dash(ev.Reason), shortHash(ev.RowHash))
}

func printRule(w io.Writer, r authz.Rule) {
	fmt.Fprintf(w, "%s effect=%s principal=%s action=%s resource=%s acting_as=%s\n",
		r.ID, r.Effect, r.Principal, r.Action, r.Resource, dash(r.ActingAs))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Tollgate CLI

Usage:
  tollgate decide --tool NAME [--agent ID] [--signal name=value ...] [--args JSON]
  tollgate consume --ticket TICKET --tool NAME [--agent ID] [--args JSON]
  tollgate audit [--limit N]
  tollgate verify-chain
  tollgate explain <jti>
  tollgate authz list
  tollgate authz grant --principal P --action A --resource R [--acting-as X] [--effect allow|deny] [--note TEXT]
  tollgate authz revoke <rule_id>
  tollgate authz check --principal P --action A --resource R [--acting-as X]
  tollgate policy lint <policy_path>

Common flags: --addr URL (TOLLGATE_ADDR), --token TOKEN (TOLLGATE_TOKEN), --json
`)
}
