package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

var version = "dev"

func baseURL() string {
	if u := os.Getenv("RACEWAY_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "error: server returned %s: %s\n", resp.Status, strings.TrimSpace(string(data)))
		os.Exit(1)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		fmt.Fprintf(os.Stderr, "error: unparsable response: %s\n", string(data))
		os.Exit(1)
	}
	return m
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: racewayctl %s\n", usage)
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("racewayctl %s\n", version)
	case "state":
		doState(args)
	case "runs":
		doRuns(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() { usageTo(os.Stderr) }

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `racewayctl — operator CLI for a running racewayd

Usage: racewayctl <command> [arguments]

Environment:
  RACEWAY_URL   Base URL of the racewayd instance (default: http://localhost:8080)

Commands:
  state show                         Show per-model bandit arm state
  state decay <factor>                Decay every arm's accumulated state
  state prune <min_trials> <min_win_rate>
                                      Remove underperforming arms
  runs list                          List recent race run summaries

  version                            Print version
  help                               Show this message
`)
}

func doState(args []string) {
	requireArgs(args, 1, "state <show|decay|prune> [arguments]")
	switch args[0] {
	case "show":
		doStateShow()
	case "decay":
		requireArgs(args, 2, "state decay <factor>")
		factor, err := strconv.ParseFloat(args[1], 64)
		fatal(err)
		body, _ := json.Marshal(map[string]float64{"factor": factor})
		doPost("/v1/state/decay", string(body))
		fmt.Println("decayed.")
	case "prune":
		requireArgs(args, 3, "state prune <min_trials> <min_win_rate>")
		minTrials, err := strconv.Atoi(args[1])
		fatal(err)
		minWinRate, err := strconv.ParseFloat(args[2], 64)
		fatal(err)
		body, _ := json.Marshal(map[string]any{"min_trials": minTrials, "min_win_rate": minWinRate})
		result := doPost("/v1/state/prune", string(body))
		pruned, _ := result["pruned"].([]any)
		fmt.Printf("pruned %d arm(s).\n", len(pruned))
		for _, p := range pruned {
			fmt.Printf("  - %v\n", p)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown state subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func doStateShow() {
	data := doGet("/v1/state")
	if data["strategy"] == "baseline" {
		fmt.Println("strategy: baseline (no bandit state)")
		return
	}
	arms, _ := data["arms"].([]any)
	if len(arms) == 0 {
		fmt.Println("No arms recorded yet.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "MODEL\tTRIALS\tWINS\tWIN_RATE")
	for _, a := range arms {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%.3f\n", m["model"], m["trials"], m["wins"], m["win_rate"])
	}
	_ = tw.Flush()
}

func doRuns(args []string) {
	requireArgs(args, 1, "runs list")
	if args[0] != "list" {
		fmt.Fprintf(os.Stderr, "unknown runs subcommand: %s\n", args[0])
		os.Exit(1)
	}
	resp, err := doRequest("GET", "/v1/runs", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	var runs []map[string]any
	if err := json.Unmarshal(data, &runs); err != nil {
		fmt.Fprintf(os.Stderr, "error: unparsable response: %s\n", string(data))
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTIMESTAMP\tSTRATEGY\tWINNER\tOUTCOME\tTOKENS\tCOST_USD\tFALLBACKS")
	for _, run := range runs {
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\t%.4f\t%v\n",
			run["id"], run["timestamp"], run["strategy"], run["winner_model"],
			run["outcome"], run["total_tokens"], run["total_cost_usd"], run["fallbacks"])
	}
	_ = tw.Flush()
}
