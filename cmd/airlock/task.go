package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/airlock/internal/api"
	"github.com/mattjoyce/airlock/internal/task"
)

// apiClient is the thin HTTP client behind the task commands.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func apiFlags(fs *pflag.FlagSet) (url, key *string) {
	defURL := os.Getenv(envAPIURL)
	if defURL == "" {
		defURL = "http://127.0.0.1:8080"
	}
	url = fs.String("api-url", defURL, "Daemon API URL (env "+envAPIURL+")")
	key = fs.String("api-key", os.Getenv(envAPIKey), "API bearer key (env "+envAPIKey+")")
	return url, key
}

func newAPIClient(url, key string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(url, "/"),
		apiKey:  key,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			if e.Code != "" {
				return fmt.Errorf("%s (%s, HTTP %d)", e.Error, e.Code, resp.StatusCode)
			}
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseParams turns repeated k=v flags into a parameter map. Values that
// parse as JSON keep their type.
func parseParams(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func runTaskSubmit(args []string) int {
	fs := newFlagSet("task submit")
	url, key := apiFlags(fs)
	sample := fs.StringP("sample", "s", "", "Sample reference (path or URI)")
	capability := fs.StringP("capability", "C", "", "Analysis capability to run")
	platform := fs.String("platform", "", "Sandbox platform (defaults to the first pool)")
	arch := fs.String("arch", "", "Sandbox architecture")
	priority := fs.IntP("priority", "p", 0, "Priority; higher runs first")
	params := fs.StringArray("param", nil, "Plugin parameter key=value (repeatable)")
	wait := fs.BoolP("wait", "w", false, "Block until the task finishes")
	timeout := fs.Duration("timeout", 30*time.Minute, "Give up waiting after this long")
	jsonOut := fs.Bool("json", false, "Print JSON")
	if !parseFlags(fs, args) {
		return 1
	}
	if *sample == "" || *capability == "" {
		fmt.Fprintln(os.Stderr, "Error: --sample and --capability are required")
		return 1
	}
	p, err := parseParams(*params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	c := newAPIClient(*url, *key)
	ctx := context.Background()
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", api.SubmitRequest{
		SampleRef:  *sample,
		Capability: *capability,
		Platform:   *platform,
		Arch:       *arch,
		Priority:   *priority,
		Parameters: p,
	}, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}

	if !*wait {
		if *jsonOut {
			return printJSON(resp)
		}
		fmt.Println(resp.TaskID)
		return 0
	}

	wctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	rec, err := waitForTask(wctx, c, resp.TaskID, time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Wait failed: %v\n", err)
		return 1
	}
	return printRecord(rec, *jsonOut)
}

func waitForTask(ctx context.Context, c *apiClient, id string, every time.Duration) (*task.Record, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		var rec task.Record
		if err := c.do(ctx, http.MethodGet, "/tasks/"+id, nil, &rec); err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return &rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func printRecord(rec *task.Record, jsonOut bool) int {
	if jsonOut {
		printJSON(rec)
	} else {
		fmt.Printf("task:       %s\n", rec.ID)
		fmt.Printf("capability: %s\n", rec.Capability)
		fmt.Printf("sample:     %s\n", rec.SampleRef)
		fmt.Printf("status:     %s\n", rec.Status)
		if rec.Code != "" {
			fmt.Printf("code:       %s\n", rec.Code)
		}
		if rec.Reason != "" {
			fmt.Printf("reason:     %s\n", rec.Reason)
		}
		if len(rec.Result) > 0 {
			b, _ := json.MarshalIndent(rec.Result, "", "  ")
			fmt.Printf("result:\n%s\n", b)
		}
	}
	if rec.Status == task.StatusFailed {
		return 2
	}
	return 0
}

func singleID(fs *pflag.FlagSet, usage string) (string, bool) {
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, usage)
		return "", false
	}
	return fs.Arg(0), true
}

func runTaskGet(args []string) int {
	fs := newFlagSet("task get")
	url, key := apiFlags(fs)
	jsonOut := fs.Bool("json", false, "Print JSON")
	if !parseFlags(fs, args) {
		return 1
	}
	id, ok := singleID(fs, "Usage: airlock task get <id> [--json]")
	if !ok {
		return 1
	}

	var rec task.Record
	if err := newAPIClient(*url, *key).do(context.Background(), http.MethodGet, "/tasks/"+id, nil, &rec); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return printRecord(&rec, *jsonOut)
}

func runTaskCancel(args []string) int {
	fs := newFlagSet("task cancel")
	url, key := apiFlags(fs)
	reason := fs.String("reason", "cancelled from CLI", "Reason recorded with the cancellation")
	if !parseFlags(fs, args) {
		return 1
	}
	id, ok := singleID(fs, "Usage: airlock task cancel <id> [--reason TEXT]")
	if !ok {
		return 1
	}

	var rec task.Record
	if err := newAPIClient(*url, *key).do(context.Background(), http.MethodDelete, "/tasks/"+id,
		api.CancelRequest{Reason: *reason}, &rec); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("%s %s\n", rec.ID, rec.Status)
	return 0
}
