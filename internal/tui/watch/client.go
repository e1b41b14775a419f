package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/airlock/internal/api"
	"github.com/mattjoyce/airlock/internal/events"
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type workersMsg api.WorkersResponse

type pluginsMsg api.PluginsResponse

type tickMsg time.Time

// errMsg carries a failed request and which poller it belongs to.
type errMsg struct {
	source string
	err    error
}

func (e errMsg) Error() string { return e.source + ": " + e.err.Error() }

type sseDisconnectedMsg struct{ lastID int64 }
type reconnectMsg struct{}

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stream  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 2 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) getJSON(path string, v any) error {
	req, err := c.newRequest(context.Background(), path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) fetchHealth() tea.Msg {
	var h api.HealthzResponse
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg{"health", err}
	}
	return healthMsg(h)
}

func (c *Client) fetchWorkers() tea.Msg {
	var w api.WorkersResponse
	if err := c.getJSON("/workers", &w); err != nil {
		return errMsg{"workers", err}
	}
	return workersMsg(w)
}

func (c *Client) fetchPlugins() tea.Msg {
	var p api.PluginsResponse
	if err := c.getJSON("/plugins", &p); err != nil {
		return errMsg{"plugins", err}
	}
	return pluginsMsg(p)
}

// subscribe streams /events into ch, resuming after lastID. It returns
// sseDisconnectedMsg carrying the last id seen once the stream ends.
func (c *Client) subscribe(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(context.Background(), "/events")
		if err != nil {
			return errMsg{"events", err}
		}
		req.Header.Set("Accept", "text/event-stream")
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := c.stream.Do(req)
		if err != nil {
			return sseDisconnectedMsg{lastID: lastID}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{"events", fmt.Errorf("GET /events: %s", resp.Status)}
		}

		lastID = readSSE(bufio.NewScanner(resp.Body), lastID, ch)
		return sseDisconnectedMsg{lastID: lastID}
	}
}

// readSSE parses an event stream until EOF and returns the highest id seen.
func readSSE(scanner *bufio.Scanner, lastID int64, ch chan<- events.Event) int64 {
	var ev events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				ev.Data = json.RawMessage(data.String())
				if ev.At.IsZero() {
					ev.At = time.Now()
				}
				if ev.ID > lastID {
					lastID = ev.ID
				}
				ch <- ev
			}
			ev = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				ev.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			ev.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[6:])
		}
	}
	return lastID
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
