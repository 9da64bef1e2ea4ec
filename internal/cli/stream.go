package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/view"
)

// Frame is one server-sent event from /v1/events. Exactly one of Snapshot
// and Event is set.
type Frame struct {
	Snapshot []coinflip.Match
	Event    *view.Personal
}

// Stream reads the event stream until ctx is done, the server hangs up, or
// fn returns an error. The first frame is always a snapshot.
func (c *Client) Stream(ctx context.Context, accessToken string, fn func(Frame) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	// The regular client timeout would cut a long-lived stream.
	httpClient := *c.HTTP
	httpClient.Timeout = 0
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return readFrames(bufio.NewScanner(resp.Body), fn)
}

func readFrames(sc *bufio.Scanner, fn func(Frame) error) error {
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var kind string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if kind == "" && data.Len() == 0 {
				continue
			}
			frame, err := decodeFrame(kind, data.String())
			kind = ""
			data.Reset()
			if err != nil {
				return err
			}
			if err := fn(frame); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

func decodeFrame(kind, data string) (Frame, error) {
	if kind == "snapshot" {
		var snap struct {
			Matches []coinflip.Match `json:"matches"`
		}
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return Frame{}, fmt.Errorf("decode snapshot: %w", err)
		}
		if snap.Matches == nil {
			snap.Matches = []coinflip.Match{}
		}
		return Frame{Snapshot: snap.Matches}, nil
	}
	var ev view.Personal
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return Frame{}, fmt.Errorf("decode %s event: %w", kind, err)
	}
	if ev.Kind == "" {
		ev.Kind = coinflip.EventKind(kind)
	}
	return Frame{Event: &ev}, nil
}
