// Package loki pushes routing events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize strips characters that are invalid in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:.]`)

// eventFields parses only the fields needed for labels and timestamp from an
// event JSON payload.
type eventFields struct {
	APIKey    string `json:"apiKey"`
	Type      string `json:"type"`
	Device    string `json:"device"`
	App       string `json:"app"`
	CreatedAt string `json:"createdAt"`
}

// PushEventJSON parses the event JSON (Kafka message value), extracts
// timestamp and labels, and pushes it to Loki at baseURL. If parsing fails
// the raw line is pushed with the current time and the job label only.
func PushEventJSON(ctx context.Context, baseURL string, rawJSON []byte) error {
	labels := map[string]string{"job": "logflume"}
	ts := time.Now().UTC()
	var fields eventFields
	if err := json.Unmarshal(rawJSON, &fields); err == nil {
		if fields.APIKey != "" {
			labels["api_key"] = sanitizeLabel(fields.APIKey)
		}
		if fields.Type != "" {
			labels["event_type"] = sanitizeLabel(fields.Type)
		}
		if fields.Device != "" {
			labels["device"] = sanitizeLabel(fields.Device)
		}
		if fields.App != "" {
			labels["app"] = sanitizeLabel(fields.App)
		}
		if fields.CreatedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, fields.CreatedAt); err == nil {
				ts = t
			}
		}
	}
	body := PushRequest{Streams: []Stream{{
		Stream: labels,
		Values: [][]string{{strconv.FormatInt(ts.UnixNano(), 10), string(rawJSON)}},
	}}}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("loki push: unexpected status %s", resp.Status)
	}
	return nil
}

func sanitizeLabel(v string) string {
	return labelSanitize.ReplaceAllString(v, "_")
}
