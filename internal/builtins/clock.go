// ABOUTME: current_time tool reports the time in the user's timezone
// ABOUTME: Falls back to UTC when neither the call nor the user names a zone

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata" // zone names resolve even on hosts without zoneinfo

	"github.com/2389/coven-turns/internal/tools"
)

// ClockTool returns the current_time tool. now may be nil.
func ClockTool(now func() time.Time) *tools.Tool {
	if now == nil {
		now = time.Now
	}
	c := &clock{now: now}
	return &tools.Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a given IANA timezone",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA name such as Europe/Paris"}}}`),
		Risk:        tools.RiskNone,
		Handler:     c.Now,
	}
}

type clock struct {
	now func() time.Time
}

type clockInput struct {
	Timezone string `json:"timezone"`
}

func (c *clock) Now(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in clockInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	zone := in.Timezone
	if zone == "" {
		zone = tools.CallInfoFrom(ctx).Timezone
	}
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", zone)
	}

	t := c.now().In(loc)
	return json.Marshal(map[string]any{
		"time":     t.Format(time.RFC3339),
		"timezone": zone,
		"weekday":  t.Weekday().String(),
		"unix":     t.Unix(),
	})
}
