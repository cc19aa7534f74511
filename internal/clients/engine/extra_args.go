package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	extraArgsOpen  = "<sd_cpp_extra_args>"
	extraArgsClose = "</sd_cpp_extra_args>"
)

// AppendExtraArgs appends side-channel parameters to the prompt as a
// sentinel-wrapped JSON suffix. Engines that understand the sentinel strip
// it before conditioning; parameters with no native body field travel this
// way.
func AppendExtraArgs(prompt string, extra map[string]interface{}) string {
	if len(extra) == 0 {
		return prompt
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return prompt
	}
	return prompt + extraArgsOpen + string(data) + extraArgsClose
}

// Ping probes the engine's health endpoint. Any response below 500 counts
// as ready; the engine is considered up once it answers HTTP at all.
func (c *Client) Ping(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("engine health returned status %d", resp.StatusCode)
	}
	return nil
}
