package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Complete sends a non-streaming request and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	req.Stream = false
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()
	rc, err := c.send(ctx, req)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var resp chatCompletion
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return "", fmt.Errorf("decoding completion: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrUpstream, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openrouter: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends a streaming request and calls onToken for every content delta
// in the SSE body. It returns when the server sends [DONE], the body ends,
// onToken fails, or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onToken func(string) error) error {
	req.Stream = true
	rc, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		// Blank lines separate events; ":" lines are keep-alive comments.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("%w: %s", ErrUpstream, chunk.Error.Message)
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			if err := onToken(ch.Delta.Content); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
