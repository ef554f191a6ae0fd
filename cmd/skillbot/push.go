// ABOUTME: push command sending an intent to a user through a running server's push API
// ABOUTME: Prints the session result returned by the server

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/gateway"
)

var pushOpts struct {
	url      string
	token    string
	platform string
	toType   string
	to       string
	intent   string
	params   map[string]string
	language string
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Start a skill for a user through the push API",
	Example: `  skillbot push --url https://bot.example.ts.net --to U123 --intent remind_payment \
    --param due=2024-05-01 --language en`,
	RunE: runPush,
}

func init() {
	f := pushCmd.Flags()
	f.StringVar(&pushOpts.url, "url", "http://localhost:8080", "base URL of the skillbot server")
	f.StringVar(&pushOpts.token, "token", "", "bearer token (default $SKILLBOT_TOKEN)")
	f.StringVar(&pushOpts.platform, "platform", "line", "messenger platform of the recipient")
	f.StringVar(&pushOpts.toType, "to-type", conversation.SourceUser, "recipient type: user, group or room")
	f.StringVar(&pushOpts.to, "to", "", "recipient id (required)")
	f.StringVar(&pushOpts.intent, "intent", "", "intent name (required)")
	f.StringToStringVar(&pushOpts.params, "param", nil, "intent parameter as key=value, repeatable")
	f.StringVar(&pushOpts.language, "language", "", "recipient language")
	_ = pushCmd.MarkFlagRequired("to")
	_ = pushCmd.MarkFlagRequired("intent")
}

func runPush(cmd *cobra.Command, _ []string) error {
	token := pushOpts.token
	if token == "" {
		token = os.Getenv("SKILLBOT_TOKEN")
	}
	if token == "" {
		return errors.New("--token or SKILLBOT_TOKEN is required")
	}

	params := make(map[string]any, len(pushOpts.params))
	for k, v := range pushOpts.params {
		params[k] = v
	}
	body, err := json.Marshal(gateway.PushRequest{
		Platform: pushOpts.platform,
		To:       conversation.Recipient{Type: pushOpts.toType, ID: pushOpts.to},
		Intent:   conversation.Intent{Name: pushOpts.intent, Parameters: params},
		Language: pushOpts.language,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	out, err := postPush(ctx, pushOpts.url, token, body)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
	return nil
}

func postPush(ctx context.Context, baseURL, token string, body []byte) ([]byte, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/api/push"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, nil
}
