// Command dispatch-chat is an interactive console client for the DispatchPipe HTTP API.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/BTreeMap/DispatchPipe/internal/api"
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

func main() {
	server := flag.String("server", envOr("DISPATCH_SERVER", "http://localhost:8080"), "DispatchPipe API base URL (overrides $DISPATCH_SERVER)")
	user := flag.String("user", os.Getenv("USER"), "user name shown to the bot")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := newChatClient(*server, *user)
	if err := c.run(ctx, os.Stdin, os.Stdout); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type chatClient struct {
	baseURL        string
	http           *http.Client
	userID         string
	userName       string
	conversationID string
	choices        []models.Choice // choices offered by the last prompt
}

func newChatClient(baseURL, userName string) *chatClient {
	return &chatClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		userID:   uuid.NewString(),
		userName: userName,
	}
}

// run joins a new conversation and relays lines until EOF.
func (c *chatClient) run(ctx context.Context, in io.Reader, out io.Writer) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	msgs, err := c.start(ctx)
	if err != nil {
		return err
	}
	cyan.Fprintf(out, "Conversation %s (Ctrl+D to exit)\n\n", c.conversationID)
	c.print(out, msgs)

	scanner := bufio.NewScanner(in)
	for {
		green.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msgs, err := c.send(ctx, c.resolve(line))
		if err != nil {
			color.New(color.FgRed).Fprintf(out, "Error: %v\n", err)
			continue
		}
		c.print(out, msgs)
	}
}

// resolve maps a choice number typed by the user to the choice value.
func (c *chatClient) resolve(line string) string {
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(c.choices) {
		return c.choices[n-1].Value
	}
	return line
}

func (c *chatClient) print(out io.Writer, msgs []models.OutboundMessage) {
	bot := color.New(color.FgYellow)
	dim := color.New(color.Faint)
	c.choices = nil
	for _, m := range msgs {
		if m.Text != "" {
			bot.Fprintln(out, m.Text)
		}
		if m.Kind == models.OutboundKindChoice {
			for i, ch := range m.Choices {
				dim.Fprintf(out, "  %d. %s\n", i+1, ch.Label)
			}
			c.choices = m.Choices
		}
	}
}

func (c *chatClient) start(ctx context.Context) ([]models.OutboundMessage, error) {
	body := map[string]string{"user_id": c.userID, "user_name": c.userName}
	res, err := c.post(ctx, "/conversations", body)
	if err != nil {
		return nil, err
	}
	c.conversationID = res.ConversationID
	return res.Messages, nil
}

func (c *chatClient) send(ctx context.Context, text string) ([]models.OutboundMessage, error) {
	if c.conversationID == "" {
		return nil, errors.New("no conversation started")
	}
	body := map[string]string{"id": uuid.NewString(), "user_id": c.userID, "user_name": c.userName, "text": text}
	res, err := c.post(ctx, "/conversations/"+c.conversationID+"/turns", body)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func (c *chatClient) post(ctx context.Context, path string, body interface{}) (*api.ConversationResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result api.ConversationResult
	env := models.APIResponse{Result: &result}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("invalid response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Status != string(models.APIStatusOK) {
		return nil, fmt.Errorf("server error (HTTP %d): %s", resp.StatusCode, env.Message)
	}
	return &result, nil
}
