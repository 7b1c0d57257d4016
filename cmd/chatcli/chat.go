package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"vibechat/internal/chatapi"
	"vibechat/internal/config"
	"vibechat/internal/live"
	"vibechat/internal/logging"
	"vibechat/internal/security"
	"vibechat/internal/session"
)

func runChat(parent context.Context, cfg *config.Client, conversationID string, in io.Reader, out io.Writer) error {
	if cfg.Token == "" {
		return errors.New("no token: run `chatcli login` or set CHAT_TOKEN")
	}
	selfID := cfg.SelfID
	if selfID == "" {
		sub, err := security.UnverifiedSubject(cfg.Token)
		if err != nil {
			return fmt.Errorf("read user id from token: %w", err)
		}
		selfID = sub
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := live.New(live.Config{
		URL:              cfg.WSURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		BackoffMin:       cfg.ReconnectMin,
		BackoffMax:       cfg.ReconnectMax,
	}, logger)
	defer sup.Close()

	sess := session.New(session.Options{
		SelfID:            selfID,
		PageSize:          cfg.HistoryPageSize,
		SendTimeout:       cfg.SendTimeout,
		EchoMatchWindow:   cfg.EchoMatchWindow,
		ReadBatchWindow:   cfg.ReadBatchWindow,
		AckConcurrency:    cfg.AckConcurrency,
		AckMaxAttempts:    cfg.AckMaxAttempts,
		ResyncOnReconnect: cfg.ResyncOnReconnect,
	}, sup, chatapi.New(cfg.APIURL, cfg.Token), logger)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if err := sup.Connect(ctx, cfg.Token); err != nil {
		return err
	}
	if err := sess.Open(ctx, conversationID); err != nil {
		return fmt.Errorf("open %s: %w", conversationID, err)
	}

	r := newRenderer(out, selfID)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for snap := range sess.Subscribe(ctx) {
			r.render(snap)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-rendered
			return nil
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if authErr := sup.Err(); authErr != nil {
				return authErr
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				stop()
				continue
			}
			if quit := handleLine(ctx, sess, r, strings.TrimSpace(line)); quit {
				stop()
			}
		}
	}
}

// handleLine runs one line of user input and reports whether to quit.
func handleLine(ctx context.Context, sess *session.Session, r *renderer, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := sess.Submit(ctx, line); err != nil {
			r.notice("send failed: %v", err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/older":
		if err := sess.LoadOlder(ctx); err != nil {
			r.notice("load older: %v", err)
		}
	case "/retry":
		if rest == "" {
			r.notice("usage: /retry <tempId>")
			return false
		}
		if _, err := sess.Retry(ctx, rest); err != nil {
			r.notice("retry %s: %v", rest, err)
		}
	case "/offer":
		payload, text, err := splitOffer(rest)
		if err != nil {
			r.notice("usage: /offer <json> <text>: %v", err)
			return false
		}
		if _, err := sess.SubmitOffer(ctx, text, payload); err != nil {
			r.notice("offer failed: %v", err)
		}
	default:
		r.notice("unknown command %s", cmd)
	}
	return false
}

// splitOffer reads a leading JSON value and returns it with the remaining
// text.
func splitOffer(s string) (json.RawMessage, string, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	var payload json.RawMessage
	if err := dec.Decode(&payload); err != nil {
		return nil, "", err
	}
	text := strings.TrimSpace(s[dec.InputOffset():])
	if text == "" {
		return nil, "", errors.New("missing text")
	}
	return payload, text, nil
}
