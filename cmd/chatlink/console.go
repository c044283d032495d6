// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chatlink/lib/clock"
	"github.com/bureau-foundation/chatlink/lib/events"
	"github.com/bureau-foundation/chatlink/lib/schema"
	"github.com/bureau-foundation/chatlink/messagestore"
	"github.com/bureau-foundation/chatlink/session"
)

const (
	defaultHistoryLimit = 20
	defaultAckTimeout   = 30 * time.Second

	// shortIDLength is how much of a message id the console prints.
	// /delete accepts any unambiguous prefix.
	shortIDLength = 8
)

var errNoConversation = errors.New("no conversation selected; use /connect <peer> or /to <peer>")

// commandInfo describes one slash command.
type commandInfo struct {
	name    string
	args    string
	minArgs int
	maxArgs int
	help    string
}

var commandTable = []commandInfo{
	{name: "connect", args: "<peer>", minArgs: 1, maxArgs: 1, help: "start a session with peer and switch to it"},
	{name: "to", args: "<peer>", minArgs: 1, maxArgs: 1, help: "switch the conversation without connecting"},
	{name: "peers", help: "list sessions"},
	{name: "history", args: "[limit]", maxArgs: 1, help: "show the latest messages of the conversation"},
	{name: "read", help: "send read receipts for unread messages"},
	{name: "typing", help: "toggle the typing indicator"},
	{name: "delete", args: "<id>", minArgs: 1, maxArgs: 1, help: "delete a message here and at the peer"},
	{name: "close", help: "close the conversation's session"},
	{name: "help", help: "show this list"},
	{name: "quit", help: "exit"},
}

func lookupCommand(name string) (commandInfo, bool) {
	for _, info := range commandTable {
		if info.name == name {
			return info, true
		}
	}
	return commandInfo{}, false
}

// command is one parsed input line. An empty name is a chat message
// whose body is text; an empty name and empty text is a blank line.
type command struct {
	name string
	args []string
	text string
}

// parseCommand parses one input line. Lines starting with "/" are
// commands; "//" escapes a message that starts with a slash.
func parseCommand(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return command{}, nil
	}
	if strings.HasPrefix(trimmed, "//") {
		return command{text: trimmed[1:]}, nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		return command{text: trimmed}, nil
	}

	fields := strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command; try /help")
	}
	info, ok := lookupCommand(fields[0])
	if !ok {
		return command{}, fmt.Errorf("unknown command /%s; try /help", fields[0])
	}
	args := fields[1:]
	if len(args) < info.minArgs || len(args) > info.maxArgs {
		return command{}, fmt.Errorf("usage: %s", strings.TrimSpace("/"+info.name+" "+info.args))
	}
	return command{name: info.name, args: args}, nil
}

// console drives a node from line input and prints what happens to
// it.
type console struct {
	node       *node
	clock      clock.Clock
	logger     *slog.Logger
	ackTimeout time.Duration

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	peer     string
	watching map[*session.Session]bool

	deliveries sync.WaitGroup
	cancels    []func()
}

func newConsole(n *node, out io.Writer, clk clock.Clock) *console {
	c := &console{
		node:       n,
		clock:      clk,
		logger:     n.logger,
		ackTimeout: defaultAckTimeout,
		out:        out,
		watching:   make(map[*session.Session]bool),
	}
	storeEvents := n.store.Events()
	c.cancels = append(c.cancels,
		events.Subscribe(storeEvents, messagestore.AddedTopic, c.messageAdded),
		events.Subscribe(storeEvents, messagestore.UpdatedTopic, c.messageUpdated),
		events.Subscribe(storeEvents, messagestore.DeletedTopic, func(deleted messagestore.Deleted) {
			c.printf("deleted %s from %s\n", shortID(deleted.ID), deleted.ChatID)
		}),
		events.Subscribe(n.manager.Events(), session.UpsertTopic, c.watch),
	)
	return c
}

// Close unsubscribes from the node.
func (c *console) Close() {
	for _, cancel := range c.cancels {
		cancel()
	}
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) currentPeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *console) setPeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = peerID
}

// watch prints the lifecycle of a new session. The manager replays
// its latest session, so the same session can arrive twice.
func (c *console) watch(peer *session.Session) {
	c.mu.Lock()
	if c.watching[peer] {
		c.mu.Unlock()
		return
	}
	c.watching[peer] = true
	c.mu.Unlock()

	bus := peer.Events()
	var (
		finish      sync.Once
		stopOpen    func()
		stopTyping  func()
		stopClosing func()
	)
	closed := func(peerID string, err error) {
		finish.Do(func() {
			stopOpen()
			stopTyping()
			c.mu.Lock()
			delete(c.watching, peer)
			c.mu.Unlock()
			if err != nil {
				c.printf("disconnected from %s: %v\n", peerID, err)
				return
			}
			c.printf("disconnected from %s\n", peerID)
		})
	}

	stopOpen = events.Once(bus, session.OpenTopic, func(event session.OpenEvent) {
		c.printf("connected to %s\n", event.PeerID)
	})
	stopTyping = events.Subscribe(bus, session.ChatStateTopic, func(event session.ChatStateEvent) {
		if event.State.Type == schema.ChatStateComposing {
			c.printf("%s is typing\n", event.PeerID)
		}
	})
	stopClosing = events.Once(bus, session.CloseTopic, func(event session.CloseEvent) {
		closed(event.PeerID, event.Err)
	})

	// The bus does not replay, so a session that closed before the
	// subscriptions above never publishes CloseTopic to them.
	if peer.State() == session.StateClosed {
		stopClosing()
		closed(peer.PeerID(), peer.Err())
	}
}

func (c *console) messageAdded(message *schema.Message) {
	if message.FromMe {
		return
	}
	c.printf("%s\n", formatMessage(message))
}

func (c *console) messageUpdated(message *schema.Message) {
	if !message.FromMe {
		return
	}
	c.printf("%s to %s: %s\n", shortID(message.ID), message.ChatID, message.Status)
}

// run reads input until EOF, /quit, ctx cancellation or loss of the
// relay connection. It waits for outstanding deliveries before
// returning.
func (c *console) run(ctx context.Context, input io.Reader, interactive bool) error {
	defer c.deliveries.Wait()

	lines := make(chan string)
	readDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readDone <- scanner.Err()
	}()

	relayDone := c.node.client.Done()
	for {
		if interactive {
			c.printf("%s> ", c.currentPeer())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-relayDone:
			return errors.New("signaling relay connection lost")
		case err := <-readDone:
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			return nil
		case line := <-lines:
			parsed, err := parseCommand(line)
			if err != nil {
				c.printf("%v\n", err)
				continue
			}
			quit, err := c.execute(ctx, parsed)
			if err != nil {
				c.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// execute runs one parsed line. quit reports /quit.
func (c *console) execute(ctx context.Context, cmd command) (quit bool, err error) {
	switch cmd.name {
	case "":
		if cmd.text == "" {
			return false, nil
		}
		return false, c.send(ctx, cmd.text)
	case "connect":
		return false, c.connect(ctx, cmd.args[0])
	case "to":
		c.setPeer(cmd.args[0])
		return false, nil
	case "peers":
		c.listPeers()
		return false, nil
	case "history":
		limit := defaultHistoryLimit
		if len(cmd.args) == 1 {
			limit, err = strconv.Atoi(cmd.args[0])
			if err != nil || limit <= 0 {
				return false, fmt.Errorf("history limit must be a positive number, got %q", cmd.args[0])
			}
		}
		return false, c.history(ctx, limit)
	case "read":
		return false, c.markRead(ctx)
	case "typing":
		return false, c.toggleTyping()
	case "delete":
		return false, c.delete(ctx, cmd.args[0])
	case "close":
		peerID := c.currentPeer()
		if peerID == "" {
			return false, errNoConversation
		}
		c.node.manager.StopSession(peerID)
		return false, nil
	case "help":
		c.printHelp()
		return false, nil
	case "quit":
		return true, nil
	}
	return false, fmt.Errorf("unhandled command /%s", cmd.name)
}

func (c *console) connect(ctx context.Context, peerID string) error {
	if peerID == c.node.selfID {
		return fmt.Errorf("cannot connect to self (%s)", peerID)
	}
	c.setPeer(peerID)
	_, err := c.node.manager.StartSession(ctx, peerID)
	if errors.Is(err, session.ErrSessionExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", peerID, err)
	}
	c.printf("connecting to %s\n", peerID)
	return nil
}

// requireSession returns the session of the current conversation.
func (c *console) requireSession() (*session.Session, error) {
	peerID := c.currentPeer()
	if peerID == "" {
		return nil, errNoConversation
	}
	peer := c.node.manager.Session(peerID)
	if peer == nil {
		return nil, fmt.Errorf("%w: %s; use /connect %s", session.ErrNoSession, peerID, peerID)
	}
	return peer, nil
}

// send stores the message as in flight and delivers it in the
// background. The stored status ends up sent or failed.
func (c *console) send(ctx context.Context, text string) error {
	peer, err := c.requireSession()
	if err != nil {
		return err
	}
	message := &schema.Message{
		ID:          uuid.NewString(),
		ChatID:      peer.PeerID(),
		Timestamp:   c.clock.Now().UnixMilli(),
		TextMessage: &schema.TextMessage{Text: text},
		FromMe:      true,
		SenderID:    c.node.selfID,
		Status:      schema.StatusClock,
	}
	if err := c.node.store.Add(ctx, message); err != nil {
		return err
	}
	c.deliveries.Add(1)
	go c.deliver(ctx, peer, message)
	return nil
}

func (c *console) deliver(ctx context.Context, peer *session.Session, message *schema.Message) {
	defer c.deliveries.Done()

	sendCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	status := schema.StatusSent
	err := peer.WaitOpen(sendCtx)
	if err == nil {
		err = peer.SendMessage(sendCtx, message)
	}
	if err != nil {
		status = schema.StatusFailed
		c.logger.Warn("message not delivered",
			"peer", message.ChatID,
			"message", message.ID,
			"error", err,
		)
	}
	// Record the outcome even when shutdown cancelled the send.
	if err := c.node.store.SetStatus(context.WithoutCancel(ctx), message.ChatID, message.ID, status); err != nil {
		c.logger.Warn("recording message status failed", "message", message.ID, "error", err)
	}
}

func (c *console) listPeers() {
	current := c.currentPeer()
	sessions := c.node.manager.Sessions()
	if len(sessions) == 0 {
		c.printf("no sessions\n")
		return
	}
	for _, peer := range sessions {
		marker := " "
		if peer.PeerID() == current {
			marker = "*"
		}
		c.printf("%s %s %s\n", marker, peer.PeerID(), peer.State())
	}
}

func (c *console) history(ctx context.Context, limit int) error {
	peerID := c.currentPeer()
	if peerID == "" {
		return errNoConversation
	}
	messages, err := c.node.store.ListByChat(ctx, peerID, messagestore.Range{Limit: limit})
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		c.printf("no messages with %s\n", peerID)
		return nil
	}
	for _, message := range messages {
		c.printf("%s\n", formatMessage(message))
	}
	return nil
}

// markRead sends a read receipt for every incoming message of the
// conversation that has none and records the read time locally.
func (c *console) markRead(ctx context.Context) error {
	peer, err := c.requireSession()
	if err != nil {
		return err
	}
	messages, err := c.node.store.ListByChat(ctx, peer.PeerID(), messagestore.Range{})
	if err != nil {
		return err
	}
	now := c.clock.Now().UnixMilli()
	for _, message := range messages {
		if message.FromMe || message.ReadTimestamp != nil {
			continue
		}
		if err := peer.SendRead(message.ID, now); err != nil {
			return fmt.Errorf("sending read receipt for %s: %w", shortID(message.ID), err)
		}
		readAt := now
		message.ReadTimestamp = &readAt
		if err := c.node.store.Update(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (c *console) toggleTyping() error {
	peer, err := c.requireSession()
	if err != nil {
		return err
	}
	if peer.LocalChatState().Type == schema.ChatStateComposing {
		return peer.SetChatState(schema.Paused(c.clock.Now().UnixMilli()))
	}
	return peer.SetChatState(schema.Composing())
}

// delete removes the message whose id starts with prefix from the
// conversation, locally and at the peer.
func (c *console) delete(ctx context.Context, prefix string) error {
	peerID := c.currentPeer()
	if peerID == "" {
		return errNoConversation
	}
	messages, err := c.node.store.ListByChat(ctx, peerID, messagestore.Range{})
	if err != nil {
		return err
	}
	var matches []string
	for _, message := range messages {
		if strings.HasPrefix(message.ID, prefix) {
			matches = append(matches, message.ID)
		}
	}
	switch len(matches) {
	case 0:
		return fmt.Errorf("%w: %s", messagestore.ErrNotFound, prefix)
	case 1:
	default:
		return fmt.Errorf("id prefix %q matches %d messages", prefix, len(matches))
	}
	return c.node.store.Delete(ctx, peerID, matches[0], true)
}

func (c *console) printHelp() {
	for _, info := range commandTable {
		usage := "/" + info.name
		if info.args != "" {
			usage += " " + info.args
		}
		c.printf("  %-18s %s\n", usage, info.help)
	}
	c.printf("  %-18s %s\n", "<text>", "send text to the conversation")
}

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}

// formatMessage renders one stored message as a history line.
func formatMessage(message *schema.Message) string {
	at := time.UnixMilli(message.Timestamp).Format(time.TimeOnly)
	if message.FromMe {
		return fmt.Sprintf("%s %s me> %s [%s]", at, shortID(message.ID), message.Text(), message.Status)
	}
	line := fmt.Sprintf("%s %s %s> %s", at, shortID(message.ID), message.ChatID, message.Text())
	if message.ReadTimestamp == nil {
		line += " [unread]"
	}
	return line
}
