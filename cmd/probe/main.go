// Command probe joins a relay room as a scripted editor and prints every event
// it receives. It is useful for checking a deployment end to end: subscribe,
// optionally lock and release elements, then watch presence traffic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		logrus.WithError(err).Fatal("Probe failed")
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Join a relay room and print the events it receives",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8081/ws", Usage: "Relay WebSocket URL", Sources: cli.EnvVars("PROBE_URL")},
			&cli.StringFlag{Name: "room", Value: "superposter-edit-1", Usage: "Room to join"},
			&cli.StringFlag{Name: "user", Value: "probe", Usage: "Username to join as"},
			&cli.StringFlag{Name: "window", Usage: "Window id (random when empty)"},
			&cli.StringFlag{Name: "token", Usage: "Auth token", Sources: cli.EnvVars("PROBE_TOKEN")},
			&cli.StringFlag{Name: "lock", Usage: "Comma separated element keys to lock after joining"},
			&cli.DurationFlag{Name: "hold", Value: 2 * time.Second, Usage: "How long to hold locks before releasing them"},
			&cli.DurationFlag{Name: "duration", Usage: "Leave after this long (0 waits for Ctrl-C)"},
			&cli.BoolFlag{Name: "json", Usage: "Print raw frames instead of a summary"},
		},
		Action: run,
	}
}

type options struct {
	url      string
	room     string
	user     string
	window   string
	token    string
	locks    []string
	hold     time.Duration
	duration time.Duration
	raw      bool
}

func run(ctx context.Context, cmd *cli.Command) error {
	opts := options{
		url:      cmd.String("url"),
		room:     cmd.String("room"),
		user:     cmd.String("user"),
		window:   cmd.String("window"),
		token:    cmd.String("token"),
		hold:     cmd.Duration("hold"),
		duration: cmd.Duration("duration"),
		raw:      cmd.Bool("json"),
	}
	if opts.window == "" {
		opts.window = uuid.NewString()
	}
	for _, key := range strings.Split(cmd.String("lock"), ",") {
		if key = strings.TrimSpace(key); key != "" {
			opts.locks = append(opts.locks, key)
		}
	}
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	return probe(ctx, opts, func(line string) { fmt.Fprintln(cmd.Root().Writer, line) })
}

func probe(ctx context.Context, opts options, print func(string)) error {
	log := logrus.WithFields(logrus.Fields{"room": opts.room, "user": opts.user, "window": opts.window})

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.url, err)
	}
	defer conn.Close()
	log.Info("Connected")

	sub, err := subscribeFrame(opts.room, opts.user, opts.window, opts.token)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	var release <-chan time.Time
	joined := false

	for {
		select {
		case data := <-frames:
			if opts.raw {
				print(string(data))
			} else {
				print(describe(data))
			}
			if !joined && isAck(data) {
				joined = true
				if err := sendAll(conn, "lock:element", opts.locks); err != nil {
					return err
				}
				if len(opts.locks) > 0 {
					release = time.After(opts.hold)
				}
			}

		case <-release:
			release = nil
			if err := sendAll(conn, "release:element", opts.locks); err != nil {
				return err
			}

		case err := <-readErr:
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				print(fmt.Sprintf("closed: %d %s", closeErr.Code, closeErr.Text))
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)

		case <-ctx.Done():
			log.Info("Leaving")
			unsub, _ := json.Marshal(map[string]interface{}{"action": "unsub", "data": map[string]string{}})
			conn.WriteMessage(websocket.TextMessage, unsub)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}

func subscribeFrame(room, user, window, token string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"action": "sub",
		"data": map[string]interface{}{
			"room":      room,
			"user":      map[string]string{"username": user},
			"windowId":  window,
			"authToken": token,
		},
	})
}

func elementFrame(typ, key string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"action": "message",
		"data": map[string]interface{}{
			"data": map[string]string{"type": typ, "elKey": key},
		},
	})
}

func sendAll(conn *websocket.Conn, typ string, keys []string) error {
	for _, key := range keys {
		frame, err := elementFrame(typ, key)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("failed to send %s %s: %w", typ, key, err)
		}
	}
	return nil
}

type inbound struct {
	Action string `json:"action"`
	Data   struct {
		Room  string            `json:"room"`
		Users []json.RawMessage `json:"users"`
		Type  string            `json:"type"`
		User  struct {
			Username       string   `json:"username"`
			LockedElements []string `json:"lockedElements"`
		} `json:"user"`
		Data struct {
			Type  string `json:"type"`
			ElKey string `json:"elKey"`
		} `json:"data"`
	} `json:"data"`
}

func isAck(data []byte) bool {
	var f inbound
	return json.Unmarshal(data, &f) == nil && f.Action == "sub"
}

// describe renders a relay frame as one human-readable line.
func describe(data []byte) string {
	var f inbound
	if err := json.Unmarshal(data, &f); err != nil {
		return "unreadable frame: " + string(data)
	}

	switch {
	case f.Action == "sub":
		return fmt.Sprintf("joined %s with %d other member(s)", f.Data.Room, len(f.Data.Users))
	case f.Data.Type == "userjoin":
		return "userjoin " + f.Data.User.Username
	case f.Data.Type == "userleave":
		line := "userleave " + f.Data.User.Username
		if len(f.Data.User.LockedElements) > 0 {
			line += " (held " + strings.Join(f.Data.User.LockedElements, ", ") + ")"
		}
		return line
	case f.Data.Data.Type != "":
		return f.Data.Data.Type + " " + f.Data.Data.ElKey
	}
	return "frame " + string(data)
}
