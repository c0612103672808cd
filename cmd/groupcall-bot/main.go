// Command groupcall-bot is a minimal demo participant: it enters a group
// call via groupcalld's REST surface, watches the participants-changed
// feed over a websocket, and leaves on interrupt. Grounded in the
// teacher's cmd/bot (urfave/cli flag parsing) and internal/bot.Bot
// (http.Client + gorilla/websocket dial, signal-driven shutdown).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "groupcall-bot",
		Usage: "demo participant for the group call core",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "localhost:3001", Usage: "groupcalld host"},
			&cli.StringFlag{Name: "room", Required: true, Usage: "room id"},
			&cli.StringFlag{Name: "call", Required: true, Usage: "call id"},
			&cli.StringFlag{Name: "user", Required: true, Usage: "user id, e.g. @alice:example.org"},
			&cli.StringFlag{Name: "device", Required: true, Usage: "device id"},
			&cli.StringFlag{Name: "backend", Value: "mesh", Usage: "mesh or livekit"},
			&cli.BoolFlag{Name: "e2ee", Usage: "enable end-to-end encryption"},
		},
		Action: startBot,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func startBot(c *cli.Context) error {
	bot := &bot{
		host:    c.String("host"),
		room:    c.String("room"),
		call:    c.String("call"),
		user:    c.String("user"),
		device:  c.String("device"),
		backend: c.String("backend"),
		e2ee:    c.Bool("e2ee"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	return bot.run()
}

type bot struct {
	host, room, call, user, device, backend string
	e2ee                                    bool
	client                                  *http.Client
	wsConn                                  *websocket.Conn
}

func (b *bot) run() error {
	if err := b.enter(); err != nil {
		return fmt.Errorf("enter: %w", err)
	}
	defer b.leave()

	if err := b.dialWatch(); err != nil {
		return fmt.Errorf("dial watch socket: %w", err)
	}
	defer b.wsConn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := b.wsConn.ReadMessage()
			if err != nil {
				fmt.Printf("read error: %v\n", err)
				return
			}
			fmt.Printf("participants changed: %s\n", message)
		}
	}()

	select {
	case <-done:
		return nil
	case <-interrupt:
		_ = b.wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

func (b *bot) enter() error {
	body, err := json.Marshal(map[string]interface{}{
		"user_id":     b.user,
		"device_id":   b.device,
		"backend":     b.backend,
		"enable_e2ee": b.e2ee,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("http://%s/rooms/%s/calls/%s/enter", b.host, b.room, b.call)
	resp, err := b.client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("enter failed: %s", resp.Status)
	}
	return nil
}

func (b *bot) leave() {
	endpoint := fmt.Sprintf("http://%s/rooms/%s/calls/%s/leave", b.host, b.room, b.call)
	resp, err := b.client.Post(endpoint, "application/json", nil)
	if err != nil {
		fmt.Printf("leave error: %v\n", err)
		return
	}
	resp.Body.Close()
}

func (b *bot) dialWatch() error {
	u := url.URL{
		Scheme:   "ws",
		Host:     b.host,
		Path:     "/ws",
		RawQuery: url.Values{"room_id": {b.room}, "call_id": {b.call}}.Encode(),
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	b.wsConn = conn
	return nil
}
