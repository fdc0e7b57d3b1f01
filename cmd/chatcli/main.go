// chatcli is a terminal client for the chat gateway: login, chat listing,
// history, sending, and a live watch mode over the realtime channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"PPClient/global/config"
	"PPClient/logger"
	"PPClient/model"
	"PPClient/service/chat"
)

func main() {
	app := &cli.App{
		Name:  "chatcli",
		Usage: "chat gateway client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
			},
		},
		Commands: []*cli.Command{
			loginCmd(),
			registerCmd(),
			logoutCmd(),
			chatsCmd(),
			historyCmd(),
			sendCmd(),
			watchCmd(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chatcli:", err)
		os.Exit(1)
	}
}

func newSession(c *cli.Context) (*chat.Session, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	return chat.NewSession(cfg), nil
}

func loginCmd() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "authenticate and store the credential",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			s, err := newSession(c)
			if err != nil {
				return err
			}
			defer s.Close()
			user, err := s.Login(c.Context, c.String("username"), c.String("password"))
			if err != nil {
				return err
			}
			fmt.Printf("logged in as %s (%s)\n", user.Username, user.ID)
			return nil
		},
	}
}

func registerCmd() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "create an account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			s, err := newSession(c)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Register(c.Context, c.String("username"), c.String("password")); err != nil {
				return err
			}
			fmt.Println("registered")
			return nil
		},
	}
}

func logoutCmd() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "drop the stored credential",
		Action: func(c *cli.Context) error {
			s, err := newSession(c)
			if err != nil {
				return err
			}
			defer s.Close()
			s.Logout()
			fmt.Println("logged out")
			return nil
		},
	}
}

func chatsCmd() *cli.Command {
	return &cli.Command{
		Name:  "chats",
		Usage: "list chats",
		Action: func(c *cli.Context) error {
			s, err := resumedSession(c)
			if err != nil {
				return err
			}
			defer s.Close()
			chats, err := s.Chats(c.Context)
			if err != nil {
				return err
			}
			for _, ch := range chats {
				name := ch.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%s  %-7s  %s\n", ch.ID, ch.Kind, name)
			}
			return nil
		},
	}
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "print the latest page of a chat",
		ArgsUsage: "<chat-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: history <chat-id>")
			}
			s, err := resumedSession(c)
			if err != nil {
				return err
			}
			defer s.Close()
			msgs, err := s.OpenChat(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		},
	}
}

func sendCmd() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "send one message and wait for confirmation",
		ArgsUsage: "<chat-id> <text>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("usage: send <chat-id> <text>")
			}
			chatID := c.Args().Get(0)
			text := c.Args().Get(1)

			s, err := resumedSession(c)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Connect(c.Context); err != nil {
				return err
			}
			tempID, err := s.Send(chatID, text)
			if err != nil {
				return err
			}
			return waitConfirmed(c.Context, s, chatID, tempID)
		},
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "stream a chat until interrupted",
		ArgsUsage: "<chat-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: watch <chat-id>")
			}
			chatID := c.Args().First()

			s, err := resumedSession(c)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := s.Connect(ctx); err != nil {
				return err
			}
			msgs, err := s.OpenChat(ctx, chatID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}

			defer s.Router().OnChatMessage(func(m model.Message) {
				if m.ChatID == chatID {
					printMessage(m)
				}
			})()
			defer s.Router().OnSystemNotice(func(m model.Message) {
				if m.ChatID == chatID {
					fmt.Printf("-- %s\n", m.Content)
				}
			})()
			defer s.Manager().Subscribe(func(ev chat.ConnectionEvent) {
				logger.Infof("connection: %s", ev.State)
			})()

			<-ctx.Done()
			return nil
		},
	}
}

// resumedSession builds a session from a previously stored credential.
func resumedSession(c *cli.Context) (*chat.Session, error) {
	s, err := newSession(c)
	if err != nil {
		return nil, err
	}
	if !s.Resume(c.Context) {
		s.Close()
		return nil, fmt.Errorf("no stored credential, run `chatcli login` first")
	}
	return s, nil
}

func waitConfirmed(ctx context.Context, s *chat.Session, chatID, tempID string) error {
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			for _, m := range s.Messages(chatID) {
				if m.ClientTempID == tempID && m.Confirmed() {
					fmt.Printf("sent %s\n", m.ID)
					return nil
				}
				if m.ClientTempID == tempID && m.Status == model.StatusFailed {
					return fmt.Errorf("send failed: %s", m.FailReason)
				}
			}
		case <-deadline:
			return fmt.Errorf("no confirmation within 10s")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printMessage(m model.Message) {
	ts := m.CreatedAt.Local().Format("15:04:05")
	fmt.Printf("[%s] %s: %s\n", ts, m.SenderID, m.Content)
}
