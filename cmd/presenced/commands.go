package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/RPwnage/EA-Software-sub005/internal/config"
	"github.com/RPwnage/EA-Software-sub005/internal/events"
	"github.com/RPwnage/EA-Software-sub005/internal/logging"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/presence"
)

// RunCommand returns the run command
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect and print engine events until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "show",
				Usage: "Show state (online, away, chat, dnd, xa). Without any presence flag the presence of the last run is used",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Initial status message",
			},
			&cli.StringFlag{
				Name:  "activity",
				Usage: "Game activity to publish, semicolon separated",
			},
			&cli.BoolFlag{
				Name:  "invisible",
				Usage: "Hide presence from contacts",
			},
		},
		Action: runRun,
	}
}

func runRun(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := open(c)
	if err != nil {
		return err
	}
	defer inst.Close()
	if err := config.Validate(inst.Config()); err != nil {
		return err
	}

	inst.Client().Bus().SubscribeAll(func(ev events.Event) {
		fmt.Fprintln(c.App.Writer, describe(ev))
	})

	timeout := inst.Config().Engine.RequestTimeout
	logging.Debug("connecting %s with a %s timeout", inst.Config().Account.JID, timeout)
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := inst.Connect(connectCtx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if c.IsSet("show") || c.IsSet("status") || c.IsSet("activity") || c.IsSet("invisible") {
		show := presence.StringToShow(c.String("show"))
		if err := inst.SetPresence(connectCtx, show, c.String("status"), c.String("activity"), c.Bool("invisible")); err != nil {
			return fmt.Errorf("failed to set presence: %w", err)
		}
	}

	disconnected := make(chan struct{})
	inst.Client().Bus().Once(events.KindDisconnected, func(events.Event) { close(disconnected) })

	select {
	case <-ctx.Done():
		logging.Info("interrupted, signing out")
	case <-disconnected:
		logging.Info("session ended")
	}
	return nil
}

// describe renders an engine event as one line of text
func describe(ev events.Event) string {
	switch e := ev.(type) {
	case events.StatusChanged:
		if e.Err != nil {
			return fmt.Sprintf("status %s: %v", e.State, e.Err)
		}
		return fmt.Sprintf("status %s", e.State)
	case events.Connected:
		return fmt.Sprintf("connected as %s", e.JID)
	case events.Disconnected:
		if e.Err != nil {
			return fmt.Sprintf("disconnected: %v", e.Err)
		}
		return "disconnected"
	case events.PresenceChanged:
		line := fmt.Sprintf("presence %s/%s %s", e.SubjectID, e.Resource, e.Type)
		if e.Type == presence.TypeAvailable {
			line += " " + presence.ShowToString(e.Show)
		}
		if e.Status != "" {
			line += fmt.Sprintf(" %q", e.Status)
		}
		if e.Game != nil && e.Game.InGame() {
			line += fmt.Sprintf(" playing %s", e.Game.Title)
		}
		return line
	case events.IncomingMessage:
		direction := "from"
		if e.Sent {
			direction = "to"
		}
		return fmt.Sprintf("message %s %s: %s", direction, e.Peer(), e.Body)
	case events.ChatStateChanged:
		return fmt.Sprintf("chat state %s %s", e.From, e.State)
	case events.RosterChanged:
		return fmt.Sprintf("roster %s %s", e.ContactID, e.Subscription)
	case events.UserConflict:
		return "signed in from another location"
	case events.BlockListLoaded:
		return "block list loaded"
	case events.BlockListChanged:
		return "block list changed"
	case events.RemoteClientAvailability:
		if e.Available {
			return fmt.Sprintf("native client online (%s)", e.Resource)
		}
		return "native client offline"
	case events.RemoteStatus:
		return fmt.Sprintf("remote status from %s", e.From)
	case events.RemoteAction:
		return fmt.Sprintf("remote action %s from %s", e.Payload.Action, e.From)
	}
	return ev.Kind().String()
}

// RosterCommand returns the roster command
func RosterCommand() *cli.Command {
	return &cli.Command{
		Name:  "roster",
		Usage: "List contacts",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "Read the stored roster instead of connecting",
			},
		},
		Action: runRoster,
	}
}

func runRoster(c *cli.Context) error {
	var (
		inst *instance
		err  error
	)
	if c.Bool("offline") {
		inst, err = open(c)
	} else {
		inst, err = connect(c.Context, c)
	}
	if err != nil {
		return err
	}
	defer inst.Close()

	entries, err := inst.Roster(c.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JID\tNAME\tSUBSCRIPTION\tGROUPS")
	for _, e := range entries {
		sub := string(e.Subscription)
		if e.Pending {
			sub += " (pending)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ContactID, e.Nickname, sub, strings.Join(e.Groups, ","))
	}
	return w.Flush()
}

// SendCommand returns the send command
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a chat message",
		ArgsUsage: "JID MESSAGE...",
		Action:    runSend,
	}
}

func runSend(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("missing required arguments: JID and message")
	}
	to := c.Args().First()
	body := strings.Join(c.Args().Tail(), " ")

	inst, err := connect(c.Context, c)
	if err != nil {
		return err
	}
	defer inst.Close()

	id, err := inst.SendMessage(c.Context, to, body)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "sent %s\n", id)
	return nil
}

// BlockCommand returns the block command
func BlockCommand() *cli.Command {
	return &cli.Command{
		Name:      "block",
		Usage:     "Block a contact",
		ArgsUsage: "JID",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "cancel",
				Usage: "Withdraw our pending friend request first",
			},
			&cli.BoolFlag{
				Name:  "ignore",
				Usage: "Reject their pending friend request first",
			},
		},
		Action: runBlock,
	}
}

func runBlock(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: JID")
	}
	if c.Bool("cancel") && c.Bool("ignore") {
		return fmt.Errorf("--cancel and --ignore are mutually exclusive")
	}
	contact := c.Args().First()

	inst, err := connect(c.Context, c)
	if err != nil {
		return err
	}
	defer inst.Close()

	client := inst.Client()
	switch {
	case c.Bool("cancel"):
		err = client.CancelAndBlock(c.Context, contact)
	case c.Bool("ignore"):
		err = client.IgnoreAndBlock(c.Context, contact)
	default:
		err = client.Block(c.Context, contact)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "blocked %s\n", contact)
	return nil
}

// UnblockCommand returns the unblock command
func UnblockCommand() *cli.Command {
	return &cli.Command{
		Name:      "unblock",
		Usage:     "Unblock a contact",
		ArgsUsage: "JID",
		Action:    runUnblock,
	}
}

func runUnblock(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: JID")
	}
	contact := c.Args().First()

	inst, err := connect(c.Context, c)
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.Client().Unblock(c.Context, contact); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "unblocked %s\n", contact)
	return nil
}

// BlockedCommand returns the blocked command
func BlockedCommand() *cli.Command {
	return &cli.Command{
		Name:  "blocked",
		Usage: "List blocked contacts",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "Read the stored block list instead of connecting",
			},
		},
		Action: runBlocked,
	}
}

func runBlocked(c *cli.Context) error {
	var (
		inst *instance
		err  error
	)
	if c.Bool("offline") {
		inst, err = open(c)
	} else {
		inst, err = connect(c.Context, c)
	}
	if err != nil {
		return err
	}
	defer inst.Close()

	blocked, err := inst.BlockedContacts()
	if err != nil {
		return err
	}
	for _, j := range blocked {
		fmt.Fprintln(c.App.Writer, j)
	}
	return nil
}

// HistoryCommand returns the history command
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print stored messages exchanged with a contact",
		ArgsUsage: "JID",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Number of messages to print",
				Value:   20,
			},
			&cli.BoolFlag{
				Name:  "clear",
				Usage: "Delete the conversation instead of printing it",
			},
		},
		Action: runHistory,
	}
}

func runHistory(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: JID")
	}

	inst, err := open(c)
	if err != nil {
		return err
	}
	defer inst.Close()
	if inst.Storage() == nil {
		return fmt.Errorf("storage is disabled")
	}

	peer := c.Args().First()
	if c.Bool("clear") {
		n, err := inst.ClearHistory(peer)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "deleted %d messages\n", n)
		return nil
	}

	messages, err := inst.History(peer, c.Int("limit"))
	if err != nil {
		return err
	}
	for _, m := range messages {
		who := m.From
		if m.Sent {
			who = "me"
		}
		fmt.Fprintf(c.App.Writer, "[%s] %s: %s\n", m.Timestamp.Format(time.DateTime), who, m.Body)
	}
	inst.MarkRead(peer)
	return nil
}

// StatusCommand returns the status command
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Change the show state, through the native client when it is online",
		ArgsUsage: "SHOW",
		Action:    runStatus,
	}
}

func runStatus(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: show state")
	}
	show := presence.StringToShow(c.Args().First())

	inst, err := connect(c.Context, c)
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.Client().RequestPresence(c.Context, show); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "status %s\n", presence.ShowToString(show))
	return nil
}

// FriendCommand returns the friend command and its subcommands
func FriendCommand() *cli.Command {
	return &cli.Command{
		Name:  "friend",
		Usage: "Manage friend requests",
		Subcommands: []*cli.Command{
			friendSubcommand("add", "Send a friend request", (*xmpp.Client).SendFriendRequest),
			friendSubcommand("accept", "Accept a friend request", (*xmpp.Client).AcceptFriendRequest),
			friendSubcommand("reject", "Reject a friend request", (*xmpp.Client).RejectFriendRequest),
			friendSubcommand("revoke", "Withdraw a friend request", (*xmpp.Client).RevokeFriendRequest),
			friendSubcommand("remove", "Remove a friend from the roster", (*xmpp.Client).RemoveFriend),
		},
	}
}

func friendSubcommand(name, usage string, op func(*xmpp.Client, context.Context, string) error) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "JID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("missing required argument: JID")
			}
			contact := c.Args().First()

			inst, err := connect(c.Context, c)
			if err != nil {
				return err
			}
			defer inst.Close()

			if err := op(inst.Client(), c.Context, contact); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s %s\n", name, contact)
			return nil
		},
	}
}
