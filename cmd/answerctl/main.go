// Command answerctl inspects and steers questions through the pipeline API.
//
//	answerctl status <question-id>
//	answerctl audit [-question id] [-actor id] [-action name] [-since 24h] [-limit n]
//	answerctl flags [-content id] [-open]
//	answerctl resolve <flag-id> [note]
//	answerctl override <kind> <question-id> <reason>
//	answerctl deliver|reject|cancel|requeue <question-id> [reason]
//
// The API address comes from ANSWERFLOW_URL. A token is read from
// ANSWERFLOW_TOKEN, or minted from JWT_SECRET for ANSWERFLOW_ACTOR.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/nmxmxh/answerflow/internal/console"
	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/override"
	"github.com/nmxmxh/answerflow/pkg/auth"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	client, err := newClient()
	if err != nil {
		fail(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatch(ctx, client, os.Args[1], os.Args[2:]); err != nil {
		fail(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: answerctl status|audit|flags|resolve|override|deliver|reject|cancel|requeue ...")
	fmt.Fprintln(os.Stderr, "override kinds:", kindList())
}

func kindList() string {
	names := make([]string, len(override.Kinds))
	for i, k := range override.Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func fail(err error) {
	color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() (*console.Client, error) {
	token := os.Getenv("ANSWERFLOW_TOKEN")
	if token == "" {
		if secret := os.Getenv("JWT_SECRET"); secret != "" {
			var err error
			token, err = auth.Sign(secret, env("ANSWERFLOW_ACTOR", "answerctl"), []string{"admin"}, 10*time.Minute)
			if err != nil {
				return nil, err
			}
		}
	}
	return console.NewClient(env("ANSWERFLOW_URL", "http://localhost:8080"), token), nil
}

func need(args []string, n int, what string) error {
	if len(args) < n {
		return fmt.Errorf("missing %s", what)
	}
	return nil
}

func dispatch(ctx context.Context, c *console.Client, cmd string, args []string) error {
	switch cmd {
	case "status":
		if err := need(args, 1, "question id"); err != nil {
			return err
		}
		snap, err := c.Status(ctx, args[0])
		if err != nil {
			return err
		}
		return console.RenderStatus(os.Stdout, snap)

	case "audit":
		fs := flag.NewFlagSet("audit", flag.ExitOnError)
		question := fs.String("question", "", "question id")
		actor := fs.String("actor", "", "actor id")
		action := fs.String("action", "", "audit action")
		since := fs.Duration("since", 0, "only entries newer than this")
		limit := fs.Int("limit", 200, "maximum entries")
		if err := fs.Parse(args); err != nil {
			return err
		}
		filter := model.AuditFilter{QuestionID: *question, ActorID: *actor, Action: *action, Limit: *limit}
		if *since > 0 {
			filter.Since = time.Now().Add(-*since)
		}
		entries, err := c.Audit(ctx, filter)
		if err != nil {
			return err
		}
		return console.RenderAudit(os.Stdout, entries)

	case "flags":
		fs := flag.NewFlagSet("flags", flag.ExitOnError)
		content := fs.String("content", "", "content or question id")
		open := fs.Bool("open", false, "only open flags")
		if err := fs.Parse(args); err != nil {
			return err
		}
		flags, err := c.Flags(ctx, *content, *open)
		if err != nil {
			return err
		}
		return console.RenderFlags(os.Stdout, flags)

	case "resolve":
		if err := need(args, 1, "flag id"); err != nil {
			return err
		}
		if err := c.ResolveFlag(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		color.Green("flag %s resolved", args[0])
		return nil

	case "override":
		if err := need(args, 3, "kind, question id and reason"); err != nil {
			return err
		}
		kind, ok := override.ParseKind(args[0])
		if !ok {
			return fmt.Errorf("unknown override kind %q (one of %s)", args[0], kindList())
		}
		res, err := c.Override(ctx, kind, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s → %s\n", res.Action, res.From, console.StatusColor(res.Status).Sprint(string(res.Status)))
		return nil

	case "deliver", "reject", "cancel", "requeue":
		if err := need(args, 1, "question id"); err != nil {
			return err
		}
		status, err := c.QuestionAction(ctx, cmd, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], console.StatusColor(status).Sprint(string(status)))
		return nil
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}
