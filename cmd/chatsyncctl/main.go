package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	socketFlag := flag.String("socket", "", "socket path override")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		cmdStatus(profileName, *jsonFlag)
		return
	case "profiles":
		cmdProfiles(*jsonFlag)
		return
	}

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = profile.SocketPath(profileName)
	}
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp map[string]any
	switch args[0] {
	case "feed":
		resp, err = c.ListFeed(ctx)
	case "refresh":
		resp, err = c.Refresh(ctx)
	case "more":
		need(args, 2, "more <direct|contextual>")
		resp, err = c.LoadMore(ctx, args[1])
	case "start":
		need(args, 2, "start <peer-id> [context-id [expires-at-ms]]")
		req := map[string]any{"peer_id": args[1]}
		if len(args) > 2 {
			req["context_id"] = args[2]
		}
		if len(args) > 3 {
			req["expires_at"] = parseInt(args[3])
		}
		resp, err = c.Call(ctx, api.MethodStartConversation, req)
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		resp, err = c.SendText(ctx, args[1], strings.Join(args[2:], " "))
	case "sendto":
		need(args, 3, "sendto <peer-id> <text>")
		resp, err = c.Call(ctx, api.MethodSend, map[string]any{
			"peer_id": args[1],
			"kind":    "text",
			"text":    strings.Join(args[2:], " "),
		})
	case "open":
		need(args, 2, "open <conversation-id> [limit]")
		limit := 50
		if len(args) > 2 {
			limit = int(parseInt(args[2]))
		}
		resp, err = c.OpenConversation(ctx, args[1], limit)
	case "close":
		need(args, 2, "close <conversation-id>")
		resp, err = c.CloseConversation(ctx, args[1])
	case "pin", "unpin", "delete":
		need(args, 2, args[0]+" <conversation-id>")
		method := map[string]string{"pin": api.MethodPin, "unpin": api.MethodUnpin, "delete": api.MethodDelete}[args[0]]
		resp, err = c.Call(ctx, method, map[string]any{"conversation_id": args[1]})
	case "react":
		need(args, 4, "react <conversation-id> <message-id> <emoji>")
		resp, err = c.Call(ctx, api.MethodReact, map[string]any{
			"conversation_id": args[1], "message_id": args[2], "emoji": args[3],
		})
	case "edit":
		need(args, 4, "edit <conversation-id> <message-id> <text>")
		resp, err = c.Call(ctx, api.MethodEditMessage, map[string]any{
			"conversation_id": args[1], "message_id": args[2], "text": strings.Join(args[3:], " "),
		})
	case "recall", "remove":
		need(args, 3, args[0]+" <conversation-id> <message-id>")
		method := api.MethodRecallMessage
		if args[0] == "remove" {
			method = api.MethodDeleteMessage
		}
		resp, err = c.Call(ctx, method, map[string]any{"conversation_id": args[1], "message_id": args[2]})
	case "user":
		need(args, 3, "user <id> <display-name> [avatar-url]")
		u := map[string]any{"id": args[1], "display_name": args[2]}
		if len(args) > 3 {
			u["avatar_url"] = args[3]
		}
		resp, err = c.Call(ctx, api.MethodPutUsers, map[string]any{"users": []any{u}})
	case "search":
		need(args, 2, "search <query> [conversation-id]")
		req := map[string]any{"query": args[1]}
		if len(args) > 2 {
			req["conversation_id"] = args[2]
		}
		resp, err = c.Call(ctx, api.MethodSearch, req)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fail(err)
	}
	if *jsonFlag {
		outputJSON(resp)
		return
	}
	printResponse(args[0], resp)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--socket <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show whether the profile daemon is running")
	fmt.Fprintln(os.Stderr, "  profiles                      List known profiles")
	fmt.Fprintln(os.Stderr, "  feed                          List the conversation feed")
	fmt.Fprintln(os.Stderr, "  more <direct|contextual>      Load the next feed page")
	fmt.Fprintln(os.Stderr, "  refresh                       Reload the feed")
	fmt.Fprintln(os.Stderr, "  watch                         Stream feed updates")
	fmt.Fprintln(os.Stderr, "  start <peer> [ctx [expires]]  Start a conversation")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>    Send a text message")
	fmt.Fprintln(os.Stderr, "  sendto <peer> <text>          Send to the direct conversation with a peer")
	fmt.Fprintln(os.Stderr, "  open <conversation> [limit]   Open a conversation and print its messages")
	fmt.Fprintln(os.Stderr, "  close <conversation>          Close an open conversation")
	fmt.Fprintln(os.Stderr, "  pin|unpin|delete <conv>       Change a feed entry")
	fmt.Fprintln(os.Stderr, "  react <conv> <msg> <emoji>    Toggle a reaction")
	fmt.Fprintln(os.Stderr, "  edit <conv> <msg> <text>      Edit a sent text message")
	fmt.Fprintln(os.Stderr, "  recall <conv> <msg>           Recall a sent message for both sides")
	fmt.Fprintln(os.Stderr, "  remove <conv> <msg>           Remove a message for yourself")
	fmt.Fprintln(os.Stderr, "  user <id> <name> [avatar]     Store a directory record")
	fmt.Fprintln(os.Stderr, "  search <query> [conv]         Search message text")
}

func cmdStatus(profileName string, jsonOut bool) {
	owner, running := lock.Holder(profile.Dir(profileName))
	if jsonOut {
		outputJSON(map[string]any{"profile": profileName, "running": running, "pid": owner.PID, "since": owner.Since, "socket": profile.SocketPath(profileName)})
		return
	}
	fmt.Printf("Profile: %s\n", profileName)
	if running {
		fmt.Printf("Daemon:  running (pid %d, since %s)\n", owner.PID, owner.Since.Local().Format(time.DateTime))
	} else {
		fmt.Println("Daemon:  stopped")
	}
	fmt.Printf("Socket:  %s\n", profile.SocketPath(profileName))
}

func cmdProfiles(jsonOut bool) {
	names, err := profile.List()
	if err != nil {
		fail(err)
	}
	type row struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Running bool   `json:"running"`
	}
	rows := make([]row, 0, len(names))
	for _, n := range names {
		_, running := lock.Holder(profile.Dir(n))
		rows = append(rows, row{Name: n, Path: profile.Dir(n), Running: running})
	}
	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", r.Name, r.Path, state)
	}
}

func cmdWatch(c *api.Client, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := c.WatchFeed(ctx, func(snap map[string]any) error {
		if jsonOut {
			outputJSON(snap)
			return nil
		}
		fmt.Printf("--- %s\n", time.Now().Format(time.TimeOnly))
		printFeed(snap)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		fail(err)
	}
}

func printResponse(cmd string, resp map[string]any) {
	switch cmd {
	case "feed", "refresh", "pin", "unpin", "delete":
		printFeed(resp)
	case "more":
		fmt.Printf("Added: %v  more: %v\n", resp["added"], resp["has_more"])
	case "start":
		fmt.Printf("%s (%s with %s)\n", resp["conversation_id"], resp["kind"], resp["peer_id"])
	case "send", "sendto":
		fmt.Printf("%s: %s\n", resp["outcome"], resp["conversation_id"])
		if e, ok := resp["error"].(string); ok && e != "" {
			fmt.Printf("error: %s\n", e)
		}
	case "open":
		msgs, _ := resp["messages"].([]any)
		for i := len(msgs) - 1; i >= 0; i-- {
			m, _ := msgs[i].(map[string]any)
			fmt.Printf("%-12v %v\n", m["sender_id"], m["summary"])
		}
	case "search":
		results, _ := resp["results"].([]any)
		if len(results) == 0 {
			fmt.Println("No matches.")
		}
		for _, r := range results {
			rm, _ := r.(map[string]any)
			m, _ := rm["message"].(map[string]any)
			fmt.Printf("%-20v %v\n", m["conversation_id"], rm["snippet"])
		}
	default:
		outputJSON(resp)
	}
}

func printFeed(snap map[string]any) {
	entries, _ := snap["entries"].([]any)
	if len(entries) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, e := range entries {
		em, _ := e.(map[string]any)
		peer, _ := em["peer"].(map[string]any)
		last, _ := em["last_message"].(map[string]any)
		pin := " "
		if p, _ := em["pinned"].(bool); p {
			pin = "*"
		}
		fmt.Printf("%s %-36v %-16v %3v  %v\n", pin, em["conversation_id"], peer["display_name"], em["unread"], last["summary"])
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid number %q", s))
	}
	return v
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
