package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/matheus3301/mxd/internal/client"
	"github.com/matheus3301/mxd/internal/session"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := c.Pipeline
	var resp *structpb.Struct
	switch args[0] {
	case "stats":
		resp, err = p.GetStats(ctx)
	case "send":
		need(args, 3, "send <room_id> <text>")
		resp, err = p.SendText(ctx, request(map[string]any{"room_id": args[1], "text": args[2]}))
	case "retries":
		resp, err = p.ListRetryQueue(ctx)
	case "retry":
		need(args, 2, "retry <local_id>")
		resp, err = p.RetryMessage(ctx, request(map[string]any{"id": args[1]}))
	case "clear-retries":
		resp, err = p.ClearRetryQueue(ctx)
	case "status":
		need(args, 2, "status <local_id>")
		resp, err = p.GetMessageStatus(ctx, request(map[string]any{"id": args[1]}))
	case "audit":
		req := map[string]any{}
		if len(args) >= 2 {
			req["session_id"] = args[1]
		}
		if len(args) >= 3 && args[2] == "--persisted" {
			req["persisted"] = true
		}
		resp, err = p.GetAuditLog(ctx, request(req))
	case "retry-decrypt":
		need(args, 2, "retry-decrypt <room_id>")
		resp, err = p.RetryDecryption(ctx, request(map[string]any{"room_id": args[1]}))
	case "rooms":
		resp, err = p.ListRooms(ctx, request(map[string]any{"limit": limitArg(args, 1)}))
	case "messages":
		need(args, 2, "messages <room_id> [limit]")
		resp, err = p.ListMessages(ctx, request(map[string]any{"room_id": args[1], "limit": limitArg(args, 2)}))
	case "search":
		need(args, 2, "search <query> [room_id]")
		req := map[string]any{"query": args[1]}
		if len(args) >= 3 {
			req["room_id"] = args[2]
		}
		resp, err = p.SearchMessages(ctx, request(req))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *jsonFlag {
		outputJSON(resp)
		return
	}
	printHuman(args[0], resp)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: mxctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  stats                        Show pipeline counters")
	fmt.Fprintln(os.Stderr, "  send <room> <text>           Queue a text message")
	fmt.Fprintln(os.Stderr, "  retries                      List the retry queue")
	fmt.Fprintln(os.Stderr, "  retry <id>                   Retry a queued message now")
	fmt.Fprintln(os.Stderr, "  clear-retries                Drop every queued retry")
	fmt.Fprintln(os.Stderr, "  status <id>                  Show a message's delivery status")
	fmt.Fprintln(os.Stderr, "  audit [room] [--persisted]   Show the security audit log")
	fmt.Fprintln(os.Stderr, "  retry-decrypt <room>         Request keys and retry decryption")
	fmt.Fprintln(os.Stderr, "  rooms [limit]                List rooms")
	fmt.Fprintln(os.Stderr, "  messages <room> [limit]      List a room's messages")
	fmt.Fprintln(os.Stderr, "  search <query> [room]        Search message bodies")
	fmt.Fprintln(os.Stderr, "  watch [prefix]               Stream pipeline events")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: mxctl %s\n", usage)
		os.Exit(1)
	}
}

func limitArg(args []string, i int) int {
	if len(args) <= i {
		return 0
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid limit %q\n", args[i])
		os.Exit(1)
	}
	return n
}

func request(fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return s
}

func cmdWatch(c *client.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := c.Pipeline.WatchEvents(ctx, request(map[string]any{"prefix": prefix}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if jsonOut {
			outputJSON(evt)
			continue
		}
		f := evt.GetFields()
		ts := time.UnixMilli(int64(f["occurred_at_unix_ms"].GetNumberValue()))
		var payload []byte
		if v := f["payload"]; v != nil {
			payload, _ = protojson.Marshal(v)
		}
		fmt.Printf("%s %-24s %s\n", ts.Format(time.TimeOnly), f["kind"].GetStringValue(), payload)
	}
}

func printHuman(cmd string, resp *structpb.Struct) {
	f := resp.GetFields()
	switch cmd {
	case "send":
		fmt.Printf("Queued: %s\n", f["local_id"].GetStringValue())
	case "retries":
		items := f["items"].GetListValue().GetValues()
		if len(items) == 0 {
			fmt.Println("Retry queue is empty.")
			return
		}
		for _, v := range items {
			it := v.GetStructValue().GetFields()
			fmt.Printf("%-36s %-24s %d/%d %s\n",
				it["id"].GetStringValue(),
				it["room_id"].GetStringValue(),
				int(it["retry_count"].GetNumberValue()),
				int(it["max_retries"].GetNumberValue()),
				it["error"].GetStringValue(),
			)
		}
	case "retry":
		fmt.Printf("Sent: %v\n", f["sent"].GetBoolValue())
		if e := f["error"].GetStringValue(); e != "" {
			fmt.Printf("Error: %s\n", e)
		}
	case "clear-retries":
		fmt.Printf("Cleared: %d\n", int(f["cleared"].GetNumberValue()))
	case "status":
		fmt.Printf("Status:   %s\n", f["status"].GetStringValue())
		fmt.Printf("Retrying: %v\n", f["in_retry_queue"].GetBoolValue())
	case "rooms":
		rooms := f["rooms"].GetListValue().GetValues()
		if len(rooms) == 0 {
			fmt.Println("No rooms found.")
			return
		}
		for _, v := range rooms {
			r := v.GetStructValue().GetFields()
			fmt.Printf("%-32s %s\n", r["room_id"].GetStringValue(), r["last_message_preview"].GetStringValue())
		}
	case "messages":
		for _, v := range f["messages"].GetListValue().GetValues() {
			printMessage(v.GetStructValue())
		}
	case "search":
		for _, v := range f["results"].GetListValue().GetValues() {
			printMessage(v.GetStructValue().GetFields()["message"].GetStructValue())
		}
	default:
		outputJSON(resp)
	}
}

func printMessage(m *structpb.Struct) {
	f := m.GetFields()
	ts := time.UnixMilli(int64(f["timestamp"].GetNumberValue()))
	fmt.Printf("%s %-10s %-24s %s\n",
		ts.Format(time.DateTime),
		f["status"].GetStringValue(),
		f["sender"].GetStringValue(),
		f["body"].GetStringValue(),
	)
}

func outputJSON(v *structpb.Struct) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
