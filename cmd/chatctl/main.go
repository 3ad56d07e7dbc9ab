package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/securechat/internal/api"
	"github.com/matheus3301/securechat/internal/config"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/matheus3301/securechat/internal/session"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, c *api.Client, args []string) error
}

var (
	jsonOut  bool
	commands map[string]command
	order    = []string{
		"status", "login", "logout", "identity", "chats", "create", "add-member", "remove-member",
		"send", "messages", "attachment", "mark", "pending", "retry", "watch",
	}
)

func init() {
	commands = map[string]command{
		"status":        {"status", "Show engine status", cmdStatus},
		"login":         {"login <identity-id>", "Bind the session to an identity", cmdLogin},
		"logout":        {"logout", "Clear the session and its keys", cmdLogout},
		"identity":      {"identity [--qr]", "Show the current identity", cmdIdentity},
		"chats":         {"chats", "List chats, most recent first", cmdChats},
		"create":        {"create [--group --name <name>] <ref>...", "Create a direct or group chat", cmdCreate},
		"add-member":    {"add-member <chat-id> <ref>", "Add a member to a group", cmdMembership(api.MethodAddMember)},
		"remove-member": {"remove-member <chat-id> <ref>", "Remove a member from a group", cmdMembership(api.MethodRemoveMember)},
		"send":          {"send [--file <path>] [--type <type>] [--reply <id>] <chat-id> [text...]", "Send a message", cmdSend},
		"messages":      {"messages <chat-id>", "List cached messages of a chat", cmdMessages},
		"attachment":    {"attachment <message-id> <out-path>", "Download and decrypt a file", cmdAttachment},
		"mark":          {"mark <message-id> <delivered|seen>", "Update your delivery status", cmdMark},
		"pending":       {"pending", "List messages waiting for retry", cmdPending},
		"retry":         {"retry", "Run a retry pass now", cmdRetry},
		"watch":         {"watch [--chat <id>] [--prefix <kind>]", "Stream engine events", cmdWatch},
	}
}

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.BoolVar(&jsonOut, "json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if args[0] != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	if err := cmd.run(ctx, c, args[1:]); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", cmd.usage)
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", describe(err))
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, name := range order {
		cmd := commands[name]
		fmt.Fprintf(os.Stderr, "  %-72s %s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "A <ref> is an identity id or a numeric short id.")
}

type usageError struct{}

func (usageError) Error() string { return "usage" }

// describe turns gRPC errors into one-line messages.
func describe(err error) string {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return err.Error()
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return "not logged in (chatctl login <identity-id>)"
	case codes.Unavailable:
		return st.Message() + " (queued for retry if it was a send)"
	default:
		return st.Message()
	}
}

func cmdStatus(ctx context.Context, c *api.Client, _ []string) error {
	resp, err := c.Call(ctx, api.MethodStatus, nil)
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(resp)
	}
	var st struct {
		Session  string `json:"session"`
		State    string `json:"state"`
		UptimeMs int64  `json:"uptime_ms"`
		Pending  int    `json:"pending"`
	}
	if err := api.FromStruct(resp, &st); err != nil {
		return err
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Status:  %s\n", st.State)
	fmt.Printf("Uptime:  %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Pending: %d\n", st.Pending)
	return nil
}

type identityView struct {
	ID        string `json:"id"`
	ShortID   int64  `json:"short_id"`
	PublicKey []byte `json:"public_key"`
}

func printIdentity(resp *structpb.Struct, qr bool) error {
	if jsonOut {
		return outputJSON(resp)
	}
	var id identityView
	if err := api.FromStruct(resp, &id); err != nil {
		return err
	}
	fmt.Printf("Identity: %s\n", id.ID)
	if id.ShortID > 0 {
		fmt.Printf("Short id: %d\n", id.ShortID)
	}
	fmt.Printf("Key:      %s\n", fingerprint(id.PublicKey))
	if qr {
		fmt.Printf("\n%s", renderQR(contactURI(id.ID, id.ShortID, id.PublicKey)))
	}
	return nil
}

func cmdLogin(ctx context.Context, c *api.Client, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	resp, err := c.Call(ctx, api.MethodLogin, map[string]any{"identity_id": args[0]})
	if err != nil {
		return err
	}
	return printIdentity(resp, false)
}

func cmdLogout(ctx context.Context, c *api.Client, _ []string) error {
	if _, err := c.Call(ctx, api.MethodLogout, nil); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func cmdIdentity(ctx context.Context, c *api.Client, args []string) error {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	qr := fs.Bool("qr", false, "print a contact QR code")
	if err := fs.Parse(args); err != nil {
		return usageError{}
	}
	resp, err := c.Call(ctx, api.MethodIdentity, nil)
	if err != nil {
		return err
	}
	return printIdentity(resp, *qr)
}

func printChat(chat model.Chat) {
	kind := "direct"
	title := strings.Join(chat.ActiveParticipantIDs(), ", ")
	if chat.IsGroup {
		kind = "group"
		title = chat.Name
	}
	fmt.Printf("%-36s  %-6s  %-30s  %s\n", chat.ID, kind, title, chat.UpdatedAt.Local().Format(time.DateTime))
}

func cmdChats(ctx context.Context, c *api.Client, _ []string) error {
	resp, err := c.Call(ctx, api.MethodListChats, nil)
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(resp)
	}
	var out struct {
		Chats []model.Chat `json:"chats"`
	}
	if err := api.FromStruct(resp, &out); err != nil {
		return err
	}
	if len(out.Chats) == 0 {
		fmt.Println("No chats.")
		return nil
	}
	for _, chat := range out.Chats {
		printChat(chat)
	}
	return nil
}

func printChatResponse(resp *structpb.Struct) error {
	if jsonOut {
		return outputJSON(resp)
	}
	var chat model.Chat
	if err := api.FromStruct(resp, &chat); err != nil {
		return err
	}
	printChat(chat)
	return nil
}

func cmdCreate(ctx context.Context, c *api.Client, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	group := fs.Bool("group", false, "create a group chat")
	name := fs.String("name", "", "group name")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		return usageError{}
	}
	refs := make([]any, 0, fs.NArg())
	for _, r := range fs.Args() {
		refs = append(refs, r)
	}
	resp, err := c.Call(ctx, api.MethodCreateChat, map[string]any{
		"participants": refs,
		"is_group":     *group,
		"name":         *name,
	})
	if err != nil {
		return err
	}
	return printChatResponse(resp)
}

func cmdMembership(method string) func(context.Context, *api.Client, []string) error {
	return func(ctx context.Context, c *api.Client, args []string) error {
		if len(args) != 2 {
			return usageError{}
		}
		resp, err := c.Call(ctx, method, map[string]any{"chat_id": args[0], "member": args[1]})
		if err != nil {
			return err
		}
		return printChatResponse(resp)
	}
}

func cmdSend(ctx context.Context, c *api.Client, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	file := fs.String("file", "", "attach a file")
	typ := fs.String("type", "", "message type (text, file, image, audio, video)")
	reply := fs.String("reply", "", "id of the message this replies to")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		return usageError{}
	}
	req := map[string]any{
		"chat_id":  fs.Arg(0),
		"text":     strings.Join(fs.Args()[1:], " "),
		"type":     *typ,
		"reply_to": *reply,
	}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		req["file"] = data
		req["file_name"] = filepath.Base(*file)
		if *typ == "" {
			req["type"] = string(model.TypeFile)
		}
	}
	resp, err := c.Call(ctx, api.MethodSendMessage, req)
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(resp)
	}
	var msg model.Message
	if err := api.FromStruct(resp, &msg); err != nil {
		return err
	}
	fmt.Printf("Sent %s (%s)\n", msg.ID, msg.Phase)
	return nil
}

func cmdMessages(ctx context.Context, c *api.Client, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	resp, err := c.Call(ctx, api.MethodListMessages, map[string]any{"chat_id": args[0]})
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(resp)
	}
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := api.FromStruct(resp, &out); err != nil {
		return err
	}
	for _, m := range out.Messages {
		body := m.Plaintext
		if m.FileName != "" {
			body = fmt.Sprintf("[%s %s, %d bytes] %s", m.Type, m.FileName, m.FileSize, body)
		}
		fmt.Printf("%s  %-12s  %-9s  %s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.Phase, body)
	}
	return nil
}

func cmdAttachment(ctx context.Context, c *api.Client, args []string) error {
	if len(args) != 2 {
		return usageError{}
	}
	resp, err := c.Call(ctx, api.MethodAttachment, map[string]any{"message_id": args[0]})
	if err != nil {
		return err
	}
	var out struct {
		Data []byte `json:"data"`
	}
	if err := api.FromStruct(resp, &out); err != nil {
		return err
	}
	if err := os.WriteFile(args[1], out.Data, 0600); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(out.Data), args[1])
	return nil
}

func cmdMark(ctx context.Context, c *api.Client, args []string) error {
	if len(args) != 2 {
		return usageError{}
	}
	if _, err := c.Call(ctx, api.MethodUpdateStatus, map[string]any{"message_id": args[0], "status": args[1]}); err != nil {
		return err
	}
	fmt.Printf("Marked %s as %s\n", args[0], args[1])
	return nil
}

func cmdPending(ctx context.Context, c *api.Client, _ []string) error {
	resp, err := c.Call(ctx, api.MethodListPending, nil)
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(resp)
	}
	var out struct {
		Pending []struct {
			MessageID  string    `json:"message_id"`
			ChatID     string    `json:"chat_id"`
			RetryCount int       `json:"retry_count"`
			CreatedAt  time.Time `json:"created_at"`
			LastError  string    `json:"last_error"`
		} `json:"pending"`
	}
	if err := api.FromStruct(resp, &out); err != nil {
		return err
	}
	if len(out.Pending) == 0 {
		fmt.Println("Nothing pending.")
		return nil
	}
	for _, p := range out.Pending {
		fmt.Printf("%s  chat %s  attempts %d  %s\n", p.MessageID, p.ChatID, p.RetryCount, p.LastError)
	}
	return nil
}

func cmdRetry(ctx context.Context, c *api.Client, _ []string) error {
	resp, err := c.Call(ctx, api.MethodRetryPending, nil)
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(resp)
	}
	var res struct {
		Attempted int  `json:"attempted"`
		Sent      int  `json:"sent"`
		Failed    int  `json:"failed"`
		Dropped   int  `json:"dropped"`
		Skipped   bool `json:"skipped"`
	}
	if err := api.FromStruct(resp, &res); err != nil {
		return err
	}
	if res.Skipped {
		fmt.Println("A retry pass is already running.")
		return nil
	}
	fmt.Printf("Attempted %d: %d sent, %d failed, %d dropped\n", res.Attempted, res.Sent, res.Failed, res.Dropped)
	return nil
}

func cmdWatch(ctx context.Context, c *api.Client, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	chat := fs.String("chat", "", "also receive new messages of this chat")
	prefix := fs.String("prefix", "", "only events whose kind starts with this")
	if err := fs.Parse(args); err != nil {
		return usageError{}
	}
	next, err := c.Watch(ctx, map[string]any{"chat_id": *chat, "prefix": *prefix})
	if err != nil {
		return err
	}
	for {
		evt, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if jsonOut {
			if err := outputJSON(evt); err != nil {
				return err
			}
			continue
		}
		fields := evt.GetFields()
		at := time.UnixMilli(int64(fields["occurred_at_unix_ms"].GetNumberValue()))
		payload, _ := protojson.Marshal(fields["payload"])
		fmt.Printf("%s  %-26s  %s\n", at.Local().Format(time.TimeOnly), fields["kind"].GetStringValue(), payload)
	}
}

func outputJSON(s *structpb.Struct) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
