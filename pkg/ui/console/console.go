// Package console is the caller-side terminal: a command interpreter over an
// rpc.Bridge and a bus.MessageBus, and a bubbletea view of its log.
package console

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"devopschat/pkg/bus"
	"devopschat/pkg/channel"
	"devopschat/pkg/logger"
	"devopschat/pkg/rpc"
)

const (
	DefaultChannel = "global"

	linesBuffer = 256
)

// Kind classifies a log line for rendering.
type Kind int

const (
	KindInfo Kind = iota
	KindCommand
	KindResult
	KindMessage
	KindError
)

// Line is one entry of the console log.
type Line struct {
	Kind Kind
	Text string
}

func info(format string, args ...any) Line {
	return Line{Kind: KindInfo, Text: fmt.Sprintf(format, args...)}
}

func result(format string, args ...any) Line {
	return Line{Kind: KindResult, Text: fmt.Sprintf(format, args...)}
}

// failure renders an error the way every surface shows it: "[FEIL] <message>".
func failure(err error) Line {
	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		return Line{Kind: KindError, Text: "[FEIL] " + remote.Message}
	}
	return Line{Kind: KindError, Text: "[FEIL] " + err.Error()}
}

func failuref(format string, args ...any) Line {
	return failure(fmt.Errorf(format, args...))
}

// Dialer opens a window to the agent at url. Messages arriving on the window
// go to l until ctx is done.
type Dialer func(ctx context.Context, url string, l rpc.Listener) (rpc.Window, error)

// Options configures a Console.
type Options struct {
	Bus     *bus.MessageBus
	Dial    Dialer
	Timeout time.Duration
	Channel string
	Sender  string
	Logger  *slog.Logger
}

// Console interprets command lines. Calls block for at most the bridge
// timeout; asynchronous output (channel messages, agent announcements)
// arrives on Lines.
type Console struct {
	bridge *rpc.Bridge
	bus    *bus.MessageBus
	dial   Dialer
	sender string
	home   string
	log    *slog.Logger

	lines chan Line

	mu          sync.Mutex
	current     string
	channel     string
	unsubscribe func()
}

func New(opts Options) (*Console, error) {
	if opts.Bus == nil {
		return nil, errors.New("message bus is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if err := channel.ValidateName(opts.Channel); err != nil {
		return nil, err
	}

	c := &Console{
		bus:    opts.Bus,
		dial:   opts.Dial,
		sender: opts.Sender,
		home:   opts.Channel,
		log:    logger.Component(opts.Logger, "console"),
		lines:  make(chan Line, linesBuffer),
	}
	c.bridge = rpc.NewBridge(rpc.BridgeOptions{
		Timeout: opts.Timeout,
		Logger:  opts.Logger,
		OnHello: c.announced,
	})
	return c, nil
}

// Bridge is the console's RPC bridge.
func (c *Console) Bridge() *rpc.Bridge {
	return c.bridge
}

// Lines delivers output produced outside Execute.
func (c *Console) Lines() <-chan Line {
	return c.lines
}

// Session is the active endpoint name, or "".
func (c *Console) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Channel is the channel plain text is sent to.
func (c *Console) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Start joins the home channel.
func (c *Console) Start() []Line {
	return []Line{c.join(c.home)}
}

// Close leaves the current channel and fails pending calls.
func (c *Console) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.bridge.Close()
}

// Execute runs one input line and returns the lines it produced.
func (c *Console) Execute(ctx context.Context, input string) []Line {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if !strings.HasPrefix(input, "/") {
		return c.say(ctx, input)
	}

	name, rest, _ := strings.Cut(input[1:], " ")
	rest = strings.TrimSpace(rest)
	out := []Line{{Kind: KindCommand, Text: "> " + input}}

	switch name {
	case "help":
		return append(out, helpLines()...)
	case "connect":
		return append(out, c.connect(ctx, tokenize(rest)))
	case "sessions":
		return append(out, c.sessions()...)
	case "use":
		return append(out, c.use(rest))
	case "rename":
		return append(out, c.rename(tokenize(rest)))
	case "ping":
		return append(out, c.callLines(ctx, rpc.MethodPing, nil, "PING")...)
	case "dom":
		selector := rest
		if selector == "" {
			selector = "body"
		}
		return append(out, c.dom(ctx, selector)...)
	case "js":
		return append(out, c.js(ctx, rest))
	case "info":
		return append(out, c.callLines(ctx, rpc.MethodGetSystemInfo, nil, "INFO")...)
	case "create":
		return append(out, c.create(ctx, tokenize(rest)))
	case "join":
		args := tokenize(rest)
		if len(args) < 1 {
			return append(out, failuref("usage: /join <channel>"))
		}
		return append(out, c.join(args[0]))
	case "list":
		return append(out, c.list(ctx)...)
	case "delete":
		return append(out, c.remove(ctx, tokenize(rest)))
	default:
		return append(out, failuref("unknown command: /%s (try /help)", name))
	}
}

func helpLines() []Line {
	return []Line{
		info("/connect <name> <ws-url>   connect to an agent"),
		info("/sessions                  list connected agents"),
		info("/use <name>                make an agent active"),
		info("/rename <old> <new>        rename an agent"),
		info("/ping | /dom [selector] | /js <code> | /info"),
		info("/create <name> [-d description] [-m maxMessages] [-p persistent]"),
		info("/join <channel> | /list | /delete <channel>"),
		info("anything else is sent to the current channel"),
	}
}

func (c *Console) announced(ep rpc.Endpoint) {
	c.mu.Lock()
	if c.current == "" {
		c.current = ep.Name
	}
	c.mu.Unlock()

	suffix := ""
	if ep.Capabilities["jquery"] {
		suffix = " ($ ready)"
	}
	c.push(info("Connected: %s ← %s%s", ep.Name, ep.Origin, suffix))
}

func (c *Console) push(line Line) {
	select {
	case c.lines <- line:
	default:
		c.log.Warn("Console output full, dropping line", "text", line.Text)
	}
}

func (c *Console) connect(ctx context.Context, args []string) Line {
	if len(args) != 2 {
		return failuref("usage: /connect <name> <ws-url>")
	}
	if c.dial == nil {
		return failuref("connecting is not available")
	}
	name, url := args[0], args[1]

	win, err := c.dial(ctx, url, c.bridge.HandleMessage)
	if err != nil {
		return failure(err)
	}
	c.bridge.SetEndpoint(name, rpc.Endpoint{Name: name, Window: win, Origin: win.Origin()})

	c.mu.Lock()
	c.current = name
	c.mu.Unlock()
	return info("Session saved: %s → %s", name, url)
}

func (c *Console) sessions() []Line {
	names := c.bridge.Endpoints()
	if len(names) == 0 {
		return []Line{info("No sessions. Connect with /connect <name> <ws-url>")}
	}

	current := c.Session()
	lines := []Line{info("Sessions:")}
	for i, name := range names {
		ep, _ := c.bridge.Endpoint(name)
		marker := ""
		if name == current {
			marker = " *"
		}
		state := "connected"
		if ep.Window == nil || ep.Window.Closed() {
			state = "closed"
		}
		lines = append(lines, info("%d. %s%s (%s, %s)", i+1, name, marker, ep.Origin, state))
	}
	return lines
}

func (c *Console) use(name string) Line {
	if name == "" {
		return failuref("usage: /use <name>")
	}
	if _, ok := c.bridge.Endpoint(name); !ok {
		return failuref("unknown session: %s", name)
	}

	c.mu.Lock()
	c.current = name
	c.mu.Unlock()
	return info("Active session: %s", name)
}

func (c *Console) rename(args []string) Line {
	if len(args) != 2 {
		return failuref("usage: /rename <old> <new>")
	}
	oldName, newName := args[0], args[1]
	if _, exists := c.bridge.Endpoint(newName); exists {
		return failuref("already exists: %s", newName)
	}
	if err := c.bridge.RenameEndpoint(oldName, newName); err != nil {
		return failure(err)
	}

	c.mu.Lock()
	if c.current == oldName {
		c.current = newName
	}
	c.mu.Unlock()
	return info("Session renamed: %s → %s", oldName, newName)
}

// call invokes method on the active session.
func (c *Console) call(ctx context.Context, method rpc.Method, params any) (string, json.RawMessage, error) {
	session := c.Session()
	if session == "" {
		return "", nil, errors.New("no active session. Use /connect <name> <ws-url>")
	}
	payload, err := c.bridge.Call(ctx, session, method, params)
	return session, payload, err
}

func (c *Console) callLines(ctx context.Context, method rpc.Method, params any, tag string) []Line {
	session, payload, err := c.call(ctx, method, params)
	if err != nil {
		return []Line{failure(err)}
	}
	return []Line{result("[%s %s]", tag, session), result("%s", indentJSON(payload))}
}

func (c *Console) dom(ctx context.Context, selector string) []Line {
	session, payload, err := c.call(ctx, rpc.MethodGetDom, map[string]string{"selector": selector})
	if err != nil {
		return []Line{failure(err)}
	}

	var reply struct {
		HTML string `json:"html"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return []Line{failuref("decode getDom reply: %v", err)}
	}
	return []Line{result("[DOM %s %s]", session, selector), result("%s", reply.HTML)}
}

func (c *Console) js(ctx context.Context, code string) Line {
	if code == "" {
		return failuref("usage: /js <code>")
	}
	session, payload, err := c.call(ctx, rpc.MethodRunJS, map[string]string{"code": code})
	if err != nil {
		return failure(err)
	}

	var reply struct {
		Result *string `json:"result"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return failuref("decode runJS reply: %v", err)
	}
	text := "(no return)"
	if reply.Result != nil {
		text = *reply.Result
	}
	return result("[JS OK @ %s] %s", session, text)
}

func (c *Console) create(ctx context.Context, args []string) Line {
	params, flags, err := parseFlags(args, map[string]bool{"-d": true, "-m": true, "-p": true})
	if err != nil {
		return failure(err)
	}
	if len(params) < 1 {
		return failuref("usage: /create <name> [-d description] [-m maxMessages] [-p persistent]")
	}

	var opts []channel.Option
	if d, ok := flags["-d"]; ok {
		opts = append(opts, channel.WithDescription(d))
	}
	if m, ok := flags["-m"]; ok {
		n, err := strconv.Atoi(m)
		if err != nil || n <= 0 {
			return failuref("-m wants a positive number, got %q", m)
		}
		opts = append(opts, channel.WithMaxMessages(n))
	}
	if p, ok := flags["-p"]; ok {
		persistent, err := strconv.ParseBool(p)
		if err != nil {
			return failuref("-p wants true or false, got %q", p)
		}
		opts = append(opts, channel.WithPersistent(persistent))
	}

	if _, err := c.bus.Registry().Create(ctx, params[0], opts...); err != nil {
		return failure(err)
	}
	return info("Channel '%s' created.", params[0])
}

// join moves the listener to name.
func (c *Console) join(name string) Line {
	if err := channel.ValidateName(name); err != nil {
		return failure(err)
	}

	c.mu.Lock()
	if c.channel == name && c.unsubscribe != nil {
		c.mu.Unlock()
		return info("Already in channel %s.", name)
	}
	previous := c.unsubscribe
	c.channel = name
	c.unsubscribe = c.bus.OnMessage(name, c.received)
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
	return info("Switched to channel: %s.", name)
}

func (c *Console) received(msg bus.Message) {
	c.push(Line{Kind: KindMessage, Text: FormatMessage(msg)})
}

func (c *Console) list(ctx context.Context) []Line {
	summaries, err := c.bus.Registry().List(ctx)
	if err != nil {
		return []Line{failure(err)}
	}
	if len(summaries) == 0 {
		return []Line{info("No channels.")}
	}

	lines := []Line{info("Channels:")}
	for _, s := range summaries {
		description := s.Description
		if description == "" {
			description = "No description"
		}
		lines = append(lines, info("%s (%d messages) - %s", s.Name, s.MessageCount, description))
	}
	return lines
}

func (c *Console) remove(ctx context.Context, args []string) Line {
	if len(args) < 1 {
		return failuref("usage: /delete <channel>")
	}
	name := args[0]

	if err := c.bus.DeleteChannel(ctx, name); err != nil {
		return failuref("could not delete channel '%s': %v", name, err)
	}

	if c.Channel() == name {
		c.mu.Lock()
		c.unsubscribe = nil
		c.mu.Unlock()
		c.push(c.join(c.home))
	}
	return info("Channel '%s' deleted.", name)
}

// ChatMessage is the payload plain text is sent as.
type ChatMessage struct {
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

func (c *Console) say(ctx context.Context, text string) []Line {
	name := c.Channel()
	if name == "" {
		return []Line{failuref("not in a channel. Use /join <channel>")}
	}
	if _, err := c.bus.Send(ctx, name, ChatMessage{Text: text, From: c.sender}); err != nil {
		return []Line{failuref("send to %s failed: %v", name, err)}
	}
	return nil
}

// FormatMessage renders msg as "[#channel] from: text".
func FormatMessage(msg bus.Message) string {
	var chat ChatMessage
	if err := json.Unmarshal(msg.Data, &chat); err == nil && chat.Text != "" {
		from := cmp.Or(chat.From, msg.From, "?")
		return fmt.Sprintf("[#%s] %s: %s", msg.Channel, from, chat.Text)
	}
	return fmt.Sprintf("[#%s] %s: %s", msg.Channel, cmp.Or(msg.From, "?"), string(msg.Data))
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

var tokenPattern = regexp.MustCompile(`(?:[^\s"]+|"[^"]*")+`)

// tokenize splits on whitespace, keeping double-quoted runs together and
// dropping the quotes.
func tokenize(s string) []string {
	matches := tokenPattern.FindAllString(s, -1)
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, strings.ReplaceAll(m, `"`, ""))
	}
	return tokens
}

// parseFlags separates positional args from the known flags, each of which
// takes the following token as its value.
func parseFlags(args []string, known map[string]bool) ([]string, map[string]string, error) {
	var params []string
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			params = append(params, arg)
			continue
		}
		if !known[arg] {
			return nil, nil, fmt.Errorf("unknown flag %s", arg)
		}
		if i+1 >= len(args) {
			return nil, nil, fmt.Errorf("flag %s needs a value", arg)
		}
		flags[arg] = args[i+1]
		i++
	}
	return params, flags, nil
}
