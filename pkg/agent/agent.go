// Package agent implements the operations an agent serves over RPC against a
// loaded HTML page.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"devopschat/pkg/logger"
	"devopschat/pkg/rpc"
)

const Version = "0.4.0"

// Options configures an Agent.
type Options struct {
	Session string
	Logger  *slog.Logger
}

// Agent owns a Page and exposes its operations as an rpc.Operations table.
type Agent struct {
	page    *Page
	session string
	log     *slog.Logger
	started time.Time
}

func New(page *Page, opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Agent{
		page:    page,
		session: opts.Session,
		log:     logger.Component(opts.Logger, "agent"),
		started: time.Now(),
	}
}

func (a *Agent) Page() *Page {
	return a.page
}

// Session is the name the agent announces itself under.
func (a *Agent) Session() string {
	return a.session
}

// Operations is the closed table served by the responder.
func (a *Agent) Operations() rpc.Operations {
	return rpc.Operations{
		rpc.MethodPing:          a.Ping,
		rpc.MethodGetDom:        a.GetDom,
		rpc.MethodManipulateDOM: a.ManipulateDOM,
		rpc.MethodRunJS:         a.RunJS,
		rpc.MethodExecuteJS:     a.RunJS,
		rpc.MethodGetSystemInfo: a.GetSystemInfo,
	}
}

// Hello is the announcement posted when a console connects.
func (a *Agent) Hello(origin string) rpc.Hello {
	capabilities := make(map[string]bool, len(rpc.Methods))
	for _, m := range rpc.Methods {
		capabilities[string(m)] = true
	}
	return rpc.Hello{
		Session:      a.session,
		Href:         a.page.URL(),
		Origin:       origin,
		JQuery:       a.page != nil,
		Capabilities: capabilities,
	}
}

func (a *Agent) Ping(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"ok":           true,
		"jquery":       a.page != nil,
		"agentVersion": Version,
		"timestamp":    time.Now().UnixMilli(),
	}, nil
}

type domParams struct {
	Selector string `json:"selector"`
}

func (a *Agent) GetDom(_ context.Context, params json.RawMessage) (any, error) {
	var p domParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Selector == "" {
		p.Selector = "body"
	}

	var html string
	err := a.page.Do(func(doc *goquery.Document) error {
		if p.Selector == "document" {
			html = capHTML(documentHTML(doc))
			return nil
		}
		sel := doc.Find(p.Selector).First()
		if sel.Length() == 0 {
			return fmt.Errorf("no match for selector: %s", p.Selector)
		}
		outer, err := goquery.OuterHtml(sel)
		if err != nil {
			return err
		}
		html = capHTML(outer)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]string{"selector": p.Selector, "html": html}, nil
}

type manipulateParams struct {
	Selector  string          `json:"selector"`
	Action    string          `json:"action"`
	Value     json.RawMessage `json:"value"`
	Attribute string          `json:"attribute"`
	Property  string          `json:"property"`
}

// value returns the setter argument, or ok=false when the call is a read.
func (p manipulateParams) value() (string, bool) {
	if len(p.Value) == 0 || string(p.Value) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(p.Value, &s); err == nil {
		return s, true
	}
	return string(p.Value), true
}

func (a *Agent) ManipulateDOM(_ context.Context, params json.RawMessage) (any, error) {
	var p manipulateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Selector == "" {
		return nil, errors.New("selector is required")
	}

	var result any
	err := a.page.Do(func(doc *goquery.Document) error {
		var err error
		result, err = applyAction(doc.Find(p.Selector), p)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.log.Debug("DOM manipulated", "selector", p.Selector, "action", p.Action)
	return map[string]any{"result": result}, nil
}

func applyAction(sel *goquery.Selection, p manipulateParams) (any, error) {
	value, set := p.value()

	switch p.Action {
	case "click":
		return fmt.Sprintf("Clicked %d element(s)", sel.Length()), nil
	case "text":
		if !set {
			return sel.Text(), nil
		}
		sel.SetText(value)
		return "Set text to: " + value, nil
	case "val":
		if !set {
			return readValue(sel.First()), nil
		}
		sel.Each(func(_ int, s *goquery.Selection) { writeValue(s, value) })
		return "Set value to: " + value, nil
	case "attr":
		if p.Attribute == "" {
			return nil, errors.New("attribute is required")
		}
		if !set {
			if v, ok := sel.Attr(p.Attribute); ok {
				return v, nil
			}
			return nil, nil
		}
		sel.SetAttr(p.Attribute, value)
		return fmt.Sprintf("Set %s to: %s", p.Attribute, value), nil
	case "css":
		if p.Property == "" {
			return nil, errors.New("property is required")
		}
		if !set {
			return styleProperty(sel.First().AttrOr("style", ""), p.Property), nil
		}
		sel.Each(func(_ int, s *goquery.Selection) {
			s.SetAttr("style", setStyleProperty(s.AttrOr("style", ""), p.Property, value))
		})
		return fmt.Sprintf("Set CSS %s to: %s", p.Property, value), nil
	case "html":
		if !set {
			html, err := sel.First().Html()
			return html, err
		}
		sel.SetHtml(value)
		return fmt.Sprintf("Set HTML of %d element(s)", sel.Length()), nil
	case "remove":
		n := sel.Length()
		sel.Remove()
		return fmt.Sprintf("Removed %d element(s)", n), nil
	default:
		return nil, fmt.Errorf("unknown DOM action: %s", p.Action)
	}
}

func readValue(sel *goquery.Selection) any {
	if sel.Length() == 0 {
		return nil
	}
	switch goquery.NodeName(sel) {
	case "textarea":
		return sel.Text()
	case "select":
		option := sel.Find("option[selected]").First()
		if option.Length() == 0 {
			option = sel.Find("option").First()
		}
		if v, ok := option.Attr("value"); ok {
			return v
		}
		return option.Text()
	default:
		return sel.AttrOr("value", "")
	}
}

func writeValue(sel *goquery.Selection, value string) {
	switch goquery.NodeName(sel) {
	case "textarea":
		sel.SetText(value)
	case "select":
		sel.Find("option").Each(func(_ int, option *goquery.Selection) {
			if option.AttrOr("value", option.Text()) == value {
				option.SetAttr("selected", "selected")
			} else {
				option.RemoveAttr("selected")
			}
		})
	default:
		sel.SetAttr("value", value)
	}
}

type styleDecl struct {
	name  string
	value string
}

func parseStyle(style string) []styleDecl {
	var decls []styleDecl
	for _, part := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		decls = append(decls, styleDecl{name: name, value: strings.TrimSpace(value)})
	}
	return decls
}

func styleProperty(style, property string) string {
	property = strings.ToLower(strings.TrimSpace(property))
	for _, d := range parseStyle(style) {
		if d.name == property {
			return d.value
		}
	}
	return ""
}

func setStyleProperty(style, property, value string) string {
	property = strings.ToLower(strings.TrimSpace(property))
	decls := parseStyle(style)

	replaced := false
	for i := range decls {
		if decls[i].name == property {
			decls[i].value = value
			replaced = true
		}
	}
	if !replaced {
		decls = append(decls, styleDecl{name: property, value: value})
	}

	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d.name+": "+d.value)
	}
	return strings.Join(parts, "; ")
}

type codeParams struct {
	Code string `json:"code"`
}

// RunJS evaluates caller-supplied code against the page. It serves both
// runJS and executeJS.
func (a *Agent) RunJS(ctx context.Context, params json.RawMessage) (any, error) {
	var p codeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	var result string
	err := a.page.Do(func(doc *goquery.Document) error {
		var err error
		result, err = Evaluate(ctx, doc, p.Code, func(args ...any) {
			a.log.Info("Script console", "args", args)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"result": result}, nil
}

// SystemInfo is the getSystemInfo payload.
type SystemInfo struct {
	UserAgent     string      `json:"userAgent"`
	URL           string      `json:"url"`
	Title         string      `json:"title"`
	JQueryVersion string      `json:"jqueryVersion"`
	AgentVersion  string      `json:"agentVersion"`
	GoVersion     string      `json:"goVersion"`
	OS            string      `json:"os"`
	Arch          string      `json:"arch"`
	Goroutines    int         `json:"goroutines"`
	Uptime        string      `json:"uptime"`
	MemoryUsage   MemoryUsage `json:"memoryUsage"`
	Hostname      string      `json:"hostname"`
}

type MemoryUsage struct {
	AllocMB float64 `json:"allocMB"`
	SysMB   float64 `json:"sysMB"`
}

func (a *Agent) GetSystemInfo(_ context.Context, _ json.RawMessage) (any, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hostname, _ := os.Hostname()

	return SystemInfo{
		UserAgent:     UserAgent(),
		URL:           a.page.URL(),
		Title:         a.page.Title(),
		JQueryVersion: goqueryVersion(),
		AgentVersion:  Version,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Goroutines:    runtime.NumGoroutine(),
		Uptime:        time.Since(a.started).Round(time.Second).String(),
		MemoryUsage: MemoryUsage{
			AllocMB: megabytes(mem.Alloc),
			SysMB:   megabytes(mem.Sys),
		},
		Hostname: hostname,
	}, nil
}

// UserAgent identifies this agent build.
func UserAgent() string {
	return fmt.Sprintf("devopschat-agent/%s (%s; %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func goqueryVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "goquery"
	}
	for _, dep := range info.Deps {
		if dep.Path == "github.com/PuerkitoBio/goquery" {
			return "goquery " + dep.Version
		}
	}
	return "goquery"
}

func megabytes(b uint64) float64 {
	mb := float64(b) / (1 << 20)
	rounded, _ := strconv.ParseFloat(strconv.FormatFloat(mb, 'f', 2, 64), 64)
	return rounded
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
