package agent

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxHTMLChars    = 4000
	truncatedMarker = "…[truncated]"
)

// Element is a single DOM node as seen by scripts. The exported fields are a
// snapshot taken when the element was looked up.
type Element struct {
	TagName     string `json:"tagName"`
	ID          string `json:"id"`
	ClassName   string `json:"className"`
	TextContent string `json:"textContent"`
	InnerHTML   string `json:"innerHTML"`

	sel *goquery.Selection
}

func newElement(sel *goquery.Selection) *Element {
	if sel == nil || sel.Length() == 0 {
		return nil
	}
	sel = sel.First()
	inner, _ := sel.Html()
	return &Element{
		TagName:     strings.ToUpper(goquery.NodeName(sel)),
		ID:          sel.AttrOr("id", ""),
		ClassName:   sel.AttrOr("class", ""),
		TextContent: sel.Text(),
		InnerHTML:   inner,
		sel:         sel,
	}
}

// GetAttribute returns nil when the attribute is absent.
func (e *Element) GetAttribute(name string) any {
	if v, ok := e.sel.Attr(name); ok {
		return v
	}
	return nil
}

func (e *Element) SetAttribute(name, value string) {
	e.sel.SetAttr(name, value)
}

func (e *Element) SetTextContent(text string) {
	e.sel.SetText(text)
	e.TextContent = text
}

func (e *Element) QuerySelector(selector string) *Element {
	return newElement(e.sel.Find(selector))
}

func (e *Element) Remove() {
	e.sel.Remove()
}

// Click is accepted for script compatibility. A static document has no
// listeners to run.
func (e *Element) Click() {}

func (e *Element) OuterHTML() string {
	html, _ := goquery.OuterHtml(e.sel)
	return html
}

// NodeList is the result of querySelectorAll.
type NodeList struct {
	Length int `json:"length"`

	items []*Element
}

func newNodeList(sel *goquery.Selection) *NodeList {
	list := &NodeList{}
	sel.Each(func(_ int, s *goquery.Selection) {
		list.items = append(list.items, newElement(s))
	})
	list.Length = len(list.items)
	return list
}

func (n *NodeList) Item(i int) *Element {
	if i < 0 || i >= len(n.items) {
		return nil
	}
	return n.items[i]
}

// capHTML truncates html to the transmissible size.
func capHTML(html string) string {
	if utf8.RuneCountInString(html) <= maxHTMLChars {
		return html
	}
	runes := []rune(html)
	return string(runes[:maxHTMLChars]) + truncatedMarker
}

// Serialize renders a script result as a string: elements as capped outer
// HTML, element lists and selections as counts, composite values as JSON and
// everything else with fmt. A composite JSON cannot encode, such as a cyclic
// object, becomes "[object Object]" or "[object Array]".
func Serialize(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case *Element:
		if val == nil {
			return "null"
		}
		return capHTML(val.OuterHTML())
	case *goquery.Selection:
		if val == nil {
			return "null"
		}
		return fmt.Sprintf("jQuery(%d elements)", val.Length())
	case *NodeList:
		if val == nil {
			return "null"
		}
		return fmt.Sprintf("NodeList(%d)", val.Length)
	case json.RawMessage:
		return string(val)
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return "function " + funcName(rv)
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
		raw, err := json.Marshal(v)
		if err != nil {
			return unencodable(rv.Kind())
		}
		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

// unencodable never formats the value itself: fmt walks cycles without bound.
func unencodable(kind reflect.Kind) string {
	if kind == reflect.Slice || kind == reflect.Array {
		return "[object Array]"
	}
	return "[object Object]"
}

// funcName returns the unqualified name of a Go func, or "(anonymous)" for
// closures.
func funcName(rv reflect.Value) string {
	if rv.IsNil() {
		return "(anonymous)"
	}
	fn := runtime.FuncForPC(rv.Pointer())
	if fn == nil {
		return "(anonymous)"
	}
	name := fn.Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if name == "" || strings.HasPrefix(name, "func") {
		return "(anonymous)"
	}
	return name
}
