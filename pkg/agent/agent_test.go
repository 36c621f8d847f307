package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"devopschat/pkg/rpc"
)

const shopHTML = `<!DOCTYPE html>
<html><head><title> Shop </title></head>
<body>
  <h1 id="title" class="hero">Cart</h1>
  <ul><li>one</li><li>two</li><li>three</li></ul>
  <input id="qty" value="1">
  <textarea id="note">hi</textarea>
  <select id="size"><option value="s">S</option><option value="m" selected>M</option></select>
  <p id="styled" style="color: red; margin: 0">x</p>
</body></html>`

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	page, err := NewPage(shopHTML, "https://shop.example/cart")
	require.NoError(t, err)
	return New(page, Options{Session: "shop"})
}

func call(t *testing.T, op rpc.Operation, params any) (map[string]any, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)

	result, err := op(context.Background(), raw)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(result)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(encoded, &out))
	return out, nil
}

func TestPing(t *testing.T) {
	a := newTestAgent(t)

	out, err := call(t, a.Ping, nil)
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
	require.Equal(t, true, out["jquery"])
	require.Equal(t, Version, out["agentVersion"])
}

func TestGetDom(t *testing.T) {
	a := newTestAgent(t)

	out, err := call(t, a.GetDom, map[string]string{"selector": "#title"})
	require.NoError(t, err)
	require.Equal(t, "#title", out["selector"])
	require.Equal(t, `<h1 id="title" class="hero">Cart</h1>`, out["html"])

	out, err = call(t, a.GetDom, nil)
	require.NoError(t, err)
	require.Equal(t, "body", out["selector"])
	require.True(t, strings.HasPrefix(out["html"].(string), "<body>"))

	out, err = call(t, a.GetDom, map[string]string{"selector": "document"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out["html"].(string), "<html>"))

	_, err = call(t, a.GetDom, map[string]string{"selector": ".missing"})
	require.EqualError(t, err, "no match for selector: .missing")
}

func TestGetDomTruncatesLargeElements(t *testing.T) {
	page, err := NewPage("<html><body><div id=big>"+strings.Repeat("é", 5000)+"</div></body></html>", "")
	require.NoError(t, err)
	a := New(page, Options{})

	out, err := call(t, a.GetDom, map[string]string{"selector": "#big"})
	require.NoError(t, err)
	html := out["html"].(string)
	require.True(t, strings.HasSuffix(html, "…[truncated]"))
	require.Equal(t, 4000+len([]rune("…[truncated]")), len([]rune(html)))
}

func TestManipulateDOM(t *testing.T) {
	a := newTestAgent(t)

	cases := []struct {
		params map[string]any
		want   any
	}{
		{map[string]any{"selector": "li", "action": "click"}, "Clicked 3 element(s)"},
		{map[string]any{"selector": "#title", "action": "text"}, "Cart"},
		{map[string]any{"selector": "#title", "action": "text", "value": "Basket"}, "Set text to: Basket"},
		{map[string]any{"selector": "#title", "action": "text"}, "Basket"},
		{map[string]any{"selector": "#qty", "action": "val"}, "1"},
		{map[string]any{"selector": "#qty", "action": "val", "value": 3}, "Set value to: 3"},
		{map[string]any{"selector": "#qty", "action": "val"}, "3"},
		{map[string]any{"selector": "#note", "action": "val"}, "hi"},
		{map[string]any{"selector": "#size", "action": "val"}, "m"},
		{map[string]any{"selector": "#size", "action": "val", "value": "s"}, "Set value to: s"},
		{map[string]any{"selector": "#size", "action": "val"}, "s"},
		{map[string]any{"selector": "#title", "action": "attr", "attribute": "class"}, "hero"},
		{map[string]any{"selector": "#title", "action": "attr", "attribute": "data-x"}, nil},
		{map[string]any{"selector": "#title", "action": "attr", "attribute": "data-x", "value": "1"}, "Set data-x to: 1"},
		{map[string]any{"selector": "#styled", "action": "css", "property": "color"}, "red"},
		{map[string]any{"selector": "#styled", "action": "css", "property": "color", "value": "blue"}, "Set CSS color to: blue"},
		{map[string]any{"selector": "#styled", "action": "css", "property": "padding", "value": "2px"}, "Set CSS padding to: 2px"},
		{map[string]any{"selector": "ul", "action": "html"}, "<li>one</li><li>two</li><li>three</li>"},
		{map[string]any{"selector": "ul", "action": "html", "value": "<li>only</li>"}, "Set HTML of 1 element(s)"},
		{map[string]any{"selector": "li", "action": "remove"}, "Removed 1 element(s)"},
	}
	for _, tc := range cases {
		out, err := call(t, a.ManipulateDOM, tc.params)
		require.NoError(t, err, "params %v", tc.params)
		require.Equal(t, tc.want, out["result"], "params %v", tc.params)
	}

	require.NoError(t, a.Page().Do(func(doc *goquery.Document) error {
		require.Equal(t, "color: blue; margin: 0; padding: 2px", doc.Find("#styled").AttrOr("style", ""))
		require.Equal(t, "1", doc.Find("#title").AttrOr("data-x", ""))
		require.Zero(t, doc.Find("li").Length())
		return nil
	}))

	_, err := call(t, a.ManipulateDOM, map[string]any{"selector": "#title", "action": "explode"})
	require.EqualError(t, err, "unknown DOM action: explode")

	_, err = call(t, a.ManipulateDOM, map[string]any{"action": "text"})
	require.Error(t, err)
}

func TestRunJS(t *testing.T) {
	a := newTestAgent(t)

	cases := []struct {
		code string
		want string
	}{
		{"return 1 + 1", "2"},
		{"return 'plain'", "plain"},
		{"return Promise.resolve(21 * 2)", "42"},
		{"return Promise.resolve(1).then(n => n + 1)", "2"},
		{"return {a: 1, b: [true, null]}", `{"a":1,"b":[true,null]}`},
		{"return null", "null"},
		{"", "undefined"},
		{"return document.title", "Shop"},
		{"return document.querySelector('#title')", `<h1 id="title" class="hero">Cart</h1>`},
		{"return document.querySelector('#title').textContent", "Cart"},
		{"return document.querySelector('#title').getAttribute('class')", "hero"},
		{"return document.querySelectorAll('li')", "NodeList(3)"},
		{"return document.querySelectorAll('li').item(1).textContent", "two"},
		{"return $('li')", "jQuery(3 elements)"},
		{"return $('li').length()", "3"},
		{"return function namedThing() {}", "function namedThing"},
		{"return () => 1", "function (anonymous)"},
	}
	for _, tc := range cases {
		out, err := call(t, a.RunJS, map[string]string{"code": tc.code})
		require.NoError(t, err, "code %q", tc.code)
		require.Equal(t, tc.want, out["result"], "code %q", tc.code)
	}
}

func TestRunJSMutatesPage(t *testing.T) {
	a := newTestAgent(t)

	_, err := call(t, a.RunJS, map[string]string{"code": "document.querySelector('#title').setTextContent('Paid')"})
	require.NoError(t, err)

	out, err := call(t, a.GetDom, map[string]string{"selector": "#title"})
	require.NoError(t, err)
	require.Contains(t, out["html"], "Paid")
}

func TestRunJSErrors(t *testing.T) {
	a := newTestAgent(t)

	_, err := call(t, a.RunJS, map[string]string{"code": "throw new Error('boom')"})
	require.EqualError(t, err, "Error: boom")

	_, err = call(t, a.RunJS, map[string]string{"code": "return Promise.reject('nope')"})
	require.EqualError(t, err, "nope")

	_, err = call(t, a.RunJS, map[string]string{"code": "return new Promise(() => {})"})
	require.ErrorIs(t, err, ErrUnsettled)

	_, err = call(t, a.RunJS, map[string]string{"code": "return ((("})
	require.Error(t, err)

	// The agent still serves calls after failures.
	out, err := call(t, a.RunJS, map[string]string{"code": "return 'alive'"})
	require.NoError(t, err)
	require.Equal(t, "alive", out["result"])
}

func TestRunJSCircularResult(t *testing.T) {
	a := newTestAgent(t)

	out, err := call(t, a.RunJS, map[string]string{"code": "var o = {a: 1}; o.self = o; return o;"})
	require.NoError(t, err)
	require.Equal(t, "[object Object]", out["result"])

	out, err = call(t, a.RunJS, map[string]string{"code": "var xs = [1]; xs.push(xs); return xs;"})
	require.NoError(t, err)
	require.Equal(t, "[object Array]", out["result"])

	out, err = call(t, a.RunJS, map[string]string{"code": "return 1 + 1"})
	require.NoError(t, err)
	require.Equal(t, "2", out["result"])

	_, err = call(t, a.Ping, nil)
	require.NoError(t, err)
}

func TestRunJSInterruptedAtDeadline(t *testing.T) {
	a := newTestAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.RunJS(ctx, json.RawMessage(`{"code":"for (;;) {}"}`))
	require.ErrorContains(t, err, "script interrupted")
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestGetSystemInfo(t *testing.T) {
	a := newTestAgent(t)

	out, err := call(t, a.GetSystemInfo, nil)
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/cart", out["url"])
	require.Equal(t, "Shop", out["title"])
	require.Equal(t, Version, out["agentVersion"])
	require.Contains(t, out["userAgent"], "devopschat-agent/")
	require.Contains(t, out, "memoryUsage")
}

func TestOperationsCoverEveryMethod(t *testing.T) {
	ops := newTestAgent(t).Operations()
	for _, m := range rpc.Methods {
		if _, ok := ops[m]; !ok {
			t.Fatalf("missing operation for %s", m)
		}
	}

	hello := newTestAgent(t).Hello("https://shop.example")
	require.Equal(t, "shop", hello.Session)
	require.True(t, hello.Capabilities["runJS"])
}

func TestSerialize(t *testing.T) {
	type pair struct{ A, B int }
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"text", "text"},
		{42, "42"},
		{true, "true"},
		{[]int{1, 2}, "[1,2]"},
		{map[string]int{"a": 1}, `{"a":1}`},
		{pair{1, 2}, `{"A":1,"B":2}`},
		{TestSerialize, "function TestSerialize"},
		{cyclicMap(), "[object Object]"},
		{cyclicSlice(), "[object Array]"},
		{func() {}, "function (anonymous)"},
		{&NodeList{Length: 2}, "NodeList(2)"},
	}
	for _, tc := range cases {
		if got := Serialize(tc.in); got != tc.want {
			t.Fatalf("Serialize(%T) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoadPageSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(shopHTML))
	}))
	defer srv.Close()

	page, err := LoadURL(context.Background(), srv.Client(), srv.URL+"/cart")
	require.NoError(t, err)
	require.Equal(t, "Shop", page.Title())
	require.Equal(t, srv.URL+"/cart", page.URL())

	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(shopHTML), 0o600))
	page, err = LoadFile(path)
	require.NoError(t, err)
	require.Contains(t, page.HTML(), `id="qty"`)

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	_, err = LoadURL(context.Background(), missing.Client(), missing.URL)
	require.Error(t, err)
}

func cyclicMap() map[string]any {
	m := map[string]any{"a": 1}
	m["self"] = m
	return m
}

func cyclicSlice() []any {
	xs := []any{1, nil}
	xs[1] = xs
	return xs
}
