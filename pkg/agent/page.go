package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

const blankPage = `<!DOCTYPE html><html><head><title></title></head><body></body></html>`

// Page is the document an agent operates on. Every read and write goes
// through Do, so operations never observe a half-applied mutation.
type Page struct {
	mu  sync.Mutex
	doc *goquery.Document
	url string
}

// NewPage parses html as the document found at url.
func NewPage(html, url string) (*Page, error) {
	if strings.TrimSpace(html) == "" {
		html = blankPage
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return &Page{doc: doc, url: url}, nil
}

// LoadFile reads a local HTML file.
func LoadFile(path string) (*Page, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewPage(string(raw), "file://"+path)
}

// LoadURL fetches url with client, or http.DefaultClient when nil.
func LoadURL(ctx context.Context, client *http.Client, url string) (*Page, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return NewPage(string(body), resp.Request.URL.String())
}

// Do runs fn with exclusive access to the document.
func (p *Page) Do(fn func(doc *goquery.Document) error) error {
	if p == nil {
		return errors.New("no page loaded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.doc)
}

func (p *Page) URL() string {
	return p.url
}

func (p *Page) Title() string {
	var title string
	_ = p.Do(func(doc *goquery.Document) error {
		title = strings.TrimSpace(doc.Find("title").First().Text())
		return nil
	})
	return title
}

// HTML renders the whole document.
func (p *Page) HTML() string {
	var out string
	_ = p.Do(func(doc *goquery.Document) error {
		out = documentHTML(doc)
		return nil
	})
	return out
}

func documentHTML(doc *goquery.Document) string {
	root := doc.Find("html").First()
	if root.Length() == 0 {
		html, _ := doc.Html()
		return html
	}
	html, _ := goquery.OuterHtml(root)
	return html
}
