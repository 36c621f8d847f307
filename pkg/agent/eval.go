package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
)

// ErrUnsettled is returned when a script's promise is still pending after
// every queued job has run. There is no event loop to settle it later.
var ErrUnsettled = errors.New("script promise did not settle")

// Evaluate runs code as a function body against doc and returns the
// serialized value it returns. A returned promise is resolved after the job
// queue drains. A fresh runtime is used per call and the run is interrupted
// when ctx is done.
func Evaluate(ctx context.Context, doc *goquery.Document, code string, log func(args ...any)) (string, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := bindPage(vm, doc, log); err != nil {
		return "", err
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	value, err := vm.RunString("(function () {\n" + code + "\n})()")
	if err != nil {
		return "", scriptError(err)
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return serializeValue(vm, value), nil
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return serializeValue(vm, promise.Result()), nil
	case goja.PromiseStateRejected:
		return "", errors.New(rejectionText(promise.Result()))
	default:
		return "", ErrUnsettled
	}
}

func bindPage(vm *goja.Runtime, doc *goquery.Document, log func(args ...any)) error {
	document := &scriptDocument{
		Title:           strings.TrimSpace(doc.Find("title").First().Text()),
		Body:            newElement(doc.Find("body")),
		DocumentElement: newElement(doc.Find("html")),
		doc:             doc,
	}
	if err := vm.Set("document", document); err != nil {
		return err
	}

	query := func(selector string) *goquery.Selection {
		return doc.Find(selector)
	}
	if err := vm.Set("$", query); err != nil {
		return err
	}
	if err := vm.Set("jQuery", query); err != nil {
		return err
	}

	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		if log != nil {
			args := make([]any, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				args = append(args, serializeValue(vm, arg))
			}
			log(args...)
		}
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// scriptDocument is the `document` global.
type scriptDocument struct {
	Title           string   `json:"title"`
	Body            *Element `json:"body"`
	DocumentElement *Element `json:"documentElement"`

	doc *goquery.Document
}

func (d *scriptDocument) QuerySelector(selector string) *Element {
	return newElement(d.doc.Find(selector))
}

func (d *scriptDocument) QuerySelectorAll(selector string) *NodeList {
	return newNodeList(d.doc.Find(selector))
}

// serializeValue applies Serialize to a script value, handling the cases
// that do not survive Export: undefined and script functions.
func serializeValue(vm *goja.Runtime, value goja.Value) string {
	switch {
	case value == nil, goja.IsUndefined(value):
		return "undefined"
	case goja.IsNull(value):
		return "null"
	}

	if _, ok := goja.AssertFunction(value); ok {
		name := value.ToObject(vm).Get("name")
		if name == nil || goja.IsUndefined(name) || name.String() == "" {
			return "function (anonymous)"
		}
		return "function " + name.String()
	}

	return Serialize(value.Export())
}

// rejectionText renders a rejection reason the way String(e) would.
func rejectionText(reason goja.Value) string {
	if reason == nil || goja.IsUndefined(reason) {
		return "undefined"
	}
	return reason.String()
}

func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return errors.New(rejectionText(exception.Value()))
	}
	return err
}
