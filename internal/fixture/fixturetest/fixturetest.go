// Package fixturetest mirrors the fixture chat page on the in-memory
// browser so suites can be exercised without Chromium.
package fixturetest

import (
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kuitang/selfchanger-e2e/internal/browser/browsertest"
	"github.com/kuitang/selfchanger-e2e/internal/fixture"
)

// Options alter the fake page's behaviour to provoke failures.
type Options struct {
	// ReplyDelay is how long the loading overlay stays up after a send.
	ReplyDelay time.Duration
	// KeepInput leaves the typed text in the input after sending.
	KeepInput bool
	// DropMessages makes sends append nothing.
	DropMessages bool
	// NoRefresh removes the refresh button from the page.
	NoRefresh bool
	// Title overrides the document title.
	Title string
}

// Site returns a browsertest site serving the chat page at "/".
func Site(opts Options) *browsertest.Site {
	page := fixture.PageHTML()
	if opts.NoRefresh {
		page = strings.Replace(page, `<button class="refresh-button"`, `<button class="reload"`, 1)
	}
	if opts.Title != "" {
		page = strings.Replace(page, "<title>Self Changer</title>", "<title>"+opts.Title+"</title>", 1)
	}
	return &browsertest.Site{
		Pages: map[string]string{"/": page},
		Clicks: map[string]browsertest.Handler{
			".send-button":    func(s *browsertest.Session) { send(s, opts) },
			".refresh-button": refresh,
		},
	}
}

func send(s *browsertest.Session, opts Options) {
	var req fixture.SendMessageRequest
	var anchor *goquery.Selection
	s.Mutate(func(doc *goquery.Document) {
		input := doc.Find(".input-field").First()
		raw, _ := input.Attr("value")
		text := strings.TrimSpace(raw)
		if text == "" {
			return
		}
		if !opts.DropMessages {
			anchor = appendMessage(doc, raw, true)
		}
		req = fixture.SendMessageRequest{Text: text, Messages: history(doc)}
		if !opts.KeepInput {
			input.SetAttr("value", "")
		}
		doc.Find(".main-container").PrependHtml(`<div class="loading-overlay"><div class="loading-text">読み込み中...</div></div>`)
	})
	if req.Text == "" {
		return
	}
	s.Later(opts.ReplyDelay, func(doc *goquery.Document) {
		resp := fixture.Reply(req)
		if resp.ChatContainerStyles != nil {
			doc.Find(".chat-container").SetAttr("style", *resp.ChatContainerStyles)
		}
		if !opts.DropMessages {
			if anchor != nil {
				for _, el := range resp.NewElements {
					anchor.AfterHtml(`<div class="dynamic-element"><` + el.Tag + `></` + el.Tag + `></div>`)
				}
			}
			appendMessage(doc, resp.Message, false)
		}
		doc.Find(".loading-overlay").Remove()
	})
}

func refresh(s *browsertest.Session) {
	s.Mutate(func(doc *goquery.Document) {
		doc.Find(".messages-area").Empty()
		doc.Find(".dynamic-element").Remove()
		doc.Find(".chat-container").RemoveAttr("style")
		appendMessage(doc, fixture.RefreshMessage, false)
	})
}

func history(doc *goquery.Document) []fixture.MessageInfo {
	var out []fixture.MessageInfo
	doc.Find(".message-item").Each(func(_ int, item *goquery.Selection) {
		id, _ := strconv.Atoi(item.AttrOr("data-id", "0"))
		out = append(out, fixture.MessageInfo{
			ID:     id,
			IsUser: item.AttrOr("data-user", "") == "true",
			Text:   item.Find(".message-text").Text(),
		})
	})
	return out
}

func appendMessage(doc *goquery.Document, text string, isUser bool) *goquery.Selection {
	next := 0
	if last := doc.Find(".message-item").Last(); last.Length() > 0 {
		id, _ := strconv.Atoi(last.AttrOr("data-id", "0"))
		next = id + 1
	}
	side := "justify-start"
	if isUser {
		side = "justify-end"
	}
	area := doc.Find(".messages-area")
	area.AppendHtml(`<div class="message-item ` + side + `"><div class="message-bubble"><p class="message-text"></p></div></div>`)
	item := area.Find(".message-item").Last()
	item.SetAttr("data-id", strconv.Itoa(next))
	item.SetAttr("data-user", strconv.FormatBool(isUser))
	item.Find(".message-text").SetText(text)
	return item
}
