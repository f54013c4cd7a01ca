package fixture

import (
	"fmt"
	"strings"
)

// Canned texts of the chat page.
const (
	WelcomeMessage = "こんにちは！self changerチャットへようこそ。"
	RefreshMessage = "こんにちは！チャットへようこそ。"
	BlueBackground = "background-color: #bfdbfe"
)

// dangerousCSS are removed from any style the fixture hands to the page.
var dangerousCSS = []string{
	"javascript:", "vbscript:", "expression(", "eval(", "alert(",
	"document.", "window.", "location.", "history.", "navigator.",
	"<script", "</script", "onload=", "onerror=", "onclick=", "onmouseover=",
	"url(javascript:", "url(vbscript:", "url(data:text/html",
	"behavior:", "binding:", "-moz-binding:", "-webkit-binding:",
}

// SanitizeCSS strips script-capable constructs from a declaration list and
// drops the trailing semicolon. Removal repeats until nothing matches, so
// fragments cannot recombine into a pattern.
func SanitizeCSS(css string) string {
	for dirty := true; dirty; {
		dirty = false
		for _, p := range dangerousCSS {
			if strings.Contains(css, p) {
				css = strings.ReplaceAll(css, p, "")
				dirty = true
			}
		}
	}
	css = strings.TrimSpace(css)
	return strings.TrimSuffix(css, ";")
}

// Reply computes the deterministic response to req. Requests mentioning the
// background and blue restyle the chat container; requests for a button add
// one after the user's message; everything else is acknowledged.
func Reply(req SendMessageRequest) SendMessageResponse {
	text := strings.TrimSpace(req.Text)
	resp := SendMessageResponse{Success: true}

	switch {
	case strings.Contains(text, "背景") && (strings.Contains(text, "青") || strings.Contains(strings.ToLower(text), "blue")):
		styles := SanitizeCSS(BlueBackground)
		resp.ChatContainerStyles = &styles
		resp.Message = "背景を青に変更しました。"
	case strings.Contains(text, "ボタン"):
		resp.NewElements = []DynamicElementData{{
			ID:     1,
			Tag:    "button",
			Text:   "新しいボタン",
			Styles: SanitizeCSS("background-color: #22c55e; color: white; padding: 4px 8px;"),
		}}
		resp.Message = "ボタンを追加しました。"
	default:
		resp.Message = fmt.Sprintf("「%s」を受け取りました。", text)
	}
	return resp
}
