// Package selfchanger declares the end-to-end suite for the Self Changer
// chat page: the CSS classes and title the page must expose, and the four
// scenarios that check loading, sending, refreshing and style requests.
package selfchanger

import (
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

// CSS class contract of the chat page.
const (
	MainContainer  = ".main-container"
	ChatContainer  = ".chat-container"
	MessagesArea   = ".messages-area"
	InputForm      = ".input-form"
	InputField     = ".input-field"
	SendButton     = ".send-button"
	RefreshButton  = ".refresh-button"
	MessageItem    = ".message-item"
	MessageText    = ".message-text"
	LoadingOverlay = ".loading-overlay"
)

// TitlePattern must match the document title.
const TitlePattern = "Self Changer"

// Scenario names.
const (
	PageLoads        = "page loads"
	SendMessage      = "send message"
	RefreshMessages  = "refresh keeps messages area"
	StyleChange      = "style change request"
	GreetingText     = "こんにちは"
	StyleRequestText = "背景を青にして"
)

// SettleTimeout bounds how long scenario 4 waits for the reply to land.
const SettleTimeout = 10 * time.Second

// Contract lists every selector the page must render on load.
func Contract() []string {
	return []string{MainContainer, ChatContainer, MessagesArea, InputForm, InputField, SendButton, RefreshButton, MessageItem}
}

// Suite returns the four scenarios in their canonical order.
func Suite() []scenario.Scenario {
	return []scenario.Scenario{
		{
			Name:        PageLoads,
			Description: "title matches and the layout containers are visible",
			Steps: []scenario.Step{
				scenario.Navigate("/"),
				scenario.Expect(scenario.TitleMatches(TitlePattern)),
				scenario.Expect(scenario.Visible(MainContainer)),
				scenario.Expect(scenario.Visible(ChatContainer)),
				scenario.Expect(scenario.Visible(MessagesArea)),
				scenario.Expect(scenario.Visible(InputForm)),
			},
		},
		{
			Name:        SendMessage,
			Description: "sending a greeting clears the input or adds the message",
			Steps: []scenario.Step{
				scenario.Navigate("/"),
				scenario.Expect(scenario.Visible(InputField)),
				scenario.Expect(scenario.Visible(SendButton)),
				scenario.Fill(InputField, GreetingText),
				scenario.Click(SendButton),
				// Which of the two the app guarantees is unsettled; either passes.
				scenario.Expect(scenario.AnyOf(
					scenario.HasValue(InputField, ""),
					scenario.HasCount(MessageItem, 2),
				)),
			},
		},
		{
			Name:        RefreshMessages,
			Description: "the refresh button resets the chat without hiding it",
			Steps: []scenario.Step{
				scenario.Navigate("/"),
				scenario.Expect(scenario.Visible(RefreshButton)),
				scenario.Click(RefreshButton),
				scenario.Expect(scenario.Visible(MessagesArea)),
			},
		},
		{
			Name:        StyleChange,
			Description: "a style request is answered and messages remain",
			Steps: []scenario.Step{
				scenario.Navigate("/"),
				scenario.Expect(scenario.Visible(InputField)),
				scenario.Expect(scenario.Visible(SendButton)),
				scenario.Fill(InputField, StyleRequestText),
				scenario.Click(SendButton),
				scenario.Settle(scenario.HasCount(LoadingOverlay, 0), SettleTimeout),
				scenario.Expect(scenario.CountAtLeast(MessageItem, 1)),
			},
		},
	}
}
