package fixture

// SendMessageRequest is the body of POST /api/send_message.
type SendMessageRequest struct {
	Text     string        `json:"text"`
	Messages []MessageInfo `json:"messages"`
}

// MessageInfo is one entry of the chat history sent as context.
type MessageInfo struct {
	ID     int    `json:"id"`
	IsUser bool   `json:"is_user"`
	Text   string `json:"text"`
}

// SendMessageResponse is the reply to a chat message. The optional fields
// restyle the page: the chat container, existing messages by id, and new
// elements inserted after the user's message.
type SendMessageResponse struct {
	Success             bool                 `json:"success"`
	Message             string               `json:"message"`
	ChatContainerStyles *string              `json:"chat_container_styles,omitempty"`
	ChangeStyleElements []StyleUpdate        `json:"change_style_elements,omitempty"`
	NewElements         []DynamicElementData `json:"new_elements,omitempty"`
}

// DynamicElementData describes an element the reply asks the page to create.
type DynamicElementData struct {
	ID         int               `json:"id"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Styles     string            `json:"styles,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// StyleUpdate appends CSS declarations to the message with the given id.
type StyleUpdate struct {
	ID     int    `json:"id"`
	Styles string `json:"styles"`
}
