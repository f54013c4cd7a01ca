package fixture

import (
	"bytes"
	"html/template"
	"io"
)

// pageData is what the chat page template renders.
type pageData struct {
	Title    string
	Messages []MessageInfo
}

var pageTemplate = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
  body { margin: 0; font-family: sans-serif; background: #f3f4f6; }
  .main-container { position: relative; min-height: 100vh; display: flex; align-items: center; justify-content: center; }
  .chat-container { width: 640px; max-width: 95vw; background: #fff; border-radius: 12px; padding: 16px; box-shadow: 0 4px 16px rgba(0,0,0,.1); }
  .messages-area { min-height: 320px; max-height: 60vh; overflow-y: auto; display: flex; flex-direction: column; gap: 8px; }
  .message-item { display: flex; gap: 8px; }
  .justify-end { justify-content: flex-end; }
  .justify-start { justify-content: flex-start; }
  .message-bubble { padding: 12px 16px; border-radius: 18px; max-width: 85%; color: #1f2937; }
  .justify-end .message-bubble { background-color: #dbeafe; }
  .justify-start .message-bubble { background-color: #e5e7eb; }
  .message-text { margin: 0; white-space: pre-wrap; }
  .input-form { display: flex; gap: 8px; margin-top: 12px; }
  .input-field { flex: 1; padding: 8px 12px; font-size: 16px; }
  .send-button, .refresh-button { padding: 8px 12px; cursor: pointer; }
  .refresh-button { position: absolute; top: 16px; right: 16px; }
  .loading-overlay { position: fixed; inset: 0; background: rgba(0,0,0,.3); display: flex; align-items: center; justify-content: center; }
  .loading-text { color: #fff; font-size: 20px; }
</style>
</head>
<body>
<div class="main-container">
  <button class="refresh-button" type="button" aria-label="refresh">&#x21bb;</button>
  <div class="chat-container">
    <div class="messages-area">
      {{- range .Messages}}
      <div class="message-item {{if .IsUser}}justify-end{{else}}justify-start{{end}}" data-id="{{.ID}}" data-user="{{.IsUser}}">
        {{- if not .IsUser}}<div class="message-icon">🤖</div>{{end}}
        <div class="message-bubble"><p class="message-text">{{.Text}}</p></div>
      </div>
      {{- end}}
    </div>
    <form class="input-form">
      <input type="text" class="input-field" placeholder="メッセージを入力..." autocomplete="off">
      <button type="submit" class="send-button" aria-label="send">&#x27a4;</button>
    </form>
  </div>
</div>
<script>
(function () {
  const main = document.querySelector('.main-container');
  const chat = document.querySelector('.chat-container');
  const area = document.querySelector('.messages-area');
  const form = document.querySelector('.input-form');
  const input = document.querySelector('.input-field');
  const refresh = document.querySelector('.refresh-button');

  let messages = Array.from(area.querySelectorAll('.message-item')).map(function (el) {
    return { id: Number(el.dataset.id), is_user: el.dataset.user === 'true', text: el.querySelector('.message-text').textContent };
  });

  function renderMessage(msg) {
    const item = document.createElement('div');
    item.className = 'message-item ' + (msg.is_user ? 'justify-end' : 'justify-start');
    item.dataset.id = String(msg.id);
    item.dataset.user = String(msg.is_user);
    if (!msg.is_user) {
      const icon = document.createElement('div');
      icon.className = 'message-icon';
      icon.textContent = '🤖';
      item.appendChild(icon);
    }
    const bubble = document.createElement('div');
    bubble.className = 'message-bubble';
    const p = document.createElement('p');
    p.className = 'message-text';
    p.textContent = msg.text;
    bubble.appendChild(p);
    item.appendChild(bubble);
    area.appendChild(item);
    return item;
  }

  function push(text, isUser) {
    const last = messages[messages.length - 1];
    const msg = { id: last ? last.id + 1 : 0, is_user: isUser, text: text };
    messages.push(msg);
    return { msg: msg, el: renderMessage(msg) };
  }

  function renderDynamic(anchor, elements) {
    let after = anchor;
    elements.forEach(function (d) {
      const wrap = document.createElement('div');
      wrap.className = 'dynamic-element';
      if (d.styles) wrap.setAttribute('style', d.styles);
      const child = document.createElement(['div', 'p', 'span', 'button', 'a'].indexOf(d.tag) >= 0 ? d.tag : 'div');
      child.textContent = d.text || '';
      wrap.appendChild(child);
      after.after(wrap);
      after = wrap;
    });
  }

  function setLoading(on) {
    const existing = main.querySelector('.loading-overlay');
    if (on && !existing) {
      const overlay = document.createElement('div');
      overlay.className = 'loading-overlay';
      overlay.innerHTML = '<div class="loading-text">読み込み中...</div>';
      main.prepend(overlay);
    } else if (!on && existing) {
      existing.remove();
    }
  }

  form.addEventListener('submit', function (ev) {
    ev.preventDefault();
    const raw = input.value;
    const text = raw.trim();
    if (!text) return;
    const sent = push(raw, true);
    input.value = '';
    setLoading(true);
    fetch('/api/send_message', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({ text: text, messages: messages })
    })
      .then(function (r) { return r.json(); })
      .then(function (res) {
        if (res.new_elements) renderDynamic(sent.el, res.new_elements);
        if (res.chat_container_styles) chat.setAttribute('style', res.chat_container_styles);
        (res.change_style_elements || []).forEach(function (u) {
          const el = area.querySelector('.message-item[data-id="' + u.id + '"] .message-bubble');
          if (el) el.setAttribute('style', (el.getAttribute('style') || '') + u.styles + ';');
        });
        push(res.message, false);
      })
      .catch(function (err) { console.error('send_message failed', err); })
      .finally(function () { setLoading(false); });
  });

  refresh.addEventListener('click', function () {
    area.innerHTML = '';
    messages = [];
    chat.removeAttribute('style');
    push({{.RefreshText}}, false);
  });
})();
</script>
</body>
</html>
`))

// RenderPage writes the chat page seeded with msgs.
func RenderPage(w io.Writer, msgs []MessageInfo) error {
	return pageTemplate.Execute(w, struct {
		pageData
		RefreshText string
	}{pageData{Title: "Self Changer", Messages: msgs}, RefreshMessage})
}

// InitialMessages is the history a fresh page starts with.
func InitialMessages() []MessageInfo {
	return []MessageInfo{{ID: 0, IsUser: false, Text: WelcomeMessage}}
}

// PageHTML renders the initial page to a string.
func PageHTML() string {
	var buf bytes.Buffer
	if err := RenderPage(&buf, InitialMessages()); err != nil {
		panic(err)
	}
	return buf.String()
}
