package browser

import (
	"encoding/json"
	"fmt"
)

// DOM probes shared by the CDP drivers (rod, chromedp). Playwright has
// native equivalents. Each returns a plain JSON object so "no element" is
// never confused with a JS null.

const countJS = `(sel) => ({ found: true, count: document.querySelectorAll(sel).length })`

// visibleJS follows Playwright's notion of visible: attached, non-empty box,
// and not hidden by visibility.
const visibleJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return { found: false, visible: false };
	const style = window.getComputedStyle(el);
	if (style.visibility === 'hidden' || style.display === 'none') return { found: true, visible: false };
	const rect = el.getBoundingClientRect();
	return { found: true, visible: rect.width > 0 && rect.height > 0 };
}`

const valueJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return { found: false, value: '' };
	return { found: true, value: ('value' in el) ? String(el.value) : (el.textContent || '') };
}`

// fillJS replaces the value through the native setter so framework
// listeners see the change, then fires input and change.
const fillJS = `(sel, text) => {
	const el = document.querySelector(sel);
	if (!el) return { found: false };
	el.focus();
	const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, 'value');
	if (desc && desc.set && (el instanceof HTMLInputElement || el instanceof HTMLTextAreaElement)) {
		desc.set.call(el, text);
	} else {
		el.value = text;
	}
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return { found: true };
}`

type probeResult struct {
	Found   bool   `json:"found"`
	Count   int    `json:"count"`
	Visible bool   `json:"visible"`
	Value   string `json:"value"`
}

// invokeJS renders fn applied to args as a standalone expression, for
// engines that evaluate source text rather than function + arguments.
func invokeJS(fn string, args ...any) (string, error) {
	encoded := make([]byte, 0, 64)
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encode probe argument %d: %w", i, err)
		}
		if i > 0 {
			encoded = append(encoded, ',')
		}
		encoded = append(encoded, b...)
	}
	return fmt.Sprintf("(%s)(%s)", fn, encoded), nil
}
