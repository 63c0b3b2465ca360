package relay

import (
	"encoding/json"
	"fmt"
	"html"
	"mime"
	"strings"
)

// FeedbackPath is the same-origin endpoint the injected bootstrap dials.
const FeedbackPath = "/__mirage/ws"

// WidgetPath is where the relay serves the widget script when it hosts one.
const WidgetPath = "/__mirage/widget.js"

// reservedPrefix is never proxied to the agent.
const reservedPrefix = "/__mirage/"

const bootstrapTemplate = `<script>(function(){` +
	`if(window.Mirage)return;` +
	`var p=location.protocol==="https:"?"wss:":"ws:";` +
	`var s=new WebSocket(p+"//"+location.host+%s);` +
	`s.addEventListener("open",function(){s.send(JSON.stringify({type:"hello",role:"browser",sessionId:%s}));});` +
	`window.Mirage={socket:s};` +
	`})();</script><script src="%s" defer></script>`

// bootstrapSnippet returns the markup inserted into proxied HTML pages: a
// socket to the feedback endpoint declaring the browser role, plus the widget.
func bootstrapSnippet(sessionID, widgetURL string) string {
	return fmt.Sprintf(bootstrapTemplate, jsString(FeedbackPath), jsString(sessionID), html.EscapeString(widgetURL))
}

// jsString quotes s for inline script use. encoding/json escapes <, > and &,
// so the result cannot close the script element.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// InjectBeforeBody inserts snippet immediately before the first
// case-insensitive "</body>". Without one the body is returned unchanged.
func InjectBeforeBody(body []byte, snippet string) []byte {
	idx := indexFold(body, "</body>")
	if idx < 0 {
		return body
	}
	result := make([]byte, 0, len(body)+len(snippet))
	result = append(result, body[:idx]...)
	result = append(result, snippet...)
	result = append(result, body[idx:]...)
	return result
}

// indexFold is an ASCII case-insensitive bytes.Index. Folding only ASCII keeps
// offsets valid for any encoding.
func indexFold(s []byte, sub string) int {
	n := len(sub)
	for i := 0; i+n <= len(s); i++ {
		match := true
		for j := 0; j < n; j++ {
			if lowerASCII(s[i+j]) != lowerASCII(sub[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// isHTML reports whether a Content-Type names an HTML document.
func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
	}
	return mt == "text/html"
}
