package notification

import (
	"strings"
)

// Template keys
const (
	KeyNewVisitor     = "new_visitor"
	KeyVisitorMessage = "visitor_message"
	KeyLoginCode      = "admin_login_code"
)

var translations = map[string]map[string]string{
	"tr": {
		KeyNewVisitor:     "🟢 Yeni ziyaretçi: {name}\nKonuşma ID: {conv_id}\nBu mesaja reply atarak yanıtlayabilirsin.",
		KeyVisitorMessage: "👤 {name}: {content}\n(Conv: {conv_id})",
		KeyLoginCode:      "🔐 Admin giriş kodu: {code}\nGeçerlilik: {ttl} dk",
	},
	"en": {
		KeyNewVisitor:     "🟢 New visitor: {name}\nConversation ID: {conv_id}\nReply to this message to respond.",
		KeyVisitorMessage: "👤 {name}: {content}\n(Conv: {conv_id})",
		KeyLoginCode:      "🔐 Admin login code: {code}\nValid for: {ttl} min",
	},
}

// Render fills the template for key in lang, falling back to Turkish for
// unknown languages and to the key itself for unknown keys. Placeholders are
// written {name}.
func Render(lang, key string, args map[string]string) string {
	table, ok := translations[lang]
	if !ok {
		table = translations["tr"]
	}
	text, ok := table[key]
	if !ok {
		return key
	}

	pairs := make([]string, 0, len(args)*2)
	for k, v := range args {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Truncate caps text at max runes, marking the cut with an ellipsis
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}
