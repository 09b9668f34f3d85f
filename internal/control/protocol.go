package control

import "strings"

// request is one parsed `?verb arg1 arg2 …` line, paired with the channel
// its reply must be delivered on.
type request struct {
	verb  string
	args  []string
	reply chan string
}

// parseRequest splits a request line into its verb and arguments. Lines
// that don't start with "?" or carry no verb return ok=false, and the
// caller skips them.
func parseRequest(line string) (verb string, args []string, ok bool) {
	var trimmed = strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "?") {
		return "", nil, false
	}
	var fields = strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

// okReply formats a successful `!verb ok [fields…]` reply.
func okReply(verb string, fields ...string) string {
	var parts = append([]string{"!" + verb, "ok"}, fields...)
	return strings.Join(parts, " ")
}

// failReply formats a `!verb fail <kind> [message]` reply (spec §6
// "Control protocol": a fail reply is always followed by a single
// human-readable token, here the words of the message joined with "_").
func failReply(verb, kind, message string) string {
	var parts = []string{"!" + verb, "fail", kind}
	if message != "" {
		parts = append(parts, strings.Join(strings.Fields(message), "_"))
	}
	return strings.Join(parts, " ")
}

// informLine formats an unsolicited `#inform …` notice.
func informLine(name string, fields ...string) string {
	var parts = append([]string{"#" + name}, fields...)
	return strings.Join(parts, " ")
}
