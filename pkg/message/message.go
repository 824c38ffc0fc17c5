// Package message turns raw inbound mail text into headers and a body.
//
// Parsing is deliberately forgiving: there is no error path. A missing or
// malformed header simply reads back as the empty string.
package message

import (
	"net/netip"
	"regexp"
	"strings"
	"unicode"
)

// Field is one header line as received, after unfolding.
type Field struct {
	Key   string
	Value string
}

// Message is a parsed inbound message.
type Message struct {
	// Headers maps each key, exactly as received, to its last value.
	Headers map[string]string
	// Fields keeps every header in order, including repeats such as Received.
	Fields []Field
	Body   string
}

// Parse splits raw into a header block and a body. The header block ends at
// the first empty line. CRLF and LF line endings are both accepted, and a
// continuation line is appended to the previous header joined by one space.
func Parse(raw string) *Message {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	msg := &Message{Headers: make(map[string]string)}

	i := 0
	current := -1
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		if current >= 0 && startsWithSpace(line) {
			f := &msg.Fields[current]
			f.Value += " " + strings.TrimSpace(line)
			msg.Headers[f.Key] = f.Value
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		f := Field{
			Key:   strings.TrimSpace(line[:idx]),
			Value: strings.TrimSpace(line[idx+1:]),
		}
		msg.Fields = append(msg.Fields, f)
		msg.Headers[f.Key] = f.Value
		current = len(msg.Fields) - 1
	}

	if i < len(lines) {
		msg.Body = strings.Join(lines[i:], "\n")
	}
	return msg
}

func startsWithSpace(s string) bool {
	return s != "" && unicode.IsSpace(rune(s[0]))
}

// Get returns the value of the first of names present with an exact key
// match. If none matches exactly, the last header whose key equals one of
// names case-insensitively is used.
func (m *Message) Get(names ...string) string {
	for _, n := range names {
		if v, ok := m.Headers[n]; ok {
			return v
		}
	}
	for _, n := range names {
		for j := len(m.Fields) - 1; j >= 0; j-- {
			if strings.EqualFold(m.Fields[j].Key, n) {
				return m.Fields[j].Value
			}
		}
	}
	return ""
}

// Values returns every value of the header name, compared case-insensitively,
// in the order received.
func (m *Message) Values(name string) []string {
	var out []string
	for _, f := range m.Fields {
		if strings.EqualFold(f.Key, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

var (
	angleAddr = regexp.MustCompile(`<([^>]+)>`)
	bareAddr  = regexp.MustCompile(`([^\s<>]+@[^\s<>]+)`)
)

// ExtractAddress pulls the mailbox out of a header value such as
// "Jane <jane@example.org>". Without angle brackets the first local@domain
// substring is used, and failing that the trimmed value itself.
func ExtractAddress(value string) string {
	if value == "" {
		return ""
	}
	if m := angleAddr.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	if m := bareAddr.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	return strings.TrimSpace(value)
}

// Patterns tried against each Received header, most specific first.
var receivedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`from.*?\[(\d+\.\d+\.\d+\.\d+)\]`),
	regexp.MustCompile(`from.*?\((\d+\.\d+\.\d+\.\d+)\)`),
	regexp.MustCompile(`from.*?(\d+\.\d+\.\d+\.\d+)`),
}

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// ExtractOriginIP walks the Received headers in order and returns the first
// public IPv4 address a relay recorded for the connecting peer, or "" when
// every hop is private or unparseable.
func ExtractOriginIP(m *Message) string {
	for _, received := range m.Values("Received") {
		ip := receivedIP(received)
		if ip == "" || IsPrivateIP(ip) {
			continue
		}
		return ip
	}
	return ""
}

// receivedIP returns the candidate peer address of a single Received header.
func receivedIP(received string) string {
	for _, re := range receivedPatterns {
		m := re.FindStringSubmatch(received)
		if m == nil {
			continue
		}
		if _, err := netip.ParseAddr(m[1]); err != nil {
			continue
		}
		return m[1]
	}
	return ""
}

// IsPrivateIP reports whether ip is loopback or in an RFC 1918 range.
// Unparseable input counts as private so it is never tracked.
func IsPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return true
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
