package spooler

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

// SyslogSender writes one RFC 5424 message.
type SyslogSender interface {
	SendRFC5424(ctx context.Context, msg SyslogMessage) error
}

type SyslogMessage struct {
	Priority       int
	Timestamp      time.Time
	AppName        string
	MsgID          string
	StructuredData string
	Text           string
}

// SyslogClient sends each message over a fresh TCP connection.
type SyslogClient struct {
	addr    string
	timeout time.Duration
}

func NewSyslogClient(addr string, timeout time.Duration) *SyslogClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &SyslogClient{addr: addr, timeout: timeout}
}

func (c *SyslogClient) SendRFC5424(ctx context.Context, msg SyslogMessage) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(formatRFC5424(msg)); err != nil {
		return err
	}
	return w.Flush()
}

func formatRFC5424(msg SyslogMessage) string {
	host, _ := os.Hostname()
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	sd := msg.StructuredData
	if sd == "" {
		sd = "-"
	}
	return fmt.Sprintf("<%d>1 %s %s %s - %s %s %s\n",
		msg.Priority,
		ts.UTC().Format(time.RFC3339Nano),
		sanitizeSyslogToken(host),
		sanitizeSyslogToken(msg.AppName),
		sanitizeSyslogToken(msg.MsgID),
		sd,
		strings.TrimSpace(msg.Text))
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// SyslogForwarder forwards alerts to a syslog collector.
type SyslogForwarder struct {
	sender  SyslogSender
	appName string
	labels  map[string]string
}

// NewSyslogForwarder builds a forwarder. labels are constant structured
// data parameters added to every message (env, site, ...).
func NewSyslogForwarder(sender SyslogSender, appName string, labels map[string]string) *SyslogForwarder {
	if appName == "" {
		appName = "logvault"
	}
	return &SyslogForwarder{sender: sender, appName: appName, labels: labels}
}

func (f *SyslogForwarder) Forward(ctx context.Context, a Alert) error {
	kv := make(map[string]string, len(f.labels)+4)
	for k, v := range f.labels {
		kv[k] = v
	}
	kv["code"] = a.Code
	kv["severity"] = string(a.Severity)
	kv["dedup"] = a.DedupKey
	kv["alert_id"] = fmt.Sprint(a.ID)

	return f.sender.SendRFC5424(ctx, SyslogMessage{
		Priority:       syslogPriority(a.Severity),
		Timestamp:      a.CreatedAt,
		AppName:        f.appName,
		MsgID:          a.Code,
		StructuredData: buildStructuredData("logvault", kv),
		Text:           a.Message,
	})
}

// syslogPriority maps a severity onto facility local0.
func syslogPriority(s Severity) int {
	const local0 = 16 * 8
	switch s {
	case SeverityError:
		return local0 + 3
	case SeverityWarning:
		return local0 + 4
	default:
		return local0 + 6
	}
}

func buildStructuredData(sdID string, kv map[string]string) string {
	if sdID == "" {
		sdID = "logvault"
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	preferredOrder := []string{"code", "severity", "dedup", "alert_id"}
	seen := make(map[string]struct{}, len(kv))
	write := func(k, v string) {
		seen[k] = struct{}{}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	for _, k := range preferredOrder {
		if v, ok := kv[k]; ok && strings.TrimSpace(v) != "" {
			write(k, v)
		}
	}
	extraKeys := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		write(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}
