package email

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/maillist/internal/subscribers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "enabled without smtp host",
			config: Config{
				Enabled:     true,
				FromAddress: "test@example.com",
			},
			wantErr: "SMTP host is required",
		},
		{
			name: "enabled without from address",
			config: Config{
				Enabled:  true,
				SMTPHost: "smtp.example.com",
			},
			wantErr: "from address is required",
		},
		{
			name: "disabled - no validation",
			config: Config{
				Enabled: false,
			},
		},
		{
			name: "valid config",
			config: Config{
				Enabled:     true,
				SMTPHost:    "smtp.example.com",
				FromAddress: "test@example.com",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, sender)
			}
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		FromAddress: "test@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 587, sender.config.SMTPPort)
	assert.Equal(t, 30*time.Second, sender.config.Timeout)
	assert.Nil(t, sender.auth)
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "user@example.com", expected: "user@example.com"},
		{input: "Test User <user@example.com>", expected: "user@example.com"},
		{input: "<user@example.com>", expected: "user@example.com"},
		{input: "invalid<", expected: "invalid<"},
		{input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractEmail(tt.input))
		})
	}
}

func TestSender_BuildMessage(t *testing.T) {
	sender := &Sender{
		config: Config{
			FromAddress: "Mailing List <noreply@example.com>",
		},
	}

	msg := string(sender.buildMessage(subscribers.Message{
		To:      "user@example.com",
		Subject: "Confirm email",
		Body:    "<p>hello</p>",
	}))

	assert.Contains(t, msg, "From: Mailing List <noreply@example.com>\r\n")
	assert.Contains(t, msg, "To: user@example.com\r\n")
	assert.Contains(t, msg, "Subject: Confirm email\r\n")
	assert.Contains(t, msg, "MIME-Version: 1.0\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\n<p>hello</p>"))
}

func TestSender_Send_Disabled(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false})
	require.NoError(t, err)

	err = sender.Send(context.Background(), subscribers.Message{To: "user@example.com"})
	assert.NoError(t, err)
}

func TestSender_Send(t *testing.T) {
	server := startFakeSMTP(t)

	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "127.0.0.1",
		SMTPPort:    server.port,
		FromAddress: "Mailing List <noreply@example.com>",
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)

	err = sender.Send(context.Background(), subscribers.Message{
		To:      "user@example.com",
		Subject: "Newsletter",
		Body:    "<p>news</p>",
	})
	require.NoError(t, err)

	server.wait()
	assert.Contains(t, server.commands(), "MAIL FROM:<noreply@example.com>")
	assert.Contains(t, server.commands(), "RCPT TO:<user@example.com>")
	assert.Contains(t, server.data(), "<p>news</p>")
}

func TestSender_Send_MessageFromOverridesDefault(t *testing.T) {
	server := startFakeSMTP(t)

	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "127.0.0.1",
		SMTPPort:    server.port,
		FromAddress: "Webmaster <webmaster@example.com>",
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)

	err = sender.Send(context.Background(), subscribers.Message{
		From:    "Newsletter <noreply@example.com>",
		To:      "user@example.com",
		Subject: "Newsletter",
		Body:    "<p>news</p>",
	})
	require.NoError(t, err)

	server.wait()
	assert.Contains(t, server.commands(), "MAIL FROM:<noreply@example.com>")
	assert.Contains(t, server.data(), "From: Newsletter <noreply@example.com>")
	assert.NotContains(t, server.data(), "webmaster@example.com")
}

func TestSender_Send_DialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "127.0.0.1",
		SMTPPort:    port,
		FromAddress: "noreply@example.com",
		Timeout:     time.Second,
	})
	require.NoError(t, err)

	err = sender.Send(context.Background(), subscribers.Message{To: "user@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial smtp")
}

// fakeSMTP accepts exactly one plain SMTP session.
type fakeSMTP struct {
	port int
	done chan struct{}

	mu   sync.Mutex
	cmds []string
	body strings.Builder
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	s := &fakeSMTP{
		port: ln.Addr().(*net.TCPAddr).Port,
		done: make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		s.serve(conn)
	}()

	return s
}

func (s *fakeSMTP) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 localhost ESMTP")
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			if line == "." {
				inData = false
				reply("250 OK")
				continue
			}
			s.mu.Lock()
			s.body.WriteString(line + "\n")
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.cmds = append(s.cmds, line)
		s.mu.Unlock()

		switch {
		case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
			reply("250 localhost")
		case line == "DATA":
			inData = true
			reply("354 go ahead")
		case line == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (s *fakeSMTP) wait() {
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
}

func (s *fakeSMTP) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

func (s *fakeSMTP) data() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body.String()
}
