package notify

import (
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"
)

// mockSlackClient records posted messages.
type mockSlackClient struct {
	channels []string
	err      error
	calls    int
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.calls++
	if m.err != nil {
		return "", "", m.err
	}
	m.channels = append(m.channels, channelID)
	return channelID, "123.456", nil
}

func TestNewSlack_RequiresToken(t *testing.T) {
	_, err := NewSlack(SlackOpts{ChannelID: "C123"})
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Errorf("err = %v, want token requirement", err)
	}
}

func TestNewSlack_RequiresChannel(t *testing.T) {
	_, err := NewSlack(SlackOpts{Client: &mockSlackClient{}})
	if err == nil || !strings.Contains(err.Error(), "channel") {
		t.Errorf("err = %v, want channel requirement", err)
	}
}

func TestSlackAdapter_Notify(t *testing.T) {
	mock := &mockSlackClient{}
	a, err := NewSlack(SlackOpts{Client: mock, ChannelID: "C123"})
	if err != nil {
		t.Fatalf("NewSlack: %v", err)
	}

	if err := a.Notify("2 sessions waiting"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(mock.channels) != 1 || mock.channels[0] != "C123" {
		t.Errorf("posted to %v, want [C123]", mock.channels)
	}
}

func TestSlackAdapter_NotifyError(t *testing.T) {
	mock := &mockSlackClient{err: errors.New("channel_not_found")}
	a, err := NewSlack(SlackOpts{Client: mock, ChannelID: "C123"})
	if err != nil {
		t.Fatalf("NewSlack: %v", err)
	}

	if err := a.Notify("text"); err == nil {
		t.Error("expected error from failed post")
	}
	// Non-rate-limit errors are not retried.
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1", mock.calls)
	}
}

// mockDiscordSession records sent messages.
type mockDiscordSession struct {
	sent []string
	err  error
}

func (m *mockDiscordSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, content)
	return &discordgo.Message{ID: "1", ChannelID: channelID, Content: content}, nil
}

func TestNewDiscord_RequiresToken(t *testing.T) {
	_, err := NewDiscord(DiscordOpts{ChannelID: "456"})
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Errorf("err = %v, want token requirement", err)
	}
}

func TestDiscordAdapter_Notify(t *testing.T) {
	mock := &mockDiscordSession{}
	a, err := NewDiscord(DiscordOpts{Session: mock, ChannelID: "456"})
	if err != nil {
		t.Fatalf("NewDiscord: %v", err)
	}

	if err := a.Notify("queue digest"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(mock.sent) != 1 || mock.sent[0] != "queue digest" {
		t.Errorf("sent = %v, want [queue digest]", mock.sent)
	}
}

func TestDiscordAdapter_NotifyError(t *testing.T) {
	mock := &mockDiscordSession{err: errors.New("missing access")}
	a, err := NewDiscord(DiscordOpts{Session: mock, ChannelID: "456"})
	if err != nil {
		t.Fatalf("NewDiscord: %v", err)
	}
	if err := a.Notify("text"); err == nil {
		t.Error("expected error from failed send")
	}
}

func TestAdapterNames(t *testing.T) {
	s, err := NewSlack(SlackOpts{Client: &mockSlackClient{}, ChannelID: "C"})
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDiscord(DiscordOpts{Session: &mockDiscordSession{}, ChannelID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "slack" || d.Name() != "discord" {
		t.Errorf("names = %q, %q", s.Name(), d.Name())
	}
}
