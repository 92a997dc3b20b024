package channel

import "fmt"

// Channel identifies a messaging platform.
type Channel string

const (
	Messenger Channel = "messenger"
	Instagram Channel = "instagram"
	WhatsApp  Channel = "whatsapp"
	Telegram  Channel = "telegram"
	SMS       Channel = "sms"
	Email     Channel = "email"
)

// All lists every supported channel.
func All() []Channel {
	return []Channel{Messenger, Instagram, WhatsApp, Telegram, SMS, Email}
}

// Parse validates a channel name from external input.
func Parse(s string) (Channel, error) {
	ch := Channel(s)
	for _, known := range All() {
		if ch == known {
			return ch, nil
		}
	}
	return "", fmt.Errorf("unknown channel: %q", s)
}

func (c Channel) String() string {
	return string(c)
}
