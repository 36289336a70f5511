package providers

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const DefaultGraphURL = "https://graph.facebook.com/v21.0"

// MetaConfig holds the credentials of one Meta app channel.
type MetaConfig struct {
	AppSecret   string `env:"APP_SECRET"`
	VerifyToken string `env:"VERIFY_TOKEN"`
	AccessToken string `env:"ACCESS_TOKEN"`
}

func (c MetaConfig) Enabled() bool {
	return c.AppSecret != ""
}

type WhatsAppConfig struct {
	MetaConfig

	PhoneNumberID string `env:"PHONE_NUMBER_ID"`
}

type SlackConfig struct {
	SigningSecret string `env:"SIGNING_SECRET"`
	BotToken      string `env:"BOT_TOKEN"`
	APIURL        string `env:"API_URL"`
}

func (c SlackConfig) Enabled() bool {
	return c.SigningSecret != ""
}

// Config is read from the environment. A channel without its secret is not registered.
type Config struct {
	GraphURL  string         `env:"META_GRAPH_URL" envDefault:"https://graph.facebook.com/v21.0"`
	WhatsApp  WhatsAppConfig `envPrefix:"WHATSAPP_"`
	Instagram MetaConfig     `envPrefix:"INSTAGRAM_"`
	Facebook  MetaConfig     `envPrefix:"FACEBOOK_"`
	Slack     SlackConfig    `envPrefix:"SLACK_"`
}

func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse provider config: %w", err)
	}

	return cfg, nil
}
