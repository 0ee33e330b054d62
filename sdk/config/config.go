// Package config loads the room client configuration from command line
// flags and an optional YAML file. Flags given explicitly win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/adwski/webrtc-roomclient/sdk/ratelimit"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var (
	ErrParse   = errors.New("unable to parse configuration")
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	Identity model.Identity `yaml:"identity"`
	URL      string         `yaml:"url"`
	LocalURL string         `yaml:"local_url"`
	LogLevel string         `yaml:"log_level"`

	// MeetingID and APIKey resolve the room name, link and secret through
	// the room REST API instead of taking them from the configuration.
	MeetingID string `yaml:"meeting_id"`
	APIKey    string `yaml:"api_key"`

	ConnectDelay time.Duration `yaml:"connect_delay"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	RateLimit    RateLimit     `yaml:"rate_limit"`

	// Stay is how long to remain in the room, zero stays until interrupted.
	Stay time.Duration `yaml:"stay"`
}

type RateLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

func Default() Config {
	return Config{
		Identity:     model.Identity{Level: "0"},
		LogLevel:     "info",
		ConnectDelay: 50 * time.Millisecond,
		AckTimeout:   10 * time.Second,
		RateLimit: RateLimit{
			MaxRequests: ratelimit.DefaultMaxRequests,
			Window:      ratelimit.DefaultWindow,
		},
	}
}

// Load parses args. When --config names a file it is read first and the
// flags set on the command line are applied on top of it.
func Load(args []string) (*Config, error) {
	cfg := Default()
	fs := pflag.NewFlagSet("roomclient", pflag.ContinueOnError)

	configFile := fs.StringP("config", "c", "", "path to yaml configuration file")
	fs.StringVarP(&cfg.URL, "url", "u", cfg.URL, "signaling server url")
	fs.StringVar(&cfg.LocalURL, "local-url", cfg.LocalURL, "community edition signaling server url")
	fs.StringVar(&cfg.Identity.APIUserName, "api-user", cfg.Identity.APIUserName, "api user name")
	fs.StringVar(&cfg.Identity.APIToken, "api-token", cfg.Identity.APIToken, "api token")
	fs.StringVarP(&cfg.Identity.DisplayName, "name", "n", cfg.Identity.DisplayName, "display name")
	fs.StringVarP(&cfg.Identity.RoomName, "room", "r", cfg.Identity.RoomName, "room name")
	fs.StringVar(&cfg.Identity.Level, "level", cfg.Identity.Level, "participant level, 2 is host")
	fs.StringVarP(&cfg.MeetingID, "meeting-id", "m", cfg.MeetingID, "meeting id to resolve through the room api")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "room api key")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.DurationVar(&cfg.ConnectDelay, "connect-delay", cfg.ConnectDelay, "delay before dialing")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "signaling acknowledgement timeout")
	fs.IntVar(&cfg.RateLimit.MaxRequests, "rate-limit", cfg.RateLimit.MaxRequests, "connection attempts per window")
	fs.DurationVar(&cfg.RateLimit.Window, "rate-window", cfg.RateLimit.Window, "connection rate limit window")
	fs.DurationVar(&cfg.Stay, "stay", cfg.Stay, "how long to stay in the room")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrParse, err)
	}

	if *configFile != "" {
		explicit := make(map[string]string)
		fs.Visit(func(f *pflag.Flag) {
			explicit[f.Name] = f.Value.String()
		})
		if err := readFile(*configFile, &cfg); err != nil {
			return nil, err
		}
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, errors.Join(ErrParse, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(ErrParse, err)
	}
	if err = yaml.Unmarshal(b, cfg); err != nil {
		return errors.Join(ErrParse, fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

// Validate reports every missing field. With a meeting id the url, room and
// token are resolved later and the api key is required instead.
func (c *Config) Validate() error {
	required := map[string]string{
		"api-user": c.Identity.APIUserName,
		"name":     c.Identity.DisplayName,
	}
	if c.MeetingID != "" {
		required["api-key"] = c.APIKey
	} else {
		required["url"] = c.URL
		required["api-token"] = c.Identity.APIToken
		required["room"] = c.Identity.RoomName
	}
	var missing []error
	for name, v := range required {
		if v == "" {
			missing = append(missing, fmt.Errorf("%s is required", name))
		}
	}
	if len(missing) > 0 {
		return errors.Join(ErrInvalid, errors.Join(missing...))
	}
	return nil
}
