package pool

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultGateway is the residential proxy entry point.
const DefaultGateway = "pr.oxylabs.io:7777"

// MaxSessionMinutes is the longest sticky session the gateway honors.
const MaxSessionMinutes = 30

var validate = validator.New(validator.WithRequiredStructEnabled())

// ProxyDescriptor is the credential set used to build the proxy identity.
type ProxyDescriptor struct {
	Username    string `mapstructure:"username" validate:"required"`
	Password    string `mapstructure:"password" validate:"required"`
	CountryCode string `mapstructure:"country_code" validate:"omitempty,len=2,alpha"`
	City        string `mapstructure:"city"`
	State       string `mapstructure:"state"`
	SessionID   string `mapstructure:"session_id" validate:"omitempty,excludesall=-:@"`
	SessionTime int    `mapstructure:"session_time" validate:"gte=0,lte=30"`
}

// Validate reports missing or out-of-range fields.
func (d ProxyDescriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid proxy descriptor: %w", err)
	}
	return nil
}

// Identity builds the composed username understood by the gateway.
func (d ProxyDescriptor) Identity() string {
	var b strings.Builder
	b.WriteString("customer-")
	b.WriteString(d.Username)
	if d.CountryCode != "" {
		b.WriteString("-cc-")
		b.WriteString(d.CountryCode)
		if d.City != "" {
			b.WriteString("-city-")
			b.WriteString(strings.ReplaceAll(d.City, " ", "_"))
		}
	}
	if d.State != "" {
		b.WriteString("-st-")
		b.WriteString(d.State)
	}
	if d.SessionID != "" {
		b.WriteString("-sessid-")
		b.WriteString(d.SessionID)
	}
	if d.SessionTime > 0 {
		b.WriteString("-sesstime-")
		b.WriteString(strconv.Itoa(d.SessionTime))
	}
	return b.String()
}

// URL returns the proxy URL for the gateway, DefaultGateway when empty.
func (d ProxyDescriptor) URL(gateway string) *url.URL {
	if gateway == "" {
		gateway = DefaultGateway
	}
	return &url.URL{
		Scheme: "http",
		User:   url.UserPassword(d.Identity(), d.Password),
		Host:   gateway,
	}
}

// String renders the proxy URL with the default gateway.
func (d ProxyDescriptor) String() string {
	return d.URL("").String()
}

// Sticky returns a copy pinned to a session. An empty session id is replaced
// by a generated one.
func (d ProxyDescriptor) Sticky(minutes int) ProxyDescriptor {
	if d.SessionID == "" {
		d.SessionID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if minutes > MaxSessionMinutes {
		minutes = MaxSessionMinutes
	}
	d.SessionTime = minutes
	return d
}
