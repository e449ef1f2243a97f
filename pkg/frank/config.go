package frank

import (
	"fmt"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattsync/wattsync/pkg/common"
	"github.com/wattsync/wattsync/pkg/types"
)

// Configured sets up the Frank Energy client from flags.
func Configured() *Client {
	httpClient := common.HTTPClient(time.Minute)

	email := lflag.RequiredString("frank-email", "Email address for the Frank Energy account")
	password := lflag.RequiredString("frank-password", "Password for the Frank Energy account")
	tokenBase := lflag.String("frank-token-base-url", defaultTokenBaseURL, "Base URL for the provider's B2C login tenant")
	dataBase := lflag.String("frank-data-base-url", defaultDataBaseURL, "Base URL for the provider's mobile data API")
	window := lflag.Duration("frank-usage-window", 7*24*time.Hour, "Trailing span of hourly usage fetched each cycle")

	c := &Client{client: httpClient}

	lflag.Do(func() {
		c.auth = newAuth(httpClient, *tokenBase, types.Credentials{
			Email:    *email,
			Password: *password,
		})
		c.dataBaseURL = *dataBase
		c.window = *window
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.auth == nil {
		return fmt.Errorf("client is not configured")
	}
	if _, err := url.Parse(c.auth.tokenBaseURL); err != nil {
		return fmt.Errorf("failed to parse token base url (%s): %w", c.auth.tokenBaseURL, err)
	}
	if _, err := url.Parse(c.dataBaseURL); err != nil {
		return fmt.Errorf("failed to parse data base url (%s): %w", c.dataBaseURL, err)
	}
	if c.window <= 0 {
		return fmt.Errorf("usage window must be positive")
	}
	return nil
}
