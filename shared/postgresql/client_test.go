package postgresql

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		password string
		sslMode  string
	}{
		{
			name:     "defaults sslmode",
			config:   Config{Host: "db", Port: 5432, User: "media", Password: "secret", Database: "ledger"},
			password: "secret",
			sslMode:  "disable",
		},
		{
			name:     "escapes credentials",
			config:   Config{Host: "db", Port: 5433, User: "media", Password: "p@ss word/#", Database: "ledger", SSLMode: "require"},
			password: "p@ss word/#",
			sslMode:  "require",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.config.DSN())
			require.NoError(t, err)

			assert.Equal(t, "postgres", u.Scheme)
			assert.Equal(t, tt.config.Host, u.Hostname())
			assert.Equal(t, "/ledger", u.Path)
			assert.Equal(t, tt.config.User, u.User.Username())
			pw, _ := u.User.Password()
			assert.Equal(t, tt.password, pw)
			assert.Equal(t, tt.sslMode, u.Query().Get("sslmode"))
		})
	}
}
