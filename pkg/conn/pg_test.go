package conn

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionDSN(t *testing.T) {
	testCases := []struct {
		name   string
		opt    Option
		expect string
	}{
		{
			name:   "defaults",
			opt:    Option{},
			expect: "postgres://localhost:5432?sslmode=disable",
		},
		{
			name: "full",
			opt: Option{
				Host:     "db",
				Port:     6543,
				User:     "grain",
				Password: "p@ss",
				Database: "grainmesh",
				SSLMode:  "require",
				Params:   map[string]string{"application_name": "grainmesh"},
			},
			expect: "postgres://grain:p%40ss@db:6543/grainmesh?application_name=grainmesh&sslmode=require",
		},
		{
			name:   "conn string wins",
			opt:    Option{Host: "ignored", ConnString: "postgres://x@y/z"},
			expect: "postgres://x@y/z",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dsn, err := tc.opt.dsn()
			require.NoError(t, err)
			assert.Equal(t, tc.expect, dsn)

			_, err = url.Parse(dsn)
			assert.NoError(t, err)
		})
	}
}

func TestOptionDSNRejectsBadPort(t *testing.T) {
	_, err := Option{Port: 70000}.dsn()
	assert.Error(t, err)
}
