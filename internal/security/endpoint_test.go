package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://93.184.216.34/hooks/fraud", true},
		{"http://93.184.216.34:8443/x", true},
		{"ftp://93.184.216.34/x", false},
		{"https:///nohost", false},
		{"http://localhost:9000/x", false},
		{"http://METADATA.google.internal/computeMetadata", false},
		{"http://127.0.0.1/x", false},
		{"http://[::1]/x", false},
		{"http://10.1.2.3/x", false},
		{"http://192.168.0.7/x", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://0.0.0.0/x", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateEndpointURL(context.Background(), tt.url)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBlockedEndpoint)
			}
		})
	}
}
