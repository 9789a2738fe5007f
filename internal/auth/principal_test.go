package auth

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderAuthenticator(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		wantErr error
		want    *Principal
	}{
		{
			name:    "missing id",
			headers: map[string]string{HeaderPrincipalName: "Ada"},
			wantErr: ErrNoPrincipal,
		},
		{
			name:    "blank id",
			headers: map[string]string{HeaderPrincipalID: "   "},
			wantErr: ErrNoPrincipal,
		},
		{
			name:    "id with space",
			headers: map[string]string{HeaderPrincipalID: "u 1"},
			wantErr: ErrInvalidPrincipal,
		},
		{
			name:    "id too long",
			headers: map[string]string{HeaderPrincipalID: strings.Repeat("a", 300)},
			wantErr: ErrInvalidPrincipal,
		},
		{
			name: "full principal",
			headers: map[string]string{
				HeaderPrincipalID:    "u1",
				HeaderPrincipalName:  " Ada ",
				HeaderPrincipalEmail: "ada@example.com",
				HeaderPrincipalRoles: "admin, ,viewer",
			},
			want: &Principal{ID: "u1", DisplayName: "Ada", Email: "ada@example.com", Roles: []string{"admin", "viewer"}},
		},
		{
			name:    "no roles",
			headers: map[string]string{HeaderPrincipalID: "u2"},
			want:    &Principal{ID: "u2", Roles: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws/copilot", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			p, err := HeaderAuthenticator{}.Authenticate(r)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}
