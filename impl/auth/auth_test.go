package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemtadm/entity"
)

func TestClientByToken(t *testing.T) {
	a := New([]entity.ApiClient{
		{Name: "monitoring", Token: "monitoring-token-0123456789"},
		{Name: "backoffice", Token: "backoffice-token-0123456789"},
	})

	client, err := a.ClientByToken("backoffice-token-0123456789")
	require.NoError(t, err)
	assert.Equal(t, "backoffice", client.Name)

	_, err = a.ClientByToken("nope")
	assert.Error(t, err)

	// a prefix of a real token must not match
	_, err = a.ClientByToken("monitoring-token")
	assert.Error(t, err)
}

func TestClientByTokenEmptyList(t *testing.T) {
	a := New(nil)
	_, err := a.ClientByToken("anything")
	assert.Error(t, err)
}
