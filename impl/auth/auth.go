package auth

import (
	"crypto/subtle"
	"fmt"

	"telemtadm/entity"
)

// Auth resolves bearer tokens against the static client list from the
// config. Comparison is constant-time.
type Auth struct {
	clients []entity.ApiClient
}

func New(clients []entity.ApiClient) *Auth {
	return &Auth{clients: clients}
}

func (a *Auth) ClientByToken(token string) (*entity.ApiClient, error) {
	for i := range a.clients {
		if subtle.ConstantTimeCompare([]byte(a.clients[i].Token), []byte(token)) == 1 {
			client := a.clients[i]
			return &client, nil
		}
	}
	return nil, fmt.Errorf("unknown token")
}
