package child

import (
	"net/url"

	"github.com/google/uuid"
)

// parseStableID extracts the optional ?uuid= query parameter from a
// child creation URI. An empty return with ok==false means the URI
// carries no uuid.
func parseStableID(rawURI string) (id uuid.UUID, ok bool, err error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return uuid.UUID{}, false, err
	}
	raw := u.Query().Get("uuid")
	if raw == "" {
		return uuid.UUID{}, false, nil
	}
	id, err = uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, false, err
	}
	return id, true, nil
}
