package httpdto

type PresenceResponse struct {
	Online map[string]bool `json:"online"`
}
