package hub

import (
	"strings"

	"github.com/tradewire/relay/internal/auth"
)

// AccessPolicy gates who may subscribe to a topic or invoke its handlers.
type AccessPolicy int

const (
	PolicyPublic AccessPolicy = iota
	PolicyAuthenticated
	PolicyAdmin
)

// topicPolicies is the closed topic vocabulary. Channels of the form
// "topic.<scope>" inherit the base topic's policy.
var topicPolicies = map[string]AccessPolicy{
	"monitor":         PolicyAdmin,
	"market-data":     PolicyPublic,
	"portfolio":       PolicyAuthenticated,
	"wallet":          PolicyAuthenticated,
	"contest":         PolicyPublic,
	"terminal":        PolicyPublic,
	"ai":              PolicyAuthenticated,
	"admin":           PolicyAdmin,
	"circuit-breaker": PolicyAdmin,
	"user":            PolicyAuthenticated,
}

// splitChannel returns the base topic and optional scope of a channel name.
// "contest.42" -> ("contest", "42"); "market-data" -> ("market-data", "").
func splitChannel(channel string) (topic, scope string) {
	if i := strings.IndexByte(channel, '.'); i >= 0 {
		return channel[:i], channel[i+1:]
	}
	return channel, ""
}

// checkAccess enforces the topic access policy for a principal. The "user"
// topic additionally restricts scoped channels to the owning principal;
// admins may observe any user channel.
func checkAccess(channel string, p *auth.Principal) error {
	topic, scope := splitChannel(channel)
	policy, ok := topicPolicies[topic]
	if !ok {
		return ErrUnknownTopic
	}

	switch policy {
	case PolicyAuthenticated:
		if !p.Authenticated() {
			return ErrAuthRequired
		}
	case PolicyAdmin:
		if !p.Authenticated() {
			return ErrAuthRequired
		}
		if !p.Service && !p.Role.AtLeast(auth.RoleAdmin) {
			return ErrForbiddenRole
		}
	}

	if topic == "user" && scope != "" && scope != p.ID && !p.Role.AtLeast(auth.RoleAdmin) {
		return ErrForbiddenRole
	}
	return nil
}
