// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
)

const (
	MaxParticipantIDLen = 64
	MaxNameLen          = 36
)

var (
	ErrInvalidGroup       = errors.New("invalid participant group")
	ErrParticipantIDEmpty = errors.New("participant id empty")
	ErrParticipantIDLong  = errors.New("participant id too long")
	ErrTokenEmpty         = errors.New("stage token empty")
)

// ParticipantGroup partitions the participants of one meeting into channels
// that never subscribe to each other.
type ParticipantGroup string

const (
	GroupUser    ParticipantGroup = "user"
	GroupDisplay ParticipantGroup = "display"
)

// Groups lists every known participant group in join order.
var Groups = []ParticipantGroup{GroupUser, GroupDisplay}

func ParseParticipantGroup(s string) (ParticipantGroup, error) {
	switch g := ParticipantGroup(s); g {
	case GroupUser, GroupDisplay:
		return g, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGroup, s)
}

func (g ParticipantGroup) Valid() bool {
	return g == GroupUser || g == GroupDisplay
}

// ParticipantAttributes is the fixed attribute set carried by every stage participant.
type ParticipantAttributes struct {
	Name    string           `json:"name"`
	Picture string           `json:"picture,omitempty"`
	Group   ParticipantGroup `json:"participantGroup"`
}

// AttributesFromMap validates an untyped attribute bag received from the media backend.
// Unknown keys are ignored.
func AttributesFromMap(m map[string]string) (ParticipantAttributes, error) {
	g, err := ParseParticipantGroup(m["participantGroup"])
	if err != nil {
		return ParticipantAttributes{}, err
	}
	name := m["name"]
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	return ParticipantAttributes{Name: name, Picture: m["picture"], Group: g}, nil
}

// StageClientConfig holds the credentials of one local participant for one group.
type StageClientConfig struct {
	Token         string           `json:"token"`
	ParticipantID string           `json:"participantId"`
	Group         ParticipantGroup `json:"participantGroup"`
}

func (c StageClientConfig) Validate() error {
	if c.Token == "" {
		return ErrTokenEmpty
	}
	if c.ParticipantID == "" {
		return ErrParticipantIDEmpty
	}
	if len(c.ParticipantID) > MaxParticipantIDLen {
		return ErrParticipantIDLong
	}
	if !c.Group.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidGroup, c.Group)
	}
	return nil
}
