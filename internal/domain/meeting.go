package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMeetingIDEmpty     = errors.New("meeting id empty")
	ErrStageConfigMissing = errors.New("stage config missing")
)

// JoinResponse is what the join/token service returns once per call entry.
type JoinResponse struct {
	MeetingID    string                                 `json:"meetingId"`
	StageArn     string                                 `json:"stageArn"`
	StageConfigs map[ParticipantGroup]StageClientConfig `json:"stageConfigs"`
}

// Validate checks the response at the boundary: every group needs a
// well-formed config whose group matches its key.
func (r *JoinResponse) Validate() error {
	if r.MeetingID == "" {
		return ErrMeetingIDEmpty
	}
	for _, g := range Groups {
		cfg, ok := r.StageConfigs[g]
		if !ok {
			return fmt.Errorf("%w: %s", ErrStageConfigMissing, g)
		}
		if cfg.Group == "" {
			cfg.Group = g
			r.StageConfigs[g] = cfg
		}
		if cfg.Group != g {
			return fmt.Errorf("%w: config for %s carries %q", ErrInvalidGroup, g, cfg.Group)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("stage config %s: %w", g, err)
		}
	}
	return nil
}
