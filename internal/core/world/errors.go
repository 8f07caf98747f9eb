package world

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeusync/hotswap/internal/core/models"
)

var (
	// ErrNotOwner reports a mutation requested by a system that does not own the pool.
	ErrNotOwner = errors.New("world: system does not own component")
	// ErrNoOwner reports a component type that no system has registered.
	ErrNoOwner = errors.New("world: component has no owning system")
)

// Stage names the despawn step an id failed in.
type Stage uint8

const (
	StageValidate Stage = iota
	StageRemove
	StageFree
)

func (s Stage) String() string {
	switch s {
	case StageValidate:
		return "validate"
	case StageRemove:
		return "remove"
	case StageFree:
		return "free"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Failure is one id that did not despawn cleanly.
type Failure struct {
	ID        models.EntityID
	Stage     Stage
	Component models.ComponentID
	Err       error
}

// PartialFailure lists the ids of a batch that failed. Everything not listed
// was applied and is not rolled back.
type PartialFailure struct {
	Failures []Failure
}

func (p *PartialFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "world: %d id(s) failed", len(p.Failures))
	for i, f := range p.Failures {
		if i == 4 {
			fmt.Fprintf(&b, "; ... %d more", len(p.Failures)-i)
			break
		}
		fmt.Fprintf(&b, "; %s at %s: %v", f.ID, f.Stage, f.Err)
	}
	return b.String()
}

// Unwrap exposes every cause so errors.Is matches any of them.
func (p *PartialFailure) Unwrap() []error {
	out := make([]error, len(p.Failures))
	for i, f := range p.Failures {
		out[i] = f.Err
	}
	return out
}

// IDs returns the failed ids of one stage.
func (p *PartialFailure) IDs(stage Stage) []models.EntityID {
	var out []models.EntityID
	for _, f := range p.Failures {
		if f.Stage == stage {
			out = append(out, f.ID)
		}
	}
	return out
}
