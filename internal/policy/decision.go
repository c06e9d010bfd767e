package policy

import (
	"fmt"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// Decision is the outcome of Evaluate. The set of implementations is closed:
// Persist, Cache and Discard.
type Decision interface {
	Action() model.MaterializeAction
	String() string
	decision()
}

// Persist keeps the artifact durably.
type Persist struct{}

// Cache keeps the artifact until TTL elapses.
type Cache struct {
	TTL time.Duration
}

// Discard drops the artifact. Reason says which rule (or failure) led here.
type Discard struct {
	Reason string
}

func (Persist) Action() model.MaterializeAction { return model.ActionPersist }
func (Cache) Action() model.MaterializeAction   { return model.ActionCache }
func (Discard) Action() model.MaterializeAction { return model.ActionDiscard }

func (Persist) String() string   { return "persist" }
func (c Cache) String() string   { return fmt.Sprintf("cache(%s)", c.TTL) }
func (d Discard) String() string { return fmt.Sprintf("discard(%s)", d.Reason) }

func (Persist) decision() {}
func (Cache) decision()   {}
func (Discard) decision() {}
