package wire

import (
	"fmt"

	"github.com/parleyvoice/parley/pkg/configutil"
)

// ValidateSessionUpdate checks the fields a session.update must carry before
// the relay may open an upstream connection.
func ValidateSessionUpdate(m Message) error {
	if m.Type != TypeSessionUpdate {
		return fmt.Errorf("expected %s, got %q", TypeSessionUpdate, m.Type)
	}
	switch m.Mode {
	case ModeFixedSides, ModeAutoDetect:
	default:
		return fmt.Errorf("unknown mode %q", m.Mode)
	}
	if err := configutil.RequireString(m.LanguageA, "language_a"); err != nil {
		return err
	}
	if err := configutil.RequireString(m.LanguageB, "language_b"); err != nil {
		return err
	}
	return nil
}
