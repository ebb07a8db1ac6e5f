package dispatch_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Mudityadev/charles-map/dispatch"
)

func TestTransientTerminalWrappers(t *testing.T) {
	base := errors.New("tile server unreachable")

	tr := dispatch.Transient(base)
	if !dispatch.IsTransient(tr) || dispatch.IsTerminal(tr) {
		t.Fatalf("Transient marker not detected: %v", tr)
	}
	if !errors.Is(tr, base) {
		t.Error("Transient should unwrap to the cause")
	}

	te := fmt.Errorf("render: %w", dispatch.Terminal(base))
	if !dispatch.IsTerminal(te) || dispatch.IsTransient(te) {
		t.Fatalf("Terminal marker not detected through wrapping: %v", te)
	}

	if dispatch.Transient(nil) != nil || dispatch.Terminal(nil) != nil {
		t.Error("wrapping nil must stay nil")
	}
}

func TestSubmissionError(t *testing.T) {
	err := dispatch.Invalid("dpi", "must be between 72 and 600")
	if !errors.Is(err, dispatch.ErrInvalidPayload) {
		t.Error("Invalid should wrap ErrInvalidPayload")
	}
	want := "dispatch: submission rejected: dpi: must be between 72 and 600"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var se *dispatch.SubmissionError
	if !errors.As(fmt.Errorf("wrap: %w", err), &se) || se.Field != "dpi" {
		t.Error("errors.As should recover the SubmissionError")
	}
}
