package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestHostErrorMessage(t *testing.T) {
	err := ConfigOptionError("gearbox", "tick_period")
	got := err.Error()
	if !strings.Contains(got, "CONFIG_OPTION") || !strings.Contains(got, "gearbox.tick_period") {
		t.Fatalf("unexpected message %q", got)
	}

	wrapped := BridgeLinkError(fmt.Errorf("broken pipe"), "write set_outputs")
	if !strings.HasSuffix(wrapped.Error(), ": broken pipe") {
		t.Fatalf("wrapped message %q", wrapped.Error())
	}
	if wrapped.Unwrap() == nil {
		t.Fatal("Unwrap returned nil")
	}
}

func TestIsFollowsWrapping(t *testing.T) {
	base := SpindleRunningError("midrange")
	outer := fmt.Errorf("tick: %w", base)

	if !Is(outer, ErrSpindleRunning) {
		t.Fatal("Is should see through fmt wrapping")
	}
	if !IsFatal(outer) {
		t.Fatal("spindle running must be fatal")
	}
	if IsFatal(UnknownGearError("rpm 17")) {
		t.Fatal("unknown gear must not be fatal")
	}
	if Is(fmt.Errorf("plain"), ErrRuntime) {
		t.Fatal("plain error matched")
	}
}

func TestCategories(t *testing.T) {
	tests := []struct {
		err     error
		config  bool
		fatal   bool
		runtime bool
	}{
		{ConfigSectionError("iobridge"), true, false, false},
		{ConfigValidationError("gearbox", "center_approach", "bad"), true, false, false},
		{TwitchConflictError(), false, true, false},
		{MissingStageError("orchestrator"), false, true, false},
		{OvershootLimitError("backgear", 3), false, true, false},
		{RuntimeError("shift already in progress"), false, false, true},
	}
	for _, tt := range tests {
		if IsConfig(tt.err) != tt.config || IsFatal(tt.err) != tt.fatal || IsRuntime(tt.err) != tt.runtime {
			t.Errorf("%v: config=%v fatal=%v runtime=%v", tt.err,
				IsConfig(tt.err), IsFatal(tt.err), IsRuntime(tt.err))
		}
	}
}

func TestOvershootLimitContext(t *testing.T) {
	err := OvershootLimitError("input_stage", 4)
	if err.Context["overshoots"] != 4 {
		t.Fatalf("context=%v", err.Context)
	}
	if err.Section != "input_stage" {
		t.Fatalf("section=%q", err.Section)
	}
}

func TestRecoverPanic(t *testing.T) {
	run := func(v interface{}) (err *HostError) {
		defer func() {
			err = RecoverPanic(recover())
		}()
		panic(v)
	}

	if err := run("boom"); err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("string panic: %v", err)
	}
	if err := run(fmt.Errorf("bad state")); err == nil || err.Unwrap() == nil {
		t.Fatalf("error panic: %v", err)
	}
	if err := RecoverPanic(nil); err != nil {
		t.Fatalf("nil panic value: %v", err)
	}
}
