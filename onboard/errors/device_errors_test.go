package errors

import (
	"errors"
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStatus(t *testing.T) {
	Convey("Every status has its own message", t, func() {
		seen := make(map[string]bool)
		for s := StatusOK; s <= StatusWrongArgument; s++ {
			msg := s.String()
			So(msg, ShouldNotBeEmpty)
			So(seen[msg], ShouldBeFalse)
			seen[msg] = true
		}
		So(StatusTimeout.String(), ShouldEqual, "Communication timeout")
		So(Status(42).String(), ShouldEqual, "Unknown status")
	})

	Convey("Status errors match their status", t, func() {
		err := fmt.Errorf("enqueue: %w", NewStatusError(StatusWrongTrajectory, "enqueue", errors.New("abort")))
		So(errors.Is(err, StatusWrongTrajectory), ShouldBeTrue)
		So(errors.Is(err, StatusTimeout), ShouldBeFalse)
		So(StatusOf(err), ShouldEqual, StatusWrongTrajectory)
		So(err.Error(), ShouldContainSubstring, "Wrong trajectory")
	})

	Convey("StatusOf falls back sensibly", t, func() {
		So(StatusOf(nil), ShouldEqual, StatusOK)
		So(StatusOf(errors.New("boom")), ShouldEqual, StatusGenericError)
		So(StatusOf(StatusBusy), ShouldEqual, StatusBusy)
	})

	Convey("Argument errors are wrong arguments", t, func() {
		So(errors.Is(AddressError{Address: 128}, StatusWrongArgument), ShouldBeTrue)
		So(errors.Is(ParamError{Name: "speed"}, StatusWrongArgument), ShouldBeTrue)
		So(ParamError{}.Error(), ShouldContainSubstring, "UNKNOWN")
	})
}

func TestReassignError(t *testing.T) {
	Convey("Only failures after the first step are partial", t, func() {
		early := &ReassignError{Bus: "can0", Old: 5, New: 6, Step: StepResetOld, Err: StatusTimeout}
		So(early.Partial(), ShouldBeFalse)
		So(early.Error(), ShouldContainSubstring, "untouched")

		late := &ReassignError{Bus: "can0", Old: 5, New: 6, Step: StepAwaitHeartbeat, Err: NewStatusError(StatusTimeout, "await", nil)}
		So(late.Partial(), ShouldBeTrue)
		So(late.Error(), ShouldContainSubstring, "verify")
		So(errors.Is(late, StatusTimeout), ShouldBeTrue)
	})
}
